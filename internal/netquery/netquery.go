// Package netquery defines the transport adapter boundary the
// dispatcher core talks to: a dispatch-with-callback interface that
// guarantees exactly one completion per dispatched query, plus a fake
// implementation used by tests and the demo command.
package netquery

import (
	"sync"

	"github.com/nakato-labs/chainseq/internal/chainrequest"
	"github.com/nakato-labs/chainseq/internal/chainsched"
)

// Token identifies, from the transport's point of view, which task a
// completion belongs to. It carries nothing more than the task id.
type Token = chainsched.TaskID

// Callback is invoked exactly once per dispatched query, on
// completion (success or error already recorded on query via
// SetError).
type Callback func(token Token, query *chainrequest.Request)

// Dispatcher is the transport adapter boundary (component C4). A real
// implementation would serialize query onto a wire connection keyed by
// token and invoke onComplete when the matching response, or a
// connection-level failure, arrives.
type Dispatcher interface {
	DispatchWithCallback(query *chainrequest.Request, token Token, onComplete Callback)
}

// FakeDispatcher is an in-memory Dispatcher for tests and the demo
// binary. Outcomes are supplied by the test via Resolve/Fail, or
// automatically via a Responder function set at construction.
type FakeDispatcher struct {
	mu sync.Mutex

	responder func(token Token, query *chainrequest.Request)

	pending map[Token]pendingCall
}

type pendingCall struct {
	query      *chainrequest.Request
	onComplete Callback
}

// NewFakeDispatcher creates a FakeDispatcher. If responder is
// non-nil, it is invoked synchronously inside DispatchWithCallback to
// decide the outcome (set an error on query, or leave it clean for
// success) before the completion callback fires; pass nil to drive
// completions manually with Resolve/Fail.
func NewFakeDispatcher(responder func(token Token, query *chainrequest.Request)) *FakeDispatcher {
	return &FakeDispatcher{
		responder: responder,
		pending:   make(map[Token]pendingCall),
	}
}

func (f *FakeDispatcher) DispatchWithCallback(query *chainrequest.Request, token Token, onComplete Callback) {
	if f.responder != nil {
		f.responder(token, query)
		onComplete(token, query)
		return
	}
	f.mu.Lock()
	f.pending[token] = pendingCall{query: query, onComplete: onComplete}
	f.mu.Unlock()
}

// Resolve completes a manually-driven dispatch successfully.
func (f *FakeDispatcher) Resolve(token Token) {
	f.complete(token, func(q *chainrequest.Request) {})
}

// Fail completes a manually-driven dispatch with the given error.
func (f *FakeDispatcher) Fail(token Token, code int, message string) {
	f.complete(token, func(q *chainrequest.Request) {
		q.SetError(code, message)
	})
}

// FailWithTimeout completes a manually-driven dispatch with a
// flood-wait style timeout hint but no hard error.
func (f *FakeDispatcher) FailWithTimeout(token Token, seconds float64) {
	f.complete(token, func(q *chainrequest.Request) {
		q.SetLastTimeout(seconds)
	})
}

func (f *FakeDispatcher) complete(token Token, mutate func(*chainrequest.Request)) {
	f.mu.Lock()
	call, ok := f.pending[token]
	if ok {
		delete(f.pending, token)
	}
	f.mu.Unlock()
	if !ok {
		return
	}
	mutate(call.query)
	call.onComplete(token, call.query)
}

// PendingCount reports how many manually-driven dispatches are still
// outstanding, useful for asserting concurrency-cap behavior in tests.
func (f *FakeDispatcher) PendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}
