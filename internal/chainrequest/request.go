// Package chainrequest implements the Request Handle described by the
// dispatcher's data model: an opaque, single-owner value that carries a
// server error, an invoke-after hint list, and a flood-wait/timeout
// budget, plus a weak-reference mechanism successors use to name it as
// their invoke-after predecessor.
package chainrequest

import "fmt"

// QueryError is the error shape the transport reports back: a numeric
// code plus a textual message. The dispatcher recognizes a handful of
// sentinel (code, message) pairs; everything else is opaque to it and
// passed through to the caller untouched.
type QueryError struct {
	Code    int
	Message string
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("code %d: %s", e.Code, e.Message)
}

// Request is the opaque handle owned by exactly one task at a time
// while it is queued with the dispatcher. Nothing in this package is
// safe for concurrent use: the dispatcher's single-threaded actor
// discipline is what makes an unsynchronized struct correct here, the
// same way funneling all worker traffic through one channel avoids
// locking per-connection state.
type Request struct {
	label string

	err *QueryError

	invokeAfter []WeakRef

	lastTimeout       float64
	totalTimeout      float64
	totalTimeoutLimit float64

	sessionRand uint32

	ref     WeakRef
	cleared bool
}

// New creates a Request with the given per-request total-timeout
// ceiling. label is only used for logging.
func New(label string, totalTimeoutLimit float64) *Request {
	return &Request{
		label:             label,
		totalTimeoutLimit: totalTimeoutLimit,
	}
}

func (r *Request) Label() string { return r.label }

// IsError reports whether the request currently carries a terminal or
// intermediate transport error.
func (r *Request) IsError() bool { return r.err != nil }

func (r *Request) ErrorCode() int {
	if r.err == nil {
		return 0
	}
	return r.err.Code
}

func (r *Request) ErrorMessage() string {
	if r.err == nil {
		return ""
	}
	return r.err.Message
}

// SetError marks the request as failed from the caller's perspective.
func (r *Request) SetError(code int, message string) {
	r.err = &QueryError{Code: code, Message: message}
}

// ClearError drops any previously set error, used when a request is
// resent after a chain-break (the error was internal to the transport,
// not something the caller should ever observe).
func (r *Request) ClearError() { r.err = nil }

// SetInvokeAfter replaces the request's predecessor hint list before
// (re)transmission. An empty slice means "no predecessor".
func (r *Request) SetInvokeAfter(refs []WeakRef) {
	r.invokeAfter = refs
}

func (r *Request) InvokeAfter() []WeakRef { return r.invokeAfter }

// LastTimeout is the server-advertised flood-wait, in seconds, for the
// most recent completion of this specific request (0 if none).
func (r *Request) LastTimeout() float64 { return r.lastTimeout }

func (r *Request) SetLastTimeout(v float64) { r.lastTimeout = v }

func (r *Request) TotalTimeout() float64 { return r.totalTimeout }

func (r *Request) AddTotalTimeout(v float64) { r.totalTimeout += v }

func (r *Request) TotalTimeoutLimit() float64 { return r.totalTimeoutLimit }

func (r *Request) SessionRand() uint32 { return r.sessionRand }

func (r *Request) SetSessionRand(v uint32) { r.sessionRand = v }

// Resend prepares the same logical request for retransmission: it
// clears any transport-assigned error, without creating a new request
// identity. Chain-break recovery calls this; a caller that wants a
// genuinely fresh request instead constructs a new *Request.
func (r *Request) Resend() {
	r.ClearError()
	r.lastTimeout = 0
}

// Clear cancels the request silently: no callback will ever observe
// it again. Used by close_silent teardown.
func (r *Request) Clear() { r.cleared = true }

func (r *Request) Cleared() bool { return r.cleared }

// WeakRef returns the weak reference by which this request can be
// named as an invoke-after predecessor, tracking it in arena on first
// use. The zero WeakRef is never returned once tracked.
func (r *Request) WeakRef(arena *Arena) WeakRef {
	if r.ref.IsEmpty() {
		r.ref = arena.Track(r)
	}
	return r.ref
}

// Forget releases the request's arena slot early, e.g. once its owning
// task finishes and invariant 4 says the reference must no longer be
// dereferenced. Safe to call even if WeakRef was never taken.
func (r *Request) Forget() {
	if !r.ref.IsEmpty() {
		r.ref.arena.release(r.ref.idx, r.ref.gen)
		r.ref = WeakRef{}
	}
}
