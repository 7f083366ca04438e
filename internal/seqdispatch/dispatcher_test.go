package seqdispatch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nakato-labs/chainseq/internal/chainrequest"
	"github.com/nakato-labs/chainseq/internal/chainsched"
	"github.com/nakato-labs/chainseq/internal/netquery"
)

func testConfig() Config {
	return Config{MaxSimultaneousWait: 10, IdleGrace: 30 * time.Millisecond, IdleRearm: 10 * time.Millisecond}
}

// capturingSink records every delegated completion and lets the test
// script the resend decision.
type capturingSink struct {
	mu       sync.Mutex
	received []*chainrequest.Request
	decide   func(query *chainrequest.Request, resolver *Resolver)
}

func (s *capturingSink) OnResultResendable(query *chainrequest.Request, resolver *Resolver) {
	s.mu.Lock()
	s.received = append(s.received, query)
	decide := s.decide
	s.mu.Unlock()
	if decide != nil {
		decide(query, resolver)
	} else {
		resolver.Resolve(nil)
	}
}

func (s *capturingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

// finalizeSink always finalizes immediately, used where the test only
// cares about transmission behavior, not resend semantics.
var finalizeSink = ResultSinkFunc(func(query *chainrequest.Request, resolver *Resolver) {
	resolver.Resolve(nil)
})

type countingParent struct {
	mu          sync.Mutex
	resultCount int
	closeCount  int
}

func (p *countingParent) OnResult() {
	p.mu.Lock()
	p.resultCount++
	p.mu.Unlock()
}

func (p *countingParent) ReadyToClose() {
	p.mu.Lock()
	p.closeCount++
	p.mu.Unlock()
}

func (p *countingParent) results() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resultCount
}

func (p *countingParent) closes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCount
}

// waitUntil polls cond until it is true or the timeout elapses.
func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition not met before timeout")
}

func TestStrictChainingSingleChain(t *testing.T) {
	transport := netquery.NewFakeDispatcher(nil)
	parent := &countingParent{}
	d := NewMultiChain(transport, testConfig(), parent)

	q1 := chainrequest.New("q1", 30)
	q2 := chainrequest.New("q2", 30)
	q3 := chainrequest.New("q3", 30)

	require.NoError(t, d.Submit(q1, finalizeSink, []chainsched.ChainID{7}))
	require.NoError(t, d.Submit(q2, finalizeSink, []chainsched.ChainID{7}))
	require.NoError(t, d.Submit(q3, finalizeSink, []chainsched.ChainID{7}))

	// Invoke-after does not block transmission, only names ordering for
	// the far end: all three transmit immediately.
	waitUntil(t, time.Second, func() bool { return transport.PendingCount() == 3 })

	assert.Empty(t, q1.InvokeAfter())

	require.Len(t, q2.InvokeAfter(), 1)
	parent1, ok := q2.InvokeAfter()[0].Deref()
	require.True(t, ok)
	assert.Same(t, q1, parent1)

	require.Len(t, q3.InvokeAfter(), 1)
	parent2, ok := q3.InvokeAfter()[0].Deref()
	require.True(t, ok)
	assert.Same(t, q2, parent2)

	transport.Resolve(chainsched.TaskID(1))
	transport.Resolve(chainsched.TaskID(2))
	transport.Resolve(chainsched.TaskID(3))

	waitUntil(t, time.Second, func() bool { return parent.results() == 3 })
	waitUntil(t, time.Second, func() bool { return parent.closes() >= 1 })
}

func TestChainBreakCascades(t *testing.T) {
	transport := netquery.NewFakeDispatcher(nil)
	d := NewMultiChain(transport, testConfig(), nil)

	q1 := chainrequest.New("q1", 30)
	q2 := chainrequest.New("q2", 30)
	q3 := chainrequest.New("q3", 30)

	require.NoError(t, d.Submit(q1, finalizeSink, []chainsched.ChainID{1}))
	require.NoError(t, d.Submit(q2, finalizeSink, []chainsched.ChainID{1}))
	require.NoError(t, d.Submit(q3, finalizeSink, []chainsched.ChainID{1}))

	waitUntil(t, time.Second, func() bool { return transport.PendingCount() == 3 })
	// Q1, Q2, Q3 are all already transmitted (invoke-after does not
	// block transmission, only ordering annotation).
	transport.Resolve(chainsched.TaskID(1))

	// Q2 breaks its chain.
	transport.Fail(chainsched.TaskID(2), 400, "MSG_WAIT_FAILED")

	// Q2 is resent; the dispatcher must not finalize it, only rechain.
	waitUntil(t, time.Second, func() bool { return transport.PendingCount() == 2 })

	transport.Resolve(chainsched.TaskID(2))
	transport.Resolve(chainsched.TaskID(3))

	waitUntil(t, time.Second, func() bool { return transport.PendingCount() == 0 })
}

func TestFloodWaitPropagation(t *testing.T) {
	transport := netquery.NewFakeDispatcher(nil)
	sink := &capturingSink{}
	d := NewMultiChain(transport, testConfig(), nil)

	q1 := chainrequest.New("q1", 10)
	q2 := chainrequest.New("q2", 10)

	require.NoError(t, d.Submit(q1, sink, []chainsched.ChainID{5}))
	require.NoError(t, d.Submit(q2, sink, []chainsched.ChainID{5}))

	waitUntil(t, time.Second, func() bool { return transport.PendingCount() == 2 })

	transport.FailWithTimeout(chainsched.TaskID(1), 7)
	// A completion without a hard error still resolves the task.
	transport.Resolve(chainsched.TaskID(1))

	waitUntil(t, time.Second, func() bool { return sink.count() >= 1 })
}

func TestFloodWaitExhaustionSynthesizes429(t *testing.T) {
	transport := netquery.NewFakeDispatcher(nil)
	// Q1's resolver is held back until Q2 has completed, so Q1 keeps
	// its AwaitingResendDecision slot in the concurrency window.
	held := make(chan *Resolver, 1)
	sink := &capturingSink{decide: func(query *chainrequest.Request, resolver *Resolver) {
		if query.Label() == "q1" {
			held <- resolver
			return
		}
		resolver.Resolve(nil)
	}}
	// A cap of 2, filled by Q1 (awaiting its resend decision) and Q2
	// (in flight), keeps Q3 Pending, which is required to exercise
	// timeout-exhaustion: only a Pending successor is ever eligible to
	// be failed out ahead of transmission.
	d := NewMultiChain(transport, Config{MaxSimultaneousWait: 2, IdleGrace: 30 * time.Millisecond, IdleRearm: 10 * time.Millisecond}, nil)

	q1 := chainrequest.New("q1", 10)
	q2 := chainrequest.New("q2", 10)
	q3 := chainrequest.New("q3", 10)

	require.NoError(t, d.Submit(q1, sink, []chainsched.ChainID{5}))
	require.NoError(t, d.Submit(q2, sink, []chainsched.ChainID{5}))
	require.NoError(t, d.Submit(q3, sink, []chainsched.ChainID{5}))

	waitUntil(t, time.Second, func() bool { return transport.PendingCount() == 2 })

	transport.FailWithTimeout(chainsched.TaskID(1), 7)
	transport.Resolve(chainsched.TaskID(1))

	waitUntil(t, time.Second, func() bool { return sink.count() >= 1 })

	transport.FailWithTimeout(chainsched.TaskID(2), 5)
	transport.Resolve(chainsched.TaskID(2))

	// Q3's accumulated total_timeout (7+5=12) exceeds its limit (10)
	// before it ever reaches the transport, so it is finalized with a
	// synthesized 429 as part of Q2's completion, ahead of Q2's own
	// completion callback.
	waitUntil(t, time.Second, func() bool { return sink.count() >= 3 })
	(<-held).Resolve(nil)

	assert.Equal(t, 0, transport.PendingCount())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.received, 3)
	assert.Equal(t, "q1", sink.received[0].Label())

	q3Result := sink.received[1]
	assert.Equal(t, "q3", q3Result.Label())
	assert.True(t, q3Result.IsError())
	assert.Equal(t, 429, q3Result.ErrorCode())
	assert.Equal(t, "Too Many Requests: retry after 5", q3Result.ErrorMessage())

	assert.Equal(t, "q2", sink.received[2].Label())
}

func TestConcurrencyCapAdmitsNextOnFinish(t *testing.T) {
	transport := netquery.NewFakeDispatcher(nil)
	d := NewMultiChain(transport, Config{MaxSimultaneousWait: 2, IdleGrace: time.Second, IdleRearm: time.Second}, nil)

	for i := 1; i <= 5; i++ {
		q := chainrequest.New("q", 30)
		require.NoError(t, d.Submit(q, finalizeSink, []chainsched.ChainID{chainsched.ChainID(i)}))
	}

	waitUntil(t, time.Second, func() bool { return transport.PendingCount() == 2 })
	assert.Equal(t, 2, transport.PendingCount())

	transport.Resolve(chainsched.TaskID(1))
	waitUntil(t, time.Second, func() bool { return transport.PendingCount() == 2 })

	transport.Resolve(chainsched.TaskID(2))
	transport.Resolve(chainsched.TaskID(3))
	transport.Resolve(chainsched.TaskID(4))
	transport.Resolve(chainsched.TaskID(5))

	waitUntil(t, time.Second, func() bool { return transport.PendingCount() == 0 })
}

func TestCallerDrivenResend(t *testing.T) {
	transport := netquery.NewFakeDispatcher(nil)
	parent := &countingParent{}

	var retried bool
	sink := &capturingSink{decide: func(query *chainrequest.Request, resolver *Resolver) {
		if !retried {
			retried = true
			fresh := chainrequest.New("q-retry", 30)
			resolver.Resolve(fresh)
			return
		}
		resolver.Resolve(nil)
	}}

	d := NewMultiChain(transport, testConfig(), parent)
	q := chainrequest.New("q", 30)
	require.NoError(t, d.Submit(q, sink, []chainsched.ChainID{2}))

	waitUntil(t, time.Second, func() bool { return transport.PendingCount() == 1 })
	transport.Fail(chainsched.TaskID(1), 500, "internal error")

	waitUntil(t, time.Second, func() bool { return sink.count() == 1 })
	// The caller asked for a retry with a fresh handle; the same task
	// id is resubmitted rather than a new one being created.
	waitUntil(t, time.Second, func() bool { return transport.PendingCount() == 1 })

	transport.Resolve(chainsched.TaskID(1))
	waitUntil(t, time.Second, func() bool { return sink.count() == 2 })
	waitUntil(t, time.Second, func() bool { return parent.results() == 1 })
}

func TestTearDownAbortsTasksStillHoldingAQuery(t *testing.T) {
	// Only tasks that still hold their query (Pending or
	// AwaitingResendDecision) are aborted by tear_down; a task already
	// handed off to the transport (InFlight) is left to complete on
	// its own, matching the source's "if (data.query_.empty()) continue".
	transport := netquery.NewFakeDispatcher(nil)
	sink := &capturingSink{}
	parent := &countingParent{}
	d := NewMultiChain(transport, Config{MaxSimultaneousWait: 1, IdleGrace: time.Second, IdleRearm: time.Second}, parent)

	for i := 1; i <= 3; i++ {
		q := chainrequest.New("q", 30)
		require.NoError(t, d.Submit(q, sink, []chainsched.ChainID{chainsched.ChainID(i)}))
	}

	// With a cap of 1, exactly one task reaches the transport; the
	// other two remain Pending, still holding their query.
	waitUntil(t, time.Second, func() bool { return transport.PendingCount() == 1 })

	d.TearDown()

	waitUntil(t, time.Second, func() bool { return sink.count() == 2 })
	waitUntil(t, time.Second, func() bool { return parent.results() == 2 })

	sink.mu.Lock()
	for _, q := range sink.received {
		assert.True(t, q.IsError())
	}
	sink.mu.Unlock()

	// The in-flight task is untouched by tear_down.
	assert.Equal(t, 1, transport.PendingCount())
}

func TestSubmitRejectsInvalidChains(t *testing.T) {
	transport := netquery.NewFakeDispatcher(nil)
	d := NewMultiChain(transport, testConfig(), nil)

	q := chainrequest.New("q", 30)
	assert.Error(t, d.Submit(q, finalizeSink, nil))
	assert.Error(t, d.Submit(q, finalizeSink, []chainsched.ChainID{0}))
}
