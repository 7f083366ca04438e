// Package seqdispatch implements the dispatcher core: a single
// dispatcher owns one chain scheduler and drives it against a
// transport adapter, applying the resend/timeout/flood-wait discipline
// described for the scheduling and retry state machine. Every public
// entry point is funneled through one actor goroutine so the
// implementation never needs a lock around its own state, the same way
// a single dispatch loop draining one command channel gets that
// property for free instead of guarding shared maps with a mutex.
package seqdispatch

import (
	"context"
	"time"

	"github.com/nakato-labs/chainseq/internal/audit"
	"github.com/nakato-labs/chainseq/internal/chainrequest"
	"github.com/nakato-labs/chainseq/internal/chainsched"
	"github.com/nakato-labs/chainseq/internal/logging"
	"github.com/nakato-labs/chainseq/internal/netquery"
	"github.com/nakato-labs/chainseq/internal/telemetry"
)

// ResultSink is the caller-supplied contract for delegated completion
// decisions.
type ResultSink interface {
	// OnResultResendable is called once a task's transport completion
	// (success, error, or synthesized timeout-exhaustion) has been
	// delegated. The sink must eventually call resolver.Resolve exactly
	// once, either with a fresh request to retry or with nil to
	// finalize.
	OnResultResendable(query *chainrequest.Request, resolver *Resolver)
}

// ResultSinkFunc adapts a function to a ResultSink.
type ResultSinkFunc func(query *chainrequest.Request, resolver *Resolver)

func (f ResultSinkFunc) OnResultResendable(query *chainrequest.Request, resolver *Resolver) {
	f(query, resolver)
}

// Parent is the optional upstream owner contract, used by a
// multi-chain wrapper to track liveness and reclaim idle dispatchers.
type Parent interface {
	OnResult()
	ReadyToClose()
}

// Resolver is the one-shot promise a ResultSink resolves to decide a
// task's fate.
type Resolver struct {
	taskID   chainsched.TaskID
	resolved bool
	d        *Dispatcher
}

// Resolve accepts (query != nil, requesting retry) or finalizes
// (query == nil). Calling it more than once is a no-op past the first
// call.
func (r *Resolver) Resolve(query *chainrequest.Request) {
	if r.resolved {
		return
	}
	r.resolved = true
	r.d.enqueue(cmdOnResend{taskID: r.taskID, query: query})
}

// Config holds the tunables of a Dispatcher instance.
type Config struct {
	// MaxSimultaneousWait bounds InFlight ∪ AwaitingResendDecision.
	MaxSimultaneousWait int
	// IdleGrace is how long a dispatcher with no live tasks waits
	// before first notifying its parent it is ready to close.
	IdleGrace time.Duration
	// IdleRearm is the shorter grace period used for every idle check
	// after the first notification.
	IdleRearm time.Duration
}

// DefaultConfig mirrors the canonical constants: an unlimited transport
// would still want a concurrency cap, so this picks a modest default;
// callers with a real network budget should set MaxSimultaneousWait
// explicitly.
func DefaultConfig() Config {
	return Config{
		MaxSimultaneousWait: 10,
		IdleGrace:           5 * time.Second,
		IdleRearm:           1 * time.Second,
	}
}

type taskExtra struct {
	query    *chainrequest.Request
	callback ResultSink
	chains   []chainsched.ChainID

	// ref names this task's current query in the weak-reference arena,
	// captured while the query is held (at submit and on every
	// resend). Unlike query itself, it stays populated across
	// transmission, so a successor being transmitted while this task
	// is InFlight or AwaitingResendDecision can still name it as an
	// invoke-after predecessor.
	ref chainrequest.WeakRef

	totalTimeout      float64
	totalTimeoutLimit float64
	sessionRand       uint32
}

// Dispatcher is the single-threaded actor described by the component
// design. Construct with NewMultiChain or NewSingleChain; all exported
// methods are safe to call from any goroutine: Submit, Hangup, TearDown
// and CloseSilent only ever enqueue a command onto the actor's channel,
// and the count accessors read the scheduler under its mutex.
type Dispatcher struct {
	transport netquery.Dispatcher
	scheduler *chainsched.Scheduler[taskExtra]
	cfg       Config
	parent    Parent
	log       logging.Logger
	telemetry telemetry.Sink
	audit     audit.Sink
	name      string

	cmds chan any

	weakArena *chainrequest.Arena

	idleTimer     *time.Timer
	idleNotified  bool
	closed        bool
	forcedChainID chainsched.ChainID // 0 unless NewSingleChain
}

func (d *Dispatcher) arena() *chainrequest.Arena { return d.weakArena }

type dispatcherOpt func(*Dispatcher)

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) dispatcherOpt {
	return func(d *Dispatcher) { d.log = l }
}

// WithTelemetry attaches an ephemeral live-count sink.
func WithTelemetry(t telemetry.Sink) dispatcherOpt {
	return func(d *Dispatcher) { d.telemetry = t }
}

// WithAudit attaches a terminal-task audit sink.
func WithAudit(a audit.Sink) dispatcherOpt {
	return func(d *Dispatcher) { d.audit = a }
}

// WithName labels the dispatcher instance in logs and telemetry.
func WithName(name string) dispatcherOpt {
	return func(d *Dispatcher) { d.name = name }
}

// NewMultiChain constructs a dispatcher that accepts submissions
// against any number of distinct caller-defined chains, sharing one
// concurrency window across all of them (the generalized scheduler,
// equivalent to routing every chain id through one shared instance
// rather than allocating one actor per chain id).
func NewMultiChain(transport netquery.Dispatcher, cfg Config, parent Parent, opts ...dispatcherOpt) *Dispatcher {
	d := &Dispatcher{
		transport: transport,
		scheduler: chainsched.New[taskExtra](cfg.MaxSimultaneousWait),
		cfg:       cfg,
		parent:    parent,
		log:       logging.Noop(),
		cmds:      make(chan any, 64),
		weakArena: chainrequest.NewArena(),
	}
	for _, opt := range opts {
		opt(d)
	}
	go d.loop()
	return d
}

// NewSingleChain constructs a dispatcher that always submits every
// task on a single fixed chain, regardless of what chains argument the
// caller passes to Submit. This is the convenience shape the older
// one-actor-per-chain design collapses to when there is exactly one
// chain of interest, kept for callers that never need cross-chain
// fan-out.
func NewSingleChain(transport netquery.Dispatcher, chain chainsched.ChainID, cfg Config, parent Parent, opts ...dispatcherOpt) *Dispatcher {
	d := NewMultiChain(transport, cfg, parent, opts...)
	d.forcedChainID = chain
	return d
}

// Name returns the label this dispatcher was constructed with.
func (d *Dispatcher) Name() string { return d.name }

// InFlightCount reports the current size of the InFlight ∪
// AwaitingResendDecision window, for introspection surfaces.
func (d *Dispatcher) InFlightCount() int { return d.scheduler.InFlightCount() }

// LiveTaskCount reports how many tasks have not yet been fully
// reclaimed, for introspection surfaces.
func (d *Dispatcher) LiveTaskCount() int { return d.scheduler.LiveTaskCount() }

// Submit enqueues a new request against the given chains. chains must
// be non-empty and every id non-zero; violating this is a programming
// fault reported to the caller synchronously rather than silently
// dropped.
func (d *Dispatcher) Submit(query *chainrequest.Request, callback ResultSink, chains []chainsched.ChainID) error {
	if d.forcedChainID != 0 {
		chains = []chainsched.ChainID{d.forcedChainID}
	}
	if len(chains) == 0 {
		return errInvalidChains{reason: "chains must be non-empty"}
	}
	for _, c := range chains {
		if c == 0 {
			return errInvalidChains{reason: "chain id must be non-zero"}
		}
	}
	query.SetSessionRand(sessionRandFrom(chains[0]))
	d.enqueue(cmdSubmit{query: query, callback: callback, chains: chains})
	return nil
}

// Hangup stops the actor immediately; no further callbacks fire.
func (d *Dispatcher) Hangup() { d.enqueue(cmdHangup{}) }

// TearDown finishes every task still holding a query with an aborted
// error, invoking their callbacks. The actor keeps running afterwards;
// InFlight tasks are left to complete through the transport.
func (d *Dispatcher) TearDown() { d.enqueue(cmdTearDown{}) }

// CloseSilent clears every task still holding a query without
// invoking callbacks, then stops.
func (d *Dispatcher) CloseSilent() { d.enqueue(cmdCloseSilent{}) }

func (d *Dispatcher) enqueue(cmd any) {
	defer func() { recover() }() // dropped after the actor has stopped
	d.cmds <- cmd
}

// sessionRandFrom derives a transport-session salt by shifting the
// first chain id right by 10 bits. Only the low 32 bits of the shifted
// value are kept, so chain ids that differ only above bit 41 get the
// same salt.
func sessionRandFrom(chain chainsched.ChainID) uint32 {
	return uint32(uint64(chain) >> 10)
}

type errInvalidChains struct{ reason string }

func (e errInvalidChains) Error() string { return "seqdispatch: invalid chains: " + e.reason }

// actor commands
type (
	cmdSubmit struct {
		query    *chainrequest.Request
		callback ResultSink
		chains   []chainsched.ChainID
	}
	cmdOnResult struct {
		taskID chainsched.TaskID
		query  *chainrequest.Request
	}
	cmdOnResend struct {
		taskID chainsched.TaskID
		query  *chainrequest.Request // nil finalizes
	}
	cmdIdleTimerFired struct{}
	cmdHangup         struct{}
	cmdTearDown       struct{}
	cmdCloseSilent    struct{}
)

func (d *Dispatcher) loop() {
	ctx := context.Background()
	for cmd := range d.cmds {
		if d.closed {
			continue
		}
		switch c := cmd.(type) {
		case cmdSubmit:
			d.handleSubmit(ctx, c)
		case cmdOnResult:
			d.handleOnResult(ctx, c)
		case cmdOnResend:
			d.handleOnResend(ctx, c)
		case cmdIdleTimerFired:
			d.handleIdleTimerFired(ctx)
		case cmdHangup:
			d.stopIdleTimer()
			d.shutdown()
			return
		case cmdTearDown:
			d.handleTearDown(ctx)
		case cmdCloseSilent:
			d.handleCloseSilent(ctx)
			d.shutdown()
			return
		}
	}
}

// shutdown marks the actor closed and closes its command channel so
// any further enqueue from another goroutine hits the recover() in
// enqueue instead of blocking forever on a channel nobody drains.
func (d *Dispatcher) shutdown() {
	d.closed = true
	close(d.cmds)
}
