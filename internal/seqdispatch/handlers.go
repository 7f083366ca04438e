package seqdispatch

import (
	"context"

	"github.com/nakato-labs/chainseq/internal/chainrequest"
	"github.com/nakato-labs/chainseq/internal/chainsched"
	"github.com/nakato-labs/chainseq/internal/logging"
)

func (d *Dispatcher) handleSubmit(ctx context.Context, c cmdSubmit) {
	extra := taskExtra{
		query:             c.query,
		callback:          c.callback,
		chains:            c.chains,
		ref:               c.query.WeakRef(d.arena()),
		totalTimeoutLimit: c.query.TotalTimeoutLimit(),
		sessionRand:       c.query.SessionRand(),
	}
	id := d.scheduler.CreateTask(c.chains, extra)
	d.log.Debug(ctx, "task submitted",
		logging.String("dispatcher", d.name),
		logging.Int("task_id", int(id)),
		logging.String("label", c.query.Label()),
	)
	d.driveLoop(ctx)
}

// driveLoop is the idempotent driver described for the dispatcher
// core: repeatedly pull the next runnable task from the scheduler and
// hand it to the transport, until none remains or the concurrency cap
// is hit.
func (d *Dispatcher) driveLoop(ctx context.Context) {
	for {
		ready, ok := d.scheduler.StartNextTask()
		if !ok {
			break
		}
		d.transmit(ctx, ready)
	}
	d.checkIdle(ctx)
}

func (d *Dispatcher) transmit(ctx context.Context, ready chainsched.Ready[taskExtra]) {
	extra := ready.Node
	query := extra.query
	if query == nil {
		// The scheduler handed back a task that is not holding a
		// query: a programming fault, since only Pending tasks (which
		// always hold their query) are returned by StartNextTask.
		d.abort(ctx, "task has no query at transmission time")
		return
	}

	refs := make([]chainrequest.WeakRef, 0, len(ready.Parents))
	for _, parentID := range ready.Parents {
		parentExtra := d.scheduler.GetTaskExtra(parentID)
		if parentExtra == nil || parentExtra.ref.IsEmpty() {
			continue
		}
		refs = append(refs, parentExtra.ref)
	}
	query.SetInvokeAfter(refs)
	query.SetLastTimeout(0)

	extra.query = nil // the transport owns the query while InFlight

	d.log.Debug(ctx, "transmitting task",
		logging.String("dispatcher", d.name),
		logging.Int("task_id", int(ready.TaskID)),
		logging.Int("invoke_after_count", len(refs)),
	)
	if d.telemetry != nil {
		d.telemetry.SetInFlight(d.name, d.scheduler.InFlightCount())
	}

	token := ready.TaskID
	d.transport.DispatchWithCallback(query, token, func(_ chainsched.TaskID, completed *chainrequest.Request) {
		d.enqueue(cmdOnResult{taskID: token, query: completed})
	})
}

func (d *Dispatcher) handleOnResult(ctx context.Context, c cmdOnResult) {
	extra := d.scheduler.GetTaskExtra(c.taskID)
	if extra == nil {
		return
	}
	extra.query = c.query

	lastTimeout := c.query.LastTimeout()
	if lastTimeout > 0 {
		d.propagateFloodWait(ctx, c.taskID, extra, lastTimeout)
	}

	if c.query.IsError() && isChainBreak(c.query.ErrorCode(), c.query.ErrorMessage()) {
		d.log.Info(ctx, "chain break, resending",
			logging.String("dispatcher", d.name),
			logging.Int("task_id", int(c.taskID)),
		)
		c.query.Resend()
		d.scheduler.ResetTask(c.taskID)
		d.driveLoop(ctx)
		return
	}

	d.delegateToCallback(ctx, c.taskID, extra)
}

// propagateFloodWait implements the flood-wait propagation rule: every
// task submitted later on any of this task's chains accumulates the
// observed last_timeout into its own total_timeout, regardless of its
// current state, so budget already survives a later chain-break that
// resets an in-flight successor back to Pending. Only successors that
// are currently Pending are re-checked against their limit; a task
// already transmitted or already delegated to the caller is checked
// only if a later propagation reaches it while it is Pending. Returning
// to Pending through a reset does not by itself trigger a check.
func (d *Dispatcher) propagateFloodWait(ctx context.Context, taskID chainsched.TaskID, extra *taskExtra, lastTimeout float64) {
	for _, chainID := range extra.chains {
		for _, succID := range d.scheduler.Successors(chainID, taskID) {
			succExtra := d.scheduler.GetTaskExtra(succID)
			if succExtra == nil {
				continue
			}
			succExtra.totalTimeout += lastTimeout
			if state, ok := d.scheduler.State(succID); !ok || state != chainsched.Pending {
				continue
			}
			d.timeoutCheck(ctx, succID, succExtra, lastTimeout)
		}
	}
}

// timeoutCheck applies to a Pending task after its total_timeout has
// been updated: if the accumulated budget now exceeds the caller's
// limit, synthesize a 429 and delegate the errored query to the
// caller instead of ever transmitting it.
func (d *Dispatcher) timeoutCheck(ctx context.Context, taskID chainsched.TaskID, extra *taskExtra, lastTimeout float64) {
	if extra.totalTimeout <= extra.totalTimeoutLimit {
		return
	}
	if extra.query == nil {
		return
	}
	extra.query.SetError(codeTooManyRequests, tooManyRequestsMessage(lastTimeout))
	d.scheduler.MarkAwaitingResend(taskID)
	d.log.Info(ctx, "timeout budget exhausted",
		logging.String("dispatcher", d.name),
		logging.Int("task_id", int(taskID)),
	)
	d.invokeResultSink(ctx, taskID, extra)
}

func (d *Dispatcher) delegateToCallback(ctx context.Context, taskID chainsched.TaskID, extra *taskExtra) {
	d.scheduler.MarkAwaitingResend(taskID)
	d.invokeResultSink(ctx, taskID, extra)
}

func (d *Dispatcher) invokeResultSink(ctx context.Context, taskID chainsched.TaskID, extra *taskExtra) {
	if extra.callback == nil {
		d.finishTask(ctx, taskID, extra.query)
		return
	}
	resolver := &Resolver{taskID: taskID, d: d}
	extra.callback.OnResultResendable(extra.query, resolver)
}

func (d *Dispatcher) handleOnResend(ctx context.Context, c cmdOnResend) {
	extra := d.scheduler.GetTaskExtra(c.taskID)
	if extra == nil {
		return
	}
	if c.query == nil {
		d.finishTask(ctx, c.taskID, extra.query)
		return
	}
	extra.query = c.query
	extra.ref = c.query.WeakRef(d.arena())
	d.scheduler.ResetTask(c.taskID)
	d.driveLoop(ctx)
}

func (d *Dispatcher) finishTask(ctx context.Context, taskID chainsched.TaskID, query *chainrequest.Request) {
	if query != nil {
		query.Forget()
	}
	d.scheduler.FinishTask(taskID)
	d.log.Debug(ctx, "task finished",
		logging.String("dispatcher", d.name),
		logging.Int("task_id", int(taskID)),
	)
	if d.audit != nil && query != nil {
		d.audit.RecordFinished(ctx, d.name, int(taskID), query.Label(), query.IsError(), query.ErrorCode(), query.ErrorMessage())
	}
	if d.parent != nil {
		d.parent.OnResult()
	}
	if d.telemetry != nil {
		d.telemetry.SetInFlight(d.name, d.scheduler.InFlightCount())
		d.telemetry.SetLive(d.name, d.scheduler.LiveTaskCount())
	}
	d.driveLoop(ctx)
}

func (d *Dispatcher) abort(ctx context.Context, reason string) {
	d.log.Error(ctx, "dispatcher fault, aborting", logging.String("reason", reason))
	panic("seqdispatch: fatal invariant violation: " + reason)
}

func (d *Dispatcher) handleTearDown(ctx context.Context) {
	d.stopIdleTimer()
	var toFinish []chainsched.TaskID
	d.scheduler.ForEach(func(id chainsched.TaskID, extra *taskExtra, state chainsched.TaskState) {
		if extra.query == nil || state == chainsched.Finished {
			return
		}
		toFinish = append(toFinish, id)
	})
	for _, id := range toFinish {
		extra := d.scheduler.GetTaskExtra(id)
		if extra == nil || extra.query == nil {
			continue
		}
		extra.query.SetError(-1, "request aborted")
		if extra.callback != nil {
			extra.callback.OnResultResendable(extra.query, &Resolver{taskID: id, d: d, resolved: true})
		}
		d.finishTask(ctx, id, extra.query)
	}
}

func (d *Dispatcher) handleCloseSilent(ctx context.Context) {
	d.stopIdleTimer()
	d.scheduler.ForEach(func(id chainsched.TaskID, extra *taskExtra, state chainsched.TaskState) {
		if extra.query == nil {
			return
		}
		extra.query.Clear()
	})
}
