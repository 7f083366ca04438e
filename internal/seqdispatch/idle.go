package seqdispatch

import (
	"context"
	"time"

	"github.com/nakato-labs/chainseq/internal/chainsched"
)

// hasUnfinishedTasks reports whether any task has not yet reached
// Finished. The scheduler's LiveTaskCount is not used for this: it also
// counts Finished tasks that compaction has not reclaimed yet.
func (d *Dispatcher) hasUnfinishedTasks() bool {
	unfinished := false
	d.scheduler.ForEach(func(_ chainsched.TaskID, _ *taskExtra, state chainsched.TaskState) {
		if state != chainsched.Finished {
			unfinished = true
		}
	})
	return unfinished
}

// checkIdle arms or disarms the idle-close timer based on whether the
// scheduler currently holds any unfinished task. The first expiry notifies
// the parent "ready to close" with the full grace period; every
// subsequent check re-arms with the shorter grace period so a parent
// that ignores the first notification is pinged again quickly rather
// than never.
func (d *Dispatcher) checkIdle(ctx context.Context) {
	if d.hasUnfinishedTasks() {
		d.stopIdleTimer()
		d.idleNotified = false
		return
	}
	if d.parent == nil || d.idleTimer != nil {
		return
	}
	grace := d.cfg.IdleGrace
	if d.idleNotified {
		grace = d.cfg.IdleRearm
	}
	if grace <= 0 {
		grace = 5 * time.Second
	}
	d.idleTimer = time.AfterFunc(grace, func() {
		d.enqueue(cmdIdleTimerFired{})
	})
}

func (d *Dispatcher) handleIdleTimerFired(ctx context.Context) {
	d.idleTimer = nil
	if d.hasUnfinishedTasks() {
		return
	}
	d.idleNotified = true
	if d.parent != nil {
		d.parent.ReadyToClose()
	}
	// Re-arm at the shorter interval in case the parent does not act
	// on the notification immediately.
	d.checkIdle(ctx)
}

func (d *Dispatcher) stopIdleTimer() {
	if d.idleTimer != nil {
		d.idleTimer.Stop()
		d.idleTimer = nil
	}
}
