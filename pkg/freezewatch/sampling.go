package freezewatch

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/chosenoffset/freezewatch/pkg/freezewatch/stack"
)

// samplingTask produces a bounded periodic sequence of snapshots: one
// immediately on start, then one per interval, until Stop is called or
// maxDuration of wall time has elapsed, whichever comes first. Dumps are
// delivered synchronously on the scheduler worker. All snapshots taken so
// far are kept for cross-sample stack analysis.
type samplingTask struct {
	sched       *scheduler
	sampler     stack.Sampler
	interval    time.Duration
	maxDuration time.Duration
	logger      log.Logger

	// onDump runs on the worker for every captured snapshot.
	onDump func(*stack.Snapshot)
	// onMaxDuration runs on the worker once if the task expires on its own.
	onMaxDuration func()

	stopped atomic.Bool

	mu        sync.Mutex
	next      *scheduledTask
	deadline  *scheduledTask
	snapshots []*stack.Snapshot
}

func newSamplingTask(sched *scheduler, sampler stack.Sampler, interval, maxDuration time.Duration,
	onDump func(*stack.Snapshot), onMaxDuration func(), logger log.Logger) *samplingTask {
	return &samplingTask{
		sched:         sched,
		sampler:       sampler,
		interval:      interval,
		maxDuration:   maxDuration,
		onDump:        onDump,
		onMaxDuration: onMaxDuration,
		logger:        logger,
	}
}

// Run takes the first dump immediately and arms both the periodic chain and
// the max-duration deadline. Never blocks the caller.
func (t *samplingTask) Run() {
	t.mu.Lock()
	t.deadline = t.sched.Schedule(t.maxDuration, t.expire)
	t.mu.Unlock()
	t.sched.Submit(t.step)
}

// Stop cancels all further dumps. After Stop returns no new handler
// invocation starts; one already running on the worker may finish.
// Idempotent.
func (t *samplingTask) Stop() {
	if t.stopped.Swap(true) {
		return
	}
	t.mu.Lock()
	if t.next != nil {
		t.next.Cancel()
	}
	if t.deadline != nil {
		t.deadline.Cancel()
	}
	t.mu.Unlock()
}

// Snapshots returns everything captured so far, oldest first.
func (t *samplingTask) Snapshots() []*stack.Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*stack.Snapshot, len(t.snapshots))
	copy(out, t.snapshots)
	return out
}

func (t *samplingTask) step() {
	if t.stopped.Load() {
		return
	}

	snap, err := t.sampler.CaptureAll()
	if err != nil {
		// A single failed capture is not fatal; keep the loop alive.
		level.Info(t.logger).Log("msg", "thread dump capture failed", "err", err)
	} else {
		t.mu.Lock()
		t.snapshots = append(t.snapshots, snap)
		t.mu.Unlock()
		t.onDump(snap)
	}

	if t.stopped.Load() {
		return
	}
	t.mu.Lock()
	t.next = t.sched.Schedule(t.interval, t.step)
	t.mu.Unlock()
}

func (t *samplingTask) expire() {
	if t.stopped.Load() {
		return
	}
	t.Stop()
	t.onMaxDuration()
}
