package freezewatch

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log/level"

	"github.com/chosenoffset/freezewatch/pkg/freezewatch/stack"
	"github.com/chosenoffset/freezewatch/pkg/freezewatch/stats"
)

// checkerState is the per-event freeze state machine. Transitions are
// monotonic: CHECKING -> FROZEN -> FINISHED or CHECKING -> FINISHED, decided
// by atomic operations so a stop racing the deferred trigger has exactly one
// winner.
type checkerState = int32

const (
	stateChecking checkerState = iota
	stateFrozen
	stateFinished
)

// freezeChecker watches one UI event. Armed when the event starts, it
// escalates to active freeze sampling if the deferred trigger fires before
// the event ends, and finalizes and reports on stop.
type freezeChecker struct {
	w *Watchdog

	state   atomic.Int32
	trigger *scheduledTask

	// eventStart is when the monitored event began; frozenAt is when the
	// stall was confirmed. frozenAt is written once, on the worker, before
	// any dump is taken.
	eventStart time.Time
	frozenAt   time.Time

	freezeFolder string
	dumpTask     atomic.Pointer[samplingTask]

	// Incremental intersection of the event-loop stack across all dumps of
	// this episode. Guarded by suffixMu; read at finalize time.
	suffixMu     sync.Mutex
	suffix       []stack.Frame
	suffixSeeded bool
}

func newFreezeChecker(w *Watchdog, eventStart time.Time) *freezeChecker {
	c := &freezeChecker{
		w:          w,
		eventStart: eventStart,
	}
	c.trigger = w.sched.Schedule(w.settings.UnresponsiveInterval(), c.frozen)
	return c
}

// frozen runs on the worker when the deferred trigger fires. The CAS loses
// against a concurrent stop, in which case nothing happens.
func (c *freezeChecker) frozen() {
	c.freezeFolder = c.w.store.freezeFolderName(time.Now())
	if !c.state.CompareAndSwap(stateChecking, stateFrozen) {
		return
	}
	c.frozenAt = time.Now()

	reportDir := c.w.store.ensureFolder(c.freezeFolder)
	stats.FreezesTotal.Inc()
	c.w.publisher.UIFreezeStarted(reportDir)
	level.Warn(c.w.logger).Log("msg", "UI freeze detected", "dir", reportDir)

	task := newSamplingTask(c.w.sched, c.w.sampler,
		c.w.dumpInterval(), c.w.settings.MaxDumpDuration(),
		c.dumpedThreads, c.maxDurationElapsed, c.w.logger)
	c.dumpTask.Store(task)
	task.Run()
}

// dumpedThreads runs on the worker for every snapshot taken while frozen.
func (c *freezeChecker) dumpedThreads(snap *stack.Snapshot) {
	if c.state.Load() == stateFinished {
		// A stop raced in between scheduling and delivery; shut the
		// sampler down instead of persisting a stale dump.
		c.stopDumping()
		return
	}

	file := c.w.store.writeDump(c.freezeFolder, snap, false)
	if file != "" {
		elapsed := int64(time.Since(c.frozenAt).Seconds())
		c.w.store.writeMarker(c.freezeFolder, elapsed)
		stats.DumpsWrittenTotal.Inc()
		c.w.publisher.DumpedThreads(file, snap)
	}
	c.updateSuffix(snap)
}

// updateSuffix folds the event-loop stack of one snapshot into the common
// trailing run shared by all dumps of this episode.
func (c *freezeChecker) updateSuffix(snap *stack.Snapshot) {
	for i := range snap.Goroutines {
		g := &snap.Goroutines[i]
		if !c.w.sampler.IsEventLoop(g) {
			continue
		}
		c.suffixMu.Lock()
		if !c.suffixSeeded {
			c.suffix = append([]stack.Frame(nil), g.Frames...)
			c.suffixSeeded = true
		} else {
			c.suffix = stack.CommonSuffix(c.suffix, g.Frames)
		}
		c.suffixMu.Unlock()
		return
	}
}

func (c *freezeChecker) suffixLabel() string {
	c.suffixMu.Lock()
	defer c.suffixMu.Unlock()
	return stack.SuffixLabel(c.suffix)
}

// maxDurationElapsed runs on the worker when the sampling window is
// exhausted with the event still unfinished; the episode finalizes anyway.
func (c *freezeChecker) maxDurationElapsed() {
	c.stop()
}

// stop finishes the checker. Safe from any goroutine and idempotent; a
// checker that never froze just cancels its trigger. A frozen checker stops
// sampling immediately and schedules finalization on the worker.
func (c *freezeChecker) stop() {
	c.trigger.Cancel()

	if c.state.Swap(stateFinished) != stateFrozen {
		return
	}
	stopAt := time.Now()
	c.stopDumping() // halt sampling as early as possible

	c.w.sched.Submit(func() {
		c.stopDumping()

		duration := stopAt.Sub(c.frozenAt)
		reportDir := c.w.store.finalizeFreeze(c.freezeFolder, c.suffixLabel(), duration)

		stats.FreezeDurationSeconds.Observe(duration.Seconds())
		c.w.publisher.UIFreezeFinished(duration, reportDir)
		if reportDir != "" {
			level.Warn(c.w.logger).Log("msg", "UI was frozen",
				"duration", duration, "dir", reportDir)
		} else {
			level.Warn(c.w.logger).Log("msg", "UI was frozen", "duration", duration)
		}
	})
}

// stopDumping aborts stack collection for the current freeze without
// finalizing it.
func (c *freezeChecker) stopDumping() {
	if task := c.dumpTask.Swap(nil); task != nil {
		task.Stop()
	}
}
