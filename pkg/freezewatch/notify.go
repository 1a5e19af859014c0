package freezewatch

import (
	"sync"
	"time"

	"github.com/chosenoffset/freezewatch/pkg/freezewatch/stack"
)

// PerformanceListener receives watchdog notifications. All callbacks are
// fire-and-forget from the watchdog's point of view and are invoked on the
// background worker, so implementations should return quickly.
type PerformanceListener interface {
	// UIResponded reports one measured end-to-end event loop latency.
	UIResponded(latency time.Duration)
	// UIFreezeStarted fires once when a stall is confirmed. reportDir may be
	// empty if the artifact directory could not be created.
	UIFreezeStarted(reportDir string)
	// DumpedThreads fires for every dump persisted during a freeze.
	DumpedThreads(file string, snapshot *stack.Snapshot)
	// UIFreezeFinished fires once when a stall resolves or sampling times
	// out. reportDir is empty when no artifacts were produced.
	UIFreezeFinished(duration time.Duration, reportDir string)
	// RecoveredFreeze reports an unfinished episode found on startup, left
	// over from an abnormal termination.
	RecoveredFreeze(reportDir string, duration time.Duration)
}

// ListenerFuncs adapts plain functions to PerformanceListener; nil fields
// are ignored.
type ListenerFuncs struct {
	OnUIResponded      func(latency time.Duration)
	OnUIFreezeStarted  func(reportDir string)
	OnDumpedThreads    func(file string, snapshot *stack.Snapshot)
	OnUIFreezeFinished func(duration time.Duration, reportDir string)
	OnRecoveredFreeze  func(reportDir string, duration time.Duration)
}

func (l *ListenerFuncs) UIResponded(latency time.Duration) {
	if l.OnUIResponded != nil {
		l.OnUIResponded(latency)
	}
}

func (l *ListenerFuncs) UIFreezeStarted(reportDir string) {
	if l.OnUIFreezeStarted != nil {
		l.OnUIFreezeStarted(reportDir)
	}
}

func (l *ListenerFuncs) DumpedThreads(file string, snapshot *stack.Snapshot) {
	if l.OnDumpedThreads != nil {
		l.OnDumpedThreads(file, snapshot)
	}
}

func (l *ListenerFuncs) UIFreezeFinished(duration time.Duration, reportDir string) {
	if l.OnUIFreezeFinished != nil {
		l.OnUIFreezeFinished(duration, reportDir)
	}
}

func (l *ListenerFuncs) RecoveredFreeze(reportDir string, duration time.Duration) {
	if l.OnRecoveredFreeze != nil {
		l.OnRecoveredFreeze(reportDir, duration)
	}
}

// listenerRegistry fans notifications out to any number of listeners,
// including zero. Registration order is delivery order.
type listenerRegistry struct {
	mu        sync.RWMutex
	listeners []PerformanceListener
}

func (r *listenerRegistry) Add(l PerformanceListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *listenerRegistry) Remove(l PerformanceListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.listeners {
		if existing == l {
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return
		}
	}
}

// snapshotListeners copies the list so delivery happens without the lock.
func (r *listenerRegistry) snapshotListeners() []PerformanceListener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PerformanceListener, len(r.listeners))
	copy(out, r.listeners)
	return out
}

func (r *listenerRegistry) UIResponded(latency time.Duration) {
	for _, l := range r.snapshotListeners() {
		l.UIResponded(latency)
	}
}

func (r *listenerRegistry) UIFreezeStarted(reportDir string) {
	for _, l := range r.snapshotListeners() {
		l.UIFreezeStarted(reportDir)
	}
}

func (r *listenerRegistry) DumpedThreads(file string, snapshot *stack.Snapshot) {
	for _, l := range r.snapshotListeners() {
		l.DumpedThreads(file, snapshot)
	}
}

func (r *listenerRegistry) UIFreezeFinished(duration time.Duration, reportDir string) {
	for _, l := range r.snapshotListeners() {
		l.UIFreezeFinished(duration, reportDir)
	}
}

func (r *listenerRegistry) RecoveredFreeze(reportDir string, duration time.Duration) {
	for _, l := range r.snapshotListeners() {
		l.RecoveredFreeze(reportDir, duration)
	}
}
