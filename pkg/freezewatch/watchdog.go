package freezewatch

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/chosenoffset/freezewatch/pkg/freezewatch/stack"
	"github.com/chosenoffset/freezewatch/pkg/freezewatch/stats"
)

// EventLoopProber posts a callback into the monitored event loop, the same
// way work is posted to a GUI thread. The loop must run the callback during
// its normal event processing; the round-trip time is the measured latency.
type EventLoopProber func(probe func())

// Watchdog detects stalls of an application's event-processing goroutine.
// The loop reports event boundaries through EventStarted/EventFinished; if
// an event outlives the configured unresponsive interval, the watchdog
// captures periodic thread dumps until the stall resolves and then publishes
// a freeze report with a stall-location fingerprint.
//
// One watchdog is constructed per monitored loop and torn down with Close;
// there is no process-global instance.
type Watchdog struct {
	logger    log.Logger
	settings  Settings
	sampler   stack.Sampler
	store     *artifactStore
	publisher *listenerRegistry
	sched     *scheduler
	prober    EventLoopProber

	artifactRoot string
	buildTag     string

	generalApdex atomic.Pointer[Apdex]
	uiApdex      atomic.Pointer[Apdex]
	lastSampling time.Time // worker-only

	samplingActive atomic.Bool

	mu          sync.Mutex
	started     bool
	closed      bool
	sampling    *scheduledTask
	unsubscribe func()

	// Owned by the monitored goroutine: EventStarted/EventFinished must
	// never run concurrently with each other. Behavior for concurrent calls
	// is undefined.
	activeEvents   int
	currentChecker *freezeChecker
}

// Option configures a Watchdog.
type Option func(*Watchdog)

// WithLogger sets the logger; the default writes logfmt to stderr.
func WithLogger(l log.Logger) Option {
	return func(w *Watchdog) { w.logger = l }
}

// WithSettings sets the configuration source; the default is a
// StaticSettings with the standard values.
func WithSettings(s Settings) Option {
	return func(w *Watchdog) { w.settings = s }
}

// WithSampler replaces the stack capture implementation.
func WithSampler(s stack.Sampler) Option {
	return func(w *Watchdog) { w.sampler = s }
}

// WithArtifactRoot sets the directory that holds thread dump folders.
func WithArtifactRoot(dir string) Option {
	return func(w *Watchdog) { w.artifactRoot = dir }
}

// WithBuildTag tags artifact folder names with a build identifier.
func WithBuildTag(tag string) Option {
	return func(w *Watchdog) { w.buildTag = tag }
}

// WithEventLoopProber wires the latency probe into the monitored loop.
// Without it the UI-specific Apdex is never updated.
func WithEventLoopProber(p EventLoopProber) Option {
	return func(w *Watchdog) { w.prober = p }
}

// WithListener registers a listener before the watchdog starts.
func WithListener(l PerformanceListener) Option {
	return func(w *Watchdog) { w.publisher.Add(l) }
}

// NewWatchdog creates a stopped watchdog. Call Start to begin monitoring and
// Close to tear it down.
func NewWatchdog(opts ...Option) *Watchdog {
	w := &Watchdog{
		logger:    log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr)),
		publisher: &listenerRegistry{},
		buildTag:  "dev",
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.settings == nil {
		w.settings = StaticSettings{
			SamplingIntervalVal:     time.Second,
			UnresponsiveIntervalVal: 3 * time.Second,
			MaxAttemptsVal:          3,
			MaxDumpDurationVal:      3 * time.Minute,
		}
	}
	if w.sampler == nil {
		w.sampler = stack.NewRuntimeSampler()
	}
	if w.artifactRoot == "" {
		w.artifactRoot = filepath.Join(os.TempDir(), "freezewatch")
	}
	w.store = newArtifactStore(w.artifactRoot, w.buildTag, w.logger)
	w.sched = newScheduler()

	empty := EmptyApdex
	w.generalApdex.Store(&empty)
	w.uiApdex.Store(&empty)
	return w
}

// Start begins background monitoring: recovers episodes left unfinished by
// a previous abnormal termination, prunes old artifacts, subscribes to
// configuration changes and arms the periodic responsiveness sampler.
// Idempotent.
func (w *Watchdog) Start() {
	w.mu.Lock()
	if w.started || w.closed {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	w.store.recoverUnfinished(func(dir string, d time.Duration) {
		level.Warn(w.logger).Log("msg", "found an unfinished freeze from a previous run",
			"dir", dir, "duration", d)
		w.publisher.RecoveredFreeze(dir, d)
	})
	w.store.cleanOld()

	w.mu.Lock()
	w.unsubscribe = w.settings.Subscribe(w.rearm)
	w.mu.Unlock()
	w.rearm()
}

// Close stops all background activity and releases the configuration
// subscription. Idempotent.
func (w *Watchdog) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.samplingActive.Store(false)
	if w.sampling != nil {
		w.sampling.Cancel()
		w.sampling = nil
	}
	unsubscribe := w.unsubscribe
	w.unsubscribe = nil
	w.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	w.sched.Shutdown()
}

// AddListener registers a notification listener; zero listeners is fine.
func (w *Watchdog) AddListener(l PerformanceListener) {
	w.publisher.Add(l)
}

// RemoveListener drops a previously registered listener.
func (w *Watchdog) RemoveListener(l PerformanceListener) {
	w.publisher.Remove(l)
}

// rearm applies the current configuration: cancels the periodic sampler and
// starts a fresh one, or leaves sampling off entirely when disabled.
// Invoked at startup and on every settings change.
func (w *Watchdog) rearm() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.sampling != nil {
		w.sampling.Cancel()
		w.sampling = nil
	}
	if w.closed {
		return
	}

	interval := w.settings.SamplingInterval()
	if !samplingEnabled(w.settings) || interval <= 0 {
		w.samplingActive.Store(false)
		level.Info(w.logger).Log("msg", "responsiveness sampling disabled")
		return
	}

	w.lastSampling = time.Now()
	w.samplingActive.Store(true)
	w.sampling = w.sched.SchedulePeriodic(interval, func() {
		w.samplePerformance(interval)
	})
}

// dumpInterval is the period between thread dumps of an active freeze.
func (w *Watchdog) dumpInterval() time.Duration {
	return w.settings.UnresponsiveInterval() * time.Duration(w.settings.MaxAttempts())
}

// samplePerformance runs on the worker every sampling interval. The delay of
// the tick beyond the expected interval measures general scheduler health;
// an unexpected delay of N intervals is folded in as N shrinking samples so
// one long stall does not count as a single event.
func (w *Watchdog) samplePerformance(interval time.Duration) {
	now := time.Now()
	diff := now.Sub(w.lastSampling) - interval
	w.lastSampling = now

	general := *w.generalApdex.Load()
	for diff >= 0 {
		general = general.WithEvent(tolerableLatencyMs, diff.Milliseconds())
		diff -= interval
	}
	w.generalApdex.Store(&general)
	stats.ApdexScore.WithLabelValues("general").Set(general.Score())

	if w.prober == nil {
		return
	}
	sent := time.Now()
	w.prober(func() {
		latency := time.Since(sent)

		ui := (*w.uiApdex.Load()).WithEvent(tolerableLatencyMs, latency.Milliseconds())
		w.uiApdex.Store(&ui)
		stats.ApdexScore.WithLabelValues("ui").Set(ui.Score())
		stats.UILatencySeconds.Observe(latency.Seconds())

		w.publisher.UIResponded(latency)
	})
}

// EventStarted marks the beginning of one UI event. Must be called from the
// monitored goroutine, never concurrently with EventFinished.
func (w *Watchdog) EventStarted() {
	start := time.Now()
	w.activeEvents++

	if !w.samplingActive.Load() {
		return
	}
	if w.activeEvents == 1 {
		if w.currentChecker != nil {
			w.currentChecker.stop()
		}
		w.currentChecker = newFreezeChecker(w, start)
	}
}

// EventFinished marks the end of the innermost UI event. With events still
// nested, a fresh checker is armed for the remaining depth so the outer
// event keeps being watched.
func (w *Watchdog) EventFinished() {
	w.activeEvents--

	if !w.samplingActive.Load() {
		return
	}
	if w.currentChecker != nil {
		w.currentChecker.stop()
	}
	if w.activeEvents > 0 {
		w.currentChecker = newFreezeChecker(w, time.Now())
	} else {
		w.currentChecker = nil
	}
}

// DumpThreads writes one on-demand snapshot under a labeled, timestamped
// folder and returns the file path, or "" when sampling is disabled or the
// capture or write failed.
func (w *Watchdog) DumpThreads(label string) string {
	if !w.samplingActive.Load() {
		return ""
	}
	snap, err := w.sampler.CaptureAll()
	if err != nil {
		level.Info(w.logger).Log("msg", "on-demand thread dump failed", "err", err)
		return ""
	}
	return w.store.writeDump(w.store.labeledFolderName(label), snap, true)
}

// DumpToConsole writes a formatted capture of all goroutines to out, with
// the monitored event loop marked. Unlike DumpThreads, nothing is persisted.
func (w *Watchdog) DumpToConsole(out io.Writer) error {
	snap, err := w.sampler.CaptureAll()
	if err != nil {
		return err
	}
	for i := range snap.Goroutines {
		g := &snap.Goroutines[i]
		var header string
		if w.sampler.IsEventLoop(g) {
			header = "event loop "
		}
		if _, err := io.WriteString(out, stack.FormatGoroutine(header, g)); err != nil {
			return err
		}
	}
	return nil
}

// CancelFreezeDumps aborts stack collection for a freeze currently in
// progress without finalizing it; the report still fires when the event
// finishes. Must be called from the monitored goroutine, like the event
// hooks. No-op when nothing is frozen.
func (w *Watchdog) CancelFreezeDumps() {
	if c := w.currentChecker; c != nil {
		c.stopDumping()
	}
}

// GeneralApdex returns the current background responsiveness statistic.
func (w *Watchdog) GeneralApdex() Apdex {
	return *w.generalApdex.Load()
}

// UIApdex returns the current event loop responsiveness statistic.
func (w *Watchdog) UIApdex() Apdex {
	return *w.uiApdex.Load()
}

// ResponsivenessSnapshot captures both Apdex statistics at one instant for
// later comparison.
type ResponsivenessSnapshot struct {
	w       *Watchdog
	general Apdex
	ui      Apdex
	taken   time.Time
}

// TakeSnapshot captures the current responsiveness baselines.
func (w *Watchdog) TakeSnapshot() *ResponsivenessSnapshot {
	return &ResponsivenessSnapshot{
		w:       w,
		general: w.GeneralApdex(),
		ui:      w.UIApdex(),
		taken:   time.Now(),
	}
}

// DescribeSince renders what happened to responsiveness since the snapshot
// was taken, attributed to the named activity.
func (s *ResponsivenessSnapshot) DescribeSince(activityName string) string {
	return fmt.Sprintf("%s took %dms; general responsiveness: %s; UI responsiveness: %s",
		activityName,
		time.Since(s.taken).Milliseconds(),
		s.w.GeneralApdex().SummarizeSince(s.general),
		s.w.UIApdex().SummarizeSince(s.ui))
}

// LogSince logs DescribeSince through the watchdog's logger.
func (s *ResponsivenessSnapshot) LogSince(activityName string) {
	level.Info(s.w.logger).Log("msg", s.DescribeSince(activityName))
}
