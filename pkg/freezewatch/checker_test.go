package freezewatch

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chosenoffset/freezewatch/pkg/freezewatch/stack"
)

func newTestWatchdog(t *testing.T, settings Settings, sampler stack.Sampler, rec *recordingListener) *Watchdog {
	t.Helper()
	w := NewWatchdog(
		WithSettings(settings),
		WithSampler(sampler),
		WithArtifactRoot(t.TempDir()),
		WithBuildTag("test"),
		WithLogger(log.NewNopLogger()),
		WithListener(rec),
	)
	w.Start()
	t.Cleanup(w.Close)
	return w
}

// quietSettings keeps the periodic responsiveness tick out of the way so
// freeze behavior can be observed in isolation.
func quietSettings(unresponsive time.Duration, attempts int, maxDump time.Duration) StaticSettings {
	return StaticSettings{
		SamplingIntervalVal:     time.Hour,
		UnresponsiveIntervalVal: unresponsive,
		MaxAttemptsVal:          attempts,
		MaxDumpDurationVal:      maxDump,
	}
}

func TestStopBeforeTriggerNeverFreezes(t *testing.T) {
	rec := &recordingListener{}
	w := newTestWatchdog(t, quietSettings(200*time.Millisecond, 3, time.Second), newFakeSampler(), rec)

	w.EventStarted()
	time.Sleep(50 * time.Millisecond)
	w.EventFinished()

	time.Sleep(400 * time.Millisecond)
	started, dumped, finished := rec.counts()
	assert.Zero(t, started)
	assert.Zero(t, dumped)
	assert.Zero(t, finished)
}

func TestFreezeConfirmedAndReportedOnEventFinish(t *testing.T) {
	rec := &recordingListener{}
	w := newTestWatchdog(t, quietSettings(100*time.Millisecond, 3, 10*time.Second), newFakeSampler(), rec)

	w.EventStarted()
	require.True(t, waitFor(time.Second, func() bool {
		started, _, _ := rec.counts()
		return started == 1
	}), "trigger should escalate to FROZEN")
	w.EventFinished()

	require.True(t, waitFor(time.Second, func() bool {
		_, _, finished := rec.counts()
		return finished == 1
	}))

	started, dumped, finished := rec.counts()
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, finished)
	assert.GreaterOrEqual(t, dumped, 1, "the immediate first dump")
}

// Unresponsive 100ms, dump interval 300ms, max dump duration 1s, event never
// finishes. The sampler must stop on its own and the report must still fire.
func TestFreezeSamplerSelfStops(t *testing.T) {
	rec := &recordingListener{}
	w := newTestWatchdog(t, quietSettings(100*time.Millisecond, 3, time.Second), newFakeSampler(), rec)

	w.EventStarted()

	require.True(t, waitFor(3*time.Second, func() bool {
		_, _, finished := rec.counts()
		return finished == 1
	}), "sampler must self-stop and finalize")

	started, dumped, finished := rec.counts()
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, finished)
	// Dumps at ~0/300/600/900ms from stall confirmation.
	assert.GreaterOrEqual(t, dumped, 3)
	assert.LessOrEqual(t, dumped, 6)

	durations := rec.finishedDurations()
	require.Len(t, durations, 1)
	assert.GreaterOrEqual(t, durations[0], 900*time.Millisecond)
	assert.LessOrEqual(t, durations[0], 1500*time.Millisecond)

	// The event eventually finishing must not produce a second report.
	w.EventFinished()
	time.Sleep(200 * time.Millisecond)
	_, _, finished = rec.counts()
	assert.Equal(t, 1, finished)
}

func TestCheckerStopIsIdempotent(t *testing.T) {
	rec := &recordingListener{}
	w := newTestWatchdog(t, quietSettings(50*time.Millisecond, 3, 10*time.Second), newFakeSampler(), rec)

	w.EventStarted()
	require.True(t, waitFor(time.Second, func() bool {
		started, _, _ := rec.counts()
		return started == 1
	}))

	c := w.currentChecker
	require.NotNil(t, c)
	c.stop()
	c.stop()
	c.stop()

	require.True(t, waitFor(time.Second, func() bool {
		_, _, finished := rec.counts()
		return finished == 1
	}))
	time.Sleep(100 * time.Millisecond)
	_, _, finished := rec.counts()
	assert.Equal(t, 1, finished, "repeated stops must not re-report")
}

func TestFreezeFolderFinalized(t *testing.T) {
	rec := &recordingListener{}
	sampler := newFakeSampler(
		[]stack.Frame{
			{Function: "main.handle", File: "/app/main.go", Line: 10},
			{Function: "main.loop", File: "/app/main.go", Line: 5},
		},
		[]stack.Frame{
			{Function: "main.handle", File: "/app/main.go", Line: 12},
			{Function: "main.loop", File: "/app/main.go", Line: 5},
		},
	)
	w := newTestWatchdog(t, quietSettings(50*time.Millisecond, 2, 10*time.Second), sampler, rec)

	w.EventStarted()
	require.True(t, waitFor(time.Second, func() bool {
		_, dumped, _ := rec.counts()
		return dumped >= 2
	}))
	w.EventFinished()

	require.True(t, waitFor(time.Second, func() bool {
		_, _, finished := rec.counts()
		return finished == 1
	}))

	rec.mu.Lock()
	dir := rec.finishedDirs[0]
	rec.mu.Unlock()

	require.NotEmpty(t, dir)
	assert.Contains(t, filepath.Base(dir), "main.handle", "stall location fingerprint in the folder name")
	assert.True(t, strings.HasSuffix(dir, "sec"))
	assert.NoFileExists(t, filepath.Join(dir, durationFileName))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestNestedEventsKeepOneChecker(t *testing.T) {
	rec := &recordingListener{}
	w := newTestWatchdog(t, quietSettings(500*time.Millisecond, 3, time.Second), newFakeSampler(), rec)

	w.EventStarted()
	first := w.currentChecker
	require.NotNil(t, first)

	w.EventStarted()
	assert.Same(t, first, w.currentChecker, "nested start does not re-arm")

	w.EventFinished()
	second := w.currentChecker
	require.NotNil(t, second)
	assert.NotSame(t, first, second, "finishing the inner event re-arms for the outer")
	assert.Equal(t, stateFinished, first.state.Load(), "first checker stopped before the second is armed")

	w.EventFinished()
	assert.Nil(t, w.currentChecker)

	time.Sleep(700 * time.Millisecond)
	started, _, finished := rec.counts()
	assert.Zero(t, started, "sub-threshold nesting must not report")
	assert.Zero(t, finished)
}
