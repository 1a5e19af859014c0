package freezewatch

import (
	"errors"
	"sync"
	"time"

	"github.com/chosenoffset/freezewatch/pkg/freezewatch/stack"
)

// fakeSampler serves scripted event-loop stacks; after the script runs out
// the last stack repeats. Goroutine 1 is the event loop.
type fakeSampler struct {
	mu     sync.Mutex
	stacks [][]stack.Frame
	idx    int
	fails  int
	calls  int
}

func newFakeSampler(stacks ...[]stack.Frame) *fakeSampler {
	if len(stacks) == 0 {
		stacks = [][]stack.Frame{{
			{Function: "main.handle", File: "/app/main.go", Line: 10},
			{Function: "main.loop", File: "/app/main.go", Line: 5},
		}}
	}
	return &fakeSampler{stacks: stacks}
}

func (f *fakeSampler) CaptureAll() (*stack.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fails > 0 {
		f.fails--
		return nil, errors.New("capture refused")
	}
	frames := f.stacks[f.idx]
	if f.idx < len(f.stacks)-1 {
		f.idx++
	}
	return &stack.Snapshot{
		Time: time.Now(),
		Raw:  []byte("goroutine 1 [running]:\nfake\n"),
		Goroutines: []stack.Goroutine{
			{ID: 1, State: "running", Frames: frames},
			{ID: 2, State: "select", Frames: []stack.Frame{{Function: "other.wait", File: "/app/other.go", Line: 1}}},
		},
	}, nil
}

func (f *fakeSampler) IsEventLoop(g *stack.Goroutine) bool { return g.ID == 1 }

func (f *fakeSampler) captureCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// recordingListener collects every notification, safe for cross-goroutine
// inspection.
type recordingListener struct {
	mu            sync.Mutex
	responded     []time.Duration
	freezeStarts  []string
	dumps         []string
	finishedDirs  []string
	finishedDurs  []time.Duration
	recoveredDirs []string
}

func (r *recordingListener) UIResponded(latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responded = append(r.responded, latency)
}

func (r *recordingListener) UIFreezeStarted(dir string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.freezeStarts = append(r.freezeStarts, dir)
}

func (r *recordingListener) DumpedThreads(file string, _ *stack.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dumps = append(r.dumps, file)
}

func (r *recordingListener) UIFreezeFinished(d time.Duration, dir string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finishedDurs = append(r.finishedDurs, d)
	r.finishedDirs = append(r.finishedDirs, dir)
}

func (r *recordingListener) RecoveredFreeze(dir string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recoveredDirs = append(r.recoveredDirs, dir)
}

func (r *recordingListener) counts() (started, dumped, finished int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.freezeStarts), len(r.dumps), len(r.finishedDirs)
}

func (r *recordingListener) finishedDurations() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.finishedDurs...)
}

func (r *recordingListener) respondedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.responded)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
