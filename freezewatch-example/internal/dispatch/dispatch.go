// Package dispatch provides the single-threaded task dispatcher at the heart
// of the freezewatch example application. It stands in for a GUI toolkit's
// event dispatch thread: all work is funneled through one goroutine, and that
// goroutine is the one the watchdog monitors.
//
// Tasks arrive over HTTP and are executed strictly in order. Each task is
// bracketed with event notifications so the watchdog can tell a busy
// dispatcher from a frozen one. Slow tasks degrade the Apdex score; tasks
// that outlive the unresponsive interval produce thread dump reports.
package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chosenoffset/freezewatch/freezewatch-example/internal/scenario"
	"github.com/chosenoffset/freezewatch/pkg/freezewatch"
	"github.com/chosenoffset/freezewatch/pkg/freezewatch/stack"
)

// ErrQueueFull is returned by Post when the dispatcher cannot accept work.
var ErrQueueFull = errors.New("dispatch queue is full")

// Dispatcher executes posted tasks one at a time on a dedicated goroutine.
type Dispatcher struct {
	watchdog *freezewatch.Watchdog
	sampler  *stack.RuntimeSampler
	tasks    chan func()
	done     chan struct{}

	mu        sync.RWMutex
	processed int
	slowest   time.Duration
}

func NewDispatcher(w *freezewatch.Watchdog, sampler *stack.RuntimeSampler) *Dispatcher {
	return &Dispatcher{
		watchdog: w,
		sampler:  sampler,
		tasks:    make(chan func(), 128),
		done:     make(chan struct{}),
	}
}

// Start launches the dispatch goroutine. The goroutine registers itself with
// the sampler so freeze dumps can identify its stack.
func (d *Dispatcher) Start() {
	go func() {
		defer close(d.done)
		d.sampler.MarkEventLoop()
		for task := range d.tasks {
			d.watchdog.EventStarted()
			start := time.Now()
			task()
			d.record(time.Since(start))
			d.watchdog.EventFinished()
		}
	}()
}

// Stop drains and shuts down the dispatch goroutine.
func (d *Dispatcher) Stop() {
	close(d.tasks)
	<-d.done
}

// Post enqueues a task without blocking the caller.
func (d *Dispatcher) Post(task func()) error {
	select {
	case d.tasks <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

func (d *Dispatcher) record(elapsed time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.processed++
	if elapsed > d.slowest {
		d.slowest = elapsed
	}
}

// TaskRequest is the input for /task.
type TaskRequest struct {
	Kind       string `json:"kind"`
	DurationMs int    `json:"duration_ms"`
}

// HandleSubmit accepts a task over HTTP and posts it to the dispatcher.
// Unknown kinds are rejected; the work itself runs asynchronously on the
// dispatch goroutine.
func (d *Dispatcher) HandleSubmit(runners map[string]scenario.Runner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req TaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		run, ok := runners[req.Kind]
		if !ok {
			http.Error(w, fmt.Sprintf("unknown task kind %q", req.Kind), http.StatusBadRequest)
			return
		}

		duration := time.Duration(req.DurationMs) * time.Millisecond
		if err := d.Post(func() { run(duration) }); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

// HandleStats reports dispatcher throughput and the watchdog's view of its
// responsiveness.
func (d *Dispatcher) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	d.mu.RLock()
	processed := d.processed
	slowest := d.slowest
	d.mu.RUnlock()

	response := map[string]interface{}{
		"tasks_processed": processed,
		"slowest_task_ms": slowest.Milliseconds(),
		"general_apdex":   d.watchdog.GeneralApdex().Score(),
		"ui_apdex":        d.watchdog.UIApdex().Score(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		http.Error(w, "failed to encode stats", http.StatusInternalServerError)
	}
}

// HandleDump writes an on-demand thread dump and returns its path.
func (d *Dispatcher) HandleDump(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := d.watchdog.DumpThreads("api")
	if path == "" {
		http.Error(w, "dump unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"path": path})
}
