package main

import (
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"

	"github.com/chosenoffset/freezewatch/pkg/freezewatch"
	"github.com/chosenoffset/freezewatch/pkg/freezewatch/dashboard"
	"github.com/chosenoffset/freezewatch/pkg/freezewatch/stack"
)

func main() {
	fmt.Println("Starting Freezewatch Demo...")

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))

	// Optional config file; defaults apply when it is absent. Edits to the
	// file re-arm the watchdog live.
	v := viper.New()
	v.SetConfigName("freezewatch")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err == nil {
		fmt.Printf("Loaded config: %s\n", v.ConfigFileUsed())
	}
	settings := freezewatch.NewViperSettings(v)

	sampler := stack.NewRuntimeSampler()
	loop := newDemoLoop()

	srv := dashboard.NewServer(9090)

	w := freezewatch.NewWatchdog(
		freezewatch.WithSettings(settings),
		freezewatch.WithSampler(sampler),
		freezewatch.WithLogger(logger),
		freezewatch.WithBuildTag("demo"),
		freezewatch.WithListener(srv),
		freezewatch.WithListener(loggingListener{logger}),
		freezewatch.WithEventLoopProber(loop.post),
	)

	srv.SetStatusProvider(func() interface{} {
		return map[string]interface{}{
			"general_apdex": w.GeneralApdex().Score(),
			"ui_apdex":      w.UIApdex().Score(),
		}
	})
	go srv.Start()
	defer srv.Stop()

	http.Handle("/metrics", promhttp.Handler())
	go http.ListenAndServe(":9091", nil)

	w.Start()
	defer w.Close()

	go loop.run(w, sampler)

	fmt.Println("Freezewatch started!")
	fmt.Println("Dashboard available at: http://localhost:9090")
	fmt.Println("API endpoints:")
	fmt.Println("  - GET /api/status  - Current Apdex scores")
	fmt.Println("  - GET /api/events  - Recent freeze events")
	fmt.Println("  - WS  /ws          - Live event stream")
	fmt.Println("Prometheus metrics at: http://localhost:9091/metrics")
	fmt.Println()
	fmt.Println("Generating event loop load with occasional stalls...")

	go generateLoad(loop, w)

	select {}
}

// demoLoop is a single-goroutine task queue standing in for a GUI event
// dispatch thread.
type demoLoop struct {
	tasks chan func()
}

func newDemoLoop() *demoLoop {
	return &demoLoop{tasks: make(chan func(), 64)}
}

func (l *demoLoop) post(task func()) {
	select {
	case l.tasks <- task:
	default:
		// A saturated queue means the loop is already in trouble; dropping
		// the probe lets the freeze machinery tell that story instead.
	}
}

func (l *demoLoop) run(w *freezewatch.Watchdog, sampler *stack.RuntimeSampler) {
	sampler.MarkEventLoop()
	for task := range l.tasks {
		w.EventStarted()
		task()
		w.EventFinished()
	}
}

// generateLoad posts a mix of quick tasks and the occasional long stall so
// both Apdex buckets and the freeze pipeline get exercised.
func generateLoad(loop *demoLoop, w *freezewatch.Watchdog) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	snap := w.TakeSnapshot()
	iteration := 0

	for range ticker.C {
		iteration++

		switch {
		case iteration%30 == 0:
			fmt.Println("Posting a 5s stall to trigger freeze detection...")
			loop.post(func() { time.Sleep(5 * time.Second) })
		case iteration%7 == 0:
			// Sluggish but not frozen.
			loop.post(func() { time.Sleep(time.Duration(150+rand.Intn(200)) * time.Millisecond) })
		default:
			loop.post(func() { time.Sleep(time.Duration(rand.Intn(20)) * time.Millisecond) })
		}

		if iteration%20 == 0 {
			snap.LogSince("last 10s of demo load")
			snap = w.TakeSnapshot()
		}
		if iteration%60 == 0 {
			if path := w.DumpThreads("demo"); path != "" {
				fmt.Printf("On-demand dump written to %s\n", path)
			}
		}
	}
}

// loggingListener prints the interesting notifications to the console.
type loggingListener struct {
	logger log.Logger
}

func (l loggingListener) UIResponded(time.Duration) {}

func (l loggingListener) UIFreezeStarted(dir string) {
	level.Warn(l.logger).Log("msg", "UI freeze detected", "dir", dir)
}

func (l loggingListener) DumpedThreads(file string, _ *stack.Snapshot) {
	level.Info(l.logger).Log("msg", "thread dump written", "file", file)
}

func (l loggingListener) UIFreezeFinished(d time.Duration, dir string) {
	level.Warn(l.logger).Log("msg", "UI freeze resolved", "duration", d, "dir", dir)
}

func (l loggingListener) RecoveredFreeze(dir string, d time.Duration) {
	level.Warn(l.logger).Log("msg", "recovered unfinished freeze", "duration", d, "dir", dir)
}
