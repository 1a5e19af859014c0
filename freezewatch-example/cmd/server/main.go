// Package main provides the freezewatch example application: an HTTP task
// service whose work all runs on a single dispatch goroutine, monitored by
// the freeze watchdog end to end.
//
// The application showcases:
//   - Event-boundary reporting from a real dispatch loop
//   - Responsiveness probing and Apdex scoring
//   - Freeze detection with thread dump reports on disk
//   - Live dashboard and Prometheus metrics integration
//
// The server runs on :8080 with the following API endpoints:
//   - POST /task: Submit a task ({"kind": "sleep|spin|lock|channel", "duration_ms": N})
//   - GET /stats: Dispatcher throughput and Apdex scores
//   - POST /dump: Write an on-demand thread dump
//
// The freezewatch dashboard is available at http://localhost:9090 and
// Prometheus metrics at http://localhost:9091/metrics.
//
// Usage:
//
//	go run freezewatch-example/cmd/server/main.go
//
// Submitting a task whose duration exceeds the configured unresponsive
// interval produces a freeze report under the artifact directory.
package main

import (
	"log"
	"net/http"
	"os"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"

	"github.com/chosenoffset/freezewatch/freezewatch-example/internal/dispatch"
	"github.com/chosenoffset/freezewatch/freezewatch-example/internal/scenario"
	"github.com/chosenoffset/freezewatch/pkg/freezewatch"
	"github.com/chosenoffset/freezewatch/pkg/freezewatch/dashboard"
	"github.com/chosenoffset/freezewatch/pkg/freezewatch/stack"
)

func main() {
	logger := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))

	v := viper.New()
	v.SetConfigName("freezewatch")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err == nil {
		log.Printf("Loaded config: %s", v.ConfigFileUsed())
	}
	settings := freezewatch.NewViperSettings(v)

	sampler := stack.NewRuntimeSampler()

	board := dashboard.NewServer(9090)

	// The probe rides the same queue as real tasks, so its round-trip time
	// reflects actual dispatcher latency. The dispatcher is assigned below,
	// before the watchdog starts probing.
	var dispatcher *dispatch.Dispatcher
	watchdog := freezewatch.NewWatchdog(
		freezewatch.WithSettings(settings),
		freezewatch.WithSampler(sampler),
		freezewatch.WithLogger(logger),
		freezewatch.WithBuildTag("example"),
		freezewatch.WithListener(board),
		freezewatch.WithEventLoopProber(func(probe func()) {
			dispatcher.Post(probe)
		}),
	)

	dispatcher = dispatch.NewDispatcher(watchdog, sampler)
	dispatcher.Start()
	defer dispatcher.Stop()

	board.SetStatusProvider(func() interface{} {
		return map[string]interface{}{
			"general_apdex": watchdog.GeneralApdex().Score(),
			"ui_apdex":      watchdog.UIApdex().Score(),
		}
	})
	go board.Start()
	defer board.Stop()

	watchdog.Start()
	defer watchdog.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/task", dispatcher.HandleSubmit(scenario.Builtin()))
	mux.HandleFunc("/stats", dispatcher.HandleStats)
	mux.HandleFunc("/dump", dispatcher.HandleDump)

	http.Handle("/metrics", promhttp.Handler())
	go http.ListenAndServe(":9091", nil)

	server := &http.Server{
		Addr:         ":8080",
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Println("HTTP server listening on :8080")
	log.Println("Freezewatch dashboard available at http://localhost:9090")
	log.Println("Prometheus metrics at http://localhost:9091/metrics")

	if err := server.ListenAndServe(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
