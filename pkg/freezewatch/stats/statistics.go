// Package stats exposes the watchdog's Prometheus collectors. Collectors
// register on the default registry; embedders expose them with
// promhttp.Handler.
package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FreezesTotal counts confirmed UI freezes.
	FreezesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "freezewatch_freezes_total",
		Help: "Number of confirmed UI freezes.",
	})

	// FreezeDurationSeconds tracks how long each freeze lasted, measured
	// from stall confirmation to finalization.
	FreezeDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "freezewatch_freeze_duration_seconds",
		Help:    "Duration of UI freezes.",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 180},
	})

	// DumpsWrittenTotal counts thread dump files persisted to disk.
	DumpsWrittenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "freezewatch_thread_dumps_written_total",
		Help: "Number of thread dump files written.",
	})

	// UILatencySeconds tracks end-to-end event loop probe latencies.
	UILatencySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "freezewatch_ui_latency_seconds",
		Help:    "Round-trip latency of event loop responsiveness probes.",
		Buckets: prometheus.DefBuckets,
	})

	// ApdexScore reports the current responsiveness scores; kind is
	// "general" for the background scheduler or "ui" for the event loop.
	ApdexScore = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "freezewatch_apdex_score",
		Help: "Current Apdex responsiveness score in [0,1].",
	}, []string{"kind"})
)
