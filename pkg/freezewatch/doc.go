// Package freezewatch is a responsiveness watchdog for event loop driven Go
// applications. It detects when the loop stalls processing a single event,
// captures periodic thread dumps while the stall persists, and reports the
// episode with a stall-location fingerprint once it resolves.
//
// # Quick Start
//
// Construct a watchdog, instrument the event loop, and start it:
//
//	sampler := stack.NewRuntimeSampler()
//	w := freezewatch.NewWatchdog(
//		freezewatch.WithSampler(sampler),
//		freezewatch.WithArtifactRoot("/var/log/myapp"),
//	)
//	w.Start()
//	defer w.Close()
//
//	// inside the event loop goroutine:
//	sampler.MarkEventLoop()
//	for ev := range events {
//		w.EventStarted()
//		handle(ev)
//		w.EventFinished()
//	}
//
// If handle(ev) outlives the configured unresponsive interval, the watchdog
// confirms a freeze, writes thread dumps into a dedicated folder every dump
// interval, and on completion renames the folder to embed the common stack
// location and the total stall duration.
//
// # Notifications
//
// Register a PerformanceListener to observe measured latencies, freeze
// starts, individual dumps and freeze reports. The dashboard subpackage
// streams the same notifications to browsers over a websocket.
//
// # Configuration
//
// Settings come from any Settings implementation; ViperSettings binds the
// watcher.* keys of a viper instance and re-arms the watchdog when the
// backing file changes. Sampling is disabled entirely when the unresponsive
// interval or the attempt count is zero or negative, e.g. in headless runs.
//
// # Scheduling model
//
// All periodic ticks, deferred freeze triggers and dump loop steps execute
// on one background worker goroutine in submission order. No watchdog
// operation blocks its caller; the only code that ever runs on the monitored
// loop is the small latency probe.
package freezewatch
