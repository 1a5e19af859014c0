package freezewatch

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Settings is the key->value configuration consumed by the watchdog. The
// watchdog subscribes to changes and re-arms its background sampling when
// any value moves; Close releases the subscription.
type Settings interface {
	// SamplingInterval is the period of the background responsiveness tick.
	SamplingInterval() time.Duration
	// UnresponsiveInterval is how long a UI event may run before it counts
	// as a stall. Sampling is disabled entirely when it is <= 0.
	UnresponsiveInterval() time.Duration
	// MaxAttempts scales the dump interval during a confirmed stall:
	// dumps are taken every UnresponsiveInterval * MaxAttempts. Sampling is
	// disabled entirely when it is <= 0.
	MaxAttempts() int
	// MaxDumpDuration bounds how long a single freeze is sampled.
	MaxDumpDuration() time.Duration
	// Subscribe registers a change callback and returns its cancel func.
	Subscribe(fn func()) (cancel func())
}

// Configuration keys and defaults.
const (
	KeySamplingIntervalMs    = "watcher.sampling.interval.ms"
	KeyUnresponsiveIntervalMs = "watcher.unresponsive.interval.ms"
	KeyMaxAttempts           = "watcher.unresponsive.max.attempts"
	KeyDumpDurationSec       = "watcher.dump.duration.s"
)

// samplingEnabled implements the disable rule shared by all Settings users.
func samplingEnabled(s Settings) bool {
	return s.UnresponsiveInterval() > 0 && s.MaxAttempts() > 0
}

// ViperSettings reads watchdog configuration from a viper instance and
// relays viper's file-watch events to subscribers.
type ViperSettings struct {
	v *viper.Viper

	mu     sync.Mutex
	nextID int
	subs   map[int]func()
}

// NewViperSettings registers defaults on v and, when v is backed by a config
// file, starts watching it for changes. Pass viper.GetViper() to use the
// process-global instance.
func NewViperSettings(v *viper.Viper) *ViperSettings {
	v.SetDefault(KeySamplingIntervalMs, 1000)
	v.SetDefault(KeyUnresponsiveIntervalMs, 3000)
	v.SetDefault(KeyMaxAttempts, 3)
	v.SetDefault(KeyDumpDurationSec, 180)

	vs := &ViperSettings{
		v:    v,
		subs: make(map[int]func()),
	}

	if v.ConfigFileUsed() != "" {
		v.OnConfigChange(func(fsnotify.Event) { vs.notify() })
		v.WatchConfig()
	}
	return vs
}

func (vs *ViperSettings) SamplingInterval() time.Duration {
	return time.Duration(vs.v.GetInt(KeySamplingIntervalMs)) * time.Millisecond
}

func (vs *ViperSettings) UnresponsiveInterval() time.Duration {
	return time.Duration(vs.v.GetInt(KeyUnresponsiveIntervalMs)) * time.Millisecond
}

func (vs *ViperSettings) MaxAttempts() int {
	return vs.v.GetInt(KeyMaxAttempts)
}

func (vs *ViperSettings) MaxDumpDuration() time.Duration {
	return time.Duration(vs.v.GetInt(KeyDumpDurationSec)) * time.Second
}

func (vs *ViperSettings) Subscribe(fn func()) func() {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	id := vs.nextID
	vs.nextID++
	vs.subs[id] = fn
	return func() {
		vs.mu.Lock()
		defer vs.mu.Unlock()
		delete(vs.subs, id)
	}
}

func (vs *ViperSettings) notify() {
	vs.mu.Lock()
	subs := make([]func(), 0, len(vs.subs))
	for _, fn := range vs.subs {
		subs = append(subs, fn)
	}
	vs.mu.Unlock()

	for _, fn := range subs {
		fn()
	}
}

// StaticSettings is a fixed-value Settings, mainly for tests and embedders
// that configure the watchdog programmatically.
type StaticSettings struct {
	SamplingIntervalVal     time.Duration
	UnresponsiveIntervalVal time.Duration
	MaxAttemptsVal          int
	MaxDumpDurationVal      time.Duration
}

func (s StaticSettings) SamplingInterval() time.Duration     { return s.SamplingIntervalVal }
func (s StaticSettings) UnresponsiveInterval() time.Duration { return s.UnresponsiveIntervalVal }
func (s StaticSettings) MaxAttempts() int                    { return s.MaxAttemptsVal }
func (s StaticSettings) MaxDumpDuration() time.Duration      { return s.MaxDumpDurationVal }
func (s StaticSettings) Subscribe(func()) func()             { return func() {} }
