package freezewatch

import "fmt"

// Apdex is an immutable responsiveness statistic. Latency samples land in
// one of three buckets relative to the tolerated threshold T: satisfied
// (d <= T), tolerating (T < d <= 4T) or frustrated (d > 4T). Every update
// produces a new value, so an Apdex can be read from any goroutine without
// locking; the watchdog swaps whole values through atomic pointers.
type Apdex struct {
	ThresholdMs int64
	Satisfied   uint64
	Tolerating  uint64
	Frustrated  uint64
}

// EmptyApdex is the zero statistic with the default 100ms tolerated latency.
var EmptyApdex = Apdex{ThresholdMs: tolerableLatencyMs}

const tolerableLatencyMs = 100

// WithEvent folds one latency sample into the statistic and returns the
// updated value. Pure; the receiver is unchanged.
func (a Apdex) WithEvent(thresholdMs, elapsedMs int64) Apdex {
	a.ThresholdMs = thresholdMs
	switch {
	case elapsedMs <= thresholdMs:
		a.Satisfied++
	case elapsedMs <= 4*thresholdMs:
		a.Tolerating++
	default:
		a.Frustrated++
	}
	return a
}

// Total returns the number of samples folded in.
func (a Apdex) Total() uint64 {
	return a.Satisfied + a.Tolerating + a.Frustrated
}

// Score returns the Apdex value in [0,1]. An empty statistic scores 1.
func (a Apdex) Score() float64 {
	total := a.Total()
	if total == 0 {
		return 1
	}
	return (float64(a.Satisfied) + float64(a.Tolerating)/2) / float64(total)
}

// SummarizeSince describes the delta between this statistic and an earlier
// snapshot of the same series, e.g. "0.950 (40 samples, 3 sluggish, 1 stuck)".
func (a Apdex) SummarizeSince(baseline Apdex) string {
	satisfied := counterDelta(a.Satisfied, baseline.Satisfied)
	tolerating := counterDelta(a.Tolerating, baseline.Tolerating)
	frustrated := counterDelta(a.Frustrated, baseline.Frustrated)

	delta := Apdex{
		ThresholdMs: a.ThresholdMs,
		Satisfied:   satisfied,
		Tolerating:  tolerating,
		Frustrated:  frustrated,
	}

	s := fmt.Sprintf("%.3f (%d samples", delta.Score(), delta.Total())
	if tolerating > 0 {
		s += fmt.Sprintf(", %d sluggish", tolerating)
	}
	if frustrated > 0 {
		s += fmt.Sprintf(", %d stuck", frustrated)
	}
	return s + ")"
}

// counterDelta saturates at zero so a reset baseline never yields garbage.
func counterDelta(now, before uint64) uint64 {
	if now < before {
		return 0
	}
	return now - before
}
