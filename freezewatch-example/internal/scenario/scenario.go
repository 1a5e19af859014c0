// Package scenario defines the stall shapes the example application can
// inflict on its dispatch goroutine. Each scenario occupies the dispatcher
// in a different way so the resulting thread dumps show distinct stacks.
package scenario

import (
	"sync"
	"time"
)

// Runner executes one stall of the given length on the calling goroutine.
// Runners are invoked on the dispatch goroutine itself.
type Runner func(duration time.Duration)

// Sleep blocks in a timer wait, the cheapest possible stall.
func Sleep(duration time.Duration) {
	time.Sleep(duration)
}

// Spin burns CPU until the deadline. The dispatcher stays runnable the whole
// time, so dumps show it busy rather than parked.
func Spin(duration time.Duration) {
	deadline := time.Now().Add(duration)
	x := 0
	for time.Now().Before(deadline) {
		x++
	}
	_ = x
}

// LockWait contends on a mutex held by a helper goroutine for the duration,
// producing a sync.Mutex wait in the dump.
func LockWait(duration time.Duration) {
	var mu sync.Mutex
	mu.Lock()
	go func() {
		time.Sleep(duration)
		mu.Unlock()
	}()
	mu.Lock()
	mu.Unlock()
}

// ChannelWait blocks on a channel receive until a helper sends, producing a
// chan receive wait in the dump.
func ChannelWait(duration time.Duration) {
	ch := make(chan struct{})
	go func() {
		time.Sleep(duration)
		close(ch)
	}()
	<-ch
}

// Builtin maps task kind names to their runners.
func Builtin() map[string]Runner {
	return map[string]Runner{
		"sleep":   Sleep,
		"spin":    Spin,
		"lock":    LockWait,
		"channel": ChannelWait,
	}
}
