package freezewatch

import (
	"sync"
	"sync/atomic"
	"time"
)

// scheduler is a single-worker, strictly-ordered task executor. Every
// periodic tick, deferred freeze trigger and sampling step runs on the one
// worker goroutine, so two tasks submitted from the worker itself can never
// reorder. Callers are never blocked: Submit enqueues and returns.
type scheduler struct {
	queue chan func()
	stop  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

func newScheduler() *scheduler {
	s := &scheduler{
		queue: make(chan func(), 256),
		stop:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *scheduler) run() {
	defer s.wg.Done()
	for {
		select {
		case fn := <-s.queue:
			fn()
		case <-s.stop:
			// Drain what was already queued, then quit.
			for {
				select {
				case fn := <-s.queue:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Submit enqueues fn for execution on the worker. Tasks submitted after
// Shutdown are dropped.
func (s *scheduler) Submit(fn func()) {
	select {
	case <-s.stop:
	case s.queue <- fn:
	}
}

// Shutdown stops the worker after the queued tasks drain. Idempotent.
func (s *scheduler) Shutdown() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
}

// scheduledTask is a handle for a deferred or periodic task. Cancel
// guarantees no invocation starts after it returns; an invocation already
// running on the worker is allowed to finish.
type scheduledTask struct {
	canceled atomic.Bool

	mu    sync.Mutex
	timer *time.Timer
}

// Cancel stops future invocations. Safe to call repeatedly and from any
// goroutine.
func (t *scheduledTask) Cancel() {
	t.canceled.Store(true)
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.mu.Unlock()
}

func (t *scheduledTask) arm(d time.Duration, fire func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.canceled.Load() {
		return
	}
	t.timer = time.AfterFunc(d, fire)
}

// Schedule runs fn once on the worker after the delay, unless the returned
// task is canceled first.
func (s *scheduler) Schedule(delay time.Duration, fn func()) *scheduledTask {
	t := &scheduledTask{}
	t.arm(delay, func() {
		s.Submit(func() {
			if !t.canceled.Load() {
				fn()
			}
		})
	})
	return t
}

// SchedulePeriodic runs fn on the worker after each interval with fixed
// delay: the next run is armed only once the previous one finished, so a
// slow tick never stacks up behind itself.
func (s *scheduler) SchedulePeriodic(interval time.Duration, fn func()) *scheduledTask {
	t := &scheduledTask{}
	var fire func()
	fire = func() {
		s.Submit(func() {
			if t.canceled.Load() {
				return
			}
			fn()
			t.arm(interval, fire)
		})
	}
	t.arm(interval, fire)
	return t
}
