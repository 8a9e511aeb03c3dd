// Package watchdog provides a restart-on-activity timer. If the countdown
// runs out without being kicked, the expiry callback runs once.
package watchdog

import (
	"sync"
	"time"
)

type Watchdog struct {
	onExpire func()

	mu      sync.Mutex
	timer   *time.Timer
	timeout time.Duration
	armed   bool

	// Incremented on every Arm, Kick and Cancel. A timer callback carrying
	// an older generation is stale and does nothing.
	generation uint64

	fired uint64
}

// New returns a disarmed watchdog that calls onExpire from the timer goroutine.
func New(onExpire func()) *Watchdog {
	return &Watchdog{onExpire: onExpire}
}

// Arm starts the countdown, or restarts it if already running.
func (w *Watchdog) Arm(timeout time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.timeout = timeout
	w.armed = true
	w.restart()
}

// Kick restarts the countdown with the last timeout. A disarmed watchdog
// stays disarmed; Kick reports whether it was armed.
func (w *Watchdog) Kick() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.armed {
		return false
	}
	w.restart()
	return true
}

// Cancel disarms the watchdog. The expiry callback will not run for any
// countdown started before the call.
func (w *Watchdog) Cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.armed = false
	w.generation++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// Armed reports whether a countdown is running.
func (w *Watchdog) Armed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.armed
}

// Fired returns how many times the watchdog has expired.
func (w *Watchdog) Fired() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fired
}

// Caller must hold w.mu.
func (w *Watchdog) restart() {
	w.generation++
	if w.timer != nil {
		w.timer.Stop()
	}
	gen := w.generation
	w.timer = time.AfterFunc(w.timeout, func() { w.expire(gen) })
}

func (w *Watchdog) expire(gen uint64) {
	w.mu.Lock()
	if gen != w.generation || !w.armed {
		w.mu.Unlock()
		return
	}
	w.armed = false
	w.timer = nil
	w.fired++
	w.mu.Unlock()

	if w.onExpire != nil {
		w.onExpire()
	}
}
