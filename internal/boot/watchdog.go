package boot

import (
	"sync"
	"time"
)

// RebootTimeout is the short fuse armed by the forced-reboot primitives.
const RebootTimeout = 15 * time.Millisecond

// Watchdog is the deadman switch and forced-reboot trigger. The deadman
// timeout activates on the first Kick, so an idle prompt before any traffic
// does not reboot the device; once traffic has started, a client that stops
// sending entirely lets the watchdog fire.
//
// Firing is one-shot per boot incarnation: further kicks and arms are ignored
// until Rearm.
type Watchdog struct {
	mu      sync.Mutex
	deadman time.Duration // 0 disables the deadman; forced Arm still works
	timer   *time.Timer
	armed   bool
	expired bool
	fired   chan struct{}
	hooks   []func()
}

// NewWatchdog creates a watchdog with the given deadman timeout.
// A zero timeout disables the deadman switch.
func NewWatchdog(deadman time.Duration) *Watchdog {
	return &Watchdog{deadman: deadman, fired: make(chan struct{})}
}

// OnFire registers a hook run when the watchdog fires. Used to trip the
// transport so blocked sends unwind.
func (w *Watchdog) OnFire(f func()) {
	w.mu.Lock()
	w.hooks = append(w.hooks, f)
	w.mu.Unlock()
}

// Kick delays the deadman reboot. Every successful transport event calls
// this; nothing above the transport does.
func (w *Watchdog) Kick() {
	w.mu.Lock()
	if w.expired || w.deadman <= 0 {
		w.mu.Unlock()
		return
	}
	w.rearmLocked(w.deadman)
	w.mu.Unlock()
}

// Arm sets the timer to d unconditionally. The forced-reboot primitives use
// this with RebootTimeout.
func (w *Watchdog) Arm(d time.Duration) {
	w.mu.Lock()
	if !w.expired {
		w.rearmLocked(d)
	}
	w.mu.Unlock()
}

func (w *Watchdog) rearmLocked(d time.Duration) {
	if w.timer == nil {
		w.timer = time.AfterFunc(d, w.fire)
	} else {
		w.timer.Reset(d)
	}
	w.armed = true
}

func (w *Watchdog) fire() {
	w.mu.Lock()
	if w.expired {
		w.mu.Unlock()
		return
	}
	w.expired = true
	close(w.fired)
	hooks := append([]func(){}, w.hooks...)
	w.mu.Unlock()
	// Hooks take their own locks; never call them while holding w.mu.
	for _, f := range hooks {
		f()
	}
}

// Armed reports whether the timer is currently running.
func (w *Watchdog) Armed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.armed
}

// Fired reports whether the watchdog has expired this incarnation.
func (w *Watchdog) Fired() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.expired
}

// Done returns a channel closed when the watchdog fires. Callers must fetch
// it again after Rearm.
func (w *Watchdog) Done() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fired
}

// Rearm prepares the watchdog for the next boot incarnation: the timer is
// stopped and the fired state cleared.
func (w *Watchdog) Rearm() {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.armed = false
	if w.expired {
		w.expired = false
		w.fired = make(chan struct{})
	}
	w.mu.Unlock()
}
