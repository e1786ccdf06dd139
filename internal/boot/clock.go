package boot

import (
	"sync"
	"time"
)

// Clock is the millisecond counter advanced by the periodic timer tick.
// Reads take the same critical section as the tick, so the counter is never
// observed mid-update.
type Clock struct {
	mu   sync.Mutex
	ms   uint32
	done chan struct{}
	once sync.Once
}

// NewClock starts the timer tick.
func NewClock() *Clock {
	c := &Clock{done: make(chan struct{})}
	go c.run()
	return c
}

func (c *Clock) run() {
	t := time.NewTicker(time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.mu.Lock()
			c.ms++
			c.mu.Unlock()
		case <-c.done:
			return
		}
	}
}

// Millis returns the number of milliseconds since the clock started.
func (c *Clock) Millis() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ms
}

// Stop halts the tick. Only used when tearing the simulation down.
func (c *Clock) Stop() {
	c.once.Do(func() { close(c.done) })
}
