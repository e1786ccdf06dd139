// Package boot models the hardware the bootloader needs across a reset: the
// two-byte handoff signature that survives a watchdog reset, the reset-cause
// flags, the watchdog used both as deadman switch and forced-reboot trigger,
// and the millisecond clock.
package boot

import "sync"

// The "run application" magic signature. Any other value, notably zero/zero,
// means "run bootloader".
const (
	MagicApp0 = 0xB0
	MagicApp1 = 0xAA
)

// Handoff is the two-byte cross-reset signature cell. On real hardware this
// is a pair of scratch registers: the value survives a watchdog reset but not
// a power cycle.
type Handoff struct {
	mu sync.Mutex
	a  byte
	b  byte
}

// Set writes the signature.
func (h *Handoff) Set(a, b byte) {
	h.mu.Lock()
	h.a, h.b = a, b
	h.mu.Unlock()
}

// Get reads the signature.
func (h *Handoff) Get() (byte, byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.a, h.b
}

// Clear writes zero/zero, the "run bootloader" value.
func (h *Handoff) Clear() {
	h.Set(0, 0)
}

// IsApp reports whether the signature is the "run application" magic.
func (h *Handoff) IsApp() bool {
	a, b := h.Get()
	return a == MagicApp0 && b == MagicApp1
}
