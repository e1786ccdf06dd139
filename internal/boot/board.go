package boot

import (
	"sync"
	"time"
)

// Cause holds the reset-cause flags read once at startup. The zero value
// means a plain power-up.
type Cause byte

const (
	// CauseExternal means the reset line was pulled.
	CauseExternal Cause = 1 << 0
	// CauseWatchdog means the watchdog expired.
	CauseWatchdog Cause = 1 << 1
)

// Board ties the cross-reset hardware together: handoff signature, watchdog,
// millisecond clock and the reset-cause flags.
type Board struct {
	Handoff *Handoff
	WD      *Watchdog
	Clock   *Clock

	mu    sync.Mutex
	cause Cause

	deadman time.Duration
}

// Option configures a Board.
type Option func(*Board)

// WithExternalReset marks the initial reset as externally triggered, the way
// a reset button drops the device into the bootloader.
func WithExternalReset() Option {
	return func(b *Board) { b.cause |= CauseExternal }
}

// WithDeadman sets the watchdog deadman timeout. Zero disables the deadman.
func WithDeadman(d time.Duration) Option {
	return func(b *Board) { b.deadman = d }
}

// NewBoard creates a board in the power-up state, modified by opts.
func NewBoard(opts ...Option) *Board {
	b := &Board{Handoff: &Handoff{}}
	for _, opt := range opts {
		opt(b)
	}
	b.WD = NewWatchdog(b.deadman)
	b.Clock = NewClock()
	return b
}

// Cause returns the reset-cause flags.
func (b *Board) Cause() Cause {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cause
}

// CompleteReset models the reset cycle after the watchdog fires: the cause
// flags record a watchdog reset and the watchdog is rearmed for the next
// incarnation. The handoff signature is untouched; surviving the reset is
// its whole point.
func (b *Board) CompleteReset() {
	b.mu.Lock()
	b.cause = CauseWatchdog
	b.mu.Unlock()
	b.WD.Rearm()
}

// Stage is the outcome of the power-up decision.
type Stage int

const (
	// StageApp hands control to the flashed application.
	StageApp Stage = iota
	// StageBootloader runs the bootloader.
	StageBootloader
)

// Decide implements the power-up handoff. The application runs on a plain
// power-up or when the signature carries the magic; the signature is cleared
// first either way, so the application's own next boot cannot be
// misinterpreted. Otherwise the bootloader runs, with the signature set to
// the magic: an unassisted watchdog expiry then falls back to the previously
// flashed application, while the bootloader's explicit failure paths clear
// the signature before rebooting.
func Decide(b *Board) Stage {
	if b.Cause()&(CauseExternal|CauseWatchdog) == 0 || b.Handoff.IsApp() {
		b.Handoff.Clear()
		return StageApp
	}
	b.Handoff.Set(MagicApp0, MagicApp1)
	return StageBootloader
}
