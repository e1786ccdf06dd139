// Package uart models the bootloader's interrupt-driven serial transport.
//
// Two ring buffers bridge the main control flow to a byte-oriented wire. The
// RX and TX pumps stand in for the receive and transmit-ready interrupt
// handlers: they run on their own goroutines and share the buffer cursors
// with the main flow, so every multi-step access happens inside one critical
// section, never as separate partial reads. Fault conditions on the inbound
// path are latched into a flag set that the line reader inspects; they are
// never cleared automatically.
package uart

import (
	"io"
	"sync"

	"github.com/rashkobg/hexloader/internal/hexenc"
)

// Errors is the set of latched transport fault flags.
type Errors byte

const (
	// ErrRxOverrun is the hardware receiver-overrun fault.
	ErrRxOverrun Errors = 1 << 0
	// ErrRxFrame is the hardware framing-error fault.
	ErrRxFrame Errors = 1 << 1
	// ErrRxOverflow means the inbound ring was full and a received byte
	// was dropped.
	ErrRxOverflow Errors = 1 << 2
)

// Default buffer sizes. The inbound ring is large because a whole hex image
// may be pasted at once; the outbound ring stays small and relies on
// backpressure.
const (
	DefaultRxSize = 1024
	DefaultTxSize = 32
)

// Config sets the ring buffer sizes. Zero values take the defaults.
type Config struct {
	RxSize int
	TxSize int
}

// UART is the buffered serial transport.
type UART struct {
	wire io.ReadWriter
	kick func()

	mu      sync.Mutex
	rx      ring
	tx      ring
	errs    Errors
	txBusy  bool // TX pump mid-write on the wire
	tripped bool // a watchdog reset is pending; output is discarded
	dead    bool // a pump exited on a wire error; not cleared by Reinit
	closed  bool

	rxReady *sync.Cond // inbound data arrived, or tripped/closed
	txSpace *sync.Cond // outbound slot freed or drained, or tripped/closed
	txWork  *sync.Cond // outbound data queued, or closed
}

// New creates a UART over the given wire and starts the RX/TX pumps.
// kick, if non-nil, is invoked on every successful inbound or outbound
// transfer; it is the watchdog deadman reset hook.
func New(wire io.ReadWriter, cfg Config, kick func()) *UART {
	if cfg.RxSize == 0 {
		cfg.RxSize = DefaultRxSize
	}
	if cfg.TxSize == 0 {
		cfg.TxSize = DefaultTxSize
	}
	if kick == nil {
		kick = func() {}
	}
	u := &UART{
		wire: wire,
		kick: kick,
		rx:   newRing(cfg.RxSize),
		tx:   newRing(cfg.TxSize),
	}
	u.rxReady = sync.NewCond(&u.mu)
	u.txSpace = sync.NewCond(&u.mu)
	u.txWork = sync.NewCond(&u.mu)
	go u.rxPump()
	go u.txPump()
	return u
}

// rxPump is the receive interrupt handler: it moves wire bytes into the
// inbound ring, dropping the newest byte and latching ErrRxOverflow when the
// ring is full.
func (u *UART) rxPump() {
	buf := make([]byte, 256)
	for {
		n, err := u.wire.Read(buf)
		u.mu.Lock()
		for _, b := range buf[:n] {
			if !u.rx.push(b) {
				u.errs |= ErrRxOverflow
			}
		}
		if n > 0 {
			u.rxReady.Broadcast()
		}
		closed := u.closed
		u.mu.Unlock()
		if n > 0 {
			u.kick()
		}
		if closed {
			return
		}
		if err != nil {
			u.markDead()
			return
		}
	}
}

// txPump is the transmit interrupt handler: it drains the outbound ring onto
// the wire in enqueue order.
func (u *UART) txPump() {
	for {
		u.mu.Lock()
		for u.tx.empty() && !u.closed {
			u.txWork.Wait()
		}
		if u.closed && u.tx.empty() {
			u.mu.Unlock()
			return
		}
		chunk := make([]byte, 0, u.tx.used())
		for {
			b, ok := u.tx.pop()
			if !ok {
				break
			}
			chunk = append(chunk, b)
		}
		u.txBusy = true
		u.txSpace.Broadcast()
		u.mu.Unlock()

		_, err := u.wire.Write(chunk)

		u.mu.Lock()
		u.txBusy = false
		u.txSpace.Broadcast()
		u.mu.Unlock()
		u.kick()
		if err != nil {
			u.markDead()
			return
		}
	}
}

// SendByte enqueues one byte for transmission. If the outbound ring is full
// it suspends the caller until a slot frees; it never drops a byte while the
// device is live. Once a watchdog reset is pending, output is silently
// discarded, matching the loss of in-flight bytes across a hardware reset.
func (u *UART) SendByte(b byte) {
	u.mu.Lock()
	for u.tx.full() && !u.tripped && !u.closed {
		u.txSpace.Wait()
	}
	if u.tripped || u.closed {
		u.mu.Unlock()
		return
	}
	u.tx.push(b)
	u.txWork.Signal()
	u.mu.Unlock()
}

// ReceiveByte returns the oldest buffered inbound byte, or false if none is
// buffered. Never blocks.
func (u *UART) ReceiveByte() (byte, bool) {
	u.mu.Lock()
	b, ok := u.rx.pop()
	u.mu.Unlock()
	if ok {
		u.kick()
	}
	return b, ok
}

// Available reports whether at least one inbound byte is buffered.
func (u *UART) Available() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return !u.rx.empty()
}

// WaitAvailable suspends the caller until inbound data is buffered or a
// watchdog reset trips the transport.
func (u *UART) WaitAvailable() {
	u.mu.Lock()
	for u.rx.empty() && !u.tripped && !u.closed {
		u.rxReady.Wait()
	}
	u.mu.Unlock()
}

// Flush suspends the caller until the outbound ring and any wire write in
// flight have drained.
func (u *UART) Flush() {
	u.mu.Lock()
	for (!u.tx.empty() || u.txBusy) && !u.tripped && !u.closed {
		u.txSpace.Wait()
	}
	u.mu.Unlock()
}

// Errors returns the latched fault flags. Flags stay set until Reinit.
func (u *UART) Errors() Errors {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.errs
}

// LatchError records a receive-side fault. The pumps use it for buffer
// overflow; hardware-reported faults (overrun, framing) enter through here
// as well.
func (u *UART) LatchError(e Errors) {
	u.mu.Lock()
	u.errs |= e
	u.mu.Unlock()
}

// Trip marks a pending reset: all blocked senders and waiters are released
// and further output is discarded. Wired to the watchdog's fire hook.
func (u *UART) Trip() {
	u.mu.Lock()
	u.tripped = true
	u.rxReady.Broadcast()
	u.txSpace.Broadcast()
	u.txWork.Broadcast()
	u.mu.Unlock()
}

// markDead records a wire failure. Unlike a trip, this survives Reinit: a
// closed wire cannot come back with the next boot incarnation.
func (u *UART) markDead() {
	u.mu.Lock()
	u.dead = true
	u.tripped = true
	u.rxReady.Broadcast()
	u.txSpace.Broadcast()
	u.txWork.Broadcast()
	u.mu.Unlock()
}

// Tripped reports whether a reset is pending on the transport.
func (u *UART) Tripped() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.tripped || u.closed
}

// Dead reports whether the wire has failed for good.
func (u *UART) Dead() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.dead || u.closed
}

// Reinit clears buffers, latched faults and the trip flag for a fresh boot
// incarnation. The pumps keep running; the wire stays attached.
func (u *UART) Reinit() {
	u.mu.Lock()
	u.rx.reset()
	u.tx.reset()
	u.errs = 0
	u.tripped = u.dead
	u.mu.Unlock()
}

// Close shuts the pumps down. Only used when tearing the simulation down;
// real hardware has no equivalent.
func (u *UART) Close() {
	u.mu.Lock()
	u.closed = true
	u.rxReady.Broadcast()
	u.txSpace.Broadcast()
	u.txWork.Broadcast()
	u.mu.Unlock()
}

// SendString sends every byte of s.
func (u *UART) SendString(s string) {
	for i := 0; i < len(s); i++ {
		u.SendByte(s[i])
	}
}

// SendDec sends v in decimal.
func (u *UART) SendDec(v uint32) {
	var digits [10]byte
	i := len(digits)
	for {
		i--
		digits[i] = byte(v%10) + '0'
		v /= 10
		if v == 0 {
			break
		}
	}
	for _, c := range digits[i:] {
		u.SendByte(c)
	}
}

// SendHexByte sends x as two hex digits.
func (u *UART) SendHexByte(x byte) {
	d := hexenc.FormatByte(x)
	u.SendByte(d[0])
	u.SendByte(d[1])
}

// SendHexWord sends x as four hex digits.
func (u *UART) SendHexWord(x uint16) {
	d := hexenc.FormatWord(x)
	for _, c := range d {
		u.SendByte(c)
	}
}
