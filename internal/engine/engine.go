// Package engine implements the bootloader proper: the line reader, the
// Intel-HEX decode/flash/verify state machine, the two-phase boot sequence
// and the command menu. It talks to the serial transport, the flash
// self-programming interface and the board's cross-reset hardware, and it is
// the only owner of the line buffer, the page buffer and the address
// tracking state.
package engine

import (
	"errors"
	"fmt"

	"github.com/rashkobg/hexloader/internal/boot"
	"github.com/rashkobg/hexloader/internal/flash"
	"github.com/rashkobg/hexloader/internal/uart"
)

// Mode selects what processing a hex line gets.
type Mode int

const (
	// ModeFlash routes decoded bytes into the page buffer and writes pages.
	ModeFlash Mode = iota
	// ModeVerify compares decoded bytes against flash contents.
	ModeVerify
)

// Status is the per-pass state machine.
type Status int

const (
	// StatusWaiting means no record has been processed yet.
	StatusWaiting Status = iota
	// StatusInProgress means at least one record was accepted.
	StatusInProgress
	// StatusOK means the end-of-file record was accepted. Terminal.
	StatusOK
	// StatusError means a validation, checksum or verify failure. Terminal.
	StatusError
)

const (
	asciiLF  = 10
	asciiCR  = 13
	asciiESC = 27

	recData = 0
	recEOF  = 1

	// noAddr is the "no record processed yet" sentinel of the address
	// tracking state.
	noAddr = 0xFFFF
)

// DefaultLineMax is the line buffer capacity: 16 hex bytes per record as
// generated by objcopy, plus framing.
const DefaultLineMax = 64

// Config tunes the bootloader. Zero values take the defaults.
type Config struct {
	LineMax int
	Version string
}

// ErrDeadman is returned by Run when the watchdog deadman switch ends the
// incarnation.
var ErrDeadman = errors.New("watchdog reset: transport deadman expired")

// Bootloader is one boot incarnation of the loader.
type Bootloader struct {
	u     *uart.UART
	dev   flash.Device
	board *boot.Board
	cfg   Config

	buf  []byte // line accumulator, fixed capacity
	n    int    // accumulated length
	line []byte // most recently completed line

	page        []byte // one flash page of pending bytes, erased-value filled
	currentPage uint16 // staged page, in page units
	lastAddr    uint16 // end address of the last data record, or noAddr
}

// New creates a bootloader incarnation over the given transport, flash
// device and board.
func New(u *uart.UART, dev flash.Device, board *boot.Board, cfg Config) *Bootloader {
	if cfg.LineMax == 0 {
		cfg.LineMax = DefaultLineMax
	}
	if cfg.Version == "" {
		cfg.Version = "1.0"
	}
	return &Bootloader{
		u:        u,
		dev:      dev,
		board:    board,
		cfg:      cfg,
		buf:      make([]byte, cfg.LineMax),
		page:     make([]byte, dev.PageSize()),
		lastAddr: noAddr,
	}
}

// Run executes the boot sequence: a FLASH pass, then a VERIFY pass over the
// same image, then the handoff to the application. It returns once the
// watchdog reset that ends this incarnation is pending; the error names the
// reason.
func (b *Bootloader) Run() error {
	b.newPage()

	for _, mode := range []Mode{ModeFlash, ModeVerify} {
		if mode == ModeFlash {
			b.u.SendString("hexloader " + b.cfg.Version + "\r\nPaste your hex file, 'h' for help\r\n")
		} else {
			b.u.SendString("Paste again to verify\r\n")
		}
		b.prompt()

		status := StatusWaiting
		var t0 uint32
		for status == StatusWaiting || status == StatusInProgress {
			ready, err := b.pollLine()
			if err != nil {
				return err
			}
			if !ready {
				if b.board.WD.Fired() || b.u.Tripped() {
					return ErrDeadman
				}
				b.u.WaitAvailable()
				continue
			}
			if len(b.line) > 0 && b.line[0] == ':' {
				if status == StatusWaiting {
					t0 = b.board.Clock.Millis()
				}
				status = b.flashHexLine(mode)
			} else {
				if err := b.runCommand(); err != nil {
					return err
				}
			}
		}

		if status != StatusOK {
			return b.rebootToBootloader("pass failed")
		}
		b.u.SendString(" OK! (")
		b.u.SendDec(b.board.Clock.Millis() - t0)
		b.u.SendString("ms)\r\n")
	}

	return b.rebootToApp()
}

// rebootToBootloader clears the handoff signature and arms the watchdog, so
// the next incarnation is the bootloader again.
func (b *Bootloader) rebootToBootloader(reason string) error {
	b.u.SendString("Rebooting into bootloader\r\n\r\n")
	b.board.Handoff.Clear()
	return b.reboot("to bootloader: " + reason)
}

// rebootToApp sets the handoff signature to the magic and arms the watchdog,
// handing control to the freshly verified application.
func (b *Bootloader) rebootToApp() error {
	b.u.SendString("Have a nice day!\r\n\r\n")
	b.board.Handoff.Set(boot.MagicApp0, boot.MagicApp1)
	return b.reboot("to application")
}

// reboot drains pending output, arms a short watchdog fuse and idles until
// it fires.
func (b *Bootloader) reboot(reason string) error {
	b.u.Flush()
	b.board.WD.Arm(boot.RebootTimeout)
	<-b.board.WD.Done()
	return fmt.Errorf("watchdog reset %s", reason)
}

// Supervise models the reset loop around the bootloader: read the boot
// handoff, run the chosen stage, complete the reset, repeat. It returns nil
// once control passes to the application, or an error if the wire dies.
func Supervise(u *uart.UART, dev flash.Device, board *boot.Board, cfg Config) error {
	for {
		if boot.Decide(board) == boot.StageApp {
			return nil
		}
		u.Reinit()
		b := New(u, dev, board, cfg)
		b.Run()
		if u.Dead() {
			return errors.New("serial wire closed")
		}
		board.CompleteReset()
	}
}
