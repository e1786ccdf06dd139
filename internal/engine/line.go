package engine

import "github.com/rashkobg/hexloader/internal/uart"

// pollLine assembles inbound bytes into the line buffer. It is called
// repeatedly from the pass loop, never blocks, and returns true exactly once
// a full line is ready. ESC completes an empty line, cancelling whatever was
// typed. Hex payload (lines starting with ':') is never echoed back, to
// avoid doubling throughput on the wire.
//
// Latched transport faults are fatal: a receiver overrun or an inbound
// buffer overflow means input was lost, and a partially flashed image must
// not be trusted, so the condition is reported and the device reboots into
// the bootloader.
func (b *Bootloader) pollLine() (bool, error) {
	errs := b.u.Errors()
	if errs&uart.ErrRxOverflow != 0 {
		b.u.SendString("\r\nUART error: buffer overflow (try a lower baud rate)\r\n")
		return false, b.rebootToBootloader("rx buffer overflow")
	}
	if errs&uart.ErrRxOverrun != 0 {
		b.u.SendString("\r\nUART error: data overrun\r\n")
		return false, b.rebootToBootloader("rx data overrun")
	}

	c, ok := b.u.ReceiveByte()
	if !ok {
		return false, nil
	}

	switch {
	case c == asciiESC:
		b.u.SendString("\r\n")
		b.line = b.buf[:0]
		b.n = 0
		return true, nil

	case c == asciiCR || c == asciiLF:
		if b.n > 0 {
			b.line = b.buf[:b.n]
			b.n = 0
			if b.line[0] != ':' {
				b.u.SendString("\r\n")
			}
			return true, nil
		}

	default:
		if b.n < len(b.buf) {
			b.buf[b.n] = c
			b.n++
			if b.buf[0] != ':' {
				b.u.SendByte(c)
			}
		}
		// Past capacity the byte is dropped; the line completes on the
		// eventual terminator, truncated.
	}
	return false, nil
}

func (b *Bootloader) prompt() {
	b.u.SendString(">: ")
}
