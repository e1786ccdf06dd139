// Package client drives a remote hexloader over a serial wire, automating
// the "paste your hex file" workflow: it streams the image once to flash and
// once to verify, follows the device's progress stream, and turns the
// device's pinpoint diagnostics into errors.
package client

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rashkobg/hexloader/internal/hexenc"
)

// Progress phases.
const (
	PhaseFlash  = "flash"
	PhaseVerify = "verify"
)

// Progress reports how far the device has come through the current pass.
// Bytes is the highest end address the device has acknowledged.
type Progress struct {
	Phase string
	Bytes int
	Total int
}

// ProgressCallback receives progress updates. It must return quickly.
type ProgressCallback func(Progress)

// Sender streams an Intel-HEX image to a device running the hexloader.
type Sender struct {
	wire      io.ReadWriter
	progress  ProgressCallback
	timeout   time.Duration
	lineDelay time.Duration
}

// Option configures a Sender.
type Option func(*Sender)

// WithProgress sets the progress callback.
func WithProgress(cb ProgressCallback) Option {
	return func(s *Sender) { s.progress = cb }
}

// WithTimeout sets how long to wait for device output before giving up.
func WithTimeout(d time.Duration) Option {
	return func(s *Sender) { s.timeout = d }
}

// WithLineDelay inserts a pause after each sent line, for slow links.
func WithLineDelay(d time.Duration) Option {
	return func(s *Sender) { s.lineDelay = d }
}

// New creates a Sender over the given wire.
func New(wire io.ReadWriter, opts ...Option) *Sender {
	s := &Sender{wire: wire, timeout: 10 * time.Second}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SplitImage splits an Intel-HEX image into its records and validates the
// shape the device cannot recover from: every line must be a record (a stray
// command letter would be executed by the device) and the image must end
// with an end-of-file record, or the device would wait forever.
func SplitImage(image []byte) ([][]byte, error) {
	var lines [][]byte
	for i, raw := range bytes.Split(image, []byte("\n")) {
		line := bytes.TrimSpace(raw)
		if len(line) == 0 {
			continue
		}
		if line[0] != ':' {
			return nil, fmt.Errorf("line %d is not an Intel-HEX record", i+1)
		}
		if len(line) < 11 {
			return nil, fmt.Errorf("line %d is too short for an Intel-HEX record", i+1)
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("image contains no records")
	}
	last := lines[len(lines)-1]
	if hexenc.ParseByte(last[7:9]) != 1 {
		return nil, fmt.Errorf("image does not end with an end-of-file record")
	}
	return lines, nil
}

// Total returns the highest end address of the image's data records, which
// is what the device reports as its progress counter.
func Total(lines [][]byte) int {
	total := 0
	for _, line := range lines {
		if hexenc.ParseByte(line[7:9]) != 0 {
			continue
		}
		count := int(hexenc.ParseByte(line[1:3]))
		address := int(hexenc.ParseWord(line[3:7]))
		if end := address + count; end > total {
			total = end
		}
	}
	return total
}

// Send streams the image through both device passes and waits for the
// device to hand control to the application. The image is sent twice: the
// device flashes on the first pass and verifies on the second.
func (s *Sender) Send(ctx context.Context, image []byte) error {
	lines, err := SplitImage(image)
	if err != nil {
		return err
	}
	total := Total(lines)

	tokens := make(chan string, 64)
	go s.readTokens(tokens)

	// The device prints its banner when it boots, which may predate our
	// attach; don't insist on seeing it.
	s.drainUntil(ctx, tokens, "Paste your hex", 2*time.Second)

	if err := s.writeLines(lines); err != nil {
		return fmt.Errorf("send image: %w", err)
	}
	if err := s.trackPass(ctx, tokens, PhaseFlash, total); err != nil {
		return fmt.Errorf("flash pass: %w", err)
	}

	if err := s.expect(ctx, tokens, "Paste again to verify"); err != nil {
		return err
	}
	if err := s.writeLines(lines); err != nil {
		return fmt.Errorf("send image for verify: %w", err)
	}
	if err := s.trackPass(ctx, tokens, PhaseVerify, total); err != nil {
		return fmt.Errorf("verify pass: %w", err)
	}

	return s.expect(ctx, tokens, "Have a nice day")
}

// readTokens splits device output on CR/LF and feeds non-empty tokens to
// the channel until the wire closes.
func (s *Sender) readTokens(tokens chan<- string) {
	defer close(tokens)
	sc := bufio.NewScanner(s.wire)
	sc.Split(scanSerialTokens)
	for sc.Scan() {
		if t := strings.TrimSpace(sc.Text()); t != "" {
			tokens <- t
		}
	}
}

func scanSerialTokens(data []byte, atEOF bool) (int, []byte, error) {
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func (s *Sender) writeLines(lines [][]byte) error {
	for _, line := range lines {
		if _, err := s.wire.Write(append(line, '\n')); err != nil {
			return err
		}
		if s.lineDelay > 0 {
			time.Sleep(s.lineDelay)
		}
	}
	return nil
}

func (s *Sender) next(ctx context.Context, tokens <-chan string, timeout time.Duration) (string, error) {
	select {
	case t, ok := <-tokens:
		if !ok {
			return "", io.ErrUnexpectedEOF
		}
		return t, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(timeout):
		return "", fmt.Errorf("timed out waiting for device output")
	}
}

// drainUntil consumes tokens until one contains want or grace elapses.
// Best effort only.
func (s *Sender) drainUntil(ctx context.Context, tokens <-chan string, want string, grace time.Duration) {
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		t, err := s.next(ctx, tokens, time.Until(deadline))
		if err != nil || strings.Contains(t, want) {
			return
		}
	}
}

// expect consumes tokens until one contains want, failing on a device
// reboot notice or timeout.
func (s *Sender) expect(ctx context.Context, tokens <-chan string, want string) error {
	for {
		t, err := s.next(ctx, tokens, s.timeout)
		if err != nil {
			return fmt.Errorf("waiting for %q: %w", want, err)
		}
		if strings.Contains(t, want) {
			return nil
		}
		if strings.Contains(t, "Rebooting into bootloader") {
			return fmt.Errorf("device rebooted into bootloader while waiting for %q", want)
		}
	}
}

// Diagnostics the device emits just before rejecting a pass. The following
// tokens echo the offending line with caret markers.
var deviceErrors = []string{
	"First address must be 0",
	"Addresses must be increasing",
	"Checksum error in line",
	"Hex and flash mismatch",
	"UART error",
}

// trackPass follows one device pass: progress updates until the pass ends
// in " OK!" or in a diagnostic followed by a reboot notice.
func (s *Sender) trackPass(ctx context.Context, tokens <-chan string, phase string, total int) error {
	prefix := "Flashed: "
	if phase == PhaseVerify {
		prefix = "Verified: "
	}

	var diag []string
	for {
		t, err := s.next(ctx, tokens, s.timeout)
		if err != nil {
			if len(diag) > 0 {
				return fmt.Errorf("%s: %w", strings.Join(diag, " | "), err)
			}
			return err
		}

		if len(diag) > 0 {
			if strings.Contains(t, "Rebooting into bootloader") {
				return fmt.Errorf("device rejected image: %s", strings.Join(diag, " | "))
			}
			diag = append(diag, t)
			continue
		}

		if i := strings.Index(t, prefix); i >= 0 {
			s.report(Progress{Phase: phase, Bytes: leadingInt(t[i+len(prefix):]), Total: total})
		}
		if strings.Contains(t, "OK!") {
			s.report(Progress{Phase: phase, Bytes: total, Total: total})
			return nil
		}
		for _, marker := range deviceErrors {
			if strings.Contains(t, marker) {
				diag = append(diag, t)
				break
			}
		}
		if len(diag) == 0 && strings.Contains(t, "Rebooting into bootloader") {
			return fmt.Errorf("device rebooted into bootloader")
		}
	}
}

func (s *Sender) report(p Progress) {
	if s.progress != nil {
		s.progress(p)
	}
}

// leadingInt parses the decimal prefix of t.
func leadingInt(t string) int {
	n := 0
	for i := 0; i < len(t) && t[i] >= '0' && t[i] <= '9'; i++ {
		n = n*10 + int(t[i]-'0')
	}
	return n
}
