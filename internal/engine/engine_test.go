package engine

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rashkobg/hexloader/internal/boot"
	"github.com/rashkobg/hexloader/internal/flash"
	"github.com/rashkobg/hexloader/internal/uart"
)

// makeRecord builds one Intel-HEX record with a correct checksum.
func makeRecord(addr uint16, typ byte, data []byte) string {
	var sb strings.Builder
	sum := byte(len(data)) + byte(addr) + byte(addr>>8) + typ
	fmt.Fprintf(&sb, ":%02X%04X%02X", len(data), addr, typ)
	for _, b := range data {
		fmt.Fprintf(&sb, "%02X", b)
		sum += b
	}
	fmt.Fprintf(&sb, "%02X", 0-sum)
	return sb.String()
}

// makeImage builds a well-formed image over data starting at address 0,
// 16 bytes per record, closed by an end-of-file record.
func makeImage(data []byte) []string {
	var lines []string
	for off := 0; off < len(data); off += 16 {
		end := off + 16
		if end > len(data) {
			end = len(data)
		}
		lines = append(lines, makeRecord(uint16(off), recData, data[off:end]))
	}
	lines = append(lines, makeRecord(0, recEOF, nil))
	return lines
}

// outWatcher drains the device's output side of the wire into a buffer the
// test can wait on.
type outWatcher struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (w *outWatcher) drain(r io.Reader) {
	chunk := make([]byte, 256)
	for {
		n, err := r.Read(chunk)
		w.mu.Lock()
		w.buf.Write(chunk[:n])
		w.mu.Unlock()
		if err != nil {
			return
		}
	}
}

func (w *outWatcher) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func (w *outWatcher) waitFor(t *testing.T, substr string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(w.String(), substr) {
		if time.Now().After(deadline) {
			t.Fatalf("device output never contained %q; got:\n%s", substr, w.String())
		}
		time.Sleep(time.Millisecond)
	}
}

type testRig struct {
	b     *Bootloader
	u     *uart.UART
	dev   *flash.Mem
	board *boot.Board
	feed  *io.PipeWriter
	out   *outWatcher
}

type rigWire struct {
	io.Reader
	io.Writer
}

func newRig(t *testing.T, flashSize, pageSize int) *testRig {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	board := boot.NewBoard(boot.WithExternalReset())
	u := uart.New(rigWire{inR, outW}, uart.Config{}, board.WD.Kick)
	board.WD.OnFire(u.Trip)
	dev := flash.NewMem(flashSize, pageSize)

	watcher := &outWatcher{}
	go watcher.drain(outR)

	b := New(u, dev, board, Config{})
	b.newPage()

	t.Cleanup(func() {
		u.Close()
		inW.Close()
		outR.Close()
		board.Clock.Stop()
	})
	return &testRig{b: b, u: u, dev: dev, board: board, feed: inW, out: watcher}
}

// processLine runs one record through the decoder the way the pass loop
// would, bypassing the wire.
func (r *testRig) processLine(line string, mode Mode) Status {
	r.b.line = []byte(line)
	return r.b.flashHexLine(mode)
}

func TestFlashImageAcrossPages(t *testing.T) {
	rig := newRig(t, 512, 128)

	data := make([]byte, 300)
	for i := range data {
		data[i] = byte(i * 7)
	}

	for _, line := range makeImage(data) {
		status := rig.processLine(line, ModeFlash)
		if status == StatusError {
			t.Fatalf("record rejected: %s\noutput:\n%s", line, rig.out.String())
		}
	}

	// 300 bytes span three 128-byte pages: two writes on page crossings and
	// one final flush on the end-of-file record.
	if got := rig.dev.WriteCount(); got != 3 {
		t.Fatalf("WriteCount() = %d, want 3", got)
	}
	if rig.dev.RWWLocked() {
		t.Fatal("end-of-file record must re-enable reads")
	}

	flashed := rig.dev.Bytes()
	for i, want := range data {
		if flashed[i] != want {
			t.Fatalf("flash[%d] = %#x, want %#x", i, flashed[i], want)
		}
	}
	for i := len(data); i < 512; i++ {
		if flashed[i] != flash.ErasedByte {
			t.Fatalf("flash[%d] = %#x beyond the image, want erased", i, flashed[i])
		}
	}

	// A verify pass over the same image succeeds.
	for _, line := range makeImage(data) {
		if status := rig.processLine(line, ModeVerify); status == StatusError {
			t.Fatalf("verify rejected: %s\noutput:\n%s", line, rig.out.String())
		}
	}
}

func TestSinglePageCrossing(t *testing.T) {
	rig := newRig(t, 512, 128)

	// 200 bytes cross one page boundary: exactly one flush before the
	// end-of-file record, and the new page starts fully erased.
	data := make([]byte, 200)
	for i := range data {
		data[i] = byte(i)
	}
	lines := makeImage(data)
	for _, line := range lines[:len(lines)-1] {
		rig.processLine(line, ModeFlash)
	}
	if got := rig.dev.WriteCount(); got != 1 {
		t.Fatalf("intermediate flushes = %d, want exactly 1", got)
	}
	for i := 200 % 128; i < 128; i++ {
		if rig.b.page[i] != flash.ErasedByte {
			t.Fatalf("page[%d] = %#x, new page must start erased", i, rig.b.page[i])
		}
	}

	rig.processLine(lines[len(lines)-1], ModeFlash)
	if got := rig.dev.WriteCount(); got != 2 {
		t.Fatalf("writes after end-of-file = %d, want 2", got)
	}
}

func TestFirstAddressMustBeZero(t *testing.T) {
	rig := newRig(t, 512, 128)

	line := makeRecord(5, recData, []byte{1, 2, 3})
	if status := rig.processLine(line, ModeFlash); status != StatusError {
		t.Fatalf("status = %v, want error", status)
	}

	rig.out.waitFor(t, "First address must be 0")
	// Carets under the address field: column 3, four wide.
	rig.out.waitFor(t, line+"\r\n   ^^^^\r\n")
	if rig.dev.WriteCount() != 0 {
		t.Fatal("nothing must reach flash on a rejected record")
	}
}

func TestAddressRegressionRejected(t *testing.T) {
	rig := newRig(t, 512, 128)

	ok := makeRecord(0, recData, make([]byte, 16))
	if status := rig.processLine(ok, ModeFlash); status != StatusInProgress {
		t.Fatalf("first record status = %v, want in progress", status)
	}

	regress := makeRecord(8, recData, make([]byte, 16))
	if status := rig.processLine(regress, ModeFlash); status != StatusError {
		t.Fatalf("regressing record status = %v, want error", status)
	}
	rig.out.waitFor(t, "Addresses must be increasing")
	rig.out.waitFor(t, "   ^^^^")
}

func TestChecksumError(t *testing.T) {
	rig := newRig(t, 512, 128)

	line := []byte(makeRecord(0, recData, []byte{0xAA, 0xBB}))
	line[len(line)-1] ^= 0x01 // corrupt the checksum

	rig.b.line = line
	if status := rig.b.flashHexLine(ModeFlash); status != StatusError {
		t.Fatalf("status = %v, want error", status)
	}
	rig.out.waitFor(t, "Checksum error in line:")
	rig.out.waitFor(t, string(line))

	// The rejected record must never be committed.
	if rig.dev.WriteCount() != 0 {
		t.Fatal("a checksum failure must not reach flash")
	}
	if got := rig.dev.ReadByte(0); got != flash.ErasedByte {
		t.Fatalf("flash[0] = %#x, want erased", got)
	}
}

func TestVerifyMismatchCaret(t *testing.T) {
	rig := newRig(t, 512, 128)

	data := []byte{0x10, 0x20, 0x30, 0x40}
	for _, line := range makeImage(data) {
		rig.processLine(line, ModeFlash)
	}

	// Second paste differs in byte 2.
	tampered := append([]byte{}, data...)
	tampered[2] = 0x31
	line := makeRecord(0, recData, tampered)
	if status := rig.processLine(line, ModeVerify); status != StatusError {
		t.Fatalf("status = %v, want error", status)
	}

	rig.out.waitFor(t, "Hex and flash mismatch:")
	// Carets under data byte 2: column 9+2*2, two wide.
	rig.out.waitFor(t, line+"\r\n"+strings.Repeat(" ", 13)+"^^\r\n")
}

func TestNonDataRecordsChecksumOnly(t *testing.T) {
	rig := newRig(t, 512, 128)

	// An extended-segment record before any data: validated, not
	// interpreted, address state untouched.
	ext := makeRecord(0, 2, []byte{0x10, 0x00})
	if status := rig.processLine(ext, ModeFlash); status != StatusWaiting {
		t.Fatalf("pre-data status = %v, want waiting", status)
	}

	data := makeRecord(0, recData, []byte{0xAA})
	if status := rig.processLine(data, ModeFlash); status != StatusInProgress {
		t.Fatal("data at address 0 must still be accepted after a non-data record")
	}

	// Mid-image the same record reports in progress and leaves the address
	// tracking alone.
	if status := rig.processLine(ext, ModeFlash); status != StatusInProgress {
		t.Fatal("mid-image non-data record should keep the pass in progress")
	}

	// Its payload bytes must not have been staged.
	rig.processLine(makeRecord(0, recEOF, nil), ModeFlash)
	if got := rig.dev.ReadByte(0); got != 0xAA {
		t.Fatalf("flash[0] = %#x, want the data record's byte", got)
	}
	if got := rig.dev.ReadByte(1); got != flash.ErasedByte {
		t.Fatalf("flash[1] = %#x, non-data payload leaked into flash", got)
	}

	// A corrupted non-data record is still a checksum failure.
	bad := []byte(ext)
	bad[len(bad)-1] ^= 0x01
	rig.b.line = bad
	if status := rig.b.flashHexLine(ModeFlash); status != StatusError {
		t.Fatal("corrupted non-data record must fail the checksum")
	}
}

func TestDumpFlash(t *testing.T) {
	rig := newRig(t, 32, 16)

	rig.b.dumpFlash()

	blank := strings.Repeat("FF", 16)
	rig.out.waitFor(t, ":10000000"+blank+"00")
	rig.out.waitFor(t, ":10001000"+blank+"F0")
	rig.out.waitFor(t, ":00000001FF")
}

func TestUnknownCommandHint(t *testing.T) {
	rig := newRig(t, 512, 128)

	rig.b.line = []byte("x")
	if err := rig.b.runCommand(); err != nil {
		t.Fatalf("unknown command must be non-fatal: %v", err)
	}
	rig.out.waitFor(t, "'h' for help")
	rig.out.waitFor(t, ">: ")
}

func TestHelpCommand(t *testing.T) {
	rig := newRig(t, 512, 128)

	rig.b.line = []byte("h")
	if err := rig.b.runCommand(); err != nil {
		t.Fatalf("help must be non-fatal: %v", err)
	}
	rig.out.waitFor(t, "q\treboot to app")
	rig.out.waitFor(t, "d\tdump flash")
}

func TestEscCancelsLine(t *testing.T) {
	rig := newRig(t, 512, 128)

	go rig.feed.Write([]byte{'a', 'b', 'c', asciiESC})

	deadline := time.Now().Add(5 * time.Second)
	for {
		ready, err := rig.b.pollLine()
		if err != nil {
			t.Fatalf("pollLine: %v", err)
		}
		if ready {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("line never completed")
		}
	}
	if len(rig.b.line) != 0 {
		t.Fatalf("escape should cancel the line, got %q", rig.b.line)
	}
}

func TestOverflowIsFatal(t *testing.T) {
	rig := newRig(t, 512, 128)

	rig.u.LatchError(uart.ErrRxOverflow)
	_, err := rig.b.pollLine()
	if err == nil {
		t.Fatal("a latched overflow must end the incarnation")
	}
	rig.out.waitFor(t, "buffer overflow")
	rig.out.waitFor(t, "Rebooting into bootloader")
	if !rig.board.WD.Fired() {
		t.Fatal("the reboot path must leave the watchdog fired")
	}
	if rig.board.Handoff.IsApp() {
		t.Fatal("an error reboot must clear the handoff signature")
	}
}

func TestRunErrorPathClearsHandoff(t *testing.T) {
	rig := newRig(t, 512, 128)

	done := make(chan error, 1)
	go func() { done <- rig.b.Run() }()

	rig.out.waitFor(t, "Paste your hex file")

	bad := []byte(makeRecord(0, recData, []byte{1, 2}))
	bad[len(bad)-1] ^= 0x01
	rig.feed.Write(append(bad, '\n'))

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Run should end with a reboot error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not end after a checksum failure")
	}

	rig.out.waitFor(t, "Checksum error in line:")
	rig.out.waitFor(t, "Rebooting into bootloader")
	if rig.board.Handoff.IsApp() {
		t.Fatal("a failed pass must clear the handoff signature")
	}
	if !rig.board.WD.Fired() {
		t.Fatal("the reboot must ride the watchdog")
	}
}

func TestSuperviseFullSession(t *testing.T) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	board := boot.NewBoard(boot.WithExternalReset())
	u := uart.New(rigWire{inR, outW}, uart.Config{}, board.WD.Kick)
	board.WD.OnFire(u.Trip)
	dev := flash.NewMem(512, 128)

	watcher := &outWatcher{}
	go watcher.drain(outR)
	defer func() {
		u.Close()
		inW.Close()
		outR.Close()
		board.Clock.Stop()
	}()

	data := make([]byte, 40)
	for i := range data {
		data[i] = byte(0xE0 - i)
	}
	image := strings.Join(makeImage(data), "\n") + "\n"

	done := make(chan error, 1)
	go func() { done <- Supervise(u, dev, board, Config{Version: "test"}) }()

	watcher.waitFor(t, "Paste your hex file, 'h' for help")
	io.WriteString(inW, image)
	watcher.waitFor(t, "Flashed: 40")
	watcher.waitFor(t, "Paste again to verify")
	io.WriteString(inW, image)
	watcher.waitFor(t, "Verified: 40")
	watcher.waitFor(t, "Have a nice day!")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Supervise: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Supervise did not hand off to the application")
	}

	flashed := dev.Bytes()
	for i, want := range data {
		if flashed[i] != want {
			t.Fatalf("flash[%d] = %#x, want %#x", i, flashed[i], want)
		}
	}
	// Decide consumed the signature on the way to the application.
	if board.Handoff.IsApp() {
		t.Fatal("handoff signature should be cleared after the app stage")
	}
}

func TestSuperviseDeadWire(t *testing.T) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	board := boot.NewBoard(boot.WithExternalReset())
	u := uart.New(rigWire{inR, outW}, uart.Config{}, board.WD.Kick)
	board.WD.OnFire(u.Trip)
	dev := flash.NewMem(512, 128)

	go io.Copy(io.Discard, outR)
	defer func() {
		u.Close()
		outR.Close()
		board.Clock.Stop()
	}()

	done := make(chan error, 1)
	go func() { done <- Supervise(u, dev, board, Config{}) }()

	time.Sleep(20 * time.Millisecond)
	inW.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("a closed wire should surface as an error")
		}
		if errors.Is(err, ErrDeadman) {
			t.Fatalf("want a wire error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Supervise did not notice the dead wire")
	}
}
