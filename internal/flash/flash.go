// Package flash defines the self-programming interface of the target's
// program memory and provides an in-memory simulation of it.
package flash

// ErasedByte is the value every flash byte holds after a page erase.
const ErasedByte = 0xFF

// Default geometry, matching a small self-programmable part.
const (
	DefaultPageSize = 128
	DefaultSize     = 32768
)

// Device is the flash self-programming interface. Exact timing is hardware
// defined; callers are responsible for the erase/fill/commit call order and
// for waiting out each step with BusyWait. While a page write is pending the
// read-while-write region is unreadable until RWWEnable.
type Device interface {
	// PageSize returns the minimum erasable/writable unit in bytes.
	PageSize() int
	// Size returns the total flash size in bytes.
	Size() int
	// PageErase erases the page containing addr.
	PageErase(addr uint16)
	// PageFill loads one little-endian word into the hardware's temporary
	// page buffer at addr's offset within its page.
	PageFill(addr uint16, word uint16)
	// PageWrite commits the temporary page buffer to the page containing
	// addr and locks the read-while-write region.
	PageWrite(addr uint16)
	// BusyWait blocks until the previous self-programming step completes.
	BusyWait()
	// RWWEnable re-enables reads from the read-while-write region.
	RWWEnable()
	// ReadByte reads one flash byte. While the read-while-write region is
	// locked it returns the erased value.
	ReadByte(addr uint16) byte
}
