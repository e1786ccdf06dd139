package engine

import "github.com/rashkobg/hexloader/internal/flash"

// newPage resets the page buffer to the erased value, so a partially filled
// page flashes harmlessly.
func (b *Bootloader) newPage() {
	for i := range b.page {
		b.page[i] = flash.ErasedByte
	}
}

// writeCurrentPage programs the staged page: erase, fill the hardware page
// buffer with little-endian word pairs, commit, waiting out the hardware
// after each self-programming step.
func (b *Bootloader) writeCurrentPage() {
	pageSize := uint16(b.dev.PageSize())
	base := b.currentPage * pageSize

	b.dev.BusyWait()
	b.dev.PageErase(base)
	b.dev.BusyWait()

	for i := uint16(0); i < pageSize; i += 2 {
		word := uint16(b.page[i]) | uint16(b.page[i+1])<<8
		b.dev.PageFill(base+i, word)
	}

	b.dev.PageWrite(base)
	b.dev.BusyWait()
}
