package flash

import "sync"

// Mem is an in-memory flash device. Each self-programming step takes its own
// critical section, mirroring the per-step interrupt masking the real part
// requires, while leaving the gaps between steps open.
type Mem struct {
	mu        sync.Mutex
	data      []byte
	fill      []byte // hardware temporary page buffer
	pageSize  int
	rwwLocked bool
	erases    int
	writes    int
}

// NewMem creates a fully erased flash of the given geometry. Zero values
// take the defaults; size must be a multiple of pageSize.
func NewMem(size, pageSize int) *Mem {
	if size == 0 {
		size = DefaultSize
	}
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	m := &Mem{
		data:     make([]byte, size),
		fill:     make([]byte, pageSize),
		pageSize: pageSize,
	}
	for i := range m.data {
		m.data[i] = ErasedByte
	}
	for i := range m.fill {
		m.fill[i] = ErasedByte
	}
	return m
}

// PageSize returns the page size in bytes.
func (m *Mem) PageSize() int { return m.pageSize }

// Size returns the flash size in bytes.
func (m *Mem) Size() int { return len(m.data) }

// PageErase erases the page containing addr.
func (m *Mem) PageErase(addr uint16) {
	m.mu.Lock()
	base := m.pageBase(addr)
	for i := 0; i < m.pageSize; i++ {
		m.data[base+i] = ErasedByte
	}
	m.erases++
	m.mu.Unlock()
}

// PageFill loads word into the temporary page buffer, low byte first.
func (m *Mem) PageFill(addr uint16, word uint16) {
	m.mu.Lock()
	off := int(addr) % m.pageSize
	m.fill[off] = byte(word)
	m.fill[off+1] = byte(word >> 8)
	m.mu.Unlock()
}

// PageWrite commits the temporary page buffer to the page containing addr,
// resets the buffer to the erased value and locks the read-while-write
// region.
func (m *Mem) PageWrite(addr uint16) {
	m.mu.Lock()
	base := m.pageBase(addr)
	copy(m.data[base:base+m.pageSize], m.fill)
	for i := range m.fill {
		m.fill[i] = ErasedByte
	}
	m.rwwLocked = true
	m.writes++
	m.mu.Unlock()
}

// BusyWait returns once the previous step completes. The simulation
// completes steps synchronously.
func (m *Mem) BusyWait() {}

// RWWEnable re-enables reads.
func (m *Mem) RWWEnable() {
	m.mu.Lock()
	m.rwwLocked = false
	m.mu.Unlock()
}

// ReadByte reads one byte, or the erased value while the read-while-write
// region is locked.
func (m *Mem) ReadByte(addr uint16) byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rwwLocked || int(addr) >= len(m.data) {
		return ErasedByte
	}
	return m.data[addr]
}

func (m *Mem) pageBase(addr uint16) int {
	return int(addr) / m.pageSize * m.pageSize
}

// RWWLocked reports whether the read-while-write region is locked.
func (m *Mem) RWWLocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rwwLocked
}

// EraseCount returns the number of page erases performed.
func (m *Mem) EraseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.erases
}

// WriteCount returns the number of page writes performed.
func (m *Mem) WriteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Bytes returns a copy of the flash contents, ignoring the read-while-write
// lock. Test helper.
func (m *Mem) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out
}
