package uart

// ring is a fixed-capacity circular byte queue with separate producer (head)
// and consumer (tail) cursors. One slot is sacrificed so that head == tail
// always means empty and never full; a ring sized n holds n-1 bytes.
type ring struct {
	buf  []byte
	head int
	tail int
}

func newRing(size int) ring {
	return ring{buf: make([]byte, size)}
}

// push enqueues b at the head. Returns false if the ring is full; the caller
// decides what to do with the rejected byte (the inbound path drops it and
// latches an overflow flag).
func (r *ring) push(b byte) bool {
	next := (r.head + 1) % len(r.buf)
	if next == r.tail {
		return false
	}
	r.buf[r.head] = b
	r.head = next
	return true
}

// pop dequeues the oldest byte, if any.
func (r *ring) pop() (byte, bool) {
	if r.tail == r.head {
		return 0, false
	}
	b := r.buf[r.tail]
	r.tail = (r.tail + 1) % len(r.buf)
	return b, true
}

func (r *ring) empty() bool {
	return r.head == r.tail
}

func (r *ring) full() bool {
	return (r.head+1)%len(r.buf) == r.tail
}

// used returns the number of buffered bytes.
func (r *ring) used() int {
	return (r.head - r.tail + len(r.buf)) % len(r.buf)
}

func (r *ring) reset() {
	r.head = 0
	r.tail = 0
}
