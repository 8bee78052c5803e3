package replication

import (
	"errors"
	"fmt"
	"sync"
)

// DefaultBacklogSize is the default replication backlog: 1 MB.
// A replica link that falls further behind than this is dropped.
const DefaultBacklogSize = 1 << 20

// ErrOffsetOutOfRange is returned by Slice when the requested offset has
// already been overwritten or lies in the future.
var ErrOffsetOutOfRange = errors.New("offset outside backlog window")

// Backlog is a bounded circular buffer of propagated commands. Every byte
// written advances the global offset, and each replica link reads
// "everything since offset X" from it at its own pace.
type Backlog struct {
	mu   sync.RWMutex
	buf  []byte
	size int

	// head is the write cursor position within buf (0..size-1).
	head int

	// written is the total number of bytes ever written.
	written int64
}

// NewBacklog allocates a ring buffer of the given size.
func NewBacklog(size int) *Backlog {
	if size <= 0 {
		size = DefaultBacklogSize
	}
	return &Backlog{
		buf:  make([]byte, size),
		size: size,
	}
}

// Write appends data and returns the offset after it. Data larger than
// the buffer keeps only its tail.
func (b *Backlog) Write(data []byte) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(data)
	if n == 0 {
		return b.written
	}

	if n >= b.size {
		copy(b.buf, data[n-b.size:])
		b.head = 0
		b.written += int64(n)
		return b.written
	}

	first := b.size - b.head
	if first >= n {
		copy(b.buf[b.head:], data)
	} else {
		copy(b.buf[b.head:], data[:first])
		copy(b.buf, data[first:])
	}

	b.head = (b.head + n) % b.size
	b.written += int64(n)
	return b.written
}

// CurrentOffset returns the global offset (total bytes written).
func (b *Backlog) CurrentOffset() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.written
}

// available reports whether from is still inside the window
// [written - min(written, size), written].
func (b *Backlog) available(from int64) bool {
	if from < 0 || from > b.written {
		return false
	}
	oldest := max(b.written-int64(b.size), 0)
	return from >= oldest
}

// Slice returns a copy of the bytes from offset from to the current end.
func (b *Backlog) Slice(from int64) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.available(from) {
		return nil, fmt.Errorf("%w: requested %d, current %d, window %d",
			ErrOffsetOutOfRange, from, b.written, b.size)
	}
	if from == b.written {
		return nil, nil
	}

	count := int(b.written - from)
	// head is where the next byte goes, so from sits count bytes behind it.
	start := (b.head - count + b.size) % b.size

	out := make([]byte, count)
	if start+count <= b.size {
		copy(out, b.buf[start:start+count])
	} else {
		first := b.size - start
		copy(out, b.buf[start:])
		copy(out[first:], b.buf[:count-first])
	}
	return out, nil
}
