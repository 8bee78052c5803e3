package pool

import (
	"bufio"
	"io"
	"sync"
	"sync/atomic"
)

// DefaultBufSize is 64KB, matching the typical TCP window size.
const DefaultBufSize = 64 * 1024

// BufferPool recycles the bufio reader/writer pair of each client
// connection. I use sync.Pool so a burst of short-lived clients does not
// allocate 128KB apiece.
//
// A hijacked connection's buffers are never returned: the replication
// link keeps reading from the same bufio.Reader.
type BufferPool struct {
	size    int
	readers sync.Pool
	writers sync.Pool

	allocs atomic.Uint64
	reuses atomic.Uint64
}

// Stats is a point-in-time view of pool effectiveness.
type Stats struct {
	Allocs uint64
	Reuses uint64
}

// NewBufferPool creates a pool of size-byte buffers. size <= 0 uses
// DefaultBufSize.
func NewBufferPool(size int) *BufferPool {
	if size <= 0 {
		size = DefaultBufSize
	}
	p := &BufferPool{size: size}
	p.readers.New = func() any {
		p.allocs.Add(1)
		return bufio.NewReaderSize(nil, p.size)
	}
	p.writers.New = func() any {
		p.allocs.Add(1)
		return bufio.NewWriterSize(nil, p.size)
	}
	return p
}

// GetReader returns a reader bound to r.
func (p *BufferPool) GetReader(r io.Reader) *bufio.Reader {
	before := p.allocs.Load()
	br := p.readers.Get().(*bufio.Reader)
	if p.allocs.Load() == before {
		p.reuses.Add(1)
	}
	br.Reset(r)
	return br
}

// PutReader releases br. Any unread bytes are discarded.
func (p *BufferPool) PutReader(br *bufio.Reader) {
	br.Reset(nil)
	p.readers.Put(br)
}

// GetWriter returns a writer bound to w.
func (p *BufferPool) GetWriter(w io.Writer) *bufio.Writer {
	before := p.allocs.Load()
	bw := p.writers.Get().(*bufio.Writer)
	if p.allocs.Load() == before {
		p.reuses.Add(1)
	}
	bw.Reset(w)
	return bw
}

// PutWriter releases bw. The caller must have flushed it.
func (p *BufferPool) PutWriter(bw *bufio.Writer) {
	bw.Reset(nil)
	p.writers.Put(bw)
}

// Stats returns allocation and reuse counts since creation. Under
// concurrency the split is approximate.
func (p *BufferPool) Stats() Stats {
	return Stats{Allocs: p.allocs.Load(), Reuses: p.reuses.Load()}
}
