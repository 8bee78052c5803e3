package pool

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestBufferPool_ReaderRebinds(t *testing.T) {
	p := NewBufferPool(16)

	br := p.GetReader(strings.NewReader("first"))
	got, _ := io.ReadAll(br)
	if string(got) != "first" {
		t.Fatalf("expected first, got %q", got)
	}
	p.PutReader(br)

	br = p.GetReader(strings.NewReader("second"))
	got, _ = io.ReadAll(br)
	if string(got) != "second" {
		t.Errorf("expected second, got %q", got)
	}
	if br.Size() != 16 {
		t.Errorf("expected buffer size 16, got %d", br.Size())
	}
}

func TestBufferPool_WriterRebinds(t *testing.T) {
	p := NewBufferPool(0)

	var a, b bytes.Buffer
	bw := p.GetWriter(&a)
	bw.WriteString("+OK\r\n")
	if err := bw.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	p.PutWriter(bw)

	bw = p.GetWriter(&b)
	bw.WriteString("+PONG\r\n")
	bw.Flush()

	if a.String() != "+OK\r\n" || b.String() != "+PONG\r\n" {
		t.Errorf("writes leaked between owners: a=%q b=%q", a.String(), b.String())
	}
	if bw.Size() != DefaultBufSize {
		t.Errorf("expected default size %d, got %d", DefaultBufSize, bw.Size())
	}
}

func TestBufferPool_Stats(t *testing.T) {
	p := NewBufferPool(64)

	br := p.GetReader(strings.NewReader(""))
	bw := p.GetWriter(io.Discard)

	s := p.Stats()
	if s.Allocs != 2 || s.Reuses != 0 {
		t.Fatalf("expected 2 allocs and no reuse, got %+v", s)
	}

	p.PutReader(br)
	p.PutWriter(bw)

	// sync.Pool may drop items at any GC, so only the total is stable
	p.GetReader(strings.NewReader(""))
	p.GetWriter(io.Discard)
	s = p.Stats()
	if s.Allocs+s.Reuses != 4 {
		t.Errorf("expected 4 acquisitions, got %+v", s)
	}
}
