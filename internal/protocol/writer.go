package protocol

import (
	"bufio"
	"io"
)

// Writer writes RESP values to an io.Writer.
// I use bufio.Writer with a 64KB buffer to batch small writes; nothing
// reaches the socket until Flush.
type Writer struct {
	wr      *bufio.Writer
	scratch []byte
}

// NewWriter creates a new RESP writer
func NewWriter(w io.Writer) *Writer {
	return &Writer{
		wr: bufio.NewWriterSize(w, 64*1024),
	}
}

// NewWriterFromBufio creates a Writer from an existing bufio.Writer
func NewWriterFromBufio(bw *bufio.Writer) *Writer {
	return &Writer{wr: bw}
}

// WriteValue encodes v into the buffer. The scratch slice is reused
// between calls so steady-state replies do not allocate.
func (w *Writer) WriteValue(v Value) error {
	w.scratch = AppendValue(w.scratch[:0], v)
	_, err := w.wr.Write(w.scratch)
	return err
}

// WriteRaw writes bytes that are already RESP-encoded, such as the
// +FULLRESYNC line or a chunk of the replication backlog.
func (w *Writer) WriteRaw(b []byte) error {
	_, err := w.wr.Write(b)
	return err
}

// WriteCommand encodes parts as an array of bulk strings.
func (w *Writer) WriteCommand(parts ...string) error {
	w.scratch = AppendCommand(w.scratch[:0], parts...)
	_, err := w.wr.Write(w.scratch)
	return err
}

// Flush flushes the write buffer to the underlying writer
func (w *Writer) Flush() error {
	return w.wr.Flush()
}
