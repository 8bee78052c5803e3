package server

import (
	"bufio"
	"net"
	"sync/atomic"
	"time"

	"github.com/aravinth/rkv/internal/protocol"
)

// Connection is one accepted client socket with its buffered reader and
// writer. After PSYNC it is hijacked: the replication coordinator owns the
// socket and the server loop lets go of it without closing.
type Connection struct {
	id         uint64
	conn       net.Conn
	reader     *protocol.Reader
	writer     *protocol.Writer
	createdAt  time.Time
	lastActive atomic.Int64
	addr       string

	hijacked atomic.Bool
	commands atomic.Uint64
}

// NewConnection wraps conn with the given (pooled) buffers.
func NewConnection(id uint64, conn net.Conn, br *bufio.Reader, bw *bufio.Writer) *Connection {
	c := &Connection{
		id:        id,
		conn:      conn,
		reader:    protocol.NewReaderFromBufio(br),
		writer:    protocol.NewWriterFromBufio(bw),
		createdAt: time.Now(),
		addr:      conn.RemoteAddr().String(),
	}
	c.lastActive.Store(c.createdAt.UnixNano())
	return c
}

// ReadCommand reads one request as its list of arguments.
func (c *Connection) ReadCommand() ([]string, error) {
	parts, err := c.reader.ReadCommand()
	if err == nil {
		c.lastActive.Store(time.Now().UnixNano())
		c.commands.Add(1)
	}
	return parts, err
}

// WriteResponse buffers a reply.
func (c *Connection) WriteResponse(v protocol.Value) error {
	return c.writer.WriteValue(v)
}

// Flush flushes the write buffer to the socket.
func (c *Connection) Flush() error {
	return c.writer.Flush()
}

// Close closes the underlying socket.
func (c *Connection) Close() error {
	return c.conn.Close()
}

// SetReadDeadline sets the read deadline for idle timeout enforcement.
func (c *Connection) SetReadDeadline(d time.Duration) {
	c.conn.SetReadDeadline(time.Now().Add(d))
}

// Hijack hands the socket to the caller. The reader is returned as well
// because it may already hold buffered bytes sent after PSYNC.
func (c *Connection) Hijack() (net.Conn, *protocol.Reader) {
	c.hijacked.Store(true)
	c.conn.SetReadDeadline(time.Time{})
	return c.conn, c.reader
}

// Hijacked reports whether the replication coordinator owns the socket.
func (c *Connection) Hijacked() bool {
	return c.hijacked.Load()
}

func (c *Connection) ID() uint64 { return c.id }

func (c *Connection) Addr() string { return c.addr }

// Commands returns how many requests were read on this connection.
func (c *Connection) Commands() uint64 { return c.commands.Load() }
