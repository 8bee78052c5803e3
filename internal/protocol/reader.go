package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrProtocol matches every *ProtocolError via errors.Is.
var ErrProtocol = errors.New("protocol error")

// maxMultiBulk caps the element count of a single request so a corrupt
// header cannot make me allocate an unbounded slice.
const maxMultiBulk = 1024 * 1024

// maxBulkLen caps a single bulk string or payload, the same 512MB limit
// Redis applies to proto-max-bulk-len.
const maxBulkLen = 512 * 1024 * 1024

// ProtocolError reports a malformed request. The connection that produced
// it cannot be resynchronised and must be closed.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Msg
}

// Is lets callers match any ProtocolError with errors.Is(err, ErrProtocol).
func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

func protocolErrorf(format string, args ...any) error {
	return &ProtocolError{Msg: fmt.Sprintf(format, args...)}
}

// Reader reads RESP values from an io.Reader
// I use bufio.Reader with a 64KB buffer to minimise syscalls
type Reader struct {
	rd *bufio.Reader
}

// NewReader creates a new RESP reader
func NewReader(r io.Reader) *Reader {
	return &Reader{
		rd: bufio.NewReaderSize(r, 64*1024),
	}
}

// NewReaderFromBufio creates a Reader from an existing bufio.Reader
func NewReaderFromBufio(br *bufio.Reader) *Reader {
	return &Reader{rd: br}
}

// Buffered returns the number of bytes already read from the socket but
// not yet consumed.
func (r *Reader) Buffered() int {
	return r.rd.Buffered()
}

// ReadCommand reads one client request: an array header *N followed by
// exactly N bulk strings. Anything else is a *ProtocolError. I/O errors,
// including io.EOF, are returned unchanged.
//
// An empty array (*0) yields an empty, non-nil slice.
func (r *Reader) ReadCommand() ([]string, error) {
	line, err := r.readLine()
	if err != nil {
		return nil, err
	}
	if len(line) == 0 || line[0] != byte(Array) {
		return nil, protocolErrorf("expected '*', got %q", line)
	}

	count, err := strconv.Atoi(string(line[1:]))
	if err != nil || count > maxMultiBulk {
		return nil, protocolErrorf("invalid multibulk length %q", line[1:])
	}
	if count <= 0 {
		return []string{}, nil
	}

	parts := make([]string, count)
	for i := range parts {
		b, err := r.readBulk()
		if err != nil {
			return nil, err
		}
		parts[i] = string(b)
	}
	return parts, nil
}

// readBulk reads a single $L\r\n<L bytes>\r\n element of a request.
func (r *Reader) readBulk() ([]byte, error) {
	line, err := r.readLine()
	if err != nil {
		return nil, err
	}
	if len(line) == 0 || line[0] != byte(BulkString) {
		return nil, protocolErrorf("expected '$', got %q", line)
	}

	length, err := strconv.ParseInt(string(line[1:]), 10, 64)
	if err != nil || length < 0 || length > maxBulkLen {
		return nil, protocolErrorf("invalid bulk length %q", line[1:])
	}

	buf := make([]byte, length+2)
	if _, err := io.ReadFull(r.rd, buf); err != nil {
		return nil, err
	}
	if buf[length] != '\r' || buf[length+1] != '\n' {
		return nil, protocolErrorf("bulk string of length %d not terminated by CRLF", length)
	}
	return buf[:length], nil
}

// ReadLine reads one CRLF-terminated line and returns it without the
// terminator. The replica uses it for the simple-string replies of the
// handshake.
func (r *Reader) ReadLine() (string, error) {
	line, err := r.readLine()
	if err != nil {
		return "", err
	}
	return string(line), nil
}

// ReadBulkPayload reads $<len>\r\n followed by exactly len raw bytes with
// no trailing CRLF. This is how a snapshot is framed during a full resync.
func (r *Reader) ReadBulkPayload() ([]byte, error) {
	line, err := r.readLine()
	if err != nil {
		return nil, err
	}
	if len(line) == 0 || line[0] != byte(BulkString) {
		return nil, protocolErrorf("expected '$' before payload, got %q", line)
	}

	length, err := strconv.ParseInt(string(line[1:]), 10, 64)
	if err != nil || length < 0 || length > maxBulkLen {
		return nil, protocolErrorf("invalid payload length %q", line[1:])
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.rd, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// ReadValue reads a single RESP value from the stream
func (r *Reader) ReadValue() (Value, error) {
	// Peek at the first byte to determine the type
	b, err := r.rd.ReadByte()
	if err != nil {
		return Value{}, err
	}

	switch RESPType(b) {
	case SimpleString:
		return r.readSimpleString()
	case Error:
		return r.readError()
	case Integer:
		return r.readInteger()
	case BulkString:
		return r.readBulkString()
	case Array:
		return r.readArray()
	default:
		// Not a RESP type prefix - treat as inline command
		if err := r.rd.UnreadByte(); err != nil {
			return Value{}, err
		}
		return r.readInline()
	}
}

// readLine reads until \r\n and returns the line without the terminator
func (r *Reader) readLine() ([]byte, error) {
	line, err := r.rd.ReadBytes('\n')
	if err != nil {
		return nil, err
	}

	if len(line) < 2 || line[len(line)-2] != '\r' {
		return nil, protocolErrorf("line not terminated by CRLF")
	}

	return line[:len(line)-2], nil
}

// readSimpleString parses +<string>\r\n
func (r *Reader) readSimpleString() (Value, error) {
	line, err := r.readLine()
	if err != nil {
		return Value{}, err
	}
	return SimpleStringVal(string(line)), nil
}

// readError parses -<message>\r\n
func (r *Reader) readError() (Value, error) {
	line, err := r.readLine()
	if err != nil {
		return Value{}, err
	}
	return ErrorVal(string(line)), nil
}

// readInteger parses :<number>\r\n
func (r *Reader) readInteger() (Value, error) {
	line, err := r.readLine()
	if err != nil {
		return Value{}, err
	}
	n, err := strconv.ParseInt(string(line), 10, 64)
	if err != nil {
		return Value{}, protocolErrorf("invalid integer %q", line)
	}
	return IntegerVal(n), nil
}

// readBulkString parses $<len>\r\n<data>\r\n or $-1\r\n for null
func (r *Reader) readBulkString() (Value, error) {
	line, err := r.readLine()
	if err != nil {
		return Value{}, err
	}

	length, err := strconv.ParseInt(string(line), 10, 64)
	if err != nil || length > maxBulkLen {
		return Value{}, protocolErrorf("invalid bulk length %q", line)
	}

	if length < 0 {
		return NullBulkString(), nil
	}

	buf := make([]byte, length+2)
	if _, err := io.ReadFull(r.rd, buf); err != nil {
		return Value{}, err
	}

	if buf[length] != '\r' || buf[length+1] != '\n' {
		return Value{}, protocolErrorf("bulk string of length %d not terminated by CRLF", length)
	}

	return BulkStringVal(buf[:length]), nil
}

// readArray parses *<count>\r\n followed by count elements
func (r *Reader) readArray() (Value, error) {
	line, err := r.readLine()
	if err != nil {
		return Value{}, err
	}

	count, err := strconv.ParseInt(string(line), 10, 64)
	if err != nil || count > maxMultiBulk {
		return Value{}, protocolErrorf("invalid array length %q", line)
	}

	if count < 0 {
		return NullArray(), nil
	}

	elements := make([]Value, count)
	for i := range elements {
		val, err := r.ReadValue()
		if err != nil {
			return Value{}, err
		}
		elements[i] = val
	}

	return ArrayVal(elements), nil
}

// readInline handles non-RESP inline commands (e.g., "PING\r\n")
func (r *Reader) readInline() (Value, error) {
	line, err := r.readLine()
	if err != nil {
		return Value{}, err
	}

	parts := strings.Fields(string(line))
	if len(parts) == 0 {
		return Value{}, protocolErrorf("empty inline command")
	}

	return BulkArray(parts...), nil
}

// Strings flattens an array of bulk or simple strings into Go strings.
// It returns false if v is not such an array.
func (v Value) Strings() ([]string, bool) {
	if v.Type != Array || v.IsNull {
		return nil, false
	}
	out := make([]string, len(v.Array))
	for i, el := range v.Array {
		switch el.Type {
		case BulkString:
			out[i] = string(el.Bulk)
		case SimpleString:
			out[i] = el.Str
		default:
			return nil, false
		}
	}
	return out, true
}
