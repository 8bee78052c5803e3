package protocol

import "strconv"

var crlf = []byte{'\r', '\n'}

// MarshalValue returns the wire encoding of v. The replication subsystem
// uses the length of this encoding as the unit of offset accounting, so it
// must match what Writer.WriteValue emits byte for byte.
func MarshalValue(v Value) []byte {
	return AppendValue(nil, v)
}

// AppendValue appends the encoding of v to dst.
func AppendValue(dst []byte, v Value) []byte {
	switch v.Type {
	case SimpleString:
		dst = append(dst, byte(SimpleString))
		dst = append(dst, v.Str...)
		return append(dst, crlf...)
	case Error:
		dst = append(dst, byte(Error))
		dst = append(dst, v.Str...)
		return append(dst, crlf...)
	case Integer:
		dst = append(dst, byte(Integer))
		dst = strconv.AppendInt(dst, v.Num, 10)
		return append(dst, crlf...)
	case BulkString:
		if v.IsNull {
			return append(dst, "$-1\r\n"...)
		}
		return appendBulk(dst, v.Bulk)
	case Array:
		if v.IsNull {
			return append(dst, "*-1\r\n"...)
		}
		dst = appendHeader(dst, Array, len(v.Array))
		for _, el := range v.Array {
			dst = AppendValue(dst, el)
		}
		return dst
	default:
		return append(dst, "-ERR unknown value type\r\n"...)
	}
}

// AppendCommand appends parts encoded as an array of bulk strings.
func AppendCommand(dst []byte, parts ...string) []byte {
	dst = appendHeader(dst, Array, len(parts))
	for _, p := range parts {
		dst = appendHeader(dst, BulkString, len(p))
		dst = append(dst, p...)
		dst = append(dst, crlf...)
	}
	return dst
}

// Command returns the wire encoding of a request made of parts.
func Command(parts ...string) []byte {
	return AppendCommand(nil, parts...)
}

// CommandSize returns len(Command(parts...)) without building it.
func CommandSize(parts []string) int64 {
	n := headerSize(len(parts))
	for _, p := range parts {
		n += headerSize(len(p)) + int64(len(p)) + 2
	}
	return n
}

func appendHeader(dst []byte, t RESPType, n int) []byte {
	dst = append(dst, byte(t))
	dst = strconv.AppendInt(dst, int64(n), 10)
	return append(dst, crlf...)
}

func appendBulk(dst []byte, b []byte) []byte {
	dst = appendHeader(dst, BulkString, len(b))
	dst = append(dst, b...)
	return append(dst, crlf...)
}

// headerSize is the length of "<type><n>\r\n".
func headerSize(n int) int64 {
	digits := int64(1)
	for n >= 10 {
		n /= 10
		digits++
	}
	return 1 + digits + 2
}
