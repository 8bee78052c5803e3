package protocol

import "fmt"

// RESPType represents the type byte of a RESP value
type RESPType byte

const (
	SimpleString RESPType = '+'
	Error        RESPType = '-'
	Integer      RESPType = ':'
	BulkString   RESPType = '$'
	Array        RESPType = '*'
)

// Value represents a single RESP value.
// I use a single struct with a type discriminator rather than an interface
// hierarchy so replies can be built and passed around by value.
type Value struct {
	Type   RESPType
	Str    string
	Num    int64
	Bulk   []byte
	Array  []Value
	IsNull bool
}

// Factory functions for creating RESP values

func SimpleStringVal(s string) Value {
	return Value{Type: SimpleString, Str: s}
}

func ErrorVal(msg string) Value {
	return Value{Type: Error, Str: msg}
}

func IntegerVal(n int64) Value {
	return Value{Type: Integer, Num: n}
}

func BulkStringVal(b []byte) Value {
	return Value{Type: BulkString, Bulk: b}
}

// BulkStr builds a bulk string from a Go string.
func BulkStr(s string) Value {
	return Value{Type: BulkString, Bulk: []byte(s)}
}

func NullBulkString() Value {
	return Value{Type: BulkString, IsNull: true}
}

func ArrayVal(vals []Value) Value {
	return Value{Type: Array, Array: vals}
}

func NullArray() Value {
	return Value{Type: Array, IsNull: true}
}

// BulkArray builds an array of bulk strings, the shape every request and
// most multi-value replies take.
func BulkArray(parts ...string) Value {
	vals := make([]Value, len(parts))
	for i, p := range parts {
		vals[i] = BulkStr(p)
	}
	return ArrayVal(vals)
}

// Pre-allocated sentinel values for common responses
var (
	ValOK         = SimpleStringVal("OK")
	ValPong       = SimpleStringVal("PONG")
	ValNullBulk   = NullBulkString()
	ValEmptyArray = ArrayVal([]Value{})
)

// ErrReadOnly rejects client writes on a replica.
var ErrReadOnly = ErrorVal("READONLY You can't write against a read only replica.")

// ErrUnknownCmd returns an error for unknown commands
func ErrUnknownCmd(cmd string) Value {
	return ErrorVal(fmt.Sprintf("ERR unknown command '%s'", cmd))
}
