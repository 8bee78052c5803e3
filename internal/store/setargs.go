package store

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"time"
)

var (
	ErrSyntax     = errors.New("ERR syntax error")
	ErrNotInteger = errors.New("ERR value is not an integer or out of range")
	ErrSetArity   = errors.New("ERR wrong number of arguments for 'set' command")
)

// SetArgs is a parsed SET request. The dispatcher and the replica apply
// loop both go through ParseSetArgs so a propagated write is interpreted
// the same way on both sides.
type SetArgs struct {
	Key   string
	Value []byte

	// PX is the relative expiry in milliseconds. It is only meaningful
	// when HasPX is set; zero or negative values make the key due at once.
	PX    int64
	HasPX bool
}

// ParseSetArgs parses "key value [PX ms]" (the arguments after SET).
// The option name is case-insensitive.
func ParseSetArgs(args []string) (SetArgs, error) {
	if len(args) < 2 {
		return SetArgs{}, ErrSetArity
	}
	sa := SetArgs{Key: args[0], Value: []byte(args[1])}

	for i := 2; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "PX":
			i++
			if i >= len(args) {
				return SetArgs{}, ErrSyntax
			}
			ms, err := strconv.ParseInt(args[i], 10, 64)
			if err != nil {
				return SetArgs{}, ErrNotInteger
			}
			sa.PX, sa.HasPX = ms, true
		default:
			return SetArgs{}, ErrSyntax
		}
	}
	return sa, nil
}

// Entry builds the store entry, starting the expiry clock now.
func (a SetArgs) Entry() *Entry {
	if !a.HasPX {
		return NewEntry(a.Value)
	}
	return NewEntryWithTTL(a.Value, pxDuration(a.PX))
}

// Command returns the canonical form of the request for propagation.
func (a SetArgs) Command() []string {
	if a.HasPX {
		return []string{"SET", a.Key, string(a.Value), "PX", strconv.FormatInt(a.PX, 10)}
	}
	return []string{"SET", a.Key, string(a.Value)}
}

// pxDuration converts milliseconds to a Duration, saturating instead of
// wrapping around.
func pxDuration(ms int64) time.Duration {
	const limit = math.MaxInt64 / int64(time.Millisecond)
	switch {
	case ms > limit:
		return time.Duration(math.MaxInt64)
	case ms < -limit:
		return time.Duration(math.MinInt64)
	}
	return time.Duration(ms) * time.Millisecond
}
