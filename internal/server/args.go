package server

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aravinth/rkv/internal/protocol"
)

// CommandError is a rejected request. It becomes a single error reply and
// the connection stays open.
type CommandError struct {
	Msg string
}

func (e *CommandError) Error() string { return e.Msg }

func commandErrorf(format string, args ...any) *CommandError {
	return &CommandError{Msg: fmt.Sprintf(format, args...)}
}

var (
	errWrongType = &CommandError{Msg: "WRONGTYPE Operation against a key holding the wrong kind of value"}
	errSyntax    = &CommandError{Msg: "ERR syntax error"}
	errNotInt    = &CommandError{Msg: "ERR value is not an integer or out of range"}
	errTimeout   = &CommandError{Msg: "ERR timeout is not an integer or out of range"}
	errNegTime   = &CommandError{Msg: "ERR timeout is negative"}
)

// errorReply turns any error returned by a command into its reply. Errors
// from the store and stream packages already carry the client-facing text.
func errorReply(err error) protocol.Value {
	var ce *CommandError
	if errors.As(err, &ce) {
		return protocol.ErrorVal(ce.Msg)
	}
	return protocol.ErrorVal(err.Error())
}

// Args validates the arguments of one command (everything after the verb).
type Args struct {
	cmd  string
	list []string
}

func newArgs(cmd string, list []string) Args {
	return Args{cmd: strings.ToLower(cmd), list: list}
}

func (a Args) Len() int { return len(a.list) }

func (a Args) At(i int) string { return a.list[i] }

func (a Args) Rest(i int) []string { return a.list[i:] }

func (a Args) arity() *CommandError {
	return commandErrorf("ERR wrong number of arguments for '%s' command", a.cmd)
}

// Exactly fails unless there are n arguments.
func (a Args) Exactly(n int) error {
	if len(a.list) != n {
		return a.arity()
	}
	return nil
}

// AtLeast fails unless there are at least n arguments.
func (a Args) AtLeast(n int) error {
	if len(a.list) < n {
		return a.arity()
	}
	return nil
}

// Between fails unless the count is in [lo, hi].
func (a Args) Between(lo, hi int) error {
	if len(a.list) < lo || len(a.list) > hi {
		return a.arity()
	}
	return nil
}

// Int parses argument i as a signed decimal integer.
func (a Args) Int(i int) (int64, error) {
	n, err := strconv.ParseInt(a.list[i], 10, 64)
	if err != nil {
		return 0, errNotInt
	}
	return n, nil
}

// Is reports whether argument i equals word, ignoring case.
func (a Args) Is(i int, word string) bool {
	return i < len(a.list) && strings.EqualFold(a.list[i], word)
}
