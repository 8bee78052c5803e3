package server

import (
	"github.com/aravinth/rkv/internal/protocol"
	"github.com/aravinth/rkv/internal/stream"
)

// ==================== Stream commands ====================

func entryValue(e stream.Entry) protocol.Value {
	fields := make([]protocol.Value, 0, 2*len(e.Fields))
	for _, f := range e.Fields {
		fields = append(fields, protocol.BulkStr(f.Name), protocol.BulkStr(f.Value))
	}
	return protocol.ArrayVal([]protocol.Value{
		protocol.BulkStr(e.ID.String()),
		protocol.ArrayVal(fields),
	})
}

func entriesValue(entries []stream.Entry) protocol.Value {
	vals := make([]protocol.Value, len(entries))
	for i, e := range entries {
		vals[i] = entryValue(e)
	}
	return protocol.ArrayVal(vals)
}

// holdsString reports whether key is taken by a live string value.
func (h *Handler) holdsString(key string) bool {
	_, ok := h.store.Get(key)
	return ok
}

// XADD key id field value [field value ...]
func (h *Handler) cmdXAdd(args Args, conn *Connection) (protocol.Value, error) {
	if err := args.AtLeast(4); err != nil {
		return noReply, err
	}
	if (args.Len()-2)%2 != 0 {
		return noReply, args.arity()
	}

	key, idArg := args.At(0), args.At(1)
	pairs := args.Rest(2)
	fields := make([]stream.Field, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		fields = append(fields, stream.Field{Name: pairs[i], Value: pairs[i+1]})
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	if h.holdsString(key) {
		return noReply, errWrongType
	}
	id, err := h.streams.Add(key, idArg, fields)
	if err != nil {
		return noReply, err
	}
	return protocol.BulkStr(id.String()), nil
}

// XRANGE key start end [COUNT n]
func (h *Handler) cmdXRange(args Args, conn *Connection) (protocol.Value, error) {
	if err := args.AtLeast(3); err != nil {
		return noReply, err
	}

	count := 0
	switch {
	case args.Len() == 3:
	case args.Len() == 5 && args.Is(3, "COUNT"):
		n, err := parseCount(args, 4)
		if err != nil {
			return noReply, err
		}
		count = n
	default:
		return noReply, errSyntax
	}

	key := args.At(0)
	start, err := stream.ParseRangeStart(args.At(1))
	if err != nil {
		return noReply, err
	}
	end, err := stream.ParseRangeEnd(args.At(2))
	if err != nil {
		return noReply, err
	}

	s, ok := h.streams.Get(key)
	if !ok {
		if h.holdsString(key) {
			return noReply, errWrongType
		}
		return protocol.ValEmptyArray, nil
	}
	// COUNT 0 returns nothing.
	if args.Len() == 5 && count == 0 {
		return protocol.ValEmptyArray, nil
	}
	return entriesValue(s.Range(start, end, count)), nil
}

// XREAD [COUNT n] STREAMS key [key ...] id [id ...]
//
// Blocking reads are not supported. Every requested key appears in the
// reply, with an empty entry list when nothing is newer than its ID.
func (h *Handler) cmdXRead(args Args, conn *Connection) (protocol.Value, error) {
	count := 0
	i := 0
	for ; i < args.Len(); i++ {
		switch {
		case args.Is(i, "COUNT"):
			n, err := parseCount(args, i+1)
			if err != nil {
				return noReply, err
			}
			count = n
			i++
		case args.Is(i, "BLOCK"):
			return noReply, commandErrorf("ERR XREAD BLOCK is not supported")
		case args.Is(i, "STREAMS"):
			return h.xreadStreams(args.Rest(i+1), count)
		default:
			return noReply, errSyntax
		}
	}
	return noReply, args.arity()
}

func (h *Handler) xreadStreams(rest []string, count int) (protocol.Value, error) {
	if len(rest) == 0 || len(rest)%2 != 0 {
		return noReply, commandErrorf("ERR Unbalanced 'xread' list of streams: for each stream key an ID or '$' must be specified.")
	}
	n := len(rest) / 2
	keys, ids := rest[:n], rest[n:]

	// Resolve every ID before reading so one bad argument fails the whole
	// request.
	after := make([]stream.ID, n)
	for i, key := range keys {
		if ids[i] == "$" {
			if s, ok := h.streams.Get(key); ok {
				after[i] = s.LastID()
			}
			continue
		}
		id, err := stream.ParseID(ids[i], 0)
		if err != nil {
			return noReply, err
		}
		after[i] = id
	}

	out := make([]protocol.Value, 0, n)
	for i, key := range keys {
		entries := []stream.Entry{}
		if s, ok := h.streams.Get(key); ok {
			entries = s.After(after[i], count)
		} else if h.holdsString(key) {
			return noReply, errWrongType
		}
		out = append(out, protocol.ArrayVal([]protocol.Value{
			protocol.BulkStr(key),
			entriesValue(entries),
		}))
	}
	return protocol.ArrayVal(out), nil
}
