package server

import (
	"log"
	"time"

	"github.com/aravinth/rkv/internal/protocol"
)

// ==================== Replication commands ====================

// cmdReplConf answers the configuration steps of the replica handshake.
// ACK normally arrives on a hijacked link and is read by the coordinator;
// one that reaches the dispatcher gets no reply.
func (h *Handler) cmdReplConf(args Args, conn *Connection) (protocol.Value, error) {
	if err := args.AtLeast(1); err != nil {
		return noReply, err
	}

	switch {
	case args.Is(0, "listening-port"), args.Is(0, "capa"):
		if err := args.AtLeast(2); err != nil {
			return noReply, err
		}
		return protocol.ValOK, nil
	case args.Is(0, "GETACK"):
		return protocol.BulkArray("REPLCONF", "ACK", formatOffset(h.replState.Offset())), nil
	case args.Is(0, "ACK"):
		return noReply, nil
	default:
		return noReply, commandErrorf("ERR Unrecognized REPLCONF option: %s", args.At(0))
	}
}

// cmdPSync promotes the connection to a replica link. Every request gets
// a full resync whatever replid and offset it names.
func (h *Handler) cmdPSync(args Args, conn *Connection) (protocol.Value, error) {
	if err := args.Exactly(2); err != nil {
		return noReply, err
	}
	if h.master == nil {
		return noReply, commandErrorf("ERR PSYNC is not supported on a replica")
	}

	// Anything already buffered for this client must go out before the
	// coordinator starts writing to the same socket.
	if err := conn.Flush(); err != nil {
		return noReply, err
	}

	raw, reader := conn.Hijack()
	log.Printf("server: connection %d from %s became a replica link after %d commands",
		conn.ID(), conn.Addr(), conn.Commands())
	h.master.HandlePSYNC(raw, reader)

	return noReply, nil
}

// cmdWait blocks until numreplicas links acknowledge every write made
// before it, or timeout milliseconds pass, and replies with the count.
func (h *Handler) cmdWait(args Args, conn *Connection) (protocol.Value, error) {
	if err := args.Exactly(2); err != nil {
		return noReply, err
	}
	if h.master == nil {
		return noReply, commandErrorf("ERR WAIT cannot be used with replica instances")
	}

	numReplicas, err := args.Int(0)
	if err != nil {
		return noReply, err
	}
	timeoutMs, err := args.Int(1)
	if err != nil {
		return noReply, errTimeout
	}
	if timeoutMs < 0 {
		return noReply, errNegTime
	}

	n := h.master.Wait(h.ctx, int(numReplicas), time.Duration(timeoutMs)*time.Millisecond)
	return protocol.IntegerVal(int64(n)), nil
}
