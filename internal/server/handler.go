package server

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aravinth/rkv/internal/persistence"
	"github.com/aravinth/rkv/internal/protocol"
	"github.com/aravinth/rkv/internal/replication"
	"github.com/aravinth/rkv/internal/store"
	"github.com/aravinth/rkv/internal/stream"
)

// CommandFunc is the signature for a command handler. A non-nil error is
// sent as the reply instead of the value.
type CommandFunc func(args Args, conn *Connection) (protocol.Value, error)

type command struct {
	fn CommandFunc
	// write marks commands a replica refuses from its clients.
	write bool
}

// noReply is returned by commands that must not answer, such as PSYNC
// after the hijack or REPLCONF ACK.
var noReply = protocol.Value{}

func isNoReply(v protocol.Value) bool {
	return v.Type == 0
}

// Handler routes requests to the store, the stream registry and the
// replication coordinator.
type Handler struct {
	store     store.Store
	streams   *stream.Registry
	persist   persistence.Config
	commands  map[string]command
	startTime time.Time

	// writeMu makes applying a write and feeding it to the backlog one
	// step, so replicas receive writes in the order they were applied.
	writeMu sync.Mutex

	// Replication: master is nil on a replica, slave is nil on a primary.
	replState *replication.ReplState
	master    *replication.MasterState
	slave     *replication.SlaveState

	// ctx bounds blocking commands (WAIT) so shutdown does not hang.
	ctx    context.Context
	cancel context.CancelFunc

	// Metrics, nil when disabled
	cmdCount    *prometheus.CounterVec
	cmdDuration *prometheus.HistogramVec
}

// NewHandler creates a handler and registers all commands.
func NewHandler(st store.Store, streams *stream.Registry, pcfg persistence.Config, rs *replication.ReplState, master *replication.MasterState, slave *replication.SlaveState) *Handler {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handler{
		store:     st,
		streams:   streams,
		persist:   pcfg,
		startTime: time.Now(),
		replState: rs,
		master:    master,
		slave:     slave,
		ctx:       ctx,
		cancel:    cancel,
	}
	h.registerCommands()
	return h
}

// SetMetrics injects the Prometheus command counters into the handler.
// This is called after server creation so we avoid a circular dependency
// between the server and metrics packages.
func (h *Handler) SetMetrics(cc *prometheus.CounterVec, cd *prometheus.HistogramVec) {
	h.cmdCount = cc
	h.cmdDuration = cd
}

// StartTime returns when this handler was created (used by the metrics
// collector to compute uptime).
func (h *Handler) StartTime() time.Time {
	return h.startTime
}

// Close releases commands blocked in WAIT.
func (h *Handler) Close() {
	h.cancel()
}

// Execute dispatches one request and returns its reply.
func (h *Handler) Execute(parts []string, conn *Connection) protocol.Value {
	if len(parts) == 0 {
		return noReply
	}

	name := strings.ToUpper(parts[0])
	cmd, ok := h.commands[name]
	if !ok {
		return protocol.ErrUnknownCmd(parts[0])
	}

	// Replicas only change state through the replication stream. I check
	// this before dispatch so no individual command needs to know the role.
	if cmd.write && h.replState.IsReplica() {
		return protocol.ErrReadOnly
	}

	var start time.Time
	if h.cmdDuration != nil {
		start = time.Now()
	}

	result, err := cmd.fn(newArgs(name, parts[1:]), conn)
	if err != nil {
		result = errorReply(err)
	}

	if h.cmdCount != nil {
		h.cmdCount.WithLabelValues(name).Inc()
	}
	if h.cmdDuration != nil {
		h.cmdDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}

	return result
}

func (h *Handler) registerCommands() {
	h.commands = map[string]command{
		"PING":   {fn: h.cmdPing},
		"ECHO":   {fn: h.cmdEcho},
		"CONFIG": {fn: h.cmdConfig},
		"INFO":   {fn: h.cmdInfo},

		"GET":  {fn: h.cmdGet},
		"SET":  {fn: h.cmdSet, write: true},
		"KEYS": {fn: h.cmdKeys},
		"TYPE": {fn: h.cmdType},

		"XADD":   {fn: h.cmdXAdd, write: true},
		"XRANGE": {fn: h.cmdXRange},
		"XREAD":  {fn: h.cmdXRead},

		"REPLCONF": {fn: h.cmdReplConf},
		"PSYNC":    {fn: h.cmdPSync},
		"WAIT":     {fn: h.cmdWait},
	}
}

// ==================== Server commands ====================

func (h *Handler) cmdPing(args Args, conn *Connection) (protocol.Value, error) {
	if err := args.Between(0, 1); err != nil {
		return noReply, err
	}
	if args.Len() == 1 {
		return protocol.BulkStr(args.At(0)), nil
	}
	return protocol.ValPong, nil
}

func (h *Handler) cmdEcho(args Args, conn *Connection) (protocol.Value, error) {
	if err := args.Exactly(1); err != nil {
		return noReply, err
	}
	return protocol.BulkStr(args.At(0)), nil
}

func (h *Handler) cmdConfig(args Args, conn *Connection) (protocol.Value, error) {
	if err := args.AtLeast(1); err != nil {
		return noReply, err
	}
	if !args.Is(0, "GET") {
		return noReply, commandErrorf("ERR unknown subcommand '%s'. Try CONFIG HELP.", args.At(0))
	}
	if err := args.Exactly(2); err != nil {
		return noReply, commandErrorf("ERR wrong number of arguments for 'config|get' command")
	}

	switch param := strings.ToLower(args.At(1)); param {
	case "dir":
		return protocol.BulkArray(param, h.persist.Dir), nil
	case "dbfilename":
		return protocol.BulkArray(param, h.persist.DBFilename), nil
	default:
		return noReply, commandErrorf("ERR unsupported CONFIG parameter '%s'", args.At(1))
	}
}

func (h *Handler) cmdInfo(args Args, conn *Connection) (protocol.Value, error) {
	if args.Len() > 1 {
		return noReply, args.arity()
	}
	if args.Len() == 1 && !args.Is(0, "replication") {
		return protocol.BulkStr(""), nil
	}

	var b strings.Builder
	b.WriteString("# Replication\r\n")
	fmt.Fprintf(&b, "role:%s\r\n", h.replState.Role())

	if h.replState.IsReplica() {
		host, port := h.replState.MasterAddr()
		fmt.Fprintf(&b, "master_host:%s\r\n", host)
		fmt.Fprintf(&b, "master_port:%d\r\n", port)
		linkStatus := "down"
		if h.slave != nil && h.slave.IsConnected() {
			linkStatus = "up"
		}
		fmt.Fprintf(&b, "master_link_status:%s\r\n", linkStatus)
		fmt.Fprintf(&b, "slave_repl_offset:%d\r\n", h.replState.Offset())
	} else if h.master != nil {
		fmt.Fprintf(&b, "connected_slaves:%d\r\n", h.master.Count())
		for _, line := range h.master.ReplicaInfo() {
			b.WriteString(line + "\r\n")
		}
	}

	fmt.Fprintf(&b, "master_replid:%s\r\n", h.replState.ReplID())
	fmt.Fprintf(&b, "master_repl_offset:%d\r\n", h.replState.Offset())

	return protocol.BulkStr(b.String()), nil
}

// ==================== Key commands ====================

func (h *Handler) cmdGet(args Args, conn *Connection) (protocol.Value, error) {
	if err := args.Exactly(1); err != nil {
		return noReply, err
	}
	key := args.At(0)
	if h.streams.Exists(key) {
		return noReply, errWrongType
	}
	entry, ok := h.store.Get(key)
	if !ok {
		return protocol.ValNullBulk, nil
	}
	return protocol.BulkStringVal(entry.Value), nil
}

func (h *Handler) cmdSet(args Args, conn *Connection) (protocol.Value, error) {
	sa, err := store.ParseSetArgs(args.Rest(0))
	if err != nil {
		return noReply, err
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	// SET replaces whatever the key held, including a stream.
	h.streams.Delete(sa.Key)
	h.store.Set(sa.Key, sa.Entry())

	if h.master != nil {
		h.master.FeedCommand(sa.Command()...)
	}
	return protocol.ValOK, nil
}

// cmdKeys returns every key. The pattern is accepted but not applied, and
// expired keys that have not been read since they expired are included.
func (h *Handler) cmdKeys(args Args, conn *Connection) (protocol.Value, error) {
	if err := args.Exactly(1); err != nil {
		return noReply, err
	}
	keys := append(h.store.ScanKeys(), h.streams.Keys()...)
	return protocol.BulkArray(keys...), nil
}

func (h *Handler) cmdType(args Args, conn *Connection) (protocol.Value, error) {
	if err := args.Exactly(1); err != nil {
		return noReply, err
	}
	key := args.At(0)
	if h.streams.Exists(key) {
		return protocol.SimpleStringVal("stream"), nil
	}
	if _, ok := h.store.Get(key); ok {
		return protocol.SimpleStringVal("string"), nil
	}
	return protocol.SimpleStringVal("none"), nil
}

// parseCount reads the value following a COUNT keyword. Redis treats a
// non-positive count as no limit.
func parseCount(args Args, i int) (int, error) {
	if i >= args.Len() {
		return 0, errSyntax
	}
	n, err := args.Int(i)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		n = 0
	}
	return int(min(n, int64(^uint(0)>>1))), nil
}

func formatOffset(n int64) string {
	return strconv.FormatInt(n, 10)
}
