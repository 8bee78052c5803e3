package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aravinth/rkv/internal/protocol"
	"github.com/aravinth/rkv/internal/store"
)

// HandshakeError reports a primary that answered a handshake step with
// something other than the expected reply, or an I/O failure during it.
type HandshakeError struct {
	Step  string
	Reply string
	Err   error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("handshake %s: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("handshake %s: unexpected reply %q", e.Step, e.Reply)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// Applier executes a replicated command against local state.
type Applier interface {
	Apply(parts []string) error
}

// ErrNotReplicated is returned for commands the replication stream does
// not carry.
var ErrNotReplicated = errors.New("command is not replicated")

// StoreApplier replays propagated writes into the store without
// producing a reply or further propagation.
type StoreApplier struct {
	store store.Store
}

// NewStoreApplier creates a new applier for the given store.
func NewStoreApplier(st store.Store) *StoreApplier {
	return &StoreApplier{store: st}
}

// Apply executes a single replicated command.
func (a *StoreApplier) Apply(parts []string) error {
	if len(parts) == 0 {
		return nil
	}
	switch strings.ToUpper(parts[0]) {
	case "SET":
		sa, err := store.ParseSetArgs(parts[1:])
		if err != nil {
			return err
		}
		a.store.Set(sa.Key, sa.Entry())
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrNotReplicated, parts[0])
	}
}

// SlaveState manages the outgoing connection from this server to its
// primary. The whole lifecycle runs in one goroutine; there is no
// reconnection, so a lost link leaves the replica serving its current data.
type SlaveState struct {
	replState  *ReplState
	applier    Applier
	listenPort int

	mu        sync.Mutex
	conn      net.Conn
	reader    *protocol.Reader
	writer    *protocol.Writer
	connected bool

	cancel context.CancelFunc
	done   chan struct{}

	applied   uint64
	unhandled uint64
}

// NewSlaveState creates the replica side. listenPort is announced to the
// primary with REPLCONF listening-port.
func NewSlaveState(rs *ReplState, applier Applier, listenPort int) *SlaveState {
	return &SlaveState{
		replState:  rs,
		applier:    applier,
		listenPort: listenPort,
		done:       make(chan struct{}),
	}
}

// ConnectToMaster switches this server to the replica role and starts the
// replication goroutine.
func (s *SlaveState) ConnectToMaster(ctx context.Context, host string, port int) {
	s.replState.SetRole(RoleSlave)
	s.replState.SetMasterAddr(host, port)

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		if err := s.run(ctx, host, port); err != nil && ctx.Err() == nil {
			log.Printf("replication: link to primary ended: %v", err)
		}
	}()
}

// Disconnect stops the replication connection and waits for the
// goroutine to exit.
func (s *SlaveState) Disconnect() {
	s.mu.Lock()
	cancel := s.cancel
	conn := s.conn
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if conn != nil {
		conn.Close()
	}
	<-s.done
}

// IsConnected reports whether the link to the primary is up.
func (s *SlaveState) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Stats returns how many commands were applied and how many were skipped.
func (s *SlaveState) Stats() (applied, unhandled uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied, s.unhandled
}

// run dials the primary, performs the handshake, then applies the stream
// until the connection fails or ctx is cancelled.
func (s *SlaveState) run(ctx context.Context, host string, port int) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	log.Printf("replication: connecting to primary at %s", addr)

	var d net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	cancel()
	if err != nil {
		return fmt.Errorf("dialing %s: %w", addr, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.reader = protocol.NewReader(conn)
	s.writer = protocol.NewWriter(conn)
	s.connected = true
	s.mu.Unlock()

	defer s.closeConn()

	// Unblock reads when the context goes away.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := s.handshake(); err != nil {
		return err
	}
	log.Printf("replication: synced with %s, replid=%s offset=%d", addr, s.replState.ReplID(), s.replState.Offset())

	return s.receiveStream()
}

// handshake runs PING, REPLCONF listening-port, REPLCONF capa psync2 and
// PSYNC ? -1, each of which must get exactly the expected reply, then
// consumes the snapshot payload.
func (s *SlaveState) handshake() error {
	steps := []struct {
		name  string
		cmd   []string
		reply string
	}{
		{"PING", []string{"PING"}, "+PONG"},
		{"REPLCONF listening-port", []string{"REPLCONF", "listening-port", strconv.Itoa(s.listenPort)}, "+OK"},
		{"REPLCONF capa", []string{"REPLCONF", "capa", "psync2"}, "+OK"},
	}

	for _, step := range steps {
		reply, err := s.roundTrip(step.cmd)
		if err != nil {
			return &HandshakeError{Step: step.name, Err: err}
		}
		if reply != step.reply {
			return &HandshakeError{Step: step.name, Reply: reply}
		}
	}

	reply, err := s.roundTrip([]string{"PSYNC", "?", "-1"})
	if err != nil {
		return &HandshakeError{Step: "PSYNC", Err: err}
	}
	// +FULLRESYNC <replid> <offset>
	fields := strings.Fields(reply)
	if len(fields) != 3 || fields[0] != "+FULLRESYNC" {
		return &HandshakeError{Step: "PSYNC", Reply: reply}
	}
	offset, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return &HandshakeError{Step: "PSYNC", Reply: reply}
	}

	snap, err := s.reader.ReadBulkPayload()
	if err != nil {
		return &HandshakeError{Step: "snapshot", Err: err}
	}
	// The payload is consumed but not loaded; the replica keeps the
	// dataset it booted with.
	log.Printf("replication: received snapshot (%d bytes), not loaded", len(snap))

	s.replState.SetReplID(fields[1])
	s.replState.SetOffset(offset)
	return nil
}

// roundTrip sends one command and reads a single reply line.
func (s *SlaveState) roundTrip(cmd []string) (string, error) {
	if err := s.sendCommand(cmd...); err != nil {
		return "", err
	}
	return s.reader.ReadLine()
}

// receiveStream applies commands from the primary one at a time. Every
// command, whatever it is, adds its encoded length to the offset once it
// has been processed.
func (s *SlaveState) receiveStream() error {
	for {
		parts, err := s.reader.ReadCommand()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errors.New("primary closed connection")
			}
			return fmt.Errorf("reading command: %w", err)
		}

		size := protocol.CommandSize(parts)
		if err := s.process(parts); err != nil {
			return err
		}
		s.replState.AddOffset(size)
	}
}

// process handles a single command from the primary. Only GETACK is
// answered; the reply carries the offset before the GETACK itself.
func (s *SlaveState) process(parts []string) error {
	if len(parts) == 0 {
		return nil
	}

	switch cmd := strings.ToUpper(parts[0]); {
	case cmd == "PING":
		return nil

	case cmd == "REPLCONF" && len(parts) >= 2 && strings.EqualFold(parts[1], "GETACK"):
		return s.sendCommand("REPLCONF", "ACK", strconv.FormatInt(s.replState.Offset(), 10))

	default:
		err := s.applier.Apply(parts)
		s.mu.Lock()
		if err != nil {
			s.unhandled++
		} else {
			s.applied++
		}
		s.mu.Unlock()
		if err != nil {
			log.Printf("replication: skipped %s from primary: %v", cmd, err)
		}
		return nil
	}
}

// sendCommand sends a RESP array command to the primary.
func (s *SlaveState) sendCommand(parts ...string) error {
	if err := s.writer.WriteCommand(parts...); err != nil {
		return err
	}
	return s.writer.Flush()
}

// closeConn closes the connection and marks the link down.
func (s *SlaveState) closeConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connected = false
}
