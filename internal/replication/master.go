package replication

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aravinth/rkv/internal/protocol"
)

// DefaultPingInterval is how often a primary with connected replicas feeds
// a PING into the replication stream.
const DefaultPingInterval = 10 * time.Second

// ReplicaRegistry tracks the replica links of a primary and fans
// propagated bytes out to them.
type ReplicaRegistry interface {
	Register(link *ReplicaLink)
	Unregister(id uint64)
	// Broadcast appends data to the replication stream and wakes every link.
	Broadcast(data []byte)
	Count() int
}

// ReplicaLink is a connection that completed PSYNC and now only carries
// the replication stream out and REPLCONF ACK replies in.
type ReplicaLink struct {
	id     uint64
	conn   net.Conn
	writer *bufio.Writer
	reader *protocol.Reader
	addr   string

	// sent is the backlog offset up to which bytes have been written.
	// Only the link's stream goroutine touches it.
	sent int64

	// acked is the last offset the replica reported.
	acked atomic.Int64

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newReplicaLink(id uint64, conn net.Conn, reader *protocol.Reader, start int64) *ReplicaLink {
	l := &ReplicaLink{
		id:     id,
		conn:   conn,
		writer: bufio.NewWriterSize(conn, 64*1024),
		reader: reader,
		addr:   conn.RemoteAddr().String(),
		sent:   start,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	l.acked.Store(start)
	return l
}

// ID returns the link identifier used in the ack table.
func (l *ReplicaLink) ID() uint64 { return l.id }

// Addr returns the replica's remote address.
func (l *ReplicaLink) Addr() string { return l.addr }

// AckedOffset returns the last offset the replica acknowledged.
func (l *ReplicaLink) AckedOffset() int64 { return l.acked.Load() }

// wake does a non-blocking send; multiple feeds between reads coalesce.
func (l *ReplicaLink) wake() {
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (l *ReplicaLink) close() {
	l.closeOnce.Do(func() {
		close(l.done)
		l.conn.Close()
	})
}

// MasterState is the primary side of replication. Command fan-out is
// decoupled from the handler hot path: FeedCommand appends to the backlog
// and each link's goroutine independently copies new bytes to its socket.
type MasterState struct {
	replState *ReplState
	backlog   *Backlog
	acks      *AckTable
	snapshot  func() []byte

	mu     sync.Mutex
	links  map[uint64]*ReplicaLink
	nextID atomic.Uint64

	pingInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ ReplicaRegistry = (*MasterState)(nil)

// NewMasterState creates the primary side of replication. snapshot
// produces the bytes sent after +FULLRESYNC.
func NewMasterState(rs *ReplState, snapshot func() []byte, backlogSize int) *MasterState {
	ctx, cancel := context.WithCancel(context.Background())
	return &MasterState{
		replState:    rs,
		backlog:      NewBacklog(backlogSize),
		acks:         NewAckTable(),
		snapshot:     snapshot,
		links:        make(map[uint64]*ReplicaLink),
		pingInterval: DefaultPingInterval,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// SetPingInterval changes the heartbeat period. Zero disables it. Must be
// called before Start.
func (m *MasterState) SetPingInterval(d time.Duration) {
	m.pingInterval = d
}

// Start launches the heartbeat goroutine.
func (m *MasterState) Start() {
	if m.pingInterval <= 0 {
		return
	}
	m.wg.Add(1)
	go m.heartbeatLoop()
}

// Stop closes every link and waits for their goroutines.
func (m *MasterState) Stop() {
	m.cancel()

	m.mu.Lock()
	for id, link := range m.links {
		link.close()
		delete(m.links, id)
	}
	m.mu.Unlock()

	m.wg.Wait()
}

// FeedCommand appends an encoded command to the replication stream.
// It never blocks on replica I/O.
func (m *MasterState) FeedCommand(parts ...string) {
	m.Broadcast(protocol.Command(parts...))
}

// Broadcast implements ReplicaRegistry.
func (m *MasterState) Broadcast(data []byte) {
	m.backlog.Write(data)
	m.replState.AddOffset(int64(len(data)))

	m.mu.Lock()
	for _, link := range m.links {
		link.wake()
	}
	m.mu.Unlock()
}

// Register implements ReplicaRegistry.
func (m *MasterState) Register(link *ReplicaLink) {
	m.mu.Lock()
	m.links[link.id] = link
	m.mu.Unlock()
}

// Unregister implements ReplicaRegistry. It closes the link's socket.
func (m *MasterState) Unregister(id uint64) {
	m.mu.Lock()
	link, ok := m.links[id]
	delete(m.links, id)
	m.mu.Unlock()

	if ok {
		link.close()
		log.Printf("replication: removed replica %s", link.addr)
	}
}

// Count implements ReplicaRegistry.
func (m *MasterState) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.links)
}

// Links returns a snapshot of the registered links.
func (m *MasterState) Links() []*ReplicaLink {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ReplicaLink, 0, len(m.links))
	for _, l := range m.links {
		out = append(out, l)
	}
	return out
}

// ReplicaInfo returns one INFO line per connected replica.
func (m *MasterState) ReplicaInfo() []string {
	links := m.Links()
	info := make([]string, 0, len(links))
	for i, l := range links {
		info = append(info, fmt.Sprintf("slave%d:addr=%s,state=online,offset=%d", i, l.addr, l.AckedOffset()))
	}
	return info
}

// HandlePSYNC takes ownership of conn, which has just sent PSYNC. Every
// PSYNC is answered with a full resync: +FULLRESYNC <id> <offset> followed
// by the snapshot as $<len>\r\n<bytes> with no trailing CRLF. After that
// the link receives every command fed from that offset on. The caller must
// not use conn or reader again.
func (m *MasterState) HandlePSYNC(conn net.Conn, reader *protocol.Reader) {
	id := m.nextID.Add(1)

	// Registration and the start offset are fixed together so nothing fed
	// after the snapshot point can be missed.
	m.mu.Lock()
	start := m.backlog.CurrentOffset()
	link := newReplicaLink(id, conn, reader, start)
	m.links[id] = link
	m.mu.Unlock()

	log.Printf("replication: full resync for replica %s at offset %d", link.addr, start)

	m.wg.Add(2)
	go m.streamToReplica(link, start)
	go m.readAcks(link)
}

// sendFullResync writes the FULLRESYNC line and the snapshot payload.
func (m *MasterState) sendFullResync(link *ReplicaLink, start int64) error {
	snap := m.snapshot()
	header := fmt.Sprintf("+FULLRESYNC %s %d\r\n$%d\r\n", m.replState.ReplID(), start, len(snap))
	if _, err := link.writer.WriteString(header); err != nil {
		return err
	}
	if _, err := link.writer.Write(snap); err != nil {
		return err
	}
	return link.writer.Flush()
}

// streamToReplica sends the resync payload, then copies new backlog bytes
// to the replica whenever it is woken. Writes are strictly sequential, so
// the replica applies commands in the order they were fed.
func (m *MasterState) streamToReplica(link *ReplicaLink, start int64) {
	defer m.wg.Done()

	if err := m.sendFullResync(link, start); err != nil {
		log.Printf("replication: failed to send snapshot to %s: %v", link.addr, err)
		m.Unregister(link.id)
		return
	}

	// Pick up anything fed while the snapshot was being written.
	link.wake()

	for {
		select {
		case <-link.notify:
		case <-link.done:
			return
		case <-m.ctx.Done():
			return
		}

		data, err := m.backlog.Slice(link.sent)
		if err != nil {
			log.Printf("replication: replica %s fell behind, disconnecting: %v", link.addr, err)
			m.Unregister(link.id)
			return
		}
		if len(data) == 0 {
			continue
		}

		if _, err := link.writer.Write(data); err == nil {
			err = link.writer.Flush()
		}
		if err != nil {
			log.Printf("replication: write to replica %s failed: %v", link.addr, err)
			m.Unregister(link.id)
			return
		}
		link.sent += int64(len(data))
	}
}

// readAcks consumes what the replica sends back, which is only
// REPLCONF ACK <offset>. A read error means the replica is gone.
func (m *MasterState) readAcks(link *ReplicaLink) {
	defer m.wg.Done()

	for {
		val, err := link.reader.ReadValue()
		if err != nil {
			select {
			case <-link.done:
			default:
				if !errors.Is(err, net.ErrClosed) {
					log.Printf("replication: replica %s disconnected: %v", link.addr, err)
				}
				m.Unregister(link.id)
			}
			return
		}

		parts, ok := val.Strings()
		if !ok || len(parts) != 3 || !strings.EqualFold(parts[0], "REPLCONF") || !strings.EqualFold(parts[1], "ACK") {
			continue
		}
		offset, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			log.Printf("replication: bad ACK offset %q from %s", parts[2], link.addr)
			continue
		}
		m.HandleAck(link.id, offset)
	}
}

// HandleAck records an acknowledgment from a link.
func (m *MasterState) HandleAck(linkID uint64, offset int64) {
	m.mu.Lock()
	link, ok := m.links[linkID]
	m.mu.Unlock()
	if ok {
		link.acked.Store(offset)
	}
	m.acks.Ack(linkID, offset)
}

// Wait implements WAIT: it blocks until numReplicas links have acknowledged
// every byte propagated before the call, or the timeout elapses, and
// returns how many did. A zero timeout waits without limit.
func (m *MasterState) Wait(ctx context.Context, numReplicas int, timeout time.Duration) int {
	if numReplicas <= 0 {
		return 0
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	checkpoint := m.backlog.CurrentOffset()

	var caughtUp []uint64
	for _, l := range m.Links() {
		if l.AckedOffset() >= checkpoint {
			caughtUp = append(caughtUp, l.id)
		}
	}

	m.acks.Open(checkpoint, caughtUp)
	defer m.acks.Release(checkpoint)

	if len(caughtUp) >= numReplicas {
		return len(caughtUp)
	}

	// The GETACK itself goes through the stream and advances the offset,
	// but the replica answers with the offset from before it.
	m.FeedCommand("REPLCONF", "GETACK", "*")

	return m.acks.WaitFor(ctx, checkpoint, numReplicas, deadline)
}

// heartbeatLoop feeds PING into the stream while replicas are connected.
func (m *MasterState) heartbeatLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if m.Count() > 0 {
				m.FeedCommand("PING")
			}
		case <-m.ctx.Done():
			return
		}
	}
}

// Backlog exposes the replication backlog (used by metrics and tests).
func (m *MasterState) Backlog() *Backlog {
	return m.backlog
}
