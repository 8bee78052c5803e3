package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aravinth/rkv/internal/persistence"
	"github.com/aravinth/rkv/internal/pool"
	"github.com/aravinth/rkv/internal/protocol"
	"github.com/aravinth/rkv/internal/replication"
	"github.com/aravinth/rkv/internal/store"
	"github.com/aravinth/rkv/internal/stream"
)

// Config holds the server configuration
type Config struct {
	Host string
	Port int
	// MaxConnections rejects clients beyond this many. Zero, the
	// default, admits every connection.
	MaxConnections int
	// IdleTimeout closes client connections that send nothing for this
	// long. Zero disables it.
	IdleTimeout time.Duration
	BufferSize  int
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Port:       6379,
		BufferSize: pool.DefaultBufSize,
	}
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Server listens for TCP connections and dispatches commands
type Server struct {
	config   Config
	listener net.Listener
	handler  *Handler
	bufPool  *pool.BufferPool

	// Connection tracking
	connMu   sync.Mutex
	conns    map[uint64]*Connection
	nextID   atomic.Uint64
	connWg   sync.WaitGroup
	shutdown atomic.Bool

	totalConns    atomic.Uint64
	protocolFails atomic.Uint64

	// Replication, nil when the role does not use it
	masterState *replication.MasterState
	slaveState  *replication.SlaveState
}

// New creates a server over the given store and stream registry. master is
// nil on a replica and slave is nil on a primary.
func New(cfg Config, st store.Store, streams *stream.Registry, pcfg persistence.Config, rs *replication.ReplState, master *replication.MasterState, slave *replication.SlaveState) *Server {
	return &Server{
		config:      cfg,
		handler:     NewHandler(st, streams, pcfg, rs, master, slave),
		bufPool:     pool.NewBufferPool(cfg.BufferSize),
		conns:       make(map[uint64]*Connection),
		masterState: master,
		slaveState:  slave,
	}
}

// Listen binds the listener without accepting yet.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.config.Addr())
	if err != nil {
		return fmt.Errorf("failed to bind to %s: %w", s.config.Addr(), err)
	}
	s.listener = ln
	log.Printf("rkv listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe binds if needed and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	return s.Serve(ctx)
}

// Serve runs the accept loop on the bound listener until ctx is
// cancelled, then shuts down.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.acceptLoop(ctx)
	}()

	select {
	case <-ctx.Done():
		log.Println("server: shutdown signal received, draining connections")
		return s.Shutdown()
	case err := <-errCh:
		return err
	}
}

// acceptLoop accepts new connections until the listener is closed
func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.shutdown.Load() || ctx.Err() != nil {
				return nil
			}
			// Temporary errors (e.g. too many open files) - back off briefly
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept error: %w", err)
		}

		s.connMu.Lock()
		if s.config.MaxConnections > 0 && len(s.conns) >= s.config.MaxConnections {
			s.connMu.Unlock()
			log.Printf("server: rejecting %s, max connections reached", conn.RemoteAddr())
			conn.Close()
			continue
		}
		s.connMu.Unlock()

		s.connWg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

// handleConnection manages a single client connection's lifecycle
func (s *Server) handleConnection(ctx context.Context, rawConn net.Conn) {
	defer s.connWg.Done()

	id := s.nextID.Add(1)
	s.totalConns.Add(1)

	br := s.bufPool.GetReader(rawConn)
	bw := s.bufPool.GetWriter(rawConn)
	conn := NewConnection(id, rawConn, br, bw)

	s.connMu.Lock()
	s.conns[id] = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		delete(s.conns, id)
		s.connMu.Unlock()

		if conn.Hijacked() {
			// The replication link owns the socket and keeps reading
			// through br, so neither is closed nor pooled.
			return
		}

		conn.Flush()
		s.bufPool.PutReader(br)
		s.bufPool.PutWriter(bw)
		conn.Close()
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		if s.config.IdleTimeout > 0 {
			conn.SetReadDeadline(s.config.IdleTimeout)
		}

		parts, err := conn.ReadCommand()
		if err != nil {
			if errors.Is(err, protocol.ErrProtocol) {
				s.protocolFails.Add(1)
				log.Printf("server: closing %s: %v", conn.Addr(), err)
			} else if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !s.shutdown.Load() {
				var ne net.Error
				if !errors.As(err, &ne) || !ne.Timeout() {
					log.Printf("server: read from %s failed: %v", conn.Addr(), err)
				}
			}
			return
		}

		resp := s.handler.Execute(parts, conn)

		// After PSYNC the socket belongs to the replication coordinator.
		if conn.Hijacked() {
			return
		}
		if !isNoReply(resp) {
			if err := conn.WriteResponse(resp); err != nil {
				return
			}
		}
		// Pipelined requests are answered in one write.
		if conn.reader.Buffered() > 0 {
			continue
		}
		if err := conn.Flush(); err != nil {
			return
		}
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	if !s.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	s.handler.Close()

	if s.slaveState != nil {
		s.slaveState.Disconnect()
	}
	if s.masterState != nil {
		s.masterState.Stop()
	}

	if s.listener != nil {
		s.listener.Close()
	}

	s.connMu.Lock()
	for _, conn := range s.conns {
		conn.Close()
	}
	s.connMu.Unlock()

	s.connWg.Wait()

	log.Println("server: shut down cleanly")
	return nil
}

// ActiveConnections returns the number of currently connected clients
func (s *Server) ActiveConnections() int {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return len(s.conns)
}

// TotalConnections returns the total number of connections accepted since startup
func (s *Server) TotalConnections() uint64 {
	return s.totalConns.Load()
}

// ProtocolErrors returns how many connections were closed for malformed input.
func (s *Server) ProtocolErrors() uint64 {
	return s.protocolFails.Load()
}

// BufferPoolStats reports connection buffer reuse.
func (s *Server) BufferPoolStats() pool.Stats {
	return s.bufPool.Stats()
}

// Handler returns the command handler so callers can inject metrics.
func (s *Server) Handler() *Handler {
	return s.handler
}
