package replication

import (
	"sync"
	"sync/atomic"
)

// DefaultReplID is the replication ID every primary advertises. Replicas
// never attempt a partial resync, so the ID only needs to be stable.
const DefaultReplID = "8371b4fb1155b71f4a04d3e1bc3e18c4a990aeeb"

// Role represents whether this server is operating as a master or slave.
type Role int32

const (
	RoleMaster Role = iota
	RoleSlave
)

// String returns the role name as INFO reports it.
func (r Role) String() string {
	switch r {
	case RoleMaster:
		return "master"
	case RoleSlave:
		return "slave"
	default:
		return "unknown"
	}
}

// ReplState holds the replication identity shared by both roles.
type ReplState struct {
	// role uses atomic access for the hot path (Execute guard).
	role atomic.Int32

	// mu protects replID, masterHost and masterPort, which change only
	// during startup and the replica handshake.
	mu         sync.RWMutex
	replID     string
	masterHost string
	masterPort int

	// offset tracks the replication stream position.
	// Master: total bytes propagated. Slave: total bytes consumed.
	offset atomic.Int64
}

// NewReplState creates replication state for a primary.
func NewReplState() *ReplState {
	rs := &ReplState{
		replID: DefaultReplID,
	}
	rs.role.Store(int32(RoleMaster))
	return rs
}

// Role returns the current replication role.
func (rs *ReplState) Role() Role {
	return Role(rs.role.Load())
}

// SetRole atomically switches the replication role.
func (rs *ReplState) SetRole(r Role) {
	rs.role.Store(int32(r))
}

// IsReplica reports whether this server follows a primary.
func (rs *ReplState) IsReplica() bool {
	return rs.Role() == RoleSlave
}

// ReplID returns the current replication ID.
func (rs *ReplState) ReplID() string {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.replID
}

// SetReplID updates the replication ID (inherited from the primary).
func (rs *ReplState) SetReplID(id string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.replID = id
}

// Offset returns the current replication offset.
func (rs *ReplState) Offset() int64 {
	return rs.offset.Load()
}

// AddOffset atomically increments the offset by n bytes.
func (rs *ReplState) AddOffset(n int64) {
	rs.offset.Add(n)
}

// SetOffset sets the replication offset to a specific value.
func (rs *ReplState) SetOffset(n int64) {
	rs.offset.Store(n)
}

// MasterAddr returns the primary's host and port.
func (rs *ReplState) MasterAddr() (string, int) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.masterHost, rs.masterPort
}

// SetMasterAddr records the primary's address.
func (rs *ReplState) SetMasterAddr(host string, port int) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.masterHost = host
	rs.masterPort = port
}
