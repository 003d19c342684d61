package mirage

import (
	"sort"
	"sync"
	"time"

	"github.com/danmuck/edgectl/internal/observability"
	"github.com/danmuck/edgectl/internal/protocol/session"
	"github.com/google/uuid"
)

// ConnID identifies one live Ghost connection. A reconnect always yields a new ConnID.
type ConnID string

func (id ConnID) String() string {
	return string(id)
}

// Connection is one registered Ghost session.
type Connection struct {
	ID          ConnID
	Conn        session.Conn
	RemoteAddr  string
	ConnectedAt time.Time
}

type registryEntry struct {
	conn Connection
	seq  uint64
}

// Registry is the set of currently connected Ghost sessions.
type Registry struct {
	mu      sync.RWMutex
	entries map[ConnID]registryEntry
	seq     uint64
	now     func() time.Time
	newID   func() string
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[ConnID]registryEntry),
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Register adds conn under a freshly generated identity.
func (r *Registry) Register(conn session.Conn) ConnID {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := ConnID(r.newID())
	for {
		if _, taken := r.entries[id]; !taken {
			break
		}
		id = ConnID(r.newID())
	}
	r.seq++
	r.entries[id] = registryEntry{
		conn: Connection{
			ID:          id,
			Conn:        conn,
			RemoteAddr:  conn.RemoteAddr(),
			ConnectedAt: r.now(),
		},
		seq: r.seq,
	}
	observability.SetRegistryConnections(len(r.entries))
	return id
}

// Unregister drops id. It reports false when id was not registered, which
// happens when a dispatch sweep already removed a failed connection.
func (r *Registry) Unregister(id ConnID) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return Connection{}, false
	}
	delete(r.entries, id)
	observability.SetRegistryConnections(len(r.entries))
	return entry.conn, true
}

func (r *Registry) Get(id ConnID) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[id]
	return entry.conn, ok
}

// Snapshot returns a point-in-time copy in registration order.
func (r *Registry) Snapshot() []Connection {
	r.mu.RLock()
	entries := make([]registryEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, entry)
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].seq < entries[j].seq
	})
	out := make([]Connection, len(entries))
	for i, entry := range entries {
		out[i] = entry.conn
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// CloseAll unregisters and closes every connection. Used on shutdown.
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	conns := make([]Connection, 0, len(r.entries))
	for id, entry := range r.entries {
		conns = append(conns, entry.conn)
		delete(r.entries, id)
	}
	observability.SetRegistryConnections(0)
	r.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Conn.Close()
	}
	return len(conns)
}
