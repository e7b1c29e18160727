package hub

import (
	"sync"
	"time"

	"proctor-service/internal/domain"
)

// Envelope is the outbound message shape pushed over a transport handle.
type Envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Sender is the transport handle stored in the registry. Send enqueues one
// envelope without blocking and reports false if the connection is gone.
type Sender interface {
	Send(msg Envelope) bool
}

// Entry is an ephemeral, process-local presence record; never persisted.
type Entry struct {
	UserID   string
	Role     domain.Role
	Conn     Sender
	LastSeen time.Time
}

// Registry maps connected principals to their transport handles. It is owned
// by the server with an explicit lifecycle, not shared module state.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	now     func() time.Time
}

// NewRegistry creates an empty presence registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
}

// NewRegistryWithClock is test-only for deterministic liveness timestamps.
func NewRegistryWithClock(now func() time.Time) *Registry {
	r := NewRegistry()
	r.now = now
	return r
}

// Register records a connection for the user, replacing any prior entry.
// Across reconnects only the most recent handle counts as connected.
func (r *Registry) Register(userID string, role domain.Role, conn Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[userID] = &Entry{
		UserID:   userID,
		Role:     role,
		Conn:     conn,
		LastSeen: r.now(),
	}
}

// Touch refreshes the last-activity timestamp without changing the handle.
// Unknown users are ignored; presence is best-effort.
func (r *Registry) Touch(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[userID]; ok {
		entry.LastSeen = r.now()
	}
}

// Unregister removes the entry holding this handle. Idempotent, and a no-op
// when the user already reconnected with a newer handle.
func (r *Registry) Unregister(conn Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for userID, entry := range r.entries {
		if entry.Conn == conn {
			delete(r.entries, userID)
			return
		}
	}
}

// IsOnline reports whether the user has a registered connection. Unknown
// users are simply offline, never an error.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[userID]
	return ok
}

// Lookup returns the user's handle and role.
func (r *Registry) Lookup(userID string) (Sender, domain.Role, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[userID]
	if !ok {
		return nil, "", false
	}
	return entry.Conn, entry.Role, true
}

// Supervisors returns the handles of every connected supervisor.
func (r *Registry) Supervisors() []Sender {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]Sender, 0)
	for _, entry := range r.entries {
		if entry.Role == domain.RoleSupervisor {
			conns = append(conns, entry.Conn)
		}
	}
	return conns
}

// PruneIdle drops entries with no activity within maxIdle and returns the
// affected user ids. Heartbeats keep live connections touched, so anything
// older than a bounded multiple of the heartbeat interval is dead.
func (r *Registry) PruneIdle(maxIdle time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-maxIdle)
	var pruned []string
	for userID, entry := range r.entries {
		if entry.LastSeen.Before(cutoff) {
			delete(r.entries, userID)
			pruned = append(pruned, userID)
		}
	}
	return pruned
}
