package hub

import (
	"sync"
	"testing"
	"time"

	"proctor-service/internal/domain"
)

// fakeConn collects envelopes; ok=false simulates a dead transport.
type fakeConn struct {
	mu   sync.Mutex
	msgs []Envelope
	ok   bool
}

func newFakeConn() *fakeConn { return &fakeConn{ok: true} }

func (c *fakeConn) Send(msg Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ok {
		return false
	}
	c.msgs = append(c.msgs, msg)
	return true
}

func (c *fakeConn) messages() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Envelope, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()
	conn := newFakeConn()

	if r.IsOnline("u1") {
		t.Fatalf("unknown user must be offline")
	}

	r.Register("u1", domain.RoleParticipant, conn)
	if !r.IsOnline("u1") {
		t.Fatalf("expected u1 online")
	}

	r.Unregister(conn)
	if r.IsOnline("u1") {
		t.Fatalf("expected u1 offline after unregister")
	}
	r.Unregister(conn) // idempotent
}

func TestRegistryReconnectReplacesHandle(t *testing.T) {
	r := NewRegistry()
	old := newFakeConn()
	fresh := newFakeConn()

	r.Register("u1", domain.RoleParticipant, old)
	r.Register("u1", domain.RoleParticipant, fresh)

	// The stale connection's disconnect must not knock the new one offline.
	r.Unregister(old)
	if !r.IsOnline("u1") {
		t.Fatalf("reconnected user went offline when the old handle closed")
	}
	got, _, ok := r.Lookup("u1")
	if !ok || got != Sender(fresh) {
		t.Fatalf("lookup returned the stale handle")
	}
}

func TestRegistryPruneIdle(t *testing.T) {
	var mu sync.Mutex
	current := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)
	r := NewRegistryWithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	})

	r.Register("u1", domain.RoleParticipant, newFakeConn())
	r.Register("u2", domain.RoleParticipant, newFakeConn())

	mu.Lock()
	current = current.Add(time.Minute)
	mu.Unlock()
	r.Touch("u2")

	mu.Lock()
	current = current.Add(time.Minute)
	mu.Unlock()

	pruned := r.PruneIdle(90 * time.Second)
	if len(pruned) != 1 || pruned[0] != "u1" {
		t.Fatalf("expected only u1 pruned, got %v", pruned)
	}
	if !r.IsOnline("u2") {
		t.Fatalf("touched connection was pruned")
	}
}

func TestSupervisorsListing(t *testing.T) {
	r := NewRegistry()
	r.Register("p1", domain.RoleParticipant, newFakeConn())
	r.Register("s1", domain.RoleSupervisor, newFakeConn())
	r.Register("s2", domain.RoleSupervisor, newFakeConn())

	if got := len(r.Supervisors()); got != 2 {
		t.Fatalf("expected 2 supervisors, got %d", got)
	}
}
