package hub

import (
	"context"
	"log"
	"time"

	"proctor-service/internal/app"
	"proctor-service/internal/domain"
)

// Hub fans monitoring data out to supervisors: a periodic aggregated snapshot
// plus immediate relay of point events (tab switches, progress updates). The
// periodic push is the authority for dashboard state; missed pushes are
// corrected by the next tick, so no delta consistency is attempted.
type Hub struct {
	registry *Registry
	service  *app.ProctorService
	interval time.Duration
	maxIdle  time.Duration
}

// NewHub wires the hub to the presence registry and the proctor service.
// interval is the snapshot cadence; maxIdle is the liveness cutoff for
// pruning dead presence entries.
func NewHub(registry *Registry, service *app.ProctorService, interval, maxIdle time.Duration) *Hub {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if maxIdle <= 0 {
		maxIdle = 90 * time.Second
	}
	h := &Hub{
		registry: registry,
		service:  service,
		interval: interval,
		maxIdle:  maxIdle,
	}
	service.SetCompletionListener(h.notifyCompleted)
	return h
}

// Registry exposes the presence registry owned by this hub.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Run drives the periodic aggregate broadcast until ctx is canceled.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if pruned := h.registry.PruneIdle(h.maxIdle); len(pruned) > 0 {
				log.Printf("pruned %d idle connections: %v", len(pruned), pruned)
			}
			h.BroadcastSnapshot(ctx)
		}
	}
}

// Register records the principal's presence. Registering a supervisor pushes
// a monitoring snapshot to that connection immediately so a dashboard opened
// mid-session does not wait for the next tick.
func (h *Hub) Register(ctx context.Context, userID string, role domain.Role, conn Sender) {
	h.registry.Register(userID, role, conn)
	if role != domain.RoleSupervisor {
		return
	}
	snapshot, err := h.service.Snapshot(ctx, h.registry.IsOnline)
	if err != nil {
		log.Printf("initial snapshot for supervisor %s failed: %v", userID, err)
		return
	}
	if !conn.Send(Envelope{Type: "monitoring_update", Payload: snapshot}) {
		h.registry.Unregister(conn)
	}
}

// BroadcastSnapshot computes the aggregate and pushes it to every supervisor.
func (h *Hub) BroadcastSnapshot(ctx context.Context) {
	snapshot, err := h.service.Snapshot(ctx, h.registry.IsOnline)
	if err != nil {
		log.Printf("monitoring snapshot failed: %v", err)
		return
	}
	h.NotifySupervisors("monitoring_update", snapshot)
}

// NotifySupervisors relays a point event to every supervisor immediately.
// Dead connections are pruned lazily on the failed send.
func (h *Hub) NotifySupervisors(msgType string, payload any) {
	for _, conn := range h.registry.Supervisors() {
		if !conn.Send(Envelope{Type: msgType, Payload: payload}) {
			h.registry.Unregister(conn)
		}
	}
}

// SendToUser delivers an envelope to one participant's connection.
func (h *Hub) SendToUser(userID string, msg Envelope) error {
	conn, _, ok := h.registry.Lookup(userID)
	if !ok {
		return domain.ErrUserNotConnected
	}
	if !conn.Send(msg) {
		h.registry.Unregister(conn)
		return domain.ErrUserNotConnected
	}
	return nil
}

// notifyCompleted pushes the final result to the owning participant (so a
// client that lost the race, or reconnected, converges) and to supervisors.
func (h *Hub) notifyCompleted(attempt domain.Attempt, reason domain.CompletionReason) {
	payload := struct {
		AttemptID string                  `json:"attemptId"`
		UserID    string                  `json:"userId"`
		QuizID    string                  `json:"quizId"`
		Score     *int                    `json:"score"`
		Reason    domain.CompletionReason `json:"reason"`
	}{attempt.ID, attempt.UserID, attempt.QuizID, attempt.Score, reason}

	if err := h.SendToUser(attempt.UserID, Envelope{Type: "attempt_completed", Payload: payload}); err != nil {
		log.Printf("completion push to %s skipped: %v", attempt.UserID, err)
	}
	h.NotifySupervisors("attempt_completed", payload)
}
