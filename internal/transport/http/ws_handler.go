package http

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"proctor-service/internal/anticheat"
	"proctor-service/internal/app"
	"proctor-service/internal/domain"
	"proctor-service/internal/hub"
)

// WSHandler upgrades HTTP requests to websockets and routes inbound messages
// to the proctoring engine. Each connection must authenticate first; after
// that, messages are classified by their type tag and dispatched. A malformed
// or unknown message is logged and dropped without closing the connection.
type WSHandler struct {
	service   *app.ProctorService
	hub       *hub.Hub
	upgrader  websocket.Upgrader
	heartbeat time.Duration
	threshold int // tab-switch count forcing submission, sent to clients
}

// NewWSHandler builds the handler. heartbeat is the ping cadence; a peer that
// misses two heartbeats is considered gone and its read fails. threshold is
// the escalation policy handed to the client-side machine on attempt start.
func NewWSHandler(service *app.ProctorService, h *hub.Hub, heartbeat time.Duration, threshold int) *WSHandler {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	if threshold <= 0 {
		threshold = anticheat.DefaultConfig().Threshold
	}
	return &WSHandler{
		service:   service,
		hub:       h,
		heartbeat: heartbeat,
		threshold: threshold,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type authPayload struct {
	UserID string      `json:"userId"`
	Role   domain.Role `json:"role"`
}

type startAttemptPayload struct {
	QuizID string `json:"quizId"`
}

type attemptStartedPayload struct {
	Attempt            domain.Attempt `json:"attempt"`
	QuizTitle          string         `json:"quizTitle"`
	TimeLimitSeconds   int            `json:"timeLimitSeconds"`
	RemainingSeconds   int            `json:"remainingSeconds"`
	TabSwitchThreshold int            `json:"tabSwitchThreshold"`
}

type answerUpdatePayload struct {
	AttemptID string         `json:"attemptId"`
	Answers   map[string]int `json:"answers"`
}

type progressUpdatePayload struct {
	AttemptID     string `json:"attemptId"`
	AnsweredCount int    `json:"answeredCount"`
	TimeRemaining int    `json:"timeRemaining"`
}

type tabSwitchPayload struct {
	AttemptID string `json:"attemptId"`
}

type submitAttemptPayload struct {
	AttemptID string `json:"attemptId"`
}

type supervisorCommandPayload struct {
	TargetUserID string `json:"targetUserId"`
	Command      string `json:"command"`
	Message      string `json:"message"`
}

type completedPayload struct {
	AttemptID string                  `json:"attemptId"`
	UserID    string                  `json:"userId"`
	QuizID    string                  `json:"quizId"`
	Score     *int                    `json:"score"`
	Reason    domain.CompletionReason `json:"reason"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// wsConn adapts one websocket connection to hub.Sender: envelopes are
// enqueued to a writer goroutine so the hub never blocks on a slow peer.
type wsConn struct {
	send   chan hub.Envelope
	closed chan struct{}
	once   sync.Once
}

func newWSConn() *wsConn {
	return &wsConn{
		send:   make(chan hub.Envelope, 16),
		closed: make(chan struct{}),
	}
}

// Send enqueues an envelope without blocking. When the buffer is full the
// oldest pending envelope is dropped; the next periodic snapshot corrects
// whatever a supervisor missed.
func (c *wsConn) Send(msg hub.Envelope) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
	}
	select {
	case <-c.send:
	default:
	}
	select {
	case c.send <- msg:
		return true
	case <-c.closed:
		return false
	}
}

func (c *wsConn) close() {
	c.once.Do(func() { close(c.closed) })
}

// ServeWS runs one connection: a writer goroutine drains the send queue and
// emits heartbeats, the read loop authenticates and then routes messages.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	c := newWSConn()
	defer c.close()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ping := time.NewTicker(h.heartbeat)
		defer ping.Stop()
		for {
			select {
			case msg := <-c.send:
				if err := conn.WriteJSON(msg); err != nil {
					log.Printf("ws write error: %v", err)
					c.close()
					return
				}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					c.close()
					return
				}
			case <-c.closed:
				return
			}
		}
	}()

	var (
		userID string
		role   domain.Role
		authed bool
	)

	pongWait := 2 * h.heartbeat
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if authed {
			h.hub.Registry().Touch(userID)
		}
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var inbound inboundMessage
		if err := json.Unmarshal(raw, &inbound); err != nil {
			log.Printf("dropping malformed message from %s: %v", userID, err)
			continue
		}

		if authed {
			h.hub.Registry().Touch(userID)
		}

		switch inbound.Type {
		case "auth":
			var payload authPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil || payload.UserID == "" || !payload.Role.Valid() {
				c.Send(errEnvelope("invalid auth payload"))
				continue
			}
			userID, role, authed = payload.UserID, payload.Role, true
			h.hub.Register(r.Context(), userID, role, c)
			c.Send(hub.Envelope{Type: "auth_ok", Payload: authPayload{UserID: userID, Role: role}})

		case "start_attempt":
			if !h.requireRole(c, authed, role, domain.RoleParticipant) {
				continue
			}
			var payload startAttemptPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil || payload.QuizID == "" {
				c.Send(errEnvelope("invalid start_attempt payload"))
				continue
			}
			attempt, quiz, err := h.service.StartAttempt(r.Context(), userID, payload.QuizID)
			if err != nil {
				c.Send(errEnvelope(err.Error()))
				continue
			}
			c.Send(hub.Envelope{Type: "attempt_started", Payload: attemptStartedPayload{
				Attempt:            attempt,
				QuizTitle:          quiz.Title,
				TimeLimitSeconds:   int(quiz.TimeLimit().Seconds()),
				RemainingSeconds:   int(attempt.Remaining(quiz.TimeLimit(), time.Now()).Seconds()),
				TabSwitchThreshold: h.threshold,
			}})

		case "answer_update":
			if !h.requireRole(c, authed, role, domain.RoleParticipant) {
				continue
			}
			var payload answerUpdatePayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil || payload.AttemptID == "" {
				c.Send(errEnvelope("invalid answer_update payload"))
				continue
			}
			attempt, err := h.service.UpdateAnswers(r.Context(), payload.AttemptID, payload.Answers)
			if err != nil {
				c.Send(errEnvelope(err.Error()))
				continue
			}
			h.hub.NotifySupervisors("user_update", domain.ProgressReport{
				AttemptID:     attempt.ID,
				UserID:        userID,
				AnsweredCount: len(attempt.Answers),
			})

		case "progress_update":
			if !h.requireRole(c, authed, role, domain.RoleParticipant) {
				continue
			}
			var payload progressUpdatePayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil || payload.AttemptID == "" {
				c.Send(errEnvelope("invalid progress_update payload"))
				continue
			}
			h.hub.NotifySupervisors("user_update", domain.ProgressReport{
				AttemptID:     payload.AttemptID,
				UserID:        userID,
				AnsweredCount: payload.AnsweredCount,
				TimeRemaining: payload.TimeRemaining,
			})

		case "tab_switch":
			if !h.requireRole(c, authed, role, domain.RoleParticipant) {
				continue
			}
			var payload tabSwitchPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil || payload.AttemptID == "" {
				c.Send(errEnvelope("invalid tab_switch payload"))
				continue
			}
			attempt, err := h.service.RecordTabSwitch(r.Context(), payload.AttemptID)
			if err != nil {
				// The client-side escalation proceeds regardless; this only
				// tells it the persisted counter did not advance.
				c.Send(errEnvelope(err.Error()))
				continue
			}
			event := domain.TabSwitchEvent{
				AttemptID:   attempt.ID,
				UserID:      userID,
				TabSwitches: attempt.TabSwitches,
			}
			c.Send(hub.Envelope{Type: "tab_switch_ack", Payload: event})
			h.hub.NotifySupervisors("tab_switch", event)

		case "submit_attempt":
			if !h.requireRole(c, authed, role, domain.RoleParticipant) {
				continue
			}
			var payload submitAttemptPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil || payload.AttemptID == "" {
				c.Send(errEnvelope("invalid submit_attempt payload"))
				continue
			}
			attempt, won, err := h.service.Finalize(r.Context(), payload.AttemptID, domain.ReasonManualSubmit)
			if err != nil {
				c.Send(errEnvelope(err.Error()))
				continue
			}
			if !won {
				// Another trigger committed first; converge the client on the
				// frozen result. The winner's push went out via the hub.
				c.Send(hub.Envelope{Type: "attempt_completed", Payload: completedPayload{
					AttemptID: attempt.ID,
					UserID:    attempt.UserID,
					QuizID:    attempt.QuizID,
					Score:     attempt.Score,
					Reason:    domain.ReasonManualSubmit,
				}})
			}

		case "supervisor_command":
			if !h.requireRole(c, authed, role, domain.RoleSupervisor) {
				continue
			}
			var payload supervisorCommandPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil || payload.TargetUserID == "" {
				c.Send(errEnvelope("invalid supervisor_command payload"))
				continue
			}
			if err := h.hub.SendToUser(payload.TargetUserID, hub.Envelope{
				Type: "supervisor_command",
				Payload: supervisorCommandPayload{
					TargetUserID: payload.TargetUserID,
					Command:      payload.Command,
					Message:      payload.Message,
				},
			}); err != nil {
				c.Send(errEnvelope(err.Error()))
			}

		default:
			log.Printf("dropping unknown message type %q from %s", inbound.Type, userID)
		}
	}

	if authed {
		h.hub.Registry().Unregister(c)
	}
	c.close()
	<-writerDone
}

func (h *WSHandler) requireRole(c *wsConn, authed bool, got, want domain.Role) bool {
	if !authed {
		c.Send(errEnvelope(domain.ErrNotAuthenticated.Error()))
		return false
	}
	if got != want {
		c.Send(errEnvelope(domain.ErrRoleForbidden.Error()))
		return false
	}
	return true
}

func errEnvelope(msg string) hub.Envelope {
	return hub.Envelope{Type: "error", Payload: errorPayload{Message: msg}}
}
