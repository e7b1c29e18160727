package http

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"proctor-service/internal/app"
	"proctor-service/internal/domain"
	"proctor-service/internal/hub"
	"proctor-service/internal/infra/memory"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store := memory.NewAttemptStore()
	quizzes := memory.NewQuizRepository(memory.NewStaticQuizLoader(sampleQuizzes()), time.Minute)
	service := app.NewProctorService(store, quizzes, time.Second)
	t.Cleanup(service.Shutdown)

	broadcast := hub.NewHub(hub.NewRegistry(), service, time.Minute, time.Minute)
	handler := NewWSHandler(service, broadcast, 30*time.Second, 3)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", handler.ServeWS)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	u := "ws" + server.URL[len("http"):] + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msgType string, payload map[string]any) {
	t.Helper()
	if err := conn.WriteJSON(map[string]any{"type": msgType, "payload": payload}); err != nil {
		t.Fatalf("write %s: %v", msgType, err)
	}
}

// readUntil reads messages until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, want string) map[string]any {
	t.Helper()
	for i := 0; i < 10; i++ {
		var msg struct {
			Type    string         `json:"type"`
			Payload map[string]any `json:"payload"`
		}
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read waiting for %s: %v", want, err)
		}
		if msg.Type == want {
			return msg.Payload
		}
	}
	t.Fatalf("never received %s", want)
	return nil
}

func authAs(t *testing.T, conn *websocket.Conn, userID string, role domain.Role) {
	t.Helper()
	send(t, conn, "auth", map[string]any{"userId": userID, "role": string(role)})
	readUntil(t, conn, "auth_ok")
}

func TestParticipantAttemptFlow(t *testing.T) {
	server := newTestServer(t)
	conn := dial(t, server)
	authAs(t, conn, "u1", domain.RoleParticipant)

	send(t, conn, "start_attempt", map[string]any{"quizId": "quiz-1"})
	started := readUntil(t, conn, "attempt_started")
	attempt, ok := started["attempt"].(map[string]any)
	if !ok {
		t.Fatalf("missing attempt in payload: %+v", started)
	}
	attemptID, _ := attempt["id"].(string)
	if attemptID == "" {
		t.Fatalf("empty attempt id")
	}
	if started["timeLimitSeconds"].(float64) != 1800 {
		t.Fatalf("expected 30 minute budget, got %v", started["timeLimitSeconds"])
	}
	if started["tabSwitchThreshold"].(float64) != 3 {
		t.Fatalf("expected threshold 3, got %v", started["tabSwitchThreshold"])
	}

	send(t, conn, "answer_update", map[string]any{
		"attemptId": attemptID,
		"answers":   map[string]any{"q1": 1, "q2": 2},
	})
	send(t, conn, "submit_attempt", map[string]any{"attemptId": attemptID})

	completed := readUntil(t, conn, "attempt_completed")
	if completed["attemptId"] != attemptID {
		t.Fatalf("completed wrong attempt: %+v", completed)
	}
	if completed["score"].(float64) != 100 {
		t.Fatalf("expected score 100, got %v", completed["score"])
	}

	// A second submit converges on the frozen result.
	send(t, conn, "submit_attempt", map[string]any{"attemptId": attemptID})
	again := readUntil(t, conn, "attempt_completed")
	if again["score"].(float64) != 100 {
		t.Fatalf("repeat submit changed the score: %v", again["score"])
	}
}

func TestTabSwitchRelayedToSupervisor(t *testing.T) {
	server := newTestServer(t)

	participant := dial(t, server)
	authAs(t, participant, "u1", domain.RoleParticipant)
	send(t, participant, "start_attempt", map[string]any{"quizId": "quiz-1"})
	started := readUntil(t, participant, "attempt_started")
	attemptID := started["attempt"].(map[string]any)["id"].(string)

	supervisor := dial(t, server)
	authAs(t, supervisor, "sup-1", domain.RoleSupervisor)

	send(t, participant, "tab_switch", map[string]any{"attemptId": attemptID})
	ack := readUntil(t, participant, "tab_switch_ack")
	if ack["tabSwitches"].(float64) != 1 {
		t.Fatalf("expected persisted count 1, got %v", ack["tabSwitches"])
	}

	relayed := readUntil(t, supervisor, "tab_switch")
	if relayed["userId"] != "u1" || relayed["tabSwitches"].(float64) != 1 {
		t.Fatalf("unexpected relay: %+v", relayed)
	}
}

func TestSupervisorSnapshotOnConnect(t *testing.T) {
	server := newTestServer(t)

	for _, userID := range []string{"u1", "u2"} {
		participant := dial(t, server)
		authAs(t, participant, userID, domain.RoleParticipant)
		send(t, participant, "start_attempt", map[string]any{"quizId": "quiz-1"})
		readUntil(t, participant, "attempt_started")
	}

	supervisor := dial(t, server)
	send(t, supervisor, "auth", map[string]any{"userId": "sup-1", "role": "supervisor"})
	snapshot := readUntil(t, supervisor, "monitoring_update")
	participants, ok := snapshot["participants"].([]any)
	if !ok || len(participants) != 2 {
		t.Fatalf("expected snapshot with 2 participants, got %+v", snapshot)
	}
}

func TestSupervisorCommandDelivery(t *testing.T) {
	server := newTestServer(t)

	participant := dial(t, server)
	authAs(t, participant, "u1", domain.RoleParticipant)

	supervisor := dial(t, server)
	authAs(t, supervisor, "sup-1", domain.RoleSupervisor)

	send(t, supervisor, "supervisor_command", map[string]any{
		"targetUserId": "u1",
		"command":      "warn",
		"message":      "stay on the quiz tab",
	})
	cmd := readUntil(t, participant, "supervisor_command")
	if cmd["command"] != "warn" || cmd["message"] != "stay on the quiz tab" {
		t.Fatalf("unexpected command payload: %+v", cmd)
	}

	// Addressing an offline user fails gracefully.
	send(t, supervisor, "supervisor_command", map[string]any{
		"targetUserId": "ghost",
		"command":      "warn",
	})
	errMsg := readUntil(t, supervisor, "error")
	if errMsg["message"] != domain.ErrUserNotConnected.Error() {
		t.Fatalf("unexpected error: %+v", errMsg)
	}
}

func TestRouterDropsBadMessagesWithoutClosing(t *testing.T) {
	server := newTestServer(t)
	conn := dial(t, server)
	authAs(t, conn, "u1", domain.RoleParticipant)

	// Unknown type and malformed JSON are both dropped silently.
	send(t, conn, "bogus_type", map[string]any{"x": 1})
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	// Connection still works afterwards.
	send(t, conn, "start_attempt", map[string]any{"quizId": "quiz-1"})
	readUntil(t, conn, "attempt_started")
}

func TestRoleEnforcement(t *testing.T) {
	server := newTestServer(t)
	conn := dial(t, server)

	// Before auth nothing but auth is accepted.
	send(t, conn, "start_attempt", map[string]any{"quizId": "quiz-1"})
	errMsg := readUntil(t, conn, "error")
	if errMsg["message"] != domain.ErrNotAuthenticated.Error() {
		t.Fatalf("expected auth error, got %+v", errMsg)
	}

	authAs(t, conn, "u1", domain.RoleParticipant)
	send(t, conn, "supervisor_command", map[string]any{"targetUserId": "u2", "command": "warn"})
	errMsg = readUntil(t, conn, "error")
	if errMsg["message"] != domain.ErrRoleForbidden.Error() {
		t.Fatalf("expected role error, got %+v", errMsg)
	}
}

func sampleQuizzes() map[string]domain.Quiz {
	return map[string]domain.Quiz{
		"quiz-1": {
			ID:               "quiz-1",
			Title:            "Sample assessment",
			TimeLimitMinutes: 30,
			Questions: []domain.Question{
				{ID: "q1", Prompt: "What is 2 + 2?", Options: []string{"3", "4", "5"}, Answer: 1},
				{ID: "q2", Prompt: "Capital of France?", Options: []string{"Lyon", "Marseille", "Paris"}, Answer: 2},
			},
		},
	}
}
