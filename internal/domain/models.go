package domain

import "time"

// Role identifies what a connected principal is allowed to do.
type Role string

const (
	RoleParticipant Role = "participant"
	RoleSupervisor  Role = "supervisor"
)

// Valid reports whether the role is one the engine knows about.
func (r Role) Valid() bool {
	return r == RoleParticipant || r == RoleSupervisor
}

// Question models an MCQ question with exactly one correct option index.
type Question struct {
	ID      string   `json:"id"`
	Prompt  string   `json:"prompt"`
	Options []string `json:"options"`
	Answer  int      `json:"answer"` // index into Options
}

// Quiz is a collection of questions with a hard per-attempt time budget.
type Quiz struct {
	ID               string     `json:"id"`
	Title            string     `json:"title"`
	TimeLimitMinutes int        `json:"timeLimitMinutes"`
	Questions        []Question `json:"questions"`
}

// TimeLimit returns the attempt budget as a duration.
func (q Quiz) TimeLimit() time.Duration {
	return time.Duration(q.TimeLimitMinutes) * time.Minute
}

// Attempt is one user's run of one quiz. Once Completed flips to true the
// record is frozen: answers, tab switches, and score never change again.
type Attempt struct {
	ID          string         `json:"id"`
	UserID      string         `json:"userId"`
	QuizID      string         `json:"quizId"`
	StartedAt   time.Time      `json:"startedAt"`
	EndedAt     *time.Time     `json:"endedAt,omitempty"`
	Answers     map[string]int `json:"answers"` // question id -> selected option index
	TabSwitches int            `json:"tabSwitches"`
	Completed   bool           `json:"completed"`
	Score       *int           `json:"score,omitempty"` // percentage, set exactly once
}

// Remaining computes the time left on the attempt from the authoritative
// start timestamp, never from a decremented counter.
func (a Attempt) Remaining(limit time.Duration, now time.Time) time.Duration {
	deadline := a.StartedAt.Add(limit)
	if !now.Before(deadline) {
		return 0
	}
	return deadline.Sub(now)
}

// ParticipantStatus is the per-participant row of a monitoring snapshot.
type ParticipantStatus struct {
	UserID           string `json:"userId"`
	QuizID           string `json:"quizId"`
	AttemptID        string `json:"attemptId"`
	AnsweredCount    int    `json:"answeredCount"`
	TotalQuestions   int    `json:"totalQuestions"`
	ProgressPercent  int    `json:"progressPercent"`
	RemainingSeconds int    `json:"remainingSeconds"`
	TabSwitches      int    `json:"tabSwitches"`
	Online           bool   `json:"online"`
}

// MonitoringSnapshot is a derived aggregate over all active attempts,
// computed on demand for supervisor dashboards and never persisted.
type MonitoringSnapshot struct {
	GeneratedAt  time.Time           `json:"generatedAt"`
	QuizCounts   map[string]int      `json:"quizCounts"` // quiz id -> active participant count
	Participants []ParticipantStatus `json:"participants"`
}

// ProgressReport is the scoring-neutral progress signal participants send.
type ProgressReport struct {
	AttemptID     string `json:"attemptId"`
	UserID        string `json:"userId"`
	AnsweredCount int    `json:"answeredCount"`
	TimeRemaining int    `json:"timeRemaining"`
}

// TabSwitchEvent notifies supervisors that a participant left the tab.
type TabSwitchEvent struct {
	AttemptID   string `json:"attemptId"`
	UserID      string `json:"userId"`
	TabSwitches int    `json:"tabSwitches"`
}

// CompletionReason records which trigger won the race to finalize.
type CompletionReason string

const (
	ReasonManualSubmit CompletionReason = "manual_submit"
	ReasonTimeExpired  CompletionReason = "time_expired"
	ReasonForceSubmit  CompletionReason = "force_submit"
	ReasonAbandoned    CompletionReason = "abandoned"
)
