package app

import (
	"context"
	"log"
	"sort"
	"time"

	"proctor-service/internal/domain"
)

// AttemptStore abstracts how attempt records are persisted (in-memory, Redis).
// Implementations must make IncrementTabSwitches, UpdateAnswers, and
// CompleteAttempt no-ops against a completed attempt: the read of the
// completed flag and the mutation must be atomic per attempt id.
type AttemptStore interface {
	// StartAttempt returns the existing active attempt for (user, quiz) or
	// creates a new one; never two active attempts for the same pair.
	StartAttempt(ctx context.Context, userID, quizID string) (domain.Attempt, error)
	GetAttempt(ctx context.Context, id string) (domain.Attempt, error)
	// ActiveAttempts lists every non-completed attempt.
	ActiveAttempts(ctx context.Context) ([]domain.Attempt, error)
	UpdateAnswers(ctx context.Context, id string, answers map[string]int) (domain.Attempt, error)
	IncrementTabSwitches(ctx context.Context, id string) (domain.Attempt, error)
	// CompleteAttempt transitions completed false->true and sets the score and
	// end timestamp. The bool reports whether this call won the transition; a
	// losing call returns the frozen record unchanged.
	CompleteAttempt(ctx context.Context, id string, score int, endedAt time.Time) (domain.Attempt, bool, error)
}

// QuizRepository loads quiz content (from cache/backing store).
type QuizRepository interface {
	GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// ProctorService owns the attempt lifecycle: starting attempts, recording
// answers and tab switches, running deadline timers, and the terminal
// submission path that commits a score at most once per attempt.
type ProctorService struct {
	attempts AttemptStore
	quizzes  QuizRepository
	timers   *TimerManager
	now      func() time.Time

	onCompleted func(domain.Attempt, domain.CompletionReason)
}

// NewProctorService wires the service and its timer manager. timerTick is the
// granularity of deadline checks (coarse, UI-grade; expiry is still decided by
// absolute timestamps).
func NewProctorService(attempts AttemptStore, quizzes QuizRepository, timerTick time.Duration) *ProctorService {
	s := &ProctorService{
		attempts: attempts,
		quizzes:  quizzes,
		now:      time.Now,
	}
	s.timers = NewTimerManager(timerTick, s.expireAttempt)
	return s
}

// NewProctorServiceWithClock is test-only for deterministic timestamps.
func NewProctorServiceWithClock(attempts AttemptStore, quizzes QuizRepository, timerTick time.Duration, now func() time.Time) *ProctorService {
	s := NewProctorService(attempts, quizzes, timerTick)
	s.now = now
	s.timers.now = now
	return s
}

// SetCompletionListener registers a callback invoked once per attempt, by the
// finalize call that wins the completion race.
func (s *ProctorService) SetCompletionListener(fn func(domain.Attempt, domain.CompletionReason)) {
	s.onCompleted = fn
}

// StartAttempt returns the participant's active attempt for the quiz, creating
// one if needed, and arms its deadline timer.
func (s *ProctorService) StartAttempt(ctx context.Context, userID, quizID string) (domain.Attempt, domain.Quiz, error) {
	quiz, err := s.quizzes.GetQuiz(ctx, quizID)
	if err != nil {
		return domain.Attempt{}, domain.Quiz{}, err
	}
	attempt, err := s.attempts.StartAttempt(ctx, userID, quizID)
	if err != nil {
		return domain.Attempt{}, domain.Quiz{}, err
	}
	if !attempt.Completed {
		s.timers.Schedule(attempt.ID, attempt.StartedAt, quiz.TimeLimit())
	}
	return attempt, quiz, nil
}

// UpdateAnswers persists the participant's answer map; a no-op after completion.
func (s *ProctorService) UpdateAnswers(ctx context.Context, attemptID string, answers map[string]int) (domain.Attempt, error) {
	return s.attempts.UpdateAnswers(ctx, attemptID, answers)
}

// RecordTabSwitch increments the persisted counter; a no-op after completion.
func (s *ProctorService) RecordTabSwitch(ctx context.Context, attemptID string) (domain.Attempt, error) {
	return s.attempts.IncrementTabSwitches(ctx, attemptID)
}

// GetAttempt fetches the attempt record.
func (s *ProctorService) GetAttempt(ctx context.Context, attemptID string) (domain.Attempt, error) {
	return s.attempts.GetAttempt(ctx, attemptID)
}

// Finalize is the terminal submission path. All four triggers (manual submit,
// timer expiry, forced submit, abandonment) funnel here; the store's
// compare-and-swap on the completed flag arbitrates the race, so exactly one
// caller computes and commits the score.
func (s *ProctorService) Finalize(ctx context.Context, attemptID string, reason domain.CompletionReason) (domain.Attempt, bool, error) {
	attempt, err := s.attempts.GetAttempt(ctx, attemptID)
	if err != nil {
		return domain.Attempt{}, false, err
	}
	if attempt.Completed {
		s.timers.Cancel(attemptID)
		return attempt, false, nil
	}

	quiz, err := s.quizzes.GetQuiz(ctx, attempt.QuizID)
	if err != nil {
		return domain.Attempt{}, false, err
	}

	score := Score(attempt.Answers, quiz.Questions)
	final, won, err := s.attempts.CompleteAttempt(ctx, attemptID, score, s.now())
	if err != nil {
		return domain.Attempt{}, false, err
	}
	s.timers.Cancel(attemptID)
	if won && s.onCompleted != nil {
		s.onCompleted(final, reason)
	}
	return final, won, nil
}

// Snapshot computes the monitoring aggregate over all active attempts.
// isOnline comes from the presence registry; the snapshot is derived on
// demand and never stored.
func (s *ProctorService) Snapshot(ctx context.Context, isOnline func(userID string) bool) (domain.MonitoringSnapshot, error) {
	active, err := s.attempts.ActiveAttempts(ctx)
	if err != nil {
		return domain.MonitoringSnapshot{}, err
	}

	now := s.now()
	snapshot := domain.MonitoringSnapshot{
		GeneratedAt:  now,
		QuizCounts:   make(map[string]int),
		Participants: make([]domain.ParticipantStatus, 0, len(active)),
	}

	for _, attempt := range active {
		quiz, err := s.quizzes.GetQuiz(ctx, attempt.QuizID)
		if err != nil {
			log.Printf("snapshot: skipping attempt %s: %v", attempt.ID, err)
			continue
		}
		snapshot.QuizCounts[attempt.QuizID]++
		answered := len(attempt.Answers)
		total := len(quiz.Questions)
		snapshot.Participants = append(snapshot.Participants, domain.ParticipantStatus{
			UserID:           attempt.UserID,
			QuizID:           attempt.QuizID,
			AttemptID:        attempt.ID,
			AnsweredCount:    answered,
			TotalQuestions:   total,
			ProgressPercent:  ProgressPercent(answered, total),
			RemainingSeconds: int(attempt.Remaining(quiz.TimeLimit(), now).Seconds()),
			TabSwitches:      attempt.TabSwitches,
			Online:           isOnline(attempt.UserID),
		})
	}

	sort.Slice(snapshot.Participants, func(i, j int) bool {
		return snapshot.Participants[i].UserID < snapshot.Participants[j].UserID
	})
	return snapshot, nil
}

// Shutdown stops all deadline timers.
func (s *ProctorService) Shutdown() {
	s.timers.StopAll()
}

// expireAttempt is the timer callback; losing the race to a manual submit is
// expected and harmless.
func (s *ProctorService) expireAttempt(attemptID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, _, err := s.Finalize(ctx, attemptID, domain.ReasonTimeExpired); err != nil {
		log.Printf("auto-submit failed for attempt %s: %v", attemptID, err)
	}
}
