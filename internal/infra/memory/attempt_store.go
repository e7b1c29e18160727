package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"proctor-service/internal/domain"
)

// AttemptStore is an in-memory implementation of app.AttemptStore. A single
// mutex serializes every read-decide-write, which at tens to low hundreds of
// participants keeps the completion invariant trivially safe.
type AttemptStore struct {
	mu       sync.Mutex
	attempts map[string]*domain.Attempt
	active   map[string]string // "quizID|userID" -> attempt id
	clock    func() time.Time
	seq      int
}

// NewAttemptStore creates an empty store.
func NewAttemptStore() *AttemptStore {
	return &AttemptStore{
		attempts: make(map[string]*domain.Attempt),
		active:   make(map[string]string),
		clock:    time.Now,
	}
}

// NewAttemptStoreWithClock is test-only for deterministic start timestamps.
func NewAttemptStoreWithClock(now func() time.Time) *AttemptStore {
	s := NewAttemptStore()
	s.clock = now
	return s
}

// StartAttempt returns the active attempt for (user, quiz), creating one if
// none exists. Concurrent starts for the same pair converge on one record.
func (s *AttemptStore) StartAttempt(_ context.Context, userID, quizID string) (domain.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := quizID + "|" + userID
	if id, ok := s.active[key]; ok {
		if attempt, ok := s.attempts[id]; ok && !attempt.Completed {
			return clone(attempt), nil
		}
	}

	s.seq++
	attempt := &domain.Attempt{
		ID:        fmt.Sprintf("attempt-%s-%s-%d", quizID, userID, s.seq),
		UserID:    userID,
		QuizID:    quizID,
		StartedAt: s.clock(),
		Answers:   make(map[string]int),
	}
	s.attempts[attempt.ID] = attempt
	s.active[key] = attempt.ID
	return clone(attempt), nil
}

// GetAttempt fetches a copy of the attempt record.
func (s *AttemptStore) GetAttempt(_ context.Context, id string) (domain.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempt, ok := s.attempts[id]
	if !ok {
		return domain.Attempt{}, domain.ErrAttemptNotFound
	}
	return clone(attempt), nil
}

// ActiveAttempts lists every non-completed attempt.
func (s *AttemptStore) ActiveAttempts(_ context.Context) ([]domain.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Attempt, 0, len(s.active))
	for _, id := range s.active {
		if attempt, ok := s.attempts[id]; ok && !attempt.Completed {
			out = append(out, clone(attempt))
		}
	}
	return out, nil
}

// UpdateAnswers replaces the answer map; a no-op on a completed attempt.
func (s *AttemptStore) UpdateAnswers(_ context.Context, id string, answers map[string]int) (domain.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempt, ok := s.attempts[id]
	if !ok {
		return domain.Attempt{}, domain.ErrAttemptNotFound
	}
	if attempt.Completed {
		return clone(attempt), nil
	}
	attempt.Answers = make(map[string]int, len(answers))
	for q, idx := range answers {
		attempt.Answers[q] = idx
	}
	return clone(attempt), nil
}

// IncrementTabSwitches bumps the counter; a no-op on a completed attempt.
func (s *AttemptStore) IncrementTabSwitches(_ context.Context, id string) (domain.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempt, ok := s.attempts[id]
	if !ok {
		return domain.Attempt{}, domain.ErrAttemptNotFound
	}
	if attempt.Completed {
		return clone(attempt), nil
	}
	attempt.TabSwitches++
	return clone(attempt), nil
}

// CompleteAttempt transitions completed false->true under the store mutex.
// The bool reports whether this call performed the transition.
func (s *AttemptStore) CompleteAttempt(_ context.Context, id string, score int, endedAt time.Time) (domain.Attempt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempt, ok := s.attempts[id]
	if !ok {
		return domain.Attempt{}, false, domain.ErrAttemptNotFound
	}
	if attempt.Completed {
		return clone(attempt), false, nil
	}
	attempt.Completed = true
	attempt.Score = &score
	attempt.EndedAt = &endedAt
	delete(s.active, attempt.QuizID+"|"+attempt.UserID)
	return clone(attempt), true, nil
}

// clone copies the record so callers never alias store-owned maps.
func clone(a *domain.Attempt) domain.Attempt {
	out := *a
	out.Answers = make(map[string]int, len(a.Answers))
	for q, idx := range a.Answers {
		out.Answers[q] = idx
	}
	if a.Score != nil {
		score := *a.Score
		out.Score = &score
	}
	if a.EndedAt != nil {
		ended := *a.EndedAt
		out.EndedAt = &ended
	}
	return out
}
