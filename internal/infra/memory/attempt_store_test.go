package memory

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestStartAttemptReusesActive(t *testing.T) {
	ctx := context.Background()
	store := NewAttemptStore()

	first, err := store.StartAttempt(ctx, "u1", "quiz-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	second, err := store.StartAttempt(ctx, "u1", "quiz-1")
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same active attempt, got %s and %s", first.ID, second.ID)
	}

	// A different quiz or user gets its own attempt.
	other, _ := store.StartAttempt(ctx, "u2", "quiz-1")
	if other.ID == first.ID {
		t.Fatalf("attempts must be per (user, quiz) pair")
	}
}

func TestStartAfterCompletionCreatesNewAttempt(t *testing.T) {
	ctx := context.Background()
	store := NewAttemptStore()

	first, _ := store.StartAttempt(ctx, "u1", "quiz-1")
	if _, _, err := store.CompleteAttempt(ctx, first.ID, 80, time.Now()); err != nil {
		t.Fatalf("complete: %v", err)
	}
	second, _ := store.StartAttempt(ctx, "u1", "quiz-1")
	if second.ID == first.ID {
		t.Fatalf("completed attempt must not be reused")
	}
}

func TestCompletedAttemptIsFrozen(t *testing.T) {
	ctx := context.Background()
	store := NewAttemptStore()

	attempt, _ := store.StartAttempt(ctx, "u1", "quiz-1")
	if _, err := store.IncrementTabSwitches(ctx, attempt.ID); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if _, err := store.UpdateAnswers(ctx, attempt.ID, map[string]int{"q1": 2}); err != nil {
		t.Fatalf("answers: %v", err)
	}

	done, won, err := store.CompleteAttempt(ctx, attempt.ID, 40, time.Now())
	if err != nil || !won {
		t.Fatalf("complete: won=%v err=%v", won, err)
	}
	if *done.Score != 40 || !done.Completed || done.EndedAt == nil {
		t.Fatalf("unexpected completed record: %+v", done)
	}

	frozen, err := store.IncrementTabSwitches(ctx, attempt.ID)
	if err != nil {
		t.Fatalf("increment after completion: %v", err)
	}
	if frozen.TabSwitches != 1 {
		t.Fatalf("tab switches changed after completion: %d", frozen.TabSwitches)
	}
	frozen, err = store.UpdateAnswers(ctx, attempt.ID, map[string]int{"q1": 0, "q2": 0})
	if err != nil {
		t.Fatalf("answers after completion: %v", err)
	}
	if len(frozen.Answers) != 1 || frozen.Answers["q1"] != 2 {
		t.Fatalf("answers changed after completion: %+v", frozen.Answers)
	}
	again, won, err := store.CompleteAttempt(ctx, attempt.ID, 99, time.Now())
	if err != nil {
		t.Fatalf("second complete: %v", err)
	}
	if won || *again.Score != 40 {
		t.Fatalf("second complete mutated the record: won=%v score=%d", won, *again.Score)
	}
}

func TestConcurrentCompleteSingleWinner(t *testing.T) {
	ctx := context.Background()
	store := NewAttemptStore()
	attempt, _ := store.StartAttempt(ctx, "u1", "quiz-1")

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(score int) {
			defer wg.Done()
			_, won, err := store.CompleteAttempt(ctx, attempt.ID, score, time.Now())
			if err != nil {
				t.Errorf("complete: %v", err)
				return
			}
			if won {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected one winner, got %d", wins)
	}
}

func TestActiveAttemptsExcludesCompleted(t *testing.T) {
	ctx := context.Background()
	store := NewAttemptStore()

	a1, _ := store.StartAttempt(ctx, "u1", "quiz-1")
	if _, err := store.StartAttempt(ctx, "u2", "quiz-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, _, err := store.CompleteAttempt(ctx, a1.ID, 10, time.Now()); err != nil {
		t.Fatalf("complete: %v", err)
	}

	active, err := store.ActiveAttempts(ctx)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 1 || active[0].UserID != "u2" {
		t.Fatalf("expected only u2 active, got %+v", active)
	}
}

func TestReturnedAttemptsDoNotAliasStore(t *testing.T) {
	ctx := context.Background()
	store := NewAttemptStore()

	attempt, _ := store.StartAttempt(ctx, "u1", "quiz-1")
	got, _ := store.UpdateAnswers(ctx, attempt.ID, map[string]int{"q1": 1})
	got.Answers["q1"] = 99

	reread, _ := store.GetAttempt(ctx, attempt.ID)
	if reread.Answers["q1"] != 1 {
		t.Fatalf("caller mutation leaked into the store: %+v", reread.Answers)
	}
}
