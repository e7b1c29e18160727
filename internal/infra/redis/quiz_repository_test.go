package redis

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"proctor-service/internal/domain"
	"proctor-service/internal/infra/memory"
)

func TestQuizRepositoryCachesInRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	loader := &countingLoader{
		QuizLoader: memory.NewStaticQuizLoader(map[string]domain.Quiz{
			"quiz-1": sampleQuiz(),
		}),
	}
	repo := NewQuizRepository(client, loader, time.Minute)

	quiz, err := repo.GetQuiz(context.Background(), "quiz-1")
	if err != nil {
		t.Fatalf("get quiz: %v", err)
	}
	if loader.calls != 1 {
		t.Fatalf("expected loader called once, got %d", loader.calls)
	}
	if quiz.TimeLimitMinutes != 30 || len(quiz.Questions) != 2 {
		t.Fatalf("unexpected quiz from loader: %+v", quiz)
	}

	// Second call hits the cache; the lightweight form keeps everything
	// grading and monitoring need.
	cached, err := repo.GetQuiz(context.Background(), "quiz-1")
	if err != nil {
		t.Fatalf("get quiz cached: %v", err)
	}
	if loader.calls != 1 {
		t.Fatalf("expected cache hit, loader calls=%d", loader.calls)
	}
	if cached.TimeLimitMinutes != 30 || len(cached.Questions) != 2 {
		t.Fatalf("cache lost quiz metadata: %+v", cached)
	}
	answers := map[string]int{}
	for _, q := range cached.Questions {
		answers[q.ID] = q.Answer
	}
	if answers["q1"] != 1 || answers["q2"] != 0 {
		t.Fatalf("cache lost correct indexes: %+v", answers)
	}
}

type countingLoader struct {
	memory.QuizLoader
	calls int
}

func (l *countingLoader) LoadQuiz(ctx context.Context, quizID string) (domain.Quiz, error) {
	l.calls++
	return l.QuizLoader.LoadQuiz(ctx, quizID)
}

func sampleQuiz() domain.Quiz {
	return domain.Quiz{
		ID:               "quiz-1",
		Title:            "Sample",
		TimeLimitMinutes: 30,
		Questions: []domain.Question{
			{ID: "q1", Prompt: "What is 2 + 2?", Options: []string{"3", "4"}, Answer: 1},
			{ID: "q2", Prompt: "Pick A", Options: []string{"A", "B"}, Answer: 0},
		},
	}
}
