package redis

import (
	"context"
	"math/rand"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"proctor-service/internal/domain"
)

// QuizLoader fetches quiz content from a backing store (e.g., Postgres).
type QuizLoader interface {
	LoadQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// QuizRepository caches the grading-relevant view of a quiz in Redis and
// falls back to a loader on cache miss. Prompts and option text are not
// cached; scoring and monitoring only need the correct index per question
// and the quiz metadata.
//
//	HSET quiz:{quizID}:answers {questionID} {correctIndex}
//	HSET quiz:{quizID}:meta    title {title} timeLimitMinutes {minutes}
type QuizRepository struct {
	client *redis.Client
	loader QuizLoader
	ttl    time.Duration
	sf     singleflight.Group
	rnd    *rand.Rand
}

func NewQuizRepository(client *redis.Client, loader QuizLoader, ttl time.Duration) *QuizRepository {
	return &QuizRepository{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *QuizRepository) GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error) {
	answersKey := r.answersKey(quizID)
	metaKey := r.metaKey(quizID)

	answers, err := r.client.HGetAll(ctx, answersKey).Result()
	if err == nil && len(answers) > 0 {
		meta, _ := r.client.HGetAll(ctx, metaKey).Result()
		return buildQuizFromCache(quizID, answers, meta), nil
	}

	result, err, _ := r.sf.Do(quizID, func() (interface{}, error) {
		// Re-check cache in case another goroutine filled it.
		answers, err := r.client.HGetAll(ctx, answersKey).Result()
		if err == nil && len(answers) > 0 {
			meta, _ := r.client.HGetAll(ctx, metaKey).Result()
			return buildQuizFromCache(quizID, answers, meta), nil
		}

		quiz, err := r.loader.LoadQuiz(ctx, quizID)
		if err != nil {
			return domain.Quiz{}, err
		}

		ttl := r.ttlWithJitter()
		pipe := r.client.Pipeline()
		for _, q := range quiz.Questions {
			pipe.HSet(ctx, answersKey, q.ID, q.Answer)
		}
		pipe.HSet(ctx, metaKey, "title", quiz.Title, "timeLimitMinutes", quiz.TimeLimitMinutes)
		if ttl > 0 {
			pipe.Expire(ctx, answersKey, ttl)
			pipe.Expire(ctx, metaKey, ttl)
		}
		_, _ = pipe.Exec(ctx)

		return quiz, nil
	})
	if err != nil {
		return domain.Quiz{}, err
	}
	return result.(domain.Quiz), nil
}

func (r *QuizRepository) answersKey(quizID string) string {
	return "quiz:" + quizID + ":answers"
}

func (r *QuizRepository) metaKey(quizID string) string {
	return "quiz:" + quizID + ":meta"
}

func buildQuizFromCache(quizID string, answers map[string]string, meta map[string]string) domain.Quiz {
	questions := make([]domain.Question, 0, len(answers))
	for questionID, rawIndex := range answers {
		index, err := strconv.Atoi(rawIndex)
		if err != nil {
			continue
		}
		questions = append(questions, domain.Question{
			ID:     questionID,
			Answer: index,
		})
	}
	quiz := domain.Quiz{ID: quizID, Title: meta["title"], Questions: questions}
	if raw, ok := meta["timeLimitMinutes"]; ok {
		if minutes, err := strconv.Atoi(raw); err == nil {
			quiz.TimeLimitMinutes = minutes
		}
	}
	return quiz
}

func (r *QuizRepository) ttlWithJitter() time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	jitterMax := int64(r.ttl) / 10
	return r.ttl + time.Duration(r.rnd.Int63n(jitterMax+1))
}
