package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"proctor-service/internal/domain"
)

// AttemptStore is a Redis implementation of app.AttemptStore. Each attempt is
// a hash; the mutating operations run as Lua scripts so the "read completed
// flag, decide, write" sequence is atomic server-side. The completion
// transition is therefore a compare-and-swap at the storage layer, which is
// what arbitrates the race between the four terminal-submission triggers.
//
// Keys:
//
//	attempt:{id}                     hash with the attempt fields
//	attempt:active:{quizID}:{userID} string, id of the active attempt
//	attempts:active                  set of active attempt ids
type AttemptStore struct {
	client *redis.Client
	clock  func() time.Time
}

// startScript returns the existing active attempt id for the pair, or claims
// the pair key and seeds the new attempt hash in one atomic step.
var startScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then return existing end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[3],
  'userId', ARGV[2], 'quizId', ARGV[3], 'startedAt', ARGV[4],
  'answers', '{}', 'tabSwitches', '0', 'completed', '0')
redis.call('SADD', KEYS[2], ARGV[1])
return ARGV[1]
`)

// incrScript bumps the tab-switch counter unless the attempt is frozen.
// Returns -1 when the attempt is unknown, 0 when completed (no-op).
var incrScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
if redis.call('HGET', KEYS[1], 'completed') == '1' then return 0 end
redis.call('HINCRBY', KEYS[1], 'tabSwitches', 1)
return 1
`)

// answersScript replaces the answer map unless the attempt is frozen.
var answersScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
if redis.call('HGET', KEYS[1], 'completed') == '1' then return 0 end
redis.call('HSET', KEYS[1], 'answers', ARGV[1])
return 1
`)

// completeScript is the one-way completion CAS. Exactly one caller observes
// completed == '0' and commits; everyone else gets 0 back.
var completeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
if redis.call('HGET', KEYS[1], 'completed') == '1' then return 0 end
redis.call('HSET', KEYS[1], 'completed', '1', 'score', ARGV[1], 'endedAt', ARGV[2])
redis.call('DEL', KEYS[2])
redis.call('SREM', KEYS[3], ARGV[3])
return 1
`)

// NewAttemptStore creates a store on the given client.
func NewAttemptStore(client *redis.Client) *AttemptStore {
	return &AttemptStore{client: client, clock: time.Now}
}

// NewAttemptStoreWithClock is test-only for deterministic start timestamps.
func NewAttemptStoreWithClock(client *redis.Client, now func() time.Time) *AttemptStore {
	s := NewAttemptStore(client)
	s.clock = now
	return s
}

func (s *AttemptStore) StartAttempt(ctx context.Context, userID, quizID string) (domain.Attempt, error) {
	now := s.clock()
	id := fmt.Sprintf("attempt-%s-%s-%d", quizID, userID, now.UnixNano())
	keys := []string{pairKey(quizID, userID), activeSetKey, attemptKey(id)}
	winner, err := startScript.Run(ctx, s.client, keys,
		id, userID, quizID, strconv.FormatInt(now.UnixNano(), 10)).Text()
	if err != nil {
		return domain.Attempt{}, fmt.Errorf("start attempt: %w", err)
	}
	return s.GetAttempt(ctx, winner)
}

func (s *AttemptStore) GetAttempt(ctx context.Context, id string) (domain.Attempt, error) {
	fields, err := s.client.HGetAll(ctx, attemptKey(id)).Result()
	if err != nil {
		return domain.Attempt{}, fmt.Errorf("get attempt: %w", err)
	}
	if len(fields) == 0 {
		return domain.Attempt{}, domain.ErrAttemptNotFound
	}
	return attemptFromHash(id, fields)
}

func (s *AttemptStore) ActiveAttempts(ctx context.Context) ([]domain.Attempt, error) {
	ids, err := s.client.SMembers(ctx, activeSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list active attempts: %w", err)
	}
	out := make([]domain.Attempt, 0, len(ids))
	for _, id := range ids {
		attempt, err := s.GetAttempt(ctx, id)
		if err == domain.ErrAttemptNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !attempt.Completed {
			out = append(out, attempt)
		}
	}
	return out, nil
}

func (s *AttemptStore) UpdateAnswers(ctx context.Context, id string, answers map[string]int) (domain.Attempt, error) {
	raw, err := json.Marshal(answers)
	if err != nil {
		return domain.Attempt{}, fmt.Errorf("marshal answers: %w", err)
	}
	res, err := answersScript.Run(ctx, s.client, []string{attemptKey(id)}, string(raw)).Int()
	if err != nil {
		return domain.Attempt{}, fmt.Errorf("update answers: %w", err)
	}
	if res == -1 {
		return domain.Attempt{}, domain.ErrAttemptNotFound
	}
	return s.GetAttempt(ctx, id)
}

func (s *AttemptStore) IncrementTabSwitches(ctx context.Context, id string) (domain.Attempt, error) {
	res, err := incrScript.Run(ctx, s.client, []string{attemptKey(id)}).Int()
	if err != nil {
		return domain.Attempt{}, fmt.Errorf("increment tab switches: %w", err)
	}
	if res == -1 {
		return domain.Attempt{}, domain.ErrAttemptNotFound
	}
	return s.GetAttempt(ctx, id)
}

func (s *AttemptStore) CompleteAttempt(ctx context.Context, id string, score int, endedAt time.Time) (domain.Attempt, bool, error) {
	attempt, err := s.GetAttempt(ctx, id)
	if err != nil {
		return domain.Attempt{}, false, err
	}
	keys := []string{attemptKey(id), pairKey(attempt.QuizID, attempt.UserID), activeSetKey}
	res, err := completeScript.Run(ctx, s.client, keys,
		strconv.Itoa(score), strconv.FormatInt(endedAt.UnixNano(), 10), id).Int()
	if err != nil {
		return domain.Attempt{}, false, fmt.Errorf("complete attempt: %w", err)
	}
	if res == -1 {
		return domain.Attempt{}, false, domain.ErrAttemptNotFound
	}
	final, err := s.GetAttempt(ctx, id)
	if err != nil {
		return domain.Attempt{}, false, err
	}
	return final, res == 1, nil
}

const activeSetKey = "attempts:active"

func attemptKey(id string) string {
	return "attempt:" + id
}

func pairKey(quizID, userID string) string {
	return "attempt:active:" + quizID + ":" + userID
}

func attemptFromHash(id string, fields map[string]string) (domain.Attempt, error) {
	attempt := domain.Attempt{
		ID:     id,
		UserID: fields["userId"],
		QuizID: fields["quizId"],
	}
	if raw := fields["startedAt"]; raw != "" {
		nanos, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return domain.Attempt{}, fmt.Errorf("parse startedAt: %w", err)
		}
		attempt.StartedAt = time.Unix(0, nanos)
	}
	if raw := fields["endedAt"]; raw != "" {
		nanos, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return domain.Attempt{}, fmt.Errorf("parse endedAt: %w", err)
		}
		ended := time.Unix(0, nanos)
		attempt.EndedAt = &ended
	}
	attempt.Answers = make(map[string]int)
	if raw := fields["answers"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &attempt.Answers); err != nil {
			return domain.Attempt{}, fmt.Errorf("unmarshal answers: %w", err)
		}
	}
	if raw := fields["tabSwitches"]; raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return domain.Attempt{}, fmt.Errorf("parse tabSwitches: %w", err)
		}
		attempt.TabSwitches = n
	}
	attempt.Completed = fields["completed"] == "1"
	if raw, ok := fields["score"]; ok && raw != "" {
		score, err := strconv.Atoi(raw)
		if err != nil {
			return domain.Attempt{}, fmt.Errorf("parse score: %w", err)
		}
		attempt.Score = &score
	}
	return attempt, nil
}
