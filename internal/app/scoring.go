package app

import (
	"math"

	"proctor-service/internal/domain"
)

// Score grades a submitted answer map against the quiz's question set and
// returns a rounded percentage. An empty question set scores 0.
func Score(answers map[string]int, questions []domain.Question) int {
	if len(questions) == 0 {
		return 0
	}
	correct := 0
	for _, q := range questions {
		if idx, ok := answers[q.ID]; ok && idx == q.Answer {
			correct++
		}
	}
	return int(math.Round(float64(correct) / float64(len(questions)) * 100))
}

// ProgressPercent returns how far along an attempt is, rounded down.
func ProgressPercent(answered, total int) int {
	if total <= 0 {
		return 0
	}
	return answered * 100 / total
}
