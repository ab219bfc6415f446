package domain

import "time"

// RunStats считается по выборке последних run тенанта, а не по всей истории.
type RunStats struct {
	Sampled      int              `json:"sampled"`
	ByState      map[RunState]int `json:"by_state"`
	AverageScore *float64         `json:"average_score,omitempty"` // nil — нет завершенных
	GradeCounts  map[string]int   `json:"grade_counts"`
}

// ScorePoint — точка графика балла цели.
type ScorePoint struct {
	RunID       string    `json:"run_id"`
	Score       int       `json:"score"`
	Grade       string    `json:"grade"`
	CompletedAt time.Time `json:"completed_at"`
}
