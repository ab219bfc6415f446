package domain

import (
	"fmt"
	"time"
)

// Level — шкала low/medium/high(/critical) для impact, effort и urgency.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// ImpactScore: low 1, medium 3, high 5.
func ImpactScore(l Level) (float64, error) {
	switch l {
	case LevelLow:
		return 1, nil
	case LevelMedium:
		return 3, nil
	case LevelHigh:
		return 5, nil
	}
	return 0, fmt.Errorf("invalid impact level %q", l)
}

// EffortScore: low 1, medium 3, high 5.
func EffortScore(l Level) (float64, error) {
	switch l {
	case LevelLow:
		return 1, nil
	case LevelMedium:
		return 3, nil
	case LevelHigh:
		return 5, nil
	}
	return 0, fmt.Errorf("invalid effort level %q", l)
}

// UrgencyScore: low 1, medium 2, high 4, critical 5.
func UrgencyScore(l Level) (float64, error) {
	switch l {
	case LevelLow:
		return 1, nil
	case LevelMedium:
		return 2, nil
	case LevelHigh:
		return 4, nil
	case LevelCritical:
		return 5, nil
	}
	return 0, fmt.Errorf("invalid urgency level %q", l)
}

// ImplementationOrder — корзина порядка внедрения, используется как tie-breaker.
type ImplementationOrder string

const (
	OrderQuickWin         ImplementationOrder = "quick_win"
	OrderCriticalPriority ImplementationOrder = "critical_priority"
	OrderMajorImprovement ImplementationOrder = "major_improvement"
	OrderFillIn           ImplementationOrder = "fill_in"
)

// Rank — чем меньше, тем раньше в списке при равном priority score.
func (o ImplementationOrder) Rank() int {
	switch o {
	case OrderQuickWin:
		return 0
	case OrderCriticalPriority:
		return 1
	case OrderMajorImprovement:
		return 2
	}
	return 3
}

type Category string

const (
	CategoryPerformance   Category = "performance"
	CategorySEO           Category = "seo"
	CategorySecurity      Category = "security"
	CategoryAccessibility Category = "accessibility"
	CategoryBestPractices Category = "best_practices"
)

type RecommendationStatus string

const (
	RecommendationPending    RecommendationStatus = "pending"
	RecommendationInProgress RecommendationStatus = "in_progress"
	RecommendationCompleted  RecommendationStatus = "completed"
	RecommendationDismissed  RecommendationStatus = "dismissed"
)

// CanTransitionTo: pending -> in_progress -> completed, любой незавершенный -> dismissed.
func (s RecommendationStatus) CanTransitionTo(next RecommendationStatus) error {
	switch {
	case s == RecommendationPending && next == RecommendationInProgress,
		s == RecommendationInProgress && next == RecommendationCompleted,
		s == RecommendationPending && next == RecommendationCompleted,
		(s == RecommendationPending || s == RecommendationInProgress) && next == RecommendationDismissed:
		return nil
	}
	return fmt.Errorf("%w: recommendation %s -> %s", ErrInvalidTransition, s, next)
}

// Issue — найденная проблема до ранжирования.
type Issue struct {
	RuleID      string   `json:"rule_id"`
	DedupeKey   string   `json:"dedupe_key"`
	Category    Category `json:"category"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Impact      Level    `json:"impact"`
	Effort      Level    `json:"effort"`
	Urgency     Level    `json:"urgency"`
	MetricKey   string   `json:"metric_key,omitempty"`
	Observed    any      `json:"observed,omitempty"`
}

// Recommendation — ранжированное действие по устранению, привязанное к AuditRun.
type Recommendation struct {
	ID            string               `json:"id"`
	RunID         string               `json:"run_id"`
	TargetID      string               `json:"target_id"`
	TenantID      string               `json:"tenant_id"`
	RuleID        string               `json:"rule_id"`
	Category      Category             `json:"category"`
	Title         string               `json:"title"`
	Description   string               `json:"description"`
	Impact        Level                `json:"impact"`
	Effort        Level                `json:"effort"`
	Urgency       Level                `json:"urgency"`
	PriorityScore float64              `json:"priority_score"`
	Order         ImplementationOrder  `json:"implementation_order"`
	Rank          int                  `json:"rank"`
	Status        RecommendationStatus `json:"status"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}
