package recommend

import (
	"fmt"
	"math"
	"sort"

	"github.com/xela07ax/siteaudit/internal/domain"
)

// Веса формулы приоритета.
const (
	impactWeight  = 0.4
	effortWeight  = 0.3
	urgencyWeight = 0.3
	maxEffort     = 5
)

// Ranked — issue с вычисленным приоритетом и местом в списке.
type Ranked struct {
	domain.Issue
	Score float64
	Order domain.ImplementationOrder
	Rank  int
}

// PriorityScore = impact*0.4 + (5 - effort)*0.3 + urgency*0.3, округление до сотых.
func PriorityScore(impact, effort, urgency domain.Level) (float64, error) {
	i, err := domain.ImpactScore(impact)
	if err != nil {
		return 0, err
	}
	e, err := domain.EffortScore(effort)
	if err != nil {
		return 0, err
	}
	u, err := domain.UrgencyScore(urgency)
	if err != nil {
		return 0, err
	}
	score := i*impactWeight + (maxEffort-e)*effortWeight + u*urgencyWeight
	return math.Round(score*100) / 100, nil
}

// OrderOf — корзина порядка внедрения.
func OrderOf(impact, effort, urgency domain.Level) domain.ImplementationOrder {
	switch {
	case impact == domain.LevelHigh && effort == domain.LevelLow:
		return domain.OrderQuickWin
	case urgency == domain.LevelCritical:
		return domain.OrderCriticalPriority
	case impact == domain.LevelHigh:
		return domain.OrderMajorImprovement
	}
	return domain.OrderFillIn
}

// Prioritize ранжирует issues: score по убыванию, затем корзина
// (quick_win, critical_priority, major_improvement, fill_in), затем rule id и title.
// Дубликаты по DedupeKey схлопываются в лучший по этому же порядку.
// Детерминирован: одинаковый вход дает одинаковый порядок.
func Prioritize(issues []domain.Issue) ([]Ranked, error) {
	ranked := make([]Ranked, 0, len(issues))
	for _, is := range issues {
		score, err := PriorityScore(is.Impact, is.Effort, is.Urgency)
		if err != nil {
			return nil, fmt.Errorf("recommend: issue %s: %w", is.RuleID, err)
		}
		if is.DedupeKey == "" {
			is.DedupeKey = is.RuleID
		}
		ranked = append(ranked, Ranked{
			Issue: is,
			Score: score,
			Order: OrderOf(is.Impact, is.Effort, is.Urgency),
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Order.Rank() != b.Order.Rank() {
			return a.Order.Rank() < b.Order.Rank()
		}
		if a.RuleID != b.RuleID {
			return a.RuleID < b.RuleID
		}
		return a.Title < b.Title
	})

	seen := make(map[string]struct{}, len(ranked))
	out := ranked[:0]
	for _, r := range ranked {
		if _, dup := seen[r.DedupeKey]; dup {
			continue
		}
		seen[r.DedupeKey] = struct{}{}
		r.Rank = len(out) + 1
		out = append(out, r)
	}
	return out, nil
}
