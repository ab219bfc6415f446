package domain

import (
	"fmt"
	"time"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
	AlertDismissed    AlertStatus = "dismissed"
)

// AlertAction — действие оператора над алертом.
type AlertAction string

const (
	ActionAcknowledge AlertAction = "acknowledge"
	ActionResolve     AlertAction = "resolve"
	ActionDismiss     AlertAction = "dismiss"
)

// Target возвращает целевой статус действия и статусы, из которых оно допустимо.
func (a AlertAction) Target() (AlertStatus, []AlertStatus, error) {
	switch a {
	case ActionAcknowledge:
		return AlertAcknowledged, []AlertStatus{AlertActive}, nil
	case ActionResolve:
		return AlertResolved, []AlertStatus{AlertActive, AlertAcknowledged}, nil
	case ActionDismiss:
		return AlertDismissed, []AlertStatus{AlertActive, AlertAcknowledged}, nil
	}
	return "", nil, fmt.Errorf("%w: unknown alert action %q", ErrInvalidTransition, a)
}

// PoorMetric — метрика с оценкой poor, попавшая в payload алерта.
type PoorMetric struct {
	Type  MetricType `json:"type"`
	Value float64    `json:"value"`
	Unit  string     `json:"unit"`
}

// AlertPayload — структурированное описание регрессии.
type AlertPayload struct {
	Score          int          `json:"score"`
	BaselineMean   float64      `json:"baseline_mean"`
	BaselineStdDev float64      `json:"baseline_stddev"`
	BaselineRuns   int          `json:"baseline_runs"`
	Drop           float64      `json:"drop"`
	Reasons        []string     `json:"reasons"`
	PoorMetrics    []PoorMetric `json:"poor_metrics"`
}

// Alert создается только детектором деградации; дальше его меняет только оператор.
type Alert struct {
	ID        string       `json:"id"`
	TenantID  string       `json:"tenant_id"`
	TargetID  string       `json:"target_id"`
	RunID     string       `json:"run_id"`
	Severity  Severity     `json:"severity"`
	Status    AlertStatus  `json:"status"`
	Payload   AlertPayload `json:"payload"`
	ActorID   *string      `json:"actor_id,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}
