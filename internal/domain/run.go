package domain

import (
	"fmt"
	"time"
)

// RunState — состояния конечного автомата аудита.
type RunState string

const (
	StatePending   RunState = "pending"
	StateRunning   RunState = "running"
	StateCompleted RunState = "completed"
	StateFailed    RunState = "failed"
	StateCancelled RunState = "cancelled"
)

// IsTerminal сообщает, что из состояния больше нет переходов.
func (s RunState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// InProgress — pending и running блокируют создание нового аудита для той же цели.
func (s RunState) InProgress() bool {
	return s == StatePending || s == StateRunning
}

// CanTransitionTo проверяет правила конечного автомата
func (s RunState) CanTransitionTo(next RunState) error {
	switch s {
	case StatePending:
		switch next {
		case StateRunning, StateFailed, StateCancelled:
			return nil
		}
	case StateRunning:
		switch next {
		case StateCompleted, StateFailed, StateCancelled:
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, next)
}

// AuditKind — источник запуска. Движок только записывает его, логика одна для всех.
type AuditKind string

const (
	KindManual    AuditKind = "manual"
	KindScheduled AuditKind = "scheduled"
	KindAPI       AuditKind = "api"
)

func (k AuditKind) Valid() bool {
	switch k {
	case KindManual, KindScheduled, KindAPI:
		return true
	}
	return false
}

// ScoreProfile выбирает набор весов итоговой оценки.
type ScoreProfile string

const (
	// ProfileComprehensive — полный аудит с проверкой доступности.
	ProfileComprehensive ScoreProfile = "comprehensive"
	// ProfileCore — аудит без accessibility: вес делится между SEO и security.
	ProfileCore ScoreProfile = "core"
)

func (p ScoreProfile) Valid() bool {
	return p == ProfileComprehensive || p == ProfileCore
}

// FailureKind — структурированная причина перехода в failed.
type FailureKind string

const (
	FailureCollection     FailureKind = "collection"
	FailureTimeout        FailureKind = "timeout"
	FailureValidation     FailureKind = "validation"
	FailureClassification FailureKind = "classification"
	FailureAdmission      FailureKind = "admission"
	FailureStale          FailureKind = "stale"
	FailureInternal       FailureKind = "internal"
)

// Failure описывает причину терминального failed.
type Failure struct {
	Kind   FailureKind `json:"kind"`
	Reason string      `json:"reason"`
}

// AuditRun — одна попытка оценить один сайт.
type AuditRun struct {
	ID            string       `json:"id"`
	TargetID      string       `json:"target_id"`
	TenantID      string       `json:"tenant_id"`
	TargetURL     string       `json:"target_url"`
	Kind          AuditKind    `json:"kind"`
	TriggerSource string       `json:"trigger_source"`
	Profile       ScoreProfile `json:"profile"`
	State         RunState     `json:"state"`
	Attempt       int          `json:"attempt"`

	RawMetrics   RawMetricBag   `json:"raw_metrics,omitempty"`
	Score        *int           `json:"score,omitempty"`
	LetterGrade  string         `json:"letter_grade,omitempty"`
	DomainScores map[string]int `json:"domain_scores,omitempty"`
	Failure      *Failure       `json:"failure,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// RunResult — всё, что пишется атомарно вместе с переходом running -> completed.
type RunResult struct {
	RawMetrics   RawMetricBag
	Samples      []MetricSample
	Score        int
	LetterGrade  string
	DomainScores map[string]int
	CompletedAt  time.Time
}

// TransitionEvent — запись журнала переходов (audit trail движка).
type TransitionEvent struct {
	ID         string      `json:"id"`
	RunID      string      `json:"run_id"`
	TenantID   string      `json:"tenant_id"`
	TargetID   string      `json:"target_id"`
	From       RunState    `json:"from"`
	To         RunState    `json:"to"`
	Kind       FailureKind `json:"failure_kind,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	DurationMs int64       `json:"duration_ms"`
	Timestamp  time.Time   `json:"timestamp"`
}
