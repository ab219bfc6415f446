package domain

import "time"

// Plan — лимиты тарифа. Источник правды — внешний биллинг, движок только читает.
type Plan struct {
	TenantID         string     `json:"tenant_id"`
	Name             string     `json:"name"`
	Active           bool       `json:"active"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	MaxWebsites      int        `json:"max_websites"`
	MonthlyAudits    int        `json:"monthly_audits"`
	ConcurrentAudits int        `json:"concurrent_audits"`
	HourlyAudits     int        `json:"hourly_audits"` // 0 — берем дефолт из конфига
}

// IsActiveAt — подписка активна и не истекла.
func (p *Plan) IsActiveAt(now time.Time) bool {
	if p == nil || !p.Active {
		return false
	}
	return p.ExpiresAt == nil || now.Before(*p.ExpiresAt)
}

// TenantQuota — текущее потребление тенанта.
// Меняется только в одной транзакции с переходом pending -> running (и обратным освобождением слота).
type TenantQuota struct {
	TenantID     string    `json:"tenant_id"`
	PeriodStart  time.Time `json:"period_start"`
	MonthlyUsed  int       `json:"monthly_used"`
	RunningCount int       `json:"running_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AdmissionCheck — снимок лимитов, который store проверяет атомарно с CAS pending -> running.
type AdmissionCheck struct {
	TenantID         string
	MonthlyLimit     int
	ConcurrencyLimit int
	HourlyLimit      int
	PeriodStart      time.Time // начало календарного месяца (UTC)
	Now              time.Time
}

// MonthStart возвращает начало календарного месяца в UTC.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Target — сайт под мониторингом.
type Target struct {
	ID                 string        `json:"id"`
	TenantID           string        `json:"tenant_id"`
	URL                string        `json:"url"`
	Profile            ScoreProfile  `json:"profile"`
	MonitoringInterval time.Duration `json:"monitoring_interval"`
	Active             bool          `json:"active"`
	LastAuditedAt      *time.Time    `json:"last_audited_at,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
}

// DueAt — когда цель снова нужно аудировать по расписанию.
func (t *Target) DueAt() time.Time {
	if t.LastAuditedAt == nil {
		return time.Time{}
	}
	return t.LastAuditedAt.Add(t.MonitoringInterval)
}
