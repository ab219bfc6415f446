package domain

import "time"

// TenantDashboard — сводка для консоли оператора.
type TenantDashboard struct {
	TenantID    string      `json:"tenant_id"`
	Plan        *Plan       `json:"plan,omitempty"` // nil — плана нет или он неактивен
	Quota       TenantQuota `json:"quota"`
	Targets     TargetStats `json:"targets"`
	Runs        RunStats    `json:"runs"`
	Alerts      AlertStats  `json:"alerts"`
	GeneratedAt time.Time   `json:"generated_at"`
}

type TargetStats struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Scheduled int `json:"scheduled"` // с интервалом мониторинга
}

type AlertStats struct {
	Active       int              `json:"active"`
	Acknowledged int              `json:"acknowledged"`
	BySeverity   map[Severity]int `json:"by_severity"`
}
