package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrInvalidTransition      = errors.New("invalid state transition")
	ErrAuditAlreadyInProgress = errors.New("audit already in progress for target")
	ErrUnknownMetricType      = errors.New("unknown metric type")
	ErrMalformedMetricBag     = errors.New("malformed raw metric bag")
	ErrWebsiteLimitExceeded   = errors.New("website limit exceeded")
	ErrTenantMismatch         = errors.New("resource belongs to another tenant")
	ErrInvalidArgument        = errors.New("invalid argument")
	ErrTargetInactive         = errors.New("target is not active")
)

// DenialReason — перечень причин отказа в допуске. API маппит их на разные статусы.
type DenialReason string

const (
	DenialNoActivePlan             DenialReason = "no_active_plan"
	DenialMonthlyQuotaExceeded     DenialReason = "monthly_quota_exceeded"
	DenialConcurrencyLimitExceeded DenialReason = "concurrency_limit_exceeded"
	DenialThrottled                DenialReason = "throttled"
)

// DenialError возвращается контроллером допуска синхронно, без ретраев.
type DenialError struct {
	Reason DenialReason
	Detail string
}

func (e *DenialError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("admission denied: %s", e.Reason)
	}
	return fmt.Sprintf("admission denied: %s (%s)", e.Reason, e.Detail)
}

// Deny — короткий конструктор.
func Deny(reason DenialReason, format string, args ...any) *DenialError {
	return &DenialError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// DenialOf достает причину отказа из цепочки ошибок.
func DenialOf(err error) (DenialReason, bool) {
	var d *DenialError
	if errors.As(err, &d) {
		return d.Reason, true
	}
	return "", false
}
