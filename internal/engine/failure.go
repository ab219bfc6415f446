package engine

import (
	"context"
	"errors"

	"github.com/xela07ax/siteaudit/internal/collector"
	"github.com/xela07ax/siteaudit/internal/domain"
)

// classifyFailure раскладывает ошибку исполнения по FailureKind.
// collectCtx — контекст с жестким таймаутом сбора: его истечение это timeout, а не сетевой сбой.
func classifyFailure(collectCtx context.Context, err error) domain.FailureKind {
	var v *collector.ValidationError
	switch {
	case errors.As(err, &v):
		return domain.FailureValidation
	case errors.Is(err, domain.ErrUnknownMetricType), errors.Is(err, domain.ErrMalformedMetricBag):
		return domain.FailureClassification
	case errors.Is(collectCtx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return domain.FailureTimeout
	}
	return domain.FailureCollection
}
