// Package postgres — основное хранилище движка на pgxpool.
// Все переходы состояний — условные UPDATE (CAS по текущему состоянию),
// допуск и завершение запуска — в одной транзакции с квотой тенанта.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xela07ax/siteaudit/internal/domain"
)

//go:embed schema.sql
var schema string

const (
	pgUniqueViolation = "23505"
	inProgressIndex   = "audit_runs_one_in_progress"
)

type Store struct {
	Pool *pgxpool.Pool
}

// New открывает пул и проверяет соединение. maxConns/minConns <= 0 — дефолты pgxpool.
func New(ctx context.Context, dsn string, maxConns, minConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns > 0 {
		cfg.MinConns = minConns
	}
	cfg.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Store{Pool: pool}, nil
}

func (s *Store) Close() {
	if s.Pool != nil {
		s.Pool.Close()
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

// Migrate применяет встроенную схему. Все DDL идемпотентны.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// Schema — DDL для внешних инструментов миграции.
func Schema() string { return schema }

type scanner interface {
	Scan(dest ...any) error
}

// mapErr переводит ошибки драйвера в доменные.
func mapErr(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	what := fmt.Sprintf(format, args...)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres: %s: %w", what, domain.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == inProgressIndex {
		return fmt.Errorf("postgres: %s: %w", what, domain.ErrAuditAlreadyInProgress)
	}
	return fmt.Errorf("postgres: %s: %w", what, err)
}
