// Package journal — асинхронный журнал переходов состояний аудитов.
//
// События копятся в буферизованном канале и пишутся пачками (по таймеру или
// по заполнению пачки). Запись никогда не блокирует движок: при переполнении
// событие сбрасывается с ошибкой в лог. Stop закрывает вход и дожидается
// финального flush.
package journal

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/siteaudit/internal/domain"
)

// Storage — куда физически пишется журнал.
type Storage interface {
	WriteBatch(ctx context.Context, events []domain.TransitionEvent) error
}

// Recorder — то, что нужно движку.
type Recorder interface {
	Record(event domain.TransitionEvent)
}

type Config struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

type Journal struct {
	ch     chan domain.TransitionEvent
	repo   Storage
	cfg    Config
	logger *zap.Logger
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	// onFill получает текущую заполненность буфера (метрика backpressure)
	onFill func(n int)
}

func New(repo Storage, cfg Config, logger *zap.Logger) *Journal {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	return &Journal{
		ch:     make(chan domain.TransitionEvent, cfg.BufferSize),
		repo:   repo,
		cfg:    cfg,
		logger: logger.With(zap.String("mod", "journal")),
		onFill: func(int) {},
	}
}

// OnBufferFill подключает наблюдателя заполненности буфера.
func (j *Journal) OnBufferFill(fn func(n int)) {
	j.onFill = fn
}

func (j *Journal) Start() {
	j.wg.Add(1)
	go j.worker()
}

// Stop запирает вход и ждет, пока воркер допишет остатки.
func (j *Journal) Stop() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	close(j.ch)
	j.mu.Unlock()

	j.logger.Info("stopping journal: flushing buffer...")
	j.wg.Wait()
	j.logger.Info("journal stopped gracefully")
}

// Record ставит событие в очередь. Не блокирует.
func (j *Journal) Record(event domain.TransitionEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		j.logger.Warn("transition event dropped: journal is stopping", zap.String("run_id", event.RunID))
		return
	}

	select {
	case j.ch <- event:
		j.onFill(len(j.ch))
	default:
		j.logger.Error("journal_buffer_overflow",
			zap.String("run_id", event.RunID),
			zap.String("to", string(event.To)),
		)
	}
}

func (j *Journal) worker() {
	defer j.wg.Done()

	batch := make([]domain.TransitionEvent, 0, j.cfg.BatchSize)
	ticker := time.NewTicker(j.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: контекст сервиса к этому моменту может быть уже отменен
		if err := j.repo.WriteBatch(context.Background(), batch); err != nil {
			j.logger.Error("journal flush failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		batch = make([]domain.TransitionEvent, 0, j.cfg.BatchSize)
		j.onFill(len(j.ch))
	}

	for {
		select {
		case event, ok := <-j.ch:
			if !ok {
				flush()
				j.logger.Info("journal worker finished")
				return
			}
			batch = append(batch, event)
			if len(batch) >= j.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Discard — Recorder, который ничего не пишет.
type Discard struct{}

func (Discard) Record(domain.TransitionEvent) {}
