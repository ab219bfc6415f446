package engine

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var ErrPoolStopped = errors.New("worker pool is stopped")

// Job — одна задача на исполнение run.
type Job struct {
	RunID    string
	TenantID string
}

// Pool — фиксированное число воркеров над ограниченной очередью.
// Каждый run обрабатывается ровно одним воркером.
type Pool struct {
	queue   chan Job
	workers int
	handle  func(ctx context.Context, job Job)
	metrics *Metrics
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

func NewPool(workers, queueSize int, handle func(ctx context.Context, job Job), metrics *Metrics, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 128
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		queue:   make(chan Job, queueSize),
		workers: workers,
		handle:  handle,
		metrics: metrics,
		logger:  logger.Named("pool"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.logger.Info("worker pool started", zap.Int("workers", p.workers), zap.Int("queue", cap(p.queue)))
}

// Enqueue ставит задачу в очередь; при полной очереди ждет места или отмены ctx.
func (p *Pool) Enqueue(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.queue <- job:
		p.metrics.QueueDepth.Set(float64(len(p.queue)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrPoolStopped
	}
}

// Stop закрывает вход, дает воркерам дочитать очередь и ждет их.
// Если ctx истекает раньше, текущие задачи получают отмену контекста.
func (p *Pool) Stop(ctx context.Context) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool drained")
	case <-ctx.Done():
		p.logger.Warn("worker pool drain timed out, cancelling in-flight runs")
		p.cancel()
		<-done
	}
	p.cancel()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for job := range p.queue {
		p.metrics.QueueDepth.Set(float64(len(p.queue)))
		p.run(job)
	}
}

func (p *Pool) run(job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("run handler panicked", zap.String("run_id", job.RunID), zap.Any("panic", r))
		}
	}()
	p.handle(p.ctx, job)
}
