// Package notify доставляет события о новых алертах деградации во внешние шины.
//
// Детектор вызывает AlertRaised синхронно, поэтому Notifier только кладет событие
// в буфер; отправку делает отдельная горутина. При переполнении событие
// отбрасывается: алерт уже сохранен, консоль увидит его при следующем запросе списка.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/siteaudit/internal/domain"
)

// Event — то, что уходит в шину. Версия схемы нужна подписчикам вне этого репозитория.
type Event struct {
	Version  int          `json:"v"`
	Type     string       `json:"type"`
	Alert    domain.Alert `json:"alert"`
	RaisedAt time.Time    `json:"raised_at"`
}

const (
	EventVersion     = 1
	EventAlertRaised = "alert_raised"
)

func NewEvent(a domain.Alert) Event {
	return Event{Version: EventVersion, Type: EventAlertRaised, Alert: a, RaisedAt: a.CreatedAt}
}

func (e Event) Marshal() ([]byte, error) { return json.Marshal(e) }

func ParseEvent(data []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(data, &e)
	return e, err
}

// Publisher — одна шина доставки.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, evt Event) error
}

type Config struct {
	BufferSize     int
	PublishTimeout time.Duration
}

type Notifier struct {
	publishers []Publisher
	cfg        Config
	events     chan Event
	wg         sync.WaitGroup
	logger     *zap.Logger

	mu     sync.RWMutex
	closed bool
}

func New(cfg Config, logger *zap.Logger, publishers ...Publisher) *Notifier {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	return &Notifier{
		publishers: publishers,
		cfg:        cfg,
		events:     make(chan Event, cfg.BufferSize),
		logger:     logger.Named("notify"),
	}
}

func (n *Notifier) Start() {
	n.wg.Add(1)
	go n.worker()
}

// Stop закрывает вход и дожидается отправки того, что уже в буфере.
func (n *Notifier) Stop() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	close(n.events)
	n.mu.Unlock()

	n.wg.Wait()
}

// AlertRaised реализует degradation.Notifier. Не блокирует.
func (n *Notifier) AlertRaised(a domain.Alert) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}

	select {
	case n.events <- NewEvent(a):
	default:
		n.logger.Warn("notify_buffer_overflow",
			zap.String("alert_id", a.ID), zap.String("tenant_id", a.TenantID))
	}
}

func (n *Notifier) worker() {
	defer n.wg.Done()
	for evt := range n.events {
		for _, p := range n.publishers {
			ctx, cancel := context.WithTimeout(context.Background(), n.cfg.PublishTimeout)
			if err := p.Publish(ctx, evt); err != nil {
				n.logger.Error("alert publish failed",
					zap.String("publisher", p.Name()),
					zap.String("alert_id", evt.Alert.ID),
					zap.Error(err))
			}
			cancel()
		}
	}
}
