package service

import (
	"sync"

	"go.uber.org/zap"

	"github.com/xela07ax/siteaudit/internal/notify"
)

// FeedMessage — то, что получает подписчик живой ленты.
// Resync=true: лента была отключена от шины, клиенту нужно перечитать алерты.
type FeedMessage struct {
	Event  notify.Event
	Resync bool
}

// AlertFeed раздает события алертов подписчикам консоли своего тенанта.
// Медленный подписчик отключается (канал C закрывается) и не тормозит остальных.
type AlertFeed struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{} // tenant -> подписки
	buffer int
	logger *zap.Logger
}

type Subscription struct {
	C        <-chan FeedMessage
	ch       chan FeedMessage
	tenantID string
	feed     *AlertFeed
	once     sync.Once
}

func NewAlertFeed(buffer int, logger *zap.Logger) *AlertFeed {
	if buffer <= 0 {
		buffer = 32
	}
	return &AlertFeed{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
		logger: logger.Named("alert-feed"),
	}
}

func (f *AlertFeed) Subscribe(tenantID string) *Subscription {
	ch := make(chan FeedMessage, f.buffer)
	sub := &Subscription{C: ch, ch: ch, tenantID: tenantID, feed: f}

	f.mu.Lock()
	if f.subs[tenantID] == nil {
		f.subs[tenantID] = make(map[*Subscription]struct{})
	}
	f.subs[tenantID][sub] = struct{}{}
	f.mu.Unlock()
	return sub
}

// Close отписывает и закрывает канал. Повторный вызов безопасен.
func (s *Subscription) Close() {
	s.once.Do(func() {
		f := s.feed
		f.mu.Lock()
		delete(f.subs[s.tenantID], s)
		if len(f.subs[s.tenantID]) == 0 {
			delete(f.subs, s.tenantID)
		}
		close(s.ch)
		f.mu.Unlock()
	})
}

// Publish — обработчик для notify.Listen.
func (f *AlertFeed) Publish(evt notify.Event) {
	f.mu.RLock()
	var overflow []*Subscription
	for sub := range f.subs[evt.Alert.TenantID] {
		if !f.deliver(sub, FeedMessage{Event: evt}) {
			overflow = append(overflow, sub)
		}
	}
	f.mu.RUnlock()
	f.drop(overflow)
}

// Resync рассылает всем подписчикам сигнал перечитать состояние (после переподключения к шине).
func (f *AlertFeed) Resync() {
	f.mu.RLock()
	var overflow []*Subscription
	for _, subs := range f.subs {
		for sub := range subs {
			if !f.deliver(sub, FeedMessage{Resync: true}) {
				overflow = append(overflow, sub)
			}
		}
	}
	f.mu.RUnlock()
	f.drop(overflow)
}

// Subscribers — число подписчиков тенанта.
func (f *AlertFeed) Subscribers(tenantID string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs[tenantID])
}

// deliver не блокируется; отправка идет под RLock, поэтому Close не закроет канал посреди записи.
func (f *AlertFeed) deliver(sub *Subscription, msg FeedMessage) bool {
	select {
	case sub.ch <- msg:
		return true
	default:
		return false
	}
}

// drop отписывает клиентов с переполненным буфером: пропуск алерта хуже переподключения.
func (f *AlertFeed) drop(subs []*Subscription) {
	for _, sub := range subs {
		f.logger.Warn("feed subscriber is slow, dropping it", zap.String("tenant_id", sub.tenantID))
		sub.Close()
	}
}
