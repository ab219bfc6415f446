package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xela07ax/siteaudit/internal/domain"
)

type memPublisher struct {
	mu     sync.Mutex
	events []Event
	gate   chan struct{}
	err    error
}

func (p *memPublisher) Name() string { return "mem" }

func (p *memPublisher) Publish(ctx context.Context, evt Event) error {
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return p.err
}

func (p *memPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

func alert(id string) domain.Alert {
	return domain.Alert{
		ID:        id,
		TenantID:  "t1",
		TargetID:  "site",
		RunID:     "run-" + id,
		Severity:  domain.SeverityHigh,
		Status:    domain.AlertActive,
		Payload:   domain.AlertPayload{Score: 60, BaselineMean: 85, Drop: 25},
		CreatedAt: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestNotifier_FansOutAndFlushesOnStop(t *testing.T) {
	first, second := &memPublisher{}, &memPublisher{err: errors.New("bus down")}
	n := New(Config{BufferSize: 8}, zap.NewNop(), first, second)
	n.Start()

	n.AlertRaised(alert("a1"))
	n.AlertRaised(alert("a2"))
	n.Stop()

	for _, p := range []*memPublisher{first, second} {
		got := p.Events()
		if len(got) != 2 || got[0].Alert.ID != "a1" || got[1].Alert.ID != "a2" {
			t.Fatalf("publisher got %+v", got)
		}
	}

	// после Stop события молча отбрасываются
	n.AlertRaised(alert("a3"))
	n.Stop()
	if len(first.Events()) != 2 {
		t.Errorf("event accepted after stop")
	}
}

func TestNotifier_DropsOnOverflow(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	gate := make(chan struct{})
	p := &memPublisher{gate: gate}
	n := New(Config{BufferSize: 1, PublishTimeout: time.Second}, zap.New(core), p)

	// воркер не запущен: первое событие занимает буфер, второе теряется
	n.AlertRaised(alert("a1"))
	n.AlertRaised(alert("a2"))

	if logs.FilterMessage("notify_buffer_overflow").Len() != 1 {
		t.Fatalf("overflow was not logged: %v", logs.All())
	}

	n.Start()
	close(gate)
	n.Stop()
	if got := p.Events(); len(got) != 1 || got[0].Alert.ID != "a1" {
		t.Fatalf("delivered = %+v", got)
	}
}

func TestEvent_Wire(t *testing.T) {
	data, err := NewEvent(alert("a1")).Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	// имя события — контракт с внешними подписчиками
	if !strings.Contains(string(data), `"type":"alert_raised"`) {
		t.Errorf("wire event = %s", data)
	}
	evt, err := ParseEvent(data)
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if evt.Version != EventVersion || evt.Type != EventAlertRaised {
		t.Errorf("header = %d/%s", evt.Version, evt.Type)
	}
	if evt.Alert.Payload.Drop != 25 || !evt.RaisedAt.Equal(alert("a1").CreatedAt) {
		t.Errorf("event = %+v", evt)
	}

	if _, err := ParseEvent([]byte("kill:true")); err == nil {
		t.Error("garbage payload must not parse")
	}
}
