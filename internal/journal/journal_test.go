package journal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xela07ax/siteaudit/internal/domain"
)

type recordingStorage struct {
	mu      sync.Mutex
	batches [][]domain.TransitionEvent
	err     error
}

func (s *recordingStorage) WriteBatch(_ context.Context, events []domain.TransitionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, events)
	return s.err
}

func (s *recordingStorage) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func TestJournal_FlushesOnStop(t *testing.T) {
	repo := &recordingStorage{}
	j := New(repo, Config{BatchSize: 10, FlushInterval: time.Hour}, zap.NewNop())
	j.Start()

	for i := 0; i < 25; i++ {
		j.Record(domain.TransitionEvent{RunID: fmt.Sprintf("r%d", i), To: domain.StateRunning})
	}
	j.Stop()

	if got := repo.total(); got != 25 {
		t.Fatalf("written = %d, want 25", got)
	}
	// две полные пачки по 10 и финальный flush на 5
	if len(repo.batches) != 3 {
		t.Fatalf("batches = %d, want 3", len(repo.batches))
	}
}

func TestJournal_DropsAfterStop(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	repo := &recordingStorage{}
	j := New(repo, Config{}, zap.New(core))
	j.Start()
	j.Stop()
	j.Stop()

	j.Record(domain.TransitionEvent{RunID: "late"})

	if repo.total() != 0 {
		t.Fatalf("event written after stop")
	}
	if logs.FilterMessage("transition event dropped: journal is stopping").Len() != 1 {
		t.Fatalf("expected drop warning, got %v", logs.All())
	}
}

func TestJournal_Overflow(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	j := New(&recordingStorage{}, Config{BufferSize: 1}, zap.New(core))

	// воркер не запущен: второй Record не помещается в буфер
	j.Record(domain.TransitionEvent{RunID: "a"})
	j.Record(domain.TransitionEvent{RunID: "b"})

	if logs.FilterMessage("journal_buffer_overflow").Len() != 1 {
		t.Fatalf("expected overflow log, got %v", logs.All())
	}
}

func TestJournal_FlushErrorIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	repo := &recordingStorage{err: errors.New("db down")}
	j := New(repo, Config{}, zap.New(core))
	j.Start()
	j.Record(domain.TransitionEvent{RunID: "a"})
	j.Stop()

	if logs.FilterMessage("journal flush failed").Len() != 1 {
		t.Fatalf("expected flush error log, got %v", logs.All())
	}
}
