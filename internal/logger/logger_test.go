package logger

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nulpointcorp/aigateway/internal/storage"
)

type fakeRequestLogStore struct {
	mu   sync.Mutex
	rows []storage.RequestLog
	err  error
}

func (f *fakeRequestLogStore) WriteRequestLog(ctx context.Context, log storage.RequestLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.rows = append(f.rows, log)
	return nil
}

func (f *fakeRequestLogStore) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

func TestNew_RejectsNilContextOrStore(t *testing.T) {
	if _, err := New(nil, &fakeRequestLogStore{}, nil, slog.Default()); err == nil {
		t.Error("expected an error for a nil context")
	}
	if _, err := New(context.Background(), nil, nil, slog.Default()); err == nil {
		t.Error("expected an error for a nil store")
	}
}

func TestLog_ClosesAndFlushesPendingEntries(t *testing.T) {
	store := &fakeRequestLogStore{}
	l, err := New(context.Background(), store, nil, slog.Default())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < 5; i++ {
		l.Log(storage.RequestLog{DedupKey: "k"})
	}
	if err := l.Close(); err != nil {
		t.Fatalf("unexpected error closing: %v", err)
	}

	if store.len() != 5 {
		t.Errorf("expected all 5 buffered entries to flush on close, got %d", store.len())
	}
}

func TestLog_FlushesOnTimerWithoutClose(t *testing.T) {
	store := &fakeRequestLogStore{}
	l, err := New(context.Background(), store, nil, slog.Default())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer l.Close()

	l.Log(storage.RequestLog{DedupKey: "a"})

	deadline := time.Now().Add(2 * time.Second)
	for store.len() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if store.len() != 1 {
		t.Errorf("expected the periodic flush to write the buffered entry, got %d rows", store.len())
	}
}

func TestLog_DropsAndCountsWhenBufferFull(t *testing.T) {
	// Built directly (bypassing New) so no background goroutine drains the
	// channel concurrently — this deterministically saturates the buffer.
	l := &Logger{ch: make(chan storage.RequestLog, 4)}
	for i := 0; i < 4; i++ {
		l.Log(storage.RequestLog{DedupKey: "flood"})
	}
	l.Log(storage.RequestLog{DedupKey: "overflow"})

	if l.DroppedLogs() != 1 {
		t.Errorf("expected exactly one dropped log once the buffer is saturated, got %d", l.DroppedLogs())
	}
}

func TestClose_IsIdempotent(t *testing.T) {
	store := &fakeRequestLogStore{}
	l, err := New(context.Background(), store, nil, slog.Default())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("expected a second Close to be a no-op, got error: %v", err)
	}
}
