// Package logger implements a non-blocking, batched writer for RequestLog
// rows — kept from the teacher's buffered-channel + background-flush
// design, generalized from a slog-only sink to the storage-backed
// RequestLog shape so it owns the "best-effort, at-least-once" write path
// §7 describes without blocking the request hot path on a DB round trip.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/aigateway/internal/storage"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Logger batches storage.RequestLog writes so the chat/models pipelines
// never wait on a DB round trip to finish a client response.
type Logger struct {
	ch        chan storage.RequestLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	baseCtx context.Context
	store   storage.RequestLogStore
	sink    *storage.ClickHouseSink // optional secondary mirror, may be nil
	log     *slog.Logger
}

// New creates a Logger writing through store and, if sink is non-nil,
// mirroring each row to ClickHouse (best-effort, never blocking).
func New(ctx context.Context, store storage.RequestLogStore, sink *storage.ClickHouseSink, slogger *slog.Logger) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("logger: store must not be nil")
	}

	l := &Logger{
		ch:      make(chan storage.RequestLog, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		store:   store,
		sink:    sink,
		log:     slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues one RequestLog row. If the internal buffer is full the entry
// is dropped and counted rather than blocking the caller — logging is
// best-effort, never allowed to slow down or fail an already-completed
// client response.
func (l *Logger) Log(entry storage.RequestLog) {
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

// DroppedLogs returns the number of entries dropped due to a full buffer.
func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

// Close drains the buffer and stops the background flush goroutine.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]storage.RequestLog, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			if err := l.store.WriteRequestLog(ctx, e); err != nil {
				l.log.ErrorContext(ctx, "request_log_write_failed",
					slog.String("dedup_key", e.DedupKey),
					slog.String("error", err.Error()),
				)
				continue
			}
			if l.sink != nil {
				l.sink.Mirror(ctx, e)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}
