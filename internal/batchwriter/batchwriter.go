// Package batchwriter implements a generic size/time-triggered batching
// queue with bounded concurrency, linear-backoff retry, and graceful drain.
package batchwriter

import (
	"context"
	"sync"
	"time"
)

// Handler processes one flushed batch. It is invoked with at most
// Config.MaxConcurrent handlers in flight at once.
type Handler[T any] func(ctx context.Context, batch []T) error

// ErrorHandler receives a batch that exhausted its retries.
type ErrorHandler[T any] func(err error, batch []T, attempts int)

// Config configures a Writer.
type Config[T any] struct {
	BatchSize       int
	FlushInterval   time.Duration
	Handler         Handler[T]
	Retries         int
	RetryDelay      time.Duration
	MaxConcurrent   int
	OnError         ErrorHandler[T]
}

// Metrics is the snapshot returned by Writer.Metrics.
type Metrics struct {
	TotalItems          int64
	TotalBatches        int64
	FailedBatches       int64
	AvgBatchSize        float64
	AvgHandlerLatencyMs float64
	Queued              int
	InFlight            int
}

// Writer batches items of type T and flushes them to Config.Handler.
type Writer[T any] struct {
	cfg Config[T]

	mu       sync.Mutex
	queue    []T
	stopped  bool
	timer    *time.Timer
	timerSet bool

	sem chan struct{}
	wg  sync.WaitGroup

	metricsMu    sync.Mutex
	totalItems   int64
	totalBatches int64
	failedBatch  int64
	sumBatchSize int64
	sumLatencyMs int64
	inFlight     int
}

// New creates a Writer ready to accept Add calls. MaxConcurrent and
// BatchSize are forced to at least 1; non-positive FlushInterval disables
// time-triggered flush (size-triggered flush still applies).
func New[T any](cfg Config[T]) *Writer[T] {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	return &Writer[T]{
		cfg: cfg,
		sem: make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Add appends item to the in-memory queue. If the queue reaches BatchSize an
// immediate flush is scheduled; otherwise a flush is ensured within
// FlushInterval. Add after Stop is refused (returns false).
func (w *Writer[T]) Add(item T) bool {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return false
	}
	w.queue = append(w.queue, item)
	full := len(w.queue) >= w.cfg.BatchSize
	w.mu.Unlock()

	if full {
		w.triggerFlush()
		return true
	}
	w.ensureTimer()
	return true
}

func (w *Writer[T]) ensureTimer() {
	if w.cfg.FlushInterval <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timerSet || w.stopped {
		return
	}
	w.timerSet = true
	w.timer = time.AfterFunc(w.cfg.FlushInterval, func() {
		w.mu.Lock()
		w.timerSet = false
		w.mu.Unlock()
		w.triggerFlush()
	})
}

// triggerFlush detaches the current queue and dispatches it, bounded by
// MaxConcurrent. New items added concurrently go into a fresh queue; they
// never join an already-dispatched batch.
func (w *Writer[T]) triggerFlush() {
	w.mu.Lock()
	if len(w.queue) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.queue
	w.queue = nil
	w.mu.Unlock()

	w.dispatch(batch)
}

func (w *Writer[T]) dispatch(batch []T) {
	w.sem <- struct{}{}
	w.wg.Add(1)
	w.metricsMu.Lock()
	w.inFlight++
	w.metricsMu.Unlock()

	go func() {
		defer func() {
			<-w.sem
			w.wg.Done()
			w.metricsMu.Lock()
			w.inFlight--
			w.metricsMu.Unlock()
		}()
		w.runWithRetry(batch)
	}()
}

func (w *Writer[T]) runWithRetry(batch []T) {
	attempts := 0
	var err error
	for attempts <= w.cfg.Retries {
		start := time.Now()
		err = w.cfg.Handler(context.Background(), batch)
		elapsed := time.Since(start)
		attempts++

		w.metricsMu.Lock()
		w.sumLatencyMs += elapsed.Milliseconds()
		w.metricsMu.Unlock()

		if err == nil {
			w.metricsMu.Lock()
			w.totalItems += int64(len(batch))
			w.totalBatches++
			w.sumBatchSize += int64(len(batch))
			w.metricsMu.Unlock()
			return
		}
		if attempts > w.cfg.Retries {
			break
		}
		if w.cfg.RetryDelay > 0 {
			time.Sleep(time.Duration(attempts) * w.cfg.RetryDelay)
		}
	}

	w.metricsMu.Lock()
	w.failedBatch++
	w.totalBatches++
	w.sumBatchSize += int64(len(batch))
	w.metricsMu.Unlock()

	if w.cfg.OnError != nil {
		w.cfg.OnError(err, batch, attempts)
	}
}

// Flush forces an immediate drain of the current queue and awaits its
// completion (including retries).
func (w *Writer[T]) Flush() {
	w.triggerFlush()
	w.wg.Wait()
}

// Stop refuses further Add calls, drains pending items with one final
// handler invocation, and awaits all in-flight work.
func (w *Writer[T]) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	w.triggerFlush()
	w.wg.Wait()
}

// Metrics returns a snapshot of accumulated counters.
func (w *Writer[T]) Metrics() Metrics {
	w.metricsMu.Lock()
	defer w.metricsMu.Unlock()

	w.mu.Lock()
	queued := len(w.queue)
	w.mu.Unlock()

	var avgSize, avgLatency float64
	if w.totalBatches > 0 {
		avgSize = float64(w.sumBatchSize) / float64(w.totalBatches)
		avgLatency = float64(w.sumLatencyMs) / float64(w.totalBatches)
	}

	return Metrics{
		TotalItems:          w.totalItems,
		TotalBatches:        w.totalBatches,
		FailedBatches:       w.failedBatch,
		AvgBatchSize:        avgSize,
		AvgHandlerLatencyMs: avgLatency,
		Queued:              queued,
		InFlight:            w.inFlight,
	}
}
