package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jamesprial/go-reddit-scraper/pkg/types"
)

const (
	// metricFlushInterval is how often buffered samples are written out.
	metricFlushInterval = 5 * time.Second
	// metricFlushSize forces a flush once this many samples accumulate.
	metricFlushSize = 500
)

// MetricRecorder buffers metric samples and flushes them to the store
// every 5 seconds or 500 samples, whichever comes first. Samples are
// diagnostics; a failed flush is logged and dropped, never propagated.
type MetricRecorder struct {
	store  *Store
	logger *slog.Logger

	mu     sync.Mutex
	buf    []types.MetricSample
	closed bool

	wake chan struct{}
	done chan struct{}
}

// NewMetricRecorder starts the background flusher.
func NewMetricRecorder(s *Store, logger *slog.Logger) *MetricRecorder {
	r := &MetricRecorder{
		store:  s,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Record buffers one sample. Never blocks on the store.
func (r *MetricRecorder) Record(sample types.MetricSample) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.buf = append(r.buf, sample)
	full := len(r.buf) >= metricFlushSize
	r.mu.Unlock()

	if full {
		select {
		case r.wake <- struct{}{}:
		default:
		}
	}
}

// Close flushes remaining samples and stops the flusher.
func (r *MetricRecorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
	<-r.done
}

func (r *MetricRecorder) run() {
	defer close(r.done)
	ticker := time.NewTicker(metricFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-r.wake:
		}
		r.flush()

		r.mu.Lock()
		closed := r.closed
		r.mu.Unlock()
		if closed {
			r.flush()
			return
		}
	}
}

func (r *MetricRecorder) flush() {
	r.mu.Lock()
	if len(r.buf) == 0 {
		r.mu.Unlock()
		return
	}
	batch := r.buf
	r.buf = nil
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.store.InsertMetrics(ctx, batch); err != nil {
		if r.logger != nil {
			r.logger.Warn("metric flush failed, dropping batch", "samples", len(batch), "error", err)
		}
	}
}
