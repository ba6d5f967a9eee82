package flusher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/perfmon/internal/config"
	"github.com/t77yq/perfmon/internal/metrics"
	"github.com/t77yq/perfmon/internal/model"
	"github.com/t77yq/perfmon/internal/sink"
)

const (
	// MetricEventsDropped counts events evicted from the full queue
	MetricEventsDropped = "telemetry.events_dropped"
	// MetricFlushFailures counts batches a sink lost after all retries
	MetricFlushFailures = "telemetry.flush_failures"
)

// Source is the queue the flusher drains
type Source interface {
	Drain(max int) []model.MetricEvent
	Len() int
	Dropped() uint64
	SignalAt(n int)
	Ready() <-chan struct{}
}

// Updater receives every drained event
type Updater interface {
	UpdateBatch(events []model.MetricEvent)
}

// Flusher moves events from the queue into the aggregator and the sinks
type Flusher struct {
	logger   *zap.Logger
	config   config.FlusherConfig
	source   Source
	updater  Updater
	sinks    []sink.Sink
	strategy RetryStrategy
	metrics  *metrics.Metrics
	now      func() time.Time

	flushMu     sync.Mutex
	lastDropped uint64

	lastFlush  atomic.Int64
	processing atomic.Bool
	failures   atomic.Uint64

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Option customises a Flusher
type Option func(*Flusher)

// WithMetrics attaches Prometheus instruments
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Flusher) { f.metrics = m }
}

// WithRetryStrategy overrides the backoff between sink write attempts
func WithRetryStrategy(s RetryStrategy) Option {
	return func(f *Flusher) { f.strategy = s }
}

// WithClock overrides the time source used for self-metric timestamps
func WithClock(now func() time.Time) Option {
	return func(f *Flusher) { f.now = now }
}

// New creates a flusher
func New(cfg config.FlusherConfig, source Source, updater Updater, sinks []sink.Sink, logger *zap.Logger, opts ...Option) *Flusher {
	f := &Flusher{
		logger:  logger.Named("flusher"),
		config:  cfg,
		source:  source,
		updater: updater,
		sinks:   sinks,
		strategy: &ExponentialBackoff{
			InitialDelay: cfg.RetryInitialDelay,
			MaxDelay:     cfg.RetryMaxDelay,
			Multiplier:   2,
		},
		now:  time.Now,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.metrics == nil {
		f.metrics = metrics.NewNop()
	}
	if f.config.BatchSize <= 0 {
		f.config.BatchSize = 100
	}
	if f.config.FlushInterval <= 0 {
		f.config.FlushInterval = 5 * time.Second
	}
	if f.config.MaxRetries <= 0 {
		f.config.MaxRetries = 1
	}
	return f
}

// Start runs the flush loop until Stop is called or ctx is cancelled
func (f *Flusher) Start(ctx context.Context) error {
	if !f.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	f.logger.Info("Starting flusher",
		zap.Int("batch_size", f.config.BatchSize),
		zap.Duration("interval", f.config.FlushInterval),
		zap.Int("sinks", len(f.sinks)))

	f.source.SignalAt(f.config.BatchSize)
	go f.loop(ctx)
	return nil
}

func (f *Flusher) loop(ctx context.Context) {
	defer close(f.done)

	ticker := time.NewTicker(f.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stop:
			return
		case <-ticker.C:
			f.Flush(ctx)
		case <-f.source.Ready():
			f.Flush(ctx)
		}
	}
}

// Stop ends the flush loop and drains what is queued within the shutdown
// grace period. Events still queued after the grace period are discarded.
func (f *Flusher) Stop(ctx context.Context) {
	f.logger.Info("Stopping flusher")
	if f.started.Load() {
		f.stopOnce.Do(func() { close(f.stop) })
		<-f.done
	}

	grace := f.config.ShutdownGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	drainCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	for f.source.Len() > 0 && drainCtx.Err() == nil {
		f.Flush(drainCtx)
	}
	if discarded := f.source.Drain(0); len(discarded) > 0 {
		f.logger.Warn("Discarded queued events at shutdown", zap.Int("count", len(discarded)))
	}
}

// Flush drains the events queued at call time in batches and writes them.
// It returns the number of events drained.
func (f *Flusher) Flush(ctx context.Context) int {
	f.flushMu.Lock()
	defer f.flushMu.Unlock()

	f.processing.Store(true)
	defer f.processing.Store(false)

	pending := f.source.Len()
	total := 0
	for total < pending && ctx.Err() == nil {
		events := f.source.Drain(f.config.BatchSize)
		if len(events) == 0 {
			break
		}
		total += len(events)
		f.flushBatch(ctx, events)
	}
	f.reportDropped()

	f.lastFlush.Store(f.now().UnixNano())
	return total
}

func (f *Flusher) flushBatch(ctx context.Context, events []model.MetricEvent) {
	start := time.Now()
	defer func() {
		f.metrics.FlushDuration.Observe(time.Since(start).Seconds())
	}()
	f.metrics.BatchesFlushed.Inc()

	if f.updater != nil {
		f.updater.UpdateBatch(events)
	}

	var wg sync.WaitGroup
	for _, s := range f.sinks {
		wg.Add(1)
		go func(s sink.Sink) {
			defer wg.Done()
			if err := f.writeWithRetry(ctx, s, events); err != nil {
				f.recordFailure(s.Name(), len(events), err)
			}
		}(s)
	}
	wg.Wait()
}

func (f *Flusher) writeWithRetry(ctx context.Context, s sink.Sink, events []model.MetricEvent) error {
	var err error
	for attempt := 0; attempt < f.config.MaxRetries; attempt++ {
		err = f.write(ctx, s, events)
		if err == nil {
			return nil
		}
		if attempt == f.config.MaxRetries-1 {
			break
		}

		delay := f.strategy.NextRetry(attempt)
		f.logger.Debug("Sink write failed, retrying",
			zap.String("sink", s.Name()),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %v", ErrMaxRetriesExceeded, ctx.Err())
		case <-timer.C:
		}
	}
	return fmt.Errorf("%w: %v", ErrMaxRetriesExceeded, err)
}

func (f *Flusher) write(ctx context.Context, s sink.Sink, events []model.MetricEvent) error {
	if f.config.SinkTimeout <= 0 {
		return s.Write(ctx, events)
	}
	writeCtx, cancel := context.WithTimeout(ctx, f.config.SinkTimeout)
	defer cancel()
	return s.Write(writeCtx, events)
}

func (f *Flusher) recordFailure(sinkName string, size int, err error) {
	f.failures.Add(1)
	f.metrics.FlushFailures.WithLabelValues(sinkName).Inc()
	f.logger.Error("Failed to flush batch",
		zap.String("sink", sinkName),
		zap.Int("events", size),
		zap.Error(err))

	if f.updater != nil {
		f.updater.UpdateBatch([]model.MetricEvent{{
			Name:      MetricFlushFailures,
			Type:      model.MetricTypeCounter,
			Value:     1,
			Tags:      model.NewTags(map[string]string{"sink": sinkName}),
			Timestamp: f.now(),
			Source:    model.SourceSystem,
		}})
	}
}

// reportDropped folds newly dropped events into the aggregator directly,
// bypassing the queue.
func (f *Flusher) reportDropped() {
	dropped := f.source.Dropped()
	delta := dropped - f.lastDropped
	if delta == 0 {
		return
	}
	f.lastDropped = dropped

	if f.updater != nil {
		f.updater.UpdateBatch([]model.MetricEvent{{
			Name:      MetricEventsDropped,
			Type:      model.MetricTypeCounter,
			Value:     float64(delta),
			Timestamp: f.now(),
			Source:    model.SourceSystem,
		}})
	}
}

// LastFlush returns the completion time of the last flush, zero if none
func (f *Flusher) LastFlush() time.Time {
	ns := f.lastFlush.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Processing reports whether a flush is in progress
func (f *Flusher) Processing() bool {
	return f.processing.Load()
}

// FlushFailures returns the number of batches lost after retries
func (f *Flusher) FlushFailures() uint64 {
	return f.failures.Load()
}
