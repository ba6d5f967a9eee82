package collector

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/perfmon/internal/config"
	"github.com/t77yq/perfmon/internal/metrics"
	"github.com/t77yq/perfmon/internal/model"
)

const unknownMetricName = "unknown"

// Recorder accepts metric events from instrumented call sites. Record never
// blocks and never fails; malformed events are coerced.
type Recorder struct {
	logger  *zap.Logger
	cfg     config.CollectorConfig
	queue   *Queue
	metrics *metrics.Metrics

	now    func() time.Time
	sample func() float64

	signalAt atomic.Int64
	ready    chan struct{}

	recorded   atomic.Uint64
	sampledOut atomic.Uint64
}

// Option customises a Recorder
type Option func(*Recorder)

// WithClock overrides the time source used for missing timestamps
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// WithSampler overrides the random source used for sampling decisions
func WithSampler(sample func() float64) Option {
	return func(r *Recorder) { r.sample = sample }
}

// WithMetrics attaches Prometheus instruments
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Recorder) { r.metrics = m }
}

// NewRecorder creates a recorder with a bounded queue
func NewRecorder(cfg config.CollectorConfig, logger *zap.Logger, opts ...Option) *Recorder {
	r := &Recorder{
		logger: logger.Named("recorder"),
		cfg:    cfg,
		queue:  NewQueue(cfg.MaxQueueSize),
		now:    time.Now,
		sample: rand.Float64,
		ready:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = metrics.NewNop()
	}
	return r
}

// Record enqueues an event after coercion and sampling
func (r *Recorder) Record(event model.MetricEvent) {
	event = r.coerce(event)

	if !r.keep(event) {
		r.sampledOut.Add(1)
		r.metrics.EventsSampledOut.WithLabelValues(sourceLabel(event.Source)).Inc()
		return
	}

	length, evicted := r.queue.Push(event)
	r.recorded.Add(1)
	r.metrics.EventsRecorded.WithLabelValues(sourceLabel(event.Source)).Inc()
	r.metrics.QueueDepth.Set(float64(length))
	if evicted {
		r.metrics.EventsDropped.Inc()
		if dropped := r.queue.Dropped(); dropped%1000 == 1 {
			r.logger.Warn("Queue full, evicting oldest events",
				zap.Uint64("dropped_total", dropped),
				zap.Int("capacity", r.queue.Cap()))
		}
	}

	if threshold := r.signalAt.Load(); threshold > 0 && int64(length) >= threshold {
		select {
		case r.ready <- struct{}{}:
		default:
		}
	}
}

// RecordValue records a value with loosely typed tags. Tag values of any
// type are stringified.
func (r *Recorder) RecordValue(source model.Source, name string, typ model.MetricType, value float64, unit string, tags map[string]any) {
	r.Record(model.MetricEvent{
		Name:   name,
		Type:   typ,
		Value:  value,
		Unit:   unit,
		Tags:   stringifyTags(tags),
		Source: source,
	})
}

// SignalAt makes Ready fire once the queue holds at least n events
func (r *Recorder) SignalAt(n int) {
	r.signalAt.Store(int64(n))
}

// Ready is signalled when the queue reaches the SignalAt threshold
func (r *Recorder) Ready() <-chan struct{} {
	return r.ready
}

// Drain removes up to max queued events in arrival order
func (r *Recorder) Drain(max int) []model.MetricEvent {
	events := r.queue.Drain(max)
	r.metrics.QueueDepth.Set(float64(r.queue.Len()))
	return events
}

// Len returns the current queue depth
func (r *Recorder) Len() int {
	return r.queue.Len()
}

// Cap returns the queue capacity
func (r *Recorder) Cap() int {
	return r.queue.Cap()
}

// Dropped returns the number of events evicted by backpressure
func (r *Recorder) Dropped() uint64 {
	return r.queue.Dropped()
}

// Recorded returns the number of events accepted into the queue
func (r *Recorder) Recorded() uint64 {
	return r.recorded.Load()
}

// SampledOut returns the number of events discarded by sampling
func (r *Recorder) SampledOut() uint64 {
	return r.sampledOut.Load()
}

func (r *Recorder) coerce(event model.MetricEvent) model.MetricEvent {
	event.Name = strings.TrimSpace(event.Name)
	if event.Name == "" {
		event.Name = unknownMetricName
	}
	if !event.Type.Valid() {
		event.Type = model.MetricTypeGauge
	}
	if math.IsNaN(event.Value) || math.IsInf(event.Value, 0) {
		event.Value = 0
		event.Tags = withTag(event.Tags, "coerced", "true")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = r.now()
	}
	return event
}

func (r *Recorder) keep(event model.MetricEvent) bool {
	if event.Error && r.cfg.PreserveErrors {
		return true
	}
	rate, ok := r.cfg.Sampling[event.Source]
	if !ok || rate >= 1 {
		return true
	}
	if rate <= 0 {
		return false
	}
	return r.sample() < rate
}

func sourceLabel(s model.Source) string {
	if s == "" {
		return "unknown"
	}
	return string(s)
}

func stringifyTags(tags map[string]any) model.Tags {
	if len(tags) == 0 {
		return nil
	}
	m := make(map[string]string, len(tags))
	for k, v := range tags {
		switch val := v.(type) {
		case nil:
			m[k] = ""
		case string:
			m[k] = val
		case fmt.Stringer:
			m[k] = val.String()
		default:
			m[k] = fmt.Sprint(val)
		}
	}
	return model.NewTags(m)
}

func withTag(tags model.Tags, key, value string) model.Tags {
	m := tags.Map()
	m[key] = value
	return model.NewTags(m)
}
