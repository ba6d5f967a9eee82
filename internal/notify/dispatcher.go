// Package notify delivers alerts to external channels.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/perfmon/internal/metrics"
	"github.com/t77yq/perfmon/internal/model"
)

// MetricNotifyFailures counts failed deliveries per channel
const MetricNotifyFailures = "telemetry.notify_failures"

// Channel sends an alert to one destination
type Channel interface {
	Name() string
	Send(ctx context.Context, alert model.Alert) error
}

// Recorder receives self-metric events
type Recorder interface {
	Record(event model.MetricEvent)
}

// Result is the outcome of delivering an alert to one channel
type Result struct {
	Channel  string
	Err      error
	Duration time.Duration
}

// Dispatcher fans an alert out to the channels named by a rule's actions
type Dispatcher struct {
	logger   *zap.Logger
	timeout  time.Duration
	recorder Recorder
	metrics  *metrics.Metrics

	mu       sync.RWMutex
	channels map[string]Channel

	inflight sync.WaitGroup
}

// Option customises a Dispatcher
type Option func(*Dispatcher)

// WithRecorder reports delivery failures as metric events
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

// WithMetrics attaches Prometheus instruments
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher creates a dispatcher bounding each delivery by timeout
func NewDispatcher(timeout time.Duration, logger *zap.Logger, opts ...Option) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	d := &Dispatcher{
		logger:   logger.Named("notifier"),
		timeout:  timeout,
		channels: make(map[string]Channel),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = metrics.NewNop()
	}
	return d
}

// Register adds or replaces a channel under its name
func (d *Dispatcher) Register(ch Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels[ch.Name()] = ch
}

// Channels returns the registered channel names
func (d *Dispatcher) Channels() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.channels))
	for name := range d.channels {
		names = append(names, name)
	}
	return names
}

// Dispatch delivers the alert to every action concurrently and waits for all
// of them. Results are in the order of actions.
func (d *Dispatcher) Dispatch(ctx context.Context, alert model.Alert, actions []string) []Result {
	results := make([]Result, len(actions))

	var wg sync.WaitGroup
	for i, action := range actions {
		d.mu.RLock()
		ch, ok := d.channels[action]
		d.mu.RUnlock()

		if !ok {
			results[i] = Result{Channel: action, Err: fmt.Errorf("%w: %s", ErrUnknownChannel, action)}
			d.recordFailure(alert, action, results[i].Err)
			continue
		}

		wg.Add(1)
		go func(i int, ch Channel) {
			defer wg.Done()
			results[i] = d.send(ctx, ch, alert)
		}(i, ch)
	}
	wg.Wait()
	return results
}

// DispatchAsync delivers in the background; the caller never waits
func (d *Dispatcher) DispatchAsync(alert model.Alert, actions []string) {
	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		d.Dispatch(context.Background(), alert, actions)
	}()
}

// Wait blocks until background deliveries finish or ctx is done
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) send(ctx context.Context, ch Channel, alert model.Alert) Result {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	err := ch.Send(ctx, alert)
	res := Result{Channel: ch.Name(), Err: err, Duration: time.Since(start)}
	if err != nil {
		d.recordFailure(alert, ch.Name(), err)
		return res
	}

	d.logger.Debug("Alert delivered",
		zap.String("alert_id", alert.ID),
		zap.String("channel", ch.Name()),
		zap.Duration("duration", res.Duration))
	return res
}

func (d *Dispatcher) recordFailure(alert model.Alert, channel string, err error) {
	d.logger.Error("Failed to deliver alert",
		zap.String("alert_id", alert.ID),
		zap.String("rule_id", alert.RuleID),
		zap.String("channel", channel),
		zap.Error(err))
	d.metrics.NotifyFailures.WithLabelValues(channel).Inc()

	if d.recorder != nil {
		d.recorder.Record(model.MetricEvent{
			Name:   MetricNotifyFailures,
			Type:   model.MetricTypeCounter,
			Value:  1,
			Tags:   model.NewTags(map[string]string{"channel": channel}),
			Source: model.SourceSystem,
			Error:  true,
		})
	}
}
