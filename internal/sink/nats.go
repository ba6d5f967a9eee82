package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/perfmon/internal/jetstream"
	"github.com/t77yq/perfmon/internal/model"
)

const (
	// MetricsStream is the JetStream stream holding published metric events
	MetricsStream = "METRICS"

	metricsSubjectPrefix = "metrics."
)

// NATSSink publishes every event to metrics.<source> on JetStream
type NATSSink struct {
	js     nats.JetStreamContext
	logger *zap.Logger
}

// NewNATSSink creates the sink, creating the metrics stream when missing
func NewNATSSink(js nats.JetStreamContext, logger *zap.Logger) (*NATSSink, error) {
	if err := jetstream.EnsureStream(js, MetricsStream, metricsSubjectPrefix+">"); err != nil {
		return nil, err
	}
	return &NATSSink{
		js:     js,
		logger: logger.Named("nats-sink"),
	}, nil
}

func (s *NATSSink) Name() string { return "nats" }

// Write publishes the batch asynchronously and waits for every ack
func (s *NATSSink) Write(ctx context.Context, events []model.MetricEvent) error {
	futures := make([]nats.PubAckFuture, 0, len(events))
	for _, e := range events {
		data, err := json.Marshal(toRecord(e))
		if err != nil {
			return fmt.Errorf("failed to encode metric %s: %w", e.Name, err)
		}
		future, err := s.js.PublishAsync(metricsSubjectPrefix+sourceOf(e), data)
		if err != nil {
			return fmt.Errorf("failed to publish metric: %w", err)
		}
		futures = append(futures, future)
	}

	var errs []error
	for _, f := range futures {
		select {
		case <-f.Ok():
		case err := <-f.Err():
			errs = append(errs, err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if len(errs) > 0 {
		s.logger.Warn("Metric publish not acknowledged",
			zap.Int("failed", len(errs)),
			zap.Int("batch", len(events)))
		return fmt.Errorf("failed to publish %d of %d metrics: %w", len(errs), len(events), errors.Join(errs...))
	}
	return nil
}
