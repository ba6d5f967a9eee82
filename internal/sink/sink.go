// Package sink holds the destinations flushed metric batches are written to.
package sink

import (
	"context"
	"errors"

	"github.com/t77yq/perfmon/internal/model"
)

var (
	// ErrSinkClosed is returned when writing to a closed sink
	ErrSinkClosed = errors.New("sink closed")
)

// Sink receives batches of metric events from the flusher. Write must honour
// ctx cancellation; the flusher bounds every call with a timeout.
type Sink interface {
	Name() string
	Write(ctx context.Context, events []model.MetricEvent) error
}

// Closer is implemented by sinks holding connections or files
type Closer interface {
	Close() error
}

// record is the serialised form shared by the file, NATS and Redis sinks
type record struct {
	Timestamp string            `json:"timestamp"`
	Name      string            `json:"name"`
	Type      model.MetricType  `json:"type"`
	Value     float64           `json:"value"`
	Unit      string            `json:"unit,omitempty"`
	Source    model.Source      `json:"source,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
}

func toRecord(e model.MetricEvent) record {
	r := record{
		Timestamp: e.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Name:      e.Name,
		Type:      e.Type,
		Value:     e.Value,
		Unit:      e.Unit,
		Source:    e.Source,
	}
	if len(e.Tags) > 0 {
		r.Tags = e.Tags.Map()
	}
	return r
}

func sourceOf(e model.MetricEvent) string {
	if e.Source == "" {
		return "unknown"
	}
	return string(e.Source)
}
