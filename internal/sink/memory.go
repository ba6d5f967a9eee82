package sink

import (
	"context"
	"sync"

	"github.com/t77yq/perfmon/internal/model"
)

// MemorySink keeps the most recent events per source in bounded rings
type MemorySink struct {
	mu       sync.RWMutex
	capacity int
	rings    map[model.Source][]model.MetricEvent
}

// NewMemorySink creates a memory sink keeping capacity events per source
func NewMemorySink(capacity int) *MemorySink {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemorySink{
		capacity: capacity,
		rings:    make(map[model.Source][]model.MetricEvent),
	}
}

func (s *MemorySink) Name() string { return "memory" }

// Write appends the batch, discarding the oldest events beyond capacity
func (s *MemorySink) Write(ctx context.Context, events []model.MetricEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range events {
		ring := append(s.rings[e.Source], e)
		if over := len(ring) - s.capacity; over > 0 {
			ring = append(ring[:0], ring[over:]...)
		}
		s.rings[e.Source] = ring
	}
	return nil
}

// Recent returns up to limit of the newest events, oldest first. An empty
// source returns events of every source merged by timestamp.
func (s *MemorySink) Recent(source model.Source, limit int) []model.MetricEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.MetricEvent
	if source != "" {
		out = append(out, s.rings[source]...)
	} else {
		for _, ring := range s.rings {
			out = append(out, ring...)
		}
		sortByTime(out)
	}

	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func sortByTime(events []model.MetricEvent) {
	// insertion sort keeps equal timestamps in their per-source order
	for i := 1; i < len(events); i++ {
		for j := i; j > 0 && events[j].Timestamp.Before(events[j-1].Timestamp); j-- {
			events[j], events[j-1] = events[j-1], events[j]
		}
	}
}
