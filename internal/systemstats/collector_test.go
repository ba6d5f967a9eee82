package systemstats

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/perfmon/internal/model"
)

type captureRecorder struct {
	mu     sync.Mutex
	events []model.MetricEvent
}

func (r *captureRecorder) Record(e model.MetricEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *captureRecorder) snapshot() []model.MetricEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.MetricEvent(nil), r.events...)
}

func fixedSampler(u Usage) Sampler {
	return func(context.Context) (Usage, error) { return u, nil }
}

func TestCollect_RecordsGauges(t *testing.T) {
	rec := &captureRecorder{}
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewCollector(rec, time.Second, zaptest.NewLogger(t),
		WithSampler(fixedSampler(Usage{CPUPercent: 42.5, MemoryPercent: 61, MemoryUsed: 2048})),
		WithClock(func() time.Time { return at }))

	c.Collect(context.Background())

	byName := map[string]model.MetricEvent{}
	for _, e := range rec.snapshot() {
		byName[e.Name] = e
	}
	require.Len(t, byName, 4)
	assert.Equal(t, 42.5, byName[MetricCPUPercent].Value)
	assert.Equal(t, 61.0, byName[MetricMemoryPercent].Value)
	assert.Equal(t, 2048.0, byName[MetricMemoryUsed].Value)
	assert.Positive(t, byName[MetricGoroutines].Value)
	for _, e := range byName {
		assert.Equal(t, model.SourceSystem, e.Source)
		assert.Equal(t, model.MetricTypeGauge, e.Type)
		assert.Equal(t, at, e.Timestamp)
	}
}

func TestCollect_SamplerError(t *testing.T) {
	rec := &captureRecorder{}
	c := NewCollector(rec, time.Second, zaptest.NewLogger(t),
		WithSampler(func(context.Context) (Usage, error) { return Usage{}, errors.New("no procfs") }))

	c.Collect(context.Background())
	assert.Empty(t, rec.snapshot())
}

func TestCollector_StartStop(t *testing.T) {
	rec := &captureRecorder{}
	c := NewCollector(rec, 10*time.Millisecond, zaptest.NewLogger(t),
		WithSampler(fixedSampler(Usage{CPUPercent: 1})))

	require.NoError(t, c.Start(context.Background()))
	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)

	require.Eventually(t, func() bool { return len(rec.snapshot()) >= 8 }, 2*time.Second, 5*time.Millisecond)

	c.Stop()
	n := len(rec.snapshot())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, len(rec.snapshot()), "no samples after stop")
	c.Stop()
}

func TestHostSampler(t *testing.T) {
	usage, err := HostSampler(context.Background())
	if err != nil {
		t.Skipf("host metrics unavailable: %v", err)
	}
	assert.GreaterOrEqual(t, usage.MemoryPercent, 0.0)
	assert.LessOrEqual(t, usage.MemoryPercent, 100.0)
}
