package aggregator

import (
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/perfmon/internal/config"
	"github.com/t77yq/perfmon/internal/model"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestAggregator(t *testing.T, mutate func(*config.AggregatorConfig)) (*Aggregator, *clock) {
	t.Helper()
	cfg := config.Default().Aggregator
	if mutate != nil {
		mutate(&cfg)
	}
	clk := &clock{now: base}
	return New(cfg, zaptest.NewLogger(t), WithClock(clk.Now)), clk
}

func event(name string, value float64, at time.Time, tags map[string]string) model.MetricEvent {
	return model.MetricEvent{
		Name:      name,
		Type:      model.MetricTypeTiming,
		Value:     value,
		Tags:      model.NewTags(tags),
		Timestamp: at,
	}
}

func TestAggregator_CountConservation(t *testing.T) {
	agg, _ := newTestAggregator(t, nil)

	const total = 5000
	for i := 0; i < total; i++ {
		agg.Update(event("http.request.duration", float64(i%97), base, map[string]string{
			"path": fmt.Sprintf("/p%d", i%7),
		}))
	}

	var sum int64
	for _, s := range agg.Query("http.request.duration", nil) {
		sum += s.Count
	}
	assert.Equal(t, int64(total), sum)
	assert.Equal(t, 7, agg.Len())
}

func TestAggregator_TagOrderRoundTrip(t *testing.T) {
	agg, _ := newTestAggregator(t, nil)

	// Same tag set built in a different order must land on the same key
	agg.Update(model.MetricEvent{
		Name:      "db.query.duration",
		Value:     12,
		Tags:      model.Tags{{Key: "model", Value: "Work"}, {Key: "action", Value: "find"}},
		Timestamp: base,
	})

	st, ok := agg.Get("db.query.duration", map[string]string{"action": "find", "model": "Work"})
	require.True(t, ok)
	assert.Equal(t, int64(1), st.Count)
	assert.Equal(t, map[string]string{"action": "find", "model": "Work"}, st.Tags)
	assert.Equal(t, "db.query.duration{action=find,model=Work}", st.Key)
}

func TestAggregator_WelfordStatistics(t *testing.T) {
	agg, _ := newTestAggregator(t, nil)

	for _, v := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		agg.Update(event("m", v, base, nil))
	}

	st, ok := agg.Get("m", nil)
	require.True(t, ok)
	assert.Equal(t, int64(8), st.Count)
	assert.Equal(t, 40.0, st.Sum)
	assert.Equal(t, 2.0, st.Min)
	assert.Equal(t, 9.0, st.Max)
	assert.Equal(t, 9.0, st.Last)
	assert.InDelta(t, 5.0, st.Mean, 1e-9)
	assert.InDelta(t, math.Sqrt(32.0/7.0), st.StdDev, 1e-9)
}

func TestAggregator_Percentiles(t *testing.T) {
	agg, _ := newTestAggregator(t, nil)

	for i := 100; i >= 1; i-- {
		agg.Update(event("latency", float64(i), base, nil))
	}

	st, ok := agg.Get("latency", nil)
	require.True(t, ok)
	assert.InDelta(t, 50.5, st.P50, 1e-9)
	assert.InDelta(t, 90.1, st.P90, 1e-9)
	assert.InDelta(t, 95.05, st.P95, 1e-9)
	assert.InDelta(t, 99.01, st.P99, 1e-9)
}

func TestAggregator_ReservoirBounded(t *testing.T) {
	agg, _ := newTestAggregator(t, func(c *config.AggregatorConfig) { c.ReservoirSize = 50 })

	for i := 0; i < 5000; i++ {
		agg.Update(event("m", float64(i), base, nil))
	}

	st, ok := agg.Get("m", nil)
	require.True(t, ok)
	assert.Equal(t, int64(5000), st.Count)
	assert.Equal(t, 50, st.Samples)
	assert.GreaterOrEqual(t, st.P50, 0.0)
	assert.LessOrEqual(t, st.P99, 4999.0)
}

func TestAggregator_Window(t *testing.T) {
	agg, _ := newTestAggregator(t, nil)
	now := base

	agg.Update(event("http.request.duration", 900, now.Add(-30*time.Minute), map[string]string{"path": "/a"}))
	agg.Update(event("http.request.duration", 100, now.Add(-time.Minute), map[string]string{"path": "/a"}))
	agg.Update(event("http.request.duration", 300, now.Add(-30*time.Second), map[string]string{"path": "/b"}))

	sel := model.MetricSelector{Metric: "http.request.duration", Aggregation: model.AggregationCount}

	v, ok := agg.Window(sel, 5*time.Minute, now)
	require.True(t, ok)
	assert.Equal(t, 2.0, v)

	v, ok = agg.Window(sel, time.Hour, now)
	require.True(t, ok)
	assert.Equal(t, 3.0, v)

	sel.Aggregation = model.AggregationAvg
	v, ok = agg.Window(sel, 5*time.Minute, now)
	require.True(t, ok)
	assert.Equal(t, 200.0, v)

	sel.Aggregation = model.AggregationMax
	v, _ = agg.Window(sel, time.Hour, now)
	assert.Equal(t, 900.0, v)

	sel.Aggregation = model.AggregationLast
	v, _ = agg.Window(sel, time.Hour, now)
	assert.Equal(t, 300.0, v)

	sel.Tags = map[string]string{"path": "/a"}
	sel.Aggregation = model.AggregationSum
	v, ok = agg.Window(sel, 5*time.Minute, now)
	require.True(t, ok)
	assert.Equal(t, 100.0, v)
}

func TestAggregator_WindowRateAndPercentile(t *testing.T) {
	agg, _ := newTestAggregator(t, nil)
	now := base

	for i := 0; i < 30; i++ {
		agg.Update(event("booking.created", float64(i+1), now.Add(-time.Duration(i)*time.Second), nil))
	}

	v, ok := agg.Window(model.MetricSelector{Metric: "booking.created", Aggregation: model.AggregationRate}, time.Minute, now)
	require.True(t, ok)
	assert.InDelta(t, 0.5, v, 1e-9)

	v, ok = agg.Window(model.MetricSelector{Metric: "booking.created", Aggregation: model.AggregationP50}, time.Minute, now)
	require.True(t, ok)
	assert.InDelta(t, 15.5, v, 1e-9)
}

func TestAggregator_WindowAbsentData(t *testing.T) {
	agg, _ := newTestAggregator(t, nil)

	_, ok := agg.Window(model.MetricSelector{Metric: "missing", Aggregation: model.AggregationAvg}, time.Minute, base)
	assert.False(t, ok)

	agg.Update(event("old", 1, base.Add(-50*time.Minute), nil))
	_, ok = agg.Window(model.MetricSelector{Metric: "old", Aggregation: model.AggregationCount}, time.Minute, base)
	assert.False(t, ok)
}

func TestAggregator_IdleEviction(t *testing.T) {
	agg, clk := newTestAggregator(t, func(c *config.AggregatorConfig) { c.RetentionWindow = time.Minute })

	agg.Update(event("stale", 1, base, nil))
	agg.Update(event("fresh", 1, base, nil))
	require.Equal(t, 2, agg.Len())

	clk.Advance(2 * time.Minute)
	agg.Update(event("fresh", 1, clk.Now(), nil))

	stats := agg.Query("", nil)
	require.Len(t, stats, 1)
	assert.Contains(t, stats, "fresh")
	assert.Equal(t, 1, agg.Len(), "stale key evicted lazily by Query")

	_, ok := agg.Get("stale", nil)
	assert.False(t, ok)

	clk.Advance(2 * time.Minute)
	assert.Equal(t, 1, agg.Sweep(clk.Now()))
	assert.Empty(t, agg.Keys())
}

func TestAggregator_ConcurrentUpdates(t *testing.T) {
	agg, _ := newTestAggregator(t, func(c *config.AggregatorConfig) { c.Shards = 4 })

	const workers, perWorker = 8, 1000
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				agg.Update(event("cache.hit", 1, base, map[string]string{"op": fmt.Sprintf("op%d", i%3)}))
				if i%100 == 0 {
					agg.Query("cache.hit", nil)
				}
			}
		}(w)
	}
	wg.Wait()

	var sum int64
	for _, s := range agg.Snapshot() {
		sum += s.Count
	}
	assert.Equal(t, int64(workers*perWorker), sum)
	assert.Len(t, agg.Keys(), 3)
}

func TestAggregator_RangeCoversPartOfHistory(t *testing.T) {
	agg, _ := newTestAggregator(t, nil)
	for i := 0; i < 180; i++ {
		agg.Update(event("latency", float64(i), base.Add(-time.Duration(i)*time.Minute), nil))
	}

	stats := agg.Range(base.Add(-10*time.Minute), base)
	require.Len(t, stats, 1)
	st := stats[0]
	assert.Equal(t, int64(11), st.Count)
	assert.Equal(t, 55.0, st.Sum)
	assert.Equal(t, 0.0, st.Min)
	assert.Equal(t, 10.0, st.Max)
	assert.Equal(t, 5.0, st.Mean)
	assert.Equal(t, 5.0, st.P50)
	assert.Equal(t, 11, st.Samples)
	assert.Equal(t, 0.0, st.Last)

	all := agg.Range(base.Add(-24*time.Hour), base)
	require.Len(t, all, 1)
	assert.Equal(t, int64(180), all[0].Count)

	assert.Empty(t, agg.Range(base.Add(-48*time.Hour), base.Add(-24*time.Hour)))
}

func TestAggregator_RangeUsesRollupsBeyondFineHistory(t *testing.T) {
	agg, _ := newTestAggregator(t, func(c *config.AggregatorConfig) {
		c.MaxWindow = 10 * time.Minute
	})
	// oldest first, so the fine buckets trim down to the last hour
	for i := 179; i >= 0; i-- {
		agg.Update(event("latency", float64(i), base.Add(-time.Duration(i)*time.Minute), nil))
	}

	stats := agg.Range(base.Add(-2*time.Hour), base)
	require.Len(t, stats, 1)
	assert.Equal(t, int64(121), stats[0].Count)
	assert.Equal(t, 7260.0, stats[0].Sum)
	assert.Equal(t, 120.0, stats[0].Max)

	recent := agg.Range(base.Add(-10*time.Minute), base)
	require.Len(t, recent, 1)
	assert.Equal(t, int64(11), recent[0].Count)

	all := agg.Range(base.Add(-24*time.Hour), base)
	require.Len(t, all, 1)
	assert.Equal(t, int64(180), all[0].Count)
}
