package aggregator

import (
	"math"
	"sort"
	"time"

	"github.com/t77yq/perfmon/internal/model"
)

// Range summarises every key with activity in [start, end], ordered by key.
// Count, sum and extremes come from the time buckets overlapping the range;
// percentiles and deviation are estimated from the reservoir samples taken
// inside it. History older than the fine buckets is read from the rollups, so
// edges that fall there are resolved to the rollup span.
func (a *Aggregator) Range(start, end time.Time) []model.AggregatedStat {
	var out []model.AggregatedStat
	a.each("", nil, a.now(), func(st *stat) {
		if rs, ok := st.rangeStat(start, end, a.cfg); ok {
			out = append(out, rs)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// rangeStat folds the buckets overlapping [start, end]. Caller holds s.mu.
func (s *stat) rangeStat(start, end time.Time, cfg settings) (model.AggregatedStat, bool) {
	out := model.AggregatedStat{
		Key:  s.key,
		Name: s.name,
		Tags: s.tags.Map(),
	}
	fold := func(b bucket) {
		if out.Count == 0 || b.min < out.Min {
			out.Min = b.min
		}
		if out.Count == 0 || b.max > out.Max {
			out.Max = b.max
		}
		if out.Count == 0 || b.start.Before(out.FirstSeen) {
			out.FirstSeen = b.start
		}
		out.Count += b.count
		out.Sum += b.sum
		if b.lastAt.After(out.LastUpdated) {
			out.Last = b.last
			out.LastUpdated = b.lastAt
		}
	}

	// Rollups serve history before boundary, fine buckets everything after
	// it, so no event is counted twice.
	boundary := s.fineFrom
	if !boundary.IsZero() && cfg.maxRollups > 0 {
		boundary = ceilTo(s.fineFrom, cfg.rollupSpan)
		for _, b := range s.rollups {
			if !b.start.Before(boundary) {
				break
			}
			if overlaps(b.start, cfg.rollupSpan, start, end) {
				fold(b)
			}
		}
	}
	for _, b := range s.buckets {
		if b.start.Before(boundary) {
			continue
		}
		if overlaps(b.start, cfg.bucketSpan, start, end) {
			fold(b)
		}
	}
	if out.Count == 0 {
		return model.AggregatedStat{}, false
	}
	out.Mean = out.Sum / float64(out.Count)

	var values []float64
	for _, smp := range s.reservoir {
		if !smp.at.Before(start) && !smp.at.After(end) {
			values = append(values, smp.value)
		}
	}
	out.Samples = len(values)
	if len(values) > 0 {
		sort.Float64s(values)
		out.P50 = percentile(values, 0.50)
		out.P90 = percentile(values, 0.90)
		out.P95 = percentile(values, 0.95)
		out.P99 = percentile(values, 0.99)
	}
	if len(values) > 1 {
		var mean, m2 float64
		for i, v := range values {
			delta := v - mean
			mean += delta / float64(i+1)
			m2 += delta * (v - mean)
		}
		out.StdDev = math.Sqrt(m2 / float64(len(values)-1))
	}
	return out, true
}

func overlaps(bucketStart time.Time, span time.Duration, start, end time.Time) bool {
	return bucketStart.Add(span).After(start) && !bucketStart.After(end)
}

// ceilTo rounds t up to a multiple of d
func ceilTo(t time.Time, d time.Duration) time.Time {
	floor := t.Truncate(d)
	if floor.Before(t) {
		return floor.Add(d)
	}
	return floor
}
