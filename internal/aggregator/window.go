package aggregator

import (
	"sort"
	"time"

	"github.com/t77yq/perfmon/internal/model"
)

// Window resolves a selector over [now-window, now], combining every key whose
// name matches and whose tags contain the selector filter. ok is false when
// no matching data falls inside the window.
func (a *Aggregator) Window(sel model.MetricSelector, window time.Duration, now time.Time) (float64, bool) {
	if window <= 0 || window > a.cfg.maxWindow {
		window = a.cfg.maxWindow
	}
	cutoff := now.Add(-window)

	var (
		count       int64
		sum         float64
		lo, hi      float64
		last        float64
		lastAt      time.Time
		values      []float64
		wantSamples = isPercentile(sel.Aggregation)
	)

	a.each(sel.Metric, sel.Tags, now, func(st *stat) {
		for _, b := range st.buckets {
			// a bucket counts when it overlaps the window
			if !b.start.Add(a.cfg.bucketSpan).After(cutoff) || b.start.After(now) {
				continue
			}
			if count == 0 || b.min < lo {
				lo = b.min
			}
			if count == 0 || b.max > hi {
				hi = b.max
			}
			count += b.count
			sum += b.sum
			if b.lastAt.After(lastAt) {
				last = b.last
				lastAt = b.lastAt
			}
		}
		if wantSamples {
			for _, smp := range st.reservoir {
				if !smp.at.Before(cutoff) && !smp.at.After(now) {
					values = append(values, smp.value)
				}
			}
		}
	})

	if count == 0 {
		return 0, false
	}

	switch sel.Aggregation {
	case model.AggregationCount:
		return float64(count), true
	case model.AggregationSum:
		return sum, true
	case model.AggregationAvg, "":
		return sum / float64(count), true
	case model.AggregationMin:
		return lo, true
	case model.AggregationMax:
		return hi, true
	case model.AggregationLast:
		return last, true
	case model.AggregationRate:
		return float64(count) / window.Seconds(), true
	}

	if !wantSamples || len(values) == 0 {
		return 0, false
	}
	sort.Float64s(values)
	return percentileOf(values, sel.Aggregation), true
}

func isPercentile(agg model.Aggregation) bool {
	switch agg {
	case model.AggregationP50, model.AggregationP90, model.AggregationP95, model.AggregationP99:
		return true
	}
	return false
}

func percentileOf(sorted []float64, agg model.Aggregation) float64 {
	switch agg {
	case model.AggregationP50:
		return percentile(sorted, 0.50)
	case model.AggregationP90:
		return percentile(sorted, 0.90)
	case model.AggregationP95:
		return percentile(sorted, 0.95)
	default:
		return percentile(sorted, 0.99)
	}
}
