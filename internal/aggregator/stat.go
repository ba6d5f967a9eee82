package aggregator

import (
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/t77yq/perfmon/internal/model"
)

type sample struct {
	value float64
	at    time.Time
}

type bucket struct {
	start  time.Time
	count  int64
	sum    float64
	min    float64
	max    float64
	last   float64
	lastAt time.Time
}

// stat holds the running statistics of one (name, tag signature) key
type stat struct {
	mu sync.Mutex

	key  string
	name string
	tags model.Tags

	count int64
	sum   float64
	min   float64
	max   float64
	last  float64

	// Welford running mean and sum of squared deviations
	mean float64
	m2   float64

	reservoir []sample
	seen      int64

	buckets []bucket // ordered by start, oldest first
	// fineFrom is zero until buckets are first trimmed; afterwards every
	// event at or after it lives in buckets
	fineFrom time.Time

	// hourly (rollupSpan) history kept for reports, ordered like buckets
	rollups []bucket

	firstSeen   time.Time
	lastUpdated time.Time
}

func newStat(key string, event model.MetricEvent) *stat {
	return &stat{
		key:  key,
		name: event.Name,
		tags: event.Tags,
	}
}

// add folds one value into the statistic. Caller holds s.mu.
func (s *stat) add(value float64, at time.Time, cfg settings) {
	if s.count == 0 {
		s.min = value
		s.max = value
		s.firstSeen = at
	}
	s.count++
	s.sum += value
	if value < s.min {
		s.min = value
	}
	if value > s.max {
		s.max = value
	}
	if !at.Before(s.lastUpdated) {
		s.last = value
		s.lastUpdated = at
	}
	if at.Before(s.firstSeen) {
		s.firstSeen = at
	}

	delta := value - s.mean
	s.mean += delta / float64(s.count)
	s.m2 += delta * (value - s.mean)

	s.seen++
	if len(s.reservoir) < cfg.reservoirSize {
		s.reservoir = append(s.reservoir, sample{value: value, at: at})
	} else if j := rand.Int64N(s.seen); j < int64(cfg.reservoirSize) {
		s.reservoir[j] = sample{value: value, at: at}
	}

	s.addToBucket(value, at, cfg)
}

func (s *stat) addToBucket(value float64, at time.Time, cfg settings) {
	var trimmed bool
	s.buckets, trimmed = addBucket(s.buckets, value, at, cfg.bucketSpan, cfg.maxBuckets)
	if trimmed {
		s.fineFrom = s.buckets[0].start
	}
	if cfg.maxRollups > 0 {
		s.rollups, _ = addBucket(s.rollups, value, at, cfg.rollupSpan, cfg.maxRollups)
	}
}

// addBucket folds value into the span-aligned bucket holding at, keeping at
// most limit buckets. It reports whether the oldest buckets were dropped.
func addBucket(buckets []bucket, value float64, at time.Time, span time.Duration, limit int) ([]bucket, bool) {
	start := at.Truncate(span)

	// Events usually arrive in order, so search from the newest bucket
	idx := len(buckets)
	for idx > 0 && buckets[idx-1].start.After(start) {
		idx--
	}
	if idx > 0 && buckets[idx-1].start.Equal(start) {
		b := &buckets[idx-1]
		b.count++
		b.sum += value
		if value < b.min {
			b.min = value
		}
		if value > b.max {
			b.max = value
		}
		if !at.Before(b.lastAt) {
			b.last = value
			b.lastAt = at
		}
		return buckets, false
	}

	b := bucket{start: start, count: 1, sum: value, min: value, max: value, last: value, lastAt: at}
	buckets = append(buckets, bucket{})
	copy(buckets[idx+1:], buckets[idx:])
	buckets[idx] = b

	if over := len(buckets) - limit; over > 0 {
		return append(buckets[:0], buckets[over:]...), true
	}
	return buckets, false
}

// snapshot renders the statistic. Caller holds s.mu.
func (s *stat) snapshot() model.AggregatedStat {
	out := model.AggregatedStat{
		Key:         s.key,
		Name:        s.name,
		Tags:        s.tags.Map(),
		Count:       s.count,
		Sum:         s.sum,
		Min:         s.min,
		Max:         s.max,
		Last:        s.last,
		Mean:        s.mean,
		Samples:     len(s.reservoir),
		FirstSeen:   s.firstSeen,
		LastUpdated: s.lastUpdated,
	}
	if s.count > 1 {
		out.StdDev = math.Sqrt(s.m2 / float64(s.count-1))
	}
	if len(s.reservoir) > 0 {
		values := make([]float64, len(s.reservoir))
		for i, smp := range s.reservoir {
			values[i] = smp.value
		}
		sort.Float64s(values)
		out.P50 = percentile(values, 0.50)
		out.P90 = percentile(values, 0.90)
		out.P95 = percentile(values, 0.95)
		out.P99 = percentile(values, 0.99)
	}
	return out
}

// percentile interpolates linearly between closest ranks of sorted values
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return values[0]
	}
	if p >= 1 {
		return values[len(values)-1]
	}
	pos := p * float64(len(values)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return values[lower]
	}
	weight := pos - float64(lower)
	return values[lower]*(1-weight) + values[upper]*weight
}
