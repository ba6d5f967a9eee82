package aggregator

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/perfmon/internal/config"
	"github.com/t77yq/perfmon/internal/metrics"
	"github.com/t77yq/perfmon/internal/model"
)

type settings struct {
	reservoirSize int
	bucketSpan    time.Duration
	maxWindow     time.Duration
	maxBuckets    int
	rollupSpan    time.Duration
	maxRollups    int
	retention     time.Duration
}

type shard struct {
	mu    sync.RWMutex
	stats map[string]*stat
}

// Aggregator keeps rolling statistics per (name, tag signature) key
type Aggregator struct {
	logger  *zap.Logger
	cfg     settings
	sweep   time.Duration
	shards  []*shard
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option customises an Aggregator
type Option func(*Aggregator)

// WithClock overrides the time source used for idle eviction
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithMetrics attaches Prometheus instruments
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Aggregator) { a.metrics = m }
}

// MaxWindow is the longest span Window can resolve
func (a *Aggregator) MaxWindow() time.Duration {
	return a.cfg.maxWindow
}

// New creates an aggregator
func New(cfg config.AggregatorConfig, logger *zap.Logger, opts ...Option) *Aggregator {
	s := settings{
		reservoirSize: cfg.ReservoirSize,
		bucketSpan:    cfg.BucketSpan,
		maxWindow:     cfg.MaxWindow,
		rollupSpan:    cfg.RollupSpan,
		retention:     cfg.RetentionWindow,
	}
	if s.reservoirSize <= 0 {
		s.reservoirSize = 1000
	}
	if s.bucketSpan <= 0 {
		s.bucketSpan = 10 * time.Second
	}
	if s.maxWindow < s.bucketSpan {
		s.maxWindow = s.bucketSpan
	}
	s.maxBuckets = int(s.maxWindow/s.bucketSpan) + 1
	// rollup boundaries must line up with bucket boundaries
	s.rollupSpan = s.rollupSpan.Truncate(s.bucketSpan)
	if s.rollupSpan <= 0 {
		s.rollupSpan = time.Hour.Truncate(s.bucketSpan)
	}
	if cfg.History > 0 {
		s.maxRollups = int(cfg.History/s.rollupSpan) + 1
	}

	count := cfg.Shards
	if count <= 0 {
		count = 16
	}
	a := &Aggregator{
		logger: logger.Named("aggregator"),
		cfg:    s,
		sweep:  cfg.SweepInterval,
		shards: make([]*shard, count),
		now:    time.Now,
	}
	for i := range a.shards {
		a.shards[i] = &shard{stats: make(map[string]*stat)}
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.metrics == nil {
		a.metrics = metrics.NewNop()
	}
	return a
}

func (a *Aggregator) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return a.shards[h.Sum32()%uint32(len(a.shards))]
}

// Update folds an event into the statistic for its key
func (a *Aggregator) Update(event model.MetricEvent) {
	key := event.Key()
	sh := a.shardFor(key)

	sh.mu.RLock()
	st, ok := sh.stats[key]
	sh.mu.RUnlock()

	if !ok {
		sh.mu.Lock()
		if st, ok = sh.stats[key]; !ok {
			st = newStat(key, event)
			sh.stats[key] = st
			a.metrics.AggregatorKeys.Inc()
		}
		sh.mu.Unlock()
	}

	at := event.Timestamp
	if at.IsZero() {
		at = a.now()
	}
	st.mu.Lock()
	st.add(event.Value, at, a.cfg)
	st.mu.Unlock()
}

// UpdateBatch folds every event of a batch
func (a *Aggregator) UpdateBatch(events []model.MetricEvent) {
	for _, e := range events {
		a.Update(e)
	}
}

// Query returns the statistics of every live key with the given name whose
// tags contain filter. An empty name matches every metric.
func (a *Aggregator) Query(name string, filter map[string]string) map[string]model.AggregatedStat {
	now := a.now()
	out := make(map[string]model.AggregatedStat)
	a.each(name, filter, now, func(st *stat) {
		out[st.key] = st.snapshot()
	})
	return out
}

// Get returns the statistic for an exact (name, tags) key
func (a *Aggregator) Get(name string, tags map[string]string) (model.AggregatedStat, bool) {
	key := model.MetricKey(name, model.NewTags(tags))
	sh := a.shardFor(key)

	sh.mu.RLock()
	st, ok := sh.stats[key]
	sh.mu.RUnlock()
	if !ok {
		return model.AggregatedStat{}, false
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if a.idle(st, a.now()) {
		return model.AggregatedStat{}, false
	}
	return st.snapshot(), true
}

// Snapshot returns every live statistic ordered by key
func (a *Aggregator) Snapshot() []model.AggregatedStat {
	stats := a.Query("", nil)
	out := make([]model.AggregatedStat, 0, len(stats))
	for _, s := range stats {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Keys returns every tracked key in sorted order
func (a *Aggregator) Keys() []string {
	var keys []string
	for _, sh := range a.shards {
		sh.mu.RLock()
		for k := range sh.stats {
			keys = append(keys, k)
		}
		sh.mu.RUnlock()
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of tracked keys
func (a *Aggregator) Len() int {
	n := 0
	for _, sh := range a.shards {
		sh.mu.RLock()
		n += len(sh.stats)
		sh.mu.RUnlock()
	}
	return n
}

// Sweep evicts keys that have not been updated within the retention window
// and returns how many were removed.
func (a *Aggregator) Sweep(now time.Time) int {
	removed := 0
	for _, sh := range a.shards {
		sh.mu.Lock()
		for key, st := range sh.stats {
			st.mu.Lock()
			stale := a.idle(st, now)
			st.mu.Unlock()
			if stale {
				delete(sh.stats, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	if removed > 0 {
		a.metrics.AggregatorKeys.Sub(float64(removed))
		a.logger.Debug("Evicted idle keys", zap.Int("count", removed))
	}
	return removed
}

// Run sweeps idle keys every sweep interval until ctx is cancelled
func (a *Aggregator) Run(ctx context.Context) {
	interval := a.sweep
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Sweep(a.now())
		}
	}
}

// each calls fn with the lock held for every live stat matching name and
// filter. Idle stats found along the way are evicted afterwards.
func (a *Aggregator) each(name string, filter map[string]string, now time.Time, fn func(*stat)) {
	for _, sh := range a.shards {
		var stale []string

		sh.mu.RLock()
		for key, st := range sh.stats {
			if name != "" && st.name != name {
				continue
			}
			if !st.tags.Matches(filter) {
				continue
			}
			st.mu.Lock()
			if a.idle(st, now) {
				stale = append(stale, key)
			} else {
				fn(st)
			}
			st.mu.Unlock()
		}
		sh.mu.RUnlock()

		if len(stale) > 0 {
			a.evict(sh, stale, now)
		}
	}
}

func (a *Aggregator) evict(sh *shard, keys []string, now time.Time) {
	removed := 0
	sh.mu.Lock()
	for _, key := range keys {
		st, ok := sh.stats[key]
		if !ok {
			continue
		}
		// An update may have revived the key since the read pass
		st.mu.Lock()
		stale := a.idle(st, now)
		st.mu.Unlock()
		if stale {
			delete(sh.stats, key)
			removed++
		}
	}
	sh.mu.Unlock()
	if removed > 0 {
		a.metrics.AggregatorKeys.Sub(float64(removed))
	}
}

func (a *Aggregator) idle(st *stat, now time.Time) bool {
	if a.cfg.retention <= 0 || st.count == 0 {
		return false
	}
	return now.Sub(st.lastUpdated) > a.cfg.retention
}
