// Package report renders periodic and on-demand performance summaries.
package report

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/perfmon/internal/config"
	"github.com/t77yq/perfmon/internal/metrics"
	"github.com/t77yq/perfmon/internal/model"
)

// memoryLimit bounds the artifacts kept when no store is configured
const memoryLimit = 100

// StatsSource provides per-key statistics restricted to a time range
type StatsSource interface {
	Range(start, end time.Time) []model.AggregatedStat
}

// AlertSource provides the alerts a report lists
type AlertSource interface {
	ListSince(t time.Time) []model.Alert
}

// ArtifactStore persists rendered reports
type ArtifactStore interface {
	SaveReport(ctx context.Context, r model.ReportArtifact) error
	GetReport(ctx context.Context, id string) (model.ReportArtifact, error)
	ListReports(ctx context.Context, limit int) ([]model.ReportArtifact, error)
	DeleteReportsBefore(ctx context.Context, before time.Time) (int, error)
}

// Request describes the report to generate
type Request struct {
	Type        model.ReportType
	Period      model.ReportPeriod
	WindowStart time.Time
	WindowEnd   time.Time
	Format      model.ReportFormat
}

// Reporter builds report artifacts and runs them on cron schedules
type Reporter struct {
	logger  *zap.Logger
	cfg     config.ReportConfig
	stats   StatsSource
	alerts  AlertSource
	store   ArtifactStore
	metrics *metrics.Metrics
	now     func() time.Time
	cron    *cron.Cron

	mu     sync.RWMutex
	latest map[model.ReportPeriod]model.ReportArtifact
	recent []model.ReportArtifact
}

// Option customises a Reporter
type Option func(*Reporter)

// WithStore persists artifacts instead of keeping them in memory
func WithStore(store ArtifactStore) Option {
	return func(r *Reporter) { r.store = store }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(r *Reporter) { r.now = now }
}

// WithMetrics attaches Prometheus instruments
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reporter) { r.metrics = m }
}

// NewReporter creates a reporter
func NewReporter(cfg config.ReportConfig, stats StatsSource, alerts AlertSource, logger *zap.Logger, opts ...Option) *Reporter {
	logger = logger.Named("reporter")
	r := &Reporter{
		logger: logger,
		cfg:    cfg,
		stats:  stats,
		alerts: alerts,
		now:    time.Now,
		latest: make(map[model.ReportPeriod]model.ReportArtifact),
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.Recover(&cronLogger{logger: logger.Named("cron")})),
		),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = metrics.NewNop()
	}
	return r
}

// Generate builds, renders and stores one report
func (r *Reporter) Generate(ctx context.Context, req Request) (model.ReportArtifact, error) {
	if req.WindowStart.IsZero() || !req.WindowEnd.After(req.WindowStart) {
		r.metrics.ReportFailures.Inc()
		return model.ReportArtifact{}, fmt.Errorf("%w: %s to %s", ErrInvalidWindow, req.WindowStart, req.WindowEnd)
	}
	if req.Format == "" {
		req.Format = r.cfg.Format
	}
	if req.Type == "" {
		req.Type = model.ReportTypeCustom
	}
	if req.Period == "" {
		req.Period = model.ReportPeriodCustom
	}

	generatedAt := r.now()
	summary := summarize(req, generatedAt, r.stats.Range(req.WindowStart, req.WindowEnd), r.alerts.ListSince(req.WindowStart))
	payload, err := render(req.Format, summary)
	if err != nil {
		r.metrics.ReportFailures.Inc()
		return model.ReportArtifact{}, err
	}

	artifact := model.ReportArtifact{
		ID:          uuid.New().String(),
		Type:        req.Type,
		Period:      req.Period,
		WindowStart: req.WindowStart,
		WindowEnd:   req.WindowEnd,
		Format:      req.Format,
		GeneratedAt: generatedAt,
		Payload:     payload,
	}

	if r.store != nil {
		if err := r.store.SaveReport(ctx, artifact); err != nil {
			r.metrics.ReportFailures.Inc()
			return model.ReportArtifact{}, fmt.Errorf("failed to save report: %w", err)
		}
	}

	r.mu.Lock()
	r.latest[artifact.Period] = artifact
	if r.store == nil {
		r.recent = append(r.recent, artifact)
		if over := len(r.recent) - memoryLimit; over > 0 {
			r.recent = append(r.recent[:0], r.recent[over:]...)
		}
	}
	r.mu.Unlock()

	r.metrics.ReportsGenerated.WithLabelValues(string(artifact.Period)).Inc()
	r.logger.Info("Generated report",
		zap.String("id", artifact.ID),
		zap.String("period", string(artifact.Period)),
		zap.String("format", string(artifact.Format)),
		zap.Int("metrics", len(summary.Metrics)),
		zap.Int("alerts", len(summary.Alerts)))

	return artifact, nil
}

// GeneratePeriod generates the report for the period ending now
func (r *Reporter) GeneratePeriod(ctx context.Context, period model.ReportPeriod) (model.ReportArtifact, error) {
	end := r.now()
	start, err := WindowStart(period, end)
	if err != nil {
		return model.ReportArtifact{}, err
	}
	return r.Generate(ctx, Request{
		Type:        model.ReportTypeScheduled,
		Period:      period,
		WindowStart: start,
		WindowEnd:   end,
	})
}

// WindowStart returns the start of the window a period covers up to end
func WindowStart(period model.ReportPeriod, end time.Time) (time.Time, error) {
	switch period {
	case model.ReportPeriodDaily:
		return end.Add(-24 * time.Hour), nil
	case model.ReportPeriodWeekly:
		return end.AddDate(0, 0, -7), nil
	case model.ReportPeriodMonthly:
		return end.AddDate(0, -1, 0), nil
	default:
		return time.Time{}, fmt.Errorf("%w: no window for period %q", ErrInvalidWindow, period)
	}
}

// Latest returns the most recent report generated for a period
func (r *Reporter) Latest(period model.ReportPeriod) (model.ReportArtifact, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.latest[period]
	return a, ok
}

// Get returns a stored report by id
func (r *Reporter) Get(ctx context.Context, id string) (model.ReportArtifact, error) {
	if r.store != nil {
		return r.store.GetReport(ctx, id)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.recent {
		if a.ID == id {
			return a, nil
		}
	}
	return model.ReportArtifact{}, fmt.Errorf("%w: %s", ErrReportNotFound, id)
}

// List returns reports newest first. A limit of zero or less returns all.
func (r *Reporter) List(ctx context.Context, limit int) ([]model.ReportArtifact, error) {
	if r.store != nil {
		return r.store.ListReports(ctx, limit)
	}
	r.mu.RLock()
	out := make([]model.ReportArtifact, len(r.recent))
	copy(out, r.recent)
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].GeneratedAt.After(out[j].GeneratedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Prune deletes reports generated before the given time
func (r *Reporter) Prune(ctx context.Context, before time.Time) (int, error) {
	if r.store != nil {
		return r.store.DeleteReportsBefore(ctx, before)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.recent[:0]
	for _, a := range r.recent {
		if !a.GeneratedAt.Before(before) {
			kept = append(kept, a)
		}
	}
	removed := len(r.recent) - len(kept)
	r.recent = kept
	return removed, nil
}
