// Package pipeline assembles the recorder, flusher, aggregator, rule engine,
// alert store, notifier and reporter into one running service.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/t77yq/perfmon/internal/aggregator"
	"github.com/t77yq/perfmon/internal/alert"
	"github.com/t77yq/perfmon/internal/api"
	"github.com/t77yq/perfmon/internal/collector"
	"github.com/t77yq/perfmon/internal/config"
	"github.com/t77yq/perfmon/internal/flusher"
	"github.com/t77yq/perfmon/internal/jetstream"
	"github.com/t77yq/perfmon/internal/metrics"
	"github.com/t77yq/perfmon/internal/model"
	"github.com/t77yq/perfmon/internal/notify"
	"github.com/t77yq/perfmon/internal/report"
	"github.com/t77yq/perfmon/internal/rules"
	"github.com/t77yq/perfmon/internal/sink"
	"github.com/t77yq/perfmon/internal/storage"
	"github.com/t77yq/perfmon/internal/systemstats"
)

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"

	alertPruneInterval = time.Hour
)

var ErrAlreadyStarted = errors.New("pipeline already started")

// ruleNamespace derives stable ids for file rules that do not declare one
var ruleNamespace = uuid.MustParse("8f6b0f4e-4c55-4c36-9a55-6d0a3c1f2e71")

// Pipeline owns every component and their lifecycle
type Pipeline struct {
	logger *zap.Logger
	cfg    config.Config

	Registry   *prometheus.Registry
	Metrics    *metrics.Metrics
	Recorder   *collector.Recorder
	Aggregator *aggregator.Aggregator
	Memory     *sink.MemorySink
	Flusher    *flusher.Flusher
	Alerts     *alert.Store
	Rules      *rules.Engine
	Notifier   *notify.Dispatcher
	Reporter   *report.Reporter
	System     *systemstats.Collector

	db      *storage.SQLiteStore
	nc      *nats.Conn
	closers []sink.Closer

	now func() time.Time

	mu        sync.Mutex
	started   bool
	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New builds the pipeline from cfg. Persisted rules and alerts are restored
// and the rule file, if configured, is applied on top.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Pipeline, error) {
	p := &Pipeline{
		logger:   logger.Named("pipeline"),
		cfg:      cfg,
		now:      time.Now,
		Registry: prometheus.NewRegistry(),
	}
	p.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	p.Metrics = metrics.New(p.Registry)

	if err := p.build(ctx, logger); err != nil {
		p.close()
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) build(ctx context.Context, logger *zap.Logger) error {
	cfg := p.cfg

	if cfg.Storage.DBPath != "" {
		db, err := storage.Open(logger, cfg.Storage.DBPath)
		if err != nil {
			return err
		}
		p.db = db
	}

	p.Recorder = collector.NewRecorder(cfg.Collector, logger, collector.WithMetrics(p.Metrics))
	p.Aggregator = aggregator.New(cfg.Aggregator, logger, aggregator.WithMetrics(p.Metrics))

	var js nats.JetStreamContext
	if cfg.Sinks.NATS.Enabled || cfg.Notify.NATSEnabled {
		nc, jsCtx, err := jetstream.Connect(cfg.Sinks.NATS.URL, logger)
		if err != nil {
			return err
		}
		p.nc = nc
		js = jsCtx
	}

	sinks, err := p.buildSinks(ctx, js, logger)
	if err != nil {
		return err
	}
	p.Flusher = flusher.New(cfg.Flusher, p.Recorder, p.Aggregator, sinks, logger, flusher.WithMetrics(p.Metrics))

	alertOpts := []alert.Option{}
	if p.db != nil {
		alertOpts = append(alertOpts, alert.WithRepository(p.db))
	}
	p.Alerts = alert.NewStore(logger, alertOpts...)
	if err := p.Alerts.Load(ctx); err != nil {
		return err
	}

	p.Notifier = notify.NewDispatcher(cfg.Notify.DispatchTimeout, logger,
		notify.WithRecorder(p.Recorder),
		notify.WithMetrics(p.Metrics))
	if err := p.registerChannels(js); err != nil {
		return err
	}

	ruleOpts := []rules.Option{
		rules.WithMetrics(p.Metrics),
		rules.WithMaxWindow(p.Aggregator.MaxWindow()),
	}
	if p.db != nil {
		ruleOpts = append(ruleOpts, rules.WithRepository(p.db))
	}
	p.Rules = rules.NewEngine(cfg.Rules, p.Aggregator, p.Alerts, p.Notifier, logger, ruleOpts...)
	if err := p.Rules.LoadRules(ctx); err != nil {
		return err
	}
	if cfg.Rules.File != "" {
		if err := p.applyRuleFile(ctx, cfg.Rules.File); err != nil {
			return err
		}
	}

	reportOpts := []report.Option{report.WithMetrics(p.Metrics)}
	if p.db != nil {
		reportOpts = append(reportOpts, report.WithStore(p.db))
	}
	p.Reporter = report.NewReporter(cfg.Report, p.Aggregator, p.Alerts, logger, reportOpts...)

	if cfg.System.Enabled {
		p.System = systemstats.NewCollector(p.Recorder, cfg.System.Interval, logger)
	}
	return nil
}

func (p *Pipeline) buildSinks(ctx context.Context, js nats.JetStreamContext, logger *zap.Logger) ([]sink.Sink, error) {
	cfg := p.cfg.Sinks

	p.Memory = sink.NewMemorySink(cfg.MemoryCapacity)
	sinks := []sink.Sink{p.Memory}

	if cfg.File.Enabled {
		s, err := sink.NewFileSink(cfg.File, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
		p.closers = append(p.closers, s)
	}
	if cfg.NATS.Enabled {
		s, err := sink.NewNATSSink(js, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if cfg.Redis.Enabled {
		s, err := sink.NewRedisSink(cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
		p.closers = append(p.closers, s)
	}
	if cfg.Postgres.Enabled {
		s, err := sink.NewPostgresSink(ctx, cfg.Postgres.DSN, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
		p.closers = append(p.closers, s)
	}

	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	p.logger.Info("Configured sinks", zap.Strings("sinks", names))
	return sinks, nil
}

func (p *Pipeline) registerChannels(js nats.JetStreamContext) error {
	cfg := p.cfg.Notify

	if cfg.Email.Host != "" {
		p.Notifier.Register(notify.NewEmailChannel(cfg.Email))
	}
	for name, url := range cfg.Webhooks {
		p.Notifier.Register(notify.NewWebhookChannel(name, url))
	}
	for name, url := range cfg.Chat {
		p.Notifier.Register(notify.NewChatChannel(name, url))
	}
	if cfg.NATSEnabled {
		ch, err := notify.NewNATSChannel(js)
		if err != nil {
			return err
		}
		p.Notifier.Register(ch)
	}
	p.logger.Info("Configured notification channels", zap.Strings("channels", p.Notifier.Channels()))
	return nil
}

// applyRuleFile seeds rules from a YAML file. A file rule replaces a stored
// rule with the same id.
func (p *Pipeline) applyRuleFile(ctx context.Context, path string) error {
	fileRules, err := rules.LoadFile(path)
	if err != nil {
		return err
	}
	for _, rule := range fileRules {
		if rule.ID == "" {
			rule.ID = uuid.NewSHA1(ruleNamespace, []byte(rule.Name)).String()
		}
		if _, err := p.Rules.GetRule(rule.ID); err == nil {
			if _, err := p.Rules.UpdateRule(ctx, rule); err != nil {
				return err
			}
			continue
		}
		if _, err := p.Rules.AddRule(ctx, rule); err != nil {
			return err
		}
	}
	p.logger.Info("Applied rule file", zap.String("path", path), zap.Int("rules", len(fileRules)))
	return nil
}

// Start launches every background loop
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	if err := p.Flusher.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start flusher: %w", err)
	}
	if err := p.Rules.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start rule engine: %w", err)
	}
	if err := p.Reporter.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start reporter: %w", err)
	}
	if p.System != nil {
		if err := p.System.Start(runCtx); err != nil {
			cancel()
			return fmt.Errorf("failed to start system stats: %w", err)
		}
	}

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		p.Aggregator.Run(runCtx)
	}()
	go func() {
		defer p.wg.Done()
		p.pruneAlerts(runCtx)
	}()

	p.started = true
	p.startedAt = p.now()
	p.logger.Info("Pipeline started")
	return nil
}

// Stop halts the loops, drains the queue within the shutdown grace and
// waits for in-flight notifications before releasing connections.
func (p *Pipeline) Stop(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		p.close()
		return
	}
	p.started = false

	if p.System != nil {
		p.System.Stop()
	}
	p.Rules.Stop()
	p.Reporter.Stop()
	p.Flusher.Stop(ctx)
	if err := p.Notifier.Wait(ctx); err != nil {
		p.logger.Warn("Notifications still in flight at shutdown", zap.Error(err))
	}

	p.cancel()
	p.wg.Wait()
	p.close()
	p.logger.Info("Pipeline stopped")
}

func (p *Pipeline) close() {
	for _, c := range p.closers {
		if err := c.Close(); err != nil {
			p.logger.Warn("Failed to close sink", zap.Error(err))
		}
	}
	p.closers = nil
	if p.nc != nil {
		p.nc.Close()
		p.nc = nil
	}
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			p.logger.Warn("Failed to close database", zap.Error(err))
		}
		p.db = nil
	}
}

func (p *Pipeline) pruneAlerts(ctx context.Context) {
	retention := p.cfg.Storage.AlertRetention
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(alertPruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := p.Alerts.Prune(ctx, time.Now().Add(-retention)); removed > 0 {
				p.logger.Info("Pruned resolved alerts", zap.Int("removed", removed))
			}
		}
	}
}

// Health summarises queue, flush and alert state. The pipeline is degraded
// when the queue is nearly full or flushing has stalled, counting from the
// start time until the first flush completes.
func (p *Pipeline) Health() model.HealthStatus {
	status := model.HealthStatus{
		Status:        StatusOK,
		QueueDepth:    p.Recorder.Len(),
		QueueCapacity: p.Recorder.Cap(),
		Dropped:       p.Recorder.Dropped(),
		FlushFailures: p.Flusher.FlushFailures(),
		Processing:    p.Flusher.Processing(),
		ActiveAlerts:  p.Alerts.CountActive(),
	}
	last := p.Flusher.LastFlush()
	if !last.IsZero() {
		status.LastFlushAt = &last
	}

	if status.QueueCapacity > 0 && status.QueueDepth*10 >= status.QueueCapacity*9 {
		status.Status = StatusDegraded
	}
	p.mu.Lock()
	started, since := p.started, p.startedAt
	p.mu.Unlock()
	if !last.IsZero() {
		since = last
	}
	if started && p.now().Sub(since) > 3*p.cfg.Flusher.FlushInterval {
		status.Status = StatusDegraded
	}
	return status
}

// Handler builds the admin API over the pipeline's components
func (p *Pipeline) Handler() *api.Handler {
	return &api.Handler{
		Logger:     p.logger.Named("api"),
		Stats:      p.Aggregator,
		Recent:     p.Memory,
		Rules:      p.Rules,
		Alerts:     p.Alerts,
		Reports:    p.Reporter,
		Health:     p.Health,
		Gatherer:   p.Registry,
		Recorder:   p.Recorder,
		AdminToken: p.cfg.API.AdminToken,
	}
}
