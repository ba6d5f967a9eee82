// Package rules evaluates alert rules against windowed aggregates and drives
// alert transitions.
package rules

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/perfmon/internal/alert"
	"github.com/t77yq/perfmon/internal/config"
	"github.com/t77yq/perfmon/internal/metrics"
	"github.com/t77yq/perfmon/internal/model"
)

// WindowQuerier resolves a selector over a time window
type WindowQuerier interface {
	Window(sel model.MetricSelector, window time.Duration, now time.Time) (float64, bool)
}

// AlertStore is the subset of the alert store the engine drives
type AlertStore interface {
	Create(ctx context.Context, a model.Alert) (model.Alert, error)
	Retrigger(ctx context.Context, id string, at time.Time, value float64) (model.Alert, error)
	Resolve(ctx context.Context, id, actor string) (model.Alert, error)
	OpenForRule(ruleID string) (model.Alert, bool)
}

// Dispatcher delivers alerts without blocking the caller
type Dispatcher interface {
	DispatchAsync(a model.Alert, actions []string)
}

// Repository persists rule definitions
type Repository interface {
	SaveRule(ctx context.Context, rule model.AlertRule) error
	DeleteRule(ctx context.Context, id string) error
	LoadRules(ctx context.Context) ([]model.AlertRule, error)
}

// Result summarises one evaluation pass
type Result struct {
	Evaluated  int
	Fired      int
	Renotified int
	Suppressed int
	Resolved   int
}

type ruleEntry struct {
	mu   sync.Mutex
	rule model.AlertRule
}

// Engine holds the rule set and evaluates it on a fixed interval
type Engine struct {
	logger    *zap.Logger
	interval  time.Duration
	maxWindow time.Duration
	querier   WindowQuerier
	alerts    AlertStore
	notifier  Dispatcher
	repo      Repository
	metrics   *metrics.Metrics
	now       func() time.Time

	mu    sync.RWMutex
	order []string
	rules map[string]*ruleEntry

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Option customises an Engine
type Option func(*Engine)

// WithClock overrides the time source used for evaluation
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMetrics attaches Prometheus instruments
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithMaxWindow rejects rules whose time window is longer than d
func WithMaxWindow(d time.Duration) Option {
	return func(e *Engine) { e.maxWindow = d }
}

// WithRepository persists rule changes through repo
func WithRepository(repo Repository) Option {
	return func(e *Engine) { e.repo = repo }
}

// NewEngine creates an engine with an empty rule set
func NewEngine(cfg config.RulesConfig, querier WindowQuerier, alerts AlertStore, notifier Dispatcher, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		logger:   logger.Named("rule-engine"),
		interval: cfg.EvaluationInterval,
		querier:  querier,
		alerts:   alerts,
		notifier: notifier,
		now:      time.Now,
		rules:    make(map[string]*ruleEntry),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = metrics.NewNop()
	}
	if e.interval <= 0 {
		e.interval = 30 * time.Second
	}
	return e
}

// Start evaluates every rule on each tick until Stop or ctx cancellation
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	e.logger.Info("Starting rule engine",
		zap.Duration("interval", e.interval),
		zap.Int("rules", len(e.ListRules())))

	go e.evaluationLoop(ctx)
	return nil
}

// Stop ends the evaluation loop
func (e *Engine) Stop() {
	if !e.started.Load() {
		return
	}
	e.logger.Info("Stopping rule engine")
	e.stopOnce.Do(func() { close(e.stop) })
	<-e.done
}

func (e *Engine) evaluationLoop(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-ticker.C:
			e.EvaluateOnce(ctx)
		}
	}
}

// EvaluateOnce evaluates every enabled rule in registration order
func (e *Engine) EvaluateOnce(ctx context.Context) Result {
	e.mu.RLock()
	entries := make([]*ruleEntry, 0, len(e.order))
	for _, id := range e.order {
		entries = append(entries, e.rules[id])
	}
	e.mu.RUnlock()

	var res Result
	now := e.now()
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		entry.mu.Lock()
		if entry.rule.Enabled {
			e.evaluate(ctx, entry.rule, now, &res)
			res.Evaluated++
			e.metrics.RuleEvaluations.Inc()
		}
		entry.mu.Unlock()
	}
	return res
}

// evaluate applies one rule. Caller holds the rule's lock.
func (e *Engine) evaluate(ctx context.Context, rule model.AlertRule, now time.Time, res *Result) {
	value, ok := e.querier.Window(rule.Selector, rule.TimeWindow, now)
	met := false
	if ok {
		var err error
		if met, err = Compare(rule.Operator, value, rule.Threshold); err != nil {
			e.logger.Error("Failed to evaluate rule", zap.String("rule_id", rule.ID), zap.Error(err))
			return
		}
	}

	open, hasOpen := e.alerts.OpenForRule(rule.ID)
	switch {
	case met && !hasOpen:
		e.fire(ctx, rule, value, now, res)

	case met && hasOpen:
		if WithinCooldown(open.LastFiredAt, rule.Cooldown, now) {
			res.Suppressed++
			e.metrics.AlertsSuppressed.Inc()
			return
		}
		updated, err := e.alerts.Retrigger(ctx, open.ID, now, value)
		if err != nil {
			e.logger.Error("Failed to retrigger alert", zap.String("alert_id", open.ID), zap.Error(err))
			return
		}
		res.Renotified++
		e.metrics.AlertsFired.WithLabelValues(string(rule.Severity)).Inc()
		e.notify(updated, rule)

	case !met && hasOpen && rule.AutoResolve:
		if _, err := e.alerts.Resolve(ctx, open.ID, alert.SystemActor); err != nil {
			e.logger.Error("Failed to auto-resolve alert", zap.String("alert_id", open.ID), zap.Error(err))
			return
		}
		res.Resolved++
		e.logger.Info("Alert auto-resolved",
			zap.String("alert_id", open.ID),
			zap.String("rule_id", rule.ID))
	}
}

func (e *Engine) fire(ctx context.Context, rule model.AlertRule, value float64, now time.Time, res *Result) {
	created, err := e.alerts.Create(ctx, model.Alert{
		RuleID:       rule.ID,
		RuleName:     rule.Name,
		Type:         rule.Type,
		Severity:     rule.Severity,
		Message:      describe(rule, value),
		FirstFiredAt: now,
		LastFiredAt:  now,
		FireCount:    1,
		Context: model.AlertContext{
			Metric:      rule.Selector.Metric,
			Tags:        rule.Selector.Tags,
			Aggregation: rule.Selector.Aggregation,
			Value:       value,
			Operator:    rule.Operator,
			Threshold:   rule.Threshold,
			Window:      rule.TimeWindow,
		},
	})
	if err != nil {
		e.logger.Error("Failed to create alert", zap.String("rule_id", rule.ID), zap.Error(err))
		return
	}

	res.Fired++
	e.metrics.AlertsFired.WithLabelValues(string(rule.Severity)).Inc()
	e.logger.Info("Alert fired",
		zap.String("alert_id", created.ID),
		zap.String("rule_id", rule.ID),
		zap.String("severity", string(rule.Severity)),
		zap.Float64("value", value))
	e.notify(created, rule)
}

func (e *Engine) notify(a model.Alert, rule model.AlertRule) {
	if e.notifier == nil || len(rule.Actions) == 0 {
		return
	}
	e.notifier.DispatchAsync(a, rule.Actions)
}

// LoadRules restores persisted rules, appending them after any already registered
func (e *Engine) LoadRules(ctx context.Context) error {
	if e.repo == nil {
		return nil
	}
	stored, err := e.repo.LoadRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rule := range stored {
		if _, ok := e.rules[rule.ID]; ok {
			continue
		}
		if err := CheckWindow(rule, e.maxWindow); err != nil {
			e.logger.Warn("Stored rule window exceeds aggregator history", zap.String("rule_id", rule.ID), zap.Error(err))
		}
		e.rules[rule.ID] = &ruleEntry{rule: rule}
		e.order = append(e.order, rule.ID)
	}
	e.logger.Info("Loaded rules", zap.Int("count", len(stored)))
	return nil
}

// AddRule validates and registers a rule. An empty id is generated.
func (e *Engine) AddRule(ctx context.Context, rule model.AlertRule) (model.AlertRule, error) {
	rule = Normalize(rule)
	if err := e.validate(rule); err != nil {
		return model.AlertRule{}, err
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	now := e.now()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	e.mu.Lock()
	if _, ok := e.rules[rule.ID]; ok {
		e.mu.Unlock()
		return model.AlertRule{}, fmt.Errorf("%w: %s", ErrRuleExists, rule.ID)
	}
	e.rules[rule.ID] = &ruleEntry{rule: rule}
	e.order = append(e.order, rule.ID)
	e.mu.Unlock()

	e.persist(ctx, rule)
	e.logger.Info("Rule added", zap.String("rule_id", rule.ID), zap.String("name", rule.Name))
	return rule, nil
}

func (e *Engine) validate(rule model.AlertRule) error {
	if err := Validate(rule); err != nil {
		return err
	}
	return CheckWindow(rule, e.maxWindow)
}

// UpdateRule replaces a rule's definition, keeping its position and creation time
func (e *Engine) UpdateRule(ctx context.Context, rule model.AlertRule) (model.AlertRule, error) {
	rule = Normalize(rule)
	if err := e.validate(rule); err != nil {
		return model.AlertRule{}, err
	}

	entry, err := e.entry(rule.ID)
	if err != nil {
		return model.AlertRule{}, err
	}

	entry.mu.Lock()
	rule.CreatedAt = entry.rule.CreatedAt
	rule.UpdatedAt = e.now()
	entry.rule = rule
	entry.mu.Unlock()

	e.persist(ctx, rule)
	return rule, nil
}

// DeleteRule removes a rule. Its open alert, if any, stays in the store.
func (e *Engine) DeleteRule(ctx context.Context, id string) error {
	e.mu.Lock()
	if _, ok := e.rules[id]; !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	delete(e.rules, id)
	for i, rid := range e.order {
		if rid == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	e.mu.Unlock()

	if e.repo != nil {
		if err := e.repo.DeleteRule(ctx, id); err != nil {
			e.logger.Error("Failed to delete persisted rule", zap.String("rule_id", id), zap.Error(err))
		}
	}
	return nil
}

// GetRule returns a rule by id
func (e *Engine) GetRule(id string) (model.AlertRule, error) {
	entry, err := e.entry(id)
	if err != nil {
		return model.AlertRule{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.rule, nil
}

// ListRules returns every rule in registration order
func (e *Engine) ListRules() []model.AlertRule {
	e.mu.RLock()
	entries := make([]*ruleEntry, 0, len(e.order))
	for _, id := range e.order {
		entries = append(entries, e.rules[id])
	}
	e.mu.RUnlock()

	out := make([]model.AlertRule, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		out = append(out, entry.rule)
		entry.mu.Unlock()
	}
	return out
}

// EnableRule turns evaluation of a rule on
func (e *Engine) EnableRule(ctx context.Context, id string) error {
	return e.setEnabled(ctx, id, true)
}

// DisableRule turns evaluation of a rule off. Its open alert is left as is.
func (e *Engine) DisableRule(ctx context.Context, id string) error {
	return e.setEnabled(ctx, id, false)
}

func (e *Engine) setEnabled(ctx context.Context, id string, enabled bool) error {
	entry, err := e.entry(id)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	entry.rule.Enabled = enabled
	entry.rule.UpdatedAt = e.now()
	rule := entry.rule
	entry.mu.Unlock()

	e.persist(ctx, rule)
	return nil
}

func (e *Engine) entry(id string) (*ruleEntry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.rules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	return entry, nil
}

func (e *Engine) persist(ctx context.Context, rule model.AlertRule) {
	if e.repo == nil {
		return
	}
	if err := e.repo.SaveRule(ctx, rule); err != nil {
		e.logger.Error("Failed to persist rule", zap.String("rule_id", rule.ID), zap.Error(err))
	}
}
