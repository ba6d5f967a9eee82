package rules

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/perfmon/internal/alert"
	"github.com/t77yq/perfmon/internal/config"
	"github.com/t77yq/perfmon/internal/model"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeQuerier struct {
	mu     sync.Mutex
	values map[string]float64
}

func (q *fakeQuerier) set(metric string, v float64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.values[metric] = v
}

func (q *fakeQuerier) clear(metric string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.values, metric)
}

func (q *fakeQuerier) Window(sel model.MetricSelector, _ time.Duration, _ time.Time) (float64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	v, ok := q.values[sel.Metric]
	return v, ok
}

type recordingDispatcher struct {
	mu     sync.Mutex
	alerts []model.Alert
}

func (d *recordingDispatcher) DispatchAsync(a model.Alert, _ []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.alerts = append(d.alerts, a)
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.alerts)
}

type harness struct {
	now        time.Time
	querier    *fakeQuerier
	store      *alert.Store
	dispatcher *recordingDispatcher
	engine     *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		now:        base,
		querier:    &fakeQuerier{values: map[string]float64{}},
		dispatcher: &recordingDispatcher{},
	}
	clock := func() time.Time { return h.now }
	logger := zaptest.NewLogger(t)
	h.store = alert.NewStore(logger, alert.WithClock(clock))
	h.engine = NewEngine(config.RulesConfig{EvaluationInterval: time.Minute},
		h.querier, h.store, h.dispatcher, logger, WithClock(clock))
	return h
}

func latencyRule() model.AlertRule {
	return model.AlertRule{
		ID:       "api-latency",
		Name:     "High API latency",
		Severity: model.AlertSeverityHigh,
		Selector: model.MetricSelector{
			Metric:      "http.request.duration",
			Aggregation: model.AggregationAvg,
		},
		Operator:   model.OperatorGT,
		Threshold:  1000,
		TimeWindow: 5 * time.Minute,
		Cooldown:   15 * time.Minute,
		Enabled:    true,
		Actions:    []string{"email", "webhook"},
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		op        model.Operator
		value     float64
		threshold float64
		want      bool
	}{
		{model.OperatorGT, 2, 1, true},
		{model.OperatorGT, 1, 1, false},
		{model.OperatorGTE, 1, 1, true},
		{model.OperatorLT, 0.5, 1, true},
		{model.OperatorLTE, 1, 1, true},
		{model.OperatorLTE, 1.5, 1, false},
		{model.OperatorEQ, 0.1 + 0.2, 0.3, true},
		{model.OperatorEQ, 1, 2, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.op), func(t *testing.T) {
			got, err := Compare(tt.op, tt.value, tt.threshold)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Compare("!=", 1, 2)
	assert.Error(t, err)
}

func TestEngine_CooldownSuppressesRealerts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.engine.AddRule(ctx, latencyRule())
	require.NoError(t, err)

	h.querier.set("http.request.duration", 1200)

	var suppressed int
	for tick := 0; tick < 15; tick++ {
		res := h.engine.EvaluateOnce(ctx)
		suppressed += res.Suppressed
		h.now = h.now.Add(time.Minute)
	}

	assert.Equal(t, 1, h.dispatcher.count(), "one notification within the cooldown")
	assert.Equal(t, 14, suppressed)

	// the 16th tick lands exactly on the cooldown boundary
	res := h.engine.EvaluateOnce(ctx)
	assert.Equal(t, 1, res.Renotified)
	assert.Equal(t, 2, h.dispatcher.count())

	active := h.store.ListActive()
	require.Len(t, active, 1)
	assert.Equal(t, 2, active[0].FireCount)
	assert.Equal(t, base, active[0].FirstFiredAt)
	assert.Equal(t, base.Add(15*time.Minute), active[0].LastFiredAt)
}

func TestEngine_FiredAlertCarriesContext(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.engine.AddRule(ctx, latencyRule())
	require.NoError(t, err)
	h.querier.set("http.request.duration", 1200)

	res := h.engine.EvaluateOnce(ctx)
	assert.Equal(t, Result{Evaluated: 1, Fired: 1}, res)

	require.Equal(t, 1, h.dispatcher.count())
	a := h.dispatcher.alerts[0]
	assert.Equal(t, "api-latency", a.RuleID)
	assert.Equal(t, model.AlertStateFiring, a.State)
	assert.Equal(t, model.AlertSeverityHigh, a.Severity)
	assert.Equal(t, 1200.0, a.Context.Value)
	assert.Equal(t, 1000.0, a.Context.Threshold)
	assert.Equal(t, model.OperatorGT, a.Context.Operator)
	assert.Equal(t, 5*time.Minute, a.Context.Window)
	assert.Contains(t, a.Message, "High API latency")
}

func TestEngine_DisableEnable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.engine.AddRule(ctx, latencyRule())
	require.NoError(t, err)
	h.querier.set("http.request.duration", 1200)

	require.NoError(t, h.engine.DisableRule(ctx, "api-latency"))
	res := h.engine.EvaluateOnce(ctx)
	assert.Equal(t, 0, res.Evaluated)
	assert.Empty(t, h.store.ListActive())

	require.NoError(t, h.engine.EnableRule(ctx, "api-latency"))
	res = h.engine.EvaluateOnce(ctx)
	assert.Equal(t, 1, res.Fired)
	assert.Len(t, h.store.ListActive(), 1)

	assert.ErrorIs(t, h.engine.DisableRule(ctx, "missing"), ErrRuleNotFound)
}

func TestEngine_AbsentDataIsNotMet(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rule := latencyRule()
	rule.Operator = model.OperatorLT
	rule.Threshold = 1
	_, err := h.engine.AddRule(ctx, rule)
	require.NoError(t, err)

	res := h.engine.EvaluateOnce(ctx)
	assert.Equal(t, 1, res.Evaluated)
	assert.Equal(t, 0, res.Fired)
	assert.Empty(t, h.store.ListActive())
}

func TestEngine_ManualResolutionByDefault(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.engine.AddRule(ctx, latencyRule())
	require.NoError(t, err)

	h.querier.set("http.request.duration", 1200)
	h.engine.EvaluateOnce(ctx)
	h.querier.set("http.request.duration", 200)
	h.now = h.now.Add(time.Minute)
	res := h.engine.EvaluateOnce(ctx)

	assert.Equal(t, 0, res.Resolved)
	assert.Len(t, h.store.ListActive(), 1)
}

func TestEngine_AutoResolve(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rule := latencyRule()
	rule.AutoResolve = true
	_, err := h.engine.AddRule(ctx, rule)
	require.NoError(t, err)

	h.querier.set("http.request.duration", 1200)
	h.engine.EvaluateOnce(ctx)
	fired := h.store.ListActive()
	require.Len(t, fired, 1)

	h.querier.clear("http.request.duration")
	h.now = h.now.Add(time.Minute)
	res := h.engine.EvaluateOnce(ctx)
	assert.Equal(t, 1, res.Resolved)

	resolved, err := h.store.Get(fired[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.AlertStateResolved, resolved.State)
	assert.Equal(t, alert.SystemActor, resolved.ResolvedBy)
	require.NotNil(t, resolved.ResolvedAt)
	assert.Equal(t, base.Add(time.Minute), *resolved.ResolvedAt)

	// a fresh breach opens a new alert
	h.querier.set("http.request.duration", 1500)
	res = h.engine.EvaluateOnce(ctx)
	assert.Equal(t, 1, res.Fired)
	assert.Len(t, h.store.ListByRule("api-latency"), 2)
}

func TestEngine_AcknowledgedAlertStaysOpen(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.engine.AddRule(ctx, latencyRule())
	require.NoError(t, err)

	h.querier.set("http.request.duration", 1200)
	h.engine.EvaluateOnce(ctx)
	a := h.store.ListActive()[0]
	_, err = h.store.Acknowledge(ctx, a.ID, "ops")
	require.NoError(t, err)

	h.now = h.now.Add(time.Minute)
	res := h.engine.EvaluateOnce(ctx)
	assert.Equal(t, 0, res.Fired)
	assert.Equal(t, 1, res.Suppressed)
	assert.Len(t, h.store.ListByRule("api-latency"), 1)
}

func TestEngine_RegistrationOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, id := range []string{"c", "a", "b"} {
		rule := latencyRule()
		rule.ID = id
		rule.Name = "rule " + id
		_, err := h.engine.AddRule(ctx, rule)
		require.NoError(t, err)
	}
	h.querier.set("http.request.duration", 1200)
	h.engine.EvaluateOnce(ctx)

	var ids []string
	for _, a := range h.dispatcher.alerts {
		ids = append(ids, a.RuleID)
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)

	var listed []string
	for _, r := range h.engine.ListRules() {
		listed = append(listed, r.ID)
	}
	assert.Equal(t, []string{"c", "a", "b"}, listed)
}

func TestEngine_RuleCRUD(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rule := latencyRule()
	rule.ID = ""
	added, err := h.engine.AddRule(ctx, rule)
	require.NoError(t, err)
	assert.NotEmpty(t, added.ID)
	assert.Equal(t, base, added.CreatedAt)

	dup := latencyRule()
	dup.ID = added.ID
	_, err = h.engine.AddRule(ctx, dup)
	assert.ErrorIs(t, err, ErrRuleExists)

	invalid := latencyRule()
	invalid.ID = "bad"
	invalid.Operator = "!="
	invalid.TimeWindow = 0
	_, err = h.engine.AddRule(ctx, invalid)
	assert.ErrorIs(t, err, ErrInvalidRule)

	h.now = base.Add(time.Hour)
	added.Threshold = 2000
	updated, err := h.engine.UpdateRule(ctx, added)
	require.NoError(t, err)
	assert.Equal(t, base, updated.CreatedAt)
	assert.Equal(t, base.Add(time.Hour), updated.UpdatedAt)

	got, err := h.engine.GetRule(added.ID)
	require.NoError(t, err)
	assert.Equal(t, 2000.0, got.Threshold)

	missing := latencyRule()
	missing.ID = "missing"
	_, err = h.engine.UpdateRule(ctx, missing)
	assert.ErrorIs(t, err, ErrRuleNotFound)

	require.NoError(t, h.engine.DeleteRule(ctx, added.ID))
	assert.ErrorIs(t, h.engine.DeleteRule(ctx, added.ID), ErrRuleNotFound)
	_, err = h.engine.GetRule(added.ID)
	assert.ErrorIs(t, err, ErrRuleNotFound)
	assert.Empty(t, h.engine.ListRules())
}

func TestEngine_RejectsWindowBeyondMaxWindow(t *testing.T) {
	querier := &fakeQuerier{values: map[string]float64{}}
	logger := zaptest.NewLogger(t)
	engine := NewEngine(config.RulesConfig{EvaluationInterval: time.Minute},
		querier, alert.NewStore(logger), nil, logger, WithMaxWindow(time.Hour))
	ctx := context.Background()

	rule := latencyRule()
	rule.TimeWindow = 2 * time.Hour
	_, err := engine.AddRule(ctx, rule)
	require.ErrorIs(t, err, ErrInvalidRule)
	assert.Contains(t, err.Error(), "max_window")
	assert.Empty(t, engine.ListRules())

	rule.TimeWindow = time.Hour
	added, err := engine.AddRule(ctx, rule)
	require.NoError(t, err)

	added.TimeWindow = 90 * time.Minute
	_, err = engine.UpdateRule(ctx, added)
	require.ErrorIs(t, err, ErrInvalidRule)
	got, err := engine.GetRule(added.ID)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, got.TimeWindow)

	assert.NoError(t, CheckWindow(rule, 0))
}

func TestEngine_StartStop(t *testing.T) {
	querier := &fakeQuerier{values: map[string]float64{"http.request.duration": 1200}}
	logger := zaptest.NewLogger(t)
	store := alert.NewStore(logger)
	dispatcher := &recordingDispatcher{}
	engine := NewEngine(config.RulesConfig{EvaluationInterval: 10 * time.Millisecond}, querier, store, dispatcher, logger)

	_, err := engine.AddRule(context.Background(), latencyRule())
	require.NoError(t, err)

	require.NoError(t, engine.Start(context.Background()))
	assert.ErrorIs(t, engine.Start(context.Background()), ErrAlreadyStarted)
	require.Eventually(t, func() bool { return dispatcher.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	engine.Stop()
}
