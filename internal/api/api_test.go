package api

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/perfmon/internal/aggregator"
	"github.com/t77yq/perfmon/internal/alert"
	"github.com/t77yq/perfmon/internal/config"
	"github.com/t77yq/perfmon/internal/metrics"
	"github.com/t77yq/perfmon/internal/model"
	"github.com/t77yq/perfmon/internal/report"
	"github.com/t77yq/perfmon/internal/rules"
	"github.com/t77yq/perfmon/internal/sink"
)

const testToken = "s3cret"

type fixture struct {
	handler  http.Handler
	agg      *aggregator.Aggregator
	memory   *sink.MemorySink
	alerts   *alert.Store
	engine   *rules.Engine
	reporter *report.Reporter
}

type envelope struct {
	Ok      bool            `json:"ok"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	cfg := config.Default()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	f := &fixture{
		agg:    aggregator.New(cfg.Aggregator, logger, aggregator.WithMetrics(m)),
		memory: sink.NewMemorySink(100),
		alerts: alert.NewStore(logger),
	}
	f.engine = rules.NewEngine(cfg.Rules, f.agg, f.alerts, nil, logger,
		rules.WithMetrics(m), rules.WithMaxWindow(f.agg.MaxWindow()))
	f.reporter = report.NewReporter(cfg.Report, f.agg, f.alerts, logger, report.WithMetrics(m))

	h := &Handler{
		Logger:  logger,
		Stats:   f.agg,
		Recent:  f.memory,
		Rules:   f.engine,
		Alerts:  f.alerts,
		Reports: f.reporter,
		Health: func() model.HealthStatus {
			return model.HealthStatus{Status: "ok", QueueCapacity: 10}
		},
		Gatherer:   reg,
		AdminToken: testToken,
	}
	f.handler = h.Router()
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return f.doWithToken(t, method, path, body, testToken)
}

func (f *fixture) doWithToken(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set(AdminTokenHeader, token)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder, data any) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	if data != nil {
		require.NoError(t, json.Unmarshal(env.Data, data))
	}
	return env
}

func validRule() map[string]any {
	return map[string]any{
		"name":     "Slow API",
		"severity": "high",
		"selector": map[string]any{
			"metric":      "http.request.duration",
			"aggregation": "p95",
		},
		"operator":    ">",
		"threshold":   500,
		"time_window": "5m",
		"cooldown":    "15m",
		"actions":     []string{"email"},
	}
}

func TestHealthAndMetricsAreOpen(t *testing.T) {
	f := newFixture(t)

	w := f.doWithToken(t, http.MethodGet, "/api/v1/health", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var health model.HealthStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 10, health.QueueCapacity)

	w = f.doWithToken(t, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "perfmon_collector_events_dropped_total")
}

func TestAdminTokenRequired(t *testing.T) {
	f := newFixture(t)

	for _, token := range []string{"", "wrong"} {
		w := f.doWithToken(t, http.MethodGet, "/api/v1/rules", nil, token)
		require.Equal(t, http.StatusUnauthorized, w.Code)
		env := decodeEnvelope(t, w, nil)
		assert.False(t, env.Ok)
		assert.Equal(t, codeUnauthorized, env.Code)
	}

	w := f.do(t, http.MethodGet, "/api/v1/rules", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRulesCRUD(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/rules", validRule())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created ruleResponse
	env := decodeEnvelope(t, w, &created)
	assert.True(t, env.Ok)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, "5m0s", created.TimeWindow)
	assert.Equal(t, "15m0s", created.Cooldown)
	assert.True(t, created.Enabled)
	assert.Equal(t, model.AlertTypeThreshold, created.Type)

	var list []ruleResponse
	decodeEnvelope(t, f.do(t, http.MethodGet, "/api/v1/rules", nil), &list)
	require.Len(t, list, 1)

	update := validRule()
	update["threshold"] = 800
	update["enabled"] = false
	w = f.do(t, http.MethodPut, "/api/v1/rules/"+created.ID, update)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var updated ruleResponse
	decodeEnvelope(t, w, &updated)
	assert.Equal(t, 800.0, updated.Threshold)
	assert.False(t, updated.Enabled)
	assert.Equal(t, created.CreatedAt.Unix(), updated.CreatedAt.Unix())

	w = f.do(t, http.MethodPost, "/api/v1/rules/"+created.ID+"/enable", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var enabled ruleResponse
	decodeEnvelope(t, w, &enabled)
	assert.True(t, enabled.Enabled)

	w = f.do(t, http.MethodDelete, "/api/v1/rules/"+created.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/rules/"+created.ID, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, codeNotFound, decodeEnvelope(t, w, nil).Code)
}

func TestRuleValidationAndConflict(t *testing.T) {
	f := newFixture(t)

	bad := validRule()
	bad["operator"] = "~"
	w := f.do(t, http.MethodPost, "/api/v1/rules", bad)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, codeValidation, decodeEnvelope(t, w, nil).Code)

	bad = validRule()
	bad["time_window"] = "five minutes"
	w = f.do(t, http.MethodPost, "/api/v1/rules", bad)
	require.Equal(t, http.StatusBadRequest, w.Code)

	bad = validRule()
	bad["time_window"] = "2h"
	w = f.do(t, http.MethodPost, "/api/v1/rules", bad)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeEnvelope(t, w, nil).Message, "max_window")

	bad = validRule()
	bad["unexpected"] = true
	w = f.do(t, http.MethodPost, "/api/v1/rules", bad)
	require.Equal(t, http.StatusBadRequest, w.Code)

	withID := validRule()
	withID["id"] = "slow-api"
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/v1/rules", withID).Code)
	w = f.do(t, http.MethodPost, "/api/v1/rules", withID)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, codeConflict, decodeEnvelope(t, w, nil).Code)

	mismatch := validRule()
	mismatch["id"] = "other"
	w = f.do(t, http.MethodPut, "/api/v1/rules/slow-api", mismatch)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPut, "/api/v1/rules/missing", validRule())
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestAlertsLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.alerts.Create(ctx, model.Alert{RuleID: "r1", RuleName: "Slow API", Severity: model.AlertSeverityHigh})
	require.NoError(t, err)
	_, err = f.alerts.Create(ctx, model.Alert{RuleID: "r2", RuleName: "Errors", Severity: model.AlertSeverityLow})
	require.NoError(t, err)

	var active []model.Alert
	decodeEnvelope(t, f.do(t, http.MethodGet, "/api/v1/alerts", nil), &active)
	assert.Len(t, active, 2)

	var byRule []model.Alert
	decodeEnvelope(t, f.do(t, http.MethodGet, "/api/v1/alerts?rule_id=r1", nil), &byRule)
	require.Len(t, byRule, 1)
	assert.Equal(t, a.ID, byRule[0].ID)

	w := f.do(t, http.MethodPost, "/api/v1/alerts/"+a.ID+"/ack", map[string]string{"actor": "alice"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var acked model.Alert
	decodeEnvelope(t, w, &acked)
	assert.Equal(t, model.AlertStateAcknowledged, acked.State)
	assert.Equal(t, "alice", acked.AcknowledgedBy)

	w = f.do(t, http.MethodPost, "/api/v1/alerts/"+a.ID+"/resolve", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resolved model.Alert
	decodeEnvelope(t, w, &resolved)
	assert.Equal(t, model.AlertStateResolved, resolved.State)
	assert.Equal(t, defaultActor, resolved.ResolvedBy)

	w = f.do(t, http.MethodPost, "/api/v1/alerts/"+a.ID+"/resolve", nil)
	require.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/alerts/"+a.ID+"/ack", nil)
	require.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/alerts/nope", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	decodeEnvelope(t, f.do(t, http.MethodGet, "/api/v1/alerts", nil), &active)
	assert.Len(t, active, 1)
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	for _, method := range []string{"GET", "GET", "POST"} {
		f.agg.Update(model.MetricEvent{
			Name:      "http.request.duration",
			Type:      model.MetricTypeTiming,
			Value:     100,
			Tags:      model.NewTags(map[string]string{"method": method}),
			Timestamp: now,
		})
	}
	f.agg.Update(model.MetricEvent{Name: "cache.hit", Value: 1, Timestamp: now})

	var stats []model.AggregatedStat
	decodeEnvelope(t, f.do(t, http.MethodGet, "/api/v1/stats?metric=http.request.duration&tag.method=GET", nil), &stats)
	require.Len(t, stats, 1)
	assert.Equal(t, int64(2), stats[0].Count)

	decodeEnvelope(t, f.do(t, http.MethodGet, "/api/v1/stats", nil), &stats)
	assert.Len(t, stats, 3)

	decodeEnvelope(t, f.do(t, http.MethodGet, "/api/v1/stats?metric=none", nil), &stats)
	assert.Empty(t, stats)
}

func TestRecentMetrics(t *testing.T) {
	f := newFixture(t)
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, f.memory.Write(context.Background(), []model.MetricEvent{
		{Name: "db.query.duration", Type: model.MetricTypeTiming, Value: 12.5, Unit: "ms", Source: model.SourceDB, Timestamp: at,
			Tags: model.NewTags(map[string]string{"model": "Work"})},
		{Name: "cache.hit", Type: model.MetricTypeCounter, Value: 1, Source: model.SourceCache, Timestamp: at.Add(time.Second)},
	}))

	var events []model.MetricEvent
	decodeEnvelope(t, f.do(t, http.MethodGet, "/api/v1/metrics/recent?source=db", nil), &events)
	require.Len(t, events, 1)
	assert.Equal(t, "db.query.duration", events[0].Name)

	w := f.do(t, http.MethodGet, "/api/v1/metrics/recent?format=csv&limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	records, err := csv.NewReader(strings.NewReader(w.Body.String())).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, recentCSVHeader, records[0])

	var db []string
	for _, rec := range records[1:] {
		if rec[2] == "db.query.duration" {
			db = rec
		}
	}
	require.NotNil(t, db)
	assert.Equal(t, "12.5", db[4])
	assert.Equal(t, "model=Work", db[6])

	w = f.do(t, http.MethodGet, "/api/v1/metrics/recent?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(t, http.MethodGet, "/api/v1/metrics/recent?format=xml", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReports(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	f.agg.Update(model.MetricEvent{Name: "http.request.count", Type: model.MetricTypeCounter, Value: 1, Timestamp: now})

	w := f.do(t, http.MethodPost, "/api/v1/reports", map[string]any{
		"window_start": now.Add(-time.Hour),
		"window_end":   now.Add(time.Minute),
		"format":       "markdown",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created reportResponse
	decodeEnvelope(t, w, &created)
	assert.Equal(t, model.ReportFormatMarkdown, created.Format)
	assert.Equal(t, model.ReportPeriodCustom, created.Period)
	assert.Contains(t, created.Payload, "http.request.count")

	var list []reportResponse
	decodeEnvelope(t, f.do(t, http.MethodGet, "/api/v1/reports", nil), &list)
	require.Len(t, list, 1)
	assert.Empty(t, list[0].Payload)

	var got reportResponse
	decodeEnvelope(t, f.do(t, http.MethodGet, "/api/v1/reports/"+created.ID, nil), &got)
	assert.Equal(t, created.Payload, got.Payload)

	w = f.do(t, http.MethodGet, "/api/v1/reports/"+created.ID+"/download", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/markdown; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, created.Payload, w.Body.String())

	w = f.do(t, http.MethodPost, "/api/v1/reports", map[string]any{
		"window_start": now,
		"window_end":   now.Add(-time.Hour),
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/reports/missing", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}
