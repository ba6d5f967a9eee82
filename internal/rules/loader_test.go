package rules

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/perfmon/internal/model"
)

const ruleDoc = `
rules:
  - id: api-latency
    name: High API latency
    severity: high
    selector:
      metric: http.request.duration
      aggregation: p95
      tags:
        path: /api/orders
    operator: ">"
    threshold: 1000
    time_window: 5m
    cooldown: 15m
    actions: [email, chat]
  - id: error-rate
    name: Server errors
    type: error_rate
    severity: critical
    selector:
      metric: http.request.errors
      aggregation: count
    operator: ">="
    threshold: 10
    time_window: 1m
    enabled: false
    auto_resolve: true
`

func TestParse(t *testing.T) {
	rules, err := Parse([]byte(ruleDoc))
	require.NoError(t, err)
	require.Len(t, rules, 2)

	latency := rules[0]
	assert.Equal(t, "api-latency", latency.ID)
	assert.Equal(t, model.AlertTypeThreshold, latency.Type)
	assert.Equal(t, model.AggregationP95, latency.Selector.Aggregation)
	assert.Equal(t, "/api/orders", latency.Selector.Tags["path"])
	assert.Equal(t, 5*time.Minute, latency.TimeWindow)
	assert.Equal(t, 15*time.Minute, latency.Cooldown)
	assert.True(t, latency.Enabled, "enabled defaults to true")
	assert.False(t, latency.AutoResolve)
	assert.Equal(t, []string{"email", "chat"}, latency.Actions)

	errRate := rules[1]
	assert.Equal(t, model.AlertTypeErrorRate, errRate.Type)
	assert.False(t, errRate.Enabled)
	assert.True(t, errRate.AutoResolve)
}

func TestParse_InvalidRules(t *testing.T) {
	doc := `
rules:
  - id: a
    name: ""
    severity: urgent
    selector:
      metric: m
    operator: "!="
    threshold: 1
    time_window: 1m
  - id: b
    name: ok
    severity: low
    selector:
      metric: m
    operator: ">"
    threshold: 1
    time_window: 1m
  - id: b
    name: duplicate
    severity: low
    selector:
      metric: m
    operator: ">"
    threshold: 1
    time_window: 1m
`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidRule)
	assert.ErrorIs(t, err, ErrRuleExists)
	assert.Contains(t, err.Error(), "unknown severity")
	assert.Contains(t, err.Error(), "name is required")
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(ruleDoc), 0644))

	rules, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, rules, 2)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
