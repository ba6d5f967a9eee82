// Package api exposes the admin HTTP surface: stats, recent metrics, rules,
// alerts, reports, health and Prometheus self-metrics.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/t77yq/perfmon/internal/httpmw"
	"github.com/t77yq/perfmon/internal/model"
	"github.com/t77yq/perfmon/internal/report"
)

// AdminTokenHeader carries the admin token on protected routes
const AdminTokenHeader = "X-Admin-Token"

const requestTimeout = 10 * time.Second

// StatsReader reads aggregated statistics
type StatsReader interface {
	Query(name string, filter map[string]string) map[string]model.AggregatedStat
	Snapshot() []model.AggregatedStat
}

// RecentReader reads raw recent events
type RecentReader interface {
	Recent(source model.Source, limit int) []model.MetricEvent
}

// RuleManager manages the rule set
type RuleManager interface {
	AddRule(ctx context.Context, rule model.AlertRule) (model.AlertRule, error)
	UpdateRule(ctx context.Context, rule model.AlertRule) (model.AlertRule, error)
	DeleteRule(ctx context.Context, id string) error
	GetRule(id string) (model.AlertRule, error)
	ListRules() []model.AlertRule
	EnableRule(ctx context.Context, id string) error
	DisableRule(ctx context.Context, id string) error
}

// AlertManager reads and transitions alerts
type AlertManager interface {
	Get(id string) (model.Alert, error)
	ListActive() []model.Alert
	ListByRule(ruleID string) []model.Alert
	Acknowledge(ctx context.Context, id, actor string) (model.Alert, error)
	Resolve(ctx context.Context, id, actor string) (model.Alert, error)
}

// ReportManager generates and reads report artifacts
type ReportManager interface {
	Generate(ctx context.Context, req report.Request) (model.ReportArtifact, error)
	List(ctx context.Context, limit int) ([]model.ReportArtifact, error)
	Get(ctx context.Context, id string) (model.ReportArtifact, error)
}

// Handler serves the admin API
type Handler struct {
	Logger     *zap.Logger
	Stats      StatsReader
	Recent     RecentReader
	Rules      RuleManager
	Alerts     AlertManager
	Reports    ReportManager
	Health     func() model.HealthStatus
	Gatherer   prometheus.Gatherer
	Recorder   httpmw.HTTPRecorder
	AdminToken string
}

type okResponse struct {
	Ok   bool `json:"ok"`
	Data any  `json:"data,omitempty"`
}

// Router builds the chi router with the standard middleware stack
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if h.Recorder != nil {
		r.Use(httpmw.RecordHTTP(h.Recorder))
	}
	r.Use(middleware.Timeout(requestTimeout))

	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes mounts every route on r
func (h *Handler) RegisterRoutes(r chi.Router) {
	if h.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(h.requireAdmin)

			r.Get("/stats", h.handleStats)
			r.Get("/metrics/recent", h.handleRecent)

			r.Route("/rules", func(r chi.Router) {
				r.Get("/", h.handleRulesList)
				r.Post("/", h.handleRuleCreate)
				r.Get("/{id}", h.handleRuleGet)
				r.Put("/{id}", h.handleRuleUpdate)
				r.Delete("/{id}", h.handleRuleDelete)
				r.Post("/{id}/enable", h.handleRuleEnable)
				r.Post("/{id}/disable", h.handleRuleDisable)
			})

			r.Route("/alerts", func(r chi.Router) {
				r.Get("/", h.handleAlertsList)
				r.Get("/{id}", h.handleAlertGet)
				r.Post("/{id}/ack", h.handleAlertAck)
				r.Post("/{id}/resolve", h.handleAlertResolve)
			})

			r.Route("/reports", func(r chi.Router) {
				r.Get("/", h.handleReportsList)
				r.Post("/", h.handleReportCreate)
				r.Get("/{id}", h.handleReportGet)
				r.Get("/{id}/download", h.handleReportDownload)
			})
		})
	})
}

// requireAdmin rejects requests without the configured admin token. An empty
// token disables the check.
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.AdminToken != "" {
			got := r.Header.Get(AdminTokenHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(h.AdminToken)) != 1 {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Ok: false, Code: codeUnauthorized, Message: "missing or invalid admin token"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.Health == nil {
		writeJSON(w, http.StatusOK, model.HealthStatus{Status: "ok"})
		return
	}
	status := h.Health()
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeOK(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, okResponse{Ok: true, Data: data})
}
