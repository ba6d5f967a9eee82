package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/t77yq/perfmon/internal/model"
)

// ruleRequest is the wire form of a rule. Durations use Go syntax ("5m").
type ruleRequest struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Type        model.AlertType      `json:"type"`
	Severity    model.AlertSeverity  `json:"severity"`
	Selector    model.MetricSelector `json:"selector"`
	Operator    model.Operator       `json:"operator"`
	Threshold   float64              `json:"threshold"`
	TimeWindow  string               `json:"time_window"`
	Cooldown    string               `json:"cooldown"`
	Enabled     *bool                `json:"enabled"`
	AutoResolve bool                 `json:"auto_resolve"`
	Actions     []string             `json:"actions"`
}

type ruleResponse struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Type        model.AlertType      `json:"type"`
	Severity    model.AlertSeverity  `json:"severity"`
	Selector    model.MetricSelector `json:"selector"`
	Operator    model.Operator       `json:"operator"`
	Threshold   float64              `json:"threshold"`
	TimeWindow  string               `json:"time_window"`
	Cooldown    string               `json:"cooldown"`
	Enabled     bool                 `json:"enabled"`
	AutoResolve bool                 `json:"auto_resolve"`
	Actions     []string             `json:"actions"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

func (req ruleRequest) toRule() (model.AlertRule, error) {
	rule := model.AlertRule{
		ID:          req.ID,
		Name:        req.Name,
		Type:        req.Type,
		Severity:    req.Severity,
		Selector:    req.Selector,
		Operator:    req.Operator,
		Threshold:   req.Threshold,
		Enabled:     true,
		AutoResolve: req.AutoResolve,
		Actions:     req.Actions,
	}
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}
	if req.TimeWindow != "" {
		d, err := time.ParseDuration(req.TimeWindow)
		if err != nil {
			return model.AlertRule{}, invalid("time_window: %v", err)
		}
		rule.TimeWindow = d
	}
	if req.Cooldown != "" {
		d, err := time.ParseDuration(req.Cooldown)
		if err != nil {
			return model.AlertRule{}, invalid("cooldown: %v", err)
		}
		rule.Cooldown = d
	}
	return rule, nil
}

func toRuleResponse(rule model.AlertRule) ruleResponse {
	actions := rule.Actions
	if actions == nil {
		actions = []string{}
	}
	return ruleResponse{
		ID:          rule.ID,
		Name:        rule.Name,
		Type:        rule.Type,
		Severity:    rule.Severity,
		Selector:    rule.Selector,
		Operator:    rule.Operator,
		Threshold:   rule.Threshold,
		TimeWindow:  rule.TimeWindow.String(),
		Cooldown:    rule.Cooldown.String(),
		Enabled:     rule.Enabled,
		AutoResolve: rule.AutoResolve,
		Actions:     actions,
		CreatedAt:   rule.CreatedAt,
		UpdatedAt:   rule.UpdatedAt,
	}
}

func (h *Handler) handleRulesList(w http.ResponseWriter, r *http.Request) {
	rules := h.Rules.ListRules()
	out := make([]ruleResponse, 0, len(rules))
	for _, rule := range rules {
		out = append(out, toRuleResponse(rule))
	}
	writeOK(w, http.StatusOK, out)
}

func (h *Handler) handleRuleCreate(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, invalid("%v", err))
		return
	}
	rule, err := req.toRule()
	if err != nil {
		h.writeError(w, err)
		return
	}
	created, err := h.Rules.AddRule(r.Context(), rule)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeOK(w, http.StatusCreated, toRuleResponse(created))
}

func (h *Handler) handleRuleGet(w http.ResponseWriter, r *http.Request) {
	rule, err := h.Rules.GetRule(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, toRuleResponse(rule))
}

func (h *Handler) handleRuleUpdate(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, invalid("%v", err))
		return
	}
	id := chi.URLParam(r, "id")
	if req.ID != "" && req.ID != id {
		h.writeError(w, invalid("id in body does not match path"))
		return
	}
	req.ID = id
	rule, err := req.toRule()
	if err != nil {
		h.writeError(w, err)
		return
	}
	updated, err := h.Rules.UpdateRule(r.Context(), rule)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, toRuleResponse(updated))
}

func (h *Handler) handleRuleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.Rules.DeleteRule(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, nil)
}

func (h *Handler) handleRuleEnable(w http.ResponseWriter, r *http.Request) {
	h.setRuleEnabled(w, r, true)
}

func (h *Handler) handleRuleDisable(w http.ResponseWriter, r *http.Request) {
	h.setRuleEnabled(w, r, false)
}

func (h *Handler) setRuleEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id := chi.URLParam(r, "id")
	var err error
	if enabled {
		err = h.Rules.EnableRule(r.Context(), id)
	} else {
		err = h.Rules.DisableRule(r.Context(), id)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	rule, err := h.Rules.GetRule(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, toRuleResponse(rule))
}
