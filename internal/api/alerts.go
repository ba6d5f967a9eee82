package api

import (
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/t77yq/perfmon/internal/model"
)

const defaultActor = "admin"

type actorRequest struct {
	Actor string `json:"actor"`
}

func (h *Handler) handleAlertsList(w http.ResponseWriter, r *http.Request) {
	var alerts []model.Alert
	if ruleID := r.URL.Query().Get("rule_id"); ruleID != "" {
		alerts = h.Alerts.ListByRule(ruleID)
	} else {
		alerts = h.Alerts.ListActive()
	}
	sort.SliceStable(alerts, func(i, j int) bool { return alerts[i].FirstFiredAt.After(alerts[j].FirstFiredAt) })
	if alerts == nil {
		alerts = []model.Alert{}
	}
	writeOK(w, http.StatusOK, alerts)
}

func (h *Handler) handleAlertGet(w http.ResponseWriter, r *http.Request) {
	a, err := h.Alerts.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, a)
}

func (h *Handler) handleAlertAck(w http.ResponseWriter, r *http.Request) {
	actor, err := readActor(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	a, err := h.Alerts.Acknowledge(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, a)
}

func (h *Handler) handleAlertResolve(w http.ResponseWriter, r *http.Request) {
	actor, err := readActor(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	a, err := h.Alerts.Resolve(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, a)
}

// readActor reads the optional {"actor": ...} body
func readActor(r *http.Request) (string, error) {
	var req actorRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		return "", invalid("%v", err)
	}
	if actor := strings.TrimSpace(req.Actor); actor != "" {
		return actor, nil
	}
	return defaultActor, nil
}
