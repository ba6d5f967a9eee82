package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/t77yq/perfmon/internal/model"
	"github.com/t77yq/perfmon/internal/report"
)

type reportRequest struct {
	WindowStart time.Time          `json:"window_start"`
	WindowEnd   time.Time          `json:"window_end"`
	Format      model.ReportFormat `json:"format"`
}

type reportResponse struct {
	ID          string             `json:"id"`
	Type        model.ReportType   `json:"type"`
	Period      model.ReportPeriod `json:"period"`
	WindowStart time.Time          `json:"window_start"`
	WindowEnd   time.Time          `json:"window_end"`
	Format      model.ReportFormat `json:"format"`
	GeneratedAt time.Time          `json:"generated_at"`
	Payload     string             `json:"payload,omitempty"`
}

var contentTypes = map[model.ReportFormat]string{
	model.ReportFormatJSON:     "application/json",
	model.ReportFormatCSV:      "text/csv",
	model.ReportFormatMarkdown: "text/markdown; charset=utf-8",
}

func toReportResponse(a model.ReportArtifact, withPayload bool) reportResponse {
	resp := reportResponse{
		ID:          a.ID,
		Type:        a.Type,
		Period:      a.Period,
		WindowStart: a.WindowStart,
		WindowEnd:   a.WindowEnd,
		Format:      a.Format,
		GeneratedAt: a.GeneratedAt,
	}
	if withPayload {
		resp.Payload = string(a.Payload)
	}
	return resp
}

func (h *Handler) handleReportCreate(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, invalid("%v", err))
		return
	}
	artifact, err := h.Reports.Generate(r.Context(), report.Request{
		Type:        model.ReportTypeCustom,
		Period:      model.ReportPeriodCustom,
		WindowStart: req.WindowStart,
		WindowEnd:   req.WindowEnd,
		Format:      req.Format,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeOK(w, http.StatusCreated, toReportResponse(artifact, true))
}

func (h *Handler) handleReportsList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.writeError(w, invalid("limit must be a positive integer"))
			return
		}
		limit = n
	}
	artifacts, err := h.Reports.List(r.Context(), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]reportResponse, 0, len(artifacts))
	for _, a := range artifacts {
		out = append(out, toReportResponse(a, false))
	}
	writeOK(w, http.StatusOK, out)
}

func (h *Handler) handleReportGet(w http.ResponseWriter, r *http.Request) {
	artifact, err := h.Reports.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, toReportResponse(artifact, true))
}

func (h *Handler) handleReportDownload(w http.ResponseWriter, r *http.Request) {
	artifact, err := h.Reports.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	ct, ok := contentTypes[artifact.Format]
	if !ok {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(artifact.Payload)
}
