package api

import (
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/t77yq/perfmon/internal/alert"
	"github.com/t77yq/perfmon/internal/report"
	"github.com/t77yq/perfmon/internal/rules"
	"github.com/t77yq/perfmon/internal/storage"
)

const (
	codeNotFound     = "not_found"
	codeValidation   = "validation"
	codeConflict     = "conflict"
	codeInternal     = "internal"
	codeUnauthorized = "unauthorized"
)

// ErrValidation marks malformed requests
var ErrValidation = errors.New("validation failed")

type errorResponse struct {
	Ok      bool   `json:"ok"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, alert.ErrAlertNotFound),
		errors.Is(err, rules.ErrRuleNotFound),
		errors.Is(err, report.ErrReportNotFound),
		errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Code: codeNotFound, Message: err.Error()})
	case errors.Is(err, ErrValidation),
		errors.Is(err, rules.ErrInvalidRule),
		errors.Is(err, report.ErrInvalidWindow),
		errors.Is(err, report.ErrUnknownFormat):
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: codeValidation, Message: err.Error()})
	case errors.Is(err, alert.ErrAlertConflict),
		errors.Is(err, rules.ErrRuleExists):
		writeJSON(w, http.StatusConflict, errorResponse{Code: codeConflict, Message: err.Error()})
	default:
		if h.Logger != nil {
			h.Logger.Error("Request failed", zap.Error(err))
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse{Code: codeInternal, Message: "internal error"})
	}
}
