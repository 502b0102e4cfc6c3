package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	appErr "github.com/samims/dispatch/internal/errors"
	"github.com/samims/dispatch/pkg/tracing"
)

// maxBody caps request documents.
const maxBody = 1 << 20

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// inline error responder
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, appErr.ErrInvalidInput), errors.Is(err, appErr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, appErr.ErrConfig):
		return http.StatusUnprocessableEntity
	case appErr.IsNotFound(err):
		return http.StatusNotFound
	case appErr.IsConflict(err):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// fail maps err to a status; server errors are recorded on the span.
func fail(w http.ResponseWriter, logger *slog.Logger, tracer *tracing.Tracer, span trace.Span, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		tracer.RecordError(span, err)
		logger.Error(op+" failed", slog.Any("error", err))
	} else {
		logger.Warn(op+" rejected", slog.Any("error", err))
	}
	respondError(w, status, err.Error())
}
