package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/samims/dispatch/internal/model"
	"github.com/samims/dispatch/internal/workflow"
	"github.com/samims/dispatch/pkg/tracing"
)

type WorkflowRunner interface {
	Trigger(ctx context.Context, req workflow.TriggerRequest) (model.WorkflowExecution, error)
	Cancel(ctx context.Context, appID, executionID string) error
}

type WorkflowHandler struct {
	engine WorkflowRunner
	logger *slog.Logger
}

func NewWorkflowHandler(engine WorkflowRunner, logger *slog.Logger) *WorkflowHandler {
	return &WorkflowHandler{engine: engine, logger: logger.With("layer", "handler", "component", "workflowHandler")}
}

func (h *WorkflowHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	tracer := tracing.NewTracer(tracing.GetTracer("workflow-handler"))
	ctx, span := tracer.StartServerSpan(r.Context(), "Trigger")
	defer span.End()

	var req workflow.TriggerRequest
	if err := decode(w, r, &req); err != nil {
		h.logger.Warn("Invalid request body for Trigger", slog.Any("error", err))
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.AppID = chi.URLParam(r, "appID")

	exec, err := h.engine.Trigger(ctx, req)
	if err != nil {
		fail(w, h.logger, tracer, span, "Trigger", err)
		return
	}
	respondJSON(w, http.StatusAccepted, exec)
}

func (h *WorkflowHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	tracer := tracing.NewTracer(tracing.GetTracer("workflow-handler"))
	ctx, span := tracer.StartServerSpan(r.Context(), "Cancel")
	defer span.End()

	id := chi.URLParam(r, "id")
	if err := h.engine.Cancel(ctx, chi.URLParam(r, "appID"), id); err != nil {
		fail(w, h.logger, tracer, span, "Cancel", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(model.ExecutionCancelled)})
}
