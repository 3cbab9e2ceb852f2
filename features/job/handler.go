package job

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/knowledge"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/middleware"
)

type Handler struct {
	tracker *Tracker
}

func NewHandler(t *Tracker) *Handler {
	return &Handler{tracker: t}
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	status, err := h.tracker.Status(ctx, id)
	if err != nil {
		kind := knowledge.KindOf(err)
		if kind != knowledge.KindNotFound {
			slog.ErrorContext(ctx, "failed to get job status", "id", id, "error", err)
		}
		h.writeError(ctx, w, middleware.ErrorCode(kind), kind.SafeMessage(), middleware.HTTPStatus(kind))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": status}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	f := Filter{State: State(r.URL.Query().Get("state"))}
	if f.State != "" && !f.State.Valid() {
		h.writeError(ctx, w, "INVALID_STATE", "state must be one of pending, processing, completed, failed", http.StatusBadRequest)
		return
	}

	jobs, err := h.tracker.List(ctx, f)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list jobs", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", knowledge.KindInternal.SafeMessage(), http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []Job{}
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{
		"data": jobs,
		"meta": map[string]int{"count": len(jobs)},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
