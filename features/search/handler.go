package search

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/knowledge"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/middleware"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/retrieval"
)

type Searcher interface {
	Search(ctx context.Context, q retrieval.Query) (*retrieval.Result, error)
}

type Handler struct {
	searcher Searcher
}

func NewHandler(s Searcher) *Handler {
	return &Handler{searcher: s}
}

type searchRequest struct {
	Query string `json:"query"`
	Scope string `json:"scope"`
	TopK  int    `json:"top_k"`
}

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req searchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", "request body must be a JSON object", http.StatusBadRequest)
		return
	}

	q := retrieval.Query{Text: req.Query, TopK: req.TopK}
	if req.Scope != "" {
		scope, err := knowledge.ParseScope(req.Scope)
		if err != nil {
			h.writeKind(ctx, w, knowledge.KindOf(err))
			return
		}
		q.Scope = scope
	}

	res, err := h.searcher.Search(ctx, q)
	if err != nil {
		kind := knowledge.KindOf(err)
		if middleware.HTTPStatus(kind) >= http.StatusInternalServerError {
			slog.ErrorContext(ctx, "search failed", "error_kind", kind, "error", err)
		}
		h.writeKind(ctx, w, kind)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"data": res,
		"meta": map[string]int{"count": len(res.Results)},
	}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeKind(ctx context.Context, w http.ResponseWriter, kind knowledge.Kind) {
	h.writeError(ctx, w, middleware.ErrorCode(kind), kind.SafeMessage(), middleware.HTTPStatus(kind))
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
