package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/cwru-xlab/case-study-ai-avatar-sub003/features/job"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/knowledge"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/middleware"
)

type KnowledgeCounter interface {
	CountDocuments(ctx context.Context) (int, error)
	CountChunks(ctx context.Context) (int, error)
}

type JobCounter interface {
	CountByState(ctx context.Context, s job.State) (int, error)
}

type Handler struct {
	store KnowledgeCounter
	jobs  JobCounter
}

func NewHandler(s KnowledgeCounter, j JobCounter) *Handler {
	return &Handler{store: s, jobs: j}
}

type JobCounts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

type StatsResponse struct {
	Documents int       `json:"documents"`
	Chunks    int       `json:"chunks"`
	Jobs      JobCounts `json:"jobs"`
}

// GetStats reports knowledge base size and job counts per state.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var resp StatsResponse
	g, gctx := errgroup.WithContext(ctx)
	count := func(what string, dst *int, f func(context.Context) (int, error)) {
		g.Go(func() error {
			n, err := f(gctx)
			if err != nil {
				slog.ErrorContext(ctx, "failed to count", "what", what, "error", err)
				return err
			}
			*dst = n
			return nil
		})
	}
	byState := func(s job.State) func(context.Context) (int, error) {
		return func(ctx context.Context) (int, error) { return h.jobs.CountByState(ctx, s) }
	}

	count("documents", &resp.Documents, h.store.CountDocuments)
	count("chunks", &resp.Chunks, h.store.CountChunks)
	count("pending jobs", &resp.Jobs.Pending, byState(job.StatePending))
	count("processing jobs", &resp.Jobs.Processing, byState(job.StateProcessing))
	count("completed jobs", &resp.Jobs.Completed, byState(job.StateCompleted))
	count("failed jobs", &resp.Jobs.Failed, byState(job.StateFailed))

	if err := g.Wait(); err != nil {
		h.writeError(ctx, w, "INTERNAL_ERROR", knowledge.KindInternal.SafeMessage(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": resp}); err != nil {
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
		slog.ErrorContext(ctx, "failed to encode error response", "error", err)
	}
}
