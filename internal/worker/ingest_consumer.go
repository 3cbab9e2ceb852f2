package worker

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nsqio/go-nsq"

	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/middleware"
)

// TaskProcessor runs one ingestion to a terminal job state. A returned error
// means the job could not be read or claimed and the message should be redelivered.
type TaskProcessor interface {
	Process(ctx context.Context, task IngestTask) error
}

type IngestConsumer struct {
	processor TaskProcessor
}

func NewIngestConsumer(p TaskProcessor) *IngestConsumer {
	return &IngestConsumer{processor: p}
}

func (h *IngestConsumer) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}

	var task IngestTask
	if err := json.Unmarshal(m.Body, &task); err != nil {
		// Poison Pill: Invalid JSON, don't retry
		slog.Error("poison pill: invalid json", "error", err)
		return nil
	}
	if !task.Valid() {
		slog.Error("poison pill: task without job or blob", "job_id", task.JobID)
		return nil
	}

	ctx := context.Background()
	if task.CorrelationID != "" {
		ctx = middleware.WithCorrelationID(ctx, task.CorrelationID)
	}
	ctx = middleware.WithJobID(ctx, task.JobID)

	if err := h.processor.Process(ctx, task); err != nil {
		slog.WarnContext(ctx, "ingest task will be redelivered", "attempts", m.Attempts, "error", err)
		return err
	}
	return nil
}
