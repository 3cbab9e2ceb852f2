// Package ingest runs uploads through extraction, chunking, embedding and
// storage, tracking each run as a Job.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/cwru-xlab/case-study-ai-avatar-sub003/features/job"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/blob"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/extract"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/knowledge"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/middleware"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/queue"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/text"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/worker"
)

const (
	DefaultMaxUploadBytes   = 10 << 20
	DefaultRetryAttempts    = 3
	DefaultIngestionTimeout = 5 * time.Minute
	DefaultTopic            = "ingest.task"
)

type Extractor interface {
	Supports(mimeType string) bool
	Extract(ctx context.Context, data []byte, mimeType, filename string) (extract.Result, error)
}

type Chunker interface {
	Chunk(text string) []text.Segment
}

type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// JobTracker is the subset of *job.Tracker the pipeline drives.
type JobTracker interface {
	Create(ctx context.Context, j job.Job) (*job.Job, error)
	Start(ctx context.Context, id string) error
	AttachDocument(ctx context.Context, id, documentID string) error
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, kind knowledge.Kind) error
	Get(ctx context.Context, id string) (*job.Job, error)
	FailStale(ctx context.Context, olderThan time.Duration) ([]job.Job, error)
}

type Deps struct {
	Extractor Extractor
	Chunker   Chunker
	Embedder  Embedder
	Store     knowledge.Store
	Jobs      JobTracker
	Blobs     blob.Store
	Queue     queue.Publisher
}

type Options struct {
	MaxUploadBytes     int
	EmbedRetryAttempts int
	// RetryInitialInterval is the first backoff delay between embedding attempts.
	RetryInitialInterval time.Duration
	IngestionTimeout     time.Duration
	Topic                string
}

func (o Options) withDefaults() Options {
	if o.MaxUploadBytes <= 0 {
		o.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if o.EmbedRetryAttempts <= 0 {
		o.EmbedRetryAttempts = DefaultRetryAttempts
	}
	if o.RetryInitialInterval <= 0 {
		o.RetryInitialInterval = 500 * time.Millisecond
	}
	if o.IngestionTimeout <= 0 {
		o.IngestionTimeout = DefaultIngestionTimeout
	}
	if o.Topic == "" {
		o.Topic = DefaultTopic
	}
	return o
}

// Upload is a file handed in by a caller. MimeType may be empty or
// application/octet-stream, in which case the filename extension decides.
type Upload struct {
	Data     []byte
	MimeType string
	Filename string
	Scope    string
}

type Orchestrator struct {
	deps Deps
	opts Options
	now  func() time.Time
}

func NewOrchestrator(deps Deps, opts Options) *Orchestrator {
	return &Orchestrator{deps: deps, opts: opts.withDefaults(), now: time.Now}
}

func (o *Orchestrator) MaxUploadBytes() int {
	return o.opts.MaxUploadBytes
}

// Ingest validates the upload, records a pending job and queues it for a
// worker. It returns as soon as the task is queued.
func (o *Orchestrator) Ingest(ctx context.Context, up Upload) (string, error) {
	if len(up.Data) > o.opts.MaxUploadBytes {
		return "", fmt.Errorf("%w: %d bytes exceeds %d", knowledge.ErrOversizeInput, len(up.Data), o.opts.MaxUploadBytes)
	}

	mt := extract.NormalizeMimeType(up.MimeType)
	if mt == "" || mt == "application/octet-stream" {
		mt = extract.MimeTypeFromFilename(up.Filename)
	}
	if !o.deps.Extractor.Supports(mt) {
		return "", fmt.Errorf("%w: %q", knowledge.ErrUnsupportedType, up.MimeType)
	}

	scope, err := knowledge.ParseScope(up.Scope)
	if err != nil {
		return "", err
	}

	j, err := o.deps.Jobs.Create(ctx, job.Job{Filename: up.Filename, MimeType: mt, Scope: scope})
	if err != nil {
		return "", fmt.Errorf("creating job: %w", err)
	}
	ctx = middleware.WithJobID(ctx, j.ID)

	task := worker.IngestTask{
		JobID:         j.ID,
		BlobKey:       j.ID,
		MimeType:      mt,
		Filename:      up.Filename,
		Scope:         string(scope),
		CorrelationID: middleware.GetCorrelationID(ctx),
	}

	if err := o.enqueue(ctx, task, up.Data); err != nil {
		slog.ErrorContext(ctx, "failed to queue ingestion", "error", err)
		if ferr := o.deps.Jobs.Fail(ctx, j.ID, knowledge.KindInternal); ferr != nil {
			slog.ErrorContext(ctx, "failed to mark job failed", "error", ferr)
		}
		return "", err
	}

	slog.InfoContext(ctx, "ingestion queued", "filename", up.Filename, "mime_type", mt, "scope", scope, "bytes", len(up.Data))
	return j.ID, nil
}

func (o *Orchestrator) enqueue(ctx context.Context, task worker.IngestTask, data []byte) error {
	if err := o.deps.Blobs.Put(ctx, task.BlobKey, data); err != nil {
		return fmt.Errorf("staging upload: %w", err)
	}
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encoding task: %w", err)
	}
	if err := o.deps.Queue.Publish(o.opts.Topic, body); err != nil {
		_ = o.deps.Blobs.Delete(ctx, task.BlobKey)
		return fmt.Errorf("publishing task: %w", err)
	}
	return nil
}

// Process drives one job to a terminal state. Pipeline failures are recorded
// on the job and not returned; an error means the job itself could not be
// read or updated and the task should be redelivered.
func (o *Orchestrator) Process(ctx context.Context, task worker.IngestTask) error {
	ctx = middleware.WithJobID(ctx, task.JobID)

	if err := o.deps.Jobs.Start(ctx, task.JobID); err != nil {
		switch {
		case errors.Is(err, job.ErrInvalidTransition):
			return o.redelivered(ctx, task)
		case errors.Is(err, knowledge.ErrNotFound):
			slog.WarnContext(ctx, "dropping task for unknown job")
			o.discardBlob(ctx, task.BlobKey)
			return nil
		default:
			return fmt.Errorf("starting job %s: %w", task.JobID, err)
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, o.opts.IngestionTimeout)
	defer cancel()

	start := o.now()
	docID, err := o.run(runCtx, task)

	// Terminal writes must land even when the run deadline has passed.
	finishCtx := context.WithoutCancel(ctx)
	defer o.discardBlob(finishCtx, task.BlobKey)

	if err == nil {
		if cerr := o.deps.Jobs.Complete(finishCtx, task.JobID); cerr != nil {
			return o.completeFailed(finishCtx, task, docID, cerr)
		}
		slog.InfoContext(ctx, "ingestion completed", "duration", o.now().Sub(start))
		return nil
	}

	kind := knowledge.KindOf(err)
	if runCtx.Err() != nil && causedByContext(err, kind) {
		kind = knowledge.KindInterrupted
	}
	slog.ErrorContext(ctx, "ingestion failed", "error_kind", kind, "error", err, "duration", o.now().Sub(start))
	if ferr := o.deps.Jobs.Fail(finishCtx, task.JobID, kind); ferr != nil {
		return fmt.Errorf("failing job %s: %w", task.JobID, ferr)
	}
	return nil
}

// causedByContext reports whether a stage failure came from the run deadline
// rather than from the input itself.
func causedByContext(err error, kind knowledge.Kind) bool {
	return kind == knowledge.KindInternal || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// completeFailed runs when the document is stored but the job could not be
// marked completed. The document is removed so that only completed jobs
// leave searchable content behind.
func (o *Orchestrator) completeFailed(ctx context.Context, task worker.IngestTask, docID string, cerr error) error {
	if err := o.removeDocument(ctx, docID); err != nil {
		return fmt.Errorf("completing job %s: %w", task.JobID, errors.Join(cerr, err))
	}
	if errors.Is(cerr, job.ErrInvalidTransition) {
		slog.WarnContext(ctx, "job was finalized elsewhere during the run, stored document removed", "document_id", docID, "error", cerr)
		return nil
	}
	slog.ErrorContext(ctx, "failed to complete job, stored document removed", "document_id", docID, "error", cerr)
	if err := o.deps.Jobs.Fail(ctx, task.JobID, knowledge.KindInternal); err != nil {
		return fmt.Errorf("completing job %s: %w", task.JobID, errors.Join(cerr, err))
	}
	return nil
}

// redelivered handles a task whose job was already claimed. A terminal job
// is acknowledged; a job left in processing belonged to a worker that died.
func (o *Orchestrator) redelivered(ctx context.Context, task worker.IngestTask) error {
	j, err := o.deps.Jobs.Get(ctx, task.JobID)
	if err != nil {
		return fmt.Errorf("loading redelivered job %s: %w", task.JobID, err)
	}
	switch {
	case j.State.Terminal():
		slog.InfoContext(ctx, "acknowledging task for finished job", "state", j.State)
		if j.State == job.StateFailed {
			if err := o.removeDocument(ctx, j.DocumentID); err != nil {
				return err
			}
		}
	case j.State == job.StateProcessing:
		slog.WarnContext(ctx, "job was left in processing, marking interrupted")
		if err := o.removeDocument(ctx, j.DocumentID); err != nil {
			return err
		}
		if err := o.deps.Jobs.Fail(ctx, task.JobID, knowledge.KindInterrupted); err != nil && !errors.Is(err, job.ErrInvalidTransition) {
			return fmt.Errorf("failing interrupted job %s: %w", task.JobID, err)
		}
	default:
		return fmt.Errorf("job %s in unexpected state %s", task.JobID, j.State)
	}
	o.discardBlob(ctx, task.BlobKey)
	return nil
}

// FailStale fails jobs idle for olderThan and removes any document one of
// them had already stored.
func (o *Orchestrator) FailStale(ctx context.Context, olderThan time.Duration) (int, error) {
	failed, err := o.deps.Jobs.FailStale(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	for _, j := range failed {
		if err := o.removeDocument(ctx, j.DocumentID); err != nil {
			slog.ErrorContext(ctx, "failed to remove document of stale job", "job_id", j.ID, "document_id", j.DocumentID, "error", err)
		}
	}
	return len(failed), nil
}

// removeDocument deletes a document stored for a job that did not complete.
func (o *Orchestrator) removeDocument(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	if err := o.deps.Store.DeleteDocument(ctx, id); err != nil && !errors.Is(err, knowledge.ErrNotFound) {
		return fmt.Errorf("removing document %s: %w", id, err)
	}
	return nil
}

// run returns the id of the stored document.
func (o *Orchestrator) run(ctx context.Context, task worker.IngestTask) (docID string, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "ingestion panicked", "panic", r, "stack", string(debug.Stack()))
			docID, err = "", fmt.Errorf("%w: panic: %v", knowledge.ErrInternal, r)
		}
	}()

	data, err := o.deps.Blobs.Get(ctx, task.BlobKey)
	if err != nil {
		// A lost blob is an infrastructure fault, not a missing resource for the caller.
		return "", fmt.Errorf("%w: loading staged upload: %v", knowledge.ErrInternal, err)
	}

	res, err := o.deps.Extractor.Extract(ctx, data, task.MimeType, task.Filename)
	if err != nil {
		return "", err
	}

	segments := o.deps.Chunker.Chunk(res.Text)
	if len(segments) == 0 {
		return "", fmt.Errorf("%w: %s", knowledge.ErrNoContent, task.Filename)
	}

	texts := make([]string, len(segments))
	for i, s := range segments {
		texts[i] = s.Content
	}
	vectors, err := o.embed(ctx, texts)
	if err != nil {
		return "", err
	}

	doc := knowledge.Document{
		ID:        uuid.New().String(),
		Scope:     knowledge.Scope(task.Scope),
		Filename:  task.Filename,
		MimeType:  task.MimeType,
		Title:     res.Title,
		CreatedAt: o.now().UTC(),
	}
	chunks := make([]knowledge.Chunk, len(segments))
	for i, s := range segments {
		chunks[i] = knowledge.Chunk{
			DocumentID:   doc.ID,
			Index:        i,
			Content:      s.Content,
			Vector:       vectors[i],
			OverlapStart: s.OverlapPrev,
		}
		if i+1 < len(segments) {
			chunks[i].OverlapEnd = segments[i+1].OverlapPrev
		}
	}

	if err := o.deps.Jobs.AttachDocument(ctx, task.JobID, doc.ID); err != nil {
		return "", fmt.Errorf("attaching document: %w", err)
	}
	if err := o.deps.Store.PutDocument(ctx, doc, chunks); err != nil {
		return "", fmt.Errorf("storing document %s: %w", doc.ID, err)
	}

	slog.InfoContext(ctx, "document stored", "document_id", doc.ID, "chunks", len(chunks), "characters", len(res.Text))
	return doc.ID, nil
}

// embed retries the whole call with exponential backoff. Context expiry stops
// retrying immediately.
func (o *Orchestrator) embed(ctx context.Context, texts []string) ([][]float32, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.opts.RetryInitialInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(o.opts.EmbedRetryAttempts-1)), ctx)

	attempt := 0
	vectors, err := backoff.RetryWithData(func() ([][]float32, error) {
		attempt++
		v, err := o.deps.Embedder.Embed(ctx, texts)
		if err != nil && ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return v, err
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("embedding %d chunks after %d attempts: %w", len(texts), attempt, err)
	}
	if attempt > 1 {
		slog.InfoContext(ctx, "embedding succeeded after retry", "attempts", attempt)
	}
	return vectors, nil
}

func (o *Orchestrator) discardBlob(ctx context.Context, key string) {
	if err := o.deps.Blobs.Delete(ctx, key); err != nil {
		slog.WarnContext(ctx, "failed to delete staged upload", "blob_key", key, "error", err)
	}
}
