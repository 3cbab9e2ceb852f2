package job

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/knowledge"
)

// Tracker owns the job state machine. Only the ingestion pipeline mutates jobs;
// everything else reads through Status, Get and List.
type Tracker struct {
	repo Repository
	now  func() time.Time
}

func NewTracker(repo Repository) *Tracker {
	return &Tracker{repo: repo, now: time.Now}
}

// Create stores a new pending job and returns it with its generated ID.
func (t *Tracker) Create(ctx context.Context, j Job) (*Job, error) {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	now := t.now().UTC()
	j.State = StatePending
	j.ErrorKind, j.ErrorMessage, j.DocumentID = "", "", ""
	j.CreatedAt, j.UpdatedAt = now, now
	if err := t.repo.Create(ctx, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

func (t *Tracker) Start(ctx context.Context, id string) error {
	return t.moveTo(ctx, id, StateProcessing, "")
}

func (t *Tracker) AttachDocument(ctx context.Context, id, documentID string) error {
	return t.repo.SetDocument(ctx, id, documentID)
}

func (t *Tracker) Complete(ctx context.Context, id string) error {
	return t.moveTo(ctx, id, StateCompleted, "")
}

// Fail records kind and its fixed safe message. An empty kind counts as Internal.
func (t *Tracker) Fail(ctx context.Context, id string, kind knowledge.Kind) error {
	if kind == "" {
		kind = knowledge.KindInternal
	}
	return t.moveTo(ctx, id, StateFailed, kind)
}

func (t *Tracker) moveTo(ctx context.Context, id string, to State, kind knowledge.Kind) error {
	msg := ""
	if kind != "" {
		msg = kind.SafeMessage()
	}
	if err := t.repo.Transition(ctx, id, sources(to), to, kind, msg); err != nil {
		return err
	}
	slog.InfoContext(ctx, "job state changed", "job_id", id, "state", to, "error_kind", kind)
	return nil
}

func (t *Tracker) Get(ctx context.Context, id string) (*Job, error) {
	return t.repo.Get(ctx, id)
}

func (t *Tracker) Status(ctx context.Context, id string) (*Status, error) {
	j, err := t.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s := j.Status()
	return &s, nil
}

func (t *Tracker) List(ctx context.Context, f Filter) ([]Job, error) {
	if f.State != "" && !f.State.Valid() {
		return nil, fmt.Errorf("unknown job state %q", f.State)
	}
	return t.repo.List(ctx, f)
}

func (t *Tracker) CountByState(ctx context.Context, s State) (int, error) {
	return t.repo.CountByState(ctx, s)
}

// FailStale fails jobs that have not moved for olderThan and returns them.
// Run at startup so work lost with a previous process does not stay in
// flight forever.
func (t *Tracker) FailStale(ctx context.Context, olderThan time.Duration) ([]Job, error) {
	failed, err := t.repo.FailStale(ctx, t.now().Add(-olderThan), knowledge.KindInterrupted, knowledge.KindInterrupted.SafeMessage())
	if err != nil {
		return nil, err
	}
	if len(failed) > 0 {
		slog.WarnContext(ctx, "failed stale jobs", "count", len(failed), "older_than", olderThan)
	}
	return failed, nil
}
