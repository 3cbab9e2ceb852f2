package job

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/knowledge"
)

type Repository interface {
	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// Transition moves job id to state to if its current state is one of from.
	// Fails with ErrInvalidTransition otherwise and knowledge.ErrNotFound for unknown ids.
	Transition(ctx context.Context, id string, from []State, to State, kind knowledge.Kind, message string) error
	SetDocument(ctx context.Context, id, documentID string) error
	List(ctx context.Context, f Filter) ([]Job, error)
	CountByState(ctx context.Context, s State) (int, error)
	// FailStale fails every non-terminal job last updated before cutoff and
	// returns the jobs it failed.
	FailStale(ctx context.Context, cutoff time.Time, kind knowledge.Kind, message string) ([]Job, error)
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const jobColumns = `id, COALESCE(document_id::text, ''), state, error_kind, error_message, filename, mime_type, scope, created_at, updated_at`

func (r *PostgresRepo) Create(ctx context.Context, j *Job) error {
	query := `INSERT INTO ingestion_jobs (id, state, filename, mime_type, scope, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.db.ExecContext(ctx, query, j.ID, string(j.State), j.Filename, j.MimeType, string(j.Scope), j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting job %s: %w", j.ID, err)
	}
	return nil
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM ingestion_jobs WHERE id = $1`
	j, err := scanJob(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) || knowledge.IsMalformedID(err) {
		return nil, fmt.Errorf("job %s: %w", id, knowledge.ErrNotFound)
	}
	return j, err
}

func (r *PostgresRepo) Transition(ctx context.Context, id string, from []State, to State, kind knowledge.Kind, message string) error {
	fromArgs := make([]string, len(from))
	for i, s := range from {
		fromArgs[i] = string(s)
	}
	query := `UPDATE ingestion_jobs SET state = $2, error_kind = $3, error_message = $4, updated_at = NOW() WHERE id = $1 AND state = ANY($5)`
	res, err := r.db.ExecContext(ctx, query, id, string(to), string(kind), message, pq.Array(fromArgs))
	if knowledge.IsMalformedID(err) {
		return fmt.Errorf("job %s: %w", id, knowledge.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("updating job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM ingestion_jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("checking job %s: %w", id, err)
	}
	if !exists {
		return fmt.Errorf("job %s: %w", id, knowledge.ErrNotFound)
	}
	return fmt.Errorf("%w: job %s to %s", ErrInvalidTransition, id, to)
}

func (r *PostgresRepo) SetDocument(ctx context.Context, id, documentID string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE ingestion_jobs SET document_id = $2, updated_at = NOW() WHERE id = $1`, id, documentID)
	if err != nil {
		return fmt.Errorf("attaching document to job %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("job %s: %w", id, knowledge.ErrNotFound)
	}
	return nil
}

func (r *PostgresRepo) List(ctx context.Context, f Filter) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM ingestion_jobs`
	var args []any
	if f.State != "" {
		args = append(args, string(f.State))
		query += ` WHERE state = $1`
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (r *PostgresRepo) CountByState(ctx context.Context, s State) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ingestion_jobs WHERE state = $1`, string(s)).Scan(&count)
	return count, err
}

func (r *PostgresRepo) FailStale(ctx context.Context, cutoff time.Time, kind knowledge.Kind, message string) ([]Job, error) {
	query := `UPDATE ingestion_jobs SET state = 'failed', error_kind = $1, error_message = $2, updated_at = NOW() WHERE state IN ('pending', 'processing') AND updated_at < $3 RETURNING ` + jobColumns
	rows, err := r.db.QueryContext(ctx, query, string(kind), message, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failing stale jobs: %w", err)
	}
	defer rows.Close()

	var failed []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		failed = append(failed, *j)
	}
	return failed, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	j := &Job{}
	var state, kind, scope string
	err := row.Scan(&j.ID, &j.DocumentID, &state, &kind, &j.ErrorMessage, &j.Filename, &j.MimeType, &scope, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.State = State(state)
	j.ErrorKind = knowledge.Kind(kind)
	j.Scope = knowledge.Scope(scope)
	return j, nil
}

// MemoryRepo keeps jobs in process memory for KNOWLEDGE_BACKEND=memory runs and tests.
type MemoryRepo struct {
	mu   sync.Mutex
	jobs map[string]Job
	now  func() time.Time
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{jobs: make(map[string]Job), now: time.Now}
}

func (r *MemoryRepo) Create(ctx context.Context, j *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[j.ID]; ok {
		return fmt.Errorf("job %s already exists", j.ID)
	}
	r.jobs[j.ID] = *j
	return nil
}

func (r *MemoryRepo) Get(ctx context.Context, id string) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, knowledge.ErrNotFound)
	}
	return &j, nil
}

func (r *MemoryRepo) Transition(ctx context.Context, id string, from []State, to State, kind knowledge.Kind, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, knowledge.ErrNotFound)
	}
	if !slices.Contains(from, j.State) {
		return fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, id, j.State)
	}
	j.State, j.ErrorKind, j.ErrorMessage, j.UpdatedAt = to, kind, message, r.now()
	r.jobs[id] = j
	return nil
}

func (r *MemoryRepo) SetDocument(ctx context.Context, id, documentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, knowledge.ErrNotFound)
	}
	j.DocumentID, j.UpdatedAt = documentID, r.now()
	r.jobs[id] = j
	return nil
}

func (r *MemoryRepo) List(ctx context.Context, f Filter) ([]Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Job
	for _, j := range r.jobs {
		if f.State == "" || j.State == f.State {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.After(out[b].CreatedAt)
		}
		return out[a].ID < out[b].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *MemoryRepo) CountByState(ctx context.Context, s State) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, j := range r.jobs {
		if j.State == s {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepo) FailStale(ctx context.Context, cutoff time.Time, kind knowledge.Kind, message string) ([]Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var failed []Job
	for id, j := range r.jobs {
		if j.State.Terminal() || !j.UpdatedAt.Before(cutoff) {
			continue
		}
		j.State, j.ErrorKind, j.ErrorMessage, j.UpdatedAt = StateFailed, kind, message, r.now()
		r.jobs[id] = j
		failed = append(failed, j)
	}
	return failed, nil
}
