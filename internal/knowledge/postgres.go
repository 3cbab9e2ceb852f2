package knowledge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

var _ Store = (*PostgresStore)(nil)

// PostgresStore keeps documents and chunk vectors in Postgres. Chunk vectors use
// the pgvector "vector" column type; ranking happens in process.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// IsMalformedID reports whether Postgres rejected an id that is not a UUID.
// Such an id can never match a row, so callers treat it as not found.
func IsMalformedID(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "22P02"
}

func (s *PostgresStore) PutDocument(ctx context.Context, doc Document, chunks []Chunk) error {
	if err := ValidateChunks(doc.ID, chunks); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning document transaction: %w", err)
	}

	docQuery := `INSERT INTO documents (id, scope, filename, mime_type, title, chunk_count, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := tx.ExecContext(ctx, docQuery, doc.ID, string(doc.Scope), doc.Filename, doc.MimeType, doc.Title, len(chunks), doc.CreatedAt); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("inserting document %s: %w", doc.ID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO document_chunks (document_id, chunk_index, content, embedding, overlap_start, overlap_end) VALUES ($1, $2, $3, $4, $5, $6)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("preparing chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		if _, err := stmt.ExecContext(ctx, doc.ID, c.Index, c.Content, pgvector.NewVector(c.Vector), c.OverlapStart, c.OverlapEnd); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("inserting chunk %d of document %s: %w", c.Index, doc.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing document %s: %w", doc.ID, err)
	}
	return nil
}

func (s *PostgresStore) ChunksForScope(ctx context.Context, scope Scope) ([]Candidate, error) {
	query := `SELECT c.document_id, c.chunk_index, c.content, c.embedding, c.overlap_start, c.overlap_end, d.title, d.scope
		FROM document_chunks c JOIN documents d ON d.id = c.document_id
		WHERE d.scope = 'shared' OR d.scope = $1
		ORDER BY c.document_id, c.chunk_index`
	rows, err := s.db.QueryContext(ctx, query, string(scope))
	if err != nil {
		return nil, fmt.Errorf("querying chunks for scope: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		var vec pgvector.Vector
		var docScope string
		if err := rows.Scan(&c.DocumentID, &c.Index, &c.Content, &vec, &c.OverlapStart, &c.OverlapEnd, &c.DocumentTitle, &docScope); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		c.Vector = vec.Slice()
		c.DocumentScope = Scope(docScope)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chunks: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context, scope Scope) ([]Document, error) {
	query := `SELECT id, scope, filename, mime_type, title, chunk_count, created_at FROM documents ORDER BY created_at DESC, id`
	args := []any{}
	if scope != "" {
		query = `SELECT id, scope, filename, mime_type, title, chunk_count, created_at FROM documents WHERE scope = 'shared' OR scope = $1 ORDER BY created_at DESC, id`
		args = append(args, string(scope))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating documents: %w", err)
	}
	return docs, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	query := `SELECT id, scope, filename, mime_type, title, chunk_count, created_at FROM documents WHERE id = $1`
	d, err := scanDocument(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) || IsMalformedID(err) {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return d, err
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if IsMalformedID(err) {
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("deleting document %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) CountDocuments(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n)
	return n, err
}

func (s *PostgresStore) CountChunks(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM document_chunks`).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	d := &Document{}
	var scope string
	if err := row.Scan(&d.ID, &scope, &d.Filename, &d.MimeType, &d.Title, &d.ChunkCount, &d.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning document: %w", err)
	}
	d.Scope = Scope(scope)
	return d, nil
}
