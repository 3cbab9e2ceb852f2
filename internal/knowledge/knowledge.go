// Package knowledge defines the document and chunk model of the avatar
// knowledge base, the error taxonomy shared across the pipeline, and the
// Store contract with its Postgres and in-memory implementations.
package knowledge

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Scope is the ownership boundary of a document: either Shared or an avatar identifier.
// The empty scope is only meaningful for queries and sees shared documents alone.
type Scope string

// Shared marks documents visible to every avatar.
const Shared Scope = "shared"

const maxScopeLen = 128

// ParseScope normalises and validates an owning scope.
func ParseScope(s string) (Scope, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: scope is required", ErrInvalidScope)
	}
	if len(s) > maxScopeLen {
		return "", fmt.Errorf("%w: scope longer than %d bytes", ErrInvalidScope, maxScopeLen)
	}
	if strings.ContainsAny(s, "\x00\r\n\t") {
		return "", fmt.Errorf("%w: scope contains control characters", ErrInvalidScope)
	}
	return Scope(s), nil
}

// Visible reports whether a document owned by owner can be seen by a query scoped to s.
func (s Scope) Visible(owner Scope) bool {
	return owner == Shared || (s != "" && owner == s)
}

// Document is an ingested file. Immutable apart from deletion.
type Document struct {
	ID         string    `json:"id"`
	Scope      Scope     `json:"scope"`
	Filename   string    `json:"filename"`
	MimeType   string    `json:"mime_type"`
	Title      string    `json:"title"`
	ChunkCount int       `json:"chunk_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// Chunk is one embedded segment of a Document.
type Chunk struct {
	DocumentID string    `json:"document_id"`
	Index      int       `json:"chunk_index"`
	Content    string    `json:"content"`
	Vector     []float32 `json:"-"`
	// OverlapStart is the number of leading runes repeated from the previous chunk.
	OverlapStart int `json:"overlap_start"`
	// OverlapEnd is the number of trailing runes the next chunk repeats.
	OverlapEnd int `json:"overlap_end"`
}

// Candidate is a visible chunk together with the document fields retrieval needs.
type Candidate struct {
	Chunk
	DocumentTitle string `json:"document_title"`
	DocumentScope Scope  `json:"document_scope"`
}

// Store persists documents and chunks. Implementations must be safe for concurrent use.
type Store interface {
	// PutDocument stores doc and its chunks so that both become visible together.
	PutDocument(ctx context.Context, doc Document, chunks []Chunk) error
	// ChunksForScope returns every chunk whose document is visible to scope.
	ChunksForScope(ctx context.Context, scope Scope) ([]Candidate, error)
	// ListDocuments returns documents visible to scope, or all documents for the empty scope.
	ListDocuments(ctx context.Context, scope Scope) ([]Document, error)
	GetDocument(ctx context.Context, id string) (*Document, error)
	// DeleteDocument removes the document and all of its chunks.
	DeleteDocument(ctx context.Context, id string) error
	CountDocuments(ctx context.Context) (int, error)
	CountChunks(ctx context.Context) (int, error)
}

// ValidateChunks checks the invariants PutDocument relies on: at least one chunk,
// indices 0..n-1 in order, every chunk belonging to docID, one dimensionality.
func ValidateChunks(docID string, chunks []Chunk) error {
	if len(chunks) == 0 {
		return fmt.Errorf("%w: document %s has no chunks", ErrNoContent, docID)
	}
	dim := len(chunks[0].Vector)
	if dim == 0 {
		return fmt.Errorf("%w: chunk 0 has no vector", ErrDimensionMismatch)
	}
	for i, c := range chunks {
		if c.DocumentID != docID {
			return fmt.Errorf("chunk %d belongs to document %q, expected %q", i, c.DocumentID, docID)
		}
		if c.Index != i {
			return fmt.Errorf("chunk indices must be contiguous: position %d has index %d", i, c.Index)
		}
		if len(c.Vector) != dim {
			return fmt.Errorf("%w: chunk %d has %d dimensions, expected %d", ErrDimensionMismatch, i, len(c.Vector), dim)
		}
	}
	return nil
}
