package knowledge

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps documents in process memory. Used by tests and by
// KNOWLEDGE_BACKEND=memory for local runs.
type MemoryStore struct {
	mu     sync.RWMutex
	docs   map[string]Document
	chunks map[string][]Chunk
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:   make(map[string]Document),
		chunks: make(map[string][]Chunk),
	}
}

func (s *MemoryStore) PutDocument(ctx context.Context, doc Document, chunks []Chunk) error {
	if err := ValidateChunks(doc.ID, chunks); err != nil {
		return err
	}
	stored := make([]Chunk, len(chunks))
	for i, c := range chunks {
		c.Vector = slices.Clone(c.Vector)
		stored[i] = c
	}
	doc.ChunkCount = len(stored)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.docs[doc.ID]; exists {
		return fmt.Errorf("document %s already exists", doc.ID)
	}
	s.docs[doc.ID] = doc
	s.chunks[doc.ID] = stored
	return nil
}

func (s *MemoryStore) ChunksForScope(ctx context.Context, scope Scope) ([]Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.docs))
	for id, d := range s.docs {
		if scope.Visible(d.Scope) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var out []Candidate
	for _, id := range ids {
		d := s.docs[id]
		for _, c := range s.chunks[id] {
			c.Vector = slices.Clone(c.Vector)
			out = append(out, Candidate{Chunk: c, DocumentTitle: d.Title, DocumentScope: d.Scope})
		}
	}
	return out, nil
}

func (s *MemoryStore) ListDocuments(ctx context.Context, scope Scope) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var docs []Document
	for _, d := range s.docs {
		if scope == "" || scope.Visible(d.Scope) {
			docs = append(docs, d)
		}
	}
	sort.Slice(docs, func(i, j int) bool {
		if !docs[i].CreatedAt.Equal(docs[j].CreatedAt) {
			return docs[i].CreatedAt.After(docs[j].CreatedAt)
		}
		return docs[i].ID < docs[j].ID
	})
	return docs, nil
}

func (s *MemoryStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return &d, nil
}

func (s *MemoryStore) DeleteDocument(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[id]; !ok {
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	delete(s.docs, id)
	delete(s.chunks, id)
	return nil
}

func (s *MemoryStore) CountDocuments(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs), nil
}

func (s *MemoryStore) CountChunks(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, cs := range s.chunks {
		n += len(cs)
	}
	return n, nil
}
