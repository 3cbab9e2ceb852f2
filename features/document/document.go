package document

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/ingest"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/knowledge"
)

type Ingester interface {
	Ingest(ctx context.Context, up ingest.Upload) (string, error)
	MaxUploadBytes() int
}

// Service is the management surface over ingested documents.
type Service struct {
	store    knowledge.Store
	ingester Ingester
}

func NewService(store knowledge.Store, ingester Ingester) *Service {
	return &Service{store: store, ingester: ingester}
}

// List returns every document for an empty scope, otherwise the shared
// documents plus those owned by scope.
func (s *Service) List(ctx context.Context, scope string) ([]knowledge.Document, error) {
	var sc knowledge.Scope
	if scope != "" {
		parsed, err := knowledge.ParseScope(scope)
		if err != nil {
			return nil, err
		}
		sc = parsed
	}
	docs, err := s.store.ListDocuments(ctx, sc)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	return docs, nil
}

func (s *Service) Get(ctx context.Context, id string) (*knowledge.Document, error) {
	return s.store.GetDocument(ctx, id)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteDocument(ctx, id); err != nil {
		return err
	}
	slog.InfoContext(ctx, "document deleted", "document_id", id)
	return nil
}

// Upload hands the file to the ingestion pipeline and returns the job id.
func (s *Service) Upload(ctx context.Context, up ingest.Upload) (string, error) {
	return s.ingester.Ingest(ctx, up)
}

func (s *Service) MaxUploadBytes() int {
	return s.ingester.MaxUploadBytes()
}
