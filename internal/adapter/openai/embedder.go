// Package openai embeds text through any OpenAI-compatible embeddings endpoint.
package openai

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

type Config struct {
	BaseURL string
	Token   string
	Model   string
	// BatchSize caps texts per upstream request.
	BatchSize int
}

type Embedder struct {
	embedder embeddings.Embedder
	model    string
}

func NewEmbedder(cfg Config) (*Embedder, error) {
	token := cfg.Token
	if token == "" {
		// local OpenAI-compatible servers ignore the token but the client requires one
		token = "none"
	}
	opts := []openai.Option{
		openai.WithToken(token),
		openai.WithEmbeddingModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating openai client: %w", err)
	}

	embOpts := []embeddings.Option{embeddings.WithStripNewLines(true)}
	if cfg.BatchSize > 0 {
		embOpts = append(embOpts, embeddings.WithBatchSize(cfg.BatchSize))
	}
	e, err := embeddings.NewEmbedder(client, embOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	return &Embedder{embedder: e, model: cfg.Model}, nil
}

func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	slog.DebugContext(ctx, "embedding batch", "model", e.model, "count", len(texts))
	vecs, err := e.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("openai embed: %w", err)
	}
	return vecs, nil
}
