package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const DefaultModel = "text-embedding-004"

var ErrMissingAPIKey = errors.New("gemini api key not configured")

// Embedder calls batchEmbedContents. The genai client is created on first use.
type Embedder struct {
	apiKey     string
	model      string
	clientOpts []option.ClientOption

	mu     sync.Mutex
	client *genai.Client
}

func NewEmbedder(apiKey, model string, opts ...option.ClientOption) *Embedder {
	if model == "" {
		model = DefaultModel
	}
	return &Embedder{apiKey: apiKey, model: model, clientOpts: opts}
}

func (e *Embedder) Model() string { return e.model }

func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	client, err := e.getClient(ctx)
	if err != nil {
		return nil, err
	}

	slog.DebugContext(ctx, "embedding batch", "model", e.model, "count", len(texts))
	em := client.EmbeddingModel(e.model)
	batch := em.NewBatch()
	for _, t := range texts {
		batch.AddContent(genai.Text(t))
	}

	res, err := em.BatchEmbedContents(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("gemini batch embed: %w", err)
	}

	out := make([][]float32, len(res.Embeddings))
	for i, emb := range res.Embeddings {
		if emb == nil || len(emb.Values) == 0 {
			return nil, fmt.Errorf("gemini returned empty embedding at %d", i)
		}
		out[i] = emb.Values
	}
	return out, nil
}

func (e *Embedder) getClient(ctx context.Context) (*genai.Client, error) {
	if e.apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		return e.client, nil
	}

	opts := append([]option.ClientOption{option.WithAPIKey(e.apiKey)}, e.clientOpts...)
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	e.client = client
	return client, nil
}

func (e *Embedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return nil
	}
	err := e.client.Close()
	e.client = nil
	return err
}
