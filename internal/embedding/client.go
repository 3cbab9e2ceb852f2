// Package embedding batches texts through an embedding provider and compares
// the resulting vectors.
package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/knowledge"
)

// DefaultBatchSize is the largest request the upstream embedding APIs accept.
const DefaultBatchSize = 100

// BatchEmbedder is a single provider request: one vector per text, in order.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type Option func(*Client)

func WithBatchSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithConcurrency bounds how many batches are in flight. 1 runs them in sequence.
func WithConcurrency(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithDimensions fixes the expected vector length. Without it the length of the
// first response is adopted.
func WithDimensions(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.dims = n
		}
	}
}

// Client never retries; callers decide whether a failure is worth repeating.
type Client struct {
	provider    BatchEmbedder
	batchSize   int
	concurrency int

	mu   sync.RWMutex
	dims int
}

func NewClient(provider BatchEmbedder, opts ...Option) *Client {
	c := &Client{provider: provider, batchSize: DefaultBatchSize, concurrency: 1}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dimensions returns the configured or learned vector length, 0 before the first call.
func (c *Client) Dimensions() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dims
}

// Embed returns one vector per text in input order. A failure in any batch
// fails the whole call; no partial result is returned.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	out := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	for start := 0; start < len(texts); start += c.batchSize {
		end := min(start+c.batchSize, len(texts))
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			vecs, err := c.provider.EmbedBatch(gCtx, texts[start:end])
			if err != nil {
				return fmt.Errorf("batch [%d:%d]: %w", start, end, err)
			}
			if len(vecs) != end-start {
				return fmt.Errorf("batch [%d:%d]: provider returned %d vectors", start, end, len(vecs))
			}
			for i, v := range vecs {
				if err := c.checkDims(v); err != nil {
					return fmt.Errorf("text %d: %w", start+i, err)
				}
				out[start+i] = v
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		slog.WarnContext(ctx, "embedding failed", "texts", len(texts), "error", err)
		return nil, fmt.Errorf("%w: %w", knowledge.ErrEmbeddingFailed, err)
	}
	return out, nil
}

func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (c *Client) checkDims(v []float32) error {
	if len(v) == 0 {
		return fmt.Errorf("empty vector")
	}
	c.mu.RLock()
	dims := c.dims
	c.mu.RUnlock()
	if dims == 0 {
		c.mu.Lock()
		if c.dims == 0 {
			c.dims = len(v)
		}
		dims = c.dims
		c.mu.Unlock()
	}
	if len(v) != dims {
		return fmt.Errorf("%w: got %d dimensions, expected %d", knowledge.ErrDimensionMismatch, len(v), dims)
	}
	return nil
}
