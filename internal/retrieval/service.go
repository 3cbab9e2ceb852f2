// Package retrieval answers avatar queries with the most similar chunks of
// the knowledge base visible to the avatar.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/knowledge"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/similarity"
)

const (
	DefaultTopK            = 5
	DefaultMaxContextChars = 8000
)

type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// ChunkSource is the read side of knowledge.Store retrieval needs.
type ChunkSource interface {
	ChunksForScope(ctx context.Context, scope knowledge.Scope) ([]knowledge.Candidate, error)
}

type Query struct {
	Text  string          `json:"query"`
	Scope knowledge.Scope `json:"scope,omitempty"`
	TopK  int             `json:"top_k,omitempty"`
}

type SearchResult struct {
	DocumentID    string  `json:"document_id"`
	DocumentTitle string  `json:"document_title"`
	ChunkIndex    int     `json:"chunk_index"`
	Content       string  `json:"content"`
	Score         float64 `json:"score"`
}

// Result holds the ranked chunks and a prompt-ready context built from them.
type Result struct {
	Results []SearchResult `json:"results"`
	Context string         `json:"context"`
}

type Options struct {
	DefaultTopK     int
	MaxContextChars int
}

type Service struct {
	embedder Embedder
	store    ChunkSource
	logger   *QueryLogger
	opts     Options
}

func NewService(e Embedder, s ChunkSource, l *QueryLogger, opts Options) *Service {
	if opts.DefaultTopK <= 0 {
		opts.DefaultTopK = DefaultTopK
	}
	if opts.MaxContextChars <= 0 {
		opts.MaxContextChars = DefaultMaxContextChars
	}
	return &Service{embedder: e, store: s, logger: l, opts: opts}
}

func (s *Service) Search(ctx context.Context, q Query) (*Result, error) {
	start := time.Now()

	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, knowledge.ErrEmptyQuery
	}
	topK := q.TopK
	if topK == 0 {
		topK = s.opts.DefaultTopK
	}
	if topK < 0 {
		return nil, fmt.Errorf("%w: %d", knowledge.ErrInvalidTopK, topK)
	}

	vec, err := s.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}

	candidates, err := s.store.ChunksForScope(ctx, q.Scope)
	if err != nil {
		return nil, fmt.Errorf("loading chunks: %w", err)
	}

	ranked, err := similarity.Rank(vec, candidates, topK)
	if err != nil {
		return nil, err
	}

	res := &Result{Results: make([]SearchResult, len(ranked))}
	for i, r := range ranked {
		res.Results[i] = SearchResult{
			DocumentID:    r.DocumentID,
			DocumentTitle: r.DocumentTitle,
			ChunkIndex:    r.Index,
			Content:       r.Content,
			Score:         r.Score,
		}
	}
	res.Context = BuildContext(res.Results, s.opts.MaxContextChars)

	if s.logger != nil {
		entry := QueryLogEntry{
			Query:      text,
			Scope:      string(q.Scope),
			TopK:       topK,
			NumResults: len(res.Results),
			Duration:   time.Since(start),
		}
		for _, r := range res.Results {
			entry.DocumentIDs = append(entry.DocumentIDs, r.DocumentID)
		}
		if len(res.Results) > 0 {
			entry.TopScore = res.Results[0].Score
		}
		s.logger.Log(ctx, entry)
	}
	slog.DebugContext(ctx, "search completed", "scope", q.Scope, "candidates", len(candidates), "results", len(res.Results))
	return res, nil
}

// BuildContext numbers passages in rank order and stops before the passage
// that would push the context past maxChars runes. The first passage is
// truncated rather than dropped.
func BuildContext(results []SearchResult, maxChars int) string {
	var b strings.Builder
	used := 0
	for i, r := range results {
		passage := fmt.Sprintf("[%d] %s (chunk %d)\n%s", i+1, r.DocumentTitle, r.ChunkIndex, r.Content)
		sep := ""
		if i > 0 {
			sep = "\n\n"
		}
		n := utf8.RuneCountInString(sep + passage)
		if used+n > maxChars {
			if i == 0 {
				b.WriteString(truncateRunes(passage, maxChars))
			}
			break
		}
		b.WriteString(sep)
		b.WriteString(passage)
		used += n
	}
	return b.String()
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
