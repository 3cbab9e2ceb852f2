package retrieval

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/middleware"
)

// QueryLogEntry is one line of the search audit log.
type QueryLogEntry struct {
	Timestamp     time.Time     `json:"timestamp"`
	Query         string        `json:"query"`
	Scope         string        `json:"scope,omitempty"`
	TopK          int           `json:"top_k"`
	NumResults    int           `json:"num_results"`
	TopScore      float64       `json:"top_score,omitempty"`
	DocumentIDs   []string      `json:"document_ids,omitempty"`
	Duration      time.Duration `json:"-"`
	LatencyMs     int64         `json:"latency_ms"`
	CorrelationID string        `json:"correlation_id"`
}

// QueryLogger appends one JSON line per successful search. Safe for concurrent use.
type QueryLogger struct {
	mu     sync.Mutex
	enc    *json.Encoder
	closer io.Closer
	now    func() time.Time
}

func NewQueryLogger(w io.Writer) *QueryLogger {
	return &QueryLogger{enc: json.NewEncoder(w), now: time.Now}
}

// NewFileQueryLogger appends to path, creating it and its directory as needed.
func NewFileQueryLogger(path string) (*QueryLogger, error) {
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600) // #nosec G304 -- path is from application config, not user input
	if err != nil {
		return nil, err
	}
	l := NewQueryLogger(f)
	l.closer = f
	return l, nil
}

func (l *QueryLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closer == nil {
		return nil
	}
	err := l.closer.Close()
	l.closer = nil
	return err
}

// Log stamps the entry and fills the correlation id from ctx when unset.
func (l *QueryLogger) Log(ctx context.Context, entry QueryLogEntry) {
	entry.Timestamp = l.now().UTC()
	entry.LatencyMs = entry.Duration.Milliseconds()
	if entry.CorrelationID == "" {
		entry.CorrelationID = middleware.GetCorrelationID(ctx)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enc.Encode(entry); err != nil {
		slog.ErrorContext(ctx, "failed to write query log entry", "error", err)
	}
}
