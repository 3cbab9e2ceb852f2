package retrieval

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/middleware"
)

func TestQueryLogger_ThreadSafety(t *testing.T) {
	var buf bytes.Buffer
	logger := NewQueryLogger(&buf)

	concurrency := 50
	iterations := 100
	var wg sync.WaitGroup

	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				logger.Log(context.Background(), QueryLogEntry{
					Query:    "test",
					Duration: time.Millisecond,
				})
			}
		}()
	}
	wg.Wait()

	decoder := json.NewDecoder(&buf)
	count := 0
	for decoder.More() {
		var entry QueryLogEntry
		require.NoError(t, decoder.Decode(&entry), "entry %d", count)
		assert.Equal(t, int64(1), entry.LatencyMs)
		count++
	}
	assert.Equal(t, concurrency*iterations, count)
}

func TestFileQueryLogger_AppendsLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "queries.jsonl")

	l, err := NewFileQueryLogger(path)
	require.NoError(t, err)
	l.Log(context.Background(), QueryLogEntry{Query: "first", Scope: "avatar-1", NumResults: 2})
	require.NoError(t, l.Close())

	l, err = NewFileQueryLogger(path)
	require.NoError(t, err)
	l.Log(context.Background(), QueryLogEntry{Query: "second"})
	require.NoError(t, l.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var queries []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e QueryLogEntry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		queries = append(queries, e.Query)
	}
	assert.Equal(t, []string{"first", "second"}, queries)
}

func TestQueryLogger_CorrelationFromContext(t *testing.T) {
	var buf bytes.Buffer
	l := NewQueryLogger(&buf)
	l.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	ctx := middleware.WithCorrelationID(context.Background(), "req-9")
	l.Log(ctx, QueryLogEntry{Query: "q", TopK: 5, NumResults: 1, TopScore: 0.5, DocumentIDs: []string{"d1"}})

	var e map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &e))
	assert.Equal(t, "req-9", e["correlation_id"])
	assert.Equal(t, "2026-01-02T03:04:05Z", e["timestamp"])
	assert.Equal(t, []interface{}{"d1"}, e["document_ids"])
	assert.NotContains(t, e, "Duration")
	assert.NoError(t, l.Close())
}
