package vector_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/vector"
)

func newAdapter(t *testing.T, handler http.HandlerFunc) *vector.SchemaAdapter {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/meta" {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"version": "1.19.0"}`))
			return
		}
		handler(w, r)
	}))
	t.Cleanup(ts.Close)

	client, err := weaviate.NewClient(weaviate.Config{Host: ts.Listener.Addr().String(), Scheme: "http"})
	require.NoError(t, err)
	return vector.NewSchemaAdapter(client)
}

func TestSchemaAdapter_ClassExists(t *testing.T) {
	t.Run("Exists", func(t *testing.T) {
		adapter := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/schema/KnowledgeChunk", r.URL.Path)
			_ = json.NewEncoder(w).Encode(&models.Class{Class: vector.ChunkClass})
		})
		exists, err := adapter.ClassExists(context.Background(), vector.ChunkClass)
		assert.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("NotFound", func(t *testing.T) {
		adapter := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
		exists, err := adapter.ClassExists(context.Background(), vector.ChunkClass)
		assert.NoError(t, err)
		assert.False(t, exists)
	})
}

func TestSchemaAdapter_CreateAndGet(t *testing.T) {
	adapter := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/schema":
			var c models.Class
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&c))
			assert.Equal(t, vector.DocumentClass, c.Class)
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodGet && r.URL.Path == "/v1/schema/KnowledgeDocument":
			_ = json.NewEncoder(w).Encode(&models.Class{Class: vector.DocumentClass})
		case r.Method == http.MethodPost && r.URL.Path == "/v1/schema/KnowledgeDocument/properties":
			w.WriteHeader(http.StatusOK)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})
	ctx := context.Background()

	require.NoError(t, adapter.CreateClass(ctx, vector.Classes()[0]))
	class, err := adapter.GetClass(ctx, vector.DocumentClass)
	require.NoError(t, err)
	assert.Equal(t, vector.DocumentClass, class.Class)
	assert.NoError(t, adapter.AddProperty(ctx, vector.DocumentClass, &models.Property{Name: "extra", DataType: []string{"text"}}))
}

func TestEnsureSchemaWithRetry(t *testing.T) {
	var calls atomic.Int32
	adapter := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		// The first existence check fails as if Weaviate were still starting.
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		switch r.Method {
		case http.MethodGet:
			w.WriteHeader(http.StatusNotFound)
		case http.MethodPost:
			w.WriteHeader(http.StatusOK)
		}
	})

	err := vector.EnsureSchemaWithRetry(context.Background(), adapter, 3, time.Millisecond)
	assert.NoError(t, err)
}

func TestEnsureSchemaWithRetry_GivesUp(t *testing.T) {
	adapter := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	err := vector.EnsureSchemaWithRetry(context.Background(), adapter, 2, time.Millisecond)
	assert.Error(t, err)
}
