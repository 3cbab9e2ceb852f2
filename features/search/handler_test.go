package search_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cwru-xlab/case-study-ai-avatar-sub003/features/search"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/knowledge"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/middleware"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/retrieval"
)

type MockSearcher struct{ mock.Mock }

func (m *MockSearcher) Search(ctx context.Context, q retrieval.Query) (*retrieval.Result, error) {
	args := m.Called(ctx, q)
	if r := args.Get(0); r != nil {
		return r.(*retrieval.Result), args.Error(1)
	}
	return nil, args.Error(1)
}

func TestHandler_Search(t *testing.T) {
	s := new(MockSearcher)
	s.On("Search", mock.Anything, retrieval.Query{Text: "what is NPV", Scope: "avatar-1", TopK: 3}).Return(&retrieval.Result{
		Results: []retrieval.SearchResult{{DocumentID: "d1", DocumentTitle: "Finance", ChunkIndex: 0, Content: "NPV is...", Score: 0.9}},
		Context: "[1] Finance (chunk 0)\nNPV is...",
	}, nil)
	h := search.NewHandler(s)

	req := httptest.NewRequest(http.MethodPost, "/search", strings.NewReader(`{"query":"what is NPV","scope":"avatar-1","top_k":3}`))
	rec := httptest.NewRecorder()
	middleware.CorrelationID(http.HandlerFunc(h.Search)).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data retrieval.Result `json:"data"`
		Meta struct {
			Count int `json:"count"`
		} `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Meta.Count)
	assert.Equal(t, "d1", resp.Data.Results[0].DocumentID)
	assert.Equal(t, "[1] Finance (chunk 0)\nNPV is...", resp.Data.Context)
}

func TestHandler_Search_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"malformed", `{"query":`, nil, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"bad scope", `{"query":"q","scope":"a\u0000b"}`, nil, http.StatusBadRequest, "INVALID_SCOPE"},
		{"empty query", `{"query":"  "}`, knowledge.ErrEmptyQuery, http.StatusBadRequest, "EMPTY_QUERY"},
		{"negative top k", `{"query":"q","top_k":-2}`, fmt.Errorf("%w: -2", knowledge.ErrInvalidTopK), http.StatusBadRequest, "INVALID_TOP_K"},
		{"embedding down", `{"query":"q"}`, fmt.Errorf("%w: dial tcp 10.1.1.1:443", knowledge.ErrEmbeddingFailed), http.StatusBadGateway, "EMBEDDING_FAILED"},
		{"store down", `{"query":"q"}`, fmt.Errorf("loading chunks: pq: too many connections"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := new(MockSearcher)
			s.On("Search", mock.Anything, mock.Anything).Return(nil, tt.err)
			h := search.NewHandler(s)

			rec := httptest.NewRecorder()
			h.Search(rec, httptest.NewRequest(http.MethodPost, "/search", strings.NewReader(tt.body)))

			assert.Equal(t, tt.wantStatus, rec.Code)
			var resp map[string]interface{}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			errObj := resp["error"].(map[string]interface{})
			assert.Equal(t, tt.wantCode, errObj["code"])
			assert.NotContains(t, errObj["message"], "pq:")
			assert.NotContains(t, errObj["message"], "10.1.1.1")
			assert.Contains(t, resp, "correlationId")
		})
	}
}
