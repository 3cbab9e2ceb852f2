package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/knowledge"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/retrieval"
)

type MockRetriever struct {
	mock.Mock
}

func (m *MockRetriever) Search(ctx context.Context, q retrieval.Query) (*retrieval.Result, error) {
	args := m.Called(ctx, q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*retrieval.Result), args.Error(1)
}

type MockLister struct {
	mock.Mock
}

func (m *MockLister) List(ctx context.Context, scope string) ([]knowledge.Document, error) {
	args := m.Called(ctx, scope)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]knowledge.Document), args.Error(1)
}

func call(t *testing.T, h *Handler, body string) JSONRPCResponse {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp JSONRPCResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func toolCall(name, args string) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":%q,"arguments":%s}}`, name, args)
}

func resultText(t *testing.T, resp JSONRPCResponse) (string, bool) {
	t.Helper()
	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var tr ToolResult
	require.NoError(t, json.Unmarshal(raw, &tr))
	require.Len(t, tr.Content, 1)
	return tr.Content[0].Text, tr.IsError
}

func errorCode(t *testing.T, resp JSONRPCResponse) float64 {
	t.Helper()
	require.NotNil(t, resp.Error)
	return resp.Error.(map[string]interface{})["code"].(float64)
}

func TestInitializeAndListTools(t *testing.T) {
	h := NewHandler(&MockRetriever{}, &MockLister{})

	resp := call(t, h, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	assert.Nil(t, resp.Error)
	assert.Equal(t, "2024-11-05", resp.Result.(map[string]interface{})["protocolVersion"])

	resp = call(t, h, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	listed := resp.Result.(map[string]interface{})["tools"].([]interface{})
	require.Len(t, listed, 2)
	assert.Equal(t, ToolSearch, listed[0].(map[string]interface{})["name"])
	assert.Equal(t, ToolListDocuments, listed[1].(map[string]interface{})["name"])
}

func TestNotificationHasNoBody(t *testing.T) {
	h := NewHandler(&MockRetriever{}, &MockLister{})
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestParseError(t *testing.T) {
	h := NewHandler(&MockRetriever{}, &MockLister{})
	resp := call(t, h, `{not json`)
	assert.Equal(t, float64(ErrParse), errorCode(t, resp))
}

func TestSearchTool(t *testing.T) {
	r := &MockRetriever{}
	h := NewHandler(r, &MockLister{})
	r.On("Search", mock.Anything, retrieval.Query{Text: "refund policy", Scope: "case-3", TopK: 2}).Return(&retrieval.Result{
		Results: []retrieval.SearchResult{
			{DocumentID: "d1", DocumentTitle: "Handbook", ChunkIndex: 4, Content: "Refunds within 30 days.", Score: 0.91},
		},
	}, nil)

	resp := call(t, h, toolCall(ToolSearch, `{"query":"refund policy","scope":"case-3","top_k":2}`))
	text, isErr := resultText(t, resp)
	assert.False(t, isErr)
	assert.Contains(t, text, "Document: Handbook (chunk 4)")
	assert.Contains(t, text, "Refunds within 30 days.")
	r.AssertExpectations(t)
}

func TestSearchTool_NoResults(t *testing.T) {
	r := &MockRetriever{}
	h := NewHandler(r, &MockLister{})
	r.On("Search", mock.Anything, mock.Anything).Return(&retrieval.Result{}, nil)

	text, _ := resultText(t, call(t, h, toolCall(ToolSearch, `{"query":"anything"}`)))
	assert.Equal(t, "No results found.", text)
}

func TestSearchTool_InvalidArguments(t *testing.T) {
	h := NewHandler(&MockRetriever{}, &MockLister{})

	assert.Equal(t, float64(ErrInvalidParams), errorCode(t, call(t, h, toolCall(ToolSearch, `{"query":"  "}`))))
	assert.Equal(t, float64(ErrInvalidParams), errorCode(t, call(t, h, toolCall(ToolSearch, `{"query":"x","scope":"a\nb"}`))))
	assert.Equal(t, float64(ErrInvalidParams), errorCode(t, call(t, h, toolCall(ToolSearch, `"oops"`))))
}

func TestSearchTool_InvalidTopK(t *testing.T) {
	r := &MockRetriever{}
	h := NewHandler(r, &MockLister{})
	r.On("Search", mock.Anything, mock.Anything).Return(nil, fmt.Errorf("search: %w", knowledge.ErrInvalidTopK))

	resp := call(t, h, toolCall(ToolSearch, `{"query":"x","top_k":-1}`))
	assert.Equal(t, float64(ErrInvalidParams), errorCode(t, resp))
}

func TestSearchTool_FailureHidesCause(t *testing.T) {
	r := &MockRetriever{}
	h := NewHandler(r, &MockLister{})
	r.On("Search", mock.Anything, mock.Anything).Return(nil, errors.New("dial tcp 10.0.0.3:5432: connection refused"))

	text, isErr := resultText(t, call(t, h, toolCall(ToolSearch, `{"query":"x"}`)))
	assert.True(t, isErr)
	assert.NotContains(t, text, "10.0.0.3")
}

func TestListDocumentsTool(t *testing.T) {
	l := &MockLister{}
	h := NewHandler(&MockRetriever{}, l)
	l.On("List", mock.Anything, "case-3").Return([]knowledge.Document{
		{ID: "d1", Title: "Handbook", Scope: knowledge.Shared, ChunkCount: 3},
	}, nil)
	l.On("List", mock.Anything, "").Return([]knowledge.Document{}, nil)

	text, isErr := resultText(t, call(t, h, toolCall(ToolListDocuments, `{"scope":"case-3"}`)))
	assert.False(t, isErr)
	assert.Contains(t, text, `"title": "Handbook"`)

	text, _ = resultText(t, call(t, h, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"kb_list_documents"}}`))
	assert.Equal(t, "No documents found.", text)
}

func TestUnknownToolAndMethod(t *testing.T) {
	h := NewHandler(&MockRetriever{}, &MockLister{})
	assert.Equal(t, float64(ErrMethodNotFound), errorCode(t, call(t, h, toolCall("kb_delete_everything", `{}`))))
	assert.Equal(t, float64(ErrMethodNotFound), errorCode(t, call(t, h, `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`)))
}

func TestHandleMessage_Validation(t *testing.T) {
	h := NewHandler(&MockRetriever{}, &MockLister{})

	w := httptest.NewRecorder()
	h.HandleMessage(w, httptest.NewRequest(http.MethodPost, "/mcp/messages", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	h.HandleMessage(w, httptest.NewRequest(http.MethodPost, "/mcp/messages?sessionId=missing", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSSESession_DeliversResponses(t *testing.T) {
	h := NewHandler(&MockRetriever{}, &MockLister{})
	mux := http.NewServeMux()
	mux.HandleFunc("GET /mcp/sse", h.HandleSSE)
	mux.HandleFunc("POST /mcp/messages", h.HandleMessage)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/mcp/sse", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	readData := func(event string) string {
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if strings.TrimSpace(line) == "event: "+event {
				data, err := reader.ReadString('\n')
				require.NoError(t, err)
				return strings.TrimPrefix(strings.TrimSpace(data), "data: ")
			}
		}
	}

	endpoint := readData("endpoint")
	require.Contains(t, endpoint, "/mcp/messages?sessionId=")

	post, err := http.Post(endpoint, "application/json", strings.NewReader(`{"jsonrpc":"2.0","id":7,"method":"tools/list"}`))
	require.NoError(t, err)
	post.Body.Close()
	assert.Equal(t, http.StatusAccepted, post.StatusCode)

	var msg JSONRPCResponse
	require.NoError(t, json.Unmarshal([]byte(readData("message")), &msg))
	assert.Equal(t, float64(7), msg.ID)
	assert.Nil(t, msg.Error)
}
