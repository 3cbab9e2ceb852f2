// Package mcp exposes knowledge search to LLM agents as Model Context Protocol
// tools, over plain JSON-RPC POST or an SSE session.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/knowledge"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/middleware"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/retrieval"
)

const (
	ToolSearch        = "kb_search"
	ToolListDocuments = "kb_list_documents"
)

type Retriever interface {
	Search(ctx context.Context, q retrieval.Query) (*retrieval.Result, error)
}

type DocumentLister interface {
	List(ctx context.Context, scope string) ([]knowledge.Document, error)
}

type Handler struct {
	retriever    Retriever
	documents    DocumentLister
	sessions     map[string]chan string // sessionId -> serialized JSON-RPC responses
	sessionsLock sync.RWMutex
}

func NewHandler(r Retriever, d DocumentLister) *Handler {
	return &Handler{
		retriever: r,
		documents: d,
		sessions:  make(map[string]chan string),
	}
}

type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

type CallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type SearchArgs struct {
	Query string `json:"query"`
	Scope string `json:"scope,omitempty"`
	TopK  int    `json:"top_k,omitempty"`
}

type ListDocumentsArgs struct {
	Scope string `json:"scope,omitempty"`
}

type Tool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema interface{} `json:"inputSchema"`
}

type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   interface{} `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

type ToolResult struct {
	Content []ToolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

type ToolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

const (
	ErrParse          = -32700
	ErrInvalidRequest = -32600
	ErrMethodNotFound = -32601
	ErrInvalidParams  = -32602
	ErrInternal       = -32603
)

var tools = []Tool{
	{
		Name: ToolSearch,
		Description: `Searches the avatar knowledge base. Returns the passages most similar to the query,
best first, restricted to shared documents plus those of the given scope (usually a case id).`,
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]string{"type": "string", "description": "What to look up"},
				"scope": map[string]string{"type": "string", "description": "Case id whose private documents are included"},
				"top_k": map[string]interface{}{"type": "integer", "description": "Passages to return (default 5)", "minimum": 1},
			},
			"required": []string{"query"},
		},
	},
	{
		Name:        ToolListDocuments,
		Description: "Lists the documents in the knowledge base visible to a scope.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"scope": map[string]string{"type": "string", "description": "Case id; empty lists every document"},
			},
		},
	},
}

// processRequest returns nil for notifications.
func (h *Handler) processRequest(ctx context.Context, req JSONRPCRequest) *JSONRPCResponse {
	switch req.Method {
	case "initialize":
		return &JSONRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result: map[string]interface{}{
				"protocolVersion": "2024-11-05",
				"capabilities":    map[string]interface{}{"tools": map[string]interface{}{}},
				"serverInfo":      map[string]interface{}{"name": "avatar-kb-mcp", "version": "1.0.0"},
			},
		}
	case "notifications/initialized":
		return nil
	case "tools/list":
		return &JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: ListToolsResult{Tools: tools}}
	case "tools/call":
		var params CallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			resp := makeErrorResponse(req.ID, ErrInvalidParams, "Invalid params")
			return &resp
		}
		slog.InfoContext(ctx, "tool call", "tool", params.Name)
		switch params.Name {
		case ToolSearch:
			return h.search(ctx, req.ID, params.Arguments)
		case ToolListDocuments:
			return h.listDocuments(ctx, req.ID, params.Arguments)
		}
		slog.WarnContext(ctx, "tool not found", "tool", params.Name)
		resp := makeErrorResponse(req.ID, ErrMethodNotFound, "Method not found: "+params.Name)
		return &resp
	}

	slog.WarnContext(ctx, "unknown jsonrpc method", "method", req.Method)
	resp := makeErrorResponse(req.ID, ErrMethodNotFound, "Method not found")
	return &resp
}

func (h *Handler) search(ctx context.Context, id interface{}, raw json.RawMessage) *JSONRPCResponse {
	var args SearchArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		resp := makeErrorResponse(id, ErrInvalidParams, "Invalid search arguments")
		return &resp
	}
	if strings.TrimSpace(args.Query) == "" {
		resp := makeErrorResponse(id, ErrInvalidParams, "Query is required")
		return &resp
	}

	q := retrieval.Query{Text: args.Query, TopK: args.TopK}
	if args.Scope != "" {
		scope, err := knowledge.ParseScope(args.Scope)
		if err != nil {
			resp := makeErrorResponse(id, ErrInvalidParams, knowledge.KindInvalidScope.SafeMessage())
			return &resp
		}
		q.Scope = scope
	}

	res, err := h.retriever.Search(ctx, q)
	if err != nil {
		kind := knowledge.KindOf(err)
		if kind == knowledge.KindInvalidTopK || kind == knowledge.KindEmptyQuery {
			resp := makeErrorResponse(id, ErrInvalidParams, kind.SafeMessage())
			return &resp
		}
		slog.ErrorContext(ctx, "search failed", "error", err)
		return toolError(id, kind.SafeMessage())
	}

	var b strings.Builder
	if len(res.Results) == 0 {
		b.WriteString("No results found.")
	}
	for i, r := range res.Results {
		fmt.Fprintf(&b, "Result %d (Score: %.3f):\nDocument: %s (chunk %d)\nContent:\n%s\n\n---\n", i+1, r.Score, r.DocumentTitle, r.ChunkIndex, r.Content)
	}
	slog.InfoContext(ctx, "tool execution completed", "tool", ToolSearch, "result_count", len(res.Results))
	return toolText(id, b.String())
}

func (h *Handler) listDocuments(ctx context.Context, id interface{}, raw json.RawMessage) *JSONRPCResponse {
	var args ListDocumentsArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			resp := makeErrorResponse(id, ErrInvalidParams, "Invalid arguments")
			return &resp
		}
	}

	docs, err := h.documents.List(ctx, args.Scope)
	if err != nil {
		kind := knowledge.KindOf(err)
		if kind != knowledge.KindInvalidScope {
			slog.ErrorContext(ctx, "list documents failed", "error", err)
		}
		return toolError(id, kind.SafeMessage())
	}
	if len(docs) == 0 {
		return toolText(id, "No documents found.")
	}

	type simpleDocument struct {
		ID         string `json:"id"`
		Title      string `json:"title"`
		Scope      string `json:"scope"`
		ChunkCount int    `json:"chunk_count"`
	}
	out := make([]simpleDocument, len(docs))
	for i, d := range docs {
		out[i] = simpleDocument{ID: d.ID, Title: d.Title, Scope: string(d.Scope), ChunkCount: d.ChunkCount}
	}
	jsonBytes, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal documents", "error", err)
		return toolError(id, "Error marshalling results")
	}
	return toolText(id, string(jsonBytes))
}

func toolText(id interface{}, text string) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  ToolResult{Content: []ToolContent{{Type: "text", Text: text}}},
	}
}

func toolError(id interface{}, text string) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  ToolResult{Content: []ToolContent{{Type: "text", Text: "Error: " + text}}, IsError: true},
	}
}

func makeErrorResponse(id interface{}, code int, message string) JSONRPCResponse {
	return JSONRPCResponse{
		JSONRPC: "2.0",
		Error:   map[string]interface{}{"code": code, "message": message},
		ID:      id,
	}
}

// ServeHTTP answers a single JSON-RPC request synchronously.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req JSONRPCRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		h.writeError(w, nil, ErrParse, "Parse error")
		return
	}

	resp := h.processRequest(r.Context(), req)
	if resp == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(r.Context(), "failed to encode response", "error", err)
	}
}

// HandleSSE holds a session open and streams responses to messages posted for it.
func (h *Handler) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeHTTPError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming unsupported", middleware.GetCorrelationID(r.Context()))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sessionID := uuid.New().String()
	msgChan := make(chan string, 100)

	h.sessionsLock.Lock()
	h.sessions[sessionID] = msgChan
	h.sessionsLock.Unlock()

	defer func() {
		h.sessionsLock.Lock()
		delete(h.sessions, sessionID)
		close(msgChan)
		h.sessionsLock.Unlock()
		slog.Info("sse session ended", "session_id", sessionID)
	}()
	slog.Info("sse session started", "session_id", sessionID)

	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	endpoint := fmt.Sprintf("%s://%s/mcp/messages?sessionId=%s", scheme, r.Host, sessionID)
	fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", html.EscapeString(endpoint))
	flusher.Flush()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg := <-msgChan:
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// HandleMessage accepts a JSON-RPC request for an open session. It replies 202
// and delivers the response on the session stream.
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		h.writeHTTPError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Missing sessionId", correlationID)
		return
	}

	h.sessionsLock.RLock()
	_, exists := h.sessions[sessionID]
	h.sessionsLock.RUnlock()
	if !exists {
		h.writeHTTPError(w, http.StatusNotFound, "NOT_FOUND", "Session not found", correlationID)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		h.writeHTTPError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON", correlationID)
		return
	}

	w.WriteHeader(http.StatusAccepted)

	// keep correlation values, drop the request's cancellation
	ctx := context.WithoutCancel(r.Context())
	go func() {
		resp := h.processRequest(ctx, req)
		if resp == nil {
			return
		}
		respBytes, err := json.Marshal(resp)
		if err != nil {
			slog.ErrorContext(ctx, "failed to marshal response", "error", err)
			return
		}
		h.deliver(ctx, sessionID, string(respBytes))
	}()
}

// deliver holds the read lock across the send so the session cannot be closed mid-send.
func (h *Handler) deliver(ctx context.Context, sessionID, msg string) {
	h.sessionsLock.RLock()
	defer h.sessionsLock.RUnlock()

	msgChan, ok := h.sessions[sessionID]
	if !ok {
		slog.WarnContext(ctx, "session closed before response", "session_id", sessionID)
		return
	}
	select {
	case msgChan <- msg:
	default:
		slog.WarnContext(ctx, "session channel full, dropping message", "session_id", sessionID)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, id interface{}, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	// JSON-RPC errors travel in a 200 body
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(makeErrorResponse(id, code, message)); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}

func (h *Handler) writeHTTPError(w http.ResponseWriter, status int, code, message, correlationID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := map[string]interface{}{
		"error":         map[string]string{"code": code, "message": message},
		"correlationId": correlationID,
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
