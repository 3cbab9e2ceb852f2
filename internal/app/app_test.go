package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwru-xlab/case-study-ai-avatar-sub003/features/job"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/blob"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/config"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/knowledge"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/queue"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/retrieval"
)

// letterProvider embeds text as letter frequencies, enough to make related
// texts score higher than unrelated ones.
type letterProvider struct{}

func (letterProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, 26)
		for _, r := range strings.ToLower(t) {
			if r >= 'a' && r <= 'z' {
				v[r-'a']++
			}
		}
		v[0] += 0.001
		out[i] = v
	}
	return out, nil
}

func testConfig() *config.Config {
	return &config.Config{
		KnowledgeBackend:     config.BackendMemory,
		QueueBackend:         config.QueueLocal,
		EmbeddingBatchSize:   8,
		EmbeddingConcurrency: 1,
		EmbedRetryAttempts:   1,
		ChunkTargetSize:      200,
		ChunkOverlap:         40,
		IngestionConcurrency: 2,
		IngestionTimeout:     5 * time.Second,
		MaxUploadSizeBytes:   1 << 20,
		SearchDefaultTopK:    5,
		MaxContextChars:      8000,
		ServerPort:           0,
	}
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	return newTestAppWith(t, testConfig(), job.NewMemoryRepo())
}

func newTestAppWith(t *testing.T, cfg *config.Config, jobs job.Repository) *App {
	t.Helper()
	blobs, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)
	local, err := queue.NewLocal(2, 16, 1)
	require.NoError(t, err)
	t.Cleanup(local.Stop)

	deps := &Dependencies{
		Store:       knowledge.NewMemoryStore(),
		Jobs:        jobs,
		Blobs:       blobs,
		Provider:    letterProvider{},
		Publisher:   local,
		Local:       local,
		QueryLogger: retrieval.NewQueryLogger(io.Discard),
	}
	a, err := New(cfg, deps)
	require.NoError(t, err)
	return a
}

func upload(t *testing.T, h http.Handler, filename, scope, content string) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("scope", scope))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/documents", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestNew_Health(t *testing.T) {
	a := newTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	a.Handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestNew_InvalidChunkConfig(t *testing.T) {
	cfg := testConfig()
	cfg.ChunkOverlap = cfg.ChunkTargetSize
	_, err := New(cfg, &Dependencies{Provider: letterProvider{}})
	assert.Error(t, err)
}

func TestApp_UploadThenSearch(t *testing.T) {
	a := newTestApp(t)
	consumer, err := a.StartWorker(context.Background())
	require.NoError(t, err)
	require.NotNil(t, consumer)

	w := upload(t, a.Handler, "pricing.txt", "case-42", "The avocado supplier raised prices twice last quarter.")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	jobID := decode(t, w)["data"].(map[string]interface{})["job_id"].(string)
	require.NotEmpty(t, jobID)

	require.Eventually(t, func() bool {
		req := httptest.NewRequest(http.MethodGet, "/jobs/"+jobID, nil)
		w := httptest.NewRecorder()
		a.Handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			return false
		}
		return decode(t, w)["data"].(map[string]interface{})["state"] == string(job.StateCompleted)
	}, 5*time.Second, 20*time.Millisecond)

	body := `{"query":"avocado prices","scope":"case-42"}`
	req := httptest.NewRequest(http.MethodPost, "/search", strings.NewReader(body))
	sw := httptest.NewRecorder()
	a.Handler.ServeHTTP(sw, req)
	require.Equal(t, http.StatusOK, sw.Code, sw.Body.String())

	data := decode(t, sw)["data"].(map[string]interface{})
	results := data["results"].([]interface{})
	require.Len(t, results, 1)
	assert.Equal(t, "pricing", results[0].(map[string]interface{})["document_title"])
	assert.Contains(t, data["context"], "avocado supplier")

	// another case cannot see it
	req = httptest.NewRequest(http.MethodPost, "/search", strings.NewReader(`{"query":"avocado prices","scope":"case-7"}`))
	sw = httptest.NewRecorder()
	a.Handler.ServeHTTP(sw, req)
	require.Equal(t, http.StatusOK, sw.Code)
	assert.Empty(t, decode(t, sw)["data"].(map[string]interface{})["results"])

	req = httptest.NewRequest(http.MethodGet, "/stats", nil)
	stw := httptest.NewRecorder()
	a.Handler.ServeHTTP(stw, req)
	require.Equal(t, http.StatusOK, stw.Code)
	assert.JSONEq(t, `{"data":{"documents":1,"chunks":1,"jobs":{"pending":0,"processing":0,"completed":1,"failed":0}}}`, stw.Body.String())
}

func TestApp_FailedIngestionIsReported(t *testing.T) {
	a := newTestApp(t)
	_, err := a.StartWorker(context.Background())
	require.NoError(t, err)

	w := upload(t, a.Handler, "blank.txt", "shared", "   \n\n  ")
	require.Equal(t, http.StatusAccepted, w.Code)
	jobID := decode(t, w)["data"].(map[string]interface{})["job_id"].(string)

	var status map[string]interface{}
	require.Eventually(t, func() bool {
		req := httptest.NewRequest(http.MethodGet, "/jobs/"+jobID, nil)
		w := httptest.NewRecorder()
		a.Handler.ServeHTTP(w, req)
		status = decode(t, w)["data"].(map[string]interface{})
		return status["state"] == string(job.StateFailed)
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, string(knowledge.KindNoContent), status["error_kind"])

	req := httptest.NewRequest(http.MethodGet, "/jobs?state=failed", nil)
	lw := httptest.NewRecorder()
	a.Handler.ServeHTTP(lw, req)
	require.Equal(t, http.StatusOK, lw.Code)
	assert.Equal(t, float64(1), decode(t, lw)["meta"].(map[string]interface{})["count"])
}

func TestApp_RejectsUnsupportedUpload(t *testing.T) {
	a := newTestApp(t)

	w := upload(t, a.Handler, "slides.pptx", "shared", "binary")
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
	errBody := decode(t, w)["error"].(map[string]interface{})
	assert.Equal(t, "UNSUPPORTED_TYPE", errBody["code"])
}

func TestStartWorker_FailsOrphanedLocalJobs(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	j, err := a.Tracker.Create(ctx, job.Job{Filename: "lost.txt", Scope: knowledge.Shared})
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	_, err = a.StartWorker(ctx)
	require.NoError(t, err)

	status, err := a.Tracker.Status(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StateFailed, status.State)
	assert.Equal(t, knowledge.KindInterrupted, status.ErrorKind)
}

func TestStartWorker_RemovesDocumentOfOrphanedJob(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	j, err := a.Tracker.Create(ctx, job.Job{Filename: "half.txt", Scope: knowledge.Shared})
	require.NoError(t, err)
	require.NoError(t, a.Tracker.Start(ctx, j.ID))
	docID := "doc-half"
	require.NoError(t, a.Tracker.AttachDocument(ctx, j.ID, docID))
	require.NoError(t, a.deps.Store.PutDocument(ctx,
		knowledge.Document{ID: docID, Scope: knowledge.Shared, Title: "half", CreatedAt: time.Now()},
		[]knowledge.Chunk{{DocumentID: docID, Index: 0, Content: "stored before the crash", Vector: []float32{1, 0}}}))
	time.Sleep(time.Millisecond)

	_, err = a.StartWorker(ctx)
	require.NoError(t, err)

	status, err := a.Tracker.Status(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StateFailed, status.State)
	_, err = a.deps.Store.GetDocument(ctx, docID)
	assert.ErrorIs(t, err, knowledge.ErrNotFound)
}

// sharedJobs stands in for a job repository other processes can also use.
type sharedJobs struct{ *job.MemoryRepo }

func TestStartWorker_SharedJobsUseStaleTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.StaleJobTimeout = time.Hour
	a := newTestAppWith(t, cfg, sharedJobs{job.NewMemoryRepo()})
	ctx := context.Background()

	j, err := a.Tracker.Create(ctx, job.Job{Filename: "busy.txt", Scope: knowledge.Shared})
	require.NoError(t, err)
	require.NoError(t, a.Tracker.Start(ctx, j.ID))
	time.Sleep(time.Millisecond)

	_, err = a.StartWorker(ctx)
	require.NoError(t, err)

	status, err := a.Tracker.Status(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StateProcessing, status.State, "a job another process is running is left alone")
}

func TestRun_StopsOnCancel(t *testing.T) {
	a := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestNew_MCPRoute(t *testing.T) {
	a := newTestApp(t)

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	w := httptest.NewRecorder()
	a.Handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "kb_search")
	assert.NotEmpty(t, w.Header().Get("X-Correlation-ID"))
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
