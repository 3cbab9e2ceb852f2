package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cwru-xlab/case-study-ai-avatar-sub003/features/document"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/features/job"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/features/mcp"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/features/search"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/features/stats"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/config"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/embedding"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/extract"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/ingest"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/middleware"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/queue"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/retrieval"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/text"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/worker"
)

type App struct {
	Handler      http.Handler
	Orchestrator *ingest.Orchestrator
	Tracker      *job.Tracker
	Retrieval    *retrieval.Service
	Consumer     *worker.IngestConsumer

	cfg  *config.Config
	deps *Dependencies
}

func New(cfg *config.Config, deps *Dependencies) (*App, error) {
	chunker, err := text.NewChunker(text.Config{TargetSize: cfg.ChunkTargetSize, Overlap: cfg.ChunkOverlap})
	if err != nil {
		return nil, err
	}
	embedder := embedding.NewClient(deps.Provider,
		embedding.WithBatchSize(cfg.EmbeddingBatchSize),
		embedding.WithConcurrency(cfg.EmbeddingConcurrency),
		embedding.WithDimensions(cfg.EmbeddingDimensions),
	)

	// Feature: Job
	tracker := job.NewTracker(deps.Jobs)
	jobHandler := job.NewHandler(tracker)

	orchestrator := ingest.NewOrchestrator(ingest.Deps{
		Extractor: extract.New(),
		Chunker:   chunker,
		Embedder:  embedder,
		Store:     deps.Store,
		Jobs:      tracker,
		Blobs:     deps.Blobs,
		Queue:     deps.Publisher,
	}, ingest.Options{
		MaxUploadBytes:     cfg.MaxUploadSizeBytes,
		EmbedRetryAttempts: cfg.EmbedRetryAttempts,
		IngestionTimeout:   cfg.IngestionTimeout,
		Topic:              config.TopicIngestTask,
	})

	// Feature: Document
	documentService := document.NewService(deps.Store, orchestrator)
	documentHandler := document.NewHandler(documentService)

	// Feature: Search
	retrievalService := retrieval.NewService(embedder, deps.Store, deps.QueryLogger, retrieval.Options{
		DefaultTopK:     cfg.SearchDefaultTopK,
		MaxContextChars: cfg.MaxContextChars,
	})
	searchHandler := search.NewHandler(retrievalService)

	// Feature: Stats
	statsHandler := stats.NewHandler(deps.Store, tracker)

	// Middleware: CORS
	enableCORS := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Correlation-ID")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next(w, r)
		}
	}

	// Routes
	mux := http.NewServeMux()

	mux.Handle("POST /documents", middleware.CorrelationID(enableCORS(documentHandler.Upload)))
	mux.Handle("GET /documents", middleware.CorrelationID(enableCORS(documentHandler.List)))
	mux.Handle("GET /documents/{id}", middleware.CorrelationID(enableCORS(documentHandler.Get)))
	mux.Handle("DELETE /documents/{id}", middleware.CorrelationID(enableCORS(documentHandler.Delete)))

	mux.Handle("GET /jobs", middleware.CorrelationID(enableCORS(jobHandler.List)))
	mux.Handle("GET /jobs/{id}", middleware.CorrelationID(enableCORS(jobHandler.Get)))

	mux.Handle("POST /search", middleware.CorrelationID(enableCORS(searchHandler.Search)))

	mux.Handle("GET /stats", middleware.CorrelationID(enableCORS(statsHandler.GetStats)))

	// Feature: MCP tools for the avatar runtime
	mcpHandler := mcp.NewHandler(retrievalService, documentService)
	mux.Handle("POST /mcp", middleware.CorrelationID(enableCORS(mcpHandler.ServeHTTP)))
	mux.Handle("GET /mcp/sse", middleware.CorrelationID(enableCORS(mcpHandler.HandleSSE)))
	mux.Handle("POST /mcp/messages", middleware.CorrelationID(enableCORS(mcpHandler.HandleMessage)))

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(map[string]string{"status": "ok"}); err != nil {
			slog.Error("failed to encode health response", "error", err)
		}
	})

	return &App{
		Handler:      mux,
		Orchestrator: orchestrator,
		Tracker:      tracker,
		Retrieval:    retrievalService,
		Consumer:     worker.NewIngestConsumer(orchestrator),
		cfg:          cfg,
		deps:         deps,
	}, nil
}

// StartWorker fails jobs orphaned by a previous process and subscribes the
// ingest consumer to the task queue.
func (a *App) StartWorker(ctx context.Context) (queue.Consumer, error) {
	staleAfter := a.cfg.StaleJobTimeout
	if _, memoryJobs := a.deps.Jobs.(*job.MemoryRepo); memoryJobs && a.deps.Local != nil {
		// no other process can share in-memory jobs
		staleAfter = 0
	}
	if _, err := a.Orchestrator.FailStale(ctx, staleAfter); err != nil {
		return nil, fmt.Errorf("failing stale jobs: %w", err)
	}

	if a.deps.Local != nil {
		a.deps.Local.Subscribe(config.TopicIngestTask, a.Consumer)
		slog.InfoContext(ctx, "local ingest worker started", "concurrency", a.cfg.IngestionConcurrency)
		return a.deps.Local, nil
	}

	consumer, err := queue.NSQConsumer(nsqConfig(a.cfg), config.TopicIngestTask, a.Consumer)
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "NSQ ingest consumer connected", "topic", config.TopicIngestTask, "channel", a.cfg.NSQChannel)
	return consumer, nil
}

// Run serves HTTP until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.ServerPort),
		Handler:           a.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	slog.Info("server starting", "port", a.cfg.ServerPort)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
