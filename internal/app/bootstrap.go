package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"github.com/cwru-xlab/case-study-ai-avatar-sub003/features/job"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/adapter/gemini"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/adapter/openai"
	wstore "github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/adapter/weaviate"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/blob"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/config"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/embedding"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/knowledge"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/queue"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/retrieval"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/vector"
)

// Database is satisfied by *sql.DB and by sqlmock in tests.
type Database interface {
	PingContext(ctx context.Context) error
}

// Dependencies are the external resources the app runs against.
type Dependencies struct {
	DB          *sql.DB
	Store       knowledge.Store
	Jobs        job.Repository
	Blobs       blob.Store
	Provider    embedding.BatchEmbedder
	Publisher   queue.Publisher
	Local       *queue.Local
	QueryLogger *retrieval.QueryLogger

	closers []func() error
}

func (d *Dependencies) onClose(f func() error) {
	d.closers = append(d.closers, f)
}

// Close releases resources in reverse order of acquisition.
func (d *Dependencies) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

func Bootstrap(ctx context.Context, cfg *config.Config) (_ *Dependencies, err error) {
	deps := &Dependencies{}
	defer func() {
		if err != nil {
			_ = deps.Close()
		}
	}()

	if cfg.UsesDatabase() {
		db, err := openDatabase(ctx, cfg)
		if err != nil {
			return nil, err
		}
		deps.DB = db
		deps.onClose(db.Close)
		deps.Jobs = job.NewPostgresRepo(db)
	} else {
		slog.WarnContext(ctx, "running without a database, jobs and documents are lost on restart")
		deps.Jobs = job.NewMemoryRepo()
	}

	deps.Store, err = openKnowledgeStore(ctx, cfg, deps.DB)
	if err != nil {
		return nil, err
	}

	deps.Provider, err = newProvider(cfg)
	if err != nil {
		return nil, err
	}
	if c, ok := deps.Provider.(interface{ Close() error }); ok {
		deps.onClose(c.Close)
	}

	deps.Blobs, err = blob.NewFileStore(cfg.UploadDir)
	if err != nil {
		return nil, err
	}

	switch cfg.QueueBackend {
	case config.QueueLocal:
		local, err := queue.NewLocal(cfg.IngestionConcurrency, cfg.LocalQueueBuffer, cfg.NSQMaxAttempts)
		if err != nil {
			return nil, err
		}
		deps.Local = local
		deps.Publisher = local
		deps.onClose(func() error { local.Stop(); return nil })
	default:
		producer, err := queue.NewNSQProducer(nsqConfig(cfg))
		if err != nil {
			return nil, err
		}
		deps.Publisher = producer
		deps.onClose(func() error { producer.Stop(); return nil })

		// nsqd may still be starting next to us
		go func() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
			queue.CreateTopics(ctx, cfg.NSQDHTTP, config.Topics...)
		}()
	}

	deps.QueryLogger, err = retrieval.NewFileQueryLogger(cfg.QueryLogPath)
	if err != nil {
		slog.WarnContext(ctx, "failed to create query logger, falling back to stdout", "error", err)
		deps.QueryLogger = retrieval.NewQueryLogger(os.Stdout)
	}
	deps.onClose(deps.QueryLogger.Close)

	return deps, nil
}

func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPass, cfg.DBName)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	if err := pingWithRetry(ctx, db, cfg.BootstrapRetryAttempts, cfg.BootstrapRetryDelay()); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(db, cfg.MigrationPath); err != nil {
		db.Close()
		return nil, err
	}
	slog.InfoContext(ctx, "migrations applied successfully")
	return db, nil
}

func pingWithRetry(ctx context.Context, db Database, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < max(attempts, 1); i++ {
		if err = db.PingContext(ctx); err == nil {
			return nil
		}
		slog.WarnContext(ctx, "failed to ping db, retrying...", "attempt", i+1, "max_attempts", attempts)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("failed to ping db: %w", err)
}

func runMigrations(db *sql.DB, path string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migration driver error: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(path, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migration instance error: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up error: %w", err)
	}
	return nil
}

func openKnowledgeStore(ctx context.Context, cfg *config.Config, db *sql.DB) (knowledge.Store, error) {
	switch cfg.KnowledgeBackend {
	case config.BackendWeaviate:
		client, err := weaviate.NewClient(weaviate.Config{Host: cfg.WeaviateHost, Scheme: cfg.WeaviateScheme})
		if err != nil {
			return nil, fmt.Errorf("weaviate client error: %w", err)
		}
		store := wstore.NewStore(client)
		if err := vector.EnsureSchemaWithRetry(ctx, store.Schema(), cfg.BootstrapRetryAttempts, cfg.BootstrapRetryDelay()); err != nil {
			return nil, fmt.Errorf("weaviate schema error: %w", err)
		}
		return store, nil
	case config.BackendMemory:
		return knowledge.NewMemoryStore(), nil
	default:
		return knowledge.NewPostgresStore(db), nil
	}
}

func newProvider(cfg *config.Config) (embedding.BatchEmbedder, error) {
	if cfg.EmbeddingProvider == config.ProviderOpenAI {
		return openai.NewEmbedder(openai.Config{
			BaseURL:   cfg.EmbeddingBaseURL,
			Token:     cfg.EmbeddingAPIKey,
			Model:     cfg.EmbeddingModel,
			BatchSize: cfg.EmbeddingBatchSize,
		})
	}
	return gemini.NewEmbedder(cfg.GeminiAPIKey, cfg.EmbeddingModel), nil
}

func nsqConfig(cfg *config.Config) queue.NSQConfig {
	return queue.NSQConfig{
		NSQDHost:    cfg.NSQDHost,
		NSQDHTTP:    cfg.NSQDHTTP,
		Lookupd:     cfg.NSQLookupd,
		Channel:     cfg.NSQChannel,
		MaxInFlight: cfg.IngestionConcurrency,
		MaxAttempts: cfg.NSQMaxAttempts,
	}
}
