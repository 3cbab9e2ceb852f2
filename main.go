package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/app"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/config"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(os.Stdout, cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		slog.Error("app exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	deps, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.Close(); err != nil {
			log.Error("failed to release resources", "error", err)
		}
	}()

	application, err := app.New(cfg, deps)
	if err != nil {
		return err
	}

	if cfg.EnableWorker {
		consumer, err := application.StartWorker(ctx)
		if err != nil {
			return err
		}
		defer consumer.Stop()
	}

	if !cfg.EnableAPI {
		log.Info("api disabled, running ingest worker only")
		<-ctx.Done()
		return nil
	}
	return application.Run(ctx)
}
