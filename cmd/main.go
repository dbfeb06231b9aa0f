package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yungbote/recallmap-backend/internal/clients/openai"
	"github.com/yungbote/recallmap-backend/internal/data/db"
	"github.com/yungbote/recallmap-backend/internal/data/repos"
	"github.com/yungbote/recallmap-backend/internal/pkg/logger"
	"github.com/yungbote/recallmap-backend/internal/services"
	"github.com/yungbote/recallmap-backend/internal/utils"
)

func main() {
	appEnv := os.Getenv("APP_ENV")
	logg, err := logger.New(appEnv)
	if err != nil {
		panic(err)
	}
	defer logg.Sync()

	pg, err := db.NewPostgresService(logg)
	if err != nil {
		logg.Fatal("Failed to connect to Postgres", "error", err.Error())
	}
	if err := pg.AutoMigrateAll(); err != nil {
		logg.Fatal("Failed to run migrations", "error", err.Error())
	}

	embedder, err := openai.NewClient(logg)
	if err != nil {
		logg.Fatal("Failed to init embedding client", "error", err.Error())
	}

	gdb := pg.DB()
	pointRepo := repos.NewPointRepo(gdb, logg)
	linkRepo := repos.NewLinkRepo(gdb, logg)

	linking := services.NewLinkingService(services.LoadLinkingConfig(logg), gdb, logg, embedder, pointRepo, linkRepo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cleanupEvery := time.Duration(utils.GetEnvAsInt("LINK_CLEANUP_INTERVAL_MINUTES", 60, logg)) * time.Minute
	backfillEvery := time.Duration(utils.GetEnvAsInt("EMBED_BACKFILL_INTERVAL_MINUTES", 15, logg)) * time.Minute
	backfillLimit := utils.GetEnvAsInt("EMBED_BACKFILL_LIMIT", 100, logg)

	go runLinkCleanup(ctx, logg, linking, cleanupEvery)
	go runEmbedBackfill(ctx, logg, linking, backfillEvery, backfillLimit)

	logg.Info("recallmap engine started",
		"env", appEnv,
		"link_cleanup_interval", cleanupEvery.String(),
		"embed_backfill_interval", backfillEvery.String(),
	)

	<-ctx.Done()
	logg.Info("Shutting down")
}

func runLinkCleanup(ctx context.Context, logg *logger.Logger, linking services.LinkingService, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := linking.Cleanup(ctx); err != nil {
				logg.Error("Link cleanup failed", "error", err.Error())
			}
		}
	}
}

func runEmbedBackfill(ctx context.Context, logg *logger.Logger, linking services.LinkingService, every time.Duration, limit int) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := linking.BatchBackfill(ctx, limit)
			if err != nil {
				logg.Error("Embedding backfill failed", "error", err.Error())
				continue
			}
			if stats.Processed > 0 {
				logg.Info("Embedding backfill tick",
					"processed", stats.Processed,
					"succeeded", stats.Succeeded,
					"failed", stats.Failed,
				)
			}
		}
	}
}
