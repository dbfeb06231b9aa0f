package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/yungbote/recallmap-backend/internal/clients/openai"
	"github.com/yungbote/recallmap-backend/internal/data/db"
	"github.com/yungbote/recallmap-backend/internal/data/repos"
	"github.com/yungbote/recallmap-backend/internal/pkg/dbctx"
	"github.com/yungbote/recallmap-backend/internal/pkg/logger"
	"github.com/yungbote/recallmap-backend/internal/services"
)

// One-shot embedding backfill. Embeds every point missing a vector (or up
// to -limit), then optionally auto-links the freshly embedded points.
func main() {
	limit := flag.Int("limit", 0, "max points to embed; 0 embeds everything missing")
	autoLink := flag.Bool("auto-link", false, "auto-link each embedded point afterwards")
	flag.Parse()

	logg, err := logger.New(os.Getenv("APP_ENV"))
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gdb := pg.DB()
	pointRepo := repos.NewPointRepo(gdb, logg)
	linkRepo := repos.NewLinkRepo(gdb, logg)
	linking := services.NewLinkingService(services.LoadLinkingConfig(logg), gdb, logg, embedder, pointRepo, linkRepo)

	// Snapshot the ids first so -auto-link knows which points were missing.
	var pending []uuid.UUID
	if *autoLink {
		rows, err := pointRepo.ListMissingEmbedding(dbctx.Context{Ctx: ctx}, *limit)
		if err != nil {
			logg.Fatal("Failed to list points missing embeddings", "error", err.Error())
		}
		for _, pt := range rows {
			pending = append(pending, pt.ID)
		}
	}

	stats, err := linking.BatchBackfill(ctx, *limit)
	if err != nil {
		logg.Fatal("Backfill failed", "error", err.Error())
	}
	logg.Info("Backfill complete",
		"processed", stats.Processed,
		"succeeded", stats.Succeeded,
		"failed", stats.Failed,
	)

	if !*autoLink {
		return
	}

	linked := 0
	for _, id := range pending {
		n, err := linking.AutoLink(ctx, id, 0, 0)
		if err != nil {
			logg.Warn("Auto-link failed", "point_id", id.String(), "error", err.Error())
			continue
		}
		linked += n
	}
	logg.Info("Auto-link complete", "points", len(pending), "edges_created", linked)

	if _, err := linking.Cleanup(ctx); err != nil {
		logg.Warn("Link cleanup failed", "error", err.Error())
	}
}
