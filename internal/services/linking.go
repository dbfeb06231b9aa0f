package services

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/yungbote/recallmap-backend/internal/clients/openai"
	"github.com/yungbote/recallmap-backend/internal/data/repos/knowledge"
	"github.com/yungbote/recallmap-backend/internal/domain"
	"github.com/yungbote/recallmap-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/recallmap-backend/internal/pkg/errors"
	"github.com/yungbote/recallmap-backend/internal/pkg/logger"
	"github.com/yungbote/recallmap-backend/internal/utils"
)

const (
	defaultSimilarityThreshold = 0.8
	defaultMaxAutoLinks        = 5
	defaultEmbedBatchSize      = 32
	defaultStoreConcurrency    = 4
)

// LinkingConfig tunes the embedding/auto-link pipeline.
type LinkingConfig struct {
	SimilarityThreshold float64
	MaxAutoLinks        int
	EmbedBatchSize      int
	StoreConcurrency    int
	EmbeddingDim        int
}

func LoadLinkingConfig(log *logger.Logger) LinkingConfig {
	cfg := LinkingConfig{
		SimilarityThreshold: utils.GetEnvAsFloat("LINK_SIMILARITY_THRESHOLD", defaultSimilarityThreshold, log),
		MaxAutoLinks:        utils.GetEnvAsInt("LINK_MAX_AUTO_LINKS", defaultMaxAutoLinks, log),
		EmbedBatchSize:      utils.GetEnvAsInt("EMBED_BATCH_SIZE", defaultEmbedBatchSize, log),
		StoreConcurrency:    utils.GetEnvAsInt("EMBED_STORE_CONCURRENCY", defaultStoreConcurrency, log),
		EmbeddingDim:        utils.GetEnvAsInt("EMBEDDING_DIM", domain.EmbeddingDim, log),
	}
	return cfg.withDefaults()
}

func (c LinkingConfig) withDefaults() LinkingConfig {
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		c.SimilarityThreshold = defaultSimilarityThreshold
	}
	if c.MaxAutoLinks <= 0 {
		c.MaxAutoLinks = defaultMaxAutoLinks
	}
	if c.EmbedBatchSize <= 0 {
		c.EmbedBatchSize = defaultEmbedBatchSize
	}
	if c.StoreConcurrency <= 0 {
		c.StoreConcurrency = defaultStoreConcurrency
	}
	if c.EmbeddingDim <= 0 {
		c.EmbeddingDim = domain.EmbeddingDim
	}
	return c
}

// BackfillStats summarizes one backfill run.
type BackfillStats struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// PointLinks is the active neighborhood of one point, split by direction.
type PointLinks struct {
	Outbound []knowledge.LinkNeighbor `json:"outbound"`
	Inbound  []knowledge.LinkNeighbor `json:"inbound"`
}

// GraphStats summarizes embedding coverage and the live edge set.
type GraphStats struct {
	EmbeddedPoints      int64      `json:"embedded_points"`
	MissingEmbeddings   int64      `json:"missing_embeddings"`
	ActiveLinks         int64      `json:"active_links"`
	AvgSimilarityScore  float64    `json:"avg_similarity_score"`
	LastEmbeddingUpdate *time.Time `json:"last_embedding_update,omitempty"`
}

// LinkingService owns embedding vectors and the similarity graph. Mastery
// and scheduling fields are never touched here.
type LinkingService interface {
	// EmbedAndStore computes and persists the point's embedding from its
	// current text fields. Provider failures leave the stored vector as-is
	// and report false.
	EmbedAndStore(ctx context.Context, pointID uuid.UUID) (bool, error)
	// AutoLink creates bidirectional semantic edges to the nearest neighbors
	// at or above threshold. Zero threshold/maxResults fall back to config.
	// Returns the number of newly created (or reactivated) edges.
	AutoLink(ctx context.Context, pointID uuid.UUID, threshold float64, maxResults int) (int, error)
	// BatchBackfill embeds up to limit points missing a vector, batching
	// provider calls. Per-point failures are counted, not fatal.
	BatchBackfill(ctx context.Context, limit int) (BackfillStats, error)
	// Cleanup deactivates edges whose endpoints are archived, deleted or no
	// longer embedded. Returns the number of edges deactivated.
	Cleanup(ctx context.Context) (int64, error)
	// SearchByText embeds free text and returns the nearest live points.
	SearchByText(ctx context.Context, text string, threshold float64, maxResults int) ([]knowledge.SimilarPoint, error)
	// CreateManualLink creates a bidirectional manual edge between two points.
	CreateManualLink(ctx context.Context, sourceID, targetID uuid.UUID) error
	// RemoveLink deactivates both directions of the pair.
	RemoveLink(ctx context.Context, sourceID, targetID uuid.UUID) error
	// Links lists the point's active edges in both directions.
	Links(ctx context.Context, pointID uuid.UUID) (*PointLinks, error)
	// ArchivePoint archives the point and deactivates all its edges. The
	// stored vector is retained for a possible unarchive.
	ArchivePoint(ctx context.Context, pointID uuid.UUID) error
	// UnarchivePoint restores the point; links come back through AutoLink.
	UnarchivePoint(ctx context.Context, pointID uuid.UUID) error
	Stats(ctx context.Context) (*GraphStats, error)
}

type linkingService struct {
	cfg      LinkingConfig
	db       *gorm.DB
	log      *logger.Logger
	embedder openai.Client
	points   knowledge.PointRepo
	links    knowledge.LinkRepo
}

func NewLinkingService(cfg LinkingConfig, db *gorm.DB, log *logger.Logger, embedder openai.Client, points knowledge.PointRepo, links knowledge.LinkRepo) LinkingService {
	return &linkingService{
		cfg:      cfg.withDefaults(),
		db:       db,
		log:      log.With("service", "LinkingService"),
		embedder: embedder,
		points:   points,
		links:    links,
	}
}

// knowledgeText builds the canonical text blob fed to the embedding model:
// labeled non-empty fields joined with " | ". Field order is fixed so the
// same point always embeds to the same vector.
func knowledgeText(p *domain.KnowledgePoint) string {
	parts := make([]string, 0, 7)
	add := func(label, v string) {
		if s := strings.TrimSpace(v); s != "" {
			parts = append(parts, label+": "+s)
		}
	}
	add("correct usage", p.CorrectPhrase)
	add("incorrect usage", p.IncorrectPhraseInContext)
	add("key point", p.KeyPointSummary)
	add("explanation", p.Explanation)
	add("category", p.Category)
	add("subcategory", p.Subcategory)
	add("context", p.UserContextSentence)
	return strings.Join(parts, " | ")
}

func (s *linkingService) embedOne(ctx context.Context, text string) (domain.Vector, error) {
	vecs, err := s.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrProviderUnavailable, err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("%w: expected 1 embedding, got %d", pkgerrors.ErrProviderUnavailable, len(vecs))
	}
	if len(vecs[0]) != s.cfg.EmbeddingDim {
		return nil, fmt.Errorf("%w: embedding dimension %d, want %d", pkgerrors.ErrProviderUnavailable, len(vecs[0]), s.cfg.EmbeddingDim)
	}
	return domain.Vector(vecs[0]), nil
}

func (s *linkingService) EmbedAndStore(ctx context.Context, pointID uuid.UUID) (bool, error) {
	dbc := dbctx.Context{Ctx: ctx}
	pt, err := s.points.GetByID(dbc, pointID)
	if err != nil {
		return false, err
	}

	vec, err := s.embedOne(ctx, knowledgeText(pt))
	if err != nil {
		return false, err
	}
	if err := s.points.SetEmbedding(dbc, pointID, vec, time.Now().UTC()); err != nil {
		return false, err
	}
	return true, nil
}

func (s *linkingService) AutoLink(ctx context.Context, pointID uuid.UUID, threshold float64, maxResults int) (int, error) {
	if threshold <= 0 {
		threshold = s.cfg.SimilarityThreshold
	}
	if maxResults <= 0 {
		maxResults = s.cfg.MaxAutoLinks
	}

	dbc := dbctx.Context{Ctx: ctx}
	pt, err := s.points.GetByID(dbc, pointID)
	if err != nil {
		return 0, err
	}
	// Archived points are never endpoints of new auto-links.
	if pt.IsArchived {
		return 0, fmt.Errorf("%w: point %s is archived", pkgerrors.ErrNotFound, pointID)
	}
	if !pt.HasEmbedding() {
		return 0, fmt.Errorf("%w: point %s has no embedding", pkgerrors.ErrNotReady, pointID)
	}

	neighbors, err := s.points.FindSimilar(dbc, pt.EmbeddingVector, pointID, threshold, maxResults)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, n := range neighbors {
		if n.ID == pointID {
			continue
		}
		for _, pair := range [][2]uuid.UUID{{pointID, n.ID}, {n.ID, pointID}} {
			ok, err := s.links.CreateIfAbsent(dbc, &domain.KnowledgeLink{
				SourcePointID:   pair[0],
				TargetPointID:   pair[1],
				SimilarityScore: n.Score,
				LinkType:        domain.LinkTypeSemantic,
			})
			if err != nil {
				return created, fmt.Errorf("link %s -> %s: %w", pair[0], pair[1], err)
			}
			if ok {
				created++
			}
		}
	}
	if created > 0 {
		s.log.Info("Auto-linked point", "point_id", pointID.String(), "edges_created", created)
	}
	return created, nil
}

func (s *linkingService) BatchBackfill(ctx context.Context, limit int) (BackfillStats, error) {
	dbc := dbctx.Context{Ctx: ctx}
	rows, err := s.points.ListMissingEmbedding(dbc, limit)
	if err != nil {
		return BackfillStats{}, err
	}
	if len(rows) == 0 {
		return BackfillStats{}, nil
	}

	var succeeded, failed atomic.Int64
	for start := 0; start < len(rows); start += s.cfg.EmbedBatchSize {
		if ctx.Err() != nil {
			return BackfillStats{
				Processed: len(rows),
				Succeeded: int(succeeded.Load()),
				Failed:    int(failed.Load()),
			}, ctx.Err()
		}

		end := start + s.cfg.EmbedBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		texts := make([]string, len(chunk))
		for i, pt := range chunk {
			texts[i] = knowledgeText(pt)
		}

		vecs, err := s.embedder.Embed(ctx, texts)
		if err != nil || len(vecs) != len(chunk) {
			failed.Add(int64(len(chunk)))
			s.log.Warn("Backfill batch failed", "size", len(chunk), "error", fmt.Sprint(err))
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.cfg.StoreConcurrency)
		for i := range chunk {
			pt, vec := chunk[i], vecs[i]
			g.Go(func() error {
				if len(vec) != s.cfg.EmbeddingDim {
					failed.Add(1)
					s.log.Warn("Backfill vector has wrong dimension", "point_id", pt.ID.String(), "dim", len(vec))
					return nil
				}
				err := s.points.SetEmbedding(dbctx.Context{Ctx: gctx}, pt.ID, domain.Vector(vec), time.Now().UTC())
				if err != nil {
					failed.Add(1)
					s.log.Warn("Backfill store failed", "point_id", pt.ID.String(), "error", err.Error())
					return nil
				}
				succeeded.Add(1)
				return nil
			})
		}
		_ = g.Wait()
	}

	stats := BackfillStats{
		Processed: len(rows),
		Succeeded: int(succeeded.Load()),
		Failed:    int(failed.Load()),
	}
	s.log.Info("Embedding backfill finished",
		"processed", stats.Processed,
		"succeeded", stats.Succeeded,
		"failed", stats.Failed,
	)
	return stats, nil
}

func (s *linkingService) Cleanup(ctx context.Context) (int64, error) {
	n, err := s.links.DeactivateStale(dbctx.Context{Ctx: ctx})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("Deactivated stale links", "count", n)
	}
	return n, nil
}

func (s *linkingService) SearchByText(ctx context.Context, text string, threshold float64, maxResults int) ([]knowledge.SimilarPoint, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty search text", pkgerrors.ErrMalformedInput)
	}
	if threshold <= 0 {
		threshold = s.cfg.SimilarityThreshold
	}
	if maxResults <= 0 {
		maxResults = s.cfg.MaxAutoLinks
	}

	vec, err := s.embedOne(ctx, text)
	if err != nil {
		return nil, err
	}
	return s.points.FindSimilar(dbctx.Context{Ctx: ctx}, vec, uuid.Nil, threshold, maxResults)
}

func (s *linkingService) CreateManualLink(ctx context.Context, sourceID, targetID uuid.UUID) error {
	if sourceID == uuid.Nil || targetID == uuid.Nil || sourceID == targetID {
		return fmt.Errorf("%w: invalid link pair", pkgerrors.ErrMalformedInput)
	}

	dbc := dbctx.Context{Ctx: ctx}
	for _, id := range []uuid.UUID{sourceID, targetID} {
		if _, err := s.points.GetByID(dbc, id); err != nil {
			return fmt.Errorf("point %s: %w", id, err)
		}
	}

	for _, pair := range [][2]uuid.UUID{{sourceID, targetID}, {targetID, sourceID}} {
		_, err := s.links.CreateIfAbsent(dbc, &domain.KnowledgeLink{
			SourcePointID:   pair[0],
			TargetPointID:   pair[1],
			SimilarityScore: 1.0,
			LinkType:        domain.LinkTypeManual,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *linkingService) RemoveLink(ctx context.Context, sourceID, targetID uuid.UUID) error {
	n, err := s.links.DeactivatePair(dbctx.Context{Ctx: ctx}, sourceID, targetID)
	if err != nil {
		return err
	}
	if n == 0 {
		return pkgerrors.ErrNotFound
	}
	return nil
}

func (s *linkingService) Links(ctx context.Context, pointID uuid.UUID) (*PointLinks, error) {
	dbc := dbctx.Context{Ctx: ctx}
	if _, err := s.points.GetByID(dbc, pointID); err != nil {
		return nil, err
	}
	out, err := s.links.ListActiveFrom(dbc, pointID)
	if err != nil {
		return nil, err
	}
	in, err := s.links.ListActiveTo(dbc, pointID)
	if err != nil {
		return nil, err
	}
	return &PointLinks{Outbound: out, Inbound: in}, nil
}

func (s *linkingService) ArchivePoint(ctx context.Context, pointID uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		if err := s.points.SetArchived(dbc, pointID, true); err != nil {
			return err
		}
		n, err := s.links.DeactivateByPoint(dbc, pointID)
		if err != nil {
			return err
		}
		s.log.Info("Archived point", "point_id", pointID.String(), "links_deactivated", n)
		return nil
	})
}

func (s *linkingService) UnarchivePoint(ctx context.Context, pointID uuid.UUID) error {
	return s.points.SetArchived(dbctx.Context{Ctx: ctx}, pointID, false)
}

func (s *linkingService) Stats(ctx context.Context) (*GraphStats, error) {
	dbc := dbctx.Context{Ctx: ctx}
	counts, err := s.points.EmbeddingCounts(dbc)
	if err != nil {
		return nil, err
	}
	linkStats, err := s.links.ActiveStats(dbc)
	if err != nil {
		return nil, err
	}
	return &GraphStats{
		EmbeddedPoints:      counts.Embedded,
		MissingEmbeddings:   counts.Missing,
		ActiveLinks:         linkStats.Count,
		AvgSimilarityScore:  linkStats.AvgScore,
		LastEmbeddingUpdate: counts.LastUpdate,
	}, nil
}
