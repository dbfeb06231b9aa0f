package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/recallmap-backend/internal/data/repos/knowledge"
	"github.com/yungbote/recallmap-backend/internal/domain"
	"github.com/yungbote/recallmap-backend/internal/pkg/dbctx"
)

// SeedPoint inserts a minimal knowledge point inside tx and returns it.
func SeedPoint(tb testing.TB, ctx context.Context, tx *gorm.DB, phrase string) *domain.KnowledgePoint {
	tb.Helper()
	repo := knowledge.NewPointRepo(tx, Logger(tb))
	now := time.Now().UTC()
	row := &domain.KnowledgePoint{
		ID:              uuid.New(),
		Category:        "grammar",
		Subcategory:     "phrasing",
		CorrectPhrase:   phrase,
		KeyPointSummary: "usage of " + phrase,
		MasteryLevel:    0,
		MistakeCount:    1,
		LastReviewedOn:  &now,
		NextReviewDate:  now.AddDate(0, 0, 1),
	}
	if err := repo.Create(dbctx.Context{Ctx: ctx, Tx: tx}, row); err != nil {
		tb.Fatalf("seed point %q: %v", phrase, err)
	}
	return row
}

// SeedEmbeddedPoint inserts a point that already carries vec.
func SeedEmbeddedPoint(tb testing.TB, ctx context.Context, tx *gorm.DB, phrase string, vec domain.Vector) *domain.KnowledgePoint {
	tb.Helper()
	row := SeedPoint(tb, ctx, tx, phrase)
	repo := knowledge.NewPointRepo(tx, Logger(tb))
	if err := repo.SetEmbedding(dbctx.Context{Ctx: ctx, Tx: tx}, row.ID, vec, time.Now().UTC()); err != nil {
		tb.Fatalf("seed embedding for %q: %v", phrase, err)
	}
	row.EmbeddingVector = vec
	return row
}

// UnitVector returns a 384-dim unit vector concentrated on axis i, useful
// for constructing pairs with exact cosine similarities in tests.
func UnitVector(axis int) domain.Vector {
	v := make(domain.Vector, domain.EmbeddingDim)
	v[axis%domain.EmbeddingDim] = 1
	return v
}
