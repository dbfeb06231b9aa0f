package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/recallmap-backend/internal/domain"
	pkgerrors "github.com/yungbote/recallmap-backend/internal/pkg/errors"
)

func newTestLinking(t *testing.T, embedder *fakeEmbedder, points *fakePointRepo, links *fakeLinkRepo, cfg LinkingConfig) LinkingService {
	t.Helper()
	return NewLinkingService(cfg, nil, testLogger(t), embedder, points, links)
}

func seedFakePoint(points *fakePointRepo, phrase string, vec []float32) *domain.KnowledgePoint {
	now := time.Now().UTC()
	pt := &domain.KnowledgePoint{
		ID:              uuid.New(),
		Category:        "grammar",
		Subcategory:     "tense",
		CorrectPhrase:   phrase,
		KeyPointSummary: "usage of " + phrase,
		MistakeCount:    1,
		LastReviewedOn:  &now,
		NextReviewDate:  now.AddDate(0, 0, 1),
	}
	if vec != nil {
		pt.EmbeddingVector = domain.Vector(vec)
		pt.EmbeddingUpdatedAt = &now
	}
	_ = points.Create(dbcBG(), pt)
	return pt
}

func TestKnowledgeTextOrderAndSkips(t *testing.T) {
	pt := &domain.KnowledgePoint{
		CorrectPhrase:            "I have gone",
		IncorrectPhraseInContext: "I have went",
		KeyPointSummary:          "past participle",
		Category:                 "grammar",
		UserContextSentence:      "  ",
	}
	got := knowledgeText(pt)
	want := "correct usage: I have gone | incorrect usage: I have went | key point: past participle | category: grammar"
	if got != want {
		t.Fatalf("knowledgeText = %q\nwant %q", got, want)
	}
}

func TestKnowledgeTextStableForSamePoint(t *testing.T) {
	pt := &domain.KnowledgePoint{CorrectPhrase: "a", Explanation: "b", Subcategory: "c"}
	if knowledgeText(pt) != knowledgeText(pt) {
		t.Fatal("knowledgeText not deterministic")
	}
	if !strings.Contains(knowledgeText(pt), " | ") {
		t.Fatal("multi-field blob missing separator")
	}
}

func TestEmbedAndStore(t *testing.T) {
	points := newFakePointRepo()
	embedder := &fakeEmbedder{}
	svc := newTestLinking(t, embedder, points, newFakeLinkRepo(), LinkingConfig{})

	pt := seedFakePoint(points, "I have gone", nil)
	ok, err := svc.EmbedAndStore(context.Background(), pt.ID)
	if err != nil {
		t.Fatalf("EmbedAndStore: %v", err)
	}
	if !ok {
		t.Fatal("successful embed reported false")
	}

	got, _ := points.GetByID(dbcBG(), pt.ID)
	if !got.HasEmbedding() {
		t.Fatal("embedding not stored")
	}
	if got.EmbeddingUpdatedAt == nil {
		t.Fatal("embedding_updated_at not set")
	}
}

func TestEmbedAndStoreProviderFailureLeavesVector(t *testing.T) {
	points := newFakePointRepo()
	orig := unitVec(3)
	embedder := &fakeEmbedder{fn: func([]string) ([][]float32, error) {
		return nil, fmt.Errorf("upstream 503")
	}}
	svc := newTestLinking(t, embedder, points, newFakeLinkRepo(), LinkingConfig{})

	pt := seedFakePoint(points, "I have gone", orig)
	ok, err := svc.EmbedAndStore(context.Background(), pt.ID)
	if !errors.Is(err, pkgerrors.ErrProviderUnavailable) {
		t.Fatalf("got %v, want ErrProviderUnavailable", err)
	}
	if ok {
		t.Fatal("failed embed reported true")
	}

	got, _ := points.GetByID(dbcBG(), pt.ID)
	if len(got.EmbeddingVector) != domain.EmbeddingDim || got.EmbeddingVector[3] != 1 {
		t.Fatal("stored vector was disturbed by failed refresh")
	}
}

func TestEmbedAndStoreRejectsWrongDimension(t *testing.T) {
	points := newFakePointRepo()
	embedder := &fakeEmbedder{fn: func(in []string) ([][]float32, error) {
		return [][]float32{make([]float32, 8)}, nil
	}}
	svc := newTestLinking(t, embedder, points, newFakeLinkRepo(), LinkingConfig{})

	pt := seedFakePoint(points, "I have gone", nil)
	if _, err := svc.EmbedAndStore(context.Background(), pt.ID); !errors.Is(err, pkgerrors.ErrProviderUnavailable) {
		t.Fatalf("got %v, want ErrProviderUnavailable", err)
	}
}

func TestEmbedAndStoreMissingPoint(t *testing.T) {
	svc := newTestLinking(t, &fakeEmbedder{}, newFakePointRepo(), newFakeLinkRepo(), LinkingConfig{})
	if _, err := svc.EmbedAndStore(context.Background(), uuid.New()); !errors.Is(err, pkgerrors.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestAutoLinkBidirectionalAndIdempotent(t *testing.T) {
	points := newFakePointRepo()
	links := newFakeLinkRepo()
	svc := newTestLinking(t, &fakeEmbedder{}, points, links, LinkingConfig{})

	a := seedFakePoint(points, "a", unitVec(0))
	b := seedFakePoint(points, "b", blendVec(0, 1, 0.9, 0.43589)) // cos ~ 0.90
	far := seedFakePoint(points, "far", blendVec(0, 1, 0.5, 0.866)) // cos ~ 0.50

	created, err := svc.AutoLink(context.Background(), a.ID, 0, 0)
	if err != nil {
		t.Fatalf("AutoLink: %v", err)
	}
	if created != 2 {
		t.Fatalf("created = %d, want 2 (both directions)", created)
	}

	pl, err := svc.Links(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("Links: %v", err)
	}
	if len(pl.Outbound) != 1 || pl.Outbound[0].PointID != b.ID {
		t.Fatalf("outbound = %+v", pl.Outbound)
	}
	if len(pl.Inbound) != 1 || pl.Inbound[0].PointID != b.ID {
		t.Fatalf("inbound = %+v", pl.Inbound)
	}
	for _, n := range pl.Outbound {
		if n.PointID == far.ID {
			t.Fatal("below-threshold neighbor linked")
		}
	}

	// Re-running changes nothing.
	created, err = svc.AutoLink(context.Background(), a.ID, 0, 0)
	if err != nil {
		t.Fatalf("AutoLink replay: %v", err)
	}
	if created != 0 {
		t.Fatalf("replay created = %d, want 0", created)
	}
	if n := links.activeCount(); n != 2 {
		t.Fatalf("active edges = %d, want 2", n)
	}
}

func TestAutoLinkNeverSelfLinks(t *testing.T) {
	points := newFakePointRepo()
	links := newFakeLinkRepo()
	svc := newTestLinking(t, &fakeEmbedder{}, points, links, LinkingConfig{})

	a := seedFakePoint(points, "a", unitVec(0))
	if _, err := svc.AutoLink(context.Background(), a.ID, 0, 0); err != nil {
		t.Fatalf("AutoLink: %v", err)
	}
	if n := links.activeCount(); n != 0 {
		t.Fatalf("self-link created, active edges = %d", n)
	}
}

func TestAutoLinkThreshold(t *testing.T) {
	points := newFakePointRepo()
	a := seedFakePoint(points, "a", unitVec(0))
	seedFakePoint(points, "b", blendVec(0, 1, 0.82, 0.57236)) // cos ~ 0.82

	links := newFakeLinkRepo()
	svc := newTestLinking(t, &fakeEmbedder{}, points, links, LinkingConfig{})

	created, err := svc.AutoLink(context.Background(), a.ID, 0.85, 5)
	if err != nil {
		t.Fatalf("AutoLink@0.85: %v", err)
	}
	if created != 0 {
		t.Fatalf("0.82 pair linked at threshold 0.85")
	}

	created, err = svc.AutoLink(context.Background(), a.ID, 0.8, 5)
	if err != nil {
		t.Fatalf("AutoLink@0.8: %v", err)
	}
	if created != 2 {
		t.Fatalf("created = %d, want 2 at threshold 0.8", created)
	}
}

func TestAutoLinkRefusesArchivedPoint(t *testing.T) {
	points := newFakePointRepo()
	links := newFakeLinkRepo()
	svc := newTestLinking(t, &fakeEmbedder{}, points, links, LinkingConfig{})

	archived := seedFakePoint(points, "archived", unitVec(0))
	if err := points.SetArchived(dbcBG(), archived.ID, true); err != nil {
		t.Fatalf("archive: %v", err)
	}
	seedFakePoint(points, "live neighbor", blendVec(0, 1, 0.9, 0.43589))

	if _, err := svc.AutoLink(context.Background(), archived.ID, 0, 0); !errors.Is(err, pkgerrors.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	if n := links.activeCount(); n != 0 {
		t.Fatalf("archived point gained %d edges", n)
	}
}

func TestAutoLinkRequiresEmbedding(t *testing.T) {
	points := newFakePointRepo()
	svc := newTestLinking(t, &fakeEmbedder{}, points, newFakeLinkRepo(), LinkingConfig{})

	pt := seedFakePoint(points, "a", nil)
	if _, err := svc.AutoLink(context.Background(), pt.ID, 0, 0); !errors.Is(err, pkgerrors.ErrNotReady) {
		t.Fatalf("got %v, want ErrNotReady", err)
	}
}

func TestAutoLinkReactivatesCleanedEdge(t *testing.T) {
	points := newFakePointRepo()
	links := newFakeLinkRepo()
	svc := newTestLinking(t, &fakeEmbedder{}, points, links, LinkingConfig{})

	a := seedFakePoint(points, "a", unitVec(0))
	b := seedFakePoint(points, "b", blendVec(0, 1, 0.9, 0.43589))

	if _, err := svc.AutoLink(context.Background(), a.ID, 0, 0); err != nil {
		t.Fatalf("AutoLink: %v", err)
	}
	if err := svc.RemoveLink(context.Background(), a.ID, b.ID); err != nil {
		t.Fatalf("RemoveLink: %v", err)
	}
	if n := links.activeCount(); n != 0 {
		t.Fatalf("active edges after removal = %d", n)
	}

	created, err := svc.AutoLink(context.Background(), a.ID, 0, 0)
	if err != nil {
		t.Fatalf("AutoLink after removal: %v", err)
	}
	if created != 2 {
		t.Fatalf("reactivation created = %d, want 2", created)
	}
}

func TestBatchBackfillCountsPartialFailure(t *testing.T) {
	points := newFakePointRepo()
	for i := 0; i < 5; i++ {
		seedFakePoint(points, fmt.Sprintf("p%d", i), nil)
	}

	embedder := &fakeEmbedder{}
	embedder.fn = func(inputs []string) ([][]float32, error) {
		if embedder.callCount() == 2 {
			return nil, fmt.Errorf("upstream 429")
		}
		out := make([][]float32, len(inputs))
		for i := range inputs {
			out[i] = unitVec(i)
		}
		return out, nil
	}

	svc := newTestLinking(t, embedder, points, newFakeLinkRepo(), LinkingConfig{EmbedBatchSize: 2})

	stats, err := svc.BatchBackfill(context.Background(), 0)
	if err != nil {
		t.Fatalf("BatchBackfill: %v", err)
	}
	if stats.Processed != 5 {
		t.Fatalf("processed = %d, want 5", stats.Processed)
	}
	if stats.Succeeded != 3 || stats.Failed != 2 {
		t.Fatalf("succeeded/failed = %d/%d, want 3/2", stats.Succeeded, stats.Failed)
	}

	remaining, _ := points.ListMissingEmbedding(dbcBG(), 0)
	if len(remaining) != 2 {
		t.Fatalf("points still missing embeddings = %d, want 2", len(remaining))
	}
}

func TestBatchBackfillEmpty(t *testing.T) {
	embedder := &fakeEmbedder{}
	svc := newTestLinking(t, embedder, newFakePointRepo(), newFakeLinkRepo(), LinkingConfig{})

	stats, err := svc.BatchBackfill(context.Background(), 10)
	if err != nil {
		t.Fatalf("BatchBackfill: %v", err)
	}
	if stats != (BackfillStats{}) {
		t.Fatalf("stats = %+v, want zero", stats)
	}
	if embedder.callCount() != 0 {
		t.Fatal("provider called with nothing to embed")
	}
}

func TestSearchByText(t *testing.T) {
	points := newFakePointRepo()
	near := seedFakePoint(points, "near", unitVec(0))
	seedFakePoint(points, "far", unitVec(1))

	svc := newTestLinking(t, &fakeEmbedder{}, points, newFakeLinkRepo(), LinkingConfig{})

	hits, err := svc.SearchByText(context.Background(), "some phrase", 0, 0)
	if err != nil {
		t.Fatalf("SearchByText: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != near.ID {
		t.Fatalf("hits = %+v", hits)
	}

	if _, err := svc.SearchByText(context.Background(), "   ", 0, 0); !errors.Is(err, pkgerrors.ErrMalformedInput) {
		t.Fatalf("empty text: got %v, want ErrMalformedInput", err)
	}
}

func TestCreateManualLink(t *testing.T) {
	points := newFakePointRepo()
	links := newFakeLinkRepo()
	svc := newTestLinking(t, &fakeEmbedder{}, points, links, LinkingConfig{})

	a := seedFakePoint(points, "a", nil)
	b := seedFakePoint(points, "b", nil)

	if err := svc.CreateManualLink(context.Background(), a.ID, a.ID); !errors.Is(err, pkgerrors.ErrMalformedInput) {
		t.Fatalf("self pair: got %v", err)
	}
	if err := svc.CreateManualLink(context.Background(), a.ID, uuid.New()); !errors.Is(err, pkgerrors.ErrNotFound) {
		t.Fatalf("missing target: got %v", err)
	}

	if err := svc.CreateManualLink(context.Background(), a.ID, b.ID); err != nil {
		t.Fatalf("CreateManualLink: %v", err)
	}
	pl, err := svc.Links(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("Links: %v", err)
	}
	if len(pl.Outbound) != 1 || pl.Outbound[0].LinkType != domain.LinkTypeManual {
		t.Fatalf("outbound = %+v", pl.Outbound)
	}
}

func TestRemoveLinkMissingPair(t *testing.T) {
	svc := newTestLinking(t, &fakeEmbedder{}, newFakePointRepo(), newFakeLinkRepo(), LinkingConfig{})
	if err := svc.RemoveLink(context.Background(), uuid.New(), uuid.New()); !errors.Is(err, pkgerrors.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestStats(t *testing.T) {
	points := newFakePointRepo()
	links := newFakeLinkRepo()
	svc := newTestLinking(t, &fakeEmbedder{}, points, links, LinkingConfig{})

	a := seedFakePoint(points, "a", unitVec(0))
	seedFakePoint(points, "b", blendVec(0, 1, 0.9, 0.43589))
	seedFakePoint(points, "c", nil)

	if _, err := svc.AutoLink(context.Background(), a.ID, 0, 0); err != nil {
		t.Fatalf("AutoLink: %v", err)
	}

	got, err := svc.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if got.EmbeddedPoints != 2 || got.MissingEmbeddings != 1 {
		t.Fatalf("coverage = %d/%d, want 2/1", got.EmbeddedPoints, got.MissingEmbeddings)
	}
	if got.ActiveLinks != 2 {
		t.Fatalf("active links = %d, want 2", got.ActiveLinks)
	}
	if got.AvgSimilarityScore < 0.85 || got.AvgSimilarityScore > 0.95 {
		t.Fatalf("avg score = %v", got.AvgSimilarityScore)
	}
}
