package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/recallmap-backend/internal/data/repos/knowledge"
	"github.com/yungbote/recallmap-backend/internal/domain"
	"github.com/yungbote/recallmap-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/recallmap-backend/internal/pkg/errors"
	"github.com/yungbote/recallmap-backend/internal/pkg/logger"
)

func dbcBG() dbctx.Context { return dbctx.Context{Ctx: context.Background()} }

func testLogger(tb interface{ Fatalf(string, ...any) }) *logger.Logger {
	logg, err := logger.New("test")
	if err != nil {
		tb.Fatalf("init logger: %v", err)
	}
	return logg
}

// fakePointRepo is an in-memory PointRepo. FindSimilar runs real cosine
// similarity so threshold behavior matches the pgvector query.
type fakePointRepo struct {
	mu     sync.Mutex
	rows   map[uuid.UUID]*domain.KnowledgePoint
	setErr error
}

func newFakePointRepo() *fakePointRepo {
	return &fakePointRepo{rows: map[uuid.UUID]*domain.KnowledgePoint{}}
}

func (f *fakePointRepo) clone(p *domain.KnowledgePoint) *domain.KnowledgePoint {
	cp := *p
	return &cp
}

func (f *fakePointRepo) Create(dbc dbctx.Context, row *domain.KnowledgePoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	f.rows[row.ID] = f.clone(row)
	return nil
}

func (f *fakePointRepo) Update(dbc dbctx.Context, row *domain.KnowledgePoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[row.ID] = f.clone(row)
	return nil
}

func (f *fakePointRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.KnowledgePoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.rows[id]
	if !ok {
		return nil, pkgerrors.ErrNotFound
	}
	return f.clone(p), nil
}

func (f *fakePointRepo) GetByIDForUpdate(dbc dbctx.Context, id uuid.UUID) (*domain.KnowledgePoint, error) {
	return f.GetByID(dbc, id)
}

func (f *fakePointRepo) GetByPhraseForUpdate(dbc dbctx.Context, phrase string) (*domain.KnowledgePoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.rows {
		if p.CorrectPhrase == phrase {
			return f.clone(p), nil
		}
	}
	return nil, pkgerrors.ErrNotFound
}

func (f *fakePointRepo) ListDue(dbc dbctx.Context, referenceDate time.Time, limit int) ([]*domain.KnowledgePoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*domain.KnowledgePoint{}
	for _, p := range f.rows {
		if !p.IsArchived && !p.NextReviewDate.After(referenceDate) {
			out = append(out, f.clone(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MasteryLevel != out[j].MasteryLevel {
			return out[i].MasteryLevel < out[j].MasteryLevel
		}
		li, lj := out[i].LastReviewedOn, out[j].LastReviewedOn
		if li == nil {
			return true
		}
		if lj == nil {
			return false
		}
		return li.Before(*lj)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakePointRepo) ListMissingEmbedding(dbc dbctx.Context, limit int) ([]*domain.KnowledgePoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*domain.KnowledgePoint{}
	for _, p := range f.rows {
		if !p.IsArchived && !p.HasEmbedding() {
			out = append(out, f.clone(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakePointRepo) SetEmbedding(dbc dbctx.Context, id uuid.UUID, vec domain.Vector, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	p, ok := f.rows[id]
	if !ok {
		return pkgerrors.ErrNotFound
	}
	p.EmbeddingVector = vec
	p.EmbeddingUpdatedAt = &at
	return nil
}

func (f *fakePointRepo) SetArchived(dbc dbctx.Context, id uuid.UUID, archived bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.rows[id]
	if !ok {
		return pkgerrors.ErrNotFound
	}
	p.IsArchived = archived
	return nil
}

func (f *fakePointRepo) FindSimilar(dbc dbctx.Context, vec domain.Vector, excludeID uuid.UUID, threshold float64, limit int) ([]knowledge.SimilarPoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []knowledge.SimilarPoint{}
	for _, p := range f.rows {
		if p.ID == excludeID || p.IsArchived || !p.HasEmbedding() {
			continue
		}
		score, err := domain.CosineSimilarity(vec, p.EmbeddingVector)
		if err != nil {
			continue
		}
		if score >= threshold {
			out = append(out, knowledge.SimilarPoint{
				ID:              p.ID,
				Score:           score,
				CorrectPhrase:   p.CorrectPhrase,
				KeyPointSummary: p.KeyPointSummary,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakePointRepo) EmbeddingCounts(dbc dbctx.Context) (knowledge.EmbeddingCounts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out knowledge.EmbeddingCounts
	for _, p := range f.rows {
		if p.IsArchived {
			continue
		}
		if p.HasEmbedding() {
			out.Embedded++
		} else {
			out.Missing++
		}
	}
	return out, nil
}

// fakeLinkRepo mirrors CreateIfAbsent's pair uniqueness and reactivation.
type fakeLinkRepo struct {
	mu    sync.Mutex
	edges map[[2]uuid.UUID]*domain.KnowledgeLink
}

func newFakeLinkRepo() *fakeLinkRepo {
	return &fakeLinkRepo{edges: map[[2]uuid.UUID]*domain.KnowledgeLink{}}
}

func (f *fakeLinkRepo) CreateIfAbsent(dbc dbctx.Context, row *domain.KnowledgeLink) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row.SourcePointID == row.TargetPointID {
		return false, nil
	}
	key := [2]uuid.UUID{row.SourcePointID, row.TargetPointID}
	if existing, ok := f.edges[key]; ok {
		if existing.IsActive {
			return false, nil
		}
		existing.IsActive = true
		existing.SimilarityScore = row.SimilarityScore
		existing.LinkType = row.LinkType
		return true, nil
	}
	cp := *row
	cp.IsActive = true
	if cp.LinkType == "" {
		cp.LinkType = domain.LinkTypeSemantic
	}
	f.edges[key] = &cp
	return true, nil
}

func (f *fakeLinkRepo) DeactivatePair(dbc dbctx.Context, a, b uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, key := range [][2]uuid.UUID{{a, b}, {b, a}} {
		if e, ok := f.edges[key]; ok && e.IsActive {
			e.IsActive = false
			n++
		}
	}
	return n, nil
}

func (f *fakeLinkRepo) DeactivateByPoint(dbc dbctx.Context, pointID uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for key, e := range f.edges {
		if e.IsActive && (key[0] == pointID || key[1] == pointID) {
			e.IsActive = false
			n++
		}
	}
	return n, nil
}

func (f *fakeLinkRepo) DeactivateStale(dbc dbctx.Context) (int64, error) { return 0, nil }

func (f *fakeLinkRepo) ListActiveFrom(dbc dbctx.Context, pointID uuid.UUID) ([]knowledge.LinkNeighbor, error) {
	return f.listActive(pointID, 0), nil
}

func (f *fakeLinkRepo) ListActiveTo(dbc dbctx.Context, pointID uuid.UUID) ([]knowledge.LinkNeighbor, error) {
	return f.listActive(pointID, 1), nil
}

func (f *fakeLinkRepo) listActive(pointID uuid.UUID, side int) []knowledge.LinkNeighbor {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []knowledge.LinkNeighbor{}
	for key, e := range f.edges {
		if !e.IsActive || key[side] != pointID {
			continue
		}
		out = append(out, knowledge.LinkNeighbor{
			PointID:         key[1-side],
			SimilarityScore: e.SimilarityScore,
			LinkType:        e.LinkType,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SimilarityScore > out[j].SimilarityScore })
	return out
}

func (f *fakeLinkRepo) ActiveStats(dbc dbctx.Context) (knowledge.ActiveLinkStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out knowledge.ActiveLinkStats
	var sum float64
	for _, e := range f.edges {
		if e.IsActive {
			out.Count++
			sum += e.SimilarityScore
		}
	}
	if out.Count > 0 {
		out.AvgScore = sum / float64(out.Count)
	}
	return out, nil
}

func (f *fakeLinkRepo) activeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.edges {
		if e.IsActive {
			n++
		}
	}
	return n
}

// fakeEmbedder delegates to fn, defaulting to a fixed unit vector per input.
type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	fn    func(inputs []string) ([][]float32, error)
}

func (f *fakeEmbedder) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		return fn(inputs)
	}
	out := make([][]float32, len(inputs))
	for i := range inputs {
		out[i] = unitVec(0)
	}
	return out, nil
}

func (f *fakeEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func unitVec(axis int) []float32 {
	v := make([]float32, domain.EmbeddingDim)
	v[axis%domain.EmbeddingDim] = 1
	return v
}

// blendVec mixes two axes so cosine similarity against unitVec(a) is exactly
// w / sqrt(w*w + u*u).
func blendVec(a, b int, w, u float32) []float32 {
	v := make([]float32, domain.EmbeddingDim)
	v[a%domain.EmbeddingDim] = w
	v[b%domain.EmbeddingDim] = u
	return v
}

// fakeEventRepo keys events by id like the real OnConflict insert.
type fakeEventRepo struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*domain.LearningEvent
	err  error
}

func newFakeEventRepo() *fakeEventRepo {
	return &fakeEventRepo{rows: map[uuid.UUID]*domain.LearningEvent{}}
}

func (f *fakeEventRepo) Insert(dbc dbctx.Context, row *domain.LearningEvent) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if _, ok := f.rows[row.ID]; ok {
		return false, nil
	}
	cp := *row
	f.rows[row.ID] = &cp
	return true, nil
}

func (f *fakeEventRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.LearningEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.rows[id]
	if !ok {
		return nil, pkgerrors.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (f *fakeEventRepo) ListBySourcePoint(dbc dbctx.Context, pointID uuid.UUID, limit int) ([]*domain.LearningEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*domain.LearningEvent{}
	for _, e := range f.rows {
		if e.SourcePointID != nil && *e.SourcePointID == pointID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// fakeMastery records calls for session routing tests.
type fakeMastery struct {
	mu            sync.Mutex
	due           []*domain.KnowledgePoint
	rewarded      []uuid.UUID
	mistakeInputs []RecordMistakesInput
	rewardErr     error
	mistakeErr    error
}

func (f *fakeMastery) RecordMistakes(ctx context.Context, input RecordMistakesInput) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mistakeErr != nil {
		return nil, f.mistakeErr
	}
	f.mistakeInputs = append(f.mistakeInputs, input)
	ids := make([]uuid.UUID, 0, len(input.Records))
	for range input.Records {
		ids = append(ids, uuid.New())
	}
	return ids, nil
}

func (f *fakeMastery) RecordSuccessfulReview(ctx context.Context, pointID uuid.UUID, reportedMastery float64) (*UpdatedSchedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rewardErr != nil {
		return nil, f.rewardErr
	}
	f.rewarded = append(f.rewarded, pointID)
	return &UpdatedSchedule{PointID: pointID, NewMastery: reportedMastery + rewardPerPass, IntervalDays: 1}, nil
}

func (f *fakeMastery) GetDuePoints(ctx context.Context, referenceDate time.Time, limit int) ([]*domain.KnowledgePoint, error) {
	return f.DuePointsNow(ctx, limit)
}

func (f *fakeMastery) DuePointsNow(ctx context.Context, limit int) ([]*domain.KnowledgePoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.due
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeMastery) ReviewDay(t time.Time) time.Time {
	return calendarDay(t, 0)
}
