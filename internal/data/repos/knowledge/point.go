package knowledge

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/recallmap-backend/internal/domain"
	"github.com/yungbote/recallmap-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/recallmap-backend/internal/pkg/errors"
	"github.com/yungbote/recallmap-backend/internal/pkg/logger"
)

// SimilarPoint is one nearest-neighbor hit from the vector query.
type SimilarPoint struct {
	ID              uuid.UUID `gorm:"column:id"`
	Score           float64   `gorm:"column:score"`
	CorrectPhrase   string    `gorm:"column:correct_phrase"`
	KeyPointSummary string    `gorm:"column:key_point_summary"`
}

// EmbeddingCounts summarizes embedding coverage over live points.
type EmbeddingCounts struct {
	Embedded   int64
	Missing    int64
	LastUpdate *time.Time
}

type PointRepo interface {
	Create(dbc dbctx.Context, row *domain.KnowledgePoint) error
	Update(dbc dbctx.Context, row *domain.KnowledgePoint) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.KnowledgePoint, error)
	// GetByIDForUpdate loads the point with a row lock when called inside a
	// transaction, so read-modify-write cycles serialize.
	GetByIDForUpdate(dbc dbctx.Context, id uuid.UUID) (*domain.KnowledgePoint, error)
	// GetByPhraseForUpdate resolves the point owning the dedup key, taking a
	// row lock when called inside a transaction. Archived rows are matched
	// too: the phrase is unique among all live rows, so a new mistake must
	// land on the existing row rather than collide with it.
	GetByPhraseForUpdate(dbc dbctx.Context, phrase string) (*domain.KnowledgePoint, error)
	ListDue(dbc dbctx.Context, referenceDate time.Time, limit int) ([]*domain.KnowledgePoint, error)
	ListMissingEmbedding(dbc dbctx.Context, limit int) ([]*domain.KnowledgePoint, error)
	SetEmbedding(dbc dbctx.Context, id uuid.UUID, vec domain.Vector, at time.Time) error
	SetArchived(dbc dbctx.Context, id uuid.UUID, archived bool) error
	// FindSimilar returns the nearest live, non-archived neighbors of vec with
	// cosine similarity >= threshold, best first. excludeID is skipped.
	FindSimilar(dbc dbctx.Context, vec domain.Vector, excludeID uuid.UUID, threshold float64, limit int) ([]SimilarPoint, error)
	EmbeddingCounts(dbc dbctx.Context) (EmbeddingCounts, error)
}

type pointRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPointRepo(db *gorm.DB, baseLog *logger.Logger) PointRepo {
	return &pointRepo{db: db, log: baseLog.With("repo", "PointRepo")}
}

func (r *pointRepo) dbx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *pointRepo) Create(dbc dbctx.Context, row *domain.KnowledgePoint) error {
	if row == nil {
		return nil
	}
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	now := time.Now().UTC()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now
	return r.dbx(dbc).WithContext(dbc.Context()).Create(row).Error
}

func (r *pointRepo) Update(dbc dbctx.Context, row *domain.KnowledgePoint) error {
	if row == nil || row.ID == uuid.Nil {
		return nil
	}
	row.UpdatedAt = time.Now().UTC()
	return r.dbx(dbc).WithContext(dbc.Context()).Save(row).Error
}

func (r *pointRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.KnowledgePoint, error) {
	out := &domain.KnowledgePoint{}
	err := r.dbx(dbc).WithContext(dbc.Context()).
		Where("id = ?", id).
		First(out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *pointRepo) GetByIDForUpdate(dbc dbctx.Context, id uuid.UUID) (*domain.KnowledgePoint, error) {
	out := &domain.KnowledgePoint{}
	err := r.dbx(dbc).WithContext(dbc.Context()).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *pointRepo) GetByPhraseForUpdate(dbc dbctx.Context, phrase string) (*domain.KnowledgePoint, error) {
	out := &domain.KnowledgePoint{}
	err := r.dbx(dbc).WithContext(dbc.Context()).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("correct_phrase = ?", phrase).
		First(out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *pointRepo) ListDue(dbc dbctx.Context, referenceDate time.Time, limit int) ([]*domain.KnowledgePoint, error) {
	out := []*domain.KnowledgePoint{}
	if limit <= 0 {
		return out, nil
	}
	err := r.dbx(dbc).WithContext(dbc.Context()).
		Where("is_archived = FALSE AND next_review_date <= ?", referenceDate.Format("2006-01-02")).
		Order("mastery_level ASC").
		Order("last_reviewed_on ASC NULLS FIRST").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *pointRepo) ListMissingEmbedding(dbc dbctx.Context, limit int) ([]*domain.KnowledgePoint, error) {
	out := []*domain.KnowledgePoint{}
	q := r.dbx(dbc).WithContext(dbc.Context()).
		Where("embedding_vector IS NULL AND is_archived = FALSE").
		Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *pointRepo) SetEmbedding(dbc dbctx.Context, id uuid.UUID, vec domain.Vector, at time.Time) error {
	if id == uuid.Nil || len(vec) == 0 {
		return nil
	}
	res := r.dbx(dbc).WithContext(dbc.Context()).
		Model(&domain.KnowledgePoint{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"embedding_vector":     vec,
			"embedding_updated_at": at,
			"updated_at":           time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pkgerrors.ErrNotFound
	}
	return nil
}

func (r *pointRepo) SetArchived(dbc dbctx.Context, id uuid.UUID, archived bool) error {
	res := r.dbx(dbc).WithContext(dbc.Context()).
		Model(&domain.KnowledgePoint{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"is_archived": archived,
			"updated_at":  time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pkgerrors.ErrNotFound
	}
	return nil
}

func (r *pointRepo) FindSimilar(dbc dbctx.Context, vec domain.Vector, excludeID uuid.UUID, threshold float64, limit int) ([]SimilarPoint, error) {
	out := []SimilarPoint{}
	if len(vec) == 0 || limit <= 0 {
		return out, nil
	}
	lit, err := vec.Value()
	if err != nil {
		return nil, err
	}
	err = r.dbx(dbc).WithContext(dbc.Context()).Raw(`
		SELECT id, correct_phrase, key_point_summary,
		       1 - (embedding_vector <=> ?::vector) AS score
		FROM knowledge_points
		WHERE embedding_vector IS NOT NULL
		  AND deleted_at IS NULL
		  AND is_archived = FALSE
		  AND id <> ?
		  AND 1 - (embedding_vector <=> ?::vector) >= ?
		ORDER BY embedding_vector <=> ?::vector
		LIMIT ?`,
		lit, excludeID, lit, threshold, lit, limit,
	).Scan(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *pointRepo) EmbeddingCounts(dbc dbctx.Context) (EmbeddingCounts, error) {
	var out EmbeddingCounts
	row := struct {
		Embedded   int64      `gorm:"column:embedded"`
		Missing    int64      `gorm:"column:missing"`
		LastUpdate *time.Time `gorm:"column:last_update"`
	}{}
	err := r.dbx(dbc).WithContext(dbc.Context()).Raw(`
		SELECT COUNT(*) FILTER (WHERE embedding_vector IS NOT NULL) AS embedded,
		       COUNT(*) FILTER (WHERE embedding_vector IS NULL) AS missing,
		       MAX(embedding_updated_at) AS last_update
		FROM knowledge_points
		WHERE deleted_at IS NULL AND is_archived = FALSE`).
		Scan(&row).Error
	if err != nil {
		return out, err
	}
	out.Embedded = row.Embedded
	out.Missing = row.Missing
	out.LastUpdate = row.LastUpdate
	return out, nil
}
