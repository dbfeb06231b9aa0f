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

type EventRepo interface {
	// Insert appends the event unless its id already exists. The returned
	// flag is false on an idempotent replay.
	Insert(dbc dbctx.Context, row *domain.LearningEvent) (bool, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.LearningEvent, error)
	ListBySourcePoint(dbc dbctx.Context, pointID uuid.UUID, limit int) ([]*domain.LearningEvent, error)
}

type eventRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewEventRepo(db *gorm.DB, baseLog *logger.Logger) EventRepo {
	return &eventRepo{db: db, log: baseLog.With("repo", "EventRepo")}
}

func (r *eventRepo) dbx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *eventRepo) Insert(dbc dbctx.Context, row *domain.LearningEvent) (bool, error) {
	if row == nil || row.ID == uuid.Nil {
		return false, nil
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	res := r.dbx(dbc).WithContext(dbc.Context()).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoNothing: true,
		}).
		Create(row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *eventRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.LearningEvent, error) {
	out := &domain.LearningEvent{}
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

func (r *eventRepo) ListBySourcePoint(dbc dbctx.Context, pointID uuid.UUID, limit int) ([]*domain.LearningEvent, error) {
	out := []*domain.LearningEvent{}
	q := r.dbx(dbc).WithContext(dbc.Context()).
		Where("source_point_id = ?", pointID).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
