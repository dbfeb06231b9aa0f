package knowledge

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/recallmap-backend/internal/domain"
	"github.com/yungbote/recallmap-backend/internal/pkg/dbctx"
	"github.com/yungbote/recallmap-backend/internal/pkg/logger"
)

// LinkNeighbor is one active edge joined with the peer point's labels.
type LinkNeighbor struct {
	PointID         uuid.UUID `gorm:"column:point_id"`
	CorrectPhrase   string    `gorm:"column:correct_phrase"`
	KeyPointSummary string    `gorm:"column:key_point_summary"`
	SimilarityScore float64   `gorm:"column:similarity_score"`
	LinkType        string    `gorm:"column:link_type"`
	CreatedAt       time.Time `gorm:"column:created_at"`
}

// ActiveLinkStats summarizes the live edge set.
type ActiveLinkStats struct {
	Count    int64
	AvgScore float64
}

type LinkRepo interface {
	// CreateIfAbsent inserts the edge unless its ordered pair already exists.
	// A pre-existing inactive edge is reactivated with the fresh score and
	// counts as created; a pre-existing active edge is left unchanged.
	CreateIfAbsent(dbc dbctx.Context, row *domain.KnowledgeLink) (bool, error)
	// DeactivatePair deactivates both directions of the pair.
	DeactivatePair(dbc dbctx.Context, a, b uuid.UUID) (int64, error)
	// DeactivateByPoint deactivates every active edge touching the point.
	DeactivateByPoint(dbc dbctx.Context, pointID uuid.UUID) (int64, error)
	// DeactivateStale deactivates every active edge whose source or target is
	// archived, deleted or has no embedding. Idempotent.
	DeactivateStale(dbc dbctx.Context) (int64, error)
	ListActiveFrom(dbc dbctx.Context, pointID uuid.UUID) ([]LinkNeighbor, error)
	ListActiveTo(dbc dbctx.Context, pointID uuid.UUID) ([]LinkNeighbor, error)
	ActiveStats(dbc dbctx.Context) (ActiveLinkStats, error)
}

type linkRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewLinkRepo(db *gorm.DB, baseLog *logger.Logger) LinkRepo {
	return &linkRepo{db: db, log: baseLog.With("repo", "LinkRepo")}
}

func (r *linkRepo) dbx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *linkRepo) CreateIfAbsent(dbc dbctx.Context, row *domain.KnowledgeLink) (bool, error) {
	if row == nil || row.SourcePointID == uuid.Nil || row.TargetPointID == uuid.Nil {
		return false, nil
	}
	// Self-links are never materialized.
	if row.SourcePointID == row.TargetPointID {
		return false, nil
	}
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	now := time.Now().UTC()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now
	row.IsActive = true
	if row.LinkType == "" {
		row.LinkType = domain.LinkTypeSemantic
	}

	res := r.dbx(dbc).WithContext(dbc.Context()).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "source_point_id"},
				{Name: "target_point_id"},
			},
			DoNothing: true,
		}).
		Create(row)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}

	// The pair exists. Reactivate it if a previous cleanup turned it off;
	// an already-active edge keeps its original score.
	upd := r.dbx(dbc).WithContext(dbc.Context()).
		Model(&domain.KnowledgeLink{}).
		Where("source_point_id = ? AND target_point_id = ? AND is_active = FALSE", row.SourcePointID, row.TargetPointID).
		Updates(map[string]any{
			"is_active":        true,
			"similarity_score": row.SimilarityScore,
			"link_type":        row.LinkType,
			"updated_at":       now,
		})
	if upd.Error != nil {
		return false, upd.Error
	}
	return upd.RowsAffected > 0, nil
}

func (r *linkRepo) DeactivatePair(dbc dbctx.Context, a, b uuid.UUID) (int64, error) {
	res := r.dbx(dbc).WithContext(dbc.Context()).
		Model(&domain.KnowledgeLink{}).
		Where("((source_point_id = ? AND target_point_id = ?) OR (source_point_id = ? AND target_point_id = ?)) AND is_active = TRUE", a, b, b, a).
		Updates(map[string]any{
			"is_active":  false,
			"updated_at": time.Now().UTC(),
		})
	return res.RowsAffected, res.Error
}

func (r *linkRepo) DeactivateByPoint(dbc dbctx.Context, pointID uuid.UUID) (int64, error) {
	res := r.dbx(dbc).WithContext(dbc.Context()).
		Model(&domain.KnowledgeLink{}).
		Where("(source_point_id = ? OR target_point_id = ?) AND is_active = TRUE", pointID, pointID).
		Updates(map[string]any{
			"is_active":  false,
			"updated_at": time.Now().UTC(),
		})
	return res.RowsAffected, res.Error
}

func (r *linkRepo) DeactivateStale(dbc dbctx.Context) (int64, error) {
	res := r.dbx(dbc).WithContext(dbc.Context()).Exec(`
		UPDATE knowledge_links
		SET is_active = FALSE, updated_at = NOW()
		WHERE is_active = TRUE
		  AND (
		    NOT EXISTS (
		      SELECT 1 FROM knowledge_points p
		      WHERE p.id = knowledge_links.source_point_id
		        AND p.deleted_at IS NULL
		        AND p.is_archived = FALSE
		        AND p.embedding_vector IS NOT NULL
		    )
		    OR NOT EXISTS (
		      SELECT 1 FROM knowledge_points p
		      WHERE p.id = knowledge_links.target_point_id
		        AND p.deleted_at IS NULL
		        AND p.is_archived = FALSE
		        AND p.embedding_vector IS NOT NULL
		    )
		  )`)
	return res.RowsAffected, res.Error
}

func (r *linkRepo) ListActiveFrom(dbc dbctx.Context, pointID uuid.UUID) ([]LinkNeighbor, error) {
	return r.listActive(dbc, pointID, "source_point_id", "target_point_id")
}

func (r *linkRepo) ListActiveTo(dbc dbctx.Context, pointID uuid.UUID) ([]LinkNeighbor, error) {
	return r.listActive(dbc, pointID, "target_point_id", "source_point_id")
}

func (r *linkRepo) listActive(dbc dbctx.Context, pointID uuid.UUID, near, far string) ([]LinkNeighbor, error) {
	out := []LinkNeighbor{}
	err := r.dbx(dbc).WithContext(dbc.Context()).Raw(`
		SELECT kl.`+far+` AS point_id, kl.similarity_score, kl.link_type, kl.created_at,
		       kp.correct_phrase, kp.key_point_summary
		FROM knowledge_links kl
		JOIN knowledge_points kp ON kp.id = kl.`+far+`
		WHERE kl.`+near+` = ? AND kl.is_active = TRUE AND kp.deleted_at IS NULL
		ORDER BY kl.similarity_score DESC`,
		pointID,
	).Scan(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *linkRepo) ActiveStats(dbc dbctx.Context) (ActiveLinkStats, error) {
	var out ActiveLinkStats
	row := struct {
		Count    int64   `gorm:"column:count"`
		AvgScore float64 `gorm:"column:avg_score"`
	}{}
	err := r.dbx(dbc).WithContext(dbc.Context()).Raw(`
		SELECT COUNT(*) AS count, COALESCE(AVG(similarity_score), 0) AS avg_score
		FROM knowledge_links
		WHERE is_active = TRUE`).
		Scan(&row).Error
	if err != nil {
		return out, err
	}
	out.Count = row.Count
	out.AvgScore = row.AvgScore
	return out, nil
}
