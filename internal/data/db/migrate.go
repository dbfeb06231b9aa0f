package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/yungbote/recallmap-backend/internal/domain"
)

func (s *PostgresService) AutoMigrateAll() error {
	if err := AutoMigrateAll(s.db); err != nil {
		return err
	}
	return EnsureIndexes(s.db)
}

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.KnowledgePoint{},
		&domain.LearningEvent{},
		&domain.KnowledgeLink{},
	)
}

// EnsureIndexes creates the indexes AutoMigrate cannot express: the partial
// uniqueness of correct_phrase over non-deleted rows, the due-scan index and
// the approximate cosine index for neighbor queries.
func EnsureIndexes(db *gorm.DB) error {
	stmts := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_knowledge_points_phrase_live
		   ON knowledge_points (correct_phrase)
		   WHERE deleted_at IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_knowledge_points_due
		   ON knowledge_points (next_review_date, mastery_level)
		   WHERE deleted_at IS NULL AND is_archived = FALSE`,
		`CREATE INDEX IF NOT EXISTS idx_knowledge_points_embedding
		   ON knowledge_points
		   USING ivfflat (embedding_vector vector_cosine_ops)
		   WITH (lists = 100)`,
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("ensure index: %w", err)
		}
	}
	return nil
}
