package repos

import (
	"gorm.io/gorm"

	"github.com/yungbote/recallmap-backend/internal/data/repos/knowledge"
	"github.com/yungbote/recallmap-backend/internal/pkg/logger"
)

type PointRepo = knowledge.PointRepo
type LinkRepo = knowledge.LinkRepo
type EventRepo = knowledge.EventRepo

func NewPointRepo(db *gorm.DB, baseLog *logger.Logger) PointRepo {
	return knowledge.NewPointRepo(db, baseLog)
}
func NewLinkRepo(db *gorm.DB, baseLog *logger.Logger) LinkRepo {
	return knowledge.NewLinkRepo(db, baseLog)
}
func NewEventRepo(db *gorm.DB, baseLog *logger.Logger) EventRepo {
	return knowledge.NewEventRepo(db, baseLog)
}
