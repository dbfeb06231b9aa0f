package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	LinkTypeSemantic = "semantic_similarity"
	LinkTypeManual   = "manual"
)

// KnowledgeLink is a directed similarity edge between two knowledge points.
// At most one row exists per ordered (source, target) pair; the A->B and
// B->A rows have independent lifecycles even though their scores start
// equal. Edges are deactivated, never deleted, when an endpoint goes away.
type KnowledgeLink struct {
	ID              uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	SourcePointID   uuid.UUID `gorm:"type:uuid;column:source_point_id;not null;index:idx_link_pair,unique" json:"source_point_id"`
	TargetPointID   uuid.UUID `gorm:"type:uuid;column:target_point_id;not null;index:idx_link_pair,unique" json:"target_point_id"`
	SimilarityScore float64   `gorm:"column:similarity_score;not null" json:"similarity_score"`
	LinkType        string    `gorm:"column:link_type;not null;default:'semantic_similarity'" json:"link_type"`
	IsActive        bool      `gorm:"column:is_active;not null;default:true;index" json:"is_active"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (KnowledgeLink) TableName() string { return "knowledge_links" }
