package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// KnowledgePoint is a deduplicated, persistent record of one specific
// mistake a learner must practice. correct_phrase is the natural dedup key:
// grading results that resolve to the same corrected phrase update the same
// row. Mastery/scheduling fields are owned by the mastery service; the
// embedding fields and all links are owned by the linking service.
type KnowledgePoint struct {
	ID          uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	Category    string    `gorm:"column:category;not null" json:"category"`
	Subcategory string    `gorm:"column:subcategory;not null" json:"subcategory"`
	// Canonical corrected form; unique among non-deleted rows (partial index).
	CorrectPhrase   string `gorm:"column:correct_phrase;not null" json:"correct_phrase"`
	Explanation     string `gorm:"column:explanation" json:"explanation"`
	KeyPointSummary string `gorm:"column:key_point_summary" json:"key_point_summary"`

	// Most recent offending context; overwritten on every new mistake.
	UserContextSentence      string `gorm:"column:user_context_sentence" json:"user_context_sentence"`
	IncorrectPhraseInContext string `gorm:"column:incorrect_phrase_in_context" json:"incorrect_phrase_in_context"`

	MasteryLevel   float64    `gorm:"column:mastery_level;not null;default:0" json:"mastery_level"`
	MistakeCount   int        `gorm:"column:mistake_count;not null;default:0" json:"mistake_count"`
	CorrectCount   int        `gorm:"column:correct_count;not null;default:0" json:"correct_count"`
	LastReviewedOn *time.Time `gorm:"column:last_reviewed_on" json:"last_reviewed_on,omitempty"`
	NextReviewDate time.Time  `gorm:"column:next_review_date;type:date;index" json:"next_review_date"`

	IsArchived bool `gorm:"column:is_archived;not null;default:false;index" json:"is_archived"`

	EmbeddingVector    Vector     `gorm:"column:embedding_vector" json:"-"`
	EmbeddingUpdatedAt *time.Time `gorm:"column:embedding_updated_at" json:"embedding_updated_at,omitempty"`

	CreatedAt time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (KnowledgePoint) TableName() string { return "knowledge_points" }

// HasEmbedding reports whether the point carries a usable embedding vector.
func (p *KnowledgePoint) HasEmbedding() bool {
	return p != nil && len(p.EmbeddingVector) > 0
}
