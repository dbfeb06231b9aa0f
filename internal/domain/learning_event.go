package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	QuestionTypeNew    = "new"
	QuestionTypeReview = "review"
)

// LearningEvent is an immutable audit row for one graded answer. The id is
// supplied by the caller and doubles as the idempotency key: submitting the
// same answer twice inserts exactly one row.
type LearningEvent struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	QuestionType  string     `gorm:"column:question_type;not null" json:"question_type"`
	SourcePointID *uuid.UUID `gorm:"type:uuid;column:source_point_id;index" json:"source_point_id,omitempty"`

	PromptSentence string `gorm:"column:prompt_sentence;not null" json:"prompt_sentence"`
	UserAnswer     string `gorm:"column:user_answer" json:"user_answer"`
	IsCorrect      bool   `gorm:"column:is_correct;not null" json:"is_correct"`

	ResponseTimeSeconds *float64 `gorm:"column:response_time_seconds" json:"response_time_seconds,omitempty"`

	ErrorCategory    string         `gorm:"column:error_category" json:"error_category"`
	ErrorSubcategory string         `gorm:"column:error_subcategory" json:"error_subcategory"`
	Feedback         datatypes.JSON `gorm:"type:jsonb;column:feedback" json:"feedback,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
}

func (LearningEvent) TableName() string { return "learning_events" }
