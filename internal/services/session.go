package services

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/recallmap-backend/internal/data/repos/knowledge"
	"github.com/yungbote/recallmap-backend/internal/domain"
	"github.com/yungbote/recallmap-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/recallmap-backend/internal/pkg/errors"
	"github.com/yungbote/recallmap-backend/internal/pkg/logger"
)

// SessionItem is one question slot in an assembled practice session. Review
// items carry the point under review; new items come from the caller's
// fresh material and have no point yet.
type SessionItem struct {
	QuestionType    string     `json:"question_type"`
	PointID         *uuid.UUID `json:"point_id,omitempty"`
	CorrectPhrase   string     `json:"correct_phrase,omitempty"`
	KeyPointSummary string     `json:"key_point_summary,omitempty"`
	MasteryLevel    float64    `json:"mastery_level,omitempty"`
	ContextSentence string     `json:"context_sentence,omitempty"`
	Prompt          string     `json:"prompt"`
}

// SubmitInput is one graded answer. EventID is chosen by the caller and is
// the idempotency key: replays with the same id are acknowledged without
// reapplying any mastery change.
type SubmitInput struct {
	EventID             uuid.UUID            `json:"event_id"`
	QuestionType        string               `json:"question_type"`
	SourcePointID       *uuid.UUID           `json:"source_point_id,omitempty"`
	ReviewedPhrase      string               `json:"reviewed_phrase,omitempty"`
	ReportedMastery     float64              `json:"reported_mastery,omitempty"`
	PromptSentence      string               `json:"prompt_sentence"`
	UserAnswer          string               `json:"user_answer"`
	ResponseTimeSeconds *float64             `json:"response_time_seconds,omitempty"`
	Result              domain.GradingResult `json:"result"`
}

// SubmitOutcome reports what one submission did.
type SubmitOutcome struct {
	EventID          uuid.UUID        `json:"event_id"`
	AlreadyProcessed bool             `json:"already_processed"`
	IsCorrect        bool             `json:"is_correct"`
	Schedule         *UpdatedSchedule `json:"schedule,omitempty"`
	MistakePointIDs  []uuid.UUID      `json:"mistake_point_ids,omitempty"`
}

// SessionService assembles practice sessions and routes graded answers into
// the mastery engine plus the immutable learning-event log.
type SessionService interface {
	// BuildSession interleaves up to maxReview due points with the supplied
	// new items and shuffles the result. Forced new material is never
	// crowded out by the review backlog.
	BuildSession(ctx context.Context, maxReview int, newItems []SessionItem) ([]SessionItem, error)
	// SubmitResult records the graded answer exactly once and applies the
	// mastery consequences: reward on a mastered review, penalties for every
	// other error record in the grading.
	SubmitResult(ctx context.Context, input SubmitInput) (*SubmitOutcome, error)
}

type sessionService struct {
	log     *logger.Logger
	mastery MasteryService
	events  knowledge.EventRepo
	shuffle func(n int, swap func(i, j int))
}

func NewSessionService(log *logger.Logger, mastery MasteryService, events knowledge.EventRepo) SessionService {
	return &sessionService{
		log:     log.With("service", "SessionService"),
		mastery: mastery,
		events:  events,
		shuffle: rand.Shuffle,
	}
}

func (s *sessionService) BuildSession(ctx context.Context, maxReview int, newItems []SessionItem) ([]SessionItem, error) {
	due, err := s.mastery.DuePointsNow(ctx, maxReview)
	if err != nil {
		return nil, err
	}

	items := make([]SessionItem, 0, len(due)+len(newItems))
	for _, pt := range due {
		id := pt.ID
		items = append(items, SessionItem{
			QuestionType:    domain.QuestionTypeReview,
			PointID:         &id,
			CorrectPhrase:   pt.CorrectPhrase,
			KeyPointSummary: pt.KeyPointSummary,
			MasteryLevel:    pt.MasteryLevel,
			ContextSentence: pt.UserContextSentence,
			Prompt:          pt.KeyPointSummary,
		})
	}
	for _, it := range newItems {
		it.QuestionType = domain.QuestionTypeNew
		it.PointID = nil
		items = append(items, it)
	}

	s.shuffle(len(items), func(i, j int) {
		items[i], items[j] = items[j], items[i]
	})
	return items, nil
}

func (s *sessionService) validate(input *SubmitInput) error {
	if input.EventID == uuid.Nil {
		return fmt.Errorf("%w: missing event id", pkgerrors.ErrMalformedInput)
	}
	switch input.QuestionType {
	case domain.QuestionTypeNew:
	case domain.QuestionTypeReview:
		if input.SourcePointID == nil || *input.SourcePointID == uuid.Nil {
			return fmt.Errorf("%w: review submission missing source point id", pkgerrors.ErrMalformedInput)
		}
	default:
		return fmt.Errorf("%w: question_type must be %q or %q", pkgerrors.ErrMalformedInput, domain.QuestionTypeNew, domain.QuestionTypeReview)
	}
	if strings.TrimSpace(input.PromptSentence) == "" {
		return fmt.Errorf("%w: missing prompt sentence", pkgerrors.ErrMalformedInput)
	}
	return input.Result.Validate()
}

func (s *sessionService) SubmitResult(ctx context.Context, input SubmitInput) (*SubmitOutcome, error) {
	if err := s.validate(&input); err != nil {
		return nil, err
	}

	isReview := input.QuestionType == domain.QuestionTypeReview
	// A review answer passes on the reviewed concept alone; unrelated minor
	// slips do not fail the review.
	isCorrect := input.Result.IsCorrect
	if isReview {
		isCorrect = input.Result.DidMasterReviewConcept
	}

	feedback, err := json.Marshal(input.Result)
	if err != nil {
		return nil, fmt.Errorf("%w: encode grading result: %v", pkgerrors.ErrMalformedInput, err)
	}
	cat, subcat := input.Result.PrimaryError()

	created, err := s.events.Insert(dbctx.Context{Ctx: ctx}, &domain.LearningEvent{
		ID:                  input.EventID,
		QuestionType:        input.QuestionType,
		SourcePointID:       input.SourcePointID,
		PromptSentence:      input.PromptSentence,
		UserAnswer:          input.UserAnswer,
		IsCorrect:           isCorrect,
		ResponseTimeSeconds: input.ResponseTimeSeconds,
		ErrorCategory:       cat,
		ErrorSubcategory:    subcat,
		Feedback:            datatypes.JSON(feedback),
	})
	if err != nil {
		return nil, err
	}
	if !created {
		s.log.Debug("Duplicate submission acknowledged", "event_id", input.EventID.String())
		return &SubmitOutcome{
			EventID:          input.EventID,
			AlreadyProcessed: true,
			IsCorrect:        isCorrect,
		}, nil
	}

	out := &SubmitOutcome{EventID: input.EventID, IsCorrect: isCorrect}

	if isReview && input.Result.DidMasterReviewConcept {
		sched, err := s.mastery.RecordSuccessfulReview(ctx, *input.SourcePointID, input.ReportedMastery)
		if err != nil {
			return out, err
		}
		out.Schedule = sched
	}

	if len(input.Result.ErrorAnalysis) > 0 {
		exclude := ""
		if isReview {
			exclude = input.ReviewedPhrase
		}
		ids, err := s.mastery.RecordMistakes(ctx, RecordMistakesInput{
			Records:         input.Result.ErrorAnalysis,
			ContextSentence: input.UserAnswer,
			ExcludePhrase:   exclude,
		})
		out.MistakePointIDs = ids
		if err != nil {
			return out, err
		}
	}

	return out, nil
}
