package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/recallmap-backend/internal/data/repos/knowledge"
	"github.com/yungbote/recallmap-backend/internal/domain"
	"github.com/yungbote/recallmap-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/recallmap-backend/internal/pkg/errors"
	"github.com/yungbote/recallmap-backend/internal/pkg/logger"
	"github.com/yungbote/recallmap-backend/internal/utils"
)

const (
	masteryCeiling = 5.0
	rewardPerPass  = 0.25
	penaltyMajor   = 0.5
	penaltyMinor   = 0.2
)

// MasteryConfig tunes the scheduling engine. TZOffset shifts the calendar
// day used for "today"; learners in UTC+8 get their new review day at their
// local midnight instead of UTC midnight.
type MasteryConfig struct {
	TZOffset        time.Duration
	ConflictRetries int
}

func LoadMasteryConfig(log *logger.Logger) MasteryConfig {
	offsetMin := utils.GetEnvAsInt("REVIEW_TZ_OFFSET_MINUTES", 480, log)
	retries := utils.GetEnvAsInt("MASTERY_CONFLICT_RETRIES", 3, log)
	if retries < 0 {
		retries = 0
	}
	return MasteryConfig{
		TZOffset:        time.Duration(offsetMin) * time.Minute,
		ConflictRetries: retries,
	}
}

// RecordMistakesInput carries one grading pass worth of error records.
// ExcludePhrase names the corrected phrase already being reviewed by the
// surrounding question, so the reviewed point is not double-penalized.
type RecordMistakesInput struct {
	Records         []domain.ErrorRecord
	ContextSentence string
	ExcludePhrase   string
}

// UpdatedSchedule reports the scheduling outcome of a successful review.
type UpdatedSchedule struct {
	PointID        uuid.UUID `json:"point_id"`
	NewMastery     float64   `json:"new_mastery"`
	IntervalDays   int       `json:"interval_days"`
	NextReviewDate time.Time `json:"next_review_date"`
}

// MasteryService owns the mastery/scheduling fields of knowledge points.
// Every mutation runs in its own transaction behind a row lock, so
// concurrent submissions against the same point serialize instead of
// losing updates.
type MasteryService interface {
	// RecordMistakes upserts one point per error record, applying the
	// severity penalty and scheduling a retest for tomorrow. Returns the ids
	// of the touched points in record order (excluded records are skipped).
	RecordMistakes(ctx context.Context, input RecordMistakesInput) ([]uuid.UUID, error)
	// RecordSuccessfulReview applies the reward to the stored mastery level
	// and pushes the next review out exponentially. reportedMastery is the
	// caller's last-seen level, logged when it drifts from the stored row.
	RecordSuccessfulReview(ctx context.Context, pointID uuid.UUID, reportedMastery float64) (*UpdatedSchedule, error)
	// GetDuePoints lists non-archived points due on or before referenceDate,
	// weakest mastery first, never-reviewed first within equal mastery.
	GetDuePoints(ctx context.Context, referenceDate time.Time, limit int) ([]*domain.KnowledgePoint, error)
	// DuePointsNow is GetDuePoints anchored at the learner's current day.
	DuePointsNow(ctx context.Context, limit int) ([]*domain.KnowledgePoint, error)
	// ReviewDay returns the learner-local calendar day containing t.
	ReviewDay(t time.Time) time.Time
}

type masteryService struct {
	cfg    MasteryConfig
	db     *gorm.DB
	log    *logger.Logger
	points knowledge.PointRepo
}

func NewMasteryService(cfg MasteryConfig, db *gorm.DB, log *logger.Logger, points knowledge.PointRepo) MasteryService {
	return &masteryService{
		cfg:    cfg,
		db:     db,
		log:    log.With("service", "MasteryService"),
		points: points,
	}
}

// mistakePenalty maps grader severity to the mastery deduction.
func mistakePenalty(severity string) float64 {
	if severity == domain.SeverityMajor {
		return penaltyMajor
	}
	return penaltyMinor
}

func applyPenalty(mastery, penalty float64) float64 {
	return math.Max(0, mastery-penalty)
}

func applyReward(mastery float64) float64 {
	return math.Min(masteryCeiling, mastery+rewardPerPass)
}

// nextIntervalDays is the exponential backoff of the review schedule:
// max(1, round(2^mastery)) days.
func nextIntervalDays(mastery float64) int {
	d := int(math.Round(math.Pow(2, mastery)))
	if d < 1 {
		return 1
	}
	return d
}

// calendarDay truncates t to the calendar date it falls on after shifting
// by offset. The result is midnight UTC of that date.
func calendarDay(t time.Time, offset time.Duration) time.Time {
	shifted := t.UTC().Add(offset)
	y, m, d := shifted.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (s *masteryService) ReviewDay(t time.Time) time.Time {
	return calendarDay(t, s.cfg.TZOffset)
}

// isWriteConflict reports whether err is a transient serialization failure,
// deadlock, or dedup-key race worth retrying on a fresh transaction.
func isWriteConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "could not serialize access") ||
		strings.Contains(msg, "deadlock detected") ||
		strings.Contains(msg, "sqlstate 40001") ||
		strings.Contains(msg, "sqlstate 40p01") ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
}

func (s *masteryService) withConflictRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !isWriteConflict(err) {
			return err
		}
		if attempt >= s.cfg.ConflictRetries {
			break
		}
		s.log.Warn("Write conflict, retrying", "attempt", attempt+1, "error", err.Error())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(25*(attempt+1)) * time.Millisecond):
		}
	}
	return fmt.Errorf("%w: %v", pkgerrors.ErrConflictRetry, err)
}

func (s *masteryService) RecordMistakes(ctx context.Context, input RecordMistakesInput) ([]uuid.UUID, error) {
	for i := range input.Records {
		if err := input.Records[i].Validate(); err != nil {
			return nil, fmt.Errorf("error record %d: %w", i, err)
		}
	}

	exclude := strings.TrimSpace(input.ExcludePhrase)
	ids := make([]uuid.UUID, 0, len(input.Records))
	for i := range input.Records {
		rec := input.Records[i]
		if exclude != "" && strings.TrimSpace(rec.Correction) == exclude {
			continue
		}
		id, err := s.recordOne(ctx, rec, input.ContextSentence)
		if err != nil {
			return ids, fmt.Errorf("record mistake %q: %w", rec.Correction, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// recordOne upserts the point keyed by the record's correction inside one
// transaction. The dedup lookup takes a row lock, so two submissions hitting
// the same phrase apply both penalties instead of one clobbering the other.
// A lost insert race surfaces as a unique violation and is retried, at which
// point the lookup finds the winner's row.
func (s *masteryService) recordOne(ctx context.Context, rec domain.ErrorRecord, contextSentence string) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.withConflictRetry(ctx, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			dbc := dbctx.Context{Ctx: ctx, Tx: tx}
			now := time.Now().UTC()
			retest := s.ReviewDay(now).AddDate(0, 0, 1)

			pt, err := s.points.GetByPhraseForUpdate(dbc, rec.Correction)
			if err != nil && !errors.Is(err, pkgerrors.ErrNotFound) {
				return err
			}

			if errors.Is(err, pkgerrors.ErrNotFound) {
				pt = &domain.KnowledgePoint{
					ID:                       uuid.New(),
					Category:                 rec.Category,
					Subcategory:              rec.Subcategory,
					CorrectPhrase:            rec.Correction,
					Explanation:              rec.Explanation,
					KeyPointSummary:          rec.KeyPointSummary,
					UserContextSentence:      contextSentence,
					IncorrectPhraseInContext: rec.OriginalPhrase,
					MasteryLevel:             0,
					MistakeCount:             1,
					LastReviewedOn:           &now,
					NextReviewDate:           retest,
				}
				if err := s.points.Create(dbc, pt); err != nil {
					return err
				}
				id = pt.ID
				return nil
			}

			pt.MasteryLevel = applyPenalty(pt.MasteryLevel, mistakePenalty(rec.Severity))
			pt.MistakeCount++
			if strings.TrimSpace(rec.KeyPointSummary) != "" {
				pt.KeyPointSummary = rec.KeyPointSummary
			}
			pt.UserContextSentence = contextSentence
			pt.IncorrectPhraseInContext = rec.OriginalPhrase
			pt.LastReviewedOn = &now
			pt.NextReviewDate = retest
			// A repeated mistake revives an archived point; it needs
			// practice again.
			pt.IsArchived = false
			if err := s.points.Update(dbc, pt); err != nil {
				return err
			}
			id = pt.ID
			return nil
		})
	})
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func (s *masteryService) RecordSuccessfulReview(ctx context.Context, pointID uuid.UUID, reportedMastery float64) (*UpdatedSchedule, error) {
	if pointID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing point id", pkgerrors.ErrMalformedInput)
	}

	var out *UpdatedSchedule
	err := s.withConflictRetry(ctx, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			dbc := dbctx.Context{Ctx: ctx, Tx: tx}
			now := time.Now().UTC()

			pt, err := s.points.GetByIDForUpdate(dbc, pointID)
			if err != nil {
				return err
			}

			// The stored row wins over the caller's snapshot; a concurrent
			// mistake between fetch and submit must not be overwritten.
			if math.Abs(pt.MasteryLevel-reportedMastery) > 1e-9 {
				s.log.Debug("Reported mastery drifted from stored level",
					"point_id", pointID.String(),
					"reported", reportedMastery,
					"stored", pt.MasteryLevel,
				)
			}

			newMastery := applyReward(pt.MasteryLevel)
			days := nextIntervalDays(newMastery)
			next := s.ReviewDay(now).AddDate(0, 0, days)

			pt.MasteryLevel = newMastery
			pt.CorrectCount++
			pt.LastReviewedOn = &now
			pt.NextReviewDate = next
			if err := s.points.Update(dbc, pt); err != nil {
				return err
			}

			out = &UpdatedSchedule{
				PointID:        pt.ID,
				NewMastery:     newMastery,
				IntervalDays:   days,
				NextReviewDate: next,
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *masteryService) GetDuePoints(ctx context.Context, referenceDate time.Time, limit int) ([]*domain.KnowledgePoint, error) {
	return s.points.ListDue(dbctx.Context{Ctx: ctx}, referenceDate, limit)
}

func (s *masteryService) DuePointsNow(ctx context.Context, limit int) ([]*domain.KnowledgePoint, error) {
	return s.GetDuePoints(ctx, s.ReviewDay(time.Now()), limit)
}
