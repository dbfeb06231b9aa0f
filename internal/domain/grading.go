package domain

import (
	"fmt"
	"strings"

	pkgerrors "github.com/yungbote/recallmap-backend/internal/pkg/errors"
)

const (
	SeverityMajor = "major"
	SeverityMinor = "minor"
)

// ErrorRecord is one structured error found by the external grader. Field
// names follow the grader's wire format.
type ErrorRecord struct {
	Severity        string `json:"severity"`
	Category        string `json:"error_type"`
	Subcategory     string `json:"error_subtype"`
	OriginalPhrase  string `json:"original_phrase"`
	Correction      string `json:"correction"`
	Explanation     string `json:"explanation"`
	KeyPointSummary string `json:"key_point_summary"`
}

// GradingResult is the grader's verdict for one answered question. The
// engine never re-judges correctness; it only checks structural presence of
// the fields it consumes.
type GradingResult struct {
	IsCorrect              bool          `json:"is_generally_correct"`
	DidMasterReviewConcept bool          `json:"did_master_review_concept"`
	ErrorAnalysis          []ErrorRecord `json:"error_analysis"`
}

// Validate checks structural presence of required fields and wraps
// ErrMalformedInput on any hole. Grading correctness is not validated.
func (g *GradingResult) Validate() error {
	if g == nil {
		return fmt.Errorf("%w: missing grading result", pkgerrors.ErrMalformedInput)
	}
	for i, rec := range g.ErrorAnalysis {
		if err := rec.Validate(); err != nil {
			return fmt.Errorf("error record %d: %w", i, err)
		}
	}
	return nil
}

func (r *ErrorRecord) Validate() error {
	switch strings.TrimSpace(r.Severity) {
	case SeverityMajor, SeverityMinor:
	default:
		return fmt.Errorf("%w: severity must be %q or %q, got %q", pkgerrors.ErrMalformedInput, SeverityMajor, SeverityMinor, r.Severity)
	}
	if strings.TrimSpace(r.Category) == "" {
		return fmt.Errorf("%w: missing error_type", pkgerrors.ErrMalformedInput)
	}
	if strings.TrimSpace(r.Subcategory) == "" {
		return fmt.Errorf("%w: missing error_subtype", pkgerrors.ErrMalformedInput)
	}
	if strings.TrimSpace(r.Correction) == "" {
		return fmt.Errorf("%w: missing correction", pkgerrors.ErrMalformedInput)
	}
	return nil
}

// PrimaryError returns the category/subcategory of the highest-severity
// error record, preferring major errors, for the learning-event audit row.
func (g *GradingResult) PrimaryError() (category, subcategory string) {
	if g == nil || len(g.ErrorAnalysis) == 0 {
		return "", ""
	}
	for _, rec := range g.ErrorAnalysis {
		if rec.Severity == SeverityMajor {
			return rec.Category, rec.Subcategory
		}
	}
	return g.ErrorAnalysis[0].Category, g.ErrorAnalysis[0].Subcategory
}
