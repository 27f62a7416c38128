// Package classifier turns free-text review feedback into a structured
// rejection event. Raw feedback never leaves this package; downstream
// components only see categories, concern tags and an opaque reference to
// the archived text.
package classifier

import (
	"time"

	"github.com/google/uuid"
)

// Category is a rejection category.
type Category string

const (
	CategoryMissingFurniture     Category = "missing_furniture"
	CategoryExtraFurniture       Category = "extra_furniture"
	CategoryStructuralChange     Category = "structural_change"
	CategoryCameraMismatch       Category = "camera_mismatch"
	CategoryVisualQuality        Category = "visual_quality"
	CategoryMinimalismPreference Category = "minimalism_preference"
	CategoryLightingIssue        Category = "lighting_issue"
	CategoryScaleProportion      Category = "scale_proportion"
	CategoryStyleMismatch        Category = "style_mismatch"
	CategoryOther                Category = "other"
)

// Categories returns every known category, CategoryOther last.
func Categories() []Category {
	return []Category{
		CategoryMissingFurniture,
		CategoryExtraFurniture,
		CategoryStructuralChange,
		CategoryCameraMismatch,
		CategoryVisualQuality,
		CategoryMinimalismPreference,
		CategoryLightingIssue,
		CategoryScaleProportion,
		CategoryStyleMismatch,
		CategoryOther,
	}
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, k := range Categories() {
		if c == k {
			return true
		}
	}
	return false
}

// Severity is the reviewer's severity hint.
type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityMajor    Severity = "major"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s == SeverityMinor || s == SeverityMajor || s == SeverityCritical
}

// Input is one rejected review to classify.
type Input struct {
	PipelineID  string   `json:"pipeline_id"`
	AssetID     string   `json:"asset_id"`
	Step        int      `json:"step"`
	RawFeedback string   `json:"raw_feedback"`
	Severity    Severity `json:"severity,omitempty"`
	// Score is an explicit upstream confidence. When nil the confidence
	// hint is derived heuristically.
	Score *float64 `json:"score,omitempty"`
	// FeedbackRef is the archive reference for RawFeedback. Generated when
	// empty.
	FeedbackRef string `json:"feedback_ref,omitempty"`
}

// Event is an immutable rejection event.
type Event struct {
	ID             string     `json:"id"`
	PipelineID     string     `json:"pipeline_id"`
	AssetID        string     `json:"asset_id"`
	StepNumber     int        `json:"step_number"`
	RawFeedbackRef string     `json:"raw_feedback_ref"`
	Categories     []Category `json:"categories"`
	Concerns       []string   `json:"concerns,omitempty"`
	ConfidenceHint float64    `json:"confidence_hint"`
	Severity       Severity   `json:"severity"`
	OccurredAt     time.Time  `json:"occurred_at"`
}

// HasCategory reports whether the event carries c.
func (e Event) HasCategory(c Category) bool {
	for _, k := range e.Categories {
		if k == c {
			return true
		}
	}
	return false
}

// NewFeedbackRef returns a fresh opaque reference for archived feedback.
func NewFeedbackRef() string {
	return "fb_" + uuid.New().String()
}
