// Package external declares the generation and review services the
// orchestrator drives, and a resilient wrapper around them.
package external

import (
	"context"
	"errors"
	"fmt"

	"github.com/MSA-I/RE-TOUR-sub006/internal/classifier"
)

// Failure classes. Wrap a transport error with one of them so callers can
// tell whether trying again may help.
var (
	ErrRetryable   = errors.New("retryable external failure")
	ErrFatal       = errors.New("fatal external failure")
	ErrCircuitOpen = errors.New("external circuit open")
)

// Retryable marks err as retryable.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrRetryable, err)
}

// Fatal marks err as not worth retrying.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrFatal, err)
}

// IsRetryable reports whether err was marked retryable and not fatal.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRetryable) && !errors.Is(err, ErrFatal)
}

// OutputRef points at a generated asset held by the asset store.
type OutputRef struct {
	AssetID string `json:"asset_id"`
	URI     string `json:"uri,omitempty"`
}

// GenerateRequest asks for one generation attempt.
type GenerateRequest struct {
	PipelineID  string   `json:"pipeline_id"`
	Phase       string   `json:"phase"`
	Step        int      `json:"step"`
	Attempt     int      `json:"attempt"`
	Prompt      string   `json:"prompt"`
	Constraints []string `json:"constraints,omitempty"`
	InputRefs   []string `json:"input_refs,omitempty"`
}

// Generator produces output for a pipeline step.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (OutputRef, error)
}

// Decision is the reviewer's verdict.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// ReviewRequest asks for a quality review of one output.
type ReviewRequest struct {
	PipelineID string    `json:"pipeline_id"`
	Phase      string    `json:"phase"`
	Step       int       `json:"step"`
	Output     OutputRef `json:"output"`
}

// Review is the reviewer's answer. RawFeedback is only ever fed to the
// classifier.
type Review struct {
	Decision    Decision            `json:"decision"`
	Severity    classifier.Severity `json:"severity,omitempty"`
	Score       *float64            `json:"score,omitempty"`
	RawFeedback string              `json:"raw_feedback,omitempty"`
}

// Reviewer judges generated output.
type Reviewer interface {
	Review(ctx context.Context, req ReviewRequest) (Review, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req GenerateRequest) (OutputRef, error)

// Generate implements Generator.
func (f GeneratorFunc) Generate(ctx context.Context, req GenerateRequest) (OutputRef, error) {
	return f(ctx, req)
}

// ReviewerFunc adapts a function to Reviewer.
type ReviewerFunc func(ctx context.Context, req ReviewRequest) (Review, error)

// Review implements Reviewer.
func (f ReviewerFunc) Review(ctx context.Context, req ReviewRequest) (Review, error) {
	return f(ctx, req)
}
