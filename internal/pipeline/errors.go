package pipeline

import "errors"

// Registry errors.
var (
	ErrUnknownPhase    = errors.New("unknown phase")
	ErrInvalidRegistry = errors.New("invalid phase registry")
)

// Transition errors.
var (
	ErrStaleTransition      = errors.New("stale transition")
	ErrNoLegalTransition    = errors.New("no legal transition")
	ErrAwaitingConfirmation = errors.New("phase requires external confirmation")
	ErrBlockedForReview     = errors.New("pipeline is blocked for review")
	ErrMaxAttemptsExceeded  = errors.New("maximum attempts exceeded")
	ErrInvalidOutcome       = errors.New("invalid attempt outcome")
)

// Lookup errors.
var (
	ErrPipelineNotFound = errors.New("pipeline not found")
	ErrPipelineExists   = errors.New("pipeline already exists")
	ErrEmptyPipelineID  = errors.New("pipeline id is required")
)
