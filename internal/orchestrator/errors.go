package orchestrator

import "errors"

var (
	// ErrInfrastructureFailure reports that a generation or review call
	// failed or timed out. It is never recorded as a quality rejection.
	ErrInfrastructureFailure = errors.New("infrastructure failure")

	ErrInvalidDecision = errors.New("invalid review decision")
	ErrMissingPipeline = errors.New("pipeline id is required")
)
