package pipeline

import (
	"context"
	"time"
)

// DefaultMaxAttempts is the per-step attempt budget.
const DefaultMaxAttempts = 5

// Status is the lifecycle status of a pipeline.
type Status string

const (
	StatusActive    Status = "active"
	StatusBlocked   Status = "blocked_for_review"
	StatusCompleted Status = "completed"
)

// BlockReason explains why a pipeline stopped for human review.
type BlockReason string

const (
	BlockReasonMaxAttempts BlockReason = "max_attempts_exceeded"
	BlockReasonCritical    BlockReason = "critical_rejection"
)

// Outcome is the review result of one attempt at a step.
type Outcome string

const (
	OutcomeApproved          Outcome = "approved"
	OutcomeRejectedRetryable Outcome = "rejected_retryable"
	OutcomeRejectedCritical  Outcome = "rejected_critical"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeApproved, OutcomeRejectedRetryable, OutcomeRejectedCritical:
		return true
	}
	return false
}

// State is the persisted state of one pipeline. The current step is not
// stored; it is derived from CurrentPhase through the registry.
type State struct {
	ID               string      `json:"id"`
	OwnerRef         string      `json:"owner_ref"`
	CurrentPhase     Phase       `json:"current_phase"`
	AttemptCount     int         `json:"attempt_count"`
	MaxAttempts      int         `json:"max_attempts"`
	Status           Status      `json:"status"`
	BlockReason      BlockReason `json:"block_reason,omitempty"`
	LastErrorSummary string      `json:"last_error_summary,omitempty"`
	Generation       int64       `json:"generation"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// Step derives the current step from the current phase.
func (s *State) Step(reg *Registry) (int, error) {
	return reg.StepOf(s.CurrentPhase)
}

// View is a State together with its derived step, as returned to callers.
type View struct {
	State
	CurrentStep int `json:"current_step"`
}

// AuditAction labels an audit record.
type AuditAction string

const (
	AuditCreated    AuditAction = "created"
	AuditTransition AuditAction = "transition"
	AuditAttempt    AuditAction = "attempt"
	AuditBlocked    AuditAction = "blocked"
	AuditReset      AuditAction = "reset"
	AuditConfirmed  AuditAction = "confirmed"
)

// AuditRecord is an append-only entry describing one change to a pipeline.
type AuditRecord struct {
	ID           string      `json:"id"`
	PipelineID   string      `json:"pipeline_id"`
	Action       AuditAction `json:"action"`
	FromPhase    Phase       `json:"from_phase,omitempty"`
	ToPhase      Phase       `json:"to_phase,omitempty"`
	FromStep     int         `json:"from_step"`
	ToStep       int         `json:"to_step"`
	Outcome      Outcome     `json:"outcome,omitempty"`
	AttemptCount int         `json:"attempt_count"`
	Detail       string      `json:"detail,omitempty"`
	OccurredAt   time.Time   `json:"occurred_at"`
}

// Store persists pipeline state and its audit trail.
type Store interface {
	CreatePipeline(ctx context.Context, state *State) error
	GetPipeline(ctx context.Context, id string) (*State, error)
	SavePipeline(ctx context.Context, state *State) error
	ListPipelines(ctx context.Context, status Status) ([]*State, error)
	AppendAudit(ctx context.Context, rec AuditRecord) error
	ListAudit(ctx context.Context, pipelineID string) ([]AuditRecord, error)
}

// Transactor runs fn in a store transaction carried by the context passed
// to fn. Returning an error from fn discards every write made through that
// context.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type passthroughTx struct{}

func (passthroughTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
