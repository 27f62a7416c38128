package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/MSA-I/RE-TOUR-sub006/internal/events"
)

// Service is the only writer of pipeline state. Operations on one pipeline
// are serialized; operations on distinct pipelines never share a lock.
type Service struct {
	registry    *Registry
	store       Store
	tx          Transactor
	locks       *keyedMutex
	publisher   events.Publisher
	log         *Logger
	metrics     *Metrics
	now         func() time.Time
	maxAttempts int
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher sets the event publisher. Defaults to events.Nop.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.publisher = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.log = NewLogger(l) }
}

// WithMetrics sets the OTEL metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithDefaultMaxAttempts sets the attempt budget used when Create is
// called without one.
func WithDefaultMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithTransactor sets the transaction runner. By default the store is used
// when it implements Transactor.
func WithTransactor(tx Transactor) Option {
	return func(s *Service) {
		if tx != nil {
			s.tx = tx
		}
	}
}

// NewService creates the state transition service.
func NewService(reg *Registry, store Store, opts ...Option) (*Service, error) {
	if reg == nil {
		return nil, errors.New("registry is required for pipeline service")
	}
	if store == nil {
		return nil, errors.New("store is required for pipeline service")
	}
	s := &Service{
		registry:    reg,
		store:       store,
		tx:          passthroughTx{},
		locks:       newKeyedMutex(),
		publisher:   events.Nop{},
		log:         NewLogger(nil),
		now:         time.Now,
		maxAttempts: DefaultMaxAttempts,
	}
	if tx, ok := store.(Transactor); ok {
		s.tx = tx
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Registry returns the phase registry the service runs on.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Create registers a new pipeline at the entry phase. An empty id is
// replaced by a generated one; maxAttempts <= 0 uses the default budget.
func (s *Service) Create(ctx context.Context, id, ownerRef string, maxAttempts int) (View, error) {
	if id == "" {
		id = uuid.New().String()
	}
	if maxAttempts <= 0 {
		maxAttempts = s.maxAttempts
	}
	ctx, span := StartSpan(ctx, "pipeline.Create", id)
	defer span.End()

	unlock := s.locks.Lock(id)
	defer unlock()

	now := s.now().UTC()
	st := &State{
		ID:           id,
		OwnerRef:     ownerRef,
		CurrentPhase: s.registry.FirstPhase(),
		MaxAttempts:  maxAttempts,
		Status:       StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.store.CreatePipeline(ctx, st); err != nil {
			return err
		}
		return s.store.AppendAudit(ctx, AuditRecord{
			ID:         uuid.New().String(),
			PipelineID: id,
			Action:     AuditCreated,
			ToPhase:    st.CurrentPhase,
			OccurredAt: now,
		})
	})
	if err != nil {
		s.fail(ctx, "create", id, err)
		return View{}, err
	}
	s.log.Created(ctx, st)
	s.publish(ctx, events.NewPipelineEvent(events.TypeCreated, id, ownerRef, nil))
	return s.view(st)
}

// Get returns the pipeline with its derived step.
func (s *Service) Get(ctx context.Context, id string) (View, error) {
	st, err := s.store.GetPipeline(ctx, id)
	if err != nil {
		return View{}, err
	}
	return s.view(st)
}

// List returns pipelines with the given status, or all of them when status
// is empty.
func (s *Service) List(ctx context.Context, status Status) ([]View, error) {
	states, err := s.store.ListPipelines(ctx, status)
	if err != nil {
		return nil, err
	}
	out := make([]View, 0, len(states))
	for _, st := range states {
		v, err := s.view(st)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Audit returns the audit trail of a pipeline, oldest first.
func (s *Service) Audit(ctx context.Context, id string) ([]AuditRecord, error) {
	if _, err := s.store.GetPipeline(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListAudit(ctx, id)
}

// Transition advances the pipeline to the next phase. The stored phase and
// its derived step must equal the expected values, otherwise
// ErrStaleTransition is returned and nothing changes.
func (s *Service) Transition(ctx context.Context, id string, expectedPhase Phase, expectedStep int) (View, error) {
	ctx, span := StartSpan(ctx, "pipeline.Transition", id)
	defer span.End()

	var rec AuditRecord
	st, err := s.mutate(ctx, id, func(_ context.Context, st *State) ([]AuditRecord, error) {
		if _, err := s.checkExpected(st, expectedPhase, &expectedStep); err != nil {
			return nil, err
		}
		if err := unavailable(st); err != nil {
			return nil, err
		}
		next, err := s.nextPhase(st.CurrentPhase)
		if err != nil {
			return nil, err
		}
		rec, err = s.advance(st, next, AuditTransition)
		if err != nil {
			return nil, err
		}
		return []AuditRecord{rec}, nil
	})
	if err != nil {
		s.fail(ctx, "transition", id, err)
		return View{}, err
	}
	s.transitioned(ctx, st, rec)
	return s.view(st)
}

// AttemptHook runs inside the pipeline lock and store transaction, after
// the attempt has been validated and before the new state is written. An
// error aborts the attempt and discards every write made in the
// transaction.
type AttemptHook func(ctx context.Context, st State) error

type attemptOptions struct {
	generation *int64
	hook       AttemptHook
	summary    string
}

// AttemptOption configures RecordAttempt.
type AttemptOption func(*attemptOptions)

// WithGeneration makes the attempt stale if the pipeline was reset after
// generation gen was observed.
func WithGeneration(gen int64) AttemptOption {
	return func(o *attemptOptions) { o.generation = &gen }
}

// WithHook registers a hook that commits or aborts with the attempt.
func WithHook(h AttemptHook) AttemptOption {
	return func(o *attemptOptions) { o.hook = h }
}

// WithErrorSummary sets the summary stored on rejected attempts.
func WithErrorSummary(summary string) AttemptOption {
	return func(o *attemptOptions) { o.summary = summary }
}

// AttemptResult reports what an attempt did to the pipeline. Reaching the
// attempt budget is reported here, not as an error.
type AttemptResult struct {
	Pipeline     View        `json:"pipeline"`
	Outcome      Outcome     `json:"outcome"`
	Transitioned bool        `json:"transitioned"`
	Blocked      bool        `json:"blocked"`
	BlockReason  BlockReason `json:"block_reason,omitempty"`
}

// RecordAttempt applies a review outcome for the pipeline's current step.
func (s *Service) RecordAttempt(ctx context.Context, id string, step int, outcome Outcome, opts ...AttemptOption) (AttemptResult, error) {
	if !outcome.Valid() {
		return AttemptResult{}, fmt.Errorf("%w: %q", ErrInvalidOutcome, outcome)
	}
	o := &attemptOptions{}
	for _, opt := range opts {
		opt(o)
	}

	ctx, span := StartSpan(ctx, "pipeline.RecordAttempt", id)
	defer span.End()

	var (
		res       = AttemptResult{Outcome: outcome}
		advanceTo AuditRecord
	)
	st, err := s.mutate(ctx, id, func(ctx context.Context, st *State) ([]AuditRecord, error) {
		if o.generation != nil && *o.generation != st.Generation {
			return nil, fmt.Errorf("%w: pipeline reset since generation %d", ErrStaleTransition, *o.generation)
		}
		if _, err := s.checkExpected(st, st.CurrentPhase, &step); err != nil {
			return nil, err
		}
		if err := unavailable(st); err != nil {
			return nil, err
		}
		var next Phase
		if outcome == OutcomeApproved {
			var err error
			if next, err = s.nextPhase(st.CurrentPhase); err != nil {
				return nil, err
			}
		}
		if o.hook != nil {
			if err := o.hook(ctx, *st); err != nil {
				return nil, err
			}
		}

		attempt := AuditRecord{
			Action:       AuditAttempt,
			FromPhase:    st.CurrentPhase,
			ToPhase:      st.CurrentPhase,
			FromStep:     step,
			ToStep:       step,
			Outcome:      outcome,
			AttemptCount: st.AttemptCount + 1,
		}
		recs := []AuditRecord{attempt}

		switch outcome {
		case OutcomeApproved:
			rec, err := s.advance(st, next, AuditTransition)
			if err != nil {
				return nil, err
			}
			advanceTo = rec
			res.Transitioned = true
			recs = append(recs, rec)
		case OutcomeRejectedRetryable:
			st.AttemptCount++
			st.LastErrorSummary = o.summary
			if st.AttemptCount >= st.MaxAttempts {
				recs = append(recs, block(st, step, BlockReasonMaxAttempts))
			}
		case OutcomeRejectedCritical:
			st.AttemptCount++
			st.LastErrorSummary = o.summary
			recs = append(recs, block(st, step, BlockReasonCritical))
		}
		res.Blocked = st.Status == StatusBlocked
		res.BlockReason = st.BlockReason
		return recs, nil
	})
	if err != nil {
		s.fail(ctx, "record_attempt", id, err)
		return AttemptResult{}, err
	}

	s.metrics.RecordAttempt(ctx, step, outcome)
	s.log.AttemptRecorded(ctx, id, step, outcome, st.AttemptCount, st.MaxAttempts)
	if res.Transitioned {
		s.transitioned(ctx, st, advanceTo)
	}
	if res.Blocked {
		s.metrics.RecordBlocked(ctx, step, res.BlockReason)
		s.log.Blocked(ctx, id, step, res.BlockReason, st.AttemptCount)
		s.publish(ctx, events.NewPipelineEvent(events.TypeBlocked, id, st.OwnerRef, map[string]interface{}{
			"step":          step,
			"reason":        string(res.BlockReason),
			"attempt_count": st.AttemptCount,
		}))
	}

	res.Pipeline, err = s.view(st)
	return res, err
}

// Reset is the external action that re-arms a pipeline: it clears the
// attempt count and any block and bumps the generation so in-flight work
// started before the reset is refused as stale.
func (s *Service) Reset(ctx context.Context, id, reason string) (View, error) {
	ctx, span := StartSpan(ctx, "pipeline.Reset", id)
	defer span.End()

	st, err := s.mutate(ctx, id, func(_ context.Context, st *State) ([]AuditRecord, error) {
		step, err := st.Step(s.registry)
		if err != nil {
			return nil, err
		}
		rec := AuditRecord{
			Action:       AuditReset,
			FromPhase:    st.CurrentPhase,
			ToPhase:      st.CurrentPhase,
			FromStep:     step,
			ToStep:       step,
			AttemptCount: st.AttemptCount,
			Detail:       reason,
		}
		st.AttemptCount = 0
		st.BlockReason = ""
		st.LastErrorSummary = ""
		st.Generation++
		if !s.registry.IsTerminal(st.CurrentPhase) {
			st.Status = StatusActive
		}
		return []AuditRecord{rec}, nil
	})
	if err != nil {
		s.fail(ctx, "reset", id, err)
		return View{}, err
	}
	s.metrics.RecordReset(ctx)
	s.log.Reset(ctx, id, st.Generation, reason)
	s.publish(ctx, events.NewPipelineEvent(events.TypeReset, id, st.OwnerRef, map[string]interface{}{
		"generation": st.Generation,
		"reason":     reason,
	}))
	return s.view(st)
}

// Confirm is the external confirmation that moves a pipeline out of a
// phase that waits for it.
func (s *Service) Confirm(ctx context.Context, id string, expectedPhase Phase) (View, error) {
	ctx, span := StartSpan(ctx, "pipeline.Confirm", id)
	defer span.End()

	var rec AuditRecord
	st, err := s.mutate(ctx, id, func(_ context.Context, st *State) ([]AuditRecord, error) {
		if _, err := s.checkExpected(st, expectedPhase, nil); err != nil {
			return nil, err
		}
		if err := unavailable(st); err != nil {
			return nil, err
		}
		target, ok, err := s.registry.ConfirmedPhase(st.CurrentPhase)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: phase %q does not await confirmation", ErrNoLegalTransition, st.CurrentPhase)
		}
		rec, err = s.advance(st, target, AuditConfirmed)
		if err != nil {
			return nil, err
		}
		return []AuditRecord{rec}, nil
	})
	if err != nil {
		s.fail(ctx, "confirm", id, err)
		return View{}, err
	}
	s.metrics.RecordTransition(ctx, rec.FromPhase, rec.ToPhase)
	s.log.Confirmed(ctx, id, rec.FromPhase, rec.ToPhase)
	s.publish(ctx, events.NewPipelineEvent(events.TypeConfirmed, id, st.OwnerRef, map[string]interface{}{
		"from_phase": string(rec.FromPhase),
		"to_phase":   string(rec.ToPhase),
	}))
	return s.view(st)
}

// mutate loads a pipeline under its lock inside one store transaction,
// applies fn and persists the state with the returned audit records.
func (s *Service) mutate(ctx context.Context, id string, fn func(ctx context.Context, st *State) ([]AuditRecord, error)) (*State, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	var out *State
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		st, err := s.store.GetPipeline(ctx, id)
		if err != nil {
			return err
		}
		recs, err := fn(ctx, st)
		if err != nil {
			return err
		}
		st.UpdatedAt = s.now().UTC()
		if err := s.store.SavePipeline(ctx, st); err != nil {
			return fmt.Errorf("save pipeline: %w", err)
		}
		for _, rec := range recs {
			rec.ID = uuid.New().String()
			rec.PipelineID = id
			rec.OccurredAt = st.UpdatedAt
			if err := s.store.AppendAudit(ctx, rec); err != nil {
				return fmt.Errorf("append audit: %w", err)
			}
		}
		out = st
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// checkExpected verifies the caller's view of the pipeline. A nil
// expectedStep only checks the phase.
func (s *Service) checkExpected(st *State, expectedPhase Phase, expectedStep *int) (int, error) {
	step, err := st.Step(s.registry)
	if err != nil {
		return 0, err
	}
	if st.CurrentPhase != expectedPhase {
		return 0, fmt.Errorf("%w: expected phase %q, pipeline is at %q", ErrStaleTransition, expectedPhase, st.CurrentPhase)
	}
	if expectedStep != nil && *expectedStep != step {
		return 0, fmt.Errorf("%w: expected step %d, pipeline is at step %d", ErrStaleTransition, *expectedStep, step)
	}
	return step, nil
}

// unavailable returns why a pipeline cannot progress automatically, if it
// cannot.
func unavailable(st *State) error {
	switch st.Status {
	case StatusBlocked:
		if st.BlockReason == BlockReasonMaxAttempts {
			return fmt.Errorf("%w: %w", ErrBlockedForReview, ErrMaxAttemptsExceeded)
		}
		return ErrBlockedForReview
	case StatusCompleted:
		return fmt.Errorf("%w: pipeline completed", ErrNoLegalTransition)
	}
	return nil
}

func (s *Service) nextPhase(p Phase) (Phase, error) {
	next, ok, err := s.registry.NextPhase(p)
	if err != nil {
		return "", err
	}
	if !ok {
		if s.registry.RequiresConfirmation(p) {
			return "", fmt.Errorf("%w: %w at %q", ErrNoLegalTransition, ErrAwaitingConfirmation, p)
		}
		return "", fmt.Errorf("%w: %q is terminal", ErrNoLegalTransition, p)
	}
	return next, nil
}

// advance moves st to target and starts a fresh attempt budget.
func (s *Service) advance(st *State, target Phase, action AuditAction) (AuditRecord, error) {
	fromStep, err := s.registry.StepOf(st.CurrentPhase)
	if err != nil {
		return AuditRecord{}, err
	}
	toStep, err := s.registry.StepOf(target)
	if err != nil {
		return AuditRecord{}, err
	}
	if toStep < fromStep || toStep > fromStep+1 {
		return AuditRecord{}, fmt.Errorf("%w: %q -> %q", ErrNoLegalTransition, st.CurrentPhase, target)
	}
	rec := AuditRecord{
		Action:       action,
		FromPhase:    st.CurrentPhase,
		ToPhase:      target,
		FromStep:     fromStep,
		ToStep:       toStep,
		AttemptCount: st.AttemptCount,
	}
	st.CurrentPhase = target
	st.AttemptCount = 0
	st.LastErrorSummary = ""
	if s.registry.IsTerminal(target) {
		st.Status = StatusCompleted
	}
	return rec, nil
}

func block(st *State, step int, reason BlockReason) AuditRecord {
	st.Status = StatusBlocked
	st.BlockReason = reason
	return AuditRecord{
		Action:       AuditBlocked,
		FromPhase:    st.CurrentPhase,
		ToPhase:      st.CurrentPhase,
		FromStep:     step,
		ToStep:       step,
		AttemptCount: st.AttemptCount,
		Detail:       string(reason),
	}
}

func (s *Service) transitioned(ctx context.Context, st *State, rec AuditRecord) {
	s.metrics.RecordTransition(ctx, rec.FromPhase, rec.ToPhase)
	s.log.Transitioned(ctx, st.ID, rec.FromPhase, rec.ToPhase, rec.FromStep, rec.ToStep)
	s.publish(ctx, events.NewPipelineEvent(events.TypeTransitioned, st.ID, st.OwnerRef, map[string]interface{}{
		"from_phase": string(rec.FromPhase),
		"to_phase":   string(rec.ToPhase),
		"from_step":  rec.FromStep,
		"to_step":    rec.ToStep,
	}))
}

func (s *Service) fail(ctx context.Context, op, id string, err error) {
	if errors.Is(err, ErrStaleTransition) {
		s.metrics.RecordStale(ctx, op)
	}
	RecordError(ctx, err)
	s.log.Rejected(ctx, op, id, err)
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.log.Error(ctx, "publish pipeline event", err, zap.String("event_type", string(e.Type)))
	}
}

func (s *Service) view(st *State) (View, error) {
	step, err := st.Step(s.registry)
	if err != nil {
		return View{}, err
	}
	return View{State: *st, CurrentStep: step}, nil
}

// RecordError records err on the span in ctx and marks it failed.
func RecordError(ctx context.Context, err error) {
	span := SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
