// Package orchestrator drives one pipeline step through its retry
// lifecycle: generate, review, classify a rejection, learn from it, and
// compose corrective constraints for the next attempt.
//
// The attempt bookkeeping and every learning write for one review commit
// or roll back together: learning runs as a hook inside the pipeline's
// RecordAttempt, under the pipeline lock and the store transaction.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/MSA-I/RE-TOUR-sub006/internal/classifier"
	"github.com/MSA-I/RE-TOUR-sub006/internal/constraints"
	"github.com/MSA-I/RE-TOUR-sub006/internal/events"
	"github.com/MSA-I/RE-TOUR-sub006/internal/external"
	"github.com/MSA-I/RE-TOUR-sub006/internal/learning"
	"github.com/MSA-I/RE-TOUR-sub006/internal/pipeline"
	"github.com/MSA-I/RE-TOUR-sub006/internal/rules"
)

// RejectionLog keeps classified rejections and the archived raw feedback
// they point at.
type RejectionLog interface {
	SaveRejection(ctx context.Context, ev classifier.Event) error
	ListRejections(ctx context.Context, pipelineID string) ([]classifier.Event, error)
	ArchiveFeedback(ctx context.Context, ref, pipelineID, text string) error
}

// Deps are the collaborators an Orchestrator drives.
type Deps struct {
	Pipelines  *pipeline.Service
	Classifier *classifier.Classifier
	Engine     *learning.Engine
	Injector   *constraints.Injector
	Rejections RejectionLog
	// Generator and Reviewer are only needed by RunStep.
	Generator external.Generator
	Reviewer  external.Reviewer
}

// Redactor strips credentials and contact details from text.
type Redactor interface {
	Redact(text string) string
}

// Orchestrator composes the core services.
type Orchestrator struct {
	Deps
	publisher events.Publisher
	redactor  Redactor
	logger    *zap.Logger
	metrics   *Metrics
	progress  ProgressCallback
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l.Named("orchestrator")
		}
	}
}

// WithMetrics sets the OTEL metrics.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithPublisher sets where rule events raised during a review go once the
// review commits. Use the publisher the learning engine was built with.
func WithPublisher(p events.Publisher) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.publisher = p
		}
	}
}

// WithRedactor scrubs raw feedback before it is archived. Classification
// still sees the original text.
func WithRedactor(r Redactor) Option {
	return func(o *Orchestrator) { o.redactor = r }
}

// New creates an orchestrator.
func New(deps Deps, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Pipelines == nil:
		return nil, errors.New("pipeline service is required")
	case deps.Classifier == nil:
		return nil, errors.New("classifier is required")
	case deps.Engine == nil:
		return nil, errors.New("learning engine is required")
	case deps.Injector == nil:
		return nil, errors.New("constraint injector is required")
	case deps.Rejections == nil:
		return nil, errors.New("rejection log is required")
	}
	o := &Orchestrator{
		Deps:      deps,
		publisher: events.Nop{},
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// ReviewInput is a review outcome for the pipeline's current step.
type ReviewInput struct {
	PipelineID string `json:"pipeline_id"`
	Step       int    `json:"step"`
	// Generation, when set, makes the review stale if the pipeline was
	// reset after it was observed.
	Generation  *int64              `json:"generation,omitempty"`
	AssetID     string              `json:"asset_id,omitempty"`
	Decision    external.Decision   `json:"decision"`
	Severity    classifier.Severity `json:"severity,omitempty"`
	Score       *float64            `json:"score,omitempty"`
	RawFeedback string              `json:"raw_feedback,omitempty"`
}

// Result is what one handled review did.
type Result struct {
	Attempt    pipeline.AttemptResult     `json:"attempt"`
	Rejection  *classifier.Event          `json:"rejection,omitempty"`
	Violations []learning.ViolationResult `json:"violations,omitempty"`
	Relieved   []*rules.Rule              `json:"relieved,omitempty"`
	// Constraints is set after a rejection that leaves the pipeline able to
	// retry.
	Constraints *constraints.Set `json:"constraints,omitempty"`
}

// HandleReview applies one review outcome. A rejection is classified, its
// raw feedback archived, and every category recorded as a violation. An
// approval relieves the escalated rules that were in force. Either way the
// learning writes and the attempt commit together or not at all.
func (o *Orchestrator) HandleReview(ctx context.Context, in ReviewInput) (Result, error) {
	if in.PipelineID == "" {
		return Result{}, ErrMissingPipeline
	}
	ctx, span := startSpan(ctx, "orchestrator.HandleReview", in.PipelineID)
	defer span.End()

	var (
		res     Result
		outcome pipeline.Outcome
		ev      classifier.Event
	)
	switch in.Decision {
	case external.DecisionApproved:
		outcome = pipeline.OutcomeApproved
	case external.DecisionRejected:
		ev = o.Classifier.Classify(classifier.Input{
			PipelineID:  in.PipelineID,
			AssetID:     in.AssetID,
			Step:        in.Step,
			RawFeedback: in.RawFeedback,
			Severity:    in.Severity,
			Score:       in.Score,
		})
		outcome = outcomeFor(ev)
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrInvalidDecision, in.Decision)
	}

	hook := func(ctx context.Context, st pipeline.State) error {
		res.Violations, res.Relieved = nil, nil
		if outcome == pipeline.OutcomeApproved {
			relieved, err := o.relieve(ctx, st)
			res.Relieved = relieved
			return err
		}
		violations, err := o.learn(ctx, st, ev, in.RawFeedback)
		res.Violations = violations
		return err
	}

	opts := []pipeline.AttemptOption{pipeline.WithHook(hook)}
	if in.Generation != nil {
		opts = append(opts, pipeline.WithGeneration(*in.Generation))
	}
	if outcome != pipeline.OutcomeApproved {
		opts = append(opts, pipeline.WithErrorSummary(summarize(ev)))
	}

	txCtx, outbox := events.WithOutbox(ctx)
	attempt, err := o.Pipelines.RecordAttempt(txCtx, in.PipelineID, in.Step, outcome, opts...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Debug("review not applied",
			zap.String("pipeline_id", in.PipelineID),
			zap.String("outcome", string(outcome)),
			zap.Error(err),
		)
		return Result{}, fmt.Errorf("handle review: %w", err)
	}
	if err := outbox.Flush(ctx, o.publisher); err != nil {
		o.logger.Warn("failed to publish rule events", zap.String("pipeline_id", in.PipelineID), zap.Error(err))
	}
	res.Attempt = attempt
	o.metrics.recordReview(ctx, string(outcome))

	if outcome == pipeline.OutcomeApproved {
		o.logger.Info("review approved",
			zap.String("pipeline_id", in.PipelineID),
			zap.Int("step", in.Step),
			zap.Bool("transitioned", attempt.Transitioned),
			zap.Int("relieved_rules", len(res.Relieved)),
		)
		return res, nil
	}

	res.Rejection = &ev
	for _, c := range ev.Categories {
		o.metrics.recordCategory(ctx, string(c))
	}
	o.logger.Info("review rejected",
		zap.String("pipeline_id", in.PipelineID),
		zap.Int("step", in.Step),
		zap.Strings("categories", categoryStrings(ev.Categories)),
		zap.String("severity", string(ev.Severity)),
		zap.Int("attempt_count", attempt.Pipeline.AttemptCount),
		zap.Bool("blocked", attempt.Blocked),
	)
	if attempt.Blocked {
		return res, nil
	}

	set, err := o.Injector.Compose(ctx, in.PipelineID, attempt.Pipeline.CurrentStep, &ev)
	if err != nil {
		// The attempt is committed; a composition failure only loses the
		// retry hint.
		span.RecordError(err)
		o.logger.Warn("failed to compose constraints", zap.String("pipeline_id", in.PipelineID), zap.Error(err))
		return res, nil
	}
	res.Constraints = &set
	o.metrics.recordConstraints(ctx, set.Len())
	return res, nil
}

// learn records a classified rejection. It runs inside the attempt's
// transaction; ctx carries it.
func (o *Orchestrator) learn(ctx context.Context, st pipeline.State, ev classifier.Event, raw string) ([]learning.ViolationResult, error) {
	if raw != "" {
		if o.redactor != nil {
			raw = o.redactor.Redact(raw)
		}
		if err := o.Rejections.ArchiveFeedback(ctx, ev.RawFeedbackRef, st.ID, raw); err != nil {
			return nil, fmt.Errorf("archive feedback: %w", err)
		}
	}
	if err := o.Rejections.SaveRejection(ctx, ev); err != nil {
		return nil, fmt.Errorf("save rejection: %w", err)
	}
	subj := learning.Subject{PipelineID: st.ID, UserRef: st.OwnerRef}
	out := make([]learning.ViolationResult, 0, len(ev.Categories))
	for _, c := range ev.Categories {
		v, err := o.Engine.OnViolation(ctx, subj, c)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// relieve credits good behavior to every escalated, unmuted rule that was
// in force for the pipeline and its owner.
func (o *Orchestrator) relieve(ctx context.Context, st pipeline.State) ([]*rules.Rule, error) {
	active, err := o.Engine.ActiveRules(ctx, st.ID, st.OwnerRef)
	if err != nil {
		return nil, err
	}
	var out []*rules.Rule
	for _, r := range active {
		if r.Scope == rules.ScopeGlobal || r.Muted || !r.Stage.AtLeast(rules.StageCheck) {
			continue
		}
		updated, err := o.Engine.OnGoodBehavior(ctx, r.Scope, r.OwnerRef, classifier.Category(r.Category))
		if err != nil {
			return nil, err
		}
		out = append(out, updated)
	}
	return out, nil
}

// StepRequest asks for one generate-and-review round of the pipeline's
// current step.
type StepRequest struct {
	PipelineID      string        `json:"pipeline_id"`
	Prompt          string        `json:"prompt"`
	InputRefs       []string      `json:"input_refs,omitempty"`
	GenerateTimeout time.Duration `json:"generate_timeout,omitempty"`
	ReviewTimeout   time.Duration `json:"review_timeout,omitempty"`
}

// StepResult reports one round.
type StepResult struct {
	Output      external.OutputRef `json:"output"`
	Constraints constraints.Set    `json:"constraints"`
	Review      Result             `json:"review"`
}

// RunStep generates output for the current step with the constraints in
// force, has it reviewed and hands the verdict to HandleReview. A failed
// or timed out external call yields ErrInfrastructureFailure and leaves
// the pipeline and learned rules untouched.
func (o *Orchestrator) RunStep(ctx context.Context, req StepRequest) (StepResult, error) {
	if o.Generator == nil || o.Reviewer == nil {
		return StepResult{}, errors.New("run step requires a generator and a reviewer")
	}
	if req.PipelineID == "" {
		return StepResult{}, ErrMissingPipeline
	}
	ctx, span := startSpan(ctx, "orchestrator.RunStep", req.PipelineID)
	defer span.End()

	v, err := o.Pipelines.Get(ctx, req.PipelineID)
	if err != nil {
		return StepResult{}, err
	}
	switch v.Status {
	case pipeline.StatusBlocked:
		return StepResult{}, fmt.Errorf("run step %s: %w", req.PipelineID, pipeline.ErrBlockedForReview)
	case pipeline.StatusCompleted:
		return StepResult{}, fmt.Errorf("run step %s: %w", req.PipelineID, pipeline.ErrNoLegalTransition)
	}

	r := round{cb: o.progress, pipelineID: req.PipelineID, step: v.CurrentStep}

	if err := r.begin(ctx, StageCompose); err != nil {
		return StepResult{}, err
	}
	latest, err := o.latestRejection(ctx, v)
	if err != nil {
		r.fail(StageCompose, err)
		return StepResult{}, err
	}
	set, err := o.Injector.Compose(ctx, req.PipelineID, v.CurrentStep, latest)
	if err != nil {
		r.fail(StageCompose, err)
		return StepResult{}, fmt.Errorf("compose constraints: %w", err)
	}
	r.done(StageCompose)
	out := StepResult{Constraints: set}

	if err := r.begin(ctx, StageGenerate); err != nil {
		return out, err
	}
	genCtx, cancel := withTimeout(ctx, req.GenerateTimeout)
	out.Output, err = o.Generator.Generate(genCtx, external.GenerateRequest{
		PipelineID:  req.PipelineID,
		Phase:       string(v.CurrentPhase),
		Step:        v.CurrentStep,
		Attempt:     v.AttemptCount + 1,
		Prompt:      set.Render(req.Prompt),
		Constraints: set.Lines(),
		InputRefs:   req.InputRefs,
	})
	cancel()
	if err != nil {
		r.fail(StageGenerate, err)
		return out, o.infraFailure(ctx, span, req.PipelineID, "generate", err)
	}
	r.done(StageGenerate)

	if err := r.begin(ctx, StageReview); err != nil {
		return out, err
	}
	revCtx, cancel := withTimeout(ctx, req.ReviewTimeout)
	review, err := o.Reviewer.Review(revCtx, external.ReviewRequest{
		PipelineID: req.PipelineID,
		Phase:      string(v.CurrentPhase),
		Step:       v.CurrentStep,
		Output:     out.Output,
	})
	cancel()
	if err == nil && review.Decision != external.DecisionApproved && review.Decision != external.DecisionRejected {
		err = fmt.Errorf("%w: %q", ErrInvalidDecision, review.Decision)
	}
	if err != nil {
		r.fail(StageReview, err)
		return out, o.infraFailure(ctx, span, req.PipelineID, "review", err)
	}
	r.done(StageReview)

	if err := r.begin(ctx, StageRecord); err != nil {
		return out, err
	}
	gen := v.Generation
	out.Review, err = o.HandleReview(ctx, ReviewInput{
		PipelineID:  req.PipelineID,
		Step:        v.CurrentStep,
		Generation:  &gen,
		AssetID:     out.Output.AssetID,
		Decision:    review.Decision,
		Severity:    review.Severity,
		Score:       review.Score,
		RawFeedback: review.RawFeedback,
	})
	if err != nil {
		r.fail(StageRecord, err)
		return out, err
	}
	r.done(StageRecord)
	return out, nil
}

// latestRejection returns the newest rejection of the pipeline's current
// step, or nil when the step has no attempts since it was entered or reset.
func (o *Orchestrator) latestRejection(ctx context.Context, v pipeline.View) (*classifier.Event, error) {
	if v.AttemptCount == 0 {
		return nil, nil
	}
	evs, err := o.Rejections.ListRejections(ctx, v.ID)
	if err != nil {
		return nil, fmt.Errorf("list rejections: %w", err)
	}
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].StepNumber == v.CurrentStep {
			return &evs[i], nil
		}
	}
	return nil, nil
}

func (o *Orchestrator) infraFailure(ctx context.Context, span trace.Span, pipelineID, call string, err error) error {
	o.metrics.recordInfraFailure(ctx, call)
	o.logger.Warn("external call failed",
		zap.String("pipeline_id", pipelineID),
		zap.String("call", call),
		zap.Error(err),
	)
	err = fmt.Errorf("%w: %s: %w", ErrInfrastructureFailure, call, err)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// BlockedContext is what a human reviewer sees for a pipeline: its state,
// the classified rejections, the rules in force with explanations, and the
// audit trail. Raw feedback is only referenced, never included.
type BlockedContext struct {
	Pipeline   pipeline.View          `json:"pipeline"`
	Rejections []classifier.Event     `json:"rejections"`
	Rules      []RuleExplanation      `json:"rules"`
	Audit      []pipeline.AuditRecord `json:"audit"`
}

// RuleExplanation pairs a rule with its human-readable explanation.
type RuleExplanation struct {
	Rule        *rules.Rule `json:"rule"`
	Explanation string      `json:"explanation"`
}

// BlockedContext gathers the reviewer context for a pipeline.
func (o *Orchestrator) BlockedContext(ctx context.Context, pipelineID string) (BlockedContext, error) {
	v, err := o.Pipelines.Get(ctx, pipelineID)
	if err != nil {
		return BlockedContext{}, err
	}
	rejections, err := o.Rejections.ListRejections(ctx, pipelineID)
	if err != nil {
		return BlockedContext{}, fmt.Errorf("list rejections: %w", err)
	}
	active, err := o.Engine.ActiveRules(ctx, pipelineID, v.OwnerRef)
	if err != nil {
		return BlockedContext{}, fmt.Errorf("list rules: %w", err)
	}
	audit, err := o.Pipelines.Audit(ctx, pipelineID)
	if err != nil {
		return BlockedContext{}, fmt.Errorf("list audit: %w", err)
	}
	out := BlockedContext{
		Pipeline:   v,
		Rejections: rejections,
		Rules:      make([]RuleExplanation, 0, len(active)),
		Audit:      audit,
	}
	for _, r := range active {
		out.Rules = append(out.Rules, RuleExplanation{Rule: r, Explanation: learning.Explain(r)})
	}
	return out, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// summarize describes a rejection by category only.
func summarize(ev classifier.Event) string {
	return fmt.Sprintf("rejected (%s): %s", ev.Severity, strings.Join(categoryStrings(ev.Categories), ", "))
}

func categoryStrings(cs []classifier.Category) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = string(c)
	}
	return out
}
