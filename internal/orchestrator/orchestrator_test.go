package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MSA-I/RE-TOUR-sub006/internal/classifier"
	"github.com/MSA-I/RE-TOUR-sub006/internal/constraints"
	"github.com/MSA-I/RE-TOUR-sub006/internal/events"
	"github.com/MSA-I/RE-TOUR-sub006/internal/external"
	"github.com/MSA-I/RE-TOUR-sub006/internal/learning"
	"github.com/MSA-I/RE-TOUR-sub006/internal/pipeline"
	"github.com/MSA-I/RE-TOUR-sub006/internal/rules"
	"github.com/MSA-I/RE-TOUR-sub006/internal/secrets"
	"github.com/MSA-I/RE-TOUR-sub006/internal/store"
	"github.com/MSA-I/RE-TOUR-sub006/internal/telemetry"
)

const clutterFeedback = "too much clutter, keep minimal"

// flakyStore fails pipeline saves on demand, after everything else in the
// transaction has been written.
type flakyStore struct {
	*store.Memory
	failSave atomic.Bool
}

var errDiskFull = errors.New("disk full")

func (f *flakyStore) SavePipeline(ctx context.Context, st *pipeline.State) error {
	if f.failSave.Load() {
		return errDiskFull
	}
	return f.Memory.SavePipeline(ctx, st)
}

// scriptedReviewer returns queued reviews in order.
type scriptedReviewer struct {
	mu      sync.Mutex
	reviews []external.Review
}

func (s *scriptedReviewer) Review(context.Context, external.ReviewRequest) (external.Review, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.reviews) == 0 {
		return external.Review{Decision: external.DecisionApproved}, nil
	}
	r := s.reviews[0]
	s.reviews = s.reviews[1:]
	return r, nil
}

// recordingGenerator remembers every request.
type recordingGenerator struct {
	mu   sync.Mutex
	reqs []external.GenerateRequest
	err  error
}

func (g *recordingGenerator) Generate(ctx context.Context, req external.GenerateRequest) (external.OutputRef, error) {
	g.mu.Lock()
	g.reqs = append(g.reqs, req)
	err := g.err
	g.mu.Unlock()
	if err != nil {
		return external.OutputRef{}, err
	}
	return external.OutputRef{AssetID: "asset-" + req.PipelineID}, nil
}

func (g *recordingGenerator) last() external.GenerateRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reqs[len(g.reqs)-1]
}

type harness struct {
	orch     *Orchestrator
	svc      *pipeline.Service
	engine   *learning.Engine
	store    *flakyStore
	recorder *events.Recorder
	gen      *recordingGenerator
	rev      *scriptedReviewer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	now := func() time.Time { return time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC) }
	h := &harness{
		store:    &flakyStore{Memory: store.NewMemory(now)},
		recorder: &events.Recorder{},
		gen:      &recordingGenerator{},
		rev:      &scriptedReviewer{},
	}

	var err error
	h.svc, err = pipeline.NewService(pipeline.DefaultRegistry(), h.store,
		pipeline.WithClock(now), pipeline.WithPublisher(h.recorder))
	require.NoError(t, err)
	clf, err := classifier.New()
	require.NoError(t, err)
	h.engine, err = learning.NewEngine(h.store, learning.DefaultConfig(),
		learning.WithClock(now), learning.WithPublisher(h.recorder))
	require.NoError(t, err)
	inj, err := constraints.New(h.engine, constraints.WithOwnerResolver(
		constraints.OwnerResolverFunc(func(ctx context.Context, id string) (string, error) {
			v, err := h.svc.Get(ctx, id)
			return v.OwnerRef, err
		})))
	require.NoError(t, err)

	h.orch, err = New(Deps{
		Pipelines:  h.svc,
		Classifier: clf,
		Engine:     h.engine,
		Injector:   inj,
		Rejections: h.store,
		Generator:  h.gen,
		Reviewer:   h.rev,
	}, WithPublisher(h.recorder))
	require.NoError(t, err)
	return h
}

// atStyleRender creates a pipeline and walks it to step 2.
func (h *harness) atStyleRender(t *testing.T, id string) pipeline.View {
	t.Helper()
	ctx := context.Background()
	_, err := h.svc.Create(ctx, id, "u1", 0)
	require.NoError(t, err)
	_, err = h.svc.Transition(ctx, id, pipeline.PhaseUpload, 0)
	require.NoError(t, err)
	_, err = h.svc.RecordAttempt(ctx, id, 1, pipeline.OutcomeApproved)
	require.NoError(t, err)
	v, err := h.svc.Confirm(ctx, id, pipeline.PhaseSpaceAnalysisConfirm)
	require.NoError(t, err)
	require.Equal(t, 2, v.CurrentStep)
	return v
}

func reject(id, feedback string) ReviewInput {
	return ReviewInput{PipelineID: id, Step: 2, Decision: external.DecisionRejected, RawFeedback: feedback}
}

func TestHandleReview_RejectionLearnsAndComposes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.atStyleRender(t, "p1")

	res, err := h.orch.HandleReview(ctx, reject("p1", clutterFeedback))
	require.NoError(t, err)

	assert.Equal(t, 1, res.Attempt.Pipeline.AttemptCount)
	assert.False(t, res.Attempt.Blocked)
	require.NotNil(t, res.Rejection)
	assert.Equal(t, []classifier.Category{
		classifier.CategoryExtraFurniture,
		classifier.CategoryMinimalismPreference,
	}, res.Rejection.Categories)
	assert.Len(t, res.Violations, 2)

	require.NotNil(t, res.Constraints)
	require.Len(t, res.Constraints.Removals, 2)
	for _, c := range res.Constraints.Removals {
		assert.Equal(t, constraints.IntensityOneShot, c.Intensity)
	}
	rendered := res.Constraints.Render("render the living room")
	assert.NotContains(t, rendered, "too much clutter")

	archived, err := h.store.Feedback(ctx, res.Rejection.RawFeedbackRef)
	require.NoError(t, err)
	assert.Equal(t, clutterFeedback, archived)

	saved, err := h.store.ListRejections(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, res.Rejection.ID, saved[0].ID)

	v, err := h.svc.Get(ctx, "p1")
	require.NoError(t, err)
	assert.NotContains(t, v.LastErrorSummary, "clutter")
	assert.Contains(t, v.LastErrorSummary, "extra_furniture")
}

func TestHandleReview_RedactsArchivedFeedback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.atStyleRender(t, "p1")
	scrubber, err := secrets.New(secrets.DefaultConfig())
	require.NoError(t, err)
	h.orch.redactor = scrubber

	res, err := h.orch.HandleReview(ctx, reject("p1", "too much clutter, ask jane.doe@example.com"))
	require.NoError(t, err)
	require.NotNil(t, res.Rejection)
	assert.Contains(t, res.Rejection.Categories, classifier.CategoryExtraFurniture)

	archived, err := h.store.Feedback(ctx, res.Rejection.RawFeedbackRef)
	require.NoError(t, err)
	assert.NotContains(t, archived, "jane.doe@example.com")
	assert.Contains(t, archived, "too much clutter")
}

func TestHandleReview_RepeatedRejectionsEscalate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.atStyleRender(t, "p1")

	var res Result
	for i := 0; i < 3; i++ {
		var err error
		res, err = h.orch.HandleReview(ctx, reject("p1", clutterFeedback))
		require.NoError(t, err)
	}

	require.NotNil(t, res.Constraints)
	for _, c := range res.Constraints.Removals {
		assert.Equal(t, constraints.IntensityCheck, c.Intensity)
		assert.Equal(t, constraints.SourcePipeline, c.Source)
	}
	assert.Len(t, h.recorder.OfType(events.TypeRuleEscalated), 2)
}

func TestHandleReview_BudgetExhaustedBlocks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.atStyleRender(t, "p1")

	for i := 1; i <= pipeline.DefaultMaxAttempts; i++ {
		res, err := h.orch.HandleReview(ctx, reject("p1", "the lighting is too dark"))
		require.NoError(t, err)
		assert.Equal(t, i, res.Attempt.Pipeline.AttemptCount)
		if i < pipeline.DefaultMaxAttempts {
			assert.False(t, res.Attempt.Blocked)
			continue
		}
		assert.True(t, res.Attempt.Blocked)
		assert.Equal(t, pipeline.BlockReasonMaxAttempts, res.Attempt.BlockReason)
		assert.Nil(t, res.Constraints)
	}

	_, err := h.orch.HandleReview(ctx, reject("p1", "still dark"))
	require.ErrorIs(t, err, pipeline.ErrBlockedForReview)
	require.ErrorIs(t, err, pipeline.ErrMaxAttemptsExceeded)
}

func TestHandleReview_CriticalBlocksImmediately(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.atStyleRender(t, "p1")

	in := reject("p1", "a wall was removed")
	in.Severity = classifier.SeverityCritical
	res, err := h.orch.HandleReview(ctx, in)
	require.NoError(t, err)
	assert.True(t, res.Attempt.Blocked)
	assert.Equal(t, pipeline.BlockReasonCritical, res.Attempt.BlockReason)
	assert.Equal(t, 1, res.Attempt.Pipeline.AttemptCount)
	assert.Nil(t, res.Constraints)
	assert.Len(t, h.recorder.OfType(events.TypeBlocked), 1)
}

func TestHandleReview_AllOrNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.atStyleRender(t, "p1")

	h.store.failSave.Store(true)
	_, err := h.orch.HandleReview(ctx, reject("p1", clutterFeedback))
	require.ErrorIs(t, err, errDiskFull)
	h.store.failSave.Store(false)

	v, err := h.svc.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Zero(t, v.AttemptCount)

	rs, err := h.engine.Rules(ctx, rules.Filter{})
	require.NoError(t, err)
	assert.Empty(t, rs, "rule writes roll back with the attempt")

	saved, err := h.store.ListRejections(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, saved)
	assert.Empty(t, h.recorder.OfType(events.TypeRuleEscalated))
}

func TestHandleReview_ApprovalRelievesAndAdvances(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.atStyleRender(t, "p1")
	for i := 0; i < 3; i++ {
		_, err := h.orch.HandleReview(ctx, reject("p1", clutterFeedback))
		require.NoError(t, err)
	}

	res, err := h.orch.HandleReview(ctx, ReviewInput{PipelineID: "p1", Step: 2, Decision: external.DecisionApproved})
	require.NoError(t, err)
	assert.True(t, res.Attempt.Transitioned)
	assert.Equal(t, pipeline.PhaseCameraPlanning, res.Attempt.Pipeline.CurrentPhase)
	assert.Equal(t, 3, res.Attempt.Pipeline.CurrentStep)
	assert.Zero(t, res.Attempt.Pipeline.AttemptCount)
	assert.Nil(t, res.Rejection)

	require.Len(t, res.Relieved, 2)
	for _, r := range res.Relieved {
		assert.Equal(t, rules.MaxHealth-5, r.Health)
	}
}

func TestHandleReview_StaleGeneration(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v := h.atStyleRender(t, "p1")
	gen := v.Generation

	_, err := h.svc.Reset(ctx, "p1", "operator reset")
	require.NoError(t, err)

	in := reject("p1", clutterFeedback)
	in.Generation = &gen
	_, err = h.orch.HandleReview(ctx, in)
	require.ErrorIs(t, err, pipeline.ErrStaleTransition)

	rs, err := h.engine.Rules(ctx, rules.Filter{})
	require.NoError(t, err)
	assert.Empty(t, rs)
}

func TestHandleReview_InvalidInput(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.HandleReview(context.Background(), ReviewInput{PipelineID: "p1", Decision: "maybe"})
	require.ErrorIs(t, err, ErrInvalidDecision)

	_, err = h.orch.HandleReview(context.Background(), ReviewInput{Decision: external.DecisionApproved})
	require.ErrorIs(t, err, ErrMissingPipeline)

	_, err = h.orch.HandleReview(context.Background(), reject("nope", "dark"))
	require.ErrorIs(t, err, pipeline.ErrPipelineNotFound)
}

func TestRunStep_InjectsEscalatedConstraints(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.atStyleRender(t, "p1")
	const feedback = "the sofa is missing"
	for i := 0; i < 3; i++ {
		h.rev.reviews = append(h.rev.reviews, external.Review{Decision: external.DecisionRejected, RawFeedback: feedback})
	}

	for i := 0; i < 3; i++ {
		out, err := h.orch.RunStep(ctx, StepRequest{PipelineID: "p1", Prompt: "render the living room"})
		require.NoError(t, err)
		assert.Equal(t, "asset-p1", out.Output.AssetID)
		assert.Equal(t, i+1, out.Review.Attempt.Pipeline.AttemptCount)
	}
	assert.Empty(t, h.gen.reqs[0].Constraints)

	out, err := h.orch.RunStep(ctx, StepRequest{PipelineID: "p1", Prompt: "render the living room"})
	require.NoError(t, err)
	req := h.gen.last()
	assert.Equal(t, 4, req.Attempt)
	assert.Equal(t, []string{"Ensure: include every furniture item shown in the floor plan."}, req.Constraints)
	assert.True(t, strings.HasPrefix(req.Prompt, "render the living room"))
	assert.NotContains(t, req.Prompt, feedback)
	assert.True(t, out.Review.Attempt.Transitioned, "the fourth review approves")
}

func TestRunStep_RetryCarriesOneShotCorrection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.atStyleRender(t, "p1")
	h.rev.reviews = append(h.rev.reviews,
		external.Review{Decision: external.DecisionRejected, RawFeedback: "the sofa is missing"},
		external.Review{Decision: external.DecisionRejected, RawFeedback: "the sofa is missing"},
	)

	for i := 0; i < 2; i++ {
		_, err := h.orch.RunStep(ctx, StepRequest{PipelineID: "p1", Prompt: "render the living room"})
		require.NoError(t, err)
	}
	require.Len(t, h.gen.reqs, 2)
	assert.Empty(t, h.gen.reqs[0].Constraints)
	assert.Equal(t, 2, h.gen.reqs[1].Attempt)
	assert.Equal(t, []string{"Prefer: include every furniture item shown in the floor plan."}, h.gen.reqs[1].Constraints)
}

func TestLatestRejection_MatchesCurrentStep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v := h.atStyleRender(t, "p1")
	_, err := h.orch.HandleReview(ctx, reject("p1", "the sofa is missing"))
	require.NoError(t, err)
	_, err = h.orch.HandleReview(ctx, reject("p1", clutterFeedback))
	require.NoError(t, err)

	v.AttemptCount = 2
	latest, err := h.orch.latestRejection(ctx, v)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.True(t, latest.HasCategory(classifier.CategoryMinimalismPreference))

	other := v
	other.CurrentStep = 3
	latest, err = h.orch.latestRejection(ctx, other)
	require.NoError(t, err)
	assert.Nil(t, latest, "rejections of another step are not carried over")

	v.AttemptCount = 0
	latest, err = h.orch.latestRejection(ctx, v)
	require.NoError(t, err)
	assert.Nil(t, latest, "nothing carries over once the step restarts")
}

func TestRunStep_ReportsProgress(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.atStyleRender(t, "p1")
	var got []StepProgress
	h.orch.progress = func(p StepProgress) { got = append(got, p) }

	_, err := h.orch.RunStep(ctx, StepRequest{PipelineID: "p1"})
	require.NoError(t, err)

	require.Len(t, got, 2*len(stages))
	for i, s := range stages {
		assert.Equal(t, s, got[2*i].Stage)
		assert.Equal(t, StageStarted, got[2*i].Status)
		assert.Equal(t, StageCompleted, got[2*i+1].Status)
		assert.Equal(t, 2, got[2*i].Step)
	}
	assert.Equal(t, 0, got[0].Percentage)
	assert.Equal(t, 100, got[len(got)-1].Percentage)
}

func TestRunStep_ReportsFailedStage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.atStyleRender(t, "p1")
	var got []StepProgress
	h.orch.progress = func(p StepProgress) { got = append(got, p) }
	h.gen.err = errors.New("gpu pool exhausted")

	_, err := h.orch.RunStep(ctx, StepRequest{PipelineID: "p1"})
	require.ErrorIs(t, err, ErrInfrastructureFailure)

	last := got[len(got)-1]
	assert.Equal(t, StageGenerate, last.Stage)
	assert.Equal(t, StageFailed, last.Status)
	assert.Contains(t, last.Message, "gpu pool exhausted")
}

func TestRunStep_StopsWhenCancelledBetweenStages(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.atStyleRender(t, "p1")
	h.orch.progress = func(p StepProgress) {
		if p.Stage == StageGenerate && p.Status == StageCompleted {
			cancel()
		}
	}

	_, err := h.orch.RunStep(ctx, StepRequest{PipelineID: "p1"})
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrInfrastructureFailure)

	v, err := h.svc.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Zero(t, v.AttemptCount, "a cancelled round records nothing")
}

func TestOutcomeFor(t *testing.T) {
	assert.Equal(t, pipeline.OutcomeRejectedCritical, outcomeFor(classifier.Event{Severity: classifier.SeverityCritical}))
	assert.Equal(t, pipeline.OutcomeRejectedRetryable, outcomeFor(classifier.Event{Severity: classifier.SeverityMajor}))
	assert.Equal(t, pipeline.OutcomeRejectedRetryable, outcomeFor(classifier.Event{}))
}

func TestRunStep_InfrastructureFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.atStyleRender(t, "p1")

	h.gen.err = external.Retryable(errors.New("gpu pool exhausted"))
	_, err := h.orch.RunStep(ctx, StepRequest{PipelineID: "p1"})
	require.ErrorIs(t, err, ErrInfrastructureFailure)

	v, err := h.svc.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Zero(t, v.AttemptCount, "infrastructure failures are not rejections")
	saved, err := h.store.ListRejections(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, saved)
}

func TestRunStep_ReviewTimeout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.atStyleRender(t, "p1")
	h.orch.Reviewer = external.ReviewerFunc(func(ctx context.Context, _ external.ReviewRequest) (external.Review, error) {
		<-ctx.Done()
		return external.Review{}, ctx.Err()
	})

	_, err := h.orch.RunStep(ctx, StepRequest{PipelineID: "p1", ReviewTimeout: 10 * time.Millisecond})
	require.ErrorIs(t, err, ErrInfrastructureFailure)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunStep_Blocked(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.atStyleRender(t, "p1")
	in := reject("p1", "a wall was removed")
	in.Severity = classifier.SeverityCritical
	_, err := h.orch.HandleReview(ctx, in)
	require.NoError(t, err)

	_, err = h.orch.RunStep(ctx, StepRequest{PipelineID: "p1"})
	require.ErrorIs(t, err, pipeline.ErrBlockedForReview)
	assert.Empty(t, h.gen.reqs)
}

func TestBlockedContext(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.atStyleRender(t, "p1")
	_, err := h.orch.HandleReview(ctx, reject("p1", clutterFeedback))
	require.NoError(t, err)
	in := reject("p1", "a wall was removed")
	in.Severity = classifier.SeverityCritical
	_, err = h.orch.HandleReview(ctx, in)
	require.NoError(t, err)

	bc, err := h.orch.BlockedContext(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusBlocked, bc.Pipeline.Status)
	assert.Len(t, bc.Rejections, 2)
	require.Len(t, bc.Rules, 3)
	for _, r := range bc.Rules {
		assert.NotEmpty(t, r.Explanation)
		assert.NotContains(t, r.Explanation, "clutter,")
	}
	assert.NotEmpty(t, bc.Audit)

	_, err = h.orch.BlockedContext(ctx, "missing")
	require.ErrorIs(t, err, pipeline.ErrPipelineNotFound)
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Deps{})
	require.Error(t, err)
}

func TestHandleReview_RecordsMetrics(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.atStyleRender(t, "p1")

	tel := telemetry.NewTestTelemetry()
	m, err := NewMetrics(tel.Meter(InstrumentationName))
	require.NoError(t, err)
	h.orch.metrics = m

	_, err = h.orch.HandleReview(ctx, reject("p1", clutterFeedback))
	require.NoError(t, err)
	_, err = h.orch.HandleReview(ctx, ReviewInput{PipelineID: "p1", Step: 2, Decision: external.DecisionApproved})
	require.NoError(t, err)

	assert.EqualValues(t, 2, tel.CounterValue(t, "orchestrator.reviews.total"))
	assert.EqualValues(t, 2, tel.CounterValue(t, "orchestrator.rejection_categories.total"))
}
