package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/MSA-I/RE-TOUR-sub006/internal/classifier"
	"github.com/MSA-I/RE-TOUR-sub006/internal/constraints"
	"github.com/MSA-I/RE-TOUR-sub006/internal/external"
	"github.com/MSA-I/RE-TOUR-sub006/internal/learning"
	"github.com/MSA-I/RE-TOUR-sub006/internal/orchestrator"
	"github.com/MSA-I/RE-TOUR-sub006/internal/pipeline"
	"github.com/MSA-I/RE-TOUR-sub006/internal/rules"
	"github.com/MSA-I/RE-TOUR-sub006/internal/store"
	"github.com/MSA-I/RE-TOUR-sub006/internal/telemetry"
)

const clutterFeedback = "too much clutter, keep minimal"

type failingGenerator struct{}

func (failingGenerator) Generate(context.Context, external.GenerateRequest) (external.OutputRef, error) {
	return external.OutputRef{}, external.Retryable(errors.New("upstream 503"))
}

type approvingReviewer struct{}

func (approvingReviewer) Review(context.Context, external.ReviewRequest) (external.Review, error) {
	return external.Review{Decision: external.DecisionApproved}, nil
}

func newTestOrchestrator(t *testing.T, gen external.Generator, rev external.Reviewer) *orchestrator.Orchestrator {
	t.Helper()
	now := func() time.Time { return time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC) }
	st := store.NewMemory(now)

	svc, err := pipeline.NewService(pipeline.DefaultRegistry(), st, pipeline.WithClock(now))
	require.NoError(t, err)
	clf, err := classifier.New()
	require.NoError(t, err)
	engine, err := learning.NewEngine(st, learning.DefaultConfig(), learning.WithClock(now))
	require.NoError(t, err)
	inj, err := constraints.New(engine, constraints.WithOwnerResolver(
		constraints.OwnerResolverFunc(func(ctx context.Context, id string) (string, error) {
			v, err := svc.Get(ctx, id)
			return v.OwnerRef, err
		})))
	require.NoError(t, err)

	orch, err := orchestrator.New(orchestrator.Deps{
		Pipelines:  svc,
		Classifier: clf,
		Engine:     engine,
		Injector:   inj,
		Rejections: st,
		Generator:  gen,
		Reviewer:   rev,
	})
	require.NoError(t, err)
	return orch
}

func setupTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	server, err := NewServer(newTestOrchestrator(t, nil, nil), zap.NewNop(), nil, opts...)
	require.NoError(t, err)
	return server
}

func do(t *testing.T, s *Server, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// walkToStyleRender drives a new pipeline to step 2 over the API.
func walkToStyleRender(t *testing.T, s *Server, id string) {
	t.Helper()
	rec := do(t, s, http.MethodPost, "/api/v1/pipelines", CreatePipelineRequest{ID: id, OwnerRef: "u1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = do(t, s, http.MethodPost, "/api/v1/pipelines/"+id+"/transition",
		TransitionRequest{ExpectedPhase: pipeline.PhaseUpload, ExpectedStep: 0})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = do(t, s, http.MethodPost, "/api/v1/pipelines/"+id+"/attempts",
		AttemptRequest{Step: 1, Outcome: pipeline.OutcomeApproved})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = do(t, s, http.MethodPost, "/api/v1/pipelines/"+id+"/confirm",
		ConfirmRequest{ExpectedPhase: pipeline.PhaseSpaceAnalysisConfirm})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, 2, decode[pipeline.View](t, rec).CurrentStep)
}

func rejectBody(feedback string) map[string]interface{} {
	return map[string]interface{}{
		"step":         2,
		"decision":     "rejected",
		"raw_feedback": feedback,
	}
}

func TestNewServer(t *testing.T) {
	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server := setupTestServer(t)
		assert.Equal(t, "127.0.0.1", server.config.Host)
		assert.Equal(t, 8088, server.config.Port)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(newTestOrchestrator(t, nil, nil), nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error when orchestrator is nil", func(t *testing.T) {
		_, err := NewServer(nil, zap.NewNop(), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "orchestrator cannot be nil")
	})
}

func TestHandleHealth(t *testing.T) {
	t.Run("ok without checks", func(t *testing.T) {
		rec := do(t, setupTestServer(t), http.MethodGet, "/health", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ok", decode[HealthResponse](t, rec).Status)
	})

	t.Run("degraded when a check fails", func(t *testing.T) {
		server := setupTestServer(t,
			WithHealthCheck("store", func(context.Context) error { return nil }),
			WithHealthCheck("nats", func(context.Context) error { return errors.New("disconnected") }),
		)
		rec := do(t, server, http.MethodGet, "/health", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		resp := decode[HealthResponse](t, rec)
		assert.Equal(t, "degraded", resp.Status)
		assert.Equal(t, "ok", resp.Services["store"])
		assert.Contains(t, resp.Services["nats"], "disconnected")
	})
}

func TestPipelineLifecycle(t *testing.T) {
	server := setupTestServer(t)
	walkToStyleRender(t, server, "p1")

	t.Run("duplicate create conflicts", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/api/v1/pipelines", CreatePipelineRequest{ID: "p1", OwnerRef: "u1"})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("unknown pipeline is not found", func(t *testing.T) {
		rec := do(t, server, http.MethodGet, "/api/v1/pipelines/nope", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("stale transition conflicts", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/api/v1/pipelines/p1/transition",
			TransitionRequest{ExpectedPhase: pipeline.PhaseUpload, ExpectedStep: 0})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("confirm outside a confirmation phase is unprocessable", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/api/v1/pipelines/p1/confirm",
			ConfirmRequest{ExpectedPhase: pipeline.PhaseStyleRender})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("invalid outcome is a bad request", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/api/v1/pipelines/p1/attempts",
			AttemptRequest{Step: 2, Outcome: "maybe"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("list and audit", func(t *testing.T) {
		rec := do(t, server, http.MethodGet, "/api/v1/pipelines?status=active", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, decode[ListPipelinesResponse](t, rec).Pipelines, 1)

		rec = do(t, server, http.MethodGet, "/api/v1/pipelines/p1/audit", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotEmpty(t, decode[AuditResponse](t, rec).Records)
	})

	t.Run("reset bumps the generation", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/api/v1/pipelines/p1/reset", ResetRequest{Reason: "operator"})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.EqualValues(t, 1, decode[pipeline.View](t, rec).Generation)
	})
}

func TestHandleReview(t *testing.T) {
	server := setupTestServer(t)
	walkToStyleRender(t, server, "p1")

	rec := do(t, server, http.MethodPost, "/api/v1/pipelines/p1/reviews", rejectBody(clutterFeedback))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[orchestrator.Result](t, rec)
	require.NotNil(t, res.Rejection)
	assert.Contains(t, res.Rejection.Categories, classifier.CategoryExtraFurniture)
	assert.NotContains(t, rec.Body.String(), clutterFeedback)
	require.NotNil(t, res.Constraints)
	assert.Equal(t, 2, res.Constraints.Step)

	t.Run("missing decision is a bad request", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/api/v1/pipelines/p1/reviews", map[string]interface{}{"step": 2})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("critical rejection blocks and later reviews are locked", func(t *testing.T) {
		body := rejectBody("a wall was removed")
		body["severity"] = "critical"
		rec := do(t, server, http.MethodPost, "/api/v1/pipelines/p1/reviews", body)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.True(t, decode[orchestrator.Result](t, rec).Attempt.Blocked)

		rec = do(t, server, http.MethodPost, "/api/v1/pipelines/p1/reviews", rejectBody(clutterFeedback))
		assert.Equal(t, http.StatusLocked, rec.Code)

		rec = do(t, server, http.MethodGet, "/api/v1/pipelines/p1/context", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		bc := decode[orchestrator.BlockedContext](t, rec)
		assert.Len(t, bc.Rejections, 2)
		assert.NotContains(t, rec.Body.String(), "a wall was removed")
	})
}

func TestComposeConstraints(t *testing.T) {
	server := setupTestServer(t)
	walkToStyleRender(t, server, "p1")

	rec := do(t, server, http.MethodGet, "/api/v1/pipelines/p1/constraints", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, decode[constraints.Set](t, rec).Len())

	for i := 0; i < 3; i++ {
		rec = do(t, server, http.MethodPost, "/api/v1/pipelines/p1/reviews", rejectBody(clutterFeedback))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec = do(t, server, http.MethodGet, "/api/v1/pipelines/p1/constraints", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	set := decode[constraints.Set](t, rec)
	assert.NotEmpty(t, set.Removals)
	assert.Equal(t, 2, set.Step)

	rec = do(t, server, http.MethodGet, "/api/v1/pipelines/p1/constraints?step=x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleClassify(t *testing.T) {
	server := setupTestServer(t)

	rec := do(t, server, http.MethodPost, "/api/v1/classify", map[string]interface{}{
		"pipeline_id":  "p1",
		"raw_feedback": "the lighting is too dark",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	ev := decode[classifier.Event](t, rec)
	assert.NotEmpty(t, ev.Categories)
	assert.NotEmpty(t, ev.RawFeedbackRef)

	rec = do(t, server, http.MethodPost, "/api/v1/classify", map[string]interface{}{"raw_feedback": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRulesAPI(t *testing.T) {
	server := setupTestServer(t)
	walkToStyleRender(t, server, "p1")
	for i := 0; i < 3; i++ {
		rec := do(t, server, http.MethodPost, "/api/v1/pipelines/p1/reviews", rejectBody(clutterFeedback))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec := do(t, server, http.MethodGet, "/api/v1/rules?scope=pipeline&owner_ref=p1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ruleID string
	for _, r := range decode[ListRulesResponse](t, rec).Rules {
		assert.NotEmpty(t, r.Explanation)
		if r.Stage == rules.StageCheck {
			ruleID = r.ID
		}
	}
	require.NotEmpty(t, ruleID, "expected an escalated pipeline rule")

	t.Run("mute", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/api/v1/rules/"+ruleID+"/mute", ToggleRequest{Value: true})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, decode[rules.Rule](t, rec).Muted)
	})

	t.Run("lock", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/api/v1/rules/"+ruleID+"/lock", ToggleRequest{Value: true})
		require.Equal(t, http.StatusOK, rec.Code)
		r := decode[rules.Rule](t, rec)
		assert.True(t, r.Locked)
		assert.Equal(t, rules.MaxHealth, r.Health)
	})

	t.Run("promote to global", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/api/v1/rules/"+ruleID+"/promote", PromoteRequest{Reason: "house style"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		r := decode[rules.Rule](t, rec)
		assert.Equal(t, rules.ScopeGlobal, r.Scope)
		assert.Equal(t, rules.StageLaw, r.Stage)

		rec = do(t, server, http.MethodGet, "/api/v1/rules/"+r.ID+"/promotions", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, decode[PromotionsResponse](t, rec).Promotions, 1)
	})

	t.Run("override", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/api/v1/rules/"+ruleID+"/overrides", OverrideRequest{Kind: "bogus"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		rec = do(t, server, http.MethodPost, "/api/v1/rules/"+ruleID+"/overrides", OverrideRequest{Kind: OverrideRejectedLater})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 1, decode[rules.Rule](t, rec).RejectedDueToTriggerCount)
	})

	t.Run("reset", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/api/v1/rules/reset", ResetRulesRequest{Scope: "galaxy", OwnerRef: "p1"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = do(t, server, http.MethodPost, "/api/v1/rules/reset", ResetRulesRequest{Scope: rules.ScopePipeline, OwnerRef: "p1"})
		require.Equal(t, http.StatusOK, rec.Code)
		for _, r := range decode[ListRulesResponse](t, rec).Rules {
			assert.Equal(t, rules.StageNudge, r.Stage)
			assert.Zero(t, r.ViolationCount)
		}
	})

	t.Run("unknown rule", func(t *testing.T) {
		rec := do(t, server, http.MethodGet, "/api/v1/rules/missing", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("decay sweep", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/api/v1/rules/decay", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotZero(t, decode[learning.DecayReport](t, rec).Scanned)
	})
}

func TestHandleRunStep(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		server := setupTestServer(t)
		walkToStyleRender(t, server, "p1")
		rec := do(t, server, http.MethodPost, "/api/v1/pipelines/p1/run", RunStepRequest{Prompt: "render"})
		assert.Equal(t, http.StatusNotImplemented, rec.Code)
	})

	t.Run("infrastructure failure is a bad gateway", func(t *testing.T) {
		server, err := NewServer(newTestOrchestrator(t, failingGenerator{}, approvingReviewer{}), zap.NewNop(), nil)
		require.NoError(t, err)
		walkToStyleRender(t, server, "p1")
		rec := do(t, server, http.MethodPost, "/api/v1/pipelines/p1/run", RunStepRequest{Prompt: "render"})
		assert.Equal(t, http.StatusBadGateway, rec.Code)

		rec = do(t, server, http.MethodGet, "/api/v1/pipelines/p1", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Zero(t, decode[pipeline.View](t, rec).AttemptCount)
	})

	t.Run("bad timeout", func(t *testing.T) {
		server, err := NewServer(newTestOrchestrator(t, failingGenerator{}, approvingReviewer{}), zap.NewNop(), nil)
		require.NoError(t, err)
		rec := do(t, server, http.MethodPost, "/api/v1/pipelines/p1/run", RunStepRequest{Prompt: "render", ReviewTimeout: "soon"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestBearerAuth(t *testing.T) {
	server, err := NewServer(newTestOrchestrator(t, nil, nil), zap.NewNop(), &Config{Host: "127.0.0.1", Port: 8088, APIToken: "s3cret"})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, do(t, server, http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, server, http.MethodGet, "/api/v1/pipelines", nil).Code)
	assert.Equal(t, http.StatusUnauthorized,
		do(t, server, http.MethodGet, "/api/v1/pipelines", nil, "Authorization", "Bearer wrong").Code)
	assert.Equal(t, http.StatusOK,
		do(t, server, http.MethodGet, "/api/v1/pipelines", nil, "Authorization", "Bearer s3cret").Code)
}

func TestRateLimit(t *testing.T) {
	server, err := NewServer(newTestOrchestrator(t, nil, nil), zap.NewNop(), &Config{Host: "127.0.0.1", Port: 8088, RateLimit: 0.01, RateBurst: 1})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, do(t, server, http.MethodGet, "/api/v1/pipelines", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(t, server, http.MethodGet, "/api/v1/pipelines", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, server, http.MethodGet, "/health", nil).Code)
}

func TestMetricsMiddleware(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	server := setupTestServer(t, WithMetrics(NewHTTPMetrics(tel.Meter(InstrumentationName), nil)))

	do(t, server, http.MethodGet, "/health", nil)
	do(t, server, http.MethodGet, "/api/v1/pipelines/nope", nil)

	assert.EqualValues(t, 2, tel.CounterValue(t, "http.requests.total"))
}
