package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MSA-I/RE-TOUR-sub006/internal/classifier"
	"github.com/MSA-I/RE-TOUR-sub006/internal/constraints"
	"github.com/MSA-I/RE-TOUR-sub006/internal/learning"
	"github.com/MSA-I/RE-TOUR-sub006/internal/orchestrator"
	"github.com/MSA-I/RE-TOUR-sub006/internal/pipeline"
	"github.com/MSA-I/RE-TOUR-sub006/internal/store"
	"github.com/MSA-I/RE-TOUR-sub006/internal/telemetry"
)

const clutterFeedback = "too much clutter, keep minimal"

func newTestOrchestrator(t *testing.T) *orchestrator.Orchestrator {
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
	})
	require.NoError(t, err)
	return orch
}

// connect starts the server on one end of an in-memory pipe and returns
// a client session on the other.
func connect(t *testing.T, cfg *Config) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()
	srv, err := NewServer(cfg, newTestOrchestrator(t))
	require.NoError(t, err)

	serverT, clientT := mcp.NewInMemoryTransports()
	ss, err := srv.Connect(ctx, serverT)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)
	cs, err := client.Connect(ctx, clientT, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

// call invokes a tool and decodes its structured output into out. It
// returns the result so callers can check IsError.
func call(t *testing.T, cs *mcp.ClientSession, name string, args map[string]any, out any) *mcp.CallToolResult {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	if out != nil && !res.IsError {
		raw, err := json.Marshal(res.StructuredContent)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, out))
	}
	return res
}

func walkToStyleRender(t *testing.T, cs *mcp.ClientSession, id string) {
	t.Helper()
	var out pipelineOutput
	require.False(t, call(t, cs, "pipeline_create", map[string]any{"pipeline_id": id, "owner_ref": "u1"}, &out).IsError)
	require.False(t, call(t, cs, "pipeline_transition", map[string]any{
		"pipeline_id": id, "expected_phase": "upload", "expected_step": 0,
	}, &out).IsError)
	require.False(t, call(t, cs, "review_submit", map[string]any{
		"pipeline_id": id, "step": 1, "decision": "approved",
	}, nil).IsError)
	require.False(t, call(t, cs, "pipeline_confirm", map[string]any{
		"pipeline_id": id, "expected_phase": "space_analysis_confirm",
	}, &out).IsError)
	require.Equal(t, 2, out.Pipeline.CurrentStep)
}

func TestNewServer_RequiresOrchestrator(t *testing.T) {
	_, err := NewServer(nil, nil)
	assert.Error(t, err)
}

func TestListTools(t *testing.T) {
	cs := connect(t, nil)
	res, err := cs.ListTools(context.Background(), nil)
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, tool := range res.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{
		"pipeline_create", "pipeline_get", "pipeline_list", "pipeline_transition",
		"pipeline_confirm", "pipeline_reset", "review_submit", "pipeline_context",
		"feedback_classify", "constraints_compose", "rules_list", "rule_mute",
		"rule_lock", "rules_reset", "rule_promote", "decay_sweep",
	} {
		assert.True(t, names[want], "missing tool %s", want)
	}
}

func TestReviewSubmit_RejectionNeverEchoesFeedback(t *testing.T) {
	cs := connect(t, nil)
	walkToStyleRender(t, cs, "p1")

	var out reviewSubmitOutput
	res := call(t, cs, "review_submit", map[string]any{
		"pipeline_id": "p1", "step": 2, "decision": "rejected", "raw_feedback": clutterFeedback,
	}, &out)
	require.False(t, res.IsError)
	require.NotNil(t, out.Rejection)
	assert.Contains(t, out.Rejection.Categories, "extra_furniture")
	assert.Equal(t, 1, out.Pipeline.AttemptCount)
	assert.NotEmpty(t, out.Rules)

	raw, err := json.Marshal(res)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), clutterFeedback)
}

func TestReviewSubmit_Errors(t *testing.T) {
	cs := connect(t, nil)
	walkToStyleRender(t, cs, "p1")

	t.Run("unknown decision", func(t *testing.T) {
		res := call(t, cs, "review_submit", map[string]any{"pipeline_id": "p1", "step": 2, "decision": "maybe"}, nil)
		assert.True(t, res.IsError)
	})

	t.Run("unknown severity", func(t *testing.T) {
		res := call(t, cs, "review_submit", map[string]any{
			"pipeline_id": "p1", "step": 2, "decision": "rejected", "severity": "apocalyptic",
		}, nil)
		assert.True(t, res.IsError)
	})

	t.Run("stale step", func(t *testing.T) {
		res := call(t, cs, "review_submit", map[string]any{"pipeline_id": "p1", "step": 5, "decision": "approved"}, nil)
		assert.True(t, res.IsError)
	})

	t.Run("unknown pipeline", func(t *testing.T) {
		res := call(t, cs, "pipeline_get", map[string]any{"pipeline_id": "nope"}, nil)
		assert.True(t, res.IsError)
	})
}

func TestRuleTools(t *testing.T) {
	cs := connect(t, nil)
	walkToStyleRender(t, cs, "p1")
	for i := 0; i < 3; i++ {
		require.False(t, call(t, cs, "review_submit", map[string]any{
			"pipeline_id": "p1", "step": 2, "decision": "rejected", "raw_feedback": clutterFeedback,
		}, nil).IsError)
	}

	var composed composeOutput
	require.False(t, call(t, cs, "constraints_compose", map[string]any{"pipeline_id": "p1"}, &composed).IsError)
	assert.Equal(t, 2, composed.Step)
	assert.NotEmpty(t, composed.Constraints)

	var listed rulesOutput
	require.False(t, call(t, cs, "rules_list", map[string]any{"scope": "pipeline", "owner_ref": "p1"}, &listed).IsError)
	require.NotZero(t, listed.Count)
	ruleID := listed.Rules[0].ID
	assert.NotEmpty(t, listed.Rules[0].Explanation)

	var muted ruleOutput
	require.False(t, call(t, cs, "rule_mute", map[string]any{"rule_id": ruleID, "value": true}, &muted).IsError)
	assert.True(t, muted.Rule.Muted)

	var promoted ruleOutput
	require.False(t, call(t, cs, "rule_promote", map[string]any{"rule_id": ruleID, "reason": "house style"}, &promoted).IsError)
	assert.Equal(t, "global", promoted.Rule.Scope)
	assert.Equal(t, "law", promoted.Rule.Stage)

	var reset rulesOutput
	require.False(t, call(t, cs, "rules_reset", map[string]any{"scope": "pipeline", "owner_ref": "p1"}, &reset).IsError)
	for _, r := range reset.Rules {
		assert.Equal(t, "nudge", r.Stage)
	}

	assert.True(t, call(t, cs, "rules_list", map[string]any{"scope": "galaxy"}, nil).IsError)

	var sweep decaySweepOutput
	require.False(t, call(t, cs, "decay_sweep", map[string]any{}, &sweep).IsError)
	assert.NotZero(t, sweep.Scanned)
}

func TestPipelineContext(t *testing.T) {
	cs := connect(t, nil)
	walkToStyleRender(t, cs, "p1")
	require.False(t, call(t, cs, "review_submit", map[string]any{
		"pipeline_id": "p1", "step": 2, "decision": "rejected",
		"severity": "critical", "raw_feedback": "a wall was removed",
	}, nil).IsError)

	var out pipelineContextOutput
	res := call(t, cs, "pipeline_context", map[string]any{"pipeline_id": "p1"}, &out)
	require.False(t, res.IsError)
	assert.Equal(t, string(pipeline.StatusBlocked), out.Pipeline.Status)
	assert.Len(t, out.Rejections, 1)
	assert.NotEmpty(t, out.Audit)

	var reset pipelineOutput
	require.False(t, call(t, cs, "pipeline_reset", map[string]any{"pipeline_id": "p1", "reason": "fixed upstream"}, &reset).IsError)
	assert.Equal(t, string(pipeline.StatusActive), reset.Pipeline.Status)
	assert.EqualValues(t, 1, reset.Pipeline.Generation)
}

func TestFeedbackClassify(t *testing.T) {
	cs := connect(t, nil)

	var out classifyOutput
	require.False(t, call(t, cs, "feedback_classify", map[string]any{"raw_feedback": "the sofa is missing"}, &out).IsError)
	assert.Contains(t, out.Rejection.Categories, "missing_furniture")

	assert.True(t, call(t, cs, "feedback_classify", map[string]any{"raw_feedback": ""}, nil).IsError)
}

func TestMetrics_RecordInvocations(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	cfg := DefaultConfig()
	cfg.Metrics = NewMetrics(tel.Meter(InstrumentationName), nil)
	cs := connect(t, cfg)

	call(t, cs, "pipeline_list", map[string]any{}, nil)
	call(t, cs, "pipeline_get", map[string]any{"pipeline_id": "nope"}, nil)

	assert.EqualValues(t, 2, tel.CounterValue(t, "mcp.tool.invocations.total"))
	assert.EqualValues(t, 1, tel.CounterValue(t, "mcp.tool.errors.total"))
}

func TestCategorizeError(t *testing.T) {
	assert.Equal(t, "not_found", categorizeError(pipeline.ErrPipelineNotFound))
	assert.Equal(t, "conflict", categorizeError(pipeline.ErrStaleTransition))
	assert.Equal(t, "infrastructure", categorizeError(orchestrator.ErrInfrastructureFailure))
	assert.Equal(t, "validation_error", categorizeError(errInvalidArgument))
}
