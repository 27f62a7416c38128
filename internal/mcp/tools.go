package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MSA-I/RE-TOUR-sub006/internal/classifier"
	"github.com/MSA-I/RE-TOUR-sub006/internal/external"
	"github.com/MSA-I/RE-TOUR-sub006/internal/orchestrator"
	"github.com/MSA-I/RE-TOUR-sub006/internal/pipeline"
)

var errInvalidArgument = errors.New("invalid argument")

// ===== pipeline_create =====

type pipelineCreateInput struct {
	PipelineID  string `json:"pipeline_id" jsonschema:"Unique pipeline identifier"`
	OwnerRef    string `json:"owner_ref" jsonschema:"User that owns the pipeline"`
	MaxAttempts int    `json:"max_attempts,omitempty" jsonschema:"Attempt budget per step (default: configured budget)"`
}

type pipelineOutput struct {
	Pipeline pipelineView `json:"pipeline"`
}

// ===== pipeline_get =====

type pipelineRefInput struct {
	PipelineID string `json:"pipeline_id" jsonschema:"Pipeline identifier"`
}

// ===== pipeline_list =====

type pipelineListInput struct {
	Status string `json:"status,omitempty" jsonschema:"Filter by status: active, blocked_for_review or completed"`
}

type pipelineListOutput struct {
	Pipelines []pipelineView `json:"pipelines"`
	Count     int            `json:"count"`
}

// ===== pipeline_transition / pipeline_confirm =====

type pipelineTransitionInput struct {
	PipelineID    string `json:"pipeline_id" jsonschema:"Pipeline identifier"`
	ExpectedPhase string `json:"expected_phase" jsonschema:"Phase the caller believes the pipeline is in"`
	ExpectedStep  int    `json:"expected_step" jsonschema:"Step the caller believes the pipeline is at"`
}

type pipelineConfirmInput struct {
	PipelineID    string `json:"pipeline_id" jsonschema:"Pipeline identifier"`
	ExpectedPhase string `json:"expected_phase" jsonschema:"Confirmation phase the pipeline waits in"`
}

// ===== pipeline_reset =====

type pipelineResetInput struct {
	PipelineID string `json:"pipeline_id" jsonschema:"Pipeline identifier"`
	Reason     string `json:"reason" jsonschema:"Why the pipeline is reset"`
}

// ===== review_submit =====

type reviewSubmitInput struct {
	PipelineID  string   `json:"pipeline_id" jsonschema:"Pipeline identifier"`
	Step        int      `json:"step" jsonschema:"Step the review is for"`
	Decision    string   `json:"decision" jsonschema:"approved or rejected"`
	Severity    string   `json:"severity,omitempty" jsonschema:"minor, major or critical"`
	Score       *float64 `json:"score,omitempty" jsonschema:"Upstream confidence in [0, 1]"`
	RawFeedback string   `json:"raw_feedback,omitempty" jsonschema:"Reviewer feedback text. Classified and archived, never echoed"`
	AssetID     string   `json:"asset_id,omitempty" jsonschema:"Reviewed asset"`
	Generation  *int64   `json:"generation,omitempty" jsonschema:"Pipeline generation observed by the caller"`
}

type reviewSubmitOutput struct {
	Pipeline     pipelineView     `json:"pipeline"`
	Transitioned bool             `json:"transitioned"`
	Blocked      bool             `json:"blocked"`
	BlockReason  string           `json:"block_reason,omitempty"`
	Rejection    *rejectionView   `json:"rejection,omitempty"`
	Rules        []ruleView       `json:"rules,omitempty"`
	Relieved     int              `json:"relieved"`
	Constraints  []constraintView `json:"constraints,omitempty"`
}

// ===== pipeline_context =====

type pipelineContextOutput struct {
	Pipeline   pipelineView    `json:"pipeline"`
	Rejections []rejectionView `json:"rejections"`
	Rules      []ruleView      `json:"rules"`
	Audit      []auditView     `json:"audit"`
}

// ===== feedback_classify =====

type classifyInput struct {
	RawFeedback string `json:"raw_feedback" jsonschema:"Feedback text to classify"`
	Severity    string `json:"severity,omitempty" jsonschema:"minor, major or critical"`
	Step        int    `json:"step,omitempty" jsonschema:"Step the feedback refers to"`
}

type classifyOutput struct {
	Rejection rejectionView `json:"rejection"`
}

// ===== constraints_compose =====

type composeInput struct {
	PipelineID string `json:"pipeline_id" jsonschema:"Pipeline identifier"`
	Step       *int   `json:"step,omitempty" jsonschema:"Step to compose for (default: current step)"`
}

type composeOutput struct {
	Step        int              `json:"step"`
	Constraints []constraintView `json:"constraints"`
	Dropped     int              `json:"dropped"`
}

func (s *Server) registerPipelineTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "pipeline_create",
		Description: "Create a pipeline at its first phase",
	}, instrument(s, "pipeline_create", func(ctx context.Context, in pipelineCreateInput) (pipelineOutput, error) {
		if in.MaxAttempts < 0 {
			return pipelineOutput{}, fmt.Errorf("%w: max_attempts cannot be negative", errInvalidArgument)
		}
		v, err := s.orch.Pipelines.Create(ctx, in.PipelineID, in.OwnerRef, in.MaxAttempts)
		if err != nil {
			return pipelineOutput{}, err
		}
		return pipelineOutput{Pipeline: toPipelineView(v)}, nil
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "pipeline_get",
		Description: "Get a pipeline's phase, step, attempts and status",
	}, instrument(s, "pipeline_get", func(ctx context.Context, in pipelineRefInput) (pipelineOutput, error) {
		v, err := s.orch.Pipelines.Get(ctx, in.PipelineID)
		if err != nil {
			return pipelineOutput{}, err
		}
		return pipelineOutput{Pipeline: toPipelineView(v)}, nil
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "pipeline_list",
		Description: "List pipelines, optionally by status",
	}, instrument(s, "pipeline_list", func(ctx context.Context, in pipelineListInput) (pipelineListOutput, error) {
		vs, err := s.orch.Pipelines.List(ctx, pipeline.Status(in.Status))
		if err != nil {
			return pipelineListOutput{}, err
		}
		out := pipelineListOutput{Pipelines: make([]pipelineView, 0, len(vs)), Count: len(vs)}
		for _, v := range vs {
			out.Pipelines = append(out.Pipelines, toPipelineView(v))
		}
		return out, nil
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "pipeline_transition",
		Description: "Advance a pipeline to its next phase. Fails as stale if the expected phase or step is out of date",
	}, instrument(s, "pipeline_transition", func(ctx context.Context, in pipelineTransitionInput) (pipelineOutput, error) {
		v, err := s.orch.Pipelines.Transition(ctx, in.PipelineID, pipeline.Phase(in.ExpectedPhase), in.ExpectedStep)
		if err != nil {
			return pipelineOutput{}, err
		}
		return pipelineOutput{Pipeline: toPipelineView(v)}, nil
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "pipeline_confirm",
		Description: "Confirm a pipeline waiting in a confirmation phase",
	}, instrument(s, "pipeline_confirm", func(ctx context.Context, in pipelineConfirmInput) (pipelineOutput, error) {
		v, err := s.orch.Pipelines.Confirm(ctx, in.PipelineID, pipeline.Phase(in.ExpectedPhase))
		if err != nil {
			return pipelineOutput{}, err
		}
		return pipelineOutput{Pipeline: toPipelineView(v)}, nil
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "pipeline_reset",
		Description: "Unblock a pipeline and restore its attempt budget. In-flight reviews become stale",
	}, instrument(s, "pipeline_reset", func(ctx context.Context, in pipelineResetInput) (pipelineOutput, error) {
		v, err := s.orch.Pipelines.Reset(ctx, in.PipelineID, in.Reason)
		if err != nil {
			return pipelineOutput{}, err
		}
		return pipelineOutput{Pipeline: toPipelineView(v)}, nil
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "review_submit",
		Description: "Submit a review outcome for the pipeline's current step. Rejections are classified and learned from",
	}, instrument(s, "review_submit", func(ctx context.Context, in reviewSubmitInput) (reviewSubmitOutput, error) {
		if in.Severity != "" && !classifier.Severity(in.Severity).Valid() {
			return reviewSubmitOutput{}, fmt.Errorf("%w: unknown severity %q", errInvalidArgument, in.Severity)
		}
		res, err := s.orch.HandleReview(ctx, orchestrator.ReviewInput{
			PipelineID:  in.PipelineID,
			Step:        in.Step,
			Generation:  in.Generation,
			AssetID:     in.AssetID,
			Decision:    external.Decision(in.Decision),
			Severity:    classifier.Severity(in.Severity),
			Score:       in.Score,
			RawFeedback: in.RawFeedback,
		})
		if err != nil {
			return reviewSubmitOutput{}, err
		}
		out := reviewSubmitOutput{
			Pipeline:     toPipelineView(res.Attempt.Pipeline),
			Transitioned: res.Attempt.Transitioned,
			Blocked:      res.Attempt.Blocked,
			BlockReason:  string(res.Attempt.BlockReason),
			Relieved:     len(res.Relieved),
		}
		if res.Rejection != nil {
			rv := toRejectionView(*res.Rejection)
			out.Rejection = &rv
		}
		for _, v := range res.Violations {
			if v.Rule != nil {
				out.Rules = append(out.Rules, toRuleView(v.Rule))
			}
		}
		if res.Constraints != nil {
			out.Constraints = toConstraintViews(*res.Constraints)
		}
		return out, nil
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "pipeline_context",
		Description: "Reviewer context for a pipeline: state, classified rejections, rules in force with explanations, and audit trail",
	}, instrument(s, "pipeline_context", func(ctx context.Context, in pipelineRefInput) (pipelineContextOutput, error) {
		bc, err := s.orch.BlockedContext(ctx, in.PipelineID)
		if err != nil {
			return pipelineContextOutput{}, err
		}
		out := pipelineContextOutput{
			Pipeline:   toPipelineView(bc.Pipeline),
			Rejections: make([]rejectionView, 0, len(bc.Rejections)),
			Rules:      make([]ruleView, 0, len(bc.Rules)),
			Audit:      toAuditViews(bc.Audit),
		}
		for _, ev := range bc.Rejections {
			out.Rejections = append(out.Rejections, toRejectionView(ev))
		}
		for _, r := range bc.Rules {
			out.Rules = append(out.Rules, toRuleView(r.Rule))
		}
		return out, nil
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "feedback_classify",
		Description: "Classify feedback into rejection categories without recording anything",
	}, instrument(s, "feedback_classify", func(_ context.Context, in classifyInput) (classifyOutput, error) {
		if in.RawFeedback == "" {
			return classifyOutput{}, fmt.Errorf("%w: raw_feedback is required", errInvalidArgument)
		}
		ev := s.orch.Classifier.Classify(classifier.Input{
			Step:        in.Step,
			RawFeedback: in.RawFeedback,
			Severity:    classifier.Severity(in.Severity),
		})
		return classifyOutput{Rejection: toRejectionView(ev)}, nil
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "constraints_compose",
		Description: "Preview the constraint lines the next generation of a step would receive",
	}, instrument(s, "constraints_compose", func(ctx context.Context, in composeInput) (composeOutput, error) {
		var step int
		if in.Step != nil {
			if *in.Step < 0 {
				return composeOutput{}, fmt.Errorf("%w: step cannot be negative", errInvalidArgument)
			}
			step = *in.Step
		} else {
			v, err := s.orch.Pipelines.Get(ctx, in.PipelineID)
			if err != nil {
				return composeOutput{}, err
			}
			step = v.CurrentStep
		}
		set, err := s.orch.Injector.Compose(ctx, in.PipelineID, step, nil)
		if err != nil {
			return composeOutput{}, err
		}
		return composeOutput{Step: step, Constraints: toConstraintViews(set), Dropped: len(set.Dropped)}, nil
	}))
}
