package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/MSA-I/RE-TOUR-sub006/internal/classifier"
	"github.com/MSA-I/RE-TOUR-sub006/internal/orchestrator"
	"github.com/MSA-I/RE-TOUR-sub006/internal/pipeline"
)

// CreatePipelineRequest is the request body for POST /api/v1/pipelines.
type CreatePipelineRequest struct {
	ID       string `json:"id"`
	OwnerRef string `json:"owner_ref"`
	// MaxAttempts overrides the configured budget when positive.
	MaxAttempts int `json:"max_attempts,omitempty"`
}

// TransitionRequest is the request body for POST .../transition. Both
// fields are the caller's view of the pipeline and must match it.
type TransitionRequest struct {
	ExpectedPhase pipeline.Phase `json:"expected_phase"`
	ExpectedStep  int            `json:"expected_step"`
}

// AttemptRequest records a bare attempt outcome without classification.
type AttemptRequest struct {
	Step         int              `json:"step"`
	Outcome      pipeline.Outcome `json:"outcome"`
	Generation   *int64           `json:"generation,omitempty"`
	ErrorSummary string           `json:"error_summary,omitempty"`
}

// ResetRequest is the request body for POST .../reset.
type ResetRequest struct {
	Reason string `json:"reason"`
}

// ConfirmRequest is the request body for POST .../confirm.
type ConfirmRequest struct {
	ExpectedPhase pipeline.Phase `json:"expected_phase"`
}

// RunStepRequest is the request body for POST .../run. Timeouts are Go
// duration strings.
type RunStepRequest struct {
	Prompt          string   `json:"prompt"`
	InputRefs       []string `json:"input_refs,omitempty"`
	GenerateTimeout string   `json:"generate_timeout,omitempty"`
	ReviewTimeout   string   `json:"review_timeout,omitempty"`
}

// ListPipelinesResponse is the response body for GET /api/v1/pipelines.
type ListPipelinesResponse struct {
	Pipelines []pipeline.View `json:"pipelines"`
}

// AuditResponse is the response body for GET .../audit.
type AuditResponse struct {
	Records []pipeline.AuditRecord `json:"records"`
}

func (s *Server) handleCreatePipeline(c echo.Context) error {
	var req CreatePipelineRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	if req.MaxAttempts < 0 {
		return badRequest("max_attempts cannot be negative")
	}
	v, err := s.orch.Pipelines.Create(c.Request().Context(), req.ID, req.OwnerRef, req.MaxAttempts)
	if err != nil {
		return s.fail(c, "create pipeline", err)
	}
	return c.JSON(http.StatusCreated, v)
}

func (s *Server) handleGetPipeline(c echo.Context) error {
	v, err := s.orch.Pipelines.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, "get pipeline", err)
	}
	return c.JSON(http.StatusOK, v)
}

func (s *Server) handleListPipelines(c echo.Context) error {
	status := pipeline.Status(c.QueryParam("status"))
	vs, err := s.orch.Pipelines.List(c.Request().Context(), status)
	if err != nil {
		return s.fail(c, "list pipelines", err)
	}
	if vs == nil {
		vs = []pipeline.View{}
	}
	return c.JSON(http.StatusOK, ListPipelinesResponse{Pipelines: vs})
}

func (s *Server) handleTransition(c echo.Context) error {
	var req TransitionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	if req.ExpectedPhase == "" {
		return badRequest("expected_phase is required")
	}
	v, err := s.orch.Pipelines.Transition(c.Request().Context(), c.Param("id"), req.ExpectedPhase, req.ExpectedStep)
	if err != nil {
		return s.fail(c, "transition", err)
	}
	return c.JSON(http.StatusOK, v)
}

func (s *Server) handleRecordAttempt(c echo.Context) error {
	var req AttemptRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	var opts []pipeline.AttemptOption
	if req.Generation != nil {
		opts = append(opts, pipeline.WithGeneration(*req.Generation))
	}
	if req.ErrorSummary != "" {
		opts = append(opts, pipeline.WithErrorSummary(req.ErrorSummary))
	}
	res, err := s.orch.Pipelines.RecordAttempt(c.Request().Context(), c.Param("id"), req.Step, req.Outcome, opts...)
	if err != nil {
		return s.fail(c, "record attempt", err)
	}
	return c.JSON(http.StatusOK, res)
}

// handleReview runs a review outcome through classification, learning and
// the attempt commit.
func (s *Server) handleReview(c echo.Context) error {
	var in orchestrator.ReviewInput
	if err := c.Bind(&in); err != nil {
		return badRequest("invalid request body")
	}
	in.PipelineID = c.Param("id")
	res, err := s.orch.HandleReview(c.Request().Context(), in)
	if err != nil {
		return s.fail(c, "review", err)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleRunStep(c echo.Context) error {
	var req RunStepRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	if s.orch.Generator == nil || s.orch.Reviewer == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "generation and review services are not configured")
	}
	genTimeout, err := parseOptionalDuration(req.GenerateTimeout)
	if err != nil {
		return badRequest("invalid generate_timeout")
	}
	revTimeout, err := parseOptionalDuration(req.ReviewTimeout)
	if err != nil {
		return badRequest("invalid review_timeout")
	}
	res, err := s.orch.RunStep(c.Request().Context(), orchestrator.StepRequest{
		PipelineID:      c.Param("id"),
		Prompt:          req.Prompt,
		InputRefs:       req.InputRefs,
		GenerateTimeout: genTimeout,
		ReviewTimeout:   revTimeout,
	})
	if err != nil {
		return s.fail(c, "run step", err)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleResetPipeline(c echo.Context) error {
	var req ResetRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	v, err := s.orch.Pipelines.Reset(c.Request().Context(), c.Param("id"), req.Reason)
	if err != nil {
		return s.fail(c, "reset pipeline", err)
	}
	return c.JSON(http.StatusOK, v)
}

func (s *Server) handleConfirm(c echo.Context) error {
	var req ConfirmRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	if req.ExpectedPhase == "" {
		return badRequest("expected_phase is required")
	}
	v, err := s.orch.Pipelines.Confirm(c.Request().Context(), c.Param("id"), req.ExpectedPhase)
	if err != nil {
		return s.fail(c, "confirm", err)
	}
	return c.JSON(http.StatusOK, v)
}

func (s *Server) handleAudit(c echo.Context) error {
	recs, err := s.orch.Pipelines.Audit(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, "audit", err)
	}
	if recs == nil {
		recs = []pipeline.AuditRecord{}
	}
	return c.JSON(http.StatusOK, AuditResponse{Records: recs})
}

func (s *Server) handleBlockedContext(c echo.Context) error {
	bc, err := s.orch.BlockedContext(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, "blocked context", err)
	}
	return c.JSON(http.StatusOK, bc)
}

// handleComposeConstraints previews the constraints for a step, the
// pipeline's current step unless ?step= is given.
func (s *Server) handleComposeConstraints(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	var step int
	if raw := c.QueryParam("step"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return badRequest("step must be a non-negative integer")
		}
		step = n
	} else {
		v, err := s.orch.Pipelines.Get(ctx, id)
		if err != nil {
			return s.fail(c, "compose constraints", err)
		}
		step = v.CurrentStep
	}
	set, err := s.orch.Injector.Compose(ctx, id, step, nil)
	if err != nil {
		return s.fail(c, "compose constraints", err)
	}
	return c.JSON(http.StatusOK, set)
}

// handleClassify classifies feedback without recording anything.
func (s *Server) handleClassify(c echo.Context) error {
	var in classifier.Input
	if err := c.Bind(&in); err != nil {
		return badRequest("invalid request body")
	}
	if in.RawFeedback == "" {
		return badRequest("raw_feedback is required")
	}
	if in.Severity != "" && !in.Severity.Valid() {
		return badRequest("unknown severity")
	}
	return c.JSON(http.StatusOK, s.orch.Classifier.Classify(in))
}

func parseOptionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
