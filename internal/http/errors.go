package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/MSA-I/RE-TOUR-sub006/internal/classifier"
	"github.com/MSA-I/RE-TOUR-sub006/internal/constraints"
	"github.com/MSA-I/RE-TOUR-sub006/internal/learning"
	"github.com/MSA-I/RE-TOUR-sub006/internal/orchestrator"
	"github.com/MSA-I/RE-TOUR-sub006/internal/pipeline"
	"github.com/MSA-I/RE-TOUR-sub006/internal/rules"
	"github.com/MSA-I/RE-TOUR-sub006/internal/store"
)

// statusFor maps a service error to an HTTP status. Order matters: a
// budget-blocked error also wraps ErrMaxAttemptsExceeded.
func statusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrStaleTransition),
		errors.Is(err, pipeline.ErrPipelineExists),
		errors.Is(err, rules.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrPipelineNotFound),
		errors.Is(err, rules.ErrRuleNotFound),
		errors.Is(err, store.ErrFeedbackNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrBlockedForReview),
		errors.Is(err, pipeline.ErrMaxAttemptsExceeded):
		return http.StatusLocked
	case errors.Is(err, pipeline.ErrUnknownPhase),
		errors.Is(err, pipeline.ErrNoLegalTransition),
		errors.Is(err, pipeline.ErrAwaitingConfirmation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, orchestrator.ErrInfrastructureFailure):
		return http.StatusBadGateway
	case errors.Is(err, orchestrator.ErrInvalidDecision),
		errors.Is(err, orchestrator.ErrMissingPipeline),
		errors.Is(err, pipeline.ErrEmptyPipelineID),
		errors.Is(err, pipeline.ErrInvalidOutcome),
		errors.Is(err, learning.ErrEmptySubject),
		errors.Is(err, learning.ErrUnknownCategory),
		errors.Is(err, learning.ErrInvalidScope),
		errors.Is(err, classifier.ErrUnknownCategory),
		errors.Is(err, constraints.ErrEmptyPipelineID),
		errors.Is(err, rules.ErrInvalidKey):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// fail converts err into an echo.HTTPError. Internal errors are logged and
// reported without detail.
func (s *Server) fail(c echo.Context, op string, err error) error {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("op", op), zap.Error(err))
		return echo.NewHTTPError(code, "internal error").SetInternal(err)
	}
	return echo.NewHTTPError(code, err.Error()).SetInternal(err)
}

func badRequest(msg string) error {
	return echo.NewHTTPError(http.StatusBadRequest, msg)
}
