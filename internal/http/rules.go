package http

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/MSA-I/RE-TOUR-sub006/internal/learning"
	"github.com/MSA-I/RE-TOUR-sub006/internal/rules"
)

// RuleView is a rule with its human-readable explanation.
type RuleView struct {
	*rules.Rule
	Explanation string `json:"explanation"`
}

// ListRulesResponse is the response body for GET /api/v1/rules.
type ListRulesResponse struct {
	Rules []RuleView `json:"rules"`
}

// ToggleRequest is the request body for POST .../mute and .../lock.
type ToggleRequest struct {
	Value bool `json:"value"`
}

// ResetRulesRequest is the request body for POST /api/v1/rules/reset.
type ResetRulesRequest struct {
	Scope    rules.Scope `json:"scope"`
	OwnerRef string      `json:"owner_ref"`
}

// PromoteRequest is the request body for POST .../promote.
type PromoteRequest struct {
	Reason string `json:"reason"`
}

// Override kinds accepted by POST .../overrides.
const (
	OverrideFalsePositive = "false_positive"
	OverrideRejectedLater = "rejected_later"
)

// OverrideRequest reports a human override of a rule.
type OverrideRequest struct {
	Kind string `json:"kind"`
}

// PromotionsResponse is the response body for GET .../promotions.
type PromotionsResponse struct {
	Promotions []rules.PromotionLogEntry `json:"promotions"`
}

func explain(rs []*rules.Rule) []RuleView {
	out := make([]RuleView, 0, len(rs))
	for _, r := range rs {
		out = append(out, RuleView{Rule: r, Explanation: learning.Explain(r)})
	}
	return out
}

func (s *Server) handleListRules(c echo.Context) error {
	f := rules.Filter{
		Scope:    rules.Scope(c.QueryParam("scope")),
		OwnerRef: c.QueryParam("owner_ref"),
		UserRef:  c.QueryParam("user_ref"),
		Category: c.QueryParam("category"),
	}
	if f.Scope != "" && !f.Scope.Valid() {
		return badRequest("unknown scope")
	}
	if raw := c.QueryParam("locked"); raw != "" {
		locked, err := strconv.ParseBool(raw)
		if err != nil {
			return badRequest("locked must be a boolean")
		}
		f.Locked = &locked
	}
	rs, err := s.orch.Engine.Rules(c.Request().Context(), f)
	if err != nil {
		return s.fail(c, "list rules", err)
	}
	return c.JSON(http.StatusOK, ListRulesResponse{Rules: explain(rs)})
}

func (s *Server) handleGetRule(c echo.Context) error {
	r, err := s.orch.Engine.Rule(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, "get rule", err)
	}
	return c.JSON(http.StatusOK, RuleView{Rule: r, Explanation: learning.Explain(r)})
}

func (s *Server) handleMute(c echo.Context) error {
	var req ToggleRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	r, err := s.orch.Engine.Mute(c.Request().Context(), c.Param("id"), req.Value)
	if err != nil {
		return s.fail(c, "mute rule", err)
	}
	return c.JSON(http.StatusOK, r)
}

func (s *Server) handleLock(c echo.Context) error {
	var req ToggleRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	r, err := s.orch.Engine.Lock(c.Request().Context(), c.Param("id"), req.Value)
	if err != nil {
		return s.fail(c, "lock rule", err)
	}
	return c.JSON(http.StatusOK, r)
}

func (s *Server) handleResetRules(c echo.Context) error {
	var req ResetRulesRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	rs, err := s.orch.Engine.Reset(c.Request().Context(), req.Scope, req.OwnerRef)
	if err != nil {
		return s.fail(c, "reset rules", err)
	}
	return c.JSON(http.StatusOK, ListRulesResponse{Rules: explain(rs)})
}

func (s *Server) handlePromote(c echo.Context) error {
	var req PromoteRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	r, err := s.orch.Engine.PromoteToGlobal(c.Request().Context(), c.Param("id"), req.Reason)
	if err != nil {
		return s.fail(c, "promote rule", err)
	}
	return c.JSON(http.StatusOK, r)
}

func (s *Server) handlePromotions(c echo.Context) error {
	entries, err := s.orch.Engine.Promotions(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, "list promotions", err)
	}
	if entries == nil {
		entries = []rules.PromotionLogEntry{}
	}
	return c.JSON(http.StatusOK, PromotionsResponse{Promotions: entries})
}

func (s *Server) handleOverride(c echo.Context) error {
	var req OverrideRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	ctx := c.Request().Context()
	var (
		r   *rules.Rule
		err error
	)
	switch req.Kind {
	case OverrideFalsePositive:
		r, err = s.orch.Engine.OnFalsePositiveOverride(ctx, c.Param("id"))
	case OverrideRejectedLater:
		r, err = s.orch.Engine.OnUserOverrideRejectedLater(ctx, c.Param("id"))
	default:
		return badRequest("kind must be false_positive or rejected_later")
	}
	if err != nil {
		return s.fail(c, "override rule", err)
	}
	return c.JSON(http.StatusOK, r)
}

// handleDecaySweep runs the decay sweep now instead of waiting for the
// schedule. It is idempotent within a day.
func (s *Server) handleDecaySweep(c echo.Context) error {
	report, err := s.orch.Engine.OnTimeElapsed(c.Request().Context())
	if err != nil {
		return s.fail(c, "decay sweep", err)
	}
	return c.JSON(http.StatusOK, report)
}
