package mcp

import (
	"time"

	"github.com/MSA-I/RE-TOUR-sub006/internal/classifier"
	"github.com/MSA-I/RE-TOUR-sub006/internal/constraints"
	"github.com/MSA-I/RE-TOUR-sub006/internal/learning"
	"github.com/MSA-I/RE-TOUR-sub006/internal/pipeline"
	"github.com/MSA-I/RE-TOUR-sub006/internal/rules"
)

type pipelineView struct {
	ID               string `json:"id"`
	OwnerRef         string `json:"owner_ref"`
	CurrentPhase     string `json:"current_phase"`
	CurrentStep      int    `json:"current_step"`
	AttemptCount     int    `json:"attempt_count"`
	MaxAttempts      int    `json:"max_attempts"`
	Status           string `json:"status"`
	BlockReason      string `json:"block_reason,omitempty"`
	LastErrorSummary string `json:"last_error_summary,omitempty"`
	Generation       int64  `json:"generation"`
	UpdatedAt        string `json:"updated_at"`
}

func toPipelineView(v pipeline.View) pipelineView {
	return pipelineView{
		ID:               v.ID,
		OwnerRef:         v.OwnerRef,
		CurrentPhase:     string(v.CurrentPhase),
		CurrentStep:      v.CurrentStep,
		AttemptCount:     v.AttemptCount,
		MaxAttempts:      v.MaxAttempts,
		Status:           string(v.Status),
		BlockReason:      string(v.BlockReason),
		LastErrorSummary: v.LastErrorSummary,
		Generation:       v.Generation,
		UpdatedAt:        v.UpdatedAt.Format(time.RFC3339),
	}
}

type ruleView struct {
	ID             string  `json:"id"`
	Scope          string  `json:"scope"`
	OwnerRef       string  `json:"owner_ref"`
	Category       string  `json:"category"`
	Stage          string  `json:"stage"`
	Health         int     `json:"health"`
	Confidence     float64 `json:"confidence"`
	ViolationCount int     `json:"violation_count"`
	Muted          bool    `json:"muted"`
	Locked         bool    `json:"locked"`
	Explanation    string  `json:"explanation"`
}

func toRuleView(r *rules.Rule) ruleView {
	return ruleView{
		ID:             r.ID,
		Scope:          string(r.Scope),
		OwnerRef:       r.OwnerRef,
		Category:       r.Category,
		Stage:          string(r.Stage),
		Health:         r.Health,
		Confidence:     r.Confidence,
		ViolationCount: r.ViolationCount,
		Muted:          r.Muted,
		Locked:         r.Locked,
		Explanation:    learning.Explain(r),
	}
}

func toRuleViews(rs []*rules.Rule) []ruleView {
	out := make([]ruleView, 0, len(rs))
	for _, r := range rs {
		out = append(out, toRuleView(r))
	}
	return out
}

type constraintView struct {
	Category  string `json:"category"`
	Kind      string `json:"kind"`
	Intensity string `json:"intensity"`
	Source    string `json:"source"`
	Text      string `json:"text"`
}

func toConstraintViews(set constraints.Set) []constraintView {
	out := make([]constraintView, 0, set.Len())
	for _, group := range [][]constraints.Constraint{set.Additions, set.Removals} {
		for _, c := range group {
			out = append(out, constraintView{
				Category:  string(c.Category),
				Kind:      string(c.Kind),
				Intensity: string(c.Intensity),
				Source:    string(c.Source),
				Text:      c.Text,
			})
		}
	}
	return out
}

type rejectionView struct {
	ID             string   `json:"id"`
	StepNumber     int      `json:"step_number"`
	Categories     []string `json:"categories"`
	Concerns       []string `json:"concerns,omitempty"`
	ConfidenceHint float64  `json:"confidence_hint"`
	Severity       string   `json:"severity"`
	RawFeedbackRef string   `json:"raw_feedback_ref"`
	OccurredAt     string   `json:"occurred_at"`
}

func toRejectionView(ev classifier.Event) rejectionView {
	cats := make([]string, 0, len(ev.Categories))
	for _, c := range ev.Categories {
		cats = append(cats, string(c))
	}
	return rejectionView{
		ID:             ev.ID,
		StepNumber:     ev.StepNumber,
		Categories:     cats,
		Concerns:       ev.Concerns,
		ConfidenceHint: ev.ConfidenceHint,
		Severity:       string(ev.Severity),
		RawFeedbackRef: ev.RawFeedbackRef,
		OccurredAt:     ev.OccurredAt.Format(time.RFC3339),
	}
}

type auditView struct {
	Action     string `json:"action"`
	FromPhase  string `json:"from_phase,omitempty"`
	ToPhase    string `json:"to_phase,omitempty"`
	Outcome    string `json:"outcome,omitempty"`
	Detail     string `json:"detail,omitempty"`
	OccurredAt string `json:"occurred_at"`
}

func toAuditViews(recs []pipeline.AuditRecord) []auditView {
	out := make([]auditView, 0, len(recs))
	for _, r := range recs {
		out = append(out, auditView{
			Action:     string(r.Action),
			FromPhase:  string(r.FromPhase),
			ToPhase:    string(r.ToPhase),
			Outcome:    string(r.Outcome),
			Detail:     r.Detail,
			OccurredAt: r.OccurredAt.Format(time.RFC3339),
		})
	}
	return out
}
