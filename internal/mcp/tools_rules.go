package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MSA-I/RE-TOUR-sub006/internal/rules"
)

type rulesListInput struct {
	Scope    string `json:"scope,omitempty" jsonschema:"pipeline, user or global"`
	OwnerRef string `json:"owner_ref,omitempty" jsonschema:"Owner of the rules: pipeline id, user ref or global"`
	Category string `json:"category,omitempty" jsonschema:"Rejection category"`
}

type rulesOutput struct {
	Rules []ruleView `json:"rules"`
	Count int        `json:"count"`
}

type ruleToggleInput struct {
	RuleID string `json:"rule_id" jsonschema:"Rule identifier"`
	Value  bool   `json:"value" jsonschema:"New value"`
}

type ruleOutput struct {
	Rule ruleView `json:"rule"`
}

type rulesResetInput struct {
	Scope    string `json:"scope" jsonschema:"pipeline, user or global"`
	OwnerRef string `json:"owner_ref" jsonschema:"Owner whose rules are reset"`
}

type rulePromoteInput struct {
	RuleID string `json:"rule_id" jsonschema:"Rule to promote to global scope"`
	Reason string `json:"reason,omitempty" jsonschema:"Why the rule becomes a global law"`
}

type decaySweepInput struct{}

type decaySweepOutput struct {
	Scanned    int    `json:"scanned"`
	Decayed    int    `json:"decayed"`
	CooledDown int    `json:"cooled_down"`
	RanAt      string `json:"ran_at"`
}

func rulesOf(rs []*rules.Rule) rulesOutput {
	return rulesOutput{Rules: toRuleViews(rs), Count: len(rs)}
}

func (s *Server) registerRuleTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "rules_list",
		Description: "List learned rules with explanations",
	}, instrument(s, "rules_list", func(ctx context.Context, in rulesListInput) (rulesOutput, error) {
		f := rules.Filter{Scope: rules.Scope(in.Scope), OwnerRef: in.OwnerRef, Category: in.Category}
		if f.Scope != "" && !f.Scope.Valid() {
			return rulesOutput{}, fmt.Errorf("%w: unknown scope %q", errInvalidArgument, in.Scope)
		}
		rs, err := s.orch.Engine.Rules(ctx, f)
		if err != nil {
			return rulesOutput{}, err
		}
		return rulesOf(rs), nil
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "rule_mute",
		Description: "Mute or unmute a rule. Muted rules are never injected but keep learning",
	}, instrument(s, "rule_mute", func(ctx context.Context, in ruleToggleInput) (ruleOutput, error) {
		r, err := s.orch.Engine.Mute(ctx, in.RuleID, in.Value)
		if err != nil {
			return ruleOutput{}, err
		}
		return ruleOutput{Rule: toRuleView(r)}, nil
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "rule_lock",
		Description: "Lock or unlock a rule. Locked rules stay at full health and do not decay",
	}, instrument(s, "rule_lock", func(ctx context.Context, in ruleToggleInput) (ruleOutput, error) {
		r, err := s.orch.Engine.Lock(ctx, in.RuleID, in.Value)
		if err != nil {
			return ruleOutput{}, err
		}
		return ruleOutput{Rule: toRuleView(r)}, nil
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "rules_reset",
		Description: "Clear the escalation of every rule an owner has in a scope. History is kept",
	}, instrument(s, "rules_reset", func(ctx context.Context, in rulesResetInput) (rulesOutput, error) {
		rs, err := s.orch.Engine.Reset(ctx, rules.Scope(in.Scope), in.OwnerRef)
		if err != nil {
			return rulesOutput{}, err
		}
		return rulesOf(rs), nil
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "rule_promote",
		Description: "Promote a rule to a global law. The only way a rule reaches global scope",
	}, instrument(s, "rule_promote", func(ctx context.Context, in rulePromoteInput) (ruleOutput, error) {
		r, err := s.orch.Engine.PromoteToGlobal(ctx, in.RuleID, in.Reason)
		if err != nil {
			return ruleOutput{}, err
		}
		return ruleOutput{Rule: toRuleView(r)}, nil
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "decay_sweep",
		Description: "Apply time decay to rule health now. Idempotent within a day",
	}, instrument(s, "decay_sweep", func(ctx context.Context, _ decaySweepInput) (decaySweepOutput, error) {
		rep, err := s.orch.Engine.OnTimeElapsed(ctx)
		if err != nil {
			return decaySweepOutput{}, err
		}
		return decaySweepOutput{
			Scanned:    rep.Scanned,
			Decayed:    rep.Decayed,
			CooledDown: rep.CooledDown,
			RanAt:      rep.RanAt.Format(time.RFC3339),
		}, nil
	}))
}
