package main

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	httpserver "github.com/MSA-I/RE-TOUR-sub006/internal/http"
	"github.com/MSA-I/RE-TOUR-sub006/internal/rules"
)

func rulePath(id string, parts ...string) string {
	p := "/api/v1/rules/" + url.PathEscape(id)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

func newRulesCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "rules",
		Aliases: []string{"rule", "r"},
		Short:   "Inspect and adjust learned rules",
	}
	cmd.AddCommand(
		newRulesListCmd(opts),
		newRuleGetCmd(opts),
		newRuleToggleCmd(opts, "mute", "Mute a rule so it is never injected (it keeps learning)"),
		newRuleToggleCmd(opts, "lock", "Lock a rule at full health so it never decays"),
		newRulePromoteCmd(opts),
		newRuleOverrideCmd(opts),
		newRulesResetCmd(opts),
		newRulePromotionsCmd(opts),
		newDecayCmd(opts),
	)
	return cmd
}

func newRulesListCmd(opts *options) *cobra.Command {
	var (
		scope, owner, user, category string
		locked                       bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rules with explanations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			for k, v := range map[string]string{"scope": scope, "owner_ref": owner, "user_ref": user, "category": category} {
				if v != "" {
					q.Set(k, v)
				}
			}
			if cmd.Flags().Changed("locked") {
				q.Set("locked", strconv.FormatBool(locked))
			}
			return opts.call(cmd, http.MethodGet, "/api/v1/rules", q, nil)
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "pipeline, user or global")
	cmd.Flags().StringVar(&owner, "owner", "", "owner reference")
	cmd.Flags().StringVar(&user, "user", "", "user the rule was learned for")
	cmd.Flags().StringVar(&category, "category", "", "rejection category")
	cmd.Flags().BoolVar(&locked, "locked", false, "only locked (or, with =false, unlocked) rules")
	return cmd
}

func newRuleGetCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <rule-id>",
		Short: "Show a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.call(cmd, http.MethodGet, rulePath(args[0]), nil, nil)
		},
	}
}

// newRuleToggleCmd builds "mute" and "lock", which share a shape.
func newRuleToggleCmd(opts *options, action, short string) *cobra.Command {
	var off bool
	cmd := &cobra.Command{
		Use:   action + " <rule-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.call(cmd, http.MethodPost, rulePath(args[0], action), nil, httpserver.ToggleRequest{Value: !off})
		},
	}
	cmd.Flags().BoolVar(&off, "off", false, "undo: un"+action+" the rule")
	return cmd
}

func newRulePromoteCmd(opts *options) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "promote <rule-id>",
		Short: "Promote a rule to a global law",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.call(cmd, http.MethodPost, rulePath(args[0], "promote"), nil, httpserver.PromoteRequest{Reason: reason})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the rule becomes a global law")
	return cmd
}

func newRuleOverrideCmd(opts *options) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "override <rule-id>",
		Short: "Record a human override against a rule",
		Long: `Record that a human disagreed with a rule.

Kinds:
  false_positive   output the rule flagged was approved anyway
  rejected_later   output approved under the rule was later rejected`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.call(cmd, http.MethodPost, rulePath(args[0], "overrides"), nil, httpserver.OverrideRequest{Kind: kind})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", httpserver.OverrideFalsePositive, "false_positive or rejected_later")
	return cmd
}

func newRulesResetCmd(opts *options) *cobra.Command {
	var scope, owner string
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear the escalation of every rule an owner has in a scope",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.call(cmd, http.MethodPost, "/api/v1/rules/reset", nil, httpserver.ResetRulesRequest{
				Scope:    rules.Scope(scope),
				OwnerRef: owner,
			})
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "pipeline, user or global")
	cmd.Flags().StringVar(&owner, "owner", "", "owner whose rules are reset")
	_ = cmd.MarkFlagRequired("scope")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newRulePromotionsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "promotions <rule-id>",
		Short: "Show the promotion log of a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.call(cmd, http.MethodGet, rulePath(args[0], "promotions"), nil, nil)
		},
	}
}

func newDecayCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "decay",
		Short: "Run the rule decay sweep now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.call(cmd, http.MethodPost, "/api/v1/rules/decay", nil, nil)
		},
	}
}
