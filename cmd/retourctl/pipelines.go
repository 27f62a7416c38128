package main

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	httpserver "github.com/MSA-I/RE-TOUR-sub006/internal/http"
	"github.com/MSA-I/RE-TOUR-sub006/internal/pipeline"
)

func pipelinePath(id string, parts ...string) string {
	p := "/api/v1/pipelines/" + url.PathEscape(id)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

func newPipelinesCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "pipelines",
		Aliases: []string{"pipeline", "p"},
		Short:   "Create, advance and review pipelines",
	}
	cmd.AddCommand(
		newPipelineCreateCmd(opts),
		newPipelineGetCmd(opts),
		newPipelineListCmd(opts),
		newPipelineTransitionCmd(opts),
		newPipelineConfirmCmd(opts),
		newPipelineReviewCmd(opts),
		newPipelineResetCmd(opts),
		newPipelineRunCmd(opts),
		newPipelineConstraintsCmd(opts),
		simpleGet(opts, "context <id>", "Show reviewer context: state, rejections, rules in force and audit trail", "context"),
		simpleGet(opts, "audit <id>", "Show the audit trail", "audit"),
	)
	return cmd
}

func simpleGet(opts *options, use, short, sub string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.call(cmd, http.MethodGet, pipelinePath(args[0], sub), nil, nil)
		},
	}
}

func newPipelineCreateCmd(opts *options) *cobra.Command {
	var (
		owner       string
		maxAttempts int
	)
	cmd := &cobra.Command{
		Use:   "create <id>",
		Short: "Create a pipeline at its first phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.call(cmd, http.MethodPost, "/api/v1/pipelines", nil, httpserver.CreatePipelineRequest{
				ID:          args[0],
				OwnerRef:    owner,
				MaxAttempts: maxAttempts,
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "user that owns the pipeline")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "attempt budget per step (default: server setting)")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newPipelineGetCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.call(cmd, http.MethodGet, pipelinePath(args[0]), nil, nil)
		},
	}
}

func newPipelineListCmd(opts *options) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pipelines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			return opts.call(cmd, http.MethodGet, "/api/v1/pipelines", q, nil)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "active, blocked_for_review or completed")
	return cmd
}

func newPipelineTransitionCmd(opts *options) *cobra.Command {
	var (
		phase string
		step  int
	)
	cmd := &cobra.Command{
		Use:   "transition <id>",
		Short: "Advance a pipeline to its next phase",
		Long: `Advance a pipeline to its next phase. The expected phase and step
guard against racing another operator; a mismatch is rejected as stale.

Examples:
  retourctl pipelines transition p1 --phase upload --step 0`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.call(cmd, http.MethodPost, pipelinePath(args[0], "transition"), nil, httpserver.TransitionRequest{
				ExpectedPhase: pipeline.Phase(phase),
				ExpectedStep:  step,
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "phase the pipeline is expected to be in")
	cmd.Flags().IntVar(&step, "step", 0, "step the pipeline is expected to be at")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func newPipelineConfirmCmd(opts *options) *cobra.Command {
	var phase string
	cmd := &cobra.Command{
		Use:   "confirm <id>",
		Short: "Confirm a pipeline waiting in a confirmation phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.call(cmd, http.MethodPost, pipelinePath(args[0], "confirm"), nil, httpserver.ConfirmRequest{
				ExpectedPhase: pipeline.Phase(phase),
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "confirmation phase the pipeline waits in")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func newPipelineReviewCmd(opts *options) *cobra.Command {
	var (
		step       int
		decision   string
		severity   string
		feedback   string
		asset      string
		generation int64
	)
	cmd := &cobra.Command{
		Use:   "review <id>",
		Short: "Submit a review for the pipeline's current step",
		Long: `Submit an approval or rejection for the pipeline's current step.
Rejection feedback is classified and learned from; pass "-" to read it
from stdin.

Examples:
  retourctl pipelines review p1 --step 2 --decision approved
  retourctl pipelines review p1 --step 2 --decision rejected --feedback "too much clutter"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]interface{}{
				"step":     step,
				"decision": decision,
			}
			if severity != "" {
				body["severity"] = severity
			}
			if asset != "" {
				body["asset_id"] = asset
			}
			if cmd.Flags().Changed("generation") {
				body["generation"] = generation
			}
			if feedback != "" {
				text, err := readText(cmd, feedback)
				if err != nil {
					return err
				}
				body["raw_feedback"] = text
			}
			return opts.call(cmd, http.MethodPost, pipelinePath(args[0], "reviews"), nil, body)
		},
	}
	cmd.Flags().IntVar(&step, "step", 0, "step the review is for")
	cmd.Flags().StringVar(&decision, "decision", "", "approved or rejected")
	cmd.Flags().StringVar(&severity, "severity", "", "minor, major or critical")
	cmd.Flags().StringVar(&feedback, "feedback", "", `reviewer feedback, or "-" for stdin`)
	cmd.Flags().StringVar(&asset, "asset", "", "reviewed asset id")
	cmd.Flags().Int64Var(&generation, "generation", 0, "pipeline generation the review was made against")
	_ = cmd.MarkFlagRequired("step")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func newPipelineResetCmd(opts *options) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reset <id>",
		Short: "Unblock a pipeline and restore its attempt budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.call(cmd, http.MethodPost, pipelinePath(args[0], "reset"), nil, httpserver.ResetRequest{Reason: reason})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the pipeline is reset")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func newPipelineRunCmd(opts *options) *cobra.Command {
	var (
		prompt  string
		inputs  []string
		genTO   string
		reviewT string
	)
	cmd := &cobra.Command{
		Use:   "run <id>",
		Short: "Generate and review the current step once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.call(cmd, http.MethodPost, pipelinePath(args[0], "run"), nil, httpserver.RunStepRequest{
				Prompt:          prompt,
				InputRefs:       inputs,
				GenerateTimeout: genTO,
				ReviewTimeout:   reviewT,
			})
		},
	}
	cmd.Flags().StringVar(&prompt, "prompt", "", "base prompt for the generator")
	cmd.Flags().StringSliceVar(&inputs, "input", nil, "input asset references")
	cmd.Flags().StringVar(&genTO, "generate-timeout", "", "generation timeout, e.g. 2m")
	cmd.Flags().StringVar(&reviewT, "review-timeout", "", "review timeout, e.g. 1m")
	return cmd
}

func newPipelineConstraintsCmd(opts *options) *cobra.Command {
	var step int
	cmd := &cobra.Command{
		Use:   "constraints <id>",
		Short: "Preview the constraints the next generation would receive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if cmd.Flags().Changed("step") {
				q.Set("step", strconv.Itoa(step))
			}
			return opts.call(cmd, http.MethodGet, pipelinePath(args[0], "constraints"), q, nil)
		},
	}
	cmd.Flags().IntVar(&step, "step", 0, "step to compose for (default: current step)")
	return cmd
}
