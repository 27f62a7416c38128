// Package main implements retourctl, a CLI for operators and reviewers
// working against the retourd HTTP API.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	httpserver "github.com/MSA-I/RE-TOUR-sub006/internal/http"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// client talks to one retourd instance.
type client struct {
	baseURL string
	token   string
	http    *http.Client
}

// apiError is a non-2xx answer from the server.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.Status, e.Message)
}

// do sends body as JSON and returns the raw response body. Non-2xx
// statuses become *apiError with the server's message.
func (c *client) do(method, path string, query url.Values, body interface{}) ([]byte, error) {
	u := strings.TrimRight(c.baseURL, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, u, r)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to %s: %w", u, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var he struct {
			Message string `json:"message"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &he) == nil && he.Message != "" {
			msg = he.Message
		}
		return nil, &apiError{Status: resp.StatusCode, Message: msg}
	}
	return data, nil
}

// options are the persistent flags shared by every command.
type options struct {
	server  string
	token   string
	timeout time.Duration
}

func (o *options) client() *client {
	token := o.token
	if token == "" {
		token = os.Getenv("RETOUR_API_TOKEN")
	}
	return &client{baseURL: o.server, token: token, http: &http.Client{Timeout: o.timeout}}
}

// call runs one request and prints the indented JSON answer.
func (o *options) call(cmd *cobra.Command, method, path string, query url.Values, body interface{}) error {
	data, err := o.client().do(method, path, query, body)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), data)
}

func printJSON(w io.Writer, data []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		_, werr := w.Write(data)
		return werr
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "retourctl",
		Short: "CLI for the retourd orchestration API",
		Long: `retourctl is a command-line interface for the retourd HTTP API.
It drives pipelines, submits reviews, and inspects and adjusts learned rules.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.server, "server", "http://localhost:8088", "retourd server URL")
	root.PersistentFlags().StringVar(&opts.token, "token", "", "API bearer token (default: $RETOUR_API_TOKEN)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")

	root.AddCommand(
		newHealthCmd(opts),
		newPipelinesCmd(opts),
		newRulesCmd(opts),
		newClassifyCmd(opts),
	)
	return root
}

func newHealthCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check retourd server health",
		Long: `Check the health status of the retourd server and its dependencies.

Examples:
  # Check health
  retourctl health

  # Check health on a different server
  retourctl health --server http://localhost:9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := opts.client().do(http.MethodGet, "/health", nil, nil)
			var ae *apiError
			if err != nil && !errors.As(err, &ae) {
				return err
			}
			if ae != nil {
				data = []byte(ae.Message)
			}
			var resp httpserver.HealthResponse
			if jerr := json.Unmarshal(data, &resp); jerr != nil {
				return fmt.Errorf("failed to decode response: %w", jerr)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Server Status: %s\n", resp.Status)
			fmt.Fprintf(out, "Server URL: %s\n", opts.server)
			for name, status := range resp.Services {
				fmt.Fprintf(out, "  %-10s %s\n", name, status)
			}
			if ae != nil {
				return fmt.Errorf("server is %s", resp.Status)
			}
			return nil
		},
	}
}

func newClassifyCmd(opts *options) *cobra.Command {
	var severity string
	cmd := &cobra.Command{
		Use:   "classify [text|-]",
		Short: "Classify reviewer feedback without recording it",
		Long: `Classify feedback into rejection categories. Nothing is stored.

Examples:
  retourctl classify "too much clutter, keep minimal"
  cat notes.txt | retourctl classify -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readText(cmd, args[0])
			if err != nil {
				return err
			}
			body := map[string]interface{}{"raw_feedback": text}
			if severity != "" {
				body["severity"] = severity
			}
			return opts.call(cmd, http.MethodPost, "/api/v1/classify", nil, body)
		},
	}
	cmd.Flags().StringVar(&severity, "severity", "", "minor, major or critical")
	return cmd
}

// readText returns arg, or stdin when arg is "-".
func readText(cmd *cobra.Command, arg string) (string, error) {
	if arg != "-" {
		return arg, nil
	}
	b, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("failed to read from stdin: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}
