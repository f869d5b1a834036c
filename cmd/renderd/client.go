package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/renderd/internal/audit"
	httpserver "github.com/fyrsmithlabs/renderd/internal/http"
	"github.com/fyrsmithlabs/renderd/internal/orchestrator"
	"github.com/fyrsmithlabs/renderd/internal/plan"
)

// client talks to a renderd server.
type client struct {
	base   string
	tenant string
	http   *http.Client
}

func newClient() *client {
	return &client{
		base:   strings.TrimRight(serverURL, "/"),
		tenant: tenantID,
		http:   &http.Client{Timeout: 60 * time.Second},
	}
}

// APIError is a non-2xx reply from the server.
type APIError struct {
	Status int
	Body   httpserver.ErrorResponse
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("server returned %d %s: %s", e.Status, e.Body.Code, e.Body.Error)
	for _, issue := range e.Body.Issues {
		msg += fmt.Sprintf("\n  - %s: %s", issue.Code, issue.Message)
	}
	return msg
}

func (c *client) newRequest(method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, r)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tenant != "" {
		req.Header.Set(httpserver.HeaderTenantID, c.tenant)
	}
	return req, nil
}

// do sends a request and decodes a JSON reply into out (which may be nil).
func (c *client) do(method, path string, body, out any) error {
	req, err := c.newRequest(method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err := json.Unmarshal(data, &apiErr.Body); err != nil || apiErr.Body.Error == "" {
		apiErr.Body.Error = strings.TrimSpace(string(data))
	}
	return apiErr
}

// stream posts a prompt to the SSE endpoint and calls fn for each event.
func (c *client) stream(req httpserver.PromptRequest, fn func(event string, data []byte) error) error {
	httpReq, err := c.newRequest(http.MethodPost, "/api/v1/render/prompt/stream", req)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	// Streams have no overall deadline.
	hc := *c.http
	hc.Timeout = 0
	resp, err := hc.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var event string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if err := fn(event, []byte(strings.TrimPrefix(line, "data: "))); err != nil {
				return err
			}
		case line == "":
			event = ""
		}
	}
	return scanner.Err()
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printResult writes the rendered output, or the whole result with --json.
func printResult(cmd *cobra.Command, res *orchestrator.Result, asJSON bool) error {
	if asJSON {
		return printJSON(cmd, res)
	}
	fmt.Fprintln(cmd.OutOrStdout(), res.Rendered)
	fmt.Fprintf(cmd.ErrOrStderr(), "trace %s  plan %s@%d\n", res.TraceID, res.Plan.ID, res.Plan.Version)
	return nil
}

// loadPlanFile reads a plan from YAML (JSON is valid YAML).
func loadPlanFile(path string) (plan.Plan, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return plan.Plan{}, fmt.Errorf("failed to read plan %s: %w", path, err)
	}
	var p plan.Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return plan.Plan{}, fmt.Errorf("failed to parse plan %s: %w", path, err)
	}
	if p.Root == nil {
		return plan.Plan{}, fmt.Errorf("plan %s has no root component", path)
	}
	return p, nil
}

func newRenderCmd() *cobra.Command {
	var (
		prompt   string
		planFile string
		target   string
		mode     string
		stream   bool
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render a prompt or a plan file",
		Long: `Render a prompt or a plan file on the server.

Examples:
  # Render a prompt
  renderd render --prompt "Show a counter"

  # Stream deltas and previews as they arrive
  renderd render --prompt "Show a counter" --stream

  # Render a plan written by hand
  renderd render --plan counter.yaml --target text`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (prompt == "") == (planFile == "") {
				return fmt.Errorf("exactly one of --prompt or --plan is required")
			}
			c := newClient()

			if planFile != "" {
				if stream {
					return fmt.Errorf("--stream only applies to --prompt")
				}
				p, err := loadPlanFile(planFile)
				if err != nil {
					return err
				}
				var res orchestrator.Result
				req := httpserver.PlanRequest{Plan: p, Target: target, Mode: audit.Mode(mode)}
				if err := c.do(http.MethodPost, "/api/v1/render/plan", req, &res); err != nil {
					return err
				}
				return printResult(cmd, &res, asJSON)
			}

			req := httpserver.PromptRequest{Prompt: prompt, Target: target}
			if !stream {
				var res orchestrator.Result
				if err := c.do(http.MethodPost, "/api/v1/render/prompt", req, &res); err != nil {
					return err
				}
				return printResult(cmd, &res, asJSON)
			}
			return c.stream(req, func(event string, data []byte) error {
				return printStreamEvent(cmd, event, data, asJSON)
			})
		},
	}
	cmd.Flags().StringVar(&prompt, "prompt", "", "prompt to render")
	cmd.Flags().StringVar(&planFile, "plan", "", "plan file (YAML or JSON, - for stdin)")
	cmd.Flags().StringVar(&target, "target", "", "render target: html, text or json")
	cmd.Flags().StringVar(&mode, "mode", "", "audit mode for --plan (plan, replay, rollback, event)")
	cmd.Flags().BoolVar(&stream, "stream", false, "stream deltas and previews")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print full JSON results")
	return cmd
}

func printStreamEvent(cmd *cobra.Command, event string, data []byte, asJSON bool) error {
	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
	if event == httpserver.EventError {
		apiErr := &APIError{Status: http.StatusOK}
		if err := json.Unmarshal(data, &apiErr.Body); err != nil {
			return fmt.Errorf("stream failed: %s", data)
		}
		return apiErr
	}
	if asJSON {
		fmt.Fprintln(out, string(data))
		return nil
	}

	var chunk orchestrator.StreamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return fmt.Errorf("failed to decode %s event: %w", event, err)
	}
	switch chunk.Type {
	case orchestrator.ChunkLLMDelta:
		if chunk.Delta != nil {
			fmt.Fprint(errOut, chunk.Delta.Text)
		}
	case orchestrator.ChunkPreview:
		fmt.Fprintf(errOut, "\n[preview %d] %s\n", chunk.Sequence, chunk.Rendered)
	case orchestrator.ChunkFinal:
		fmt.Fprintln(errOut)
		fmt.Fprintln(out, chunk.Rendered)
		fmt.Fprintf(errOut, "trace %s  plan %s\n", chunk.TraceID, chunk.PlanID)
	}
	return nil
}

func newPlansCmd() *cobra.Command {
	var (
		version  int
		versions bool
	)
	cmd := &cobra.Command{
		Use:   "plans [plan-id]",
		Short: "List plans or show one plan",
		Long: `List registered plans, or show one plan.

Examples:
  renderd plans
  renderd plans counter --version 2
  renderd plans counter --versions`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			if len(args) == 0 {
				var summaries []plan.Summary
				if err := c.do(http.MethodGet, "/api/v1/plans", nil, &summaries); err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, s := range summaries {
					fmt.Fprintf(out, "%s\tlatest=%d\tversions=%v\tupdated=%s\n",
						s.ID, s.LatestVersion, s.Versions, s.UpdatedAt.Format(time.RFC3339))
				}
				return nil
			}

			id := url.PathEscape(args[0])
			if versions {
				var records []plan.Record
				if err := c.do(http.MethodGet, "/api/v1/plans/"+id+"/versions", nil, &records); err != nil {
					return err
				}
				return printJSON(cmd, records)
			}
			path := "/api/v1/plans/" + id
			if version > 0 {
				path += "?version=" + strconv.Itoa(version)
			}
			var rec plan.Record
			if err := c.do(http.MethodGet, path, nil, &rec); err != nil {
				return err
			}
			return printJSON(cmd, rec)
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "plan version (default latest)")
	cmd.Flags().BoolVar(&versions, "versions", false, "show every stored version")
	return cmd
}

func newAuditsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audits [trace-id]",
		Short: "List audit records or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			if len(args) == 1 {
				var rec json.RawMessage
				if err := c.do(http.MethodGet, "/api/v1/audits/"+url.PathEscape(args[0]), nil, &rec); err != nil {
					return err
				}
				return printJSON(cmd, rec)
			}
			var records []json.RawMessage
			if err := c.do(http.MethodGet, "/api/v1/audits?limit="+strconv.Itoa(limit), nil, &records); err != nil {
				return err
			}
			return printJSON(cmd, records)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum records, newest first (0 for all)")
	return cmd
}

func newReplayCmd() *cobra.Command {
	var (
		target string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "replay <trace-id>",
		Short: "Re-run the plan snapshot of an audited invocation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/traces/" + url.PathEscape(args[0]) + "/replay"
			if target != "" {
				path += "?target=" + url.QueryEscape(target)
			}
			var res orchestrator.Result
			if err := newClient().do(http.MethodPost, path, nil, &res); err != nil {
				return err
			}
			return printResult(cmd, &res, asJSON)
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "render target: html, text or json")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full JSON result")
	return cmd
}

func newEventCmd() *cobra.Command {
	var (
		payload string
		target  string
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "event <plan-id> <type>",
		Short: "Dispatch a runtime event into a plan",
		Long: `Dispatch a runtime event into the latest version of a plan.

Examples:
  renderd event counter increment --payload '{"key":"count","by":2}'
  renderd event counter reset`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := httpserver.EventRequest{Type: args[1], Target: target}
			if payload != "" {
				if err := json.Unmarshal([]byte(payload), &req.Payload); err != nil {
					return fmt.Errorf("invalid --payload: %w", err)
				}
			}
			var res orchestrator.Result
			if err := newClient().do(http.MethodPost, "/api/v1/plans/"+url.PathEscape(args[0])+"/events", req, &res); err != nil {
				return err
			}
			return printResult(cmd, &res, asJSON)
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "event payload as a JSON object")
	cmd.Flags().StringVar(&target, "target", "", "render target: html, text or json")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full JSON result")
	return cmd
}

func newRollbackCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "rollback <plan-id> <version>",
		Short: "Re-run an earlier plan version from its own state",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := strconv.Atoi(args[1])
			if err != nil || v < 1 {
				return fmt.Errorf("version must be a positive integer, got %q", args[1])
			}
			var res orchestrator.Result
			path := fmt.Sprintf("/api/v1/plans/%s/rollback/%d", url.PathEscape(args[0]), v)
			if err := newClient().do(http.MethodPost, path, nil, &res); err != nil {
				return err
			}
			return printResult(cmd, &res, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full JSON result")
	return cmd
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check renderd server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var health httpserver.HealthResponse
			if err := newClient().do(http.MethodGet, "/health", nil, &health); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Server status: %s\n", health.Status)
			return nil
		},
	}
}
