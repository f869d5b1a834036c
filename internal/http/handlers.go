package http

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/renderd/internal/audit"
	"github.com/fyrsmithlabs/renderd/internal/orchestrator"
	"github.com/fyrsmithlabs/renderd/internal/plan"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// PromptRequest is the body of POST /api/v1/render/prompt and its streaming variant.
type PromptRequest struct {
	Prompt   string         `json:"prompt"`
	Target   string         `json:"target,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// PlanRequest is the body of POST /api/v1/render/plan.
type PlanRequest struct {
	Plan     plan.Plan      `json:"plan"`
	Mode     audit.Mode     `json:"mode,omitempty"`
	Target   string         `json:"target,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// EventRequest is the body of POST /api/v1/plans/:id/events.
type EventRequest struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
	Target  string         `json:"target,omitempty"`
}

// handleHealth reports whether the orchestrator is accepting work.
func (s *Server) handleHealth(c echo.Context) error {
	if !s.orch.Running() {
		return c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "stopped"})
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// renderOptions builds per-call options from the request headers.
func renderOptions(c echo.Context, target string, metadata map[string]any) orchestrator.RenderOptions {
	if target == "" {
		target = c.QueryParam("target")
	}
	return orchestrator.RenderOptions{
		TenantID: c.Request().Header.Get(HeaderTenantID),
		Target:   target,
		Metadata: metadata,
	}
}

// requestContext bounds a non-streaming render by the configured timeout.
func (s *Server) requestContext(c echo.Context) (context.Context, context.CancelFunc) {
	ctx := c.Request().Context()
	if s.config.RequestTimeout > 0 {
		return context.WithTimeout(ctx, s.config.RequestTimeout)
	}
	return context.WithCancel(ctx)
}

func (s *Server) handleRenderPrompt(c echo.Context) error {
	var req PromptRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return badRequest(c, "prompt field is required")
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	result, err := s.orch.RenderPrompt(ctx, req.Prompt, renderOptions(c, req.Target, req.Metadata))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleRenderPlan(c echo.Context) error {
	var req PlanRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Plan.Root == nil {
		return badRequest(c, "plan.root is required")
	}
	if req.Mode != "" && !req.Mode.Valid() {
		return badRequest(c, "unknown mode "+strconv.Quote(string(req.Mode)))
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	opts := renderOptions(c, req.Target, req.Metadata)
	opts.Mode = req.Mode
	result, err := s.orch.RenderPlan(ctx, req.Plan, opts)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleDispatchEvent(c echo.Context) error {
	var req EventRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if strings.TrimSpace(req.Type) == "" {
		return badRequest(c, "type field is required")
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	event := plan.Event{Type: req.Type, Payload: req.Payload}
	result, err := s.orch.DispatchEvent(ctx, c.Param("id"), event, renderOptions(c, req.Target, nil))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleRollback(c echo.Context) error {
	version, err := strconv.Atoi(c.Param("version"))
	if err != nil || version < 1 {
		return badRequest(c, "version must be a positive integer")
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	result, err := s.orch.RollbackPlan(ctx, c.Param("id"), version, renderOptions(c, "", nil))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleReplay(c echo.Context) error {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	result, err := s.orch.ReplayTrace(ctx, c.Param("id"), renderOptions(c, "", nil))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleListPlans(c echo.Context) error {
	plans, err := s.orch.ListPlans()
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, plans)
}

func (s *Server) handleGetPlan(c echo.Context) error {
	version := 0
	if v := c.QueryParam("version"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return badRequest(c, "version must be a non-negative integer")
		}
		version = n
	}
	rec, err := s.orch.GetPlan(c.Param("id"), version)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleListPlanVersions(c echo.Context) error {
	versions, err := s.orch.ListPlanVersions(c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, versions)
}

func (s *Server) handleListAudits(c echo.Context) error {
	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return badRequest(c, "limit must be a non-negative integer")
		}
		limit = n
	}
	records, err := s.orch.ListAudits(limit)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, records)
}

func (s *Server) handleGetAudit(c echo.Context) error {
	rec, err := s.orch.GetAudit(c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleClearHistory(c echo.Context) error {
	if err := s.orch.ClearHistory(c.Request().Context()); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
