package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/renderd/internal/orchestrator"
	"github.com/fyrsmithlabs/renderd/internal/tenant"
)

// StatusClientClosedRequest is returned when the caller went away mid-render.
const StatusClientClosedRequest = 499

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error  string                       `json:"error"`
	Code   string                       `json:"code"`
	Issues []orchestrator.SecurityIssue `json:"issues,omitempty"`
	// Tenant quota details are set on quota_exceeded.
	Dimension string `json:"dimension,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// classify maps an orchestrator error to its HTTP status and error code.
func classify(err error) (int, string) {
	var rejection *orchestrator.PolicyRejectionError
	var quota *tenant.QuotaExceededError
	switch {
	case errors.Is(err, orchestrator.ErrNotRunning):
		return http.StatusServiceUnavailable, "not_running"
	case errors.Is(err, orchestrator.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, orchestrator.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.As(err, &rejection):
		return http.StatusUnprocessableEntity, "policy_rejected"
	case errors.As(err, &quota):
		return http.StatusTooManyRequests, "quota_exceeded"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, orchestrator.ErrCancelled), errors.Is(err, context.Canceled):
		return StatusClientClosedRequest, "cancelled"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func errorBody(err error) (int, ErrorResponse) {
	status, code := classify(err)
	body := ErrorResponse{Error: err.Error(), Code: code}

	var rejection *orchestrator.PolicyRejectionError
	if errors.As(err, &rejection) {
		body.Issues = rejection.Issues
	}
	var quota *tenant.QuotaExceededError
	if errors.As(err, &quota) {
		body.Dimension = string(quota.Dimension)
		body.Limit = quota.Limit
	}
	return status, body
}

// fail writes err as a JSON error reply.
func (s *Server) fail(c echo.Context, err error) error {
	status, body := errorBody(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	return c.JSON(status, body)
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg, Code: "invalid_input"})
}
