package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/renderd/internal/audit"
	"github.com/fyrsmithlabs/renderd/internal/tenant"
)

var (
	// ErrNotRunning is returned by every operation outside Start/Stop.
	ErrNotRunning = errors.New("orchestrator is not running")

	// ErrNotFound matches every *NotFoundError.
	ErrNotFound = errors.New("not found")

	// ErrCancelled is wrapped by errors caused by cancellation or stream abandonment.
	ErrCancelled = errors.New("render cancelled")

	// ErrInvalidInput is wrapped by request validation errors.
	ErrInvalidInput = errors.New("invalid input")
)

// Stage names a pipeline stage.
type Stage string

const (
	StageLLM      Stage = "llm"
	StageCodeGen  Stage = "codegen"
	StageRegister Stage = "register"
	StageLease    Stage = "lease"
	StagePolicy   Stage = "policy"
	StageRuntime  Stage = "runtime"
	StageRender   Stage = "render"
	StagePreview  Stage = "preview"
)

// NotFoundError reports an unknown plan, plan version or trace.
type NotFoundError struct {
	Kind    string
	ID      string
	Version int
}

func (e *NotFoundError) Error() string {
	if e.Version > 0 {
		return fmt.Sprintf("%s %s@%d not found", e.Kind, e.ID, e.Version)
	}
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// Is makes errors.Is(err, ErrNotFound) match.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// PolicyRejectionError is returned when the security check fails.
type PolicyRejectionError struct {
	Issues []SecurityIssue
	Result SecurityResult
}

func (e *PolicyRejectionError) Error() string {
	if len(e.Issues) == 0 {
		return "plan rejected by security policy"
	}
	msgs := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		msgs = append(msgs, fmt.Sprintf("[%s] %s", issue.Code, issue.Message))
	}
	return "plan rejected by security policy: " + strings.Join(msgs, "; ")
}

// UnhandledError wraps a panic recovered from a collaborator.
type UnhandledError struct {
	Stage Stage
	Cause error
}

func (e *UnhandledError) Error() string {
	return fmt.Sprintf("unhandled failure in %s stage: %v", e.Stage, e.Cause)
}

func (e *UnhandledError) Unwrap() error { return e.Cause }

// cancelled builds the error returned when ctx is done.
func cancelled(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
}

// checkContext returns a cancellation error if ctx is done.
func checkContext(ctx context.Context) error {
	if ctx.Err() != nil {
		return cancelled(ctx)
	}
	return nil
}

// stageError wraps a collaborator error with its stage.
func stageError(stage Stage, err error) error {
	return fmt.Errorf("%s: %w", stage, err)
}

// StatusFor maps an invocation error to its audit status.
func StatusFor(err error) audit.Status {
	var rejection *PolicyRejectionError
	var quota *tenant.QuotaExceededError
	switch {
	case err == nil:
		return audit.StatusSucceeded
	case errors.As(err, &rejection):
		return audit.StatusRejected
	case errors.As(err, &quota):
		return audit.StatusThrottled
	default:
		return audit.StatusFailed
	}
}

var errNoPlan = errors.New("code generator produced no plan")
