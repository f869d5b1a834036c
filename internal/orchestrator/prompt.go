package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/renderd/internal/audit"
	"github.com/fyrsmithlabs/renderd/internal/hooks"
	"github.com/fyrsmithlabs/renderd/internal/plan"
)

// maxStructuredAttempts is the first structured attempt plus one retry.
const maxStructuredAttempts = 2

// RenderPrompt runs the full pipeline for prompt.
func (o *Orchestrator) RenderPrompt(ctx context.Context, prompt string, opts RenderOptions) (*Result, error) {
	ctx, inv, err := o.begin(ctx, audit.ModePrompt, opts)
	if err != nil {
		return nil, err
	}
	inv.prompt = prompt
	return o.run(ctx, inv, func(ctx context.Context) (*Result, error) {
		if err := checkContext(ctx); err != nil {
			return nil, err
		}
		if strings.TrimSpace(prompt) == "" {
			return nil, fmt.Errorf("%w: prompt is required", ErrInvalidInput)
		}

		req, err := o.llmRequest(ctx, inv)
		if err != nil {
			return nil, err
		}
		resp, err := timed(ctx, o, inv, StageLLM, func(ctx context.Context) (LLMResponse, error) {
			return o.generate(ctx, inv, req)
		})
		if err != nil {
			return nil, err
		}
		p, err := o.generatePlan(ctx, inv, resp, nil)
		if err != nil {
			return nil, err
		}
		return o.tail(ctx, inv, tailSpec{plan: p, register: true, state: stateSeeded, persist: true})
	})
}

func (o *Orchestrator) llmRequest(ctx context.Context, inv *invocation) (LLMRequest, error) {
	inv.stage = StageLLM
	return hooks.Apply(ctx, o.hooks, HookBeforeLLM, inv.hookContext(), LLMRequest{
		Prompt:   inv.prompt,
		TraceID:  inv.traceID,
		TenantID: inv.tenantID,
		Metadata: plan.CloneMap(inv.metadata),
	})
}

// generate calls the model: structured first with a single retry, then the
// unstructured fallback. Structured failures are never returned as errors.
func (o *Orchestrator) generate(ctx context.Context, inv *invocation, req LLMRequest) (LLMResponse, error) {
	structured, ok := o.llm.(StructuredLLM)
	if ok && inv.settings.StructuredGeneration {
		var validationErrors []string
		for attempt := 1; attempt <= maxStructuredAttempts; attempt++ {
			if attempt > 1 {
				o.metrics.recordRetry()
				o.logger.Debug(ctx, "retrying structured generation",
					zap.Int("attempt", attempt),
					zap.Strings("validation_errors", validationErrors),
				)
			}
			attemptReq := req
			attemptReq.Context = append(append([]string(nil), req.Context...), validationErrors...)

			sr, err := structured.GenerateStructuredResponse(ctx, attemptReq)
			switch {
			case err != nil:
				if ctx.Err() != nil {
					return LLMResponse{}, cancelled(ctx)
				}
				validationErrors = append(validationErrors, err.Error())
			case sr.Valid && sr.Plan != nil:
				p := sr.Plan.Clone()
				return o.afterLLM(ctx, inv, LLMResponse{
					Text:       sr.Text,
					Model:      sr.Model,
					Plan:       &p,
					Structured: true,
					Attempts:   attempt,
				})
			case len(sr.Errors) > 0:
				validationErrors = append(validationErrors, sr.Errors...)
			default:
				validationErrors = append(validationErrors, "structured response did not contain a valid plan")
			}
		}
		o.metrics.recordFallback()
		o.logger.Warn(ctx, "structured generation failed, falling back to unstructured",
			zap.Strings("validation_errors", validationErrors),
		)
		resp, err := o.llm.GenerateResponse(ctx, req)
		if err != nil {
			return LLMResponse{}, stageError(StageLLM, err)
		}
		resp.Plan = nil
		resp.Structured = false
		resp.Attempts = maxStructuredAttempts + 1
		return o.afterLLM(ctx, inv, resp)
	}

	resp, err := o.llm.GenerateResponse(ctx, req)
	if err != nil {
		return LLMResponse{}, stageError(StageLLM, err)
	}
	resp.Plan = nil
	resp.Structured = false
	resp.Attempts = 1
	return o.afterLLM(ctx, inv, resp)
}

func (o *Orchestrator) afterLLM(ctx context.Context, inv *invocation, resp LLMResponse) (LLMResponse, error) {
	resp, err := hooks.Apply(ctx, o.hooks, HookAfterLLM, inv.hookContext(), resp)
	if err != nil {
		return LLMResponse{}, err
	}
	inv.llm = &resp
	return resp, nil
}

// generatePlan turns the model response into a plan. A structured plan is
// used as-is; otherwise the session (when streaming) or the generator
// extracts one from the text.
func (o *Orchestrator) generatePlan(ctx context.Context, inv *invocation, resp LLMResponse, session CodeGenSession) (plan.Plan, error) {
	return timed(ctx, o, inv, StageCodeGen, func(ctx context.Context) (plan.Plan, error) {
		hc := inv.hookContext()
		input, err := hooks.Apply(ctx, o.hooks, HookBeforeCodeGen, hc, CodeGenInput{
			Prompt:   inv.prompt,
			Text:     resp.Text,
			TraceID:  inv.traceID,
			TenantID: inv.tenantID,
			Response: resp,
		})
		if err != nil {
			return plan.Plan{}, err
		}

		var p plan.Plan
		switch {
		case input.Response.Plan != nil:
			p = input.Response.Plan.Clone()
		case session != nil:
			final, err := session.Finalize(ctx, input.Text)
			if err != nil {
				return plan.Plan{}, stageError(StageCodeGen, err)
			}
			if final == nil {
				return plan.Plan{}, stageError(StageCodeGen, errNoPlan)
			}
			p = final.Clone()
		default:
			p, err = o.codegen.GeneratePlan(ctx, input)
			if err != nil {
				return plan.Plan{}, stageError(StageCodeGen, err)
			}
		}
		return hooks.Apply(ctx, o.hooks, HookAfterCodeGen, hc, p)
	})
}
