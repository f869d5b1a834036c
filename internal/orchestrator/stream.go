package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/renderd/internal/audit"
	"github.com/fyrsmithlabs/renderd/internal/plan"
)

// previewPrefix marks the transient plan ids used for stream previews.
const previewPrefix = "preview-"

// RenderPromptStream runs the full pipeline for prompt and streams its progress.
//
// The sequence yields llm-delta chunks as model output arrives, a preview
// chunk every PreviewEvery deltas and on the last delta, and finally exactly
// one final chunk carrying the Result. Previews are never registered, leased
// or audited, and a preview the security checker rejects is skipped. On
// failure a single chunk with a non-nil error is yielded.
//
// The producer only advances when the consumer pulls. Breaking out of the
// loop before the final chunk audits the invocation as cancelled.
func (o *Orchestrator) RenderPromptStream(ctx context.Context, prompt string, opts RenderOptions) iter.Seq2[StreamChunk, error] {
	return func(yield func(StreamChunk, error) bool) {
		ctx, inv, err := o.begin(ctx, audit.ModePrompt, opts)
		if err != nil {
			yield(StreamChunk{}, err)
			return
		}
		inv.prompt = prompt
		s := &stream{o: o, inv: inv, yield: yield}
		defer s.cleanup()
		s.run(ctx)
	}
}

type stream struct {
	o     *Orchestrator
	inv   *invocation
	yield func(StreamChunk, error) bool

	seq         int
	text        strings.Builder
	session     CodeGenSession
	speculative *plan.Plan
	previewed   bool
	// endLLM closes the llm stage of a streaming model once its deltas are
	// drained or the stream stops.
	endLLM func(error)
	// response is set when the model could not stream and answered in one piece.
	response *LLMResponse
}

func (s *stream) previewID() string {
	return previewPrefix + s.inv.traceID
}

// cleanup releases the lease and clears preview state on every exit path,
// including the consumer breaking out early.
func (s *stream) cleanup() {
	s.finishLLM(nil)
	if s.previewed {
		s.o.engine.ClearPlanState(s.previewID())
	}
	s.o.releaseLease(s.inv)
}

func (s *stream) finishLLM(err error) {
	if s.endLLM != nil {
		s.endLLM(err)
	}
}

// failed audits err and hands it to the consumer.
func (s *stream) failed(ctx context.Context, err error) {
	s.yield(StreamChunk{TraceID: s.inv.traceID}, s.o.fail(ctx, s.inv, err))
}

// emit yields one chunk. A false return means the consumer stopped pulling;
// the invocation is then audited as cancelled.
func (s *stream) emit(ctx context.Context, chunk StreamChunk) bool {
	s.seq++
	chunk.Sequence = s.seq
	chunk.TraceID = s.inv.traceID
	if s.yield(chunk, nil) {
		return true
	}
	s.finishLLM(nil)
	s.o.fail(ctx, s.inv, fmt.Errorf("%w: stream abandoned by consumer", ErrCancelled))
	return false
}

func (s *stream) run(ctx context.Context) {
	o, inv := s.o, s.inv

	var deltas iter.Seq2[LLMDelta, error]
	err := o.protect(inv, func() error {
		if err := checkContext(ctx); err != nil {
			return err
		}
		if strings.TrimSpace(inv.prompt) == "" {
			return fmt.Errorf("%w: prompt is required", ErrInvalidInput)
		}
		req, err := o.llmRequest(ctx, inv)
		if err != nil {
			return err
		}
		deltas, err = s.openStream(ctx, req)
		if err != nil {
			return err
		}
		if gen, ok := o.codegen.(IncrementalCodeGenerator); ok {
			session, err := gen.NewSession(ctx, CodeGenInput{Prompt: inv.prompt, TraceID: inv.traceID, TenantID: inv.tenantID})
			if err != nil {
				return stageError(StageCodeGen, err)
			}
			s.session = session
		}
		return nil
	})
	if err != nil {
		s.failed(ctx, err)
		return
	}

	next, stop := iter.Pull2(deltas)
	defer stop()

	count := 0
	for {
		var (
			delta LLMDelta
			derr  error
			more  bool
		)
		err := o.protect(inv, func() error {
			inv.stage = StageLLM
			delta, derr, more = next()
			if derr != nil {
				return stageError(StageLLM, derr)
			}
			return checkContext(ctx)
		})
		if err != nil {
			if ctx.Err() != nil && !errors.Is(err, ErrCancelled) {
				err = cancelled(ctx)
			}
			s.finishLLM(err)
			s.failed(ctx, err)
			return
		}
		if !more {
			break
		}

		count++
		s.text.WriteString(delta.Text)
		d := delta
		if !s.emit(ctx, StreamChunk{Type: ChunkLLMDelta, Delta: &d, Text: s.text.String()}) {
			return
		}

		if s.session != nil {
			err := o.protect(inv, func() error {
				inv.stage = StageCodeGen
				p, err := s.session.PushDelta(ctx, delta)
				if err != nil {
					return err
				}
				if p != nil {
					cp := p.Clone()
					s.speculative = &cp
				}
				return nil
			})
			if err != nil {
				o.logger.Debug(ctx, "incremental code generation failed", zap.Error(err))
			}
		}

		if count%inv.settings.PreviewEvery == 0 || delta.Done {
			if rendered, ok := s.preview(ctx); ok {
				if !s.emit(ctx, StreamChunk{Type: ChunkPreview, PlanID: s.previewID(), Rendered: rendered}) {
					return
				}
			}
		}
		if delta.Done {
			break
		}
	}
	s.finishLLM(nil)

	var result *Result
	err = o.protect(inv, func() error {
		var resp LLMResponse
		if s.response != nil {
			resp = *s.response
		} else {
			var err error
			resp, err = o.afterLLM(ctx, inv, LLMResponse{Text: s.text.String(), Streamed: true, Attempts: 1})
			if err != nil {
				return err
			}
		}
		p, err := o.generatePlan(ctx, inv, resp, s.session)
		if err != nil {
			return err
		}
		result, err = o.tail(ctx, inv, tailSpec{plan: p, register: true, state: stateSeeded, persist: true})
		return err
	})
	if err != nil {
		s.failed(ctx, err)
		return
	}

	s.seq++
	s.yield(StreamChunk{
		Type:     ChunkFinal,
		TraceID:  inv.traceID,
		Sequence: s.seq,
		PlanID:   result.Plan.ID,
		Rendered: result.Rendered,
		Result:   result,
	}, nil)
}

// openStream returns the model's delta stream. Models that cannot stream
// produce a single delta carrying the whole response.
func (s *stream) openStream(ctx context.Context, req LLMRequest) (iter.Seq2[LLMDelta, error], error) {
	o, inv := s.o, s.inv
	inv.stage = StageLLM

	if streaming, ok := o.llm.(StreamingLLM); ok {
		// The stage stays open while run pulls deltas.
		stageCtx, end := beginStage(ctx, o, inv, StageLLM)
		seq, err := streaming.GenerateResponseStream(stageCtx, req)
		if err != nil {
			err = stageError(StageLLM, err)
			end(err)
			return nil, err
		}
		s.endLLM = end
		return seq, nil
	}

	resp, err := timed(ctx, o, inv, StageLLM, func(ctx context.Context) (LLMResponse, error) {
		return o.generate(ctx, inv, req)
	})
	if err != nil {
		return nil, err
	}
	s.response = &resp
	if resp.Plan != nil {
		p := resp.Plan.Clone()
		s.speculative = &p
	}
	return func(yield func(LLMDelta, error) bool) {
		yield(LLMDelta{Text: resp.Text, Done: true}, nil)
	}, nil
}

// preview renders the current speculative plan without registering it,
// leasing or auditing. Failures only skip the preview.
func (s *stream) preview(ctx context.Context) (string, bool) {
	o, inv := s.o, s.inv

	var rendered string
	err := o.protect(inv, func() error {
		inv.stage = StagePreview
		var p plan.Plan
		if s.speculative != nil {
			p = s.speculative.Clone()
		} else {
			generated, err := o.codegen.GeneratePlan(ctx, CodeGenInput{
				Prompt:   inv.prompt,
				Text:     s.text.String(),
				TraceID:  inv.traceID,
				TenantID: inv.tenantID,
			})
			if err != nil {
				return err
			}
			p = generated
		}
		p.ID = s.previewID()

		// Previews reach the consumer, so they pass the same policy as the
		// final plan. The check has no hooks and no audit.
		check, err := o.security.CheckPlan(ctx, p)
		if err != nil {
			return err
		}
		if !check.Passed {
			return &PolicyRejectionError{Issues: check.Issues, Result: check}
		}
		s.previewed = true

		result, err := o.engine.Execute(ctx, ExecutionInput{
			Plan:     p,
			State:    plan.CloneMap(p.State),
			TraceID:  inv.traceID,
			TenantID: inv.tenantID,
		})
		if err != nil {
			return err
		}
		rendered, err = o.renderer.Render(ctx, result, inv.target)
		return err
	})
	if err != nil {
		o.logger.Debug(ctx, "stream preview skipped", zap.Error(err))
		return "", false
	}
	inv.metric.Previews++
	o.metrics.recordPreview()
	return rendered, true
}
