package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"sort"
	"strings"
	"text/template"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/renderd/internal/orchestrator"
)

const (
	defaultTemplateModel = "template-v1"
	defaultChunkSize     = 16
)

// DefaultResponseTemplate answers every prompt with a single-section plan
// that echoes the prompt and shows a counter bound to state.
const DefaultResponseTemplate = `{"root":{"type":"section","children":[` +
	`{"type":"heading","text":{{json .Prompt}}},` +
	`{"type":"text","text":"count: {{"{{"}}state.count{{"}}"}}"}]},` +
	`"state":{"count":0}}`

// TemplateLLMConfig configures a TemplateLLM.
type TemplateLLMConfig struct {
	// Templates maps a lower-case keyword to a response template. The first
	// keyword (in sorted order) contained in the prompt wins.
	Templates map[string]string
	// Default is used when no keyword matches. Empty means DefaultResponseTemplate.
	Default string
	Model   string
	// ChunkSize is the number of runes per streamed delta.
	ChunkSize int
	// RequestsPerSecond throttles generation. Zero disables throttling.
	RequestsPerSecond float64
	Burst             int
}

// TemplateLLM is a deterministic language model. Responses are rendered
// from text/template templates with the LLMRequest as data, so the same
// request always yields the same text.
type TemplateLLM struct {
	model     string
	chunkSize int
	keywords  []string
	templates map[string]*template.Template
	fallback  *template.Template
	limiter   *rate.Limiter
}

var templateFuncs = template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
	"lower": strings.ToLower,
	"join":  strings.Join,
}

// NewTemplateLLM parses every template up front.
func NewTemplateLLM(cfg TemplateLLMConfig) (*TemplateLLM, error) {
	l := &TemplateLLM{
		model:     cfg.Model,
		chunkSize: cfg.ChunkSize,
		templates: make(map[string]*template.Template, len(cfg.Templates)),
	}
	if l.model == "" {
		l.model = defaultTemplateModel
	}
	if l.chunkSize <= 0 {
		l.chunkSize = defaultChunkSize
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		l.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	for keyword, text := range cfg.Templates {
		keyword = strings.ToLower(strings.TrimSpace(keyword))
		if keyword == "" {
			return nil, fmt.Errorf("template keyword must not be empty")
		}
		tmpl, err := template.New(keyword).Funcs(templateFuncs).Parse(text)
		if err != nil {
			return nil, fmt.Errorf("parse template %q: %w", keyword, err)
		}
		l.templates[keyword] = tmpl
		l.keywords = append(l.keywords, keyword)
	}
	sort.Strings(l.keywords)

	def := cfg.Default
	if def == "" {
		def = DefaultResponseTemplate
	}
	tmpl, err := template.New("default").Funcs(templateFuncs).Parse(def)
	if err != nil {
		return nil, fmt.Errorf("parse default template: %w", err)
	}
	l.fallback = tmpl
	return l, nil
}

func (l *TemplateLLM) pick(prompt string) *template.Template {
	lower := strings.ToLower(prompt)
	for _, keyword := range l.keywords {
		if strings.Contains(lower, keyword) {
			return l.templates[keyword]
		}
	}
	return l.fallback
}

func (l *TemplateLLM) complete(ctx context.Context, req orchestrator.LLMRequest) (string, error) {
	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limiter: %w", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := l.pick(req.Prompt).Execute(&buf, req); err != nil {
		return "", fmt.Errorf("execute template: %w", err)
	}
	return buf.String(), nil
}

// GenerateResponse renders the matching template.
func (l *TemplateLLM) GenerateResponse(ctx context.Context, req orchestrator.LLMRequest) (orchestrator.LLMResponse, error) {
	text, err := l.complete(ctx, req)
	if err != nil {
		return orchestrator.LLMResponse{}, err
	}
	return orchestrator.LLMResponse{Text: text, Model: l.model}, nil
}

// GenerateStructuredResponse renders the matching template and validates it
// as a plan document.
func (l *TemplateLLM) GenerateStructuredResponse(ctx context.Context, req orchestrator.LLMRequest) (orchestrator.StructuredResponse, error) {
	text, err := l.complete(ctx, req)
	if err != nil {
		return orchestrator.StructuredResponse{}, err
	}
	resp := orchestrator.StructuredResponse{Text: text, Model: l.model}
	p, err := DecodePlan(text)
	if err != nil {
		resp.Errors = []string{err.Error()}
		return resp, nil
	}
	if errs := ValidatePlan(p); len(errs) > 0 {
		resp.Errors = errs
		return resp, nil
	}
	resp.Plan = &p
	resp.Valid = true
	return resp, nil
}

// GenerateResponseStream renders the matching template and streams it in
// ChunkSize-rune deltas. The last delta has Done set.
func (l *TemplateLLM) GenerateResponseStream(ctx context.Context, req orchestrator.LLMRequest) (iter.Seq2[orchestrator.LLMDelta, error], error) {
	text, err := l.complete(ctx, req)
	if err != nil {
		return nil, err
	}
	chunks := splitRunes(text, l.chunkSize)
	return func(yield func(orchestrator.LLMDelta, error) bool) {
		for i, chunk := range chunks {
			if err := ctx.Err(); err != nil {
				yield(orchestrator.LLMDelta{}, err)
				return
			}
			if !yield(orchestrator.LLMDelta{Text: chunk, Done: i == len(chunks)-1}, nil) {
				return
			}
		}
	}, nil
}

// splitRunes cuts s into pieces of at most n runes. An empty s yields one empty piece.
func splitRunes(s string, n int) []string {
	if s == "" {
		return []string{""}
	}
	var out []string
	for len(s) > 0 {
		end, count := 0, 0
		for end < len(s) && count < n {
			_, size := utf8.DecodeRuneInString(s[end:])
			end += size
			count++
		}
		out = append(out, s[:end])
		s = s[end:]
	}
	return out
}
