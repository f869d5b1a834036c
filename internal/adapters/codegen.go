package adapters

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/renderd/internal/orchestrator"
	"github.com/fyrsmithlabs/renderd/internal/plan"
)

// ErrEmptyOutput is returned when there is no model output to turn into a plan.
var ErrEmptyOutput = errors.New("model output is empty")

// JSONCodeGenerator turns model output into a plan. Output holding a JSON
// plan document (bare or in a fenced block) is decoded; anything else is
// wrapped in a section of text components, one per paragraph.
//
// Plans without an id get one derived from the prompt, so re-running a
// prompt registers a new version of the same plan.
type JSONCodeGenerator struct{}

// NewJSONCodeGenerator creates a JSONCodeGenerator.
func NewJSONCodeGenerator() *JSONCodeGenerator {
	return &JSONCodeGenerator{}
}

// GeneratePlan implements orchestrator.CodeGenerator.
func (g *JSONCodeGenerator) GeneratePlan(ctx context.Context, in orchestrator.CodeGenInput) (plan.Plan, error) {
	if err := ctx.Err(); err != nil {
		return plan.Plan{}, err
	}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return plan.Plan{}, ErrEmptyOutput
	}

	var p plan.Plan
	if looksLikeJSON(text) {
		doc, ok := extractJSON(text)
		if !ok {
			return plan.Plan{}, fmt.Errorf("incomplete plan document")
		}
		decoded, err := DecodePlan(doc)
		if err != nil {
			return plan.Plan{}, err
		}
		if errs := ValidatePlan(decoded); len(errs) > 0 {
			return plan.Plan{}, fmt.Errorf("invalid plan: %s", strings.Join(errs, "; "))
		}
		p = decoded
	} else {
		p = plan.Plan{Root: textTree(text)}
	}
	if p.ID == "" {
		p.ID = planIDFor(in.Prompt)
	}
	return p, nil
}

// NewSession implements orchestrator.IncrementalCodeGenerator.
func (g *JSONCodeGenerator) NewSession(_ context.Context, in orchestrator.CodeGenInput) (orchestrator.CodeGenSession, error) {
	return &jsonSession{gen: g, in: in}, nil
}

type jsonSession struct {
	gen *JSONCodeGenerator
	in  orchestrator.CodeGenInput
	buf strings.Builder
}

// PushDelta returns a speculative plan once the accumulated output parses.
// An unfinished JSON document yields nil without error.
func (s *jsonSession) PushDelta(ctx context.Context, delta orchestrator.LLMDelta) (*plan.Plan, error) {
	s.buf.WriteString(delta.Text)
	text := strings.TrimSpace(s.buf.String())
	if text == "" {
		return nil, nil
	}
	if looksLikeJSON(text) {
		if _, ok := extractJSON(text); !ok {
			return nil, nil
		}
	}
	in := s.in
	in.Text = text
	p, err := s.gen.GeneratePlan(ctx, in)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Finalize builds the plan from text, or from the accumulated deltas when text is empty.
func (s *jsonSession) Finalize(ctx context.Context, text string) (*plan.Plan, error) {
	if strings.TrimSpace(text) == "" {
		text = s.buf.String()
	}
	in := s.in
	in.Text = text
	p, err := s.gen.GeneratePlan(ctx, in)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// DecodePlan decodes a plan document, extracting it from a fenced block or
// surrounding prose first when needed. Unknown fields are rejected.
func DecodePlan(text string) (plan.Plan, error) {
	doc, ok := extractJSON(strings.TrimSpace(text))
	if !ok {
		return plan.Plan{}, fmt.Errorf("no plan document found")
	}
	dec := json.NewDecoder(strings.NewReader(doc))
	dec.DisallowUnknownFields()
	var p plan.Plan
	if err := dec.Decode(&p); err != nil {
		return plan.Plan{}, fmt.Errorf("decode plan: %w", err)
	}
	return p, nil
}

// ValidatePlan returns the structural problems of p, or nil.
func ValidatePlan(p plan.Plan) []string {
	if p.Root == nil {
		return []string{"plan root is required"}
	}
	var errs []string
	walkPaths(p.Root, "root", func(path string, c *plan.Component) {
		if strings.TrimSpace(c.Type) == "" {
			errs = append(errs, fmt.Sprintf("component at %s has no type", path))
		}
	})
	if p.Source != nil && strings.TrimSpace(p.Source.Code) == "" {
		errs = append(errs, "source module has no code")
	}
	return errs
}

// walkPaths visits every component with its path, e.g. root.children[1].
func walkPaths(c *plan.Component, path string, fn func(path string, c *plan.Component)) {
	if c == nil {
		return
	}
	fn(path, c)
	for i, child := range c.Children {
		walkPaths(child, fmt.Sprintf("%s.children[%d]", path, i), fn)
	}
}

func looksLikeJSON(text string) bool {
	return strings.HasPrefix(text, "{") || strings.HasPrefix(text, "```")
}

// extractJSON returns the first complete JSON object in text. A fenced
// code block takes precedence over a bare object.
func extractJSON(text string) (string, bool) {
	if start := strings.Index(text, "```"); start >= 0 {
		body := text[start+3:]
		if nl := strings.IndexByte(body, '\n'); nl >= 0 {
			body = body[nl+1:]
		}
		end := strings.Index(body, "```")
		if end < 0 {
			return "", false
		}
		text = body[:end]
	}

	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		ch := text[i]
		switch {
		case escaped:
			escaped = false
		case inString && ch == '\\':
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '{':
			depth++
		case ch == '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

func textTree(text string) *plan.Component {
	root := &plan.Component{Type: "section"}
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		root.Children = append(root.Children, &plan.Component{Type: "text", Text: para})
	}
	return root
}

// planIDFor derives a stable plan id from the prompt. An empty prompt
// leaves the id blank for the registry to fill.
func planIDFor(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return ""
	}
	sum := sha256.Sum256(bytes.ToLower([]byte(prompt)))
	return "plan_" + hex.EncodeToString(sum[:6])
}
