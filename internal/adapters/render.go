package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/renderd/internal/orchestrator"
	"github.com/fyrsmithlabs/renderd/internal/plan"
)

// Render targets supported by MarkupRenderer.
const (
	TargetHTML = "html"
	TargetText = "text"
	TargetJSON = "json"
)

// UnsupportedTargetError is returned for an unknown render target.
type UnsupportedTargetError struct {
	Target string
}

func (e *UnsupportedTargetError) Error() string {
	return fmt.Sprintf("unsupported render target %q", e.Target)
}

// MarkupRenderer renders an execution tree as escaped HTML-like markup,
// as plain text or as JSON.
type MarkupRenderer struct {
	// Indent pretty-prints html and json output with this unit when set.
	Indent string
}

// NewMarkupRenderer creates a renderer producing compact output.
func NewMarkupRenderer() *MarkupRenderer {
	return &MarkupRenderer{}
}

// Render implements orchestrator.Renderer.
func (r *MarkupRenderer) Render(ctx context.Context, result orchestrator.ExecutionResult, target string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	switch strings.ToLower(target) {
	case "", TargetHTML:
		var b strings.Builder
		r.writeHTML(&b, result.Tree, 0)
		return b.String(), nil
	case TargetText:
		var lines []string
		result.Tree.Walk(func(_ int, c *plan.Component) bool {
			if t := strings.TrimSpace(c.Text); t != "" {
				lines = append(lines, t)
			}
			return true
		})
		return strings.Join(lines, "\n"), nil
	case TargetJSON:
		var (
			out []byte
			err error
		)
		if r.Indent != "" {
			out, err = json.MarshalIndent(result.Tree, "", r.Indent)
		} else {
			out, err = json.Marshal(result.Tree)
		}
		if err != nil {
			return "", fmt.Errorf("encode tree: %w", err)
		}
		return string(out), nil
	default:
		return "", &UnsupportedTargetError{Target: target}
	}
}

func (r *MarkupRenderer) writeHTML(b *strings.Builder, c *plan.Component, depth int) {
	if c == nil {
		return
	}
	tag := tagName(c.Type)
	r.newline(b, depth)
	b.WriteString("<" + tag)
	if c.Key != "" {
		fmt.Fprintf(b, ` data-key="%s"`, html.EscapeString(c.Key))
	}
	keys := make([]string, 0, len(c.Props))
	for k := range c.Props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		name := attrName(k)
		// event handler attributes are never emitted
		if name == "" || strings.HasPrefix(name, "on") {
			continue
		}
		fmt.Fprintf(b, ` %s="%s"`, name, html.EscapeString(fmt.Sprint(c.Props[k])))
	}
	b.WriteString(">")
	b.WriteString(html.EscapeString(c.Text))
	for _, child := range c.Children {
		r.writeHTML(b, child, depth+1)
	}
	if len(c.Children) > 0 {
		r.newline(b, depth)
	}
	b.WriteString("</" + tag + ">")
}

func (r *MarkupRenderer) newline(b *strings.Builder, depth int) {
	if r.Indent == "" || b.Len() == 0 {
		return
	}
	b.WriteString("\n")
	b.WriteString(strings.Repeat(r.Indent, depth))
}

// tagName reduces a component type to a safe tag name.
func tagName(componentType string) string {
	name := attrName(componentType)
	if name == "" {
		return "div"
	}
	return name
}

func attrName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
