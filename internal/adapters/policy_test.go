package adapters

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/renderd/internal/orchestrator"
	"github.com/fyrsmithlabs/renderd/internal/plan"
)

func codes(issues []orchestrator.SecurityIssue) []string {
	out := make([]string, 0, len(issues))
	for _, i := range issues {
		out = append(out, i.Code)
	}
	return out
}

func TestPolicyChecker_DefaultPolicy(t *testing.T) {
	checker := NewPolicyChecker()
	ctx := context.Background()

	tests := []struct {
		name       string
		plan       plan.Plan
		wantPassed bool
		wantCodes  []string
		wantPath   string
	}{
		{
			name:       "clean plan",
			plan:       plan.Plan{Root: &plan.Component{Type: "text", Text: "hi"}},
			wantPassed: true,
			wantCodes:  []string{},
		},
		{
			name:      "empty plan",
			plan:      plan.Plan{},
			wantCodes: []string{IssueEmptyPlan},
		},
		{
			name: "blocked component",
			plan: plan.Plan{Root: &plan.Component{Type: "section", Children: []*plan.Component{
				{Type: "Script", Text: "alert(1)"},
			}}},
			wantCodes: []string{IssueBlockedComponent},
			wantPath:  "root.children[0]",
		},
		{
			name: "blocked capability module",
			plan: plan.Plan{
				Root:         &plan.Component{Type: "text"},
				Capabilities: plan.Capabilities{AllowedModules: []string{"preact", "FS"}},
			},
			wantCodes: []string{IssueBlockedModule},
			wantPath:  "capabilities.allowedModules",
		},
		{
			name:      "blocked source import",
			plan:      plan.Plan{Source: &plan.SourceModule{Code: "x", Imports: []string{"child_process"}}},
			wantCodes: []string{IssueBlockedModule},
			wantPath:  "source.imports",
		},
		{
			name: "network host without allowlist",
			plan: plan.Plan{
				Root:         &plan.Component{Type: "text"},
				Capabilities: plan.Capabilities{NetworkHosts: []string{"api.example.com"}},
			},
			wantCodes: []string{IssueNetworkHost},
		},
		{
			name:      "external link",
			plan:      plan.Plan{Root: &plan.Component{Type: "link", Props: map[string]any{"href": "https://evil.test/x"}}},
			wantCodes: []string{IssueNetworkHost},
			wantPath:  "root.props.href",
		},
		{
			name:       "relative link",
			plan:       plan.Plan{Root: &plan.Component{Type: "link", Props: map[string]any{"href": "/about"}}},
			wantPassed: true,
			wantCodes:  []string{},
		},
		{
			name: "dom write is only a warning",
			plan: plan.Plan{
				Root:         &plan.Component{Type: "text"},
				Capabilities: plan.Capabilities{DOMWrite: true},
			},
			wantPassed: true,
			wantCodes:  []string{"dom-write"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := checker.CheckPlan(ctx, tt.plan)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPassed, res.Passed)
			assert.Equal(t, tt.wantCodes, codes(res.Issues))
			if tt.wantPath != "" {
				require.NotEmpty(t, res.Issues)
				assert.Equal(t, tt.wantPath, res.Issues[0].Path)
			}
		})
	}
}

func TestPolicyChecker_Initialize(t *testing.T) {
	checker := NewPolicyChecker()
	ctx := context.Background()

	require.NoError(t, checker.Initialize(ctx, orchestrator.SecurityPolicy{
		BlockedComponents: []string{"button"},
		AllowedHosts:      []string{"*.example.com", "cdn.test"},
		MaxNodes:          2,
	}))

	policy := checker.Policy()
	assert.Equal(t, []string{"button"}, policy.BlockedComponents)
	assert.Equal(t, DefaultSecurityPolicy().BlockedModules, policy.BlockedModules)
	assert.Equal(t, 2, policy.MaxNodes)

	res, err := checker.CheckPlan(ctx, plan.Plan{
		Root: &plan.Component{Type: "script", Props: map[string]any{"src": "https://cdn.test/app.js"}},
		Capabilities: plan.Capabilities{
			NetworkHosts: []string{"api.example.com", "example.com"},
		},
	})
	require.NoError(t, err)
	// "script" is no longer blocked; the bare apex is not covered by the wildcard.
	assert.Equal(t, []string{IssueNetworkHost}, codes(res.Issues))
	assert.Contains(t, res.Issues[0].Message, "example.com")

	res, err = checker.CheckPlan(ctx, plan.Plan{Root: &plan.Component{Type: "section", Children: []*plan.Component{
		{Type: "text"}, {Type: "button"},
	}}})
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.ElementsMatch(t, []string{IssueMaxNodes, IssueBlockedComponent}, codes(res.Issues))

	// a second Initialize starts from the defaults again
	require.NoError(t, checker.Initialize(ctx, orchestrator.SecurityPolicy{}))
	assert.Equal(t, DefaultSecurityPolicy(), checker.Policy())
}

func TestPolicyChecker_InitializeRejectsNegativeMaxNodes(t *testing.T) {
	checker := NewPolicyChecker()
	err := checker.Initialize(context.Background(), orchestrator.SecurityPolicy{MaxNodes: -1})
	assert.Error(t, err)
	assert.Equal(t, DefaultMaxNodes, checker.Policy().MaxNodes)
}

func TestHostAllowed(t *testing.T) {
	allowed := []string{"*.example.com", "API.test"}
	assert.True(t, hostAllowed(allowed, "a.example.com"))
	assert.True(t, hostAllowed(allowed, "a.b.example.com"))
	assert.True(t, hostAllowed(allowed, "api.test"))
	assert.False(t, hostAllowed(allowed, "example.com"))
	assert.False(t, hostAllowed(allowed, "badexample.com"))
	assert.False(t, hostAllowed(nil, "api.test"))
}

func TestPolicyChecker_BlocksTypesByRenderedTag(t *testing.T) {
	checker := NewPolicyChecker()
	renderer := NewMarkupRenderer()

	for _, typ := range []string{"script", "SCRIPT", "script_", "scr ipt", "_iframe_", "ob.ject"} {
		t.Run(typ, func(t *testing.T) {
			res, err := checker.CheckPlan(context.Background(), plan.Plan{Root: &plan.Component{Type: typ, Text: "alert(1)"}})
			require.NoError(t, err)
			assert.False(t, res.Passed)
			assert.Equal(t, []string{IssueBlockedComponent}, codes(res.Issues))
		})
	}

	// Types that pass the policy never render as a blocked tag.
	for _, typ := range []string{"scripts", "desc-ript", "section"} {
		root := &plan.Component{Type: typ}
		res, err := checker.CheckPlan(context.Background(), plan.Plan{Root: root})
		require.NoError(t, err)
		require.True(t, res.Passed, typ)

		out, err := renderer.Render(context.Background(), orchestrator.ExecutionResult{Tree: root}, "html")
		require.NoError(t, err)
		assert.NotContains(t, out, "<script>", typ)
	}
}

func TestPolicyChecker_URLProps(t *testing.T) {
	checker := NewPolicyChecker()
	require.NoError(t, checker.Initialize(context.Background(), orchestrator.SecurityPolicy{
		AllowedHosts: []string{"cdn.test"},
	}))

	tests := []struct {
		name     string
		props    map[string]any
		wantCode string
	}{
		{"javascript href", map[string]any{"href": "javascript:alert(1)"}, IssueUnsafeURL},
		{"mixed case scheme", map[string]any{"href": " JaVaScRiPt:alert(1)"}, IssueUnsafeURL},
		{"data src", map[string]any{"src": "data:text/html,<script>x</script>"}, IssueUnsafeURL},
		{"vbscript action", map[string]any{"action": "vbscript:msgbox"}, IssueUnsafeURL},
		{"control character", map[string]any{"href": "java\tscript:alert(1)"}, IssueUnsafeURL},
		{"normalized prop name", map[string]any{"HREF": "javascript:alert(1)"}, IssueUnsafeURL},
		{"formaction", map[string]any{"formaction": "javascript:alert(1)"}, IssueUnsafeURL},
		{"http without host", map[string]any{"href": "http:///path"}, IssueUnsafeURL},
		{"protocol relative", map[string]any{"src": "//evil.test/x.js"}, IssueNetworkHost},
		{"backslash host", map[string]any{"href": `/\evil.test`}, IssueNetworkHost},
		{"websocket", map[string]any{"src": "wss://evil.test/feed"}, IssueNetworkHost},
		{"allowed host", map[string]any{"src": "https://cdn.test/app.png"}, ""},
		{"relative path", map[string]any{"href": "/plans/1?tab=state#top"}, ""},
		{"fragment", map[string]any{"href": "#section"}, ""},
		{"non-url prop", map[string]any{"title": "javascript:is fine as text"}, ""},
		{"non-string value", map[string]any{"href": 42}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := checker.CheckPlan(context.Background(), plan.Plan{
				Root: &plan.Component{Type: "link", Props: tt.props},
			})
			require.NoError(t, err)
			if tt.wantCode == "" {
				assert.True(t, res.Passed)
				assert.Empty(t, res.Issues)
				return
			}
			assert.False(t, res.Passed)
			assert.Equal(t, []string{tt.wantCode}, codes(res.Issues))
		})
	}
}
