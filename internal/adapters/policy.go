package adapters

import (
	"context"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"
	"sync"

	"github.com/fyrsmithlabs/renderd/internal/orchestrator"
	"github.com/fyrsmithlabs/renderd/internal/plan"
)

// Issue codes reported by PolicyChecker.
const (
	IssueEmptyPlan        = "empty-plan"
	IssueMaxNodes         = "max-nodes"
	IssueBlockedComponent = "blocked-component"
	IssueBlockedModule    = "blocked-module"
	IssueNetworkHost      = "network-host"
	IssueUnsafeURL        = "unsafe-url"
)

// Issue severities. Only errors fail the check.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// DefaultMaxNodes bounds the size of a component tree.
const DefaultMaxNodes = 500

// DefaultSecurityPolicy is the policy used until Initialize overrides it.
func DefaultSecurityPolicy() orchestrator.SecurityPolicy {
	return orchestrator.SecurityPolicy{
		BlockedModules:    []string{"fs", "child_process", "net", "vm"},
		BlockedComponents: []string{"script", "iframe", "object"},
		MaxNodes:          DefaultMaxNodes,
	}
}

// urlProps are the attributes checked for scheme and host, by the name the
// renderer emits.
var urlProps = []string{"href", "src", "action", "formaction", "poster", "xlinkhref"}

// PolicyChecker checks plans against a SecurityPolicy. An empty host
// allowlist denies every network host.
type PolicyChecker struct {
	mu     sync.RWMutex
	policy orchestrator.SecurityPolicy
}

// NewPolicyChecker creates a checker with DefaultSecurityPolicy.
func NewPolicyChecker() *PolicyChecker {
	return &PolicyChecker{policy: DefaultSecurityPolicy()}
}

// Initialize merges overrides into the default policy. Non-empty lists
// replace the defaults; a positive MaxNodes replaces the default bound.
func (c *PolicyChecker) Initialize(_ context.Context, overrides orchestrator.SecurityPolicy) error {
	if overrides.MaxNodes < 0 {
		return fmt.Errorf("max nodes must not be negative, got %d", overrides.MaxNodes)
	}
	policy := DefaultSecurityPolicy()
	if len(overrides.BlockedModules) > 0 {
		policy.BlockedModules = slices.Clone(overrides.BlockedModules)
	}
	if len(overrides.BlockedComponents) > 0 {
		policy.BlockedComponents = slices.Clone(overrides.BlockedComponents)
	}
	if len(overrides.AllowedHosts) > 0 {
		policy.AllowedHosts = slices.Clone(overrides.AllowedHosts)
	}
	if overrides.MaxNodes > 0 {
		policy.MaxNodes = overrides.MaxNodes
	}

	c.mu.Lock()
	c.policy = policy
	c.mu.Unlock()
	return nil
}

// Policy returns the active policy.
func (c *PolicyChecker) Policy() orchestrator.SecurityPolicy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.policy
}

// CheckPlan implements orchestrator.SecurityChecker.
func (c *PolicyChecker) CheckPlan(ctx context.Context, p plan.Plan) (orchestrator.SecurityResult, error) {
	if err := ctx.Err(); err != nil {
		return orchestrator.SecurityResult{}, err
	}
	policy := c.Policy()

	var issues []orchestrator.SecurityIssue
	add := func(code, severity, path, format string, args ...any) {
		issues = append(issues, orchestrator.SecurityIssue{
			Code:     code,
			Message:  fmt.Sprintf(format, args...),
			Severity: severity,
			Path:     path,
		})
	}

	if p.Root == nil && p.Source == nil {
		add(IssueEmptyPlan, SeverityError, "", "plan has neither a component tree nor a source module")
	}

	if n := p.Root.NodeCount(); policy.MaxNodes > 0 && n > policy.MaxNodes {
		add(IssueMaxNodes, SeverityError, "root", "component tree has %d nodes, limit is %d", n, policy.MaxNodes)
	}

	walkPaths(p.Root, "root", func(path string, comp *plan.Component) {
		// Compare the tag the renderer will actually emit.
		if tag := tagName(comp.Type); slices.ContainsFunc(policy.BlockedComponents, func(b string) bool { return attrName(b) == tag }) {
			add(IssueBlockedComponent, SeverityError, path, "component type %q is not allowed", comp.Type)
		}
		for _, key := range slices.Sorted(maps.Keys(comp.Props)) {
			raw, ok := comp.Props[key].(string)
			if !ok || !slices.Contains(urlProps, attrName(key)) {
				continue
			}
			propPath := path + ".props." + key
			host, err := urlHost(raw)
			switch {
			case err != nil:
				add(IssueUnsafeURL, SeverityError, propPath, "%v", err)
			case host != "" && !hostAllowed(policy.AllowedHosts, host):
				add(IssueNetworkHost, SeverityError, propPath, "host %s is not allowed", host)
			}
		}
	})

	for _, module := range p.Capabilities.AllowedModules {
		if containsFold(policy.BlockedModules, module) {
			add(IssueBlockedModule, SeverityError, "capabilities.allowedModules", "module %q is not allowed", module)
		}
	}
	if p.Source != nil {
		for _, module := range p.Source.Imports {
			if containsFold(policy.BlockedModules, module) {
				add(IssueBlockedModule, SeverityError, "source.imports", "module %q is not allowed", module)
			}
		}
	}

	for _, host := range p.Capabilities.NetworkHosts {
		if !hostAllowed(policy.AllowedHosts, host) {
			add(IssueNetworkHost, SeverityError, "capabilities.networkHosts", "host %s is not allowed", host)
		}
	}

	if p.Capabilities.DOMWrite {
		add("dom-write", SeverityWarning, "capabilities.domWrite", "plan requests direct DOM writes")
	}

	passed := true
	for _, issue := range issues {
		if issue.Severity == SeverityError {
			passed = false
			break
		}
	}
	return orchestrator.SecurityResult{Passed: passed, Issues: issues}, nil
}

func containsFold(list []string, s string) bool {
	return slices.ContainsFunc(list, func(v string) bool { return strings.EqualFold(v, s) })
}

// urlHost returns the host a URL prop points at, or "" for a relative URL.
// Schemes other than http(s) and ws(s) are rejected, as are values that do
// not parse.
func urlHost(raw string) (string, error) {
	// Browsers read a backslash as a slash, so /\evil.com is not relative.
	u, err := url.Parse(strings.ReplaceAll(strings.TrimSpace(raw), `\`, "/"))
	if err != nil {
		return "", fmt.Errorf("malformed url %q", raw)
	}
	switch strings.ToLower(u.Scheme) {
	case "":
		return strings.ToLower(u.Hostname()), nil
	case "http", "https", "ws", "wss":
		if u.Host == "" {
			return "", fmt.Errorf("url %q has no host", raw)
		}
		return strings.ToLower(u.Hostname()), nil
	default:
		return "", fmt.Errorf("url scheme %q is not allowed", u.Scheme)
	}
}

// hostAllowed matches host exactly or against a "*.example.com" wildcard.
func hostAllowed(allowed []string, host string) bool {
	host = strings.ToLower(host)
	for _, a := range allowed {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == host {
			return true
		}
		if suffix, ok := strings.CutPrefix(a, "*."); ok && strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
