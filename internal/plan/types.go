package plan

import (
	"time"
)

// Plan is a versioned snapshot of a generated component tree.
type Plan struct {
	ID           string         `json:"id" yaml:"id"`
	Version      int            `json:"version" yaml:"version"`
	Root         *Component     `json:"root,omitempty" yaml:"root,omitempty"`
	Capabilities Capabilities   `json:"capabilities" yaml:"capabilities"`
	Metadata     map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	State        map[string]any `json:"state,omitempty" yaml:"state,omitempty"`
	Source       *SourceModule  `json:"source,omitempty" yaml:"source,omitempty"`
}

// Component is one node of a plan's component tree.
type Component struct {
	Type     string         `json:"type" yaml:"type"`
	Key      string         `json:"key,omitempty" yaml:"key,omitempty"`
	Props    map[string]any `json:"props,omitempty" yaml:"props,omitempty"`
	Text     string         `json:"text,omitempty" yaml:"text,omitempty"`
	Children []*Component   `json:"children,omitempty" yaml:"children,omitempty"`
}

// Capabilities declares what a plan needs from the execution sandbox.
type Capabilities struct {
	DOMWrite       bool     `json:"domWrite,omitempty" yaml:"domWrite,omitempty"`
	NetworkHosts   []string `json:"networkHosts,omitempty" yaml:"networkHosts,omitempty"`
	AllowedModules []string `json:"allowedModules,omitempty" yaml:"allowedModules,omitempty"`
	MaxExecutionMs int      `json:"maxExecutionMs,omitempty" yaml:"maxExecutionMs,omitempty"`
}

// SourceModule is an optional source module embedded in a plan.
type SourceModule struct {
	Language   string   `json:"language" yaml:"language"`
	Code       string   `json:"code" yaml:"code"`
	ExportName string   `json:"exportName,omitempty" yaml:"exportName,omitempty"`
	Imports    []string `json:"imports,omitempty" yaml:"imports,omitempty"`
}

// Event is a runtime event dispatched into a registered plan.
type Event struct {
	Type    string         `json:"type" yaml:"type"`
	Payload map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// Record is a registered plan and the time it was stored.
type Record struct {
	Plan         Plan      `json:"plan"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// Summary describes every stored version of one plan id.
type Summary struct {
	ID            string    `json:"id"`
	LatestVersion int       `json:"latestVersion"`
	Versions      []int     `json:"versions"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Walk visits every component of the tree depth-first, stopping early when fn returns false.
func (c *Component) Walk(fn func(depth int, node *Component) bool) {
	c.walk(0, fn)
}

func (c *Component) walk(depth int, fn func(int, *Component) bool) bool {
	if c == nil {
		return true
	}
	if !fn(depth, c) {
		return false
	}
	for _, child := range c.Children {
		if !child.walk(depth+1, fn) {
			return false
		}
	}
	return true
}

// NodeCount returns the number of components in the tree rooted at c.
func (c *Component) NodeCount() int {
	n := 0
	c.Walk(func(int, *Component) bool {
		n++
		return true
	})
	return n
}
