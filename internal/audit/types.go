package audit

import (
	"encoding/json"
	"time"

	"github.com/fyrsmithlabs/renderd/internal/plan"
)

// Mode is the entry point that produced an invocation.
type Mode string

const (
	ModePrompt   Mode = "prompt"
	ModePlan     Mode = "plan"
	ModeRollback Mode = "rollback"
	ModeReplay   Mode = "replay"
	ModeEvent    Mode = "event"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModePrompt, ModePlan, ModeRollback, ModeReplay, ModeEvent:
		return true
	}
	return false
}

// Status is the terminal outcome of an invocation.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusRejected  Status = "rejected"
	StatusThrottled Status = "throttled"
	StatusFailed    Status = "failed"
)

// Record is the immutable audit entry for one invocation.
type Record struct {
	TraceID            string      `json:"traceId"`
	Mode               Mode        `json:"mode"`
	Status             Status      `json:"status"`
	StartedAt          time.Time   `json:"startedAt"`
	CompletedAt        time.Time   `json:"completedAt"`
	DurationMs         int64       `json:"durationMs"`
	Prompt             string      `json:"prompt,omitempty"`
	TenantID           string      `json:"tenantId,omitempty"`
	PlanID             string      `json:"planId,omitempty"`
	PlanVersion        int         `json:"planVersion,omitempty"`
	DiagnosticsCount   int         `json:"diagnosticsCount"`
	SecurityIssueCount int         `json:"securityIssueCount"`
	Event              *plan.Event `json:"event,omitempty"`
	Error              string      `json:"error,omitempty"`
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	r.Event = r.Event.Clone()
	return r
}

// HasPlan reports whether the record references a registered plan snapshot.
func (r Record) HasPlan() bool {
	return r.PlanID != "" && r.PlanVersion > 0
}

// JSON returns the record as a compact JSON string.
func (r Record) JSON() string {
	data, err := json.Marshal(r)
	if err != nil {
		return "{}"
	}
	return string(data)
}
