package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/renderd/internal/audit"
	"github.com/fyrsmithlabs/renderd/internal/orchestrator"
)

// DefaultSubjectPrefix is the first subject token when none is configured.
const DefaultSubjectPrefix = "renderd"

// Publisher sends one message. *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// flusher is implemented by publishers that buffer, such as *nats.Conn.
type flusher interface {
	Flush() error
}

// Source is what the bridge subscribes to. *orchestrator.Orchestrator satisfies it.
type Source interface {
	On(name string, fn orchestrator.Listener) (unsubscribe func())
}

// Message is the JSON body of every published event.
type Message struct {
	Event       string                       `json:"event"`
	TraceID     string                       `json:"traceId,omitempty"`
	TenantID    string                       `json:"tenantId,omitempty"`
	Mode        audit.Mode                   `json:"mode,omitempty"`
	Status      audit.Status                 `json:"status,omitempty"`
	PlanID      string                       `json:"planId,omitempty"`
	PlanVersion int                          `json:"planVersion,omitempty"`
	DurationMs  int64                        `json:"durationMs,omitempty"`
	Stages      []orchestrator.StageTiming   `json:"stages,omitempty"`
	Issues      []orchestrator.SecurityIssue `json:"issues,omitempty"`
	Error       string                       `json:"error,omitempty"`
	Timestamp   time.Time                    `json:"timestamp"`
}

// Bridge forwards orchestrator events to a Publisher. Publish failures are
// logged and never reach the pipeline.
type Bridge struct {
	pub    Publisher
	prefix string
	logger *zap.Logger
	now    func() time.Time

	mu           sync.Mutex
	unsubscribes []func()
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithSubjectPrefix replaces DefaultSubjectPrefix.
func WithSubjectPrefix(prefix string) Option {
	return func(b *Bridge) {
		if prefix = strings.Trim(prefix, ". "); prefix != "" {
			b.prefix = prefix
		}
	}
}

// WithLogger sets the logger used for publish failures.
func WithLogger(l *zap.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBridge creates a bridge publishing through pub.
func NewBridge(pub Publisher, opts ...Option) *Bridge {
	b := &Bridge{
		pub:    pub,
		prefix: DefaultSubjectPrefix,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Attach subscribes the bridge to every orchestrator event.
func (b *Bridge) Attach(src Source) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubscribes = append(b.unsubscribes,
		src.On(orchestrator.EventStarted, func(any) { b.lifecycle(orchestrator.EventStarted) }),
		src.On(orchestrator.EventStopped, func(any) { b.lifecycle(orchestrator.EventStopped) }),
		src.On(orchestrator.EventRendered, b.onRendered),
		src.On(orchestrator.EventRenderFailed, b.onRenderFailed),
		src.On(orchestrator.EventPolicyRejected, b.onPolicyRejected),
	)
}

// Detach unsubscribes from every source and flushes buffered messages.
func (b *Bridge) Detach() error {
	b.mu.Lock()
	unsubscribes := b.unsubscribes
	b.unsubscribes = nil
	b.mu.Unlock()

	for _, unsubscribe := range unsubscribes {
		unsubscribe()
	}
	if f, ok := b.pub.(flusher); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("flush events: %w", err)
		}
	}
	return nil
}

// Subject builds the subject for a render event.
func (b *Bridge) Subject(tenantID, traceID, event string) string {
	return strings.Join([]string{b.prefix, token(tenantID), token(traceID), token(event)}, ".")
}

func (b *Bridge) lifecycle(event string) {
	subject := strings.Join([]string{b.prefix, "system", "lifecycle", event}, ".")
	b.publish(subject, Message{Event: event, Timestamp: b.now().UTC()})
}

func (b *Bridge) onRendered(payload any) {
	ev, ok := payload.(orchestrator.RenderedEvent)
	if !ok {
		return
	}
	msg := fromAudit(orchestrator.EventRendered, ev.Audit, ev.Metric)
	msg.Timestamp = b.now().UTC()
	b.publish(b.Subject(ev.Audit.TenantID, ev.TraceID, orchestrator.EventRendered), msg)
}

func (b *Bridge) onRenderFailed(payload any) {
	ev, ok := payload.(orchestrator.RenderFailedEvent)
	if !ok {
		return
	}
	msg := fromAudit(orchestrator.EventRenderFailed, ev.Audit, ev.Metric)
	msg.Timestamp = b.now().UTC()
	b.publish(b.Subject(ev.Audit.TenantID, ev.TraceID, orchestrator.EventRenderFailed), msg)
}

func (b *Bridge) onPolicyRejected(payload any) {
	ev, ok := payload.(orchestrator.PolicyRejectedEvent)
	if !ok {
		return
	}
	b.publish(b.Subject(ev.TenantID, ev.TraceID, orchestrator.EventPolicyRejected), Message{
		Event:     orchestrator.EventPolicyRejected,
		TraceID:   ev.TraceID,
		TenantID:  ev.TenantID,
		Status:    audit.StatusRejected,
		Issues:    ev.Security.Issues,
		Timestamp: b.now().UTC(),
	})
}

func (b *Bridge) publish(subject string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Warn("failed to marshal event", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := b.pub.Publish(subject, data); err != nil {
		b.logger.Warn("failed to publish event",
			zap.String("subject", subject),
			zap.String("trace_id", msg.TraceID),
			zap.Error(err),
		)
	}
}

func fromAudit(event string, rec audit.Record, metric orchestrator.Metric) Message {
	return Message{
		Event:       event,
		TraceID:     rec.TraceID,
		TenantID:    rec.TenantID,
		Mode:        rec.Mode,
		Status:      rec.Status,
		PlanID:      rec.PlanID,
		PlanVersion: rec.PlanVersion,
		DurationMs:  rec.DurationMs,
		Stages:      metric.Stages,
		Error:       rec.Error,
	}
}

// token makes s usable as a single subject token. Separators, wildcards
// and whitespace become underscores.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
