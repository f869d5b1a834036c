package orchestrator

import (
	"sync"

	"github.com/fyrsmithlabs/renderd/internal/audit"
)

// Event names emitted by the orchestrator.
const (
	EventStarted        = "started"
	EventStopped        = "stopped"
	EventRendered       = "rendered"
	EventRenderFailed   = "renderFailed"
	EventPolicyRejected = "policyRejected"
)

// RenderedEvent is the payload of EventRendered.
type RenderedEvent struct {
	TraceID string
	Metric  Metric
	Audit   audit.Record
}

// RenderFailedEvent is the payload of EventRenderFailed.
type RenderFailedEvent struct {
	TraceID string
	Metric  Metric
	Audit   audit.Record
	Err     error
}

// PolicyRejectedEvent is the payload of EventPolicyRejected.
type PolicyRejectedEvent struct {
	TraceID  string
	TenantID string
	Security SecurityResult
}

// Listener receives event payloads. It runs synchronously on the emitting goroutine.
type Listener func(payload any)

type subscription struct {
	id uint64
	fn Listener
}

type emitter struct {
	mu      sync.RWMutex
	nextID  uint64
	subs    map[string][]subscription
	onPanic func(name string, recovered any)
}

func newEmitter(onPanic func(string, any)) *emitter {
	return &emitter{subs: make(map[string][]subscription), onPanic: onPanic}
}

func (e *emitter) on(name string, fn Listener) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.subs[name] = append(e.subs[name], subscription{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			subs := e.subs[name]
			for i, s := range subs {
				if s.id == id {
					e.subs[name] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
		})
	}
}

func (e *emitter) emit(name string, payload any) {
	e.mu.RLock()
	subs := append([]subscription(nil), e.subs[name]...)
	e.mu.RUnlock()

	for _, s := range subs {
		e.call(name, s.fn, payload)
	}
}

// call isolates listener panics from the pipeline.
func (e *emitter) call(name string, fn Listener, payload any) {
	defer func() {
		if r := recover(); r != nil && e.onPanic != nil {
			e.onPanic(name, r)
		}
	}()
	fn(payload)
}
