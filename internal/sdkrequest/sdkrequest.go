// Package sdkrequest implements the per-invocation memoization state
// (spec.md §3 "Memo table", §4.2 "Memoization protocol") shared by every
// step primitive in package step and read by the invocation handler.
package sdkrequest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Opcode tags the variant of a step operation (spec.md §3 "Step
// operation").
type Opcode string

const (
	OpcodeStepRun        Opcode = "StepRun"
	OpcodeStepError      Opcode = "StepError"
	OpcodeSleep          Opcode = "Sleep"
	OpcodeWaitForEvent   Opcode = "WaitForEvent"
	OpcodeInvokeFunction Opcode = "InvokeFunction"

	// OpcodeStep is reserved: spec.md §9 notes the source constant of the
	// same name has no observable consumer.
	OpcodeStep Opcode = "Step"
)

// ErrorTriple is the {name, message, stack?} shape spec.md requires on
// every error-bearing payload.
type ErrorTriple struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// GeneratorOpcode is the tagged variant emitted by step tools and
// serialized in 206 responses (spec.md §3 "Step operation").
type GeneratorOpcode struct {
	ID          string          `json:"id"`
	Op          Opcode          `json:"op"`
	Name        string          `json:"name,omitempty"`
	DisplayName *string         `json:"displayName,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Error       *ErrorTriple    `json:"error,omitempty"`
	Opts        map[string]any  `json:"opts,omitempty"`
}

// CallCtx is the run-identifying portion of an incoming POST body
// (spec.md §3 "Run context", §4.3).
type CallCtx struct {
	RunID                     string `json:"run_id"`
	FunctionID                string `json:"fn_id"`
	Attempt                   int    `json:"attempt"`
	MaxAttempts               int    `json:"max_attempts"`
	IsReplay                  bool   `json:"is_replay"`
	StepID                    string `json:"step_id,omitempty"`
	Env                       string `json:"env,omitempty"`
	DisableImmediateExecution bool   `json:"disable_immediate_execution,omitempty"`
	UseAPI                    bool   `json:"use_api,omitempty"`
}

// IsFinalAttempt implements spec.md §8's final-attempt predicate.
func (c CallCtx) IsFinalAttempt() bool {
	max := c.MaxAttempts
	if max == 0 {
		max = 4
	}
	return c.Attempt >= max-1
}

// Request is the body of an incoming POST (spec.md §4.3).
type Request struct {
	Event   json.RawMessage            `json:"event"`
	Events  []json.RawMessage          `json:"events"`
	Steps   map[string]json.RawMessage `json:"steps"`
	CallCtx CallCtx                    `json:"ctx"`
}

// EventSender is the minimal interface step.SendEvent needs; satisfied by
// the top-level Client.
type EventSender interface {
	SendEvent(ctx context.Context, evts ...map[string]any) ([]string, error)
}

type managerCtxKey struct{}

// SetManager stores mgr in ctx for the step package to retrieve.
func SetManager(ctx context.Context, mgr *Manager) context.Context {
	return context.WithValue(ctx, managerCtxKey{}, mgr)
}

// FromContext retrieves the Manager stored by SetManager.
func FromContext(ctx context.Context) (*Manager, bool) {
	mgr, ok := ctx.Value(managerCtxKey{}).(*Manager)
	return mgr, ok
}

// Manager is the per-invocation heart of the system (spec.md §4.2): it
// owns the memo table for one HTTP POST, tracks which steps have been
// seen, and buffers newly-emitted ops until the request unwinds via the
// step-interrupt sentinel.
type Manager struct {
	request     *Request
	eventSender EventSender
	cancel      context.CancelFunc

	l    sync.Mutex
	ops  []GeneratorOpcode
	err  error
	seen map[string]int // id -> count, for disambiguating repeated step ids
}

// NewManager constructs a Manager seeded from the memo table in request.
func NewManager(cancel context.CancelFunc, request *Request, eventSender EventSender) *Manager {
	if request.Steps == nil {
		request.Steps = map[string]json.RawMessage{}
	}
	return &Manager{
		request:     request,
		eventSender: eventSender,
		cancel:      cancel,
		seen:        map[string]int{},
	}
}

// Cancel ends the function context, preventing any further step tool from
// running after one has thrown the step-interrupt sentinel.
func (m *Manager) Cancel() {
	if m.cancel != nil {
		m.cancel()
	}
}

// Request returns the incoming request this manager was built from.
func (m *Manager) Request() *Request { return m.request }

// EventSender returns the injected event sender, if any (spec.md §4.2
// SendEvent: "If no sender was injected the primitive fails").
func (m *Manager) EventSender() (EventSender, bool) {
	return m.eventSender, m.eventSender != nil
}

// SetErr records the error produced by step code; higher precedence than
// a function's own return error (spec.md invoke semantics).
func (m *Manager) SetErr(err error) {
	m.l.Lock()
	defer m.l.Unlock()
	m.err = err
}

// Err returns the error set by SetErr, if any.
func (m *Manager) Err() error {
	m.l.Lock()
	defer m.l.Unlock()
	return m.err
}

// AppendOp buffers a newly-emitted step operation for the 206 response.
func (m *Manager) AppendOp(op GeneratorOpcode) {
	m.l.Lock()
	defer m.l.Unlock()
	m.ops = append(m.ops, op)
}

// Ops returns every operation buffered so far (spec.md invariant: a step
// id appears at most once per response, preserved by EffectiveID below).
func (m *Manager) Ops() []GeneratorOpcode {
	m.l.Lock()
	defer m.l.Unlock()
	return m.ops
}

// EffectiveID disambiguates repeated calls to a step primitive with the
// same literal id (e.g. inside a loop) by suffixing a 1-based occurrence
// counter onto every call after the first, so "k", "k:2", "k:3" act as
// distinct memo keys while leaving the common, non-looping case
// untouched.
func (m *Manager) EffectiveID(id string) string {
	m.l.Lock()
	defer m.l.Unlock()
	n := m.seen[id]
	m.seen[id] = n + 1
	if n == 0 {
		return id
	}
	return fmt.Sprintf("%s:%d", id, n+1)
}

// Step looks up effectiveID in the incoming memo table.
func (m *Manager) Step(effectiveID string) (json.RawMessage, bool) {
	val, ok := m.request.Steps[effectiveID]
	return val, ok
}
