package stepforge

import (
	"context"
	"reflect"

	"github.com/gosimple/slug"

	"github.com/stepforge/stepforge-go/internal/filterexpr"
	"github.com/stepforge/stepforge-go/internal/fn"
)

// FunctionOpts declares everything about a function beyond its trigger and
// body (spec.md §3 "Function registration"): an optional explicit ID
// (auto-slugged from Name otherwise), and every flow-control option.
type FunctionOpts struct {
	Name string
	// ID overrides the auto-generated slug. Use this when Name may change
	// without the function's identity changing.
	ID *string

	Retries      *int
	Concurrency  []fn.ConcurrencyLimit
	RateLimit    *fn.RateLimit
	Throttle     *fn.Throttle
	Debounce     *fn.Debounce
	BatchEvents  *fn.BatchEvents
	Priority     *fn.Priority
	Cancellation []fn.Cancellation
	Idempotency  *fn.Idempotency
	Timeouts     *fn.Timeouts
}

// Trigger is a tagged union of the two ways a function starts: an event
// name (with an optional CEL filter expression) or a cron schedule
// (spec.md §3 "Trigger").
type Trigger struct {
	Event      string
	Expression *string
	Cron       string
}

// EventTrigger declares that a function runs whenever an event named name
// arrives, optionally narrowed by a CEL filter expression. expr is checked
// for syntax errors at Register time, not evaluated by the SDK.
func EventTrigger(name string, expr *string) Trigger {
	return Trigger{Event: name, Expression: expr}
}

// CronTrigger declares that a function runs on a schedule. spec is checked
// against a real cron parser at Register time.
func CronTrigger(spec string) Trigger {
	return Trigger{Cron: spec}
}

func (t Trigger) validate() error {
	if t.Cron != "" {
		return validateCron(t.Cron)
	}
	if t.Expression != nil {
		return filterexpr.Validate(*t.Expression)
	}
	return nil
}

// SDKFunction is the shape of a user-defined function body: it receives
// the triggering event (or batch of events) and run context, and returns
// either a value to memoize as the run's result or an error.
type SDKFunction[T any] func(ctx context.Context, input fn.Input[T]) (any, error)

// ServableFunction is the opaque registered-function handle the registry
// and invocation handler operate on, deliberately untyped (spec.md §4.1
// "opaque container") since a single registry holds functions triggered by
// many different event types.
type ServableFunction interface {
	Slug() string
	Name() string
	Config() FunctionOpts
	Trigger() Trigger
	ZeroEvent() any
	Func() any
}

// CreateFunction builds a ServableFunction from its options, trigger, and
// body. T is inferred from f and determines the concrete event type f's
// Input is decoded into.
func CreateFunction[T any](fc FunctionOpts, trigger Trigger, f SDKFunction[T]) ServableFunction {
	return servableFunc{fc: fc, trigger: trigger, f: f}
}

type servableFunc struct {
	fc      FunctionOpts
	trigger Trigger
	f       any
}

func (s servableFunc) Config() FunctionOpts { return s.fc }

func (s servableFunc) Slug() string {
	if s.fc.ID != nil {
		return *s.fc.ID
	}
	return slug.Make(s.fc.Name)
}

func (s servableFunc) Name() string { return s.fc.Name }

func (s servableFunc) Trigger() Trigger { return s.trigger }

// ZeroEvent reflects into f's Input[T] to produce a zero value of T, used
// by the invocation handler to decode an incoming event's JSON payload
// without the registry having to carry T as a type parameter itself.
func (s servableFunc) ZeroEvent() any {
	fVal := reflect.ValueOf(s.f)
	inputVal := reflect.New(fVal.Type().In(1)).Elem()
	return reflect.New(inputVal.FieldByName("Event").Type()).Elem().Interface()
}

func (s servableFunc) Func() any { return s.f }
