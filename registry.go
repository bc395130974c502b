package stepforge

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/stepforge/stepforge-go/internal/fn"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

func validateCron(spec string) error {
	if _, err := cronParser.Parse(spec); err != nil {
		return fmt.Errorf("stepforge: invalid cron expression %q: %w", spec, err)
	}
	return nil
}

// FailureContext is passed to a failure handler registered via
// Registry.RegisterWithFailureHandler (spec.md §4.3
// "Failure-handler companion").
type FailureContext struct {
	FunctionID string
	RunID      string
	Error      errorTriple
	Event      map[string]any
}

// FailureHandler is called when a run exhausts its retries, decoded from
// the synthetic "{appId}-{id}:on-failure" companion function's triggering
// event.
type FailureHandler func(ctx context.Context, fc FailureContext) (any, error)

// registration is the registry's internal record for one declared
// function (spec.md §4.1 "Register"): the immutable facts Register derives
// plus the caller-supplied ServableFunction.
type registration struct {
	fullID      string
	fn          ServableFunction
	triggers    []Trigger
	failure     FailureHandler
	onFailureOf string // non-empty for a synthesized failure companion
}

// Registry is the process-wide, write-once-then-read-only catalog of
// declared functions (spec.md §4.1, §5 "Shared resources"). The zero value
// is ready to use.
type Registry struct {
	appID string

	mu   sync.RWMutex
	byID map[string]*registration
	ids  []string // insertion order, for List
}

// NewRegistry constructs a Registry for the given app id, used to compose
// each function's full wire id "{appId}-{id}".
func NewRegistry(appID string) *Registry {
	return &Registry{appID: appID, byID: map[string]*registration{}}
}

// Register validates and stores f under "{appId}-{slug}". It rejects a
// duplicate id within the registry, a cron trigger that fails to parse, a
// filter expression that fails to parse, and more than one keyless
// concurrency constraint.
func (r *Registry) Register(f ServableFunction) error {
	return r.register(f, nil)
}

// RegisterWithFailureHandler is Register plus a callback invoked when the
// run ultimately fails, publishing the failure-handler companion
// registration described in spec.md §4.3.
func (r *Registry) RegisterWithFailureHandler(f ServableFunction, onFailure FailureHandler) error {
	return r.register(f, onFailure)
}

func (r *Registry) register(f ServableFunction, onFailure FailureHandler) error {
	cfg := f.Config()

	if err := fn.ValidateConcurrency(cfg.Concurrency); err != nil {
		return err
	}
	cfg.Concurrency = fn.SortConcurrency(cfg.Concurrency)
	if sf, ok := f.(servableFunc); ok {
		sf.fc = cfg
		f = sf
	}

	trigger := f.Trigger()
	triggers := []Trigger{trigger}
	if trigger.Event == "" && trigger.Cron == "" {
		triggers = []Trigger{deriveTrigger(f)}
	}
	for _, t := range triggers {
		if err := t.validate(); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.byID == nil {
		r.byID = map[string]*registration{}
	}

	fullID := r.appID + "-" + f.Slug()
	if _, exists := r.byID[fullID]; exists {
		return fmt.Errorf("stepforge: a function with id %q is already registered", fullID)
	}

	r.byID[fullID] = &registration{fullID: fullID, fn: f, triggers: triggers, failure: onFailure}
	r.ids = append(r.ids, fullID)

	if onFailure != nil {
		companionID := fullID + ":on-failure"
		ifExpr := fmt.Sprintf("event.data.function_id == %q", fullID)
		companionTrigger := EventTrigger("inngest/function.failed", &ifExpr)

		r.byID[companionID] = &registration{
			fullID:      companionID,
			fn:          newFailureCompanion(cfg.Name, f.Slug()+":on-failure", companionTrigger, onFailure),
			triggers:    []Trigger{companionTrigger},
			onFailureOf: fullID,
			failure:     onFailure,
		}
		r.ids = append(r.ids, companionID)
	}

	return nil
}

// newFailureCompanion builds the ServableFunction invoked for the
// "{appId}-{id}:on-failure" synthetic registration: it decodes the
// function_id/run_id/error/event fields spec.md §4.3 names out of the
// incoming event.data and calls the user's failure callback.
func newFailureCompanion(parentName, slug string, trigger Trigger, onFailure FailureHandler) ServableFunction {
	return CreateFunction(
		FunctionOpts{Name: parentName + " (On Failure)", ID: &slug},
		trigger,
		func(ctx context.Context, input fn.Input[map[string]any]) (any, error) {
			data := input.Event
			fc := FailureContext{
				FunctionID: stringField(data, "function_id"),
				RunID:      stringField(data, "run_id"),
			}
			if evt, ok := data["event"].(map[string]any); ok {
				fc.Event = evt
			}
			if errRaw, ok := data["error"].(map[string]any); ok {
				fc.Error = errorTriple{
					Name:    stringField(errRaw, "name"),
					Message: stringField(errRaw, "message"),
					Stack:   stringField(errRaw, "stack"),
				}
			}
			return onFailure(ctx, fc)
		},
	)
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// deriveTrigger implements spec.md §3's trigger derivation rule: when no
// explicit trigger is declared, use the event-data type's name if it
// exposes one via a NamedEvent-shaped method, falling back to the
// function's own id.
func deriveTrigger(f ServableFunction) Trigger {
	if named, ok := f.ZeroEvent().(interface{ EventName() string }); ok {
		if name := named.EventName(); name != "" {
			return EventTrigger(name, nil)
		}
	}
	return EventTrigger(f.Slug(), nil)
}

// ScanContainer registers every ServableFunction found in container, which
// may be a ServableFunction, a slice of ServableFunction, or a struct
// whose fields are any mix of the two -- the closest Go idiom to the
// "opaque container" spec.md §4.1 describes, since Go has no runtime
// module/package reflection (documented as a substitution in DESIGN.md).
func (r *Registry) ScanContainer(container any) error {
	var collected []ServableFunction

	var walk func(v reflect.Value)
	walk = func(v reflect.Value) {
		if !v.IsValid() {
			return
		}
		if v.Kind() == reflect.Interface || v.Kind() == reflect.Ptr {
			if v.IsNil() {
				return
			}
			walk(v.Elem())
			return
		}
		if sf, ok := v.Interface().(ServableFunction); ok {
			collected = append(collected, sf)
			return
		}
		switch v.Kind() {
		case reflect.Slice, reflect.Array:
			for i := 0; i < v.Len(); i++ {
				walk(v.Index(i))
			}
		case reflect.Struct:
			for i := 0; i < v.NumField(); i++ {
				if v.Field(i).CanInterface() {
					walk(v.Field(i))
				}
			}
		}
	}

	walk(reflect.ValueOf(container))

	for _, f := range collected {
		if err := r.Register(f); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns the registration stored under fullID, if any.
func (r *Registry) Lookup(fullID string) (ServableFunction, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byID[fullID]
	if !ok || reg.fn == nil {
		return nil, false
	}
	return reg.fn, true
}

// List enumerates every registration in the order it was registered.
func (r *Registry) List() []ServableFunction {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServableFunction, 0, len(r.ids))
	for _, id := range r.ids {
		if reg := r.byID[id]; reg.fn != nil {
			out = append(out, reg.fn)
		}
	}
	return out
}

// triggersFor returns the resolved trigger list for fullID, including
// synthesized failure-companion triggers.
func (r *Registry) triggersFor(fullID string) []Trigger {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byID[fullID]
	if !ok {
		return nil
	}
	return reg.triggers
}
