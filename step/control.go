// Package step implements the per-invocation step primitives a function
// body calls: Run, Sleep, SleepUntil, WaitForEvent, Invoke, SendEvent, and
// Infer (spec.md §4.2). Every primitive shares the same memoization
// protocol: look the step up in the memo table, return its decoded value
// if present, or execute/describe the step and throw the step-interrupt
// sentinel if absent.
package step

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stepforge/stepforge-go/internal/sdkrequest"
)

// ControlHijack is the step-interrupt sentinel (spec.md §7 kind 1): not an
// error, pure flow control. preflight's caller recovers it at the top of
// the call stack (the invocation handler) to end the request once a step
// has no memoized value yet.
type ControlHijack struct{}

func (ControlHijack) Error() string {
	return "stepforge: control hijack (internal; must not be caught by user code)"
}

// preflight fetches the invocation manager from ctx, panicking with a
// plain Go error (not ControlHijack) if none is present -- this only
// happens if a step primitive is called outside of a function body
// invoked by the handler, which is a programming error, not a step
// failure.
func preflight(ctx context.Context) *sdkrequest.Manager {
	mgr, ok := sdkrequest.FromContext(ctx)
	if !ok {
		panic(fmt.Errorf("stepforge: step called outside of a function invocation"))
	}
	return mgr
}

// dataWrapper is the back-compat wire shape some executor versions use
// instead of a raw value (spec.md §4.2 "both wire shapes").
type dataWrapper struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// decodeMemo decodes a memoized value into T, unwrapping the
// {type:"data",data:...} shape if present.
func decodeMemo[T any](raw json.RawMessage) (T, error) {
	var out T

	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}

	var wrapped dataWrapper
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Type == "data" {
		if len(wrapped.Data) == 0 || string(wrapped.Data) == "null" {
			return out, nil
		}
		if err := json.Unmarshal(wrapped.Data, &out); err != nil {
			return out, err
		}
		return out, nil
	}

	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}

func hijack() {
	panic(ControlHijack{})
}
