package step

import (
	"context"
	"encoding/json"
	"time"

	"github.com/stepforge/stepforge-go/internal/sdkrequest"
	"github.com/stepforge/stepforge-go/pkg/duration"
)

// WaitForEventOpts configures WaitForEvent.
type WaitForEventOpts struct {
	// Event is the name of the event to wait for.
	Event string
	// If is an optional filter expression evaluated against the waiting
	// run's triggering event and the candidate event (spec.md §4.2
	// "WaitForEvent").
	If *string
	// Timeout bounds how long the run waits before giving up.
	Timeout time.Duration
}

// WaitForEvent pauses the run until a matching event arrives or opts.Timeout
// elapses (spec.md §4.2 "WaitForEvent"). On timeout the returned event is
// the zero value of T and ok is false; on match, the decoded event and true.
func WaitForEvent[T any](ctx context.Context, id string, opts WaitForEventOpts) (T, bool) {
	var zero T
	mgr := preflight(ctx)
	effectiveID := mgr.EffectiveID(id)

	if raw, ok := mgr.Step(effectiveID); ok {
		if len(raw) == 0 || string(raw) == "null" {
			return zero, false
		}
		var wrapped dataWrapper
		if json.Unmarshal(raw, &wrapped) == nil && wrapped.Type == "data" &&
			(len(wrapped.Data) == 0 || string(wrapped.Data) == "null") {
			return zero, false
		}
		out, err := decodeMemo[T](raw)
		if err != nil {
			mgr.SetErr(err)
			hijack()
		}
		return out, true
	}

	wireOpts := map[string]any{
		"event":   opts.Event,
		"timeout": duration.Format(opts.Timeout),
	}
	if opts.If != nil {
		wireOpts["if"] = *opts.If
	}

	mgr.AppendOp(sdkrequest.GeneratorOpcode{
		ID:   effectiveID,
		Op:   sdkrequest.OpcodeWaitForEvent,
		Name: opts.Event,
		Opts: wireOpts,
	})
	hijack()
	return zero, false
}
