package step

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/stepforge/stepforge-go/internal/sdkrequest"
	"github.com/stepforge/stepforge-go/pkg/duration"
)

// InvokeOpts targets another function by id and supplies its triggering
// payload.
type InvokeOpts struct {
	// FunctionID is the target's fully-qualified id, "{appId}-{fnId}".
	FunctionID string
	// Data becomes the invoked function's event payload.
	Data map[string]any
	// User is opaque user data passed alongside Data.
	User any
	// Timeout, if nonzero, bounds how long the orchestrator waits for the
	// invoked function before considering it timed out.
	Timeout time.Duration
}

// invocationFailedError reports that the invoked function itself failed
// (spec.md §4.2 "Invoke: {error:…}"); it is never retriable, since retrying
// the same invocation would reach the same failed target.
type invocationFailedError struct {
	msg string
}

func (e *invocationFailedError) Error() string { return "invoked function failed: " + e.msg }

// StepforgeNoRetry is a marker method letting package stepforge's invocation
// handler recognize this error kind by interface (step cannot import
// stepforge without a cycle).
func (e *invocationFailedError) StepforgeNoRetry() {}

// decodeInvokeMemo decodes an Invoke memo per spec.md §4.2: a {error:...}
// object throws an invocation-failed error, a {data:...} object decodes its
// data field as T, a raw value decodes directly, and a null memo returns
// the zero value.
func decodeInvokeMemo[T any](raw json.RawMessage) (T, error) {
	var zero T
	if len(raw) == 0 || string(raw) == "null" {
		return zero, nil
	}

	var valMap map[string]json.RawMessage
	if err := json.Unmarshal(raw, &valMap); err == nil {
		if errRaw, ok := valMap["error"]; ok {
			var errObj struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal(errRaw, &errObj); err != nil {
				return zero, err
			}
			return zero, &invocationFailedError{msg: errObj.Message}
		}
		if dataRaw, ok := valMap["data"]; ok {
			if len(dataRaw) == 0 || string(dataRaw) == "null" {
				return zero, nil
			}
			if err := json.Unmarshal(dataRaw, &zero); err != nil {
				return zero, err
			}
			return zero, nil
		}
	}

	if err := json.Unmarshal(raw, &zero); err != nil {
		return zero, err
	}
	return zero, nil
}

// Invoke calls another registered function and waits for its return value,
// memoizing the result the same way Run does (spec.md §4.2 "Invoke"). A
// failure of the invoked function itself surfaces as a non-retriable error
// rather than throwing the step-interrupt sentinel, since the handler
// already has a value (the failure) to return to the caller.
func Invoke[T any](ctx context.Context, id string, opts InvokeOpts) (T, error) {
	var zero T
	mgr := preflight(ctx)
	effectiveID := mgr.EffectiveID(id)

	if raw, ok := mgr.Step(effectiveID); ok {
		out, err := decodeInvokeMemo[T](raw)
		if err != nil {
			var invoked *invocationFailedError
			if errors.As(err, &invoked) {
				return out, err
			}
			mgr.SetErr(err)
			hijack()
		}
		return out, nil
	}

	invokeOpts := map[string]any{
		"function_id": opts.FunctionID,
		"payload":     map[string]any{"data": opts.Data, "user": opts.User},
	}
	if opts.Timeout > 0 {
		invokeOpts["timeout"] = duration.Format(opts.Timeout)
	}

	mgr.AppendOp(sdkrequest.GeneratorOpcode{
		ID:   effectiveID,
		Op:   sdkrequest.OpcodeInvokeFunction,
		Name: id,
		Opts: invokeOpts,
	})
	hijack()
	return zero, nil
}
