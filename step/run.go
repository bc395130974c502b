package step

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stepforge/stepforge-go/internal/sdkrequest"
)

// RunOpts customizes a single Run call.
type RunOpts struct {
	// DisplayName sets the op's displayName; when empty the field is
	// omitted. The op's name is always the step id.
	DisplayName string
}

// Run executes handler at most once per durable run, memoizing its
// result (spec.md §4.2 "Run"). On a memo hit the prior value is decoded
// and returned without calling handler. On a miss, handler runs; success
// throws a StepRun interrupt carrying its return value, failure throws a
// StepError interrupt carrying the error triple -- unless the error is a
// NonRetriableError or RetryAfterError, which propagate unchanged so the
// invocation handler can translate them into response headers.
func Run[T any](ctx context.Context, id string, handler func(ctx context.Context) (T, error)) (T, error) {
	return runStep(ctx, id, RunOpts{}, handler)
}

// RunWithOpts is Run with per-step options.
func RunWithOpts[T any](ctx context.Context, id string, opts RunOpts, handler func(ctx context.Context) (T, error)) (T, error) {
	return runStep(ctx, id, opts, handler)
}

func runStep[T any](ctx context.Context, id string, opts RunOpts, handler func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	mgr := preflight(ctx)
	effectiveID := mgr.EffectiveID(id)

	if raw, ok := mgr.Step(effectiveID); ok {
		out, err := decodeMemo[T](raw)
		if err != nil {
			mgr.SetErr(fmt.Errorf("step %q: decoding memoized result: %w", id, err))
			hijack()
		}
		return out, nil
	}

	result, err := handler(ctx)
	if err != nil {
		if isPropagatedErrorKind(err) {
			mgr.SetErr(err)
			hijack()
		}

		triple := sdkrequest.ErrorTriple{Name: "Error", Message: err.Error()}
		mgr.AppendOp(sdkrequest.GeneratorOpcode{
			ID:    effectiveID,
			Op:    sdkrequest.OpcodeStepError,
			Name:  id,
			Error: &triple,
		})
		mgr.SetErr(err)
		hijack()
		return zero, nil
	}

	data, merr := json.Marshal(result)
	if merr != nil {
		mgr.SetErr(fmt.Errorf("step %q: marshaling result: %w", id, merr))
		hijack()
	}

	var displayName *string
	if opts.DisplayName != "" {
		displayName = &opts.DisplayName
	}

	mgr.AppendOp(sdkrequest.GeneratorOpcode{
		ID:          effectiveID,
		Op:          sdkrequest.OpcodeStepRun,
		Name:        id,
		DisplayName: displayName,
		Data:        data,
	})
	hijack()
	return zero, nil
}

// isPropagatedErrorKind is implemented by the root package's error helpers
// via duck typing (step cannot import the root package without a cycle);
// it reports whether err must bubble through Run unchanged rather than
// being captured as a StepError op.
func isPropagatedErrorKind(err error) bool {
	type noRetry interface{ StepforgeNoRetry() }
	type retryAfter interface{ StepforgeRetryAfter() }

	for e := err; e != nil; {
		if _, ok := e.(noRetry); ok {
			return true
		}
		if _, ok := e.(retryAfter); ok {
			return true
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return false
}
