// Package filterexpr syntax-checks the CEL filter expressions a function
// may declare (spec.md §4.1 "Flow-control options", §3 "event trigger
// filterExpression", SPEC_FULL.md §4.1 [NEW]). It never evaluates an
// expression -- that remains the orchestrator's job -- it only rejects
// expressions that fail to parse at the point a function is registered,
// caching the result of each distinct expression string so that many
// functions sharing the same filter don't recompile it.
package filterexpr

import (
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/karlseguin/ccache/v2"
)

// cacheTTL is generous: compiled-check results never go stale, the cache
// only exists to bound memory for long-lived registries handling many
// distinct expressions over a process lifetime.
const cacheTTL = 24 * time.Hour

var cache = ccache.New(ccache.Configure().MaxSize(1000))

// env declares the identifiers a filter expression may reference: the
// triggering event and, for WaitForEvent's "if", the candidate async event.
var env = mustEnv()

func mustEnv() *cel.Env {
	e, err := cel.NewEnv(
		cel.Variable("event", cel.DynType),
		cel.Variable("async", cel.DynType),
	)
	if err != nil {
		panic(fmt.Errorf("filterexpr: building CEL environment: %w", err))
	}
	return e
}

// Validate reports a syntax error in expr, if any. A cache hit for an
// identical expression string skips recompilation entirely.
func Validate(expr string) error {
	if expr == "" {
		return nil
	}

	if item := cache.Get(expr); item != nil {
		if err, ok := item.Value().(error); ok {
			return err
		}
		return nil
	}

	_, issues := env.Parse(expr)
	var err error
	if issues != nil && issues.Err() != nil {
		err = fmt.Errorf("filterexpr: invalid expression %q: %w", expr, issues.Err())
	}

	cache.Set(expr, err, cacheTTL)
	return err
}
