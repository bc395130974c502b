package step

import (
	"context"
	"time"

	"github.com/stepforge/stepforge-go/internal/sdkrequest"
	"github.com/stepforge/stepforge-go/pkg/duration"
)

// Sleep pauses the run for d, memoizing the fact that it has already slept
// so a replay does not sleep again (spec.md §4.2 "Sleep"). Sleep never
// returns a value to the caller; the first call for a given id throws the
// step-interrupt sentinel, and the orchestrator resumes the run once the
// duration has elapsed, at which point the memo table holds this id.
func Sleep(ctx context.Context, id string, d time.Duration) {
	mgr := preflight(ctx)
	effectiveID := mgr.EffectiveID(id)

	if _, ok := mgr.Step(effectiveID); ok {
		return
	}

	mgr.AppendOp(sdkrequest.GeneratorOpcode{
		ID:   effectiveID,
		Op:   sdkrequest.OpcodeSleep,
		Name: id,
		Opts: map[string]any{"duration": duration.Format(d)},
	})
	hijack()
}

// SleepUntil pauses the run until t, expressed the same way as Sleep but
// given an absolute instant rather than a duration (spec.md §4.2 "Sleep:
// duration or until, mutually exclusive").
func SleepUntil(ctx context.Context, id string, t time.Time) {
	mgr := preflight(ctx)
	effectiveID := mgr.EffectiveID(id)

	if _, ok := mgr.Step(effectiveID); ok {
		return
	}

	mgr.AppendOp(sdkrequest.GeneratorOpcode{
		ID:   effectiveID,
		Op:   sdkrequest.OpcodeSleep,
		Name: id,
		Opts: map[string]any{"duration": duration.FormatInstant(t)},
	})
	hijack()
}
