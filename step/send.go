package step

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stepforge/stepforge-go/internal/sdkrequest"
)

// ErrConfiguration marks a step primitive used without the supporting
// configuration it needs (spec.md §7 kind 9). The root package re-exports
// this as stepforge.ErrConfiguration so callers never need to import
// package step just to check it with errors.Is.
var ErrConfiguration = errors.New("stepforge: missing configuration")

// sendEventIDs is the {ids:[...]} wire wrapper SendEvent memoizes its
// result as (spec.md §4.2 "SendEvent").
type sendEventIDs struct {
	IDs []string `json:"ids"`
}

// decodeSendEventIDs decodes a SendEvent memo, accepting both the
// documented {ids:[...]} wrapper and a raw array for back-compat with
// older wire producers.
func decodeSendEventIDs(raw json.RawMessage) ([]string, error) {
	var wrapped sendEventIDs
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.IDs != nil {
		return wrapped.IDs, nil
	}
	return decodeMemo[[]string](raw)
}

// SendEvent dispatches one or more events from inside a function body,
// memoizing the fact that they were already sent so a replay does not
// resend them (spec.md §4.2 "SendEvent"). It requires an EventSender to
// have been injected into the handler; without one it fails with
// ErrConfiguration.
func SendEvent(ctx context.Context, id string, events ...map[string]any) ([]string, error) {
	mgr := preflight(ctx)
	effectiveID := mgr.EffectiveID(id)

	if raw, ok := mgr.Step(effectiveID); ok {
		return decodeSendEventIDs(raw)
	}

	sender, ok := mgr.EventSender()
	if !ok {
		return nil, fmt.Errorf("%w: step.SendEvent requires an event sender to be configured on the handler", ErrConfiguration)
	}

	ids, err := sender.SendEvent(ctx, events...)
	if err != nil {
		mgr.SetErr(err)
		hijack()
		return nil, nil
	}

	data, merr := json.Marshal(sendEventIDs{IDs: ids})
	if merr != nil {
		mgr.SetErr(merr)
		hijack()
	}

	mgr.AppendOp(sdkrequest.GeneratorOpcode{
		ID:   effectiveID,
		Op:   sdkrequest.OpcodeStepRun,
		Name: "sendEvent",
		Data: data,
	})
	hijack()
	return nil, nil
}
