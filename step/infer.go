package step

import (
	"context"
	"encoding/json"

	"github.com/stepforge/stepforge-go/internal/sdkrequest"
)

// InferFormat names the wire shape of an Infer request/response pair so the
// orchestrator knows which provider adapter to use when it performs the
// call on the SDK's behalf (spec.md §4.2 "Infer").
type InferFormat string

const (
	InferFormatOpenAIChat    InferFormat = "openai-chat"
	InferFormatAnthropicChat InferFormat = "anthropic-chat"
)

// InferRequestOpts describes where and how to reach the AI provider; it
// never touches the network locally, it only describes the call for the
// orchestrator's gateway to make.
type InferRequestOpts struct {
	URL     string
	AuthKey string
	Format  InferFormat
	// Headers carries any additional headers the provider call needs,
	// e.g. Anthropic's required "anthropic-version".
	Headers map[string]string
}

// InferOpts is the full input to Infer: the request options plus the
// typed request body.
type InferOpts[ReqT any] struct {
	Opts InferRequestOpts
	Body ReqT
}

// Infer describes a call to an AI provider and lets the orchestrator's
// gateway perform it, rather than making the HTTP call from the SDK
// process (spec.md §4.2 "Infer" [NEW]). This centralizes rate limiting and
// caching of LLM calls at the orchestrator. Like Run, the result is
// memoized: id is never executed locally a second time once a response has
// been recorded.
func Infer[ReqT any, RespT any](ctx context.Context, id string, provider string, opts InferOpts[ReqT]) (RespT, error) {
	var zero RespT
	mgr := preflight(ctx)
	effectiveID := mgr.EffectiveID(id)

	if raw, ok := mgr.Step(effectiveID); ok {
		return decodeMemo[RespT](raw)
	}

	body, err := json.Marshal(opts.Body)
	if err != nil {
		mgr.SetErr(err)
		hijack()
	}

	wireOpts := map[string]any{
		"url":      opts.Opts.URL,
		"auth_key": opts.Opts.AuthKey,
		"format":   string(opts.Opts.Format),
		"provider": provider,
		"runtime":  "gateway",
		"body":     json.RawMessage(body),
	}
	if len(opts.Opts.Headers) > 0 {
		wireOpts["headers"] = opts.Opts.Headers
	}

	mgr.AppendOp(sdkrequest.GeneratorOpcode{
		ID:   effectiveID,
		Op:   sdkrequest.OpcodeStepRun,
		Name: provider,
		Opts: wireOpts,
	})
	hijack()
	return zero, nil
}
