package stepforge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/sourcegraph/conc/pool"

	"github.com/stepforge/stepforge-go/internal/event"
)

// batchFanOutThreshold is the number of events above which SendEvent
// splits a single call into bounded concurrent POSTs instead of one
// request carrying the whole batch (spec.md §4.5 "Event sender",
// SPEC_FULL.md §4.5 [NEW]).
const batchFanOutThreshold = 500

// batchFanOutChunk is the number of events per concurrent POST once
// fan-out kicks in.
const batchFanOutChunk = 100

// batchFanOutConcurrency bounds how many chunk POSTs run at once.
const batchFanOutConcurrency = 8

// ClientOpts configures a Client. EventKey and EventAPIOrigin fall back to
// environment variables (spec.md §6 "Configuration knobs"), an explicit
// field always taking precedence; HTTPClient defaults to
// http.DefaultClient. Client does not read AppID, SigningKey,
// SigningKeyFallback, Env or APIOrigin.
type ClientOpts struct {
	AppID              string
	EventKey           *string
	SigningKey         *string
	SigningKeyFallback *string
	Env                *string
	APIOrigin          *string
	EventAPIOrigin     *string
	HTTPClient         *http.Client
}

// Client sends events to the orchestrator's event endpoint and is the
// EventSender step.SendEvent requires to be configured on a Handler
// (spec.md §4.5).
type Client struct {
	opts ClientOpts
	http *http.Client
}

// NewClient constructs a Client from opts.
func NewClient(opts ClientOpts) *Client {
	c := &Client{opts: opts, http: opts.HTTPClient}
	if c.http == nil {
		c.http = http.DefaultClient
	}
	return c
}

var defaultClient *Client

// DefaultClient returns a process-wide Client built from environment
// variables alone, lazily constructed on first use.
func DefaultClient() *Client {
	if defaultClient == nil {
		defaultClient = NewClient(ClientOpts{})
	}
	return defaultClient
}

// GetEventKey resolves the event key to use: the explicit field, else the
// STEPFORGE_EVENT_KEY environment variable, else (in dev mode only) the
// literal "dev" (spec.md §4.5 "In dev mode without an event key, the
// literal 'dev' is used as the key"), else "".
func (c *Client) GetEventKey() string {
	if c.opts.EventKey != nil {
		return *c.opts.EventKey
	}
	if v := os.Getenv(envEventKey); v != "" {
		return v
	}
	if IsDev() {
		return "dev"
	}
	return ""
}

func (c *Client) eventOrigin() string {
	configured := ""
	if c.opts.EventAPIOrigin != nil {
		configured = *c.opts.EventAPIOrigin
	}
	return eventAPIOrigin(configured)
}

// SendEvent normalizes and posts one or more events to the orchestrator,
// returning each assigned event id in the same order supplied. Every event
// is given a fresh id and a "now" timestamp if either is absent.
func (c *Client) SendEvent(ctx context.Context, evts ...map[string]any) ([]string, error) {
	if len(evts) == 0 {
		return nil, nil
	}

	normalized := make([]map[string]any, len(evts))
	for i, e := range evts {
		normalized[i] = normalizeEvent(e)
	}

	if len(normalized) <= batchFanOutThreshold {
		return c.postBatch(ctx, normalized)
	}

	return c.sendFannedOut(ctx, normalized)
}

// sendFannedOut splits a large batch into bounded concurrent POSTs
// (SPEC_FULL.md §4.5), preserving input order in the returned id slice.
func (c *Client) sendFannedOut(ctx context.Context, evts []map[string]any) ([]string, error) {
	chunks := chunkEvents(evts, batchFanOutChunk)
	results := make([][]string, len(chunks))

	p := pool.New().WithContext(ctx).WithMaxGoroutines(batchFanOutConcurrency).WithCancelOnError()
	for i, chunk := range chunks {
		i, chunk := i, chunk
		p.Go(func(ctx context.Context) error {
			ids, err := c.postBatch(ctx, chunk)
			if err != nil {
				return err
			}
			results[i] = ids
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(evts))
	for _, ids := range results {
		out = append(out, ids...)
	}
	return out, nil
}

func chunkEvents(evts []map[string]any, size int) [][]map[string]any {
	var chunks [][]map[string]any
	for size < len(evts) {
		evts, chunks = evts[size:], append(chunks, evts[:size:size])
	}
	return append(chunks, evts)
}

func (c *Client) postBatch(ctx context.Context, evts []map[string]any) ([]string, error) {
	body, err := json.Marshal(evts)
	if err != nil {
		return nil, fmt.Errorf("stepforge: marshaling events: %w", err)
	}

	url := fmt.Sprintf("%s/e/%s", c.eventOrigin(), c.GetEventKey())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set(headerKeyContentType, "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stepforge: sending event: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("stepforge: event send failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed struct {
		IDs []string `json:"ids"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		// The orchestrator may respond with a bare array of ids too.
		var bare []string
		if err2 := json.Unmarshal(respBody, &bare); err2 == nil {
			return bare, nil
		}
		return nil, fmt.Errorf("stepforge: decoding event send response: %w", err)
	}
	return parsed.IDs, nil
}

// normalizeEvent fills in id and ts if absent, delegating to event.Event's
// own defaulting so a raw map sent via SendEvent gets the same id and ts
// defaults as a typed Event. The map's data field is left as supplied.
func normalizeEvent(e map[string]any) map[string]any {
	out := make(map[string]any, len(e))
	for k, v := range e {
		out[k] = v
	}

	evt := event.Event{Data: map[string]any{}}
	if name, ok := out["name"].(string); ok {
		evt.Name = name
	} else {
		// Validate requires a non-empty name; SendEvent's raw-map callers
		// are expected to supply one, but fall back to a placeholder
		// rather than failing the whole batch for a single malformed map.
		evt.Name = "unknown"
	}
	if id, ok := out["id"].(string); ok {
		evt.ID = id
	}
	if err := evt.Validate(); err == nil {
		out["id"] = evt.ID
		if _, hasTS := out["ts"]; !hasTS {
			out["ts"] = float64(evt.Timestamp)
		}
	}
	return out
}
