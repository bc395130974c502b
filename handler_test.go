package stepforge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepforge/stepforge-go/internal/fn"
	"github.com/stepforge/stepforge-go/step"
)

// newStepFn builds the two-step function used in spec.md §8's literal
// end-to-end scenarios: a=Run("s1", ...); b=Run("s2", "combined: "+a);
// return {final: b}.
func newStepFn() ServableFunction {
	return CreateFunction(
		FunctionOpts{Name: "stepfn", ID: StrPtr("stepfn")},
		EventTrigger("t/e", nil),
		func(ctx context.Context, input fn.Input[map[string]any]) (any, error) {
			a, _ := step.Run(ctx, "s1", func(ctx context.Context) (string, error) {
				return "step 1 result", nil
			})
			b, _ := step.Run(ctx, "s2", func(ctx context.Context) (string, error) {
				return "combined: " + a, nil
			})
			return map[string]any{"final": b}, nil
		},
	)
}

func newTestHandler(t *testing.T, f ServableFunction) *Handler {
	t.Helper()
	t.Setenv("STEPFORGE_DEV", "1")

	registry := NewRegistry("app")
	require.NoError(t, registry.Register(f))

	return NewHandler(registry, DefaultClient(), HandlerOpts{})
}

func postInvoke(t *testing.T, h *Handler, fnID string, payload map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/stepforge?fnId="+fnID, bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestInvokeFirstCallEmptyMemo(t *testing.T) {
	h := newTestHandler(t, newStepFn())

	w := postInvoke(t, h, "app-stepfn", map[string]any{
		"event":  map[string]any{"name": "t/e", "data": map[string]any{"value": "test"}},
		"events": []any{},
		"steps":  map[string]any{},
		"ctx":    map[string]any{"run_id": "r1", "fn_id": "app-stepfn"},
	})

	require.Equal(t, http.StatusPartialContent, w.Code)

	var ops []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ops))
	require.Len(t, ops, 1)
	assert.Equal(t, "s1", ops[0]["id"])
	assert.Equal(t, "StepRun", ops[0]["op"])
	assert.Equal(t, "step 1 result", ops[0]["data"])
}

func TestInvokeSecondCallOneMemoized(t *testing.T) {
	h := newTestHandler(t, newStepFn())

	w := postInvoke(t, h, "app-stepfn", map[string]any{
		"event": map[string]any{"name": "t/e", "data": map[string]any{"value": "test"}},
		"steps": map[string]any{"s1": "step 1 result"},
		"ctx":   map[string]any{"run_id": "r1", "fn_id": "app-stepfn"},
	})

	require.Equal(t, http.StatusPartialContent, w.Code)

	var ops []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ops))
	require.Len(t, ops, 1)
	assert.Equal(t, "s2", ops[0]["id"])
	assert.Equal(t, "combined: step 1 result", ops[0]["data"])
}

func TestInvokeFinalCallBothMemoized(t *testing.T) {
	h := newTestHandler(t, newStepFn())

	w := postInvoke(t, h, "app-stepfn", map[string]any{
		"event": map[string]any{"name": "t/e", "data": map[string]any{"value": "test"}},
		"steps": map[string]any{"s1": "step 1 result", "s2": "combined: step 1 result"},
		"ctx":   map[string]any{"run_id": "r1", "fn_id": "app-stepfn"},
	})

	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "combined: step 1 result", body["final"])
}

func TestInvokeNonRetriableStepError(t *testing.T) {
	f := CreateFunction(
		FunctionOpts{Name: "failer", ID: StrPtr("failer")},
		EventTrigger("t/e", nil),
		func(ctx context.Context, input fn.Input[map[string]any]) (any, error) {
			return step.Run(ctx, "s1", func(ctx context.Context) (string, error) {
				return "", NonRetriableError(errors.New("card declined"))
			})
		},
	)
	h := newTestHandler(t, f)

	w := postInvoke(t, h, "app-failer", map[string]any{
		"event": map[string]any{"name": "t/e", "data": map[string]any{}},
		"steps": map[string]any{},
		"ctx":   map[string]any{"run_id": "r1", "fn_id": "app-failer"},
	})

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "true", w.Header().Get("X-Stepforge-No-Retry"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, body["message"], "card declined")
}

func TestInvokeRetryAfterStepError(t *testing.T) {
	f := CreateFunction(
		FunctionOpts{Name: "throttled", ID: StrPtr("throttled")},
		EventTrigger("t/e", nil),
		func(ctx context.Context, input fn.Input[map[string]any]) (any, error) {
			return step.Run(ctx, "s1", func(ctx context.Context) (string, error) {
				return "", RetryAfterError(errors.New("rate limited"), time.Now().Add(60*time.Second))
			})
		},
	)
	h := newTestHandler(t, f)

	w := postInvoke(t, h, "app-throttled", map[string]any{
		"event": map[string]any{"name": "t/e", "data": map[string]any{}},
		"steps": map[string]any{},
		"ctx":   map[string]any{"run_id": "r1", "fn_id": "app-throttled"},
	})

	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "false", w.Header().Get("X-Stepforge-No-Retry"))

	retryAfter := w.Header().Get("Retry-After")
	require.NotEmpty(t, retryAfter)
	assert.Contains(t, []string{"59", "60"}, retryAfter)
}

func TestInvokeUnhandledStepFailureIs206(t *testing.T) {
	// A plain (non-NonRetriable, non-RetryAfter) error inside step.Run is
	// captured as a StepError op and reported via 206, not a 500 -- the
	// orchestrator applies its own retry policy to that single op.
	f := CreateFunction(
		FunctionOpts{Name: "flaky", ID: StrPtr("flaky")},
		EventTrigger("t/e", nil),
		func(ctx context.Context, input fn.Input[map[string]any]) (any, error) {
			return step.Run(ctx, "s1", func(ctx context.Context) (string, error) {
				return "", errors.New("connection reset")
			})
		},
	)
	h := newTestHandler(t, f)

	w := postInvoke(t, h, "app-flaky", map[string]any{
		"event": map[string]any{"name": "t/e", "data": map[string]any{}},
		"steps": map[string]any{},
		"ctx":   map[string]any{"run_id": "r1", "fn_id": "app-flaky"},
	})

	require.Equal(t, http.StatusPartialContent, w.Code)

	var ops []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ops))
	require.Len(t, ops, 1)
	assert.Equal(t, "StepError", ops[0]["op"])
	errBody, _ := ops[0]["error"].(map[string]any)
	assert.Equal(t, "connection reset", errBody["message"])
}

func TestInvokeUnknownFunction(t *testing.T) {
	h := newTestHandler(t, newStepFn())

	w := postInvoke(t, h, "app-does-not-exist", map[string]any{
		"event": map[string]any{"name": "t/e", "data": map[string]any{}},
		"steps": map[string]any{},
		"ctx":   map[string]any{"run_id": "r1"},
	})

	require.Equal(t, http.StatusNotFound, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, body["message"], "unknown function")
}

func TestIntrospectUnauthenticatedFields(t *testing.T) {
	h := newTestHandler(t, newStepFn())

	req := httptest.NewRequest(http.MethodGet, "/api/stepforge", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, float64(1), body["function_count"])
	assert.Equal(t, "dev", body["mode"])
	assert.Nil(t, body["authentication_succeeded"])
}

func TestRegisterInBandSync(t *testing.T) {
	h := newTestHandler(t, newStepFn())

	req := httptest.NewRequest(http.MethodPut, "/api/stepforge", nil)
	req.Header.Set("X-Stepforge-Sync-Kind", "inband")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "inband", w.Header().Get("X-Stepforge-Sync-Kind"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	functions, ok := body["functions"].([]any)
	require.True(t, ok)
	require.Len(t, functions, 1)
	assert.Equal(t, "app-stepfn", functions[0].(map[string]any)["id"])
}

// TestInvokeGzipBodySignatureOverRawBytes grounds spec.md §8 scenario 6:
// the signature is computed over the raw (compressed) wire bytes, and the
// handler must verify against those bytes before decompressing to decode
// the JSON payload.
func TestInvokeGzipBodySignatureOverRawBytes(t *testing.T) {
	const signingKey = "signkey-test-12345678"

	registry := NewRegistry("app")
	require.NoError(t, registry.Register(newStepFn()))
	h := NewHandler(registry, DefaultClient(), HandlerOpts{SigningKey: StrPtr(signingKey)})

	payload, err := json.Marshal(map[string]any{
		"event": map[string]any{"name": "t/e", "data": map[string]any{}},
		"steps": map[string]any{},
		"ctx":   map[string]any{"run_id": "r1", "fn_id": "app-stepfn"},
	})
	require.NoError(t, err)

	var gzipped bytes.Buffer
	gw := gzip.NewWriter(&gzipped)
	_, err = gw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, gw.Close())

	at := time.Now()
	sig, err := Sign(context.Background(), at, []byte(signingKey), gzipped.Bytes())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/stepforge?fnId=app-stepfn", bytes.NewReader(gzipped.Bytes()))
	req.Header.Set("X-Stepforge-Signature", sig)
	req.Header.Set("Content-Encoding", "gzip")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusPartialContent, w.Code)

	var ops []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ops))
	require.Len(t, ops, 1)
	assert.Equal(t, "s1", ops[0]["id"])
}

func TestInvokeUseAPIRefetchesRunState(t *testing.T) {
	t.Setenv("STEPFORGE_DEV", "1")

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v0/runs/r1/batch":
			_ = json.NewEncoder(w).Encode([]map[string]any{
				{"name": "t/e", "data": map[string]any{"value": "from-api"}},
			})
		case r.URL.Path == "/v0/runs/r1/actions":
			_ = json.NewEncoder(w).Encode(map[string]any{"s1": "step 1 result"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer api.Close()
	t.Setenv("STEPFORGE_DEV", api.URL)

	registry := NewRegistry("app")
	require.NoError(t, registry.Register(newStepFn()))
	h := NewHandler(registry, DefaultClient(), HandlerOpts{})

	w := postInvoke(t, h, "app-stepfn", map[string]any{
		"ctx": map[string]any{"run_id": "r1", "fn_id": "app-stepfn", "use_api": true},
	})

	require.Equal(t, http.StatusPartialContent, w.Code)

	var ops []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ops))
	require.Len(t, ops, 1)
	assert.Equal(t, "s2", ops[0]["id"])
	assert.Equal(t, "combined: step 1 result", ops[0]["data"])
}
