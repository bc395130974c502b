package step

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stepforge/stepforge-go/internal/sdkrequest"
	"github.com/stretchr/testify/require"
)

func TestWaitForEventMemoHitMatch(t *testing.T) {
	type payload struct {
		OrderID string `json:"orderId"`
	}
	evt := payload{OrderID: "abc"}
	raw, err := json.Marshal(evt)
	require.NoError(t, err)

	ctx, _ := newTestManager(t, map[string]json.RawMessage{"wait-paid": raw})

	out, ok := WaitForEvent[payload](ctx, "wait-paid", WaitForEventOpts{Event: "order/paid", Timeout: time.Hour})
	require.True(t, ok)
	require.Equal(t, evt, out)
}

func TestWaitForEventMemoHitTimeout(t *testing.T) {
	type payload struct{ OrderID string }
	ctx, _ := newTestManager(t, map[string]json.RawMessage{"wait-paid": []byte("null")})

	out, ok := WaitForEvent[payload](ctx, "wait-paid", WaitForEventOpts{Event: "order/paid", Timeout: time.Hour})
	require.False(t, ok)
	require.Zero(t, out)
}

func TestWaitForEventAppendsOpOnMiss(t *testing.T) {
	ctx, mgr := newTestManager(t, nil)
	ifExpr := "event.data.orderId == async.data.orderId"

	func() {
		defer func() {
			rcv := recover()
			require.Equal(t, ControlHijack{}, rcv)
		}()
		WaitForEvent[struct{}](ctx, "wait-paid", WaitForEventOpts{
			Event:   "order/paid",
			If:      &ifExpr,
			Timeout: 24 * time.Hour,
		})
	}()

	require.Len(t, mgr.Ops(), 1)
	op := mgr.Ops()[0]
	require.Equal(t, sdkrequest.OpcodeWaitForEvent, op.Op)
	require.Equal(t, "order/paid", op.Name)
	require.Equal(t, "1d", op.Opts["timeout"])
	require.Equal(t, ifExpr, op.Opts["if"])
}
