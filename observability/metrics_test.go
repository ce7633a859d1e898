package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"soundchain/core/events"
	"soundchain/core/types"
)

type captureEmitter struct {
	received []events.Event
}

func (c *captureEmitter) Emit(evt events.Event) { c.received = append(c.received, evt) }

type stubEvent struct {
	evt *types.Event
}

func (s stubEvent) EventType() string   { return s.evt.Type }
func (s stubEvent) Event() *types.Event { return s.evt }

func TestMeteredEmitterForwardsAndCounts(t *testing.T) {
	next := &captureEmitter{}
	emitter := NewMeteredEmitter(next)

	created := stubEvent{evt: &types.Event{
		Type:       "router.message.created",
		Attributes: map[string]string{"type": "purchase"},
	}}
	before := testutil.ToFloat64(Router().messages.WithLabelValues("purchase", "created"))
	emitter.Emit(created)
	after := testutil.ToFloat64(Router().messages.WithLabelValues("purchase", "created"))
	require.Equal(t, before+1, after)
	require.Len(t, next.received, 1)

	executed := stubEvent{evt: &types.Event{
		Type:       "router.action.executed",
		Attributes: map[string]string{"type": "purchase", "success": "false"},
	}}
	beforeFailed := testutil.ToFloat64(Router().messages.WithLabelValues("purchase", "failed"))
	emitter.Emit(executed)
	afterFailed := testutil.ToFloat64(Router().messages.WithLabelValues("purchase", "failed"))
	require.Equal(t, beforeFailed+1, afterFailed)
}

func TestMeteredEmitterBridgeEvents(t *testing.T) {
	emitter := NewMeteredEmitter(nil)
	locked := stubEvent{evt: &types.Event{Type: "bridge.locked", Attributes: map[string]string{}}}
	before := testutil.ToFloat64(Bridge().locks.WithLabelValues("locked"))
	emitter.Emit(locked)
	after := testutil.ToFloat64(Bridge().locks.WithLabelValues("locked"))
	require.Equal(t, before+1, after)
}

func TestMeteredEmitterPauseGauge(t *testing.T) {
	emitter := NewMeteredEmitter(nil)
	emitter.Emit(stubEvent{evt: &types.Event{
		Type:       "router.paused",
		Attributes: map[string]string{"paused": "true"},
	}})
	require.Equal(t, 1.0, testutil.ToFloat64(Router().paused))
	emitter.Emit(stubEvent{evt: &types.Event{
		Type:       "router.paused",
		Attributes: map[string]string{"paused": "false"},
	}})
	require.Equal(t, 0.0, testutil.ToFloat64(Router().paused))
}
