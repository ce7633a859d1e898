package observability

import (
	"strings"

	"soundchain/core/events"
	"soundchain/core/types"
)

// MeteredEmitter wraps an event emitter and mirrors the event stream into the
// Prometheus registries. Wrap the emitter handed to the engines with it and
// dashboards track message flow without touching engine code.
type MeteredEmitter struct {
	next events.Emitter
}

// NewMeteredEmitter returns an emitter forwarding to next after recording
// metrics. A nil next drops the events after metering.
func NewMeteredEmitter(next events.Emitter) *MeteredEmitter {
	if next == nil {
		next = events.NoopEmitter{}
	}
	return &MeteredEmitter{next: next}
}

// Emit records the event in the metrics registries and forwards it.
func (m *MeteredEmitter) Emit(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	record(evt)
	if m.next != nil {
		m.next.Emit(evt)
	}
}

func record(evt events.Event) {
	eventType := evt.EventType()
	var payload *types.Event
	if carrier, ok := evt.(interface{ Event() *types.Event }); ok {
		payload = carrier.Event()
	}
	msgType := "unknown"
	success := ""
	if payload != nil {
		if v, ok := payload.Attributes["type"]; ok {
			msgType = v
		}
		success = payload.Attributes["success"]
	}
	switch eventType {
	case "router.message.created", "spoke.message.submitted":
		Router().RecordMessage(msgType, "created")
	case "router.message.dispatched":
		Router().RecordMessage(msgType, "dispatched")
	case "router.action.executed", "spoke.action.executed":
		stage := "executed"
		if success == "false" {
			stage = "failed"
		}
		Router().RecordMessage(msgType, stage)
	case "router.paused":
		if payload != nil {
			Router().SetPause(payload.Attributes["paused"] == "true")
		}
	default:
		if strings.HasPrefix(eventType, "bridge.") {
			Bridge().RecordLock(strings.TrimPrefix(eventType, "bridge."))
		}
	}
}
