package spoke

import (
	"encoding/hex"
	"strconv"

	"soundchain/core/types"
	"soundchain/native/router"
)

const (
	EventTypeMessageSubmitted = "spoke.message.submitted"
	EventTypeActionExecuted   = "spoke.action.executed"
)

type spokeEvent struct {
	evt *types.Event
}

func (e spokeEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e spokeEvent) Event() *types.Event { return e.evt }

// NewMessageSubmittedEvent returns the payload emitted when a local user's
// request is accepted and handed to the transport. The id it carries is the
// caller's handle for observing asynchronous completion.
func NewMessageSubmittedEvent(m *router.PendingMessage) *types.Event {
	return newSpokeMessageEvent(EventTypeMessageSubmitted, m)
}

// NewActionExecutedEvent returns the payload emitted after an inbound handler
// ran, with the success flag.
func NewActionExecutedEvent(m *router.PendingMessage, success bool) *types.Event {
	evt := newSpokeMessageEvent(EventTypeActionExecuted, m)
	evt.Attributes["success"] = strconv.FormatBool(success)
	return evt
}

func newSpokeMessageEvent(eventType string, m *router.PendingMessage) *types.Event {
	attrs := make(map[string]string)
	if m == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = hex.EncodeToString(m.ID[:])
	attrs["type"] = m.Type.String()
	attrs["originChain"] = strconv.FormatUint(m.OriginChain, 10)
	attrs["sender"] = hex.EncodeToString(m.Sender[:])
	attrs["recipient"] = hex.EncodeToString(m.Recipient[:])
	attrs["asset"] = m.Asset
	if m.Amount != nil {
		attrs["amount"] = m.Amount.String()
	}
	attrs["createdAt"] = strconv.FormatInt(m.CreatedAt, 10)
	return &types.Event{Type: eventType, Attributes: attrs}
}
