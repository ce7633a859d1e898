package router

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"soundchain/core/types"
)

const (
	EventTypeMessageCreated    = "router.message.created"
	EventTypeMessageDispatched = "router.message.dispatched"
	EventTypeActionExecuted    = "router.action.executed"
	EventTypeRoyaltyPaid       = "router.royalty.paid"
	EventTypePaused            = "router.paused"
)

type routerEvent struct {
	evt *types.Event
}

func (e routerEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e routerEvent) Event() *types.Event { return e.evt }

// NewMessageCreatedEvent returns the canonical payload for a freshly recorded
// message.
func NewMessageCreatedEvent(m *PendingMessage) *types.Event {
	return newMessageEvent(EventTypeMessageCreated, m)
}

// NewMessageDispatchedEvent returns the canonical payload emitted after the
// transport accepted the outbound envelope.
func NewMessageDispatchedEvent(m *PendingMessage) *types.Event {
	return newMessageEvent(EventTypeMessageDispatched, m)
}

// NewActionExecutedEvent returns the payload emitted after a handler ran,
// carrying the success flag off-system observers watch for.
func NewActionExecutedEvent(m *PendingMessage, success bool) *types.Event {
	evt := newMessageEvent(EventTypeActionExecuted, m)
	evt.Attributes["success"] = strconv.FormatBool(success)
	return evt
}

// NewRoyaltyPaidEvent returns the payload for a same-chain royalty fast-path
// payout.
func NewRoyaltyPaidEvent(recipient [20]byte, asset string, amount *big.Int, chainID uint64) *types.Event {
	attrs := map[string]string{
		"recipient": hex.EncodeToString(recipient[:]),
		"asset":     asset,
		"chainId":   strconv.FormatUint(chainID, 10),
	}
	if amount != nil {
		attrs["amount"] = amount.String()
	}
	return &types.Event{Type: EventTypeRoyaltyPaid, Attributes: attrs}
}

// NewPausedEvent returns the payload emitted when the emergency stop toggles.
func NewPausedEvent(paused bool) *types.Event {
	return &types.Event{Type: EventTypePaused, Attributes: map[string]string{
		"paused": strconv.FormatBool(paused),
	}}
}

func newMessageEvent(eventType string, m *PendingMessage) *types.Event {
	attrs := make(map[string]string)
	if m == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = hex.EncodeToString(m.ID[:])
	attrs["type"] = m.Type.String()
	attrs["originChain"] = strconv.FormatUint(m.OriginChain, 10)
	attrs["targetChain"] = strconv.FormatUint(m.TargetChain, 10)
	attrs["sender"] = hex.EncodeToString(m.Sender[:])
	attrs["recipient"] = hex.EncodeToString(m.Recipient[:])
	attrs["asset"] = m.Asset
	if m.Amount != nil {
		attrs["amount"] = m.Amount.String()
	}
	attrs["createdAt"] = strconv.FormatInt(m.CreatedAt, 10)
	attrs["executed"] = strconv.FormatBool(m.Executed)
	return &types.Event{Type: eventType, Attributes: attrs}
}
