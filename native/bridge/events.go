package bridge

import (
	"encoding/hex"
	"strconv"

	"soundchain/core/types"
)

const (
	EventTypeLocked    = "bridge.locked"
	EventTypeCompleted = "bridge.completed"
	EventTypeReclaimed = "bridge.reclaimed"
)

type bridgeEvent struct {
	evt *types.Event
}

func (e bridgeEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e bridgeEvent) Event() *types.Event { return e.evt }

// NewLockedEvent returns the payload for a freshly recorded lock.
func NewLockedEvent(l *Lock) *types.Event { return newLockEvent(EventTypeLocked, l) }

// NewCompletedEvent returns the payload emitted when the remote leg confirmed.
func NewCompletedEvent(l *Lock) *types.Event { return newLockEvent(EventTypeCompleted, l) }

// NewReclaimedEvent returns the payload emitted when the sender reclaimed the
// escrowed value after the grace period.
func NewReclaimedEvent(l *Lock) *types.Event { return newLockEvent(EventTypeReclaimed, l) }

func newLockEvent(eventType string, l *Lock) *types.Event {
	attrs := make(map[string]string)
	if l == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = hex.EncodeToString(l.ID[:])
	attrs["sender"] = hex.EncodeToString(l.Sender[:])
	attrs["recipient"] = hex.EncodeToString(l.Recipient[:])
	attrs["targetChain"] = strconv.FormatUint(l.TargetChain, 10)
	attrs["asset"] = l.Asset
	if l.Amount != nil {
		attrs["amount"] = l.Amount.String()
	}
	attrs["deadline"] = strconv.FormatInt(l.Deadline, 10)
	attrs["status"] = strconv.FormatUint(uint64(l.Status), 10)
	return &types.Event{Type: eventType, Attributes: attrs}
}
