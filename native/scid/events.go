package scid

import (
	"encoding/hex"
	"strconv"

	"soundchain/core/types"
)

const (
	EventTypeRegistered         = "scid.registered"
	EventTypeTransferred        = "scid.transferred"
	EventTypeRevoked            = "scid.revoked"
	EventTypeCrossChainVerified = "scid.crosschain.verified"
)

type scidEvent struct {
	evt *types.Event
}

func (e scidEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e scidEvent) Event() *types.Event { return e.evt }

// NewRegisteredEvent returns the payload for a newly registered identifier.
func NewRegisteredEvent(r *Record) *types.Event {
	return newRecordEvent(EventTypeRegistered, r)
}

// NewTransferredEvent returns the payload emitted when ownership moves.
func NewTransferredEvent(r *Record, previous [20]byte) *types.Event {
	evt := newRecordEvent(EventTypeTransferred, r)
	evt.Attributes["previousOwner"] = hex.EncodeToString(previous[:])
	return evt
}

// NewRevokedEvent returns the payload emitted when an identifier is revoked.
func NewRevokedEvent(r *Record, caller [20]byte) *types.Event {
	evt := newRecordEvent(EventTypeRevoked, r)
	evt.Attributes["revokedBy"] = hex.EncodeToString(caller[:])
	return evt
}

// NewCrossChainVerifiedEvent returns the payload emitted when a remote
// registration is confirmed.
func NewCrossChainVerifiedEvent(r *Record) *types.Event {
	evt := newRecordEvent(EventTypeCrossChainVerified, r)
	if r != nil {
		evt.Attributes["sourceChain"] = strconv.FormatUint(r.SourceChain, 10)
		evt.Attributes["sourceTxHash"] = hex.EncodeToString(r.SourceTxHash[:])
	}
	return evt
}

func newRecordEvent(eventType string, r *Record) *types.Event {
	attrs := make(map[string]string)
	if r == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["identifier"] = r.Identifier
	attrs["owner"] = hex.EncodeToString(r.Owner[:])
	attrs["tokenId"] = strconv.FormatUint(r.TokenID, 10)
	attrs["active"] = strconv.FormatBool(r.Active)
	return &types.Event{Type: eventType, Attributes: attrs}
}
