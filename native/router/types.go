package router

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"
)

// MessageType tags every cross-chain message with the economic action it
// carries. The tag travels in the wire envelope so both hub and spoke dispatch
// without inspecting the payload.
type MessageType uint8

const (
	MessageUnknown MessageType = iota
	MessagePurchase
	MessageBundlePurchase
	MessageSweep
	MessageSwap
	MessageRoyaltyClaim
	MessageBridgeAsset
	MessageAirdrop
	MessageIdentifierRegister
	MessageMintRequest
)

var messageTypeNames = map[MessageType]string{
	MessagePurchase:           "purchase",
	MessageBundlePurchase:     "bundle_purchase",
	MessageSweep:              "sweep",
	MessageSwap:               "swap",
	MessageRoyaltyClaim:       "royalty_claim",
	MessageBridgeAsset:        "bridge_asset",
	MessageAirdrop:            "airdrop",
	MessageIdentifierRegister: "identifier_register",
	MessageMintRequest:        "mint_request",
}

// Valid reports whether the tag names a supported message type.
func (t MessageType) Valid() bool {
	_, ok := messageTypeNames[t]
	return ok
}

// String returns the canonical lower-case name of the message type.
func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// MessageStatus tracks the hub-side lifecycle of a routed message. There is no
// cancelled status once a message is dispatched with funds committed; the only
// safe cancellation point is before dispatch.
type MessageStatus uint8

const (
	StatusCreated MessageStatus = iota
	StatusDispatched
	StatusExecuted
)

// PendingMessage is the stored record of a cross-chain request. Records are
// retained indefinitely for audit and replay protection; they are never
// deleted. Executed transitions false to true exactly once.
type PendingMessage struct {
	ID          [32]byte
	Type        MessageType
	OriginChain uint64
	TargetChain uint64
	Sender      [20]byte
	Recipient   [20]byte
	Amount      *big.Int
	Asset       string
	Payload     []byte
	CreatedAt   int64
	Status      MessageStatus
	Executed    bool
}

// Clone returns a deep copy of the message so callers can safely mutate the
// copy without affecting the stored instance.
func (m *PendingMessage) Clone() *PendingMessage {
	if m == nil {
		return nil
	}
	clone := *m
	if m.Amount != nil {
		clone.Amount = new(big.Int).Set(m.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	clone.Payload = append([]byte(nil), m.Payload...)
	return &clone
}

// Envelope is the wire format handed to the transport. Payload is opaque to
// the transport; the type tag drives dispatch on the receiving side.
type Envelope struct {
	MessageID   [32]byte
	SourceChain uint64
	Sender      [20]byte
	Recipient   [20]byte
	Amount      *big.Int
	Asset       string
	MessageType uint8
	Payload     []byte
}

// EncodeEnvelope serialises the envelope with RLP.
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("router: nil envelope")
	}
	encoded := *env
	if encoded.Amount == nil {
		encoded.Amount = big.NewInt(0)
	}
	return rlp.EncodeToBytes(&encoded)
}

// DecodeEnvelope parses an RLP envelope received from the transport.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	env := new(Envelope)
	if err := rlp.Decode(bytes.NewReader(raw), env); err != nil {
		return nil, fmt.Errorf("router: decode envelope: %w", err)
	}
	if !MessageType(env.MessageType).Valid() {
		return nil, fmt.Errorf("router: envelope carries unknown message type %d", env.MessageType)
	}
	return env, nil
}

// Transport is the reliable-but-asynchronous cross-ledger primitive. Delivery
// may be delayed, duplicated, or reordered; message ids are the only defence
// against duplicates.
type Transport interface {
	Send(targetChain uint64, connector [20]byte, env *Envelope) error
}
