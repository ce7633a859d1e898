package router

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"
)

// Payload encodings shared by hub and spoke. Handler versions may be swapped
// administratively, so these schemas stay backward compatible: fields are only
// appended, never reordered or removed.

// ForwardPayload directs operations whose effect lands on a third ledger
// (purchase, sweep, swap, airdrop, mint request). The envelope carries the
// value; the payload carries where it must go next.
type ForwardPayload struct {
	TargetChain uint64
	Recipient   [20]byte
	Data        []byte
}

// BundleLegPayload is one destination of a bundle purchase.
type BundleLegPayload struct {
	TargetChain uint64
	Recipient   [20]byte
	Amount      *big.Int
	Data        []byte
}

// BundlePayload carries the per-destination breakdown of a bundle purchase.
type BundlePayload struct {
	Legs []BundleLegPayload
}

// SharePayload is the wire form of a collaborator share.
type SharePayload struct {
	Recipient      [20]byte
	PercentageBps  uint32
	PreferredChain uint64
	PreferredAsset string
}

// RoyaltyPayload carries the collaborator list of a royalty claim.
type RoyaltyPayload struct {
	Seller [20]byte
	Shares []SharePayload
}

// BridgePayload directs a bridge-style asset lock.
type BridgePayload struct {
	TargetChain uint64
	Recipient   [20]byte
}

// IdentifierPayload carries an identifier registration request.
type IdentifierPayload struct {
	Identifier   string
	MetadataHash string
	TokenID      uint64
	Owner        [20]byte
}

// EncodePayload serialises any of the payload schemas with RLP.
func EncodePayload(payload interface{}) ([]byte, error) {
	encoded, err := rlp.EncodeToBytes(payload)
	if err != nil {
		return nil, fmt.Errorf("router: encode payload: %w", err)
	}
	return encoded, nil
}

// DecodeForwardPayload parses a forward payload.
func DecodeForwardPayload(raw []byte) (*ForwardPayload, error) {
	out := new(ForwardPayload)
	if err := rlp.Decode(bytes.NewReader(raw), out); err != nil {
		return nil, fmt.Errorf("router: decode forward payload: %w", err)
	}
	return out, nil
}

// DecodeBundlePayload parses a bundle payload.
func DecodeBundlePayload(raw []byte) (*BundlePayload, error) {
	out := new(BundlePayload)
	if err := rlp.Decode(bytes.NewReader(raw), out); err != nil {
		return nil, fmt.Errorf("router: decode bundle payload: %w", err)
	}
	return out, nil
}

// DecodeRoyaltyPayload parses a royalty payload.
func DecodeRoyaltyPayload(raw []byte) (*RoyaltyPayload, error) {
	out := new(RoyaltyPayload)
	if err := rlp.Decode(bytes.NewReader(raw), out); err != nil {
		return nil, fmt.Errorf("router: decode royalty payload: %w", err)
	}
	return out, nil
}

// DecodeBridgePayload parses a bridge payload.
func DecodeBridgePayload(raw []byte) (*BridgePayload, error) {
	out := new(BridgePayload)
	if err := rlp.Decode(bytes.NewReader(raw), out); err != nil {
		return nil, fmt.Errorf("router: decode bridge payload: %w", err)
	}
	return out, nil
}

// DecodeIdentifierPayload parses an identifier payload.
func DecodeIdentifierPayload(raw []byte) (*IdentifierPayload, error) {
	out := new(IdentifierPayload)
	if err := rlp.Decode(bytes.NewReader(raw), out); err != nil {
		return nil, fmt.Errorf("router: decode identifier payload: %w", err)
	}
	return out, nil
}
