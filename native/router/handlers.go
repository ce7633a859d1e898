package router

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"soundchain/core/types"
	"soundchain/native/royalty"
)

// Default hub-side handlers. Each one re-emits outbound messages for effects
// that land on a third ledger; value leaves the hub escrow together with the
// envelope. Handlers are re-invocable: every leg is keyed by an id derived
// from the parent message id, so a retry skips legs already settled or
// dispatched instead of paying them twice.

// debit burns value out of an account, mirroring credit. Used when escrowed
// value leaves the ledger with an outbound envelope.
func (e *Engine) debit(from [20]byte, asset string, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return nil
	}
	acc, err := e.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	if acc == nil {
		acc = &types.Account{}
	}
	balance := acc.Balance(asset)
	if balance.Cmp(amt) < 0 {
		return fmt.Errorf("router engine: insufficient escrow for debit")
	}
	acc.SetBalance(asset, new(big.Int).Sub(balance, amt))
	return e.state.PutAccount(from[:], acc)
}

// deriveLegID names one leg of a multi-leg message. Deriving from the parent
// id keeps leg ids stable across handler retries.
func deriveLegID(parent [32]byte, index uint64) [32]byte {
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], index)
	return [32]byte(ethcrypto.Keccak256Hash(parent[:], idx[:]))
}

// forwardLeg escrow-debits the amount and dispatches a fresh, independently
// idempotent outbound message toward the target chain.
func (e *Engine) forwardLeg(typ MessageType, sender [20]byte, targetChain uint64, recipient [20]byte, amount *big.Int, asset string, data []byte) ([32]byte, error) {
	id := e.ids.Next(sender, typ)
	if err := e.forwardLegAt(id, typ, sender, targetChain, recipient, amount, asset, data); err != nil {
		return [32]byte{}, err
	}
	return id, nil
}

// forwardLegAt is forwardLeg with a caller-chosen id. A leg whose record
// already reached the dispatched state is a no-op; a leg debited on a previous
// attempt but never handed to the transport is re-dispatched without touching
// escrow again.
func (e *Engine) forwardLegAt(id [32]byte, typ MessageType, sender [20]byte, targetChain uint64, recipient [20]byte, amount *big.Int, asset string, data []byte) error {
	if e.transport == nil {
		return errNilTransport
	}
	cfg, err := e.registry.RequireEnabled(targetChain)
	if err != nil {
		return err
	}
	existing, err := e.store.Get(id)
	switch {
	case err == nil:
		if existing.Status != StatusCreated {
			return nil
		}
		return e.dispatch(existing, cfg)
	case errors.Is(err, ErrNotFound):
	default:
		return err
	}
	if err := e.debit(e.escrowVault, asset, amount); err != nil {
		return err
	}
	msg := &PendingMessage{
		ID:          id,
		Type:        typ,
		OriginChain: e.localChainID,
		TargetChain: targetChain,
		Sender:      sender,
		Recipient:   recipient,
		Amount:      cloneBigInt(amount),
		Asset:       types.NormalizeAsset(asset),
		Payload:     append([]byte(nil), data...),
		CreatedAt:   e.now(),
		Status:      StatusCreated,
	}
	if err := e.store.Create(msg); err != nil {
		return err
	}
	e.emit(NewMessageCreatedEvent(msg))
	return e.dispatch(msg, cfg)
}

// payLocalLeg releases escrow to a same-chain recipient at most once per leg
// id, recording the payment as an executed message so a handler retry skips
// legs already settled. The returned flag reports whether value moved on this
// call.
func (e *Engine) payLocalLeg(id [32]byte, typ MessageType, sender, recipient [20]byte, asset string, amount *big.Int) (bool, error) {
	_, err := e.store.Get(id)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return false, err
	}
	if err := e.transfer(e.escrowVault, recipient, asset, amount); err != nil {
		return false, err
	}
	return true, e.store.Create(&PendingMessage{
		ID:          id,
		Type:        typ,
		OriginChain: e.localChainID,
		TargetChain: e.localChainID,
		Sender:      sender,
		Recipient:   recipient,
		Amount:      cloneBigInt(amount),
		Asset:       types.NormalizeAsset(asset),
		CreatedAt:   e.now(),
		Status:      StatusExecuted,
		Executed:    true,
	})
}

// NewForwardHandler handles the single-destination operations (purchase,
// sweep, swap, airdrop, mint request): decode where the value must land next
// and forward the net amount there.
func NewForwardHandler(e *Engine) Handler {
	return HandlerFunc(func(msg *PendingMessage) error {
		payload, err := DecodeForwardPayload(msg.Payload)
		if err != nil {
			return err
		}
		if payload.TargetChain == e.localChainID {
			// Effect lands here: pay the recipient straight from escrow.
			return e.transfer(e.escrowVault, payload.Recipient, msg.Asset, msg.Amount)
		}
		return e.forwardLegAt(deriveLegID(msg.ID, 0), msg.Type, msg.Sender, payload.TargetChain, payload.Recipient, msg.Amount, msg.Asset, payload.Data)
	})
}

// NewBundleHandler splits an inbound bundle purchase across its destinations.
// The legs must account for the full net amount so no value is stranded in
// escrow.
func NewBundleHandler(e *Engine) Handler {
	return HandlerFunc(func(msg *PendingMessage) error {
		payload, err := DecodeBundlePayload(msg.Payload)
		if err != nil {
			return err
		}
		if len(payload.Legs) == 0 {
			return fmt.Errorf("router engine: bundle payload has no legs")
		}
		total := big.NewInt(0)
		for i, leg := range payload.Legs {
			if leg.Amount == nil || leg.Amount.Sign() <= 0 {
				return fmt.Errorf("router engine: bundle leg %d amount must be positive", i)
			}
			total.Add(total, leg.Amount)
		}
		if msg.Amount == nil || total.Cmp(msg.Amount) != 0 {
			return fmt.Errorf("router engine: bundle legs total %s does not match message amount", total)
		}
		for i, leg := range payload.Legs {
			legID := deriveLegID(msg.ID, uint64(i))
			if leg.TargetChain == e.localChainID {
				if _, err := e.payLocalLeg(legID, MessageBundlePurchase, msg.Sender, leg.Recipient, msg.Asset, leg.Amount); err != nil {
					return err
				}
				continue
			}
			if err := e.forwardLegAt(legID, MessageBundlePurchase, msg.Sender, leg.TargetChain, leg.Recipient, leg.Amount, msg.Asset, leg.Data); err != nil {
				return err
			}
		}
		return nil
	})
}

// NewRoyaltyHandler distributes an inbound royalty claim. The platform fee was
// already peeled off at receive time, so the split here runs fee-free.
// Collaborators preferring the hub chain are paid from escrow directly; the
// rest get independent outbound messages, and the seller remainder travels
// back to the origin chain.
func NewRoyaltyHandler(e *Engine) Handler {
	return HandlerFunc(func(msg *PendingMessage) error {
		payload, err := DecodeRoyaltyPayload(msg.Payload)
		if err != nil {
			return err
		}
		shares := make([]royalty.Share, len(payload.Shares))
		for i, s := range payload.Shares {
			shares[i] = royalty.Share{
				Recipient:      s.Recipient,
				PercentageBps:  s.PercentageBps,
				PreferredChain: s.PreferredChain,
				PreferredAsset: s.PreferredAsset,
			}
		}
		e.mu.RLock()
		ceiling := e.shareCeilingBps
		e.mu.RUnlock()
		if err := royalty.ValidateShares(shares, ceiling); err != nil {
			return err
		}
		split, err := royalty.Split(msg.Amount, 0, shares)
		if err != nil {
			return err
		}
		for i, payout := range split.Payouts {
			if payout.Amount.Sign() == 0 {
				continue
			}
			legID := deriveLegID(msg.ID, uint64(i))
			chain := payout.Share.PreferredChain
			if chain == 0 || chain == e.localChainID {
				paid, err := e.payLocalLeg(legID, MessageRoyaltyClaim, payload.Seller, payout.Share.Recipient, msg.Asset, payout.Amount)
				if err != nil {
					return err
				}
				if paid {
					e.emit(NewRoyaltyPaidEvent(payout.Share.Recipient, msg.Asset, payout.Amount, e.localChainID))
				}
				continue
			}
			if err := e.forwardLegAt(legID, MessageRoyaltyClaim, payload.Seller, chain, payout.Share.Recipient, payout.Amount, msg.Asset, nil); err != nil {
				return err
			}
		}
		if split.SellerRemainder.Sign() > 0 {
			legID := deriveLegID(msg.ID, uint64(len(split.Payouts)))
			if err := e.forwardLegAt(legID, MessageRoyaltyClaim, payload.Seller, msg.OriginChain, payload.Seller, split.SellerRemainder, msg.Asset, nil); err != nil {
				return err
			}
		}
		return nil
	})
}
