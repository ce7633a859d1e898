package router

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"soundchain/core/events"
	"soundchain/core/types"
	"soundchain/native/registry"
	"soundchain/native/royalty"
)

var (
	errNilState     = errors.New("router engine: state not configured")
	errNilTransport = errors.New("router engine: transport not configured")
	errNilRegistry  = errors.New("router engine: chain registry not configured")
	errNilStore     = errors.New("router engine: message store not configured")

	// ErrPaused is returned while the emergency stop is engaged. No new
	// messages may be created; pending messages remain inspectable and can
	// still be drained by authorized executors.
	ErrPaused = errors.New("router engine: routing paused")
	// ErrUnauthorized is returned when a caller lacks the privilege for an
	// administrative or execution operation.
	ErrUnauthorized = errors.New("router engine: unauthorized caller")
	// ErrNoHandler is returned when no handler is registered for the message
	// type.
	ErrNoHandler = errors.New("router engine: no handler for message type")
	// ErrBadEndpoint is returned when an inbound delivery does not originate
	// from the configured transport endpoint.
	ErrBadEndpoint = errors.New("router engine: untrusted transport endpoint")
)

// FeeConfig carries the platform fee policy applied at every value transfer.
type FeeConfig struct {
	PlatformFeeBps uint32
	Collector      [20]byte
}

// Handler executes the hub-side effect of one message type. Implementations
// must be safe to re-invoke with the same message after a failure; the engine
// guarantees a handler never runs twice concurrently for the same id and never
// runs after the message executed.
type Handler interface {
	Execute(msg *PendingMessage) error
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(msg *PendingMessage) error

// Execute implements Handler.
func (f HandlerFunc) Execute(msg *PendingMessage) error { return f(msg) }

type engineState interface {
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

// Engine is the hub coordinator. It validates routing preconditions against
// the chain registry, collects the protocol fee before any remote leg is
// attempted, records every message in the idempotency store, and dispatches
// typed handlers for inbound traffic.
type Engine struct {
	state     engineState
	registry  *registry.Registry
	store     *MessageStore
	transport Transport
	emitter   events.Emitter
	ids       *IDGenerator
	nowFn     func() int64

	localChainID uint64
	escrowVault  [20]byte
	endpoint     [20]byte

	mu              sync.RWMutex
	fees            FeeConfig
	feeCapBps       uint32
	shareCeilingBps uint32
	minAmount       *big.Int
	paused          bool
	authority       [20]byte
	executors       map[[20]byte]struct{}
	handlers        map[MessageType]Handler
}

// NewEngine creates a hub coordinator bound to the local chain id. The
// registry and message store are mandatory collaborators; state, transport,
// and emitter are wired through setters before first use.
func NewEngine(localChainID uint64, reg *registry.Registry, store *MessageStore) *Engine {
	e := &Engine{
		registry:        reg,
		store:           store,
		emitter:         events.NoopEmitter{},
		nowFn:           func() int64 { return time.Now().Unix() },
		localChainID:    localChainID,
		feeCapBps:       1_000,
		shareCeilingBps: royalty.DefaultShareCeilingBps,
		minAmount:       big.NewInt(1),
		executors:       make(map[[20]byte]struct{}),
		handlers:        make(map[MessageType]Handler),
	}
	e.ids = NewIDGenerator(func() int64 { return e.now() })
	return e
}

// SetState configures the account state backend used for fee and escrow
// transfers.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetTransport configures the cross-ledger transport.
func (e *Engine) SetTransport(t Transport) { e.transport = t }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEscrowVault configures the address holding escrowed value on the hub.
func (e *Engine) SetEscrowVault(addr [20]byte) { e.escrowVault = addr }

// SetTransportEndpoint configures the sole address trusted to deliver inbound
// envelopes. The capability check in OnReceive compares against it explicitly
// instead of inferring identity from ambient context.
func (e *Engine) SetTransportEndpoint(addr [20]byte) { e.endpoint = addr }

// SetAuthority configures the administrative key.
func (e *Engine) SetAuthority(addr [20]byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.authority = addr
}

// SetFeeCap bounds how high the platform fee may be configured, in basis
// points. Observed policies in the domain range from 1% to 10%.
func (e *Engine) SetFeeCap(bps uint32) error {
	if bps > royalty.BpsDenominator {
		return fmt.Errorf("router engine: fee cap %d bps out of range", bps)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.feeCapBps = bps
	return nil
}

// SetShareCeiling configures the collaborator percentage ceiling enforced on
// royalty distributions. The ceiling is policy: 9000 bps reserves platform
// headroom, 10000 allows the full range.
func (e *Engine) SetShareCeiling(bps uint32) error {
	if bps == 0 || bps > royalty.BpsDenominator {
		return fmt.Errorf("router engine: share ceiling %d bps out of range", bps)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.shareCeilingBps = bps
	return nil
}

// SetMinAmount configures the smallest routable amount.
func (e *Engine) SetMinAmount(min *big.Int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if min == nil || min.Sign() <= 0 {
		e.minAmount = big.NewInt(1)
		return
	}
	e.minAmount = new(big.Int).Set(min)
}

// SetFeeConfig updates the platform fee policy. Only the authority may call
// it, and the fee is bounded by the configured cap.
func (e *Engine) SetFeeConfig(caller [20]byte, cfg FeeConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if caller != e.authority {
		return ErrUnauthorized
	}
	if cfg.PlatformFeeBps > e.feeCapBps {
		return fmt.Errorf("router engine: fee %d bps exceeds cap %d", cfg.PlatformFeeBps, e.feeCapBps)
	}
	e.fees = cfg
	return nil
}

// FeeConfig returns the current fee policy.
func (e *Engine) FeeConfig() FeeConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.fees
}

// Pause engages the emergency stop.
func (e *Engine) Pause(caller [20]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if caller != e.authority {
		return ErrUnauthorized
	}
	if !e.paused {
		e.paused = true
		e.emit(NewPausedEvent(true))
	}
	return nil
}

// Resume releases the emergency stop.
func (e *Engine) Resume(caller [20]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if caller != e.authority {
		return ErrUnauthorized
	}
	if e.paused {
		e.paused = false
		e.emit(NewPausedEvent(false))
	}
	return nil
}

// Paused reports whether routing is halted.
func (e *Engine) Paused() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.paused
}

// AuthorizeExecutor grants an operator the right to re-execute pending
// messages.
func (e *Engine) AuthorizeExecutor(caller, executor [20]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if caller != e.authority {
		return ErrUnauthorized
	}
	e.executors[executor] = struct{}{}
	return nil
}

// RevokeExecutor removes an operator's execution privilege.
func (e *Engine) RevokeExecutor(caller, executor [20]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if caller != e.authority {
		return ErrUnauthorized
	}
	delete(e.executors, executor)
	return nil
}

// RegisterHandler installs (or administratively swaps) the handler for a
// message type. Old pending messages stay interpretable because the payload
// encoding is shared between handler versions.
func (e *Engine) RegisterHandler(typ MessageType, h Handler) error {
	if !typ.Valid() {
		return fmt.Errorf("router engine: invalid message type %d", uint8(typ))
	}
	if h == nil {
		return fmt.Errorf("router engine: nil handler for %s", typ)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[typ] = h
	return nil
}

// Message returns the stored record for inspection.
func (e *Engine) Message(id [32]byte) (*PendingMessage, error) {
	if e.store == nil {
		return nil, errNilStore
	}
	return e.store.Get(id)
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(routerEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) handlerFor(typ MessageType) (Handler, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.handlers[typ]
	return h, ok
}

func (e *Engine) isExecutor(addr [20]byte) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if addr == e.authority {
		return true
	}
	_, ok := e.executors[addr]
	return ok
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func (e *Engine) transfer(from, to [20]byte, asset string, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("router engine: negative transfer amount")
	}
	fromAcc, err := e.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	toAcc, err := e.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	if fromAcc == nil {
		fromAcc = &types.Account{}
	}
	if toAcc == nil {
		toAcc = &types.Account{}
	}
	balance := fromAcc.Balance(asset)
	if balance.Cmp(amt) < 0 {
		return fmt.Errorf("router engine: insufficient %s balance", types.NormalizeAsset(asset))
	}
	fromAcc.SetBalance(asset, new(big.Int).Sub(balance, amt))
	toAcc.SetBalance(asset, new(big.Int).Add(toAcc.Balance(asset), amt))
	if err := e.state.PutAccount(from[:], fromAcc); err != nil {
		return err
	}
	return e.state.PutAccount(to[:], toAcc)
}

// credit mints value into an account. Used when the transport delivers value
// alongside an inbound envelope.
func (e *Engine) credit(to [20]byte, asset string, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return nil
	}
	acc, err := e.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	if acc == nil {
		acc = &types.Account{}
	}
	acc.SetBalance(asset, new(big.Int).Add(acc.Balance(asset), amt))
	return e.state.PutAccount(to[:], acc)
}

func (e *Engine) checkRoutable(typ MessageType, amount *big.Int) error {
	if !typ.Valid() {
		return fmt.Errorf("router engine: invalid message type %d", uint8(typ))
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.paused {
		return ErrPaused
	}
	if amount != nil && amount.Sign() > 0 && amount.Cmp(e.minAmount) < 0 {
		return fmt.Errorf("router engine: amount below minimum %s", e.minAmount)
	}
	return nil
}

// collectPayment debits the gross amount plus the protocol fee from the payer.
// The fee slice lands with the collector immediately, before any remote leg is
// attempted, so a stuck remote leg can never strand fees. The gross amount is
// escrowed in the vault.
func (e *Engine) collectPayment(payer [20]byte, asset string, gross *big.Int) (*big.Int, error) {
	fees := e.FeeConfig()
	fee := new(big.Int).Mul(cloneBigInt(gross), big.NewInt(int64(fees.PlatformFeeBps)))
	fee.Div(fee, big.NewInt(royalty.BpsDenominator))
	if fee.Sign() > 0 {
		if err := e.transfer(payer, fees.Collector, asset, fee); err != nil {
			return nil, err
		}
	}
	if err := e.transfer(payer, e.escrowVault, asset, gross); err != nil {
		return nil, err
	}
	return fee, nil
}

// Route validates, escrows, records, and dispatches a single-destination
// message. The returned id is the caller's handle for asynchronous completion;
// completion itself is observed via events, never via a blocking return.
func (e *Engine) Route(typ MessageType, targetChain uint64, sender, recipient [20]byte, amount *big.Int, asset string, payload []byte) ([32]byte, error) {
	var zero [32]byte
	if e.store == nil {
		return zero, errNilStore
	}
	if e.registry == nil {
		return zero, errNilRegistry
	}
	if e.transport == nil {
		return zero, errNilTransport
	}
	if err := e.checkRoutable(typ, amount); err != nil {
		return zero, err
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return zero, fmt.Errorf("router engine: amount must be positive")
	}
	cfg, err := e.registry.RequireEnabled(targetChain)
	if err != nil {
		return zero, err
	}
	if _, err := e.collectPayment(sender, asset, amt); err != nil {
		return zero, err
	}
	id := e.ids.Next(sender, typ)
	msg := &PendingMessage{
		ID:          id,
		Type:        typ,
		OriginChain: e.localChainID,
		TargetChain: targetChain,
		Sender:      sender,
		Recipient:   recipient,
		Amount:      amt,
		Asset:       types.NormalizeAsset(asset),
		Payload:     append([]byte(nil), payload...),
		CreatedAt:   e.now(),
		Status:      StatusCreated,
	}
	if err := e.store.Create(msg); err != nil {
		return zero, err
	}
	e.emit(NewMessageCreatedEvent(msg))
	if err := e.dispatch(msg, cfg); err != nil {
		return zero, err
	}
	return id, nil
}

func (e *Engine) dispatch(msg *PendingMessage, cfg registry.ChainConfig) error {
	env := &Envelope{
		MessageID:   msg.ID,
		SourceChain: msg.OriginChain,
		Sender:      msg.Sender,
		Recipient:   msg.Recipient,
		Amount:      cloneBigInt(msg.Amount),
		Asset:       msg.Asset,
		MessageType: uint8(msg.Type),
		Payload:     append([]byte(nil), msg.Payload...),
	}
	if err := e.transport.Send(cfg.ChainID, cfg.Connector, env); err != nil {
		return fmt.Errorf("router engine: dispatch %s to chain %d: %w", msg.Type, cfg.ChainID, err)
	}
	if err := e.store.MarkDispatched(msg.ID); err != nil {
		return err
	}
	e.emit(NewMessageDispatchedEvent(msg))
	return nil
}

// BundleLeg names one destination of a multi-chain bundle purchase.
type BundleLeg struct {
	TargetChain uint64
	Recipient   [20]byte
	Amount      *big.Int
	Payload     []byte
}

// RouteBundle splits a bundle purchase across its destinations. Every target
// chain is gated before any value moves; payment is collected once for the
// summed legs; each leg then becomes an independently idempotent message.
func (e *Engine) RouteBundle(sender [20]byte, asset string, legs []BundleLeg) ([][32]byte, error) {
	if e.store == nil {
		return nil, errNilStore
	}
	if e.registry == nil {
		return nil, errNilRegistry
	}
	if e.transport == nil {
		return nil, errNilTransport
	}
	if len(legs) == 0 {
		return nil, fmt.Errorf("router engine: bundle requires at least one leg")
	}
	total := big.NewInt(0)
	configs := make([]registry.ChainConfig, len(legs))
	for i, leg := range legs {
		amt := cloneBigInt(leg.Amount)
		if amt.Sign() <= 0 {
			return nil, fmt.Errorf("router engine: bundle leg %d amount must be positive", i)
		}
		cfg, err := e.registry.RequireEnabled(leg.TargetChain)
		if err != nil {
			return nil, err
		}
		configs[i] = cfg
		total.Add(total, amt)
	}
	if err := e.checkRoutable(MessageBundlePurchase, total); err != nil {
		return nil, err
	}
	if _, err := e.collectPayment(sender, asset, total); err != nil {
		return nil, err
	}
	ids := make([][32]byte, 0, len(legs))
	for i, leg := range legs {
		id := e.ids.Next(sender, MessageBundlePurchase)
		msg := &PendingMessage{
			ID:          id,
			Type:        MessageBundlePurchase,
			OriginChain: e.localChainID,
			TargetChain: leg.TargetChain,
			Sender:      sender,
			Recipient:   leg.Recipient,
			Amount:      cloneBigInt(leg.Amount),
			Asset:       types.NormalizeAsset(asset),
			Payload:     append([]byte(nil), leg.Payload...),
			CreatedAt:   e.now(),
			Status:      StatusCreated,
		}
		if err := e.store.Create(msg); err != nil {
			return nil, err
		}
		e.emit(NewMessageCreatedEvent(msg))
		if err := e.dispatch(msg, configs[i]); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// DistributeRoyalties settles a royalty payout. Collaborators preferring the
// settlement chain are paid directly from escrow without touching the
// transport; everyone else gets an independently idempotent outbound message.
// The seller remainder, including all rounding loss, is paid locally.
func (e *Engine) DistributeRoyalties(payer, seller [20]byte, asset string, gross *big.Int, shares []royalty.Share) ([][32]byte, error) {
	if e.store == nil {
		return nil, errNilStore
	}
	if e.registry == nil {
		return nil, errNilRegistry
	}
	if err := e.checkRoutable(MessageRoyaltyClaim, gross); err != nil {
		return nil, err
	}
	e.mu.RLock()
	ceiling := e.shareCeilingBps
	e.mu.RUnlock()
	if err := royalty.ValidateShares(shares, ceiling); err != nil {
		return nil, err
	}
	fees := e.FeeConfig()
	split, err := royalty.Split(gross, fees.PlatformFeeBps, shares)
	if err != nil {
		return nil, err
	}
	// Gate every remote destination before any value moves.
	for _, payout := range split.Payouts {
		chain := payout.Share.PreferredChain
		if chain == 0 || chain == e.localChainID || payout.Amount.Sign() == 0 {
			continue
		}
		if e.transport == nil {
			return nil, errNilTransport
		}
		if _, err := e.registry.RequireEnabled(chain); err != nil {
			return nil, err
		}
	}
	if err := e.transfer(payer, e.escrowVault, asset, gross); err != nil {
		return nil, err
	}
	if split.Fee.Sign() > 0 {
		if err := e.transfer(e.escrowVault, fees.Collector, asset, split.Fee); err != nil {
			return nil, err
		}
	}
	ids := make([][32]byte, 0)
	for _, payout := range split.Payouts {
		if payout.Amount.Sign() == 0 {
			continue
		}
		chain := payout.Share.PreferredChain
		if chain == 0 || chain == e.localChainID {
			// Same-chain fast path: pay directly, no transport.
			if err := e.transfer(e.escrowVault, payout.Share.Recipient, asset, payout.Amount); err != nil {
				return nil, err
			}
			e.emit(NewRoyaltyPaidEvent(payout.Share.Recipient, asset, payout.Amount, e.localChainID))
			continue
		}
		id, err := e.forwardLeg(MessageRoyaltyClaim, seller, chain, payout.Share.Recipient, payout.Amount, asset, nil)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if split.SellerRemainder.Sign() > 0 {
		if err := e.transfer(e.escrowVault, seller, asset, split.SellerRemainder); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// OnReceive accepts an inbound envelope from a spoke. Only the configured
// transport endpoint may deliver; the source chain must be registered and
// enabled. Re-delivery of an executed message is a no-op returning
// ErrAlreadyExecuted. The protocol fee is deducted from the delivered amount
// before the typed handler runs.
func (e *Engine) OnReceive(endpoint [20]byte, env *Envelope) error {
	if e.store == nil {
		return errNilStore
	}
	if e.registry == nil {
		return errNilRegistry
	}
	if endpoint == ([20]byte{}) || endpoint != e.endpoint {
		return ErrBadEndpoint
	}
	if env == nil {
		return fmt.Errorf("router engine: nil envelope")
	}
	typ := MessageType(env.MessageType)
	if !typ.Valid() {
		return fmt.Errorf("router engine: unknown message type %d", env.MessageType)
	}
	if _, err := e.registry.RequireEnabled(env.SourceChain); err != nil {
		return err
	}

	existing, err := e.store.Get(env.MessageID)
	switch {
	case err == nil:
		if existing.Executed {
			return ErrAlreadyExecuted
		}
	case errors.Is(err, ErrNotFound):
		if e.Paused() {
			return ErrPaused
		}
		fees := e.FeeConfig()
		fee := new(big.Int).Mul(cloneBigInt(env.Amount), big.NewInt(int64(fees.PlatformFeeBps)))
		fee.Div(fee, big.NewInt(royalty.BpsDenominator))
		net := new(big.Int).Sub(cloneBigInt(env.Amount), fee)
		msg := &PendingMessage{
			ID:          env.MessageID,
			Type:        typ,
			OriginChain: env.SourceChain,
			TargetChain: e.localChainID,
			Sender:      env.Sender,
			Recipient:   env.Recipient,
			Amount:      net,
			Asset:       types.NormalizeAsset(env.Asset),
			Payload:     append([]byte(nil), env.Payload...),
			CreatedAt:   e.now(),
			Status:      StatusDispatched,
		}
		// Claim the id before any value moves so a duplicate delivery racing
		// this one cannot credit escrow a second time.
		if err := e.store.Create(msg); err != nil {
			if errors.Is(err, ErrAlreadyExists) {
				return e.execute(env.MessageID)
			}
			return err
		}
		// Value arrives alongside the envelope; credit it to escrow, then
		// peel the fee off immediately.
		if err := e.credit(e.escrowVault, env.Asset, env.Amount); err != nil {
			return err
		}
		if fee.Sign() > 0 {
			if err := e.transfer(e.escrowVault, fees.Collector, env.Asset, fee); err != nil {
				return err
			}
		}
		e.emit(NewMessageCreatedEvent(msg))
	default:
		return err
	}

	return e.execute(env.MessageID)
}

// ExecutePending re-runs the handler for an unexecuted message. Authorized
// executors use it to drain failed or backlogged messages, including while
// routing is paused; re-delivery of the cross-chain message itself is never
// required.
func (e *Engine) ExecutePending(caller [20]byte, id [32]byte) error {
	if !e.isExecutor(caller) {
		return ErrUnauthorized
	}
	return e.execute(id)
}

func (e *Engine) execute(id [32]byte) error {
	msg, err := e.store.BeginExecution(id)
	if err != nil {
		return err
	}
	handler, ok := e.handlerFor(msg.Type)
	if !ok {
		_ = e.store.FinishExecution(id, false)
		return ErrNoHandler
	}
	execErr := handler.Execute(msg.Clone())
	if finishErr := e.store.FinishExecution(id, execErr == nil); finishErr != nil {
		return finishErr
	}
	e.emit(NewActionExecutedEvent(msg, execErr == nil))
	if execErr != nil {
		return fmt.Errorf("router engine: execute %s: %w", msg.Type, execErr)
	}
	return nil
}
