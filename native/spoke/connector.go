package spoke

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"soundchain/core/events"
	"soundchain/core/types"
	"soundchain/native/router"
)

var (
	errNilState     = errors.New("spoke connector: state not configured")
	errNilTransport = errors.New("spoke connector: transport not configured")
	errNilStore     = errors.New("spoke connector: message store not configured")

	// ErrUnsupportedAsset is returned when payment is offered in an asset the
	// connector does not accept.
	ErrUnsupportedAsset = errors.New("spoke connector: unsupported payment asset")
	// ErrPaused is returned while the connector is halted.
	ErrPaused = errors.New("spoke connector: paused")
	// ErrUnauthorized is returned when a caller lacks the required privilege.
	ErrUnauthorized = errors.New("spoke connector: unauthorized caller")
	// ErrBadEndpoint is returned when an inbound delivery does not originate
	// from the configured transport endpoint.
	ErrBadEndpoint = errors.New("spoke connector: untrusted transport endpoint")
)

type connectorState interface {
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

// Connector is the sole entry and exit point for cross-ledger operations on
// one spoke chain. Outbound, it collects the user's payment, records the
// message, and hands it to the transport toward the hub. Inbound, it executes
// hub-originated effects against local escrow, with the message store
// guaranteeing at-most-one execution per id.
type Connector struct {
	chainID      uint64
	hubChain     uint64
	hubConnector [20]byte
	endpoint     [20]byte
	vault        [20]byte

	state     connectorState
	store     *router.MessageStore
	transport router.Transport
	emitter   events.Emitter
	ids       *router.IDGenerator
	nowFn     func() int64

	mu        sync.RWMutex
	assets    map[string]struct{}
	minAmount *big.Int
	paused    bool
	authority [20]byte
	executors map[[20]byte]struct{}
	handlers  map[router.MessageType]router.Handler
}

// NewConnector creates a spoke connector for the given chain, wired toward the
// hub chain's connector reference.
func NewConnector(chainID, hubChain uint64, hubConnector [20]byte, store *router.MessageStore) *Connector {
	c := &Connector{
		chainID:      chainID,
		hubChain:     hubChain,
		hubConnector: hubConnector,
		store:        store,
		emitter:      events.NoopEmitter{},
		nowFn:        func() int64 { return time.Now().Unix() },
		assets:       make(map[string]struct{}),
		minAmount:    big.NewInt(1),
		executors:    make(map[[20]byte]struct{}),
		handlers:     make(map[router.MessageType]router.Handler),
	}
	c.ids = router.NewIDGenerator(func() int64 { return c.now() })
	return c
}

// SetState configures the account state backend.
func (c *Connector) SetState(state connectorState) { c.state = state }

// SetTransport configures the cross-ledger transport.
func (c *Connector) SetTransport(t router.Transport) { c.transport = t }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (c *Connector) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		c.emitter = events.NoopEmitter{}
		return
	}
	c.emitter = emitter
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (c *Connector) SetNowFunc(now func() int64) {
	if now == nil {
		c.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	c.nowFn = now
}

// SetVault configures the local escrow address.
func (c *Connector) SetVault(addr [20]byte) { c.vault = addr }

// SetTransportEndpoint configures the sole address trusted to deliver inbound
// envelopes.
func (c *Connector) SetTransportEndpoint(addr [20]byte) { c.endpoint = addr }

// SetAuthority configures the administrative key.
func (c *Connector) SetAuthority(addr [20]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authority = addr
}

// SupportAsset allows payment collection in the supplied asset.
func (c *Connector) SupportAsset(asset string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.assets[types.NormalizeAsset(asset)] = struct{}{}
}

// SetMinAmount configures the smallest accepted payment.
func (c *Connector) SetMinAmount(min *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if min == nil || min.Sign() <= 0 {
		c.minAmount = big.NewInt(1)
		return
	}
	c.minAmount = new(big.Int).Set(min)
}

// SetPaused toggles the connector's emergency stop. Only the authority may
// call it.
func (c *Connector) SetPaused(caller [20]byte, paused bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if caller != c.authority {
		return ErrUnauthorized
	}
	c.paused = paused
	return nil
}

// AuthorizeExecutor grants an operator the right to re-execute pending
// messages.
func (c *Connector) AuthorizeExecutor(caller, executor [20]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if caller != c.authority {
		return ErrUnauthorized
	}
	c.executors[executor] = struct{}{}
	return nil
}

// RevokeExecutor removes an operator's execution privilege.
func (c *Connector) RevokeExecutor(caller, executor [20]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if caller != c.authority {
		return ErrUnauthorized
	}
	delete(c.executors, executor)
	return nil
}

// RegisterHandler installs (or swaps) the local handler for a message type.
func (c *Connector) RegisterHandler(typ router.MessageType, h router.Handler) error {
	if !typ.Valid() {
		return fmt.Errorf("spoke connector: invalid message type %d", uint8(typ))
	}
	if h == nil {
		return fmt.Errorf("spoke connector: nil handler for %s", typ)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[typ] = h
	return nil
}

// Message returns the stored record for inspection.
func (c *Connector) Message(id [32]byte) (*router.PendingMessage, error) {
	if c.store == nil {
		return nil, errNilStore
	}
	return c.store.Get(id)
}

func (c *Connector) emit(event *types.Event) {
	if c == nil || c.emitter == nil || event == nil {
		return
	}
	c.emitter.Emit(spokeEvent{evt: event})
}

func (c *Connector) now() int64 {
	if c == nil || c.nowFn == nil {
		return time.Now().Unix()
	}
	return c.nowFn()
}

func (c *Connector) isExecutor(addr [20]byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if addr == c.authority {
		return true
	}
	_, ok := c.executors[addr]
	return ok
}

func (c *Connector) transfer(from, to [20]byte, asset string, amount *big.Int) error {
	if c == nil || c.state == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("spoke connector: negative transfer amount")
	}
	fromAcc, err := c.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	toAcc, err := c.state.GetAccount(to[:])
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
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("spoke connector: insufficient %s balance", types.NormalizeAsset(asset))
	}
	fromAcc.SetBalance(asset, new(big.Int).Sub(balance, amount))
	toAcc.SetBalance(asset, new(big.Int).Add(toAcc.Balance(asset), amount))
	if err := c.state.PutAccount(from[:], fromAcc); err != nil {
		return err
	}
	return c.state.PutAccount(to[:], toAcc)
}

func (c *Connector) credit(to [20]byte, asset string, amount *big.Int) error {
	if c == nil || c.state == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	acc, err := c.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	if acc == nil {
		acc = &types.Account{}
	}
	acc.SetBalance(asset, new(big.Int).Add(acc.Balance(asset), amount))
	return c.state.PutAccount(to[:], acc)
}

func (c *Connector) debit(from [20]byte, asset string, amount *big.Int) error {
	if c == nil || c.state == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	acc, err := c.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	if acc == nil {
		acc = &types.Account{}
	}
	balance := acc.Balance(asset)
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("spoke connector: insufficient escrow for debit")
	}
	acc.SetBalance(asset, new(big.Int).Sub(balance, amount))
	return c.state.PutAccount(from[:], acc)
}

// submit is the shared outbound path: collect payment, record the message,
// hand it to the transport, and surface the id to off-system observers.
func (c *Connector) submit(typ router.MessageType, sender, recipient [20]byte, amount *big.Int, asset string, payload []byte) ([32]byte, error) {
	var zero [32]byte
	if c.store == nil {
		return zero, errNilStore
	}
	if c.transport == nil {
		return zero, errNilTransport
	}
	normalized := types.NormalizeAsset(asset)
	c.mu.RLock()
	paused := c.paused
	_, supported := c.assets[normalized]
	min := new(big.Int).Set(c.minAmount)
	c.mu.RUnlock()
	if paused {
		return zero, ErrPaused
	}
	if !supported {
		return zero, ErrUnsupportedAsset
	}
	if amount == nil || amount.Sign() <= 0 {
		return zero, fmt.Errorf("spoke connector: amount must be positive")
	}
	if amount.Cmp(min) < 0 {
		return zero, fmt.Errorf("spoke connector: amount below minimum %s", min)
	}
	if err := c.transfer(sender, c.vault, normalized, amount); err != nil {
		return zero, err
	}
	id := c.ids.Next(sender, typ)
	msg := &router.PendingMessage{
		ID:          id,
		Type:        typ,
		OriginChain: c.chainID,
		TargetChain: c.hubChain,
		Sender:      sender,
		Recipient:   recipient,
		Amount:      new(big.Int).Set(amount),
		Asset:       normalized,
		Payload:     append([]byte(nil), payload...),
		CreatedAt:   c.now(),
		Status:      router.StatusCreated,
	}
	if err := c.store.Create(msg); err != nil {
		return zero, err
	}
	c.emit(NewMessageSubmittedEvent(msg))
	env := &router.Envelope{
		MessageID:   id,
		SourceChain: c.chainID,
		Sender:      sender,
		Recipient:   recipient,
		Amount:      new(big.Int).Set(amount),
		Asset:       normalized,
		MessageType: uint8(typ),
		Payload:     append([]byte(nil), payload...),
	}
	// The value stays in the vault until the transport accepts the envelope,
	// so a send failure leaves it recoverable through Redispatch.
	if err := c.transport.Send(c.hubChain, c.hubConnector, env); err != nil {
		return zero, fmt.Errorf("spoke connector: send %s: %w", typ, err)
	}
	if err := c.debit(c.vault, normalized, amount); err != nil {
		return zero, err
	}
	if err := c.store.MarkDispatched(id); err != nil {
		return zero, err
	}
	return id, nil
}

// Redispatch re-sends a recorded message that never reached the transport.
// Only messages still in the created state qualify; the escrowed value leaves
// the vault once the send succeeds.
func (c *Connector) Redispatch(caller [20]byte, id [32]byte) error {
	if !c.isExecutor(caller) {
		return ErrUnauthorized
	}
	if c.store == nil {
		return errNilStore
	}
	if c.transport == nil {
		return errNilTransport
	}
	msg, err := c.store.Get(id)
	if err != nil {
		return err
	}
	if msg.Status != router.StatusCreated {
		return nil
	}
	env := &router.Envelope{
		MessageID:   msg.ID,
		SourceChain: c.chainID,
		Sender:      msg.Sender,
		Recipient:   msg.Recipient,
		Amount:      new(big.Int).Set(msg.Amount),
		Asset:       msg.Asset,
		MessageType: uint8(msg.Type),
		Payload:     append([]byte(nil), msg.Payload...),
	}
	if err := c.transport.Send(c.hubChain, c.hubConnector, env); err != nil {
		return fmt.Errorf("spoke connector: redispatch %s: %w", msg.Type, err)
	}
	if err := c.debit(c.vault, msg.Asset, msg.Amount); err != nil {
		return err
	}
	return c.store.MarkDispatched(id)
}

// RequestPurchase collects payment for a single-item purchase whose asset
// settles on targetChain.
func (c *Connector) RequestPurchase(sender [20]byte, targetChain uint64, recipient [20]byte, amount *big.Int, asset string, data []byte) ([32]byte, error) {
	payload, err := router.EncodePayload(&router.ForwardPayload{TargetChain: targetChain, Recipient: recipient, Data: data})
	if err != nil {
		return [32]byte{}, err
	}
	return c.submit(router.MessagePurchase, sender, recipient, amount, asset, payload)
}

// RequestBundlePurchase collects a single payment covering every leg of a
// multi-chain bundle.
func (c *Connector) RequestBundlePurchase(sender [20]byte, asset string, legs []router.BundleLegPayload) ([32]byte, error) {
	if len(legs) == 0 {
		return [32]byte{}, fmt.Errorf("spoke connector: bundle requires at least one leg")
	}
	total := big.NewInt(0)
	for i, leg := range legs {
		if leg.Amount == nil || leg.Amount.Sign() <= 0 {
			return [32]byte{}, fmt.Errorf("spoke connector: bundle leg %d amount must be positive", i)
		}
		total.Add(total, leg.Amount)
	}
	payload, err := router.EncodePayload(&router.BundlePayload{Legs: legs})
	if err != nil {
		return [32]byte{}, err
	}
	return c.submit(router.MessageBundlePurchase, sender, sender, total, asset, payload)
}

// RequestSweep collects payment for a floor sweep settling on targetChain.
func (c *Connector) RequestSweep(sender [20]byte, targetChain uint64, recipient [20]byte, amount *big.Int, asset string, data []byte) ([32]byte, error) {
	payload, err := router.EncodePayload(&router.ForwardPayload{TargetChain: targetChain, Recipient: recipient, Data: data})
	if err != nil {
		return [32]byte{}, err
	}
	return c.submit(router.MessageSweep, sender, recipient, amount, asset, payload)
}

// RequestSwap collects payment for a cross-chain swap.
func (c *Connector) RequestSwap(sender [20]byte, targetChain uint64, recipient [20]byte, amount *big.Int, asset string, data []byte) ([32]byte, error) {
	payload, err := router.EncodePayload(&router.ForwardPayload{TargetChain: targetChain, Recipient: recipient, Data: data})
	if err != nil {
		return [32]byte{}, err
	}
	return c.submit(router.MessageSwap, sender, recipient, amount, asset, payload)
}

// RequestMint collects payment for a remote mint request.
func (c *Connector) RequestMint(sender [20]byte, targetChain uint64, recipient [20]byte, amount *big.Int, asset string, data []byte) ([32]byte, error) {
	payload, err := router.EncodePayload(&router.ForwardPayload{TargetChain: targetChain, Recipient: recipient, Data: data})
	if err != nil {
		return [32]byte{}, err
	}
	return c.submit(router.MessageMintRequest, sender, recipient, amount, asset, payload)
}

// RequestAirdrop collects the funding for a remote airdrop distribution.
func (c *Connector) RequestAirdrop(sender [20]byte, targetChain uint64, recipient [20]byte, amount *big.Int, asset string, data []byte) ([32]byte, error) {
	payload, err := router.EncodePayload(&router.ForwardPayload{TargetChain: targetChain, Recipient: recipient, Data: data})
	if err != nil {
		return [32]byte{}, err
	}
	return c.submit(router.MessageAirdrop, sender, recipient, amount, asset, payload)
}

// ClaimRoyalties escrows the gross royalty amount and ships the collaborator
// list to the hub for distribution.
func (c *Connector) ClaimRoyalties(sender, seller [20]byte, amount *big.Int, asset string, shares []router.SharePayload) ([32]byte, error) {
	payload, err := router.EncodePayload(&router.RoyaltyPayload{Seller: seller, Shares: shares})
	if err != nil {
		return [32]byte{}, err
	}
	return c.submit(router.MessageRoyaltyClaim, sender, seller, amount, asset, payload)
}

// RequestBridge escrows value for a bridge-style lock on the hub.
func (c *Connector) RequestBridge(sender [20]byte, targetChain uint64, recipient [20]byte, amount *big.Int, asset string) ([32]byte, error) {
	payload, err := router.EncodePayload(&router.BridgePayload{TargetChain: targetChain, Recipient: recipient})
	if err != nil {
		return [32]byte{}, err
	}
	return c.submit(router.MessageBridgeAsset, sender, recipient, amount, asset, payload)
}

// RequestIdentifier pays the registration fee and ships an identifier
// registration toward the hub registry.
func (c *Connector) RequestIdentifier(sender [20]byte, fee *big.Int, asset string, identifier, metadataHash string, tokenID uint64) ([32]byte, error) {
	payload, err := router.EncodePayload(&router.IdentifierPayload{
		Identifier:   identifier,
		MetadataHash: metadataHash,
		TokenID:      tokenID,
		Owner:        sender,
	})
	if err != nil {
		return [32]byte{}, err
	}
	return c.submit(router.MessageIdentifierRegister, sender, sender, fee, asset, payload)
}

// OnReceive accepts an inbound envelope from the hub. Only the configured
// transport endpoint may deliver. Execution is separated from receipt: a
// failed handler leaves the message unexecuted and eligible for RetryExecute
// without re-delivering the cross-chain message.
func (c *Connector) OnReceive(endpoint [20]byte, env *router.Envelope) error {
	if c.store == nil {
		return errNilStore
	}
	if endpoint == ([20]byte{}) || endpoint != c.endpoint {
		return ErrBadEndpoint
	}
	if env == nil {
		return fmt.Errorf("spoke connector: nil envelope")
	}
	typ := router.MessageType(env.MessageType)
	if !typ.Valid() {
		return fmt.Errorf("spoke connector: unknown message type %d", env.MessageType)
	}

	existing, err := c.store.Get(env.MessageID)
	switch {
	case err == nil:
		if existing.Executed {
			return router.ErrAlreadyExecuted
		}
	case errors.Is(err, router.ErrNotFound):
		msg := &router.PendingMessage{
			ID:          env.MessageID,
			Type:        typ,
			OriginChain: env.SourceChain,
			TargetChain: c.chainID,
			Sender:      env.Sender,
			Recipient:   env.Recipient,
			Amount:      env.Amount,
			Asset:       types.NormalizeAsset(env.Asset),
			Payload:     append([]byte(nil), env.Payload...),
			CreatedAt:   c.now(),
			Status:      router.StatusDispatched,
		}
		// Claim the id before crediting so a duplicate delivery racing this
		// one cannot credit the vault a second time.
		if err := c.store.Create(msg); err != nil {
			if errors.Is(err, router.ErrAlreadyExists) {
				return c.execute(env.MessageID)
			}
			return err
		}
		// Value arrives alongside the envelope.
		if err := c.credit(c.vault, env.Asset, env.Amount); err != nil {
			return err
		}
	default:
		return err
	}

	return c.execute(env.MessageID)
}

// RetryExecute re-runs the local handler for an unexecuted message. This is
// the operator-facing side of the retry boundary.
func (c *Connector) RetryExecute(caller [20]byte, id [32]byte) error {
	if !c.isExecutor(caller) {
		return ErrUnauthorized
	}
	return c.execute(id)
}

func (c *Connector) execute(id [32]byte) error {
	msg, err := c.store.BeginExecution(id)
	if err != nil {
		return err
	}
	c.mu.RLock()
	handler, ok := c.handlers[msg.Type]
	c.mu.RUnlock()
	if !ok {
		handler = c.payoutHandler()
	}
	execErr := handler.Execute(msg.Clone())
	if finishErr := c.store.FinishExecution(id, execErr == nil); finishErr != nil {
		return finishErr
	}
	c.emit(NewActionExecutedEvent(msg, execErr == nil))
	if execErr != nil {
		return fmt.Errorf("spoke connector: execute %s: %w", msg.Type, execErr)
	}
	return nil
}

// payoutHandler is the default local effect: release escrowed value to the
// recipient named in the message.
func (c *Connector) payoutHandler() router.Handler {
	return router.HandlerFunc(func(msg *router.PendingMessage) error {
		return c.transfer(c.vault, msg.Recipient, msg.Asset, msg.Amount)
	})
}
