package spoke

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"soundchain/core/events"
	"soundchain/core/types"
	"soundchain/native/router"
	"soundchain/storage"
)

type mockState struct {
	accounts map[string]*types.Account
}

func newMockState() *mockState {
	return &mockState{accounts: make(map[string]*types.Account)}
}

func (m *mockState) GetAccount(addr []byte) (*types.Account, error) {
	if acc, ok := m.accounts[string(addr)]; ok {
		return acc.Clone(), nil
	}
	return &types.Account{}, nil
}

func (m *mockState) PutAccount(addr []byte, account *types.Account) error {
	m.accounts[string(addr)] = account.Clone()
	return nil
}

func (m *mockState) balance(addr [20]byte, asset string) *big.Int {
	acc, ok := m.accounts[string(addr[:])]
	if !ok {
		return big.NewInt(0)
	}
	return acc.Balance(asset)
}

func (m *mockState) fund(addr [20]byte, asset string, amount int64) {
	acc := &types.Account{}
	acc.SetBalance(asset, big.NewInt(amount))
	m.accounts[string(addr[:])] = acc
}

type captureTransport struct {
	sent []*router.Envelope
	err  error
}

func (c *captureTransport) Send(targetChain uint64, connector [20]byte, env *router.Envelope) error {
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, env)
	return nil
}

func testAddr(b byte) [20]byte {
	var out [20]byte
	out[19] = b
	return out
}

const (
	spokeChain = uint64(7)
	hubChain   = uint64(1)
)

func newTestConnector(t *testing.T) (*Connector, *mockState, *captureTransport) {
	t.Helper()
	store := router.NewMessageStore(storage.NewMemDB())
	c := NewConnector(spokeChain, hubChain, testAddr(0x01), store)
	state := newMockState()
	transport := &captureTransport{}
	c.SetState(state)
	c.SetTransport(transport)
	c.SetNowFunc(func() int64 { return 1_700_000_000 })
	c.SetVault(testAddr(0xEE))
	c.SetTransportEndpoint(testAddr(0xCC))
	c.SetAuthority(testAddr(0xAD))
	c.SupportAsset("USDC")
	return c, state, transport
}

func TestRequestPurchaseCollectsAndDispatches(t *testing.T) {
	c, state, transport := newTestConnector(t)
	sender := testAddr(0x10)
	state.fund(sender, "usdc", 500)

	id, err := c.RequestPurchase(sender, 2, testAddr(0x11), big.NewInt(500), "usdc", nil)
	if err != nil {
		t.Fatalf("request purchase: %v", err)
	}
	if got := state.balance(sender, "USDC"); got.Sign() != 0 {
		t.Fatalf("expected sender debited, got %s", got)
	}
	// Value leaves the ledger with the envelope.
	if got := state.balance(testAddr(0xEE), "USDC"); got.Sign() != 0 {
		t.Fatalf("expected empty vault after dispatch, got %s", got)
	}
	if len(transport.sent) != 1 {
		t.Fatalf("expected one envelope, got %d", len(transport.sent))
	}
	env := transport.sent[0]
	if env.MessageID != id || env.SourceChain != spokeChain || env.Asset != "USDC" {
		t.Fatalf("envelope mismatch: %+v", env)
	}
	msg, err := c.Message(id)
	if err != nil {
		t.Fatalf("message: %v", err)
	}
	if msg.Status != router.StatusDispatched {
		t.Fatalf("expected dispatched status, got %d", msg.Status)
	}
}

func TestSubmitRejections(t *testing.T) {
	c, state, _ := newTestConnector(t)
	sender := testAddr(0x10)
	state.fund(sender, "USDC", 500)

	if _, err := c.RequestPurchase(sender, 2, testAddr(0x11), big.NewInt(100), "DOGE", nil); !errors.Is(err, ErrUnsupportedAsset) {
		t.Fatalf("expected ErrUnsupportedAsset, got %v", err)
	}
	c.SetMinAmount(big.NewInt(50))
	if _, err := c.RequestPurchase(sender, 2, testAddr(0x11), big.NewInt(49), "USDC", nil); err == nil {
		t.Fatal("expected minimum-amount rejection")
	}
	if err := c.SetPaused(testAddr(0x99), true); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := c.SetPaused(testAddr(0xAD), true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := c.RequestPurchase(sender, 2, testAddr(0x11), big.NewInt(100), "USDC", nil); !errors.Is(err, ErrPaused) {
		t.Fatalf("expected ErrPaused, got %v", err)
	}
	if got := state.balance(sender, "USDC"); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("rejected submissions must not move value, sender holds %s", got)
	}
}

func TestRequestBundlePurchaseSumsLegs(t *testing.T) {
	c, state, transport := newTestConnector(t)
	sender := testAddr(0x10)
	state.fund(sender, "USDC", 600)

	legs := []router.BundleLegPayload{
		{TargetChain: 2, Recipient: testAddr(0x21), Amount: big.NewInt(100)},
		{TargetChain: 4, Recipient: testAddr(0x22), Amount: big.NewInt(200)},
		{TargetChain: 5, Recipient: testAddr(0x23), Amount: big.NewInt(300)},
	}
	_, err := c.RequestBundlePurchase(sender, "USDC", legs)
	if err != nil {
		t.Fatalf("request bundle: %v", err)
	}
	if got := state.balance(sender, "USDC"); got.Sign() != 0 {
		t.Fatalf("expected full 600 collected, sender holds %s", got)
	}
	if len(transport.sent) != 1 {
		t.Fatalf("expected one envelope toward the hub, got %d", len(transport.sent))
	}
	if transport.sent[0].Amount.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("expected summed amount 600, got %s", transport.sent[0].Amount)
	}
	payload, err := router.DecodeBundlePayload(transport.sent[0].Payload)
	if err != nil {
		t.Fatalf("decode bundle payload: %v", err)
	}
	if len(payload.Legs) != 3 {
		t.Fatalf("expected 3 legs, got %d", len(payload.Legs))
	}
}

func TestOnReceivePaysOutExactlyOnce(t *testing.T) {
	c, state, _ := newTestConnector(t)
	recipient := testAddr(0x31)
	env := &router.Envelope{
		MessageID:   [32]byte{0x71},
		SourceChain: hubChain,
		Sender:      testAddr(0x30),
		Recipient:   recipient,
		Amount:      big.NewInt(1_950),
		Asset:       "USDC",
		MessageType: uint8(router.MessageRoyaltyClaim),
	}
	if err := c.OnReceive(testAddr(0x77), env); !errors.Is(err, ErrBadEndpoint) {
		t.Fatalf("expected ErrBadEndpoint, got %v", err)
	}
	if err := c.OnReceive(testAddr(0xCC), env); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if got := state.balance(recipient, "USDC"); got.Cmp(big.NewInt(1_950)) != 0 {
		t.Fatalf("expected payout 1950, got %s", got)
	}
	if err := c.OnReceive(testAddr(0xCC), env); !errors.Is(err, router.ErrAlreadyExecuted) {
		t.Fatalf("expected ErrAlreadyExecuted, got %v", err)
	}
	if got := state.balance(recipient, "USDC"); got.Cmp(big.NewInt(1_950)) != 0 {
		t.Fatalf("re-delivery changed balance: %s", got)
	}
}

type captureEmitter struct {
	events []events.Event
}

func (c *captureEmitter) Emit(evt events.Event) { c.events = append(c.events, evt) }

// submittedID digs the message id out of the submitted event, which is the
// only handle a caller has when submit fails before returning the id.
func submittedID(t *testing.T, emitter *captureEmitter) [32]byte {
	t.Helper()
	var id [32]byte
	found := false
	for _, evt := range emitter.events {
		if evt.EventType() != EventTypeMessageSubmitted {
			continue
		}
		raw, err := hex.DecodeString(evt.(spokeEvent).Event().Attributes["id"])
		if err != nil || len(raw) != len(id) {
			t.Fatalf("bad id attribute on submitted event")
		}
		copy(id[:], raw)
		found = true
	}
	if !found {
		t.Fatal("no submitted event captured")
	}
	return id
}

func TestSendFailureKeepsValueRecoverable(t *testing.T) {
	c, state, transport := newTestConnector(t)
	emitter := &captureEmitter{}
	c.SetEmitter(emitter)
	sender := testAddr(0x10)
	state.fund(sender, "USDC", 500)

	transport.err = fmt.Errorf("relayer offline")
	if _, err := c.RequestPurchase(sender, 2, testAddr(0x11), big.NewInt(500), "USDC", nil); err == nil {
		t.Fatal("expected send failure to surface")
	}
	// The collected payment must survive in the vault, not be destroyed.
	if got := state.balance(testAddr(0xEE), "USDC"); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("expected 500 held in the vault after the failed send, got %s", got)
	}
	id := submittedID(t, emitter)
	msg, err := c.Message(id)
	if err != nil {
		t.Fatalf("message: %v", err)
	}
	if msg.Status != router.StatusCreated {
		t.Fatalf("expected created status after failed send, got %d", msg.Status)
	}

	transport.err = nil
	if err := c.Redispatch(testAddr(0x99), id); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := c.Redispatch(testAddr(0xAD), id); err != nil {
		t.Fatalf("redispatch: %v", err)
	}
	if len(transport.sent) != 1 || transport.sent[0].MessageID != id {
		t.Fatalf("expected the recorded envelope re-sent once, got %d", len(transport.sent))
	}
	if got := state.balance(testAddr(0xEE), "USDC"); got.Sign() != 0 {
		t.Fatalf("expected the vault drained once the send succeeded, got %s", got)
	}
	msg, err = c.Message(id)
	if err != nil {
		t.Fatalf("message: %v", err)
	}
	if msg.Status != router.StatusDispatched {
		t.Fatalf("expected dispatched status after redispatch, got %d", msg.Status)
	}
	// A second redispatch of a dispatched message is a no-op.
	if err := c.Redispatch(testAddr(0xAD), id); err != nil {
		t.Fatalf("redispatch of dispatched message: %v", err)
	}
	if len(transport.sent) != 1 {
		t.Fatalf("dispatched message was sent again: %d envelopes", len(transport.sent))
	}
}

// hookState lets a test interleave a second operation in the middle of a
// state write.
type hookState struct {
	*mockState
	onPut func(addr []byte)
}

func (h *hookState) PutAccount(addr []byte, account *types.Account) error {
	if err := h.mockState.PutAccount(addr, account); err != nil {
		return err
	}
	if h.onPut != nil {
		h.onPut(addr)
	}
	return nil
}

func TestOnReceiveDuplicateDuringCreditPaysOnce(t *testing.T) {
	c, state, _ := newTestConnector(t)
	recipient := testAddr(0x31)
	env := &router.Envelope{
		MessageID:   [32]byte{0x73},
		SourceChain: hubChain,
		Sender:      testAddr(0x30),
		Recipient:   recipient,
		Amount:      big.NewInt(1_950),
		Asset:       "USDC",
		MessageType: uint8(router.MessagePurchase),
	}

	// The duplicate rides in while the first delivery is crediting the vault.
	vault := testAddr(0xEE)
	var dupErr error
	fired := false
	hook := &hookState{mockState: state}
	hook.onPut = func(addr []byte) {
		if fired || string(addr) != string(vault[:]) {
			return
		}
		fired = true
		dupErr = c.OnReceive(testAddr(0xCC), env)
	}
	c.SetState(hook)

	firstErr := c.OnReceive(testAddr(0xCC), env)
	if !fired {
		t.Fatal("duplicate delivery never ran")
	}
	if dupErr != nil {
		t.Fatalf("duplicate delivery: %v", dupErr)
	}
	if !errors.Is(firstErr, router.ErrAlreadyExecuted) {
		t.Fatalf("expected ErrAlreadyExecuted from the overtaken delivery, got %v", firstErr)
	}
	if got := state.balance(recipient, "USDC"); got.Cmp(big.NewInt(1_950)) != 0 {
		t.Fatalf("recipient must be paid exactly once, got %s", got)
	}
	if got := state.balance(vault, "USDC"); got.Sign() != 0 {
		t.Fatalf("vault holds phantom value %s after duplicate delivery", got)
	}
}

func TestRetryExecuteAfterHandlerFailure(t *testing.T) {
	c, state, _ := newTestConnector(t)
	attempts := 0
	flaky := router.HandlerFunc(func(msg *router.PendingMessage) error {
		attempts++
		if attempts == 1 {
			return fmt.Errorf("downstream unavailable")
		}
		return c.transfer(c.vault, msg.Recipient, msg.Asset, msg.Amount)
	})
	if err := c.RegisterHandler(router.MessagePurchase, flaky); err != nil {
		t.Fatalf("register handler: %v", err)
	}
	recipient := testAddr(0x31)
	env := &router.Envelope{
		MessageID:   [32]byte{0x72},
		SourceChain: hubChain,
		Recipient:   recipient,
		Amount:      big.NewInt(100),
		Asset:       "USDC",
		MessageType: uint8(router.MessagePurchase),
	}
	if err := c.OnReceive(testAddr(0xCC), env); err == nil {
		t.Fatal("expected first execution to fail")
	}
	msg, err := c.Message(env.MessageID)
	if err != nil {
		t.Fatalf("message: %v", err)
	}
	if msg.Executed {
		t.Fatal("failed execution must leave the message unexecuted")
	}
	if err := c.RetryExecute(testAddr(0x99), env.MessageID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	// Retry runs against local state without re-delivering the message.
	if err := c.RetryExecute(testAddr(0xAD), env.MessageID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got := state.balance(recipient, "USDC"); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected payout 100 after retry, got %s", got)
	}
	if err := c.RetryExecute(testAddr(0xAD), env.MessageID); !errors.Is(err, router.ErrAlreadyExecuted) {
		t.Fatalf("expected ErrAlreadyExecuted after success, got %v", err)
	}
}
