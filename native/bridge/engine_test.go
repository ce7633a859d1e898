package bridge

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"soundchain/core/types"
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

func testAddr(b byte) [20]byte {
	var out [20]byte
	out[19] = b
	return out
}

func newTestBridge(t *testing.T) (*Engine, *mockState, *int64) {
	t.Helper()
	engine := NewEngine(storage.NewMemDB())
	state := newMockState()
	engine.SetState(state)
	engine.SetVault(testAddr(0xEE))
	now := int64(1_700_000_000)
	engine.SetNowFunc(func() int64 { return now })
	return engine, state, &now
}

func TestLockRecordsDeadline(t *testing.T) {
	engine, _, _ := newTestBridge(t)
	id := [32]byte{0x01}
	lock, err := engine.Lock(id, testAddr(0x10), testAddr(0x11), 2, "usdc", big.NewInt(500))
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if lock.Asset != "USDC" {
		t.Fatalf("expected normalized asset, got %s", lock.Asset)
	}
	if lock.Deadline != lock.CreatedAt+int64(DefaultGracePeriod/time.Second) {
		t.Fatalf("deadline %d does not match creation %d plus grace", lock.Deadline, lock.CreatedAt)
	}
	if _, err := engine.Lock(id, testAddr(0x10), testAddr(0x11), 2, "USDC", big.NewInt(500)); !errors.Is(err, ErrLockExists) {
		t.Fatalf("expected ErrLockExists, got %v", err)
	}
}

func TestReclaimExactlyOnceAfterGrace(t *testing.T) {
	engine, state, now := newTestBridge(t)
	sender := testAddr(0x10)
	state.fund(testAddr(0xEE), "USDC", 500)

	id := [32]byte{0x02}
	if _, err := engine.Lock(id, sender, testAddr(0x11), 2, "USDC", big.NewInt(500)); err != nil {
		t.Fatalf("lock: %v", err)
	}

	// Too early.
	*now += int64(DefaultGracePeriod/time.Second) - 1
	if err := engine.Reclaim(id, sender); !errors.Is(err, ErrNotReclaimable) {
		t.Fatalf("expected ErrNotReclaimable before deadline, got %v", err)
	}

	// Wrong caller, even after the deadline.
	*now += 1
	if err := engine.Reclaim(id, testAddr(0x99)); !errors.Is(err, ErrNotReclaimable) {
		t.Fatalf("expected ErrNotReclaimable for non-sender, got %v", err)
	}

	if err := engine.Reclaim(id, sender); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if got := state.balance(sender, "USDC"); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("expected 500 returned to sender, got %s", got)
	}
	if got := state.balance(testAddr(0xEE), "USDC"); got.Sign() != 0 {
		t.Fatalf("expected empty vault, got %s", got)
	}

	// The lock closed; a second reclaim must never pay again.
	if err := engine.Reclaim(id, sender); !errors.Is(err, ErrLockClosed) {
		t.Fatalf("expected ErrLockClosed on second reclaim, got %v", err)
	}
	if got := state.balance(sender, "USDC"); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("second reclaim changed balance: %s", got)
	}
}

func TestCompleteClosesLock(t *testing.T) {
	engine, state, now := newTestBridge(t)
	sender := testAddr(0x10)
	state.fund(testAddr(0xEE), "USDC", 500)

	id := [32]byte{0x03}
	if _, err := engine.Lock(id, sender, testAddr(0x11), 2, "USDC", big.NewInt(500)); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := engine.Complete(id); err != nil {
		t.Fatalf("complete: %v", err)
	}
	// Completion is idempotent.
	if err := engine.Complete(id); err != nil {
		t.Fatalf("second complete: %v", err)
	}
	// A completed lock can never be reclaimed, regardless of the clock.
	*now += 10 * int64(DefaultGracePeriod/time.Second)
	if err := engine.Reclaim(id, sender); !errors.Is(err, ErrLockClosed) {
		t.Fatalf("expected ErrLockClosed after completion, got %v", err)
	}
	lock, err := engine.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if lock.Status != LockCompleted {
		t.Fatalf("expected completed status, got %d", lock.Status)
	}
}

func TestReclaimUnknownLock(t *testing.T) {
	engine, _, _ := newTestBridge(t)
	if err := engine.Reclaim([32]byte{0xFF}, testAddr(0x10)); !errors.Is(err, ErrLockNotFound) {
		t.Fatalf("expected ErrLockNotFound, got %v", err)
	}
}
