package scid

import (
	"errors"
	"math/big"
	"testing"

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

func newTestRegistry(t *testing.T) (*Engine, *mockState) {
	t.Helper()
	engine := NewEngine(storage.NewMemDB(), "sol")
	state := newMockState()
	engine.SetState(state)
	engine.SetNowFunc(func() int64 { return 1_700_000_000 })
	engine.SetAuthority(testAddr(0xAD))
	engine.SetFeeCollector(testAddr(0xFC))
	return engine, state
}

func TestParseIdentifier(t *testing.T) {
	artist, year, seq, err := ParseIdentifier("SC-SOL-7B3A-2500001", "SOL")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if artist != "7B3A" || year != 25 || seq != 1 {
		t.Fatalf("unexpected components: %s %d %d", artist, year, seq)
	}
	for _, bad := range []string{
		"SC-ETH-7B3A-2500001", // wrong chain tag
		"SC-SOL-7B3A",         // missing year/sequence
		"SC-SOL-7B3A-25001",   // short year/sequence block
		"SC-SOL-7B3A-25XX001", // non-numeric
		"XX-SOL-7B3A-2500001", // wrong scheme
		"SC-SOL",              // too short
	} {
		if _, _, _, err := ParseIdentifier(bad, "SOL"); err == nil {
			t.Fatalf("expected rejection of %q", bad)
		}
	}
}

func TestRegisterCollectsFee(t *testing.T) {
	engine, state := newTestRegistry(t)
	if err := engine.SetFee(testAddr(0xAD), "usdc", big.NewInt(100)); err != nil {
		t.Fatalf("set fee: %v", err)
	}
	owner := testAddr(0x10)
	state.fund(owner, "USDC", 100)

	record, err := engine.Register(owner, "SC-SOL-7B3A-2500001", "ipfs://meta", 42)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !record.Active || record.Owner != owner || record.TokenID != 42 {
		t.Fatalf("unexpected record: %+v", record)
	}
	if got := state.balance(testAddr(0xFC), "USDC"); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected fee 100 with collector, got %s", got)
	}
	if got := state.balance(owner, "USDC"); got.Sign() != 0 {
		t.Fatalf("expected owner debited, got %s", got)
	}
	if engine.TotalRegistrations() != 1 {
		t.Fatalf("expected one registration, got %d", engine.TotalRegistrations())
	}

	// Identical re-submission is idempotent and free.
	if _, err := engine.Register(owner, "SC-SOL-7B3A-2500001", "ipfs://meta", 42); err != nil {
		t.Fatalf("idempotent re-register: %v", err)
	}
	if engine.TotalRegistrations() != 1 {
		t.Fatalf("re-registration must not count twice, got %d", engine.TotalRegistrations())
	}
	// A conflicting claim on the same identifier is rejected.
	if _, err := engine.Register(testAddr(0x99), "SC-SOL-7B3A-2500001", "ipfs://other", 43); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestRegisterInsufficientFee(t *testing.T) {
	engine, state := newTestRegistry(t)
	if err := engine.SetFee(testAddr(0xAD), "USDC", big.NewInt(100)); err != nil {
		t.Fatalf("set fee: %v", err)
	}
	owner := testAddr(0x10)
	state.fund(owner, "USDC", 99)
	if _, err := engine.Register(owner, "SC-SOL-7B3A-2500001", "ipfs://meta", 42); err == nil {
		t.Fatal("expected insufficient-balance rejection")
	}
}

func TestTransferAndRevoke(t *testing.T) {
	engine, _ := newTestRegistry(t)
	owner := testAddr(0x10)
	next := testAddr(0x11)
	if _, err := engine.Register(owner, "SC-SOL-7B3A-2500001", "ipfs://meta", 42); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := engine.Transfer(testAddr(0x99), "SC-SOL-7B3A-2500001", next); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := engine.Transfer(owner, "SC-SOL-7B3A-2500001", next); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	record, err := engine.Get("SC-SOL-7B3A-2500001")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record.Owner != next {
		t.Fatalf("expected new owner, got %x", record.Owner)
	}

	// The old owner cannot revoke; the authority can.
	if err := engine.Revoke(owner, "SC-SOL-7B3A-2500001"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := engine.Revoke(testAddr(0xAD), "SC-SOL-7B3A-2500001"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := engine.Transfer(next, "SC-SOL-7B3A-2500001", owner); !errors.Is(err, ErrInactive) {
		t.Fatalf("expected ErrInactive after revoke, got %v", err)
	}
	// Revoking again is a no-op.
	if err := engine.Revoke(testAddr(0xAD), "SC-SOL-7B3A-2500001"); err != nil {
		t.Fatalf("second revoke: %v", err)
	}
}

func TestVerifyCrossChain(t *testing.T) {
	engine, _ := newTestRegistry(t)
	owner := testAddr(0x10)
	if _, err := engine.Register(owner, "SC-SOL-7B3A-2500001", "ipfs://meta", 42); err != nil {
		t.Fatalf("register: %v", err)
	}
	var tx [32]byte
	tx[0] = 0xBE
	if err := engine.VerifyCrossChain("SC-SOL-7B3A-2500001", 7, tx); err != nil {
		t.Fatalf("verify: %v", err)
	}
	record, err := engine.Get("SC-SOL-7B3A-2500001")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !record.CrossChainVerified || record.SourceChain != 7 || record.SourceTxHash != tx {
		t.Fatalf("unexpected verification state: %+v", record)
	}
	if err := engine.VerifyCrossChain("SC-SOL-9999-2500002", 7, tx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPausedRegistry(t *testing.T) {
	engine, _ := newTestRegistry(t)
	if err := engine.SetPaused(testAddr(0x99), true); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := engine.SetPaused(testAddr(0xAD), true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := engine.Register(testAddr(0x10), "SC-SOL-7B3A-2500001", "ipfs://meta", 42); !errors.Is(err, ErrPaused) {
		t.Fatalf("expected ErrPaused, got %v", err)
	}
}
