package state

import (
	"math/big"
	"testing"

	"soundchain/core/types"
	"soundchain/storage"
)

func TestKVAccountRoundTrip(t *testing.T) {
	kv := NewKV(storage.NewMemDB())
	addr := []byte{0x01, 0x02}

	account := &types.Account{Nonce: 7}
	account.SetBalance("usdc", big.NewInt(1_000))
	account.SetBalance("SOL", big.NewInt(42))
	if err := kv.PutAccount(addr, account); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := kv.GetAccount(addr)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Nonce != 7 {
		t.Fatalf("expected nonce 7, got %d", got.Nonce)
	}
	if got.Balance("USDC").Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("expected 1000 USDC, got %s", got.Balance("USDC"))
	}
	if got.Balance("sol").Cmp(big.NewInt(42)) != 0 {
		t.Fatalf("expected 42 SOL, got %s", got.Balance("sol"))
	}
}

func TestKVUnknownAddressReadsEmpty(t *testing.T) {
	kv := NewKV(storage.NewMemDB())
	got, err := kv.GetAccount([]byte{0xFF})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Nonce != 0 || got.Balance("USDC").Sign() != 0 {
		t.Fatalf("expected empty account, got %+v", got)
	}
}

func TestKVDropsZeroBalances(t *testing.T) {
	kv := NewKV(storage.NewMemDB())
	addr := []byte{0x03}
	account := &types.Account{}
	account.SetBalance("USDC", big.NewInt(100))
	account.SetBalance("DUST", big.NewInt(0))
	if err := kv.PutAccount(addr, account); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := kv.GetAccount(addr)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Balances) != 1 {
		t.Fatalf("expected zero balances dropped, got %d entries", len(got.Balances))
	}
	if err := kv.PutAccount(addr, nil); err == nil {
		t.Fatal("expected rejection of nil account")
	}
}
