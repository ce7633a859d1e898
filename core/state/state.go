package state

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"soundchain/core/types"
	"soundchain/storage"
)

var accountPrefix = []byte("account/")

func accountKey(addr []byte) []byte {
	buf := make([]byte, len(accountPrefix)+len(addr))
	copy(buf, accountPrefix)
	copy(buf[len(accountPrefix):], addr)
	return buf
}

type balanceEntry struct {
	Asset  string
	Amount *big.Int
}

type storedAccount struct {
	Nonce    uint64
	Balances []balanceEntry
}

// KV persists accounts in a key-value database. Unknown addresses read back as
// empty accounts rather than errors, matching what the engines expect.
type KV struct {
	mu sync.Mutex
	db storage.Database
}

// NewKV wraps the database in an account store.
func NewKV(db storage.Database) *KV {
	return &KV{db: db}
}

// GetAccount loads the account, returning a fresh empty account when the
// address was never written.
func (s *KV) GetAccount(addr []byte) (*types.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := s.db.Get(accountKey(addr))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return &types.Account{}, nil
	}
	if err != nil {
		return nil, err
	}
	stored := new(storedAccount)
	if err := rlp.Decode(bytes.NewReader(raw), stored); err != nil {
		return nil, fmt.Errorf("state: decode account: %w", err)
	}
	account := &types.Account{Nonce: stored.Nonce}
	for _, entry := range stored.Balances {
		account.SetBalance(entry.Asset, entry.Amount)
	}
	return account, nil
}

// PutAccount writes the account. Balances serialise in sorted asset order so
// encodings stay deterministic.
func (s *KV) PutAccount(addr []byte, account *types.Account) error {
	if account == nil {
		return fmt.Errorf("state: nil account")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	assets := make([]string, 0, len(account.Balances))
	for asset := range account.Balances {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	stored := &storedAccount{Nonce: account.Nonce, Balances: make([]balanceEntry, 0, len(assets))}
	for _, asset := range assets {
		amount := account.Balances[asset]
		if amount == nil || amount.Sign() == 0 {
			continue
		}
		stored.Balances = append(stored.Balances, balanceEntry{Asset: asset, Amount: new(big.Int).Set(amount)})
	}
	encoded, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return fmt.Errorf("state: encode account: %w", err)
	}
	return s.db.Put(accountKey(addr), encoded)
}
