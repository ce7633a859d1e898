package bridge

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rlp"

	"soundchain/core/events"
	"soundchain/core/types"
	"soundchain/native/router"
	"soundchain/storage"
)

// DefaultGracePeriod is how long a lock waits for a completion message before
// the original sender may unilaterally reclaim the escrowed value.
const DefaultGracePeriod = 24 * time.Hour

var (
	errNilState = errors.New("bridge engine: state not configured")

	// ErrLockNotFound is returned when no lock exists for the id.
	ErrLockNotFound = errors.New("bridge engine: lock not found")
	// ErrLockExists is returned when a lock id is already occupied.
	ErrLockExists = errors.New("bridge engine: lock already exists")
	// ErrNotReclaimable is returned when a reclaim is attempted before the
	// grace period elapsed or by anyone but the original sender.
	ErrNotReclaimable = errors.New("bridge engine: lock not reclaimable")
	// ErrLockClosed is returned when the lock already completed or was
	// reclaimed. Closed locks never reopen.
	ErrLockClosed = errors.New("bridge engine: lock already closed")
)

// LockStatus is the lifecycle state of a bridge lock.
type LockStatus uint8

const (
	LockPending LockStatus = iota
	LockCompleted
	LockReclaimed
)

// Lock records value escrowed on this ledger pending completion of the remote
// leg. A lock closes exactly once, either by completion or by reclaim.
type Lock struct {
	ID          [32]byte
	Sender      [20]byte
	Recipient   [20]byte
	TargetChain uint64
	Asset       string
	Amount      *big.Int
	CreatedAt   int64
	Deadline    int64
	Status      LockStatus
}

// Clone returns a deep copy of the lock.
func (l *Lock) Clone() *Lock {
	if l == nil {
		return nil
	}
	clone := *l
	if l.Amount != nil {
		clone.Amount = new(big.Int).Set(l.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}

var lockRecordPrefix = []byte("bridge/lock/")

func lockKey(id [32]byte) []byte {
	buf := make([]byte, len(lockRecordPrefix)+len(id))
	copy(buf, lockRecordPrefix)
	copy(buf[len(lockRecordPrefix):], id[:])
	return buf
}

type storedLock struct {
	ID          [32]byte
	Sender      [20]byte
	Recipient   [20]byte
	TargetChain uint64
	Asset       string
	Amount      *big.Int
	CreatedAt   uint64
	Deadline    uint64
	Status      uint8
}

type engineState interface {
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

// Engine manages bridge-style escrow locks. Value is assumed to already sit in
// the configured vault when a lock is created (the hub credits escrow at
// receive time); the engine's job is the grace-period bookkeeping and the
// exactly-once reclaim.
type Engine struct {
	mu      sync.Mutex
	db      storage.Database
	state   engineState
	emitter events.Emitter
	vault   [20]byte
	grace   time.Duration
	nowFn   func() int64
}

// NewEngine creates a bridge engine persisting locks in the supplied database.
func NewEngine(db storage.Database) *Engine {
	return &Engine{
		db:      db,
		emitter: events.NoopEmitter{},
		grace:   DefaultGracePeriod,
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the account state backend used for reclaims.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetVault configures the escrow address the reclaim pays out of.
func (e *Engine) SetVault(addr [20]byte) { e.vault = addr }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetGracePeriod overrides the reclaim grace period.
func (e *Engine) SetGracePeriod(grace time.Duration) {
	if grace <= 0 {
		e.grace = DefaultGracePeriod
		return
	}
	e.grace = grace
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// Lock records a new escrow lock under the message id. The deadline after
// which the sender may reclaim is creation time plus the grace period.
func (e *Engine) Lock(id [32]byte, sender, recipient [20]byte, targetChain uint64, asset string, amount *big.Int) (*Lock, error) {
	amt := big.NewInt(0)
	if amount != nil {
		amt = new(big.Int).Set(amount)
	}
	if amt.Sign() <= 0 {
		return nil, fmt.Errorf("bridge engine: amount must be positive")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	exists, err := e.db.Has(lockKey(id))
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrLockExists
	}
	now := e.nowFn()
	lock := &Lock{
		ID:          id,
		Sender:      sender,
		Recipient:   recipient,
		TargetChain: targetChain,
		Asset:       types.NormalizeAsset(asset),
		Amount:      amt,
		CreatedAt:   now,
		Deadline:    now + int64(e.grace/time.Second),
		Status:      LockPending,
	}
	if err := e.writeLocked(lock); err != nil {
		return nil, err
	}
	e.emit(NewLockedEvent(lock))
	return lock.Clone(), nil
}

// Get returns the lock record or ErrLockNotFound.
func (e *Engine) Get(id [32]byte) (*Lock, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.readLocked(id)
}

// Complete closes a pending lock after the remote leg confirmed. The escrowed
// value leaves this ledger with the completion, so only the status changes
// here. Completing a closed lock is a no-op for the completed status and an
// error otherwise.
func (e *Engine) Complete(id [32]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, err := e.readLocked(id)
	if err != nil {
		return err
	}
	if lock.Status == LockCompleted {
		return nil
	}
	if lock.Status != LockPending {
		return ErrLockClosed
	}
	lock.Status = LockCompleted
	if err := e.writeLocked(lock); err != nil {
		return err
	}
	e.emit(NewCompletedEvent(lock))
	return nil
}

// Reclaim returns escrowed value to the original sender once the grace period
// elapsed with no completion recorded. It succeeds exactly once; any further
// attempt fails with ErrLockClosed.
func (e *Engine) Reclaim(id [32]byte, caller [20]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, err := e.readLocked(id)
	if err != nil {
		return err
	}
	if lock.Status != LockPending {
		return ErrLockClosed
	}
	if caller != lock.Sender {
		return ErrNotReclaimable
	}
	if e.nowFn() < lock.Deadline {
		return ErrNotReclaimable
	}
	if err := e.transfer(e.vault, lock.Sender, lock.Asset, lock.Amount); err != nil {
		return err
	}
	lock.Status = LockReclaimed
	if err := e.writeLocked(lock); err != nil {
		return err
	}
	e.emit(NewReclaimedEvent(lock))
	return nil
}

func (e *Engine) transfer(from, to [20]byte, asset string, amount *big.Int) error {
	if e.state == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() == 0 {
		return nil
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
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("bridge engine: insufficient escrow balance")
	}
	fromAcc.SetBalance(asset, new(big.Int).Sub(balance, amount))
	toAcc.SetBalance(asset, new(big.Int).Add(toAcc.Balance(asset), amount))
	if err := e.state.PutAccount(from[:], fromAcc); err != nil {
		return err
	}
	return e.state.PutAccount(to[:], toAcc)
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(bridgeEvent{evt: event})
}

func (e *Engine) readLocked(id [32]byte) (*Lock, error) {
	raw, err := e.db.Get(lockKey(id))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, ErrLockNotFound
	}
	if err != nil {
		return nil, err
	}
	stored := new(storedLock)
	if err := rlp.Decode(bytes.NewReader(raw), stored); err != nil {
		return nil, fmt.Errorf("bridge engine: decode lock record: %w", err)
	}
	amount := big.NewInt(0)
	if stored.Amount != nil {
		amount = new(big.Int).Set(stored.Amount)
	}
	return &Lock{
		ID:          stored.ID,
		Sender:      stored.Sender,
		Recipient:   stored.Recipient,
		TargetChain: stored.TargetChain,
		Asset:       stored.Asset,
		Amount:      amount,
		CreatedAt:   int64(stored.CreatedAt),
		Deadline:    int64(stored.Deadline),
		Status:      LockStatus(stored.Status),
	}, nil
}

func (e *Engine) writeLocked(lock *Lock) error {
	amount := big.NewInt(0)
	if lock.Amount != nil {
		amount = new(big.Int).Set(lock.Amount)
	}
	encoded, err := rlp.EncodeToBytes(&storedLock{
		ID:          lock.ID,
		Sender:      lock.Sender,
		Recipient:   lock.Recipient,
		TargetChain: lock.TargetChain,
		Asset:       lock.Asset,
		Amount:      amount,
		CreatedAt:   uint64(lock.CreatedAt),
		Deadline:    uint64(lock.Deadline),
		Status:      uint8(lock.Status),
	})
	if err != nil {
		return fmt.Errorf("bridge engine: encode lock record: %w", err)
	}
	return e.db.Put(lockKey(lock.ID), encoded)
}

// NewLockHandler adapts the engine into the hub's handler for bridge-asset
// messages: the inbound value is already escrowed, so the handler only records
// the lock.
func NewLockHandler(e *Engine) router.Handler {
	return router.HandlerFunc(func(msg *router.PendingMessage) error {
		payload, err := router.DecodeBridgePayload(msg.Payload)
		if err != nil {
			return err
		}
		_, err = e.Lock(msg.ID, msg.Sender, payload.Recipient, payload.TargetChain, msg.Asset, msg.Amount)
		if errors.Is(err, ErrLockExists) {
			// Handler retry after a partial failure: the lock is in place.
			return nil
		}
		return err
	})
}
