package scid

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rlp"

	"soundchain/core/events"
	"soundchain/core/types"
	"soundchain/native/router"
	"soundchain/storage"
)

var (
	errNilState = errors.New("scid engine: state not configured")

	// ErrPaused is returned while the registry is halted.
	ErrPaused = errors.New("scid engine: registry paused")
	// ErrNotFound is returned when no record exists for the identifier.
	ErrNotFound = errors.New("scid engine: identifier not found")
	// ErrExists is returned when the identifier is already registered.
	ErrExists = errors.New("scid engine: identifier already registered")
	// ErrInactive is returned when operating on a revoked identifier.
	ErrInactive = errors.New("scid engine: identifier inactive")
	// ErrNotOwner is returned when a caller lacks ownership of the record.
	ErrNotOwner = errors.New("scid engine: not the owner")
	// ErrUnauthorized is returned on administrative calls by non-authority
	// addresses.
	ErrUnauthorized = errors.New("scid engine: unauthorized caller")
)

// Record is one registered identifier. Identifiers follow the format
// SC-<CHAIN>-<HASH4>-<YY><SEQ5>, e.g. SC-SOL-7B3A-2500001.
type Record struct {
	Identifier   string
	Owner        [20]byte
	TokenID      uint64
	MetadataHash string
	ArtistHash   string
	Year         uint16
	Sequence     uint32
	RegisteredAt int64
	Active       bool

	CrossChainVerified bool
	SourceChain        uint64
	SourceTxHash       [32]byte
}

// Clone returns a copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	return &clone
}

// ParseIdentifier validates the identifier against the expected chain tag and
// extracts the artist hash, year, and sequence components.
func ParseIdentifier(identifier, chainTag string) (artistHash string, year uint16, sequence uint32, err error) {
	trimmed := strings.TrimSpace(identifier)
	if len(trimmed) < 15 || len(trimmed) > 25 {
		return "", 0, 0, fmt.Errorf("scid engine: identifier length %d out of range", len(trimmed))
	}
	prefix := "SC-" + strings.ToUpper(strings.TrimSpace(chainTag)) + "-"
	if !strings.HasPrefix(trimmed, prefix) {
		return "", 0, 0, fmt.Errorf("scid engine: identifier must start with %s", prefix)
	}
	parts := strings.Split(trimmed, "-")
	if len(parts) != 4 {
		return "", 0, 0, fmt.Errorf("scid engine: malformed identifier %s", trimmed)
	}
	artistHash = parts[2]
	yearSeq := parts[3]
	if len(yearSeq) != 7 {
		return "", 0, 0, fmt.Errorf("scid engine: malformed year/sequence %s", yearSeq)
	}
	y, err := strconv.ParseUint(yearSeq[:2], 10, 16)
	if err != nil {
		return "", 0, 0, fmt.Errorf("scid engine: invalid year in %s", yearSeq)
	}
	s, err := strconv.ParseUint(yearSeq[2:], 10, 32)
	if err != nil {
		return "", 0, 0, fmt.Errorf("scid engine: invalid sequence in %s", yearSeq)
	}
	return artistHash, uint16(y), uint32(s), nil
}

var recordPrefix = []byte("scid/record/")

func recordKey(identifier string) []byte {
	trimmed := strings.TrimSpace(identifier)
	buf := make([]byte, len(recordPrefix)+len(trimmed))
	copy(buf, recordPrefix)
	copy(buf[len(recordPrefix):], trimmed)
	return buf
}

type storedRecord struct {
	Identifier         string
	Owner              [20]byte
	TokenID            uint64
	MetadataHash       string
	ArtistHash         string
	Year               uint16
	Sequence           uint32
	RegisteredAt       uint64
	Active             bool
	CrossChainVerified bool
	SourceChain        uint64
	SourceTxHash       [32]byte
}

type engineState interface {
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

// Engine is the identifier registry. Registration collects a flat fee in the
// configured asset; records persist forever, with revocation flipping the
// active flag rather than deleting.
type Engine struct {
	mu      sync.Mutex
	db      storage.Database
	state   engineState
	emitter events.Emitter
	nowFn   func() int64

	chainTag     string
	authority    [20]byte
	feeCollector [20]byte
	feeAsset     string
	fee          *big.Int
	paused       bool
	total        uint64
}

// NewEngine creates an identifier registry for the given chain tag.
func NewEngine(db storage.Database, chainTag string) *Engine {
	return &Engine{
		db:       db,
		emitter:  events.NoopEmitter{},
		nowFn:    func() int64 { return time.Now().Unix() },
		chainTag: strings.ToUpper(strings.TrimSpace(chainTag)),
		fee:      big.NewInt(0),
	}
}

// SetState configures the account state backend used for fee collection.
func (e *Engine) SetState(state engineState) { e.state = state }

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

// SetAuthority configures the administrative key.
func (e *Engine) SetAuthority(addr [20]byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.authority = addr
}

// SetFeeCollector configures where registration fees land.
func (e *Engine) SetFeeCollector(addr [20]byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.feeCollector = addr
}

// SetFee updates the registration fee. Only the authority may call it.
func (e *Engine) SetFee(caller [20]byte, asset string, fee *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if caller != e.authority {
		return ErrUnauthorized
	}
	e.feeAsset = types.NormalizeAsset(asset)
	if fee == nil {
		e.fee = big.NewInt(0)
		return nil
	}
	if fee.Sign() < 0 {
		return fmt.Errorf("scid engine: fee must be non-negative")
	}
	e.fee = new(big.Int).Set(fee)
	return nil
}

// SetPaused toggles the registry. Only the authority may call it.
func (e *Engine) SetPaused(caller [20]byte, paused bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if caller != e.authority {
		return ErrUnauthorized
	}
	e.paused = paused
	return nil
}

// TotalRegistrations reports how many identifiers were ever registered.
func (e *Engine) TotalRegistrations() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.total
}

// Register validates the identifier, collects the registration fee from the
// owner, and persists the record. Registration is idempotent for an identical
// re-submission by the same owner.
func (e *Engine) Register(owner [20]byte, identifier, metadataHash string, tokenID uint64) (*Record, error) {
	artistHash, year, sequence, err := ParseIdentifier(identifier, e.chainTag)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paused {
		return nil, ErrPaused
	}
	trimmed := strings.TrimSpace(identifier)
	existing, err := e.readLocked(trimmed)
	if err == nil {
		if existing.Owner == owner && existing.MetadataHash == metadataHash && existing.TokenID == tokenID {
			return existing, nil
		}
		return nil, ErrExists
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if e.fee.Sign() > 0 {
		if err := e.collectFee(owner); err != nil {
			return nil, err
		}
	}
	record := &Record{
		Identifier:   trimmed,
		Owner:        owner,
		TokenID:      tokenID,
		MetadataHash: strings.TrimSpace(metadataHash),
		ArtistHash:   artistHash,
		Year:         year,
		Sequence:     sequence,
		RegisteredAt: e.nowFn(),
		Active:       true,
	}
	if err := e.writeLocked(record); err != nil {
		return nil, err
	}
	e.total++
	e.emit(NewRegisteredEvent(record))
	return record.Clone(), nil
}

// Get returns the record or ErrNotFound.
func (e *Engine) Get(identifier string) (*Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.readLocked(strings.TrimSpace(identifier))
}

// Transfer hands ownership of an active identifier to a new owner.
func (e *Engine) Transfer(caller [20]byte, identifier string, newOwner [20]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	record, err := e.readLocked(strings.TrimSpace(identifier))
	if err != nil {
		return err
	}
	if !record.Active {
		return ErrInactive
	}
	if record.Owner != caller {
		return ErrNotOwner
	}
	previous := record.Owner
	record.Owner = newOwner
	if err := e.writeLocked(record); err != nil {
		return err
	}
	e.emit(NewTransferredEvent(record, previous))
	return nil
}

// Revoke deactivates an identifier. The owner or the authority may revoke.
func (e *Engine) Revoke(caller [20]byte, identifier string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	record, err := e.readLocked(strings.TrimSpace(identifier))
	if err != nil {
		return err
	}
	if caller != record.Owner && caller != e.authority {
		return ErrUnauthorized
	}
	if !record.Active {
		return nil
	}
	record.Active = false
	if err := e.writeLocked(record); err != nil {
		return err
	}
	e.emit(NewRevokedEvent(record, caller))
	return nil
}

// VerifyCrossChain marks the identifier as registered through a remote leg,
// recording where the registration originated.
func (e *Engine) VerifyCrossChain(identifier string, sourceChain uint64, sourceTxHash [32]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	record, err := e.readLocked(strings.TrimSpace(identifier))
	if err != nil {
		return err
	}
	if !record.Active {
		return ErrInactive
	}
	record.CrossChainVerified = true
	record.SourceChain = sourceChain
	record.SourceTxHash = sourceTxHash
	if err := e.writeLocked(record); err != nil {
		return err
	}
	e.emit(NewCrossChainVerifiedEvent(record))
	return nil
}

func (e *Engine) collectFee(owner [20]byte) error {
	if e.state == nil {
		return errNilState
	}
	ownerAcc, err := e.state.GetAccount(owner[:])
	if err != nil {
		return err
	}
	collectorAcc, err := e.state.GetAccount(e.feeCollector[:])
	if err != nil {
		return err
	}
	if ownerAcc == nil {
		ownerAcc = &types.Account{}
	}
	if collectorAcc == nil {
		collectorAcc = &types.Account{}
	}
	balance := ownerAcc.Balance(e.feeAsset)
	if balance.Cmp(e.fee) < 0 {
		return fmt.Errorf("scid engine: insufficient balance for registration fee")
	}
	ownerAcc.SetBalance(e.feeAsset, new(big.Int).Sub(balance, e.fee))
	collectorAcc.SetBalance(e.feeAsset, new(big.Int).Add(collectorAcc.Balance(e.feeAsset), e.fee))
	if err := e.state.PutAccount(owner[:], ownerAcc); err != nil {
		return err
	}
	return e.state.PutAccount(e.feeCollector[:], collectorAcc)
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(scidEvent{evt: event})
}

func (e *Engine) readLocked(identifier string) (*Record, error) {
	raw, err := e.db.Get(recordKey(identifier))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	stored := new(storedRecord)
	if err := rlp.Decode(bytes.NewReader(raw), stored); err != nil {
		return nil, fmt.Errorf("scid engine: decode record: %w", err)
	}
	return &Record{
		Identifier:         stored.Identifier,
		Owner:              stored.Owner,
		TokenID:            stored.TokenID,
		MetadataHash:       stored.MetadataHash,
		ArtistHash:         stored.ArtistHash,
		Year:               stored.Year,
		Sequence:           stored.Sequence,
		RegisteredAt:       int64(stored.RegisteredAt),
		Active:             stored.Active,
		CrossChainVerified: stored.CrossChainVerified,
		SourceChain:        stored.SourceChain,
		SourceTxHash:       stored.SourceTxHash,
	}, nil
}

func (e *Engine) writeLocked(record *Record) error {
	encoded, err := rlp.EncodeToBytes(&storedRecord{
		Identifier:         record.Identifier,
		Owner:              record.Owner,
		TokenID:            record.TokenID,
		MetadataHash:       record.MetadataHash,
		ArtistHash:         record.ArtistHash,
		Year:               record.Year,
		Sequence:           record.Sequence,
		RegisteredAt:       uint64(record.RegisteredAt),
		Active:             record.Active,
		CrossChainVerified: record.CrossChainVerified,
		SourceChain:        record.SourceChain,
		SourceTxHash:       record.SourceTxHash,
	})
	if err != nil {
		return fmt.Errorf("scid engine: encode record: %w", err)
	}
	return e.db.Put(recordKey(record.Identifier), encoded)
}

// NewRegisterHandler adapts the engine into the hub's handler for inbound
// identifier registrations. The registration fee was collected on the origin
// chain; the record is marked cross-chain verified against the source chain.
func NewRegisterHandler(e *Engine) router.Handler {
	return router.HandlerFunc(func(msg *router.PendingMessage) error {
		payload, err := router.DecodeIdentifierPayload(msg.Payload)
		if err != nil {
			return err
		}
		if _, err := e.Register(payload.Owner, payload.Identifier, payload.MetadataHash, payload.TokenID); err != nil {
			return err
		}
		return e.VerifyCrossChain(payload.Identifier, msg.OriginChain, msg.ID)
	})
}
