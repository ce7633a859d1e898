package router

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"soundchain/storage"
)

var (
	// ErrAlreadyExists is returned when creating a record under an id that is
	// already occupied.
	ErrAlreadyExists = errors.New("router: message already exists")
	// ErrNotFound is returned when no record exists for the id.
	ErrNotFound = errors.New("router: message not found")
	// ErrAlreadyExecuted signals a double-execution attempt. This is a logic
	// error in the caller, not a transient condition.
	ErrAlreadyExecuted = errors.New("router: message already executed")
	// ErrExecutionInFlight is returned when a second goroutine tries to
	// execute a message whose handler is still running.
	ErrExecutionInFlight = errors.New("router: message execution in flight")
)

var messageRecordPrefix = []byte("router/message/")

func messageKey(id [32]byte) []byte {
	buf := make([]byte, len(messageRecordPrefix)+len(id))
	copy(buf, messageRecordPrefix)
	copy(buf[len(messageRecordPrefix):], id[:])
	return buf
}

// storedMessage mirrors PendingMessage with RLP-friendly field types.
type storedMessage struct {
	ID          [32]byte
	Type        uint8
	OriginChain uint64
	TargetChain uint64
	Sender      [20]byte
	Recipient   [20]byte
	Amount      *big.Int
	Asset       string
	Payload     []byte
	CreatedAt   uint64
	Status      uint8
	Executed    bool
}

func toStored(m *PendingMessage) *storedMessage {
	amount := big.NewInt(0)
	if m.Amount != nil {
		amount = new(big.Int).Set(m.Amount)
	}
	return &storedMessage{
		ID:          m.ID,
		Type:        uint8(m.Type),
		OriginChain: m.OriginChain,
		TargetChain: m.TargetChain,
		Sender:      m.Sender,
		Recipient:   m.Recipient,
		Amount:      amount,
		Asset:       m.Asset,
		Payload:     append([]byte(nil), m.Payload...),
		CreatedAt:   uint64(m.CreatedAt),
		Status:      uint8(m.Status),
		Executed:    m.Executed,
	}
}

func fromStored(s *storedMessage) *PendingMessage {
	amount := big.NewInt(0)
	if s.Amount != nil {
		amount = new(big.Int).Set(s.Amount)
	}
	return &PendingMessage{
		ID:          s.ID,
		Type:        MessageType(s.Type),
		OriginChain: s.OriginChain,
		TargetChain: s.TargetChain,
		Sender:      s.Sender,
		Recipient:   s.Recipient,
		Amount:      amount,
		Asset:       s.Asset,
		Payload:     append([]byte(nil), s.Payload...),
		CreatedAt:   int64(s.CreatedAt),
		Status:      MessageStatus(s.Status),
		Executed:    s.Executed,
	}
}

// MessageStore is the idempotency record keeper shared by hub and spoke. It is
// the sole lock-protected resource in the router: inbound messages may be
// handled concurrently as long as every executed-flag mutation funnels through
// the store. Records are retained indefinitely and never deleted.
type MessageStore struct {
	mu       sync.Mutex
	db       storage.Database
	inFlight map[[32]byte]struct{}
}

// NewMessageStore wraps the supplied database with message-record semantics.
func NewMessageStore(db storage.Database) *MessageStore {
	return &MessageStore{db: db, inFlight: make(map[[32]byte]struct{})}
}

// Create persists a new message record. It fails with ErrAlreadyExists when
// the id is occupied, which callers rely on for replay rejection.
func (s *MessageStore) Create(msg *PendingMessage) error {
	if msg == nil {
		return fmt.Errorf("router: nil message")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := messageKey(msg.ID)
	exists, err := s.db.Has(key)
	if err != nil {
		return err
	}
	if exists {
		return ErrAlreadyExists
	}
	return s.writeLocked(msg)
}

// Get returns a copy of the stored record or ErrNotFound.
func (s *MessageStore) Get(id [32]byte) (*PendingMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(id)
}

// MarkDispatched advances a created record to the dispatched status after the
// transport accepted the outbound envelope.
func (s *MessageStore) MarkDispatched(id [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, err := s.readLocked(id)
	if err != nil {
		return err
	}
	if msg.Executed {
		return ErrAlreadyExecuted
	}
	msg.Status = StatusDispatched
	return s.writeLocked(msg)
}

// BeginExecution claims the record for execution. It rejects messages that
// already executed and messages whose handler is still running, so a handler
// can never be entered twice for the same id. Every successful claim must be
// paired with FinishExecution.
func (s *MessageStore) BeginExecution(id [32]byte) (*PendingMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, err := s.readLocked(id)
	if err != nil {
		return nil, err
	}
	if msg.Executed {
		return nil, ErrAlreadyExecuted
	}
	if _, busy := s.inFlight[id]; busy {
		return nil, ErrExecutionInFlight
	}
	s.inFlight[id] = struct{}{}
	return msg, nil
}

// FinishExecution releases the execution claim. When the handler succeeded the
// executed flag is set before the claim is released, closing the idempotency
// window; on failure the record stays unexecuted so a retry can re-attempt.
func (s *MessageStore) FinishExecution(id [32]byte, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[id]; !busy {
		return fmt.Errorf("router: finish without matching begin for %x", id)
	}
	delete(s.inFlight, id)
	if !success {
		return nil
	}
	msg, err := s.readLocked(id)
	if err != nil {
		return err
	}
	msg.Executed = true
	msg.Status = StatusExecuted
	return s.writeLocked(msg)
}

func (s *MessageStore) readLocked(id [32]byte) (*PendingMessage, error) {
	raw, err := s.db.Get(messageKey(id))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	stored := new(storedMessage)
	if err := rlp.Decode(bytes.NewReader(raw), stored); err != nil {
		return nil, fmt.Errorf("router: decode message record: %w", err)
	}
	return fromStored(stored), nil
}

func (s *MessageStore) writeLocked(msg *PendingMessage) error {
	encoded, err := rlp.EncodeToBytes(toStored(msg))
	if err != nil {
		return fmt.Errorf("router: encode message record: %w", err)
	}
	return s.db.Put(messageKey(msg.ID), encoded)
}
