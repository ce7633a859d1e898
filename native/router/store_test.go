package router

import (
	"errors"
	"math/big"
	"testing"

	"soundchain/storage"
)

func testMessage(id byte) *PendingMessage {
	var msgID [32]byte
	msgID[0] = id
	var sender, recipient [20]byte
	sender[0], recipient[0] = 1, 2
	return &PendingMessage{
		ID:          msgID,
		Type:        MessagePurchase,
		OriginChain: 7,
		TargetChain: 1,
		Sender:      sender,
		Recipient:   recipient,
		Amount:      big.NewInt(500),
		Asset:       "USDC",
		Payload:     []byte{0xde, 0xad},
		CreatedAt:   1_700_000_000,
		Status:      StatusCreated,
	}
}

func TestMessageStoreCreateRejectsDuplicates(t *testing.T) {
	store := NewMessageStore(storage.NewMemDB())
	msg := testMessage(1)
	if err := store.Create(msg); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(msg); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	got, err := store.Get(msg.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Amount.Cmp(msg.Amount) != 0 || got.Asset != msg.Asset || got.Status != StatusCreated {
		t.Fatalf("record mismatch: %+v", got)
	}
}

func TestMessageStoreGetMissing(t *testing.T) {
	store := NewMessageStore(storage.NewMemDB())
	var id [32]byte
	if _, err := store.Get(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMessageStoreExecutedExactlyOnce(t *testing.T) {
	store := NewMessageStore(storage.NewMemDB())
	msg := testMessage(2)
	if err := store.Create(msg); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.MarkDispatched(msg.ID); err != nil {
		t.Fatalf("mark dispatched: %v", err)
	}

	claimed, err := store.BeginExecution(msg.ID)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if claimed.Executed {
		t.Fatal("claimed message must not be executed yet")
	}
	// A concurrent claim on the same id must be refused while the first
	// handler runs.
	if _, err := store.BeginExecution(msg.ID); !errors.Is(err, ErrExecutionInFlight) {
		t.Fatalf("expected ErrExecutionInFlight, got %v", err)
	}
	if err := store.FinishExecution(msg.ID, true); err != nil {
		t.Fatalf("finish: %v", err)
	}

	got, err := store.Get(msg.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Executed || got.Status != StatusExecuted {
		t.Fatalf("expected executed record, got %+v", got)
	}
	if _, err := store.BeginExecution(msg.ID); !errors.Is(err, ErrAlreadyExecuted) {
		t.Fatalf("expected ErrAlreadyExecuted, got %v", err)
	}
}

func TestMessageStoreFailureLeavesRetryable(t *testing.T) {
	store := NewMessageStore(storage.NewMemDB())
	msg := testMessage(3)
	if err := store.Create(msg); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.BeginExecution(msg.ID); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := store.FinishExecution(msg.ID, false); err != nil {
		t.Fatalf("finish with failure: %v", err)
	}
	got, err := store.Get(msg.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Executed {
		t.Fatal("failed execution must not mark the record executed")
	}
	if _, err := store.BeginExecution(msg.ID); err != nil {
		t.Fatalf("retry begin: %v", err)
	}
	if err := store.FinishExecution(msg.ID, true); err != nil {
		t.Fatalf("retry finish: %v", err)
	}
}

func TestMessageStoreFinishWithoutBegin(t *testing.T) {
	store := NewMessageStore(storage.NewMemDB())
	msg := testMessage(4)
	if err := store.Create(msg); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.FinishExecution(msg.ID, true); err == nil {
		t.Fatal("expected error for finish without matching begin")
	}
}
