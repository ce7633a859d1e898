package router

import (
	"encoding/hex"
	"fmt"
	"sync"

	"soundchain/storage"
)

var outboxPrefix = []byte("router/outbox/")

func outboxKey(targetChain uint64, id [32]byte) []byte {
	return []byte(fmt.Sprintf("%s%d/%s", outboxPrefix, targetChain, hex.EncodeToString(id[:])))
}

// Outbox is a Transport that persists outbound envelopes for an external
// relayer to pick up. Sending the same envelope twice overwrites the previous
// copy, so retries are harmless.
type Outbox struct {
	mu sync.Mutex
	db storage.Database
}

// NewOutbox wraps the database in a persistent transport.
func NewOutbox(db storage.Database) *Outbox {
	return &Outbox{db: db}
}

// Send stores the envelope keyed by target chain and message id.
func (o *Outbox) Send(targetChain uint64, connector [20]byte, env *Envelope) error {
	encoded, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.db.Put(outboxKey(targetChain, env.MessageID), encoded)
}

// Take removes and returns a stored envelope, or ErrNotFound when the relayer
// already collected it.
func (o *Outbox) Take(targetChain uint64, id [32]byte) (*Envelope, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	key := outboxKey(targetChain, id)
	raw, err := o.db.Get(key)
	if err != nil {
		if err == storage.ErrKeyNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	env, err := DecodeEnvelope(raw)
	if err != nil {
		return nil, err
	}
	if err := o.db.Delete(key); err != nil {
		return nil, err
	}
	return env, nil
}
