package router

import (
	"encoding/binary"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// IDGenerator mints globally unique message identifiers. The id hashes the
// sender, message type, a coarse timestamp, and a monotonic per-sender-and-type
// counter, so two requests from the same sender in the same instant still
// produce distinct ids. Uniqueness holds by construction, not by hashing alone.
type IDGenerator struct {
	mu       sync.Mutex
	counters map[idKey]uint64
	nowFn    func() int64
}

type idKey struct {
	sender [20]byte
	typ    MessageType
}

// NewIDGenerator returns a generator using the supplied time source, or the
// wall clock when nil.
func NewIDGenerator(now func() int64) *IDGenerator {
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	return &IDGenerator{counters: make(map[idKey]uint64), nowFn: now}
}

// Next returns a fresh message id for the sender and type.
func (g *IDGenerator) Next(sender [20]byte, typ MessageType) [32]byte {
	g.mu.Lock()
	key := idKey{sender: sender, typ: typ}
	g.counters[key]++
	counter := g.counters[key]
	g.mu.Unlock()

	var meta [17]byte
	meta[0] = byte(typ)
	binary.BigEndian.PutUint64(meta[1:9], uint64(g.nowFn()))
	binary.BigEndian.PutUint64(meta[9:17], counter)
	return [32]byte(ethcrypto.Keccak256Hash(sender[:], meta[:]))
}
