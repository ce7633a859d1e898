package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrUnknownChain is returned when a lookup misses. Routing callers must
	// treat it as a fatal precondition failure, not a retryable error.
	ErrUnknownChain = errors.New("registry: unknown chain")
	// ErrChainDisabled is returned when a chain exists but routing to it has
	// been switched off. In-flight messages are unaffected.
	ErrChainDisabled = errors.New("registry: chain disabled")
)

// ChainConfig describes a known remote endpoint reachable through the
// transport. GasAsset names the asset used to fund execution on the remote
// ledger (the wrapped-native or ZRC-20 style representation).
type ChainConfig struct {
	ChainID   uint64
	Enabled   bool
	Connector [20]byte
	GasAsset  string
	GasLimit  uint64
	Name      string
}

// Clone returns a copy of the chain configuration.
func (c ChainConfig) Clone() ChainConfig {
	return c
}

// Registry is the administrable table of known remote chains. It is injected
// into the coordinator at construction and mutated only through its API.
type Registry struct {
	mu     sync.RWMutex
	chains map[uint64]ChainConfig
}

// NewRegistry returns an empty chain registry.
func NewRegistry() *Registry {
	return &Registry{chains: make(map[uint64]ChainConfig)}
}

// Register inserts or replaces the configuration for a chain. A zero chain id
// is reserved to mean "the local chain" in collaborator preferences and cannot
// be registered.
func (r *Registry) Register(cfg ChainConfig) error {
	if cfg.ChainID == 0 {
		return fmt.Errorf("registry: chain id zero is reserved")
	}
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("registry: chain %d requires a display name", cfg.ChainID)
	}
	if cfg.Connector == ([20]byte{}) {
		return fmt.Errorf("registry: chain %d requires a connector reference", cfg.ChainID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chains[cfg.ChainID] = cfg.Clone()
	return nil
}

// SetEnabled toggles routing to the chain. Disabling a chain does not
// retroactively invalidate in-flight messages.
func (r *Registry) SetEnabled(chainID uint64, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.chains[chainID]
	if !ok {
		return ErrUnknownChain
	}
	cfg.Enabled = enabled
	r.chains[chainID] = cfg
	return nil
}

// Get returns the configuration for the chain or ErrUnknownChain.
func (r *Registry) Get(chainID uint64) (ChainConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.chains[chainID]
	if !ok {
		return ChainConfig{}, ErrUnknownChain
	}
	return cfg.Clone(), nil
}

// RequireEnabled resolves the chain and rejects disabled entries. This is the
// gate every outbound routing decision passes through before any value moves.
func (r *Registry) RequireEnabled(chainID uint64) (ChainConfig, error) {
	cfg, err := r.Get(chainID)
	if err != nil {
		return ChainConfig{}, err
	}
	if !cfg.Enabled {
		return ChainConfig{}, ErrChainDisabled
	}
	return cfg, nil
}

// List returns all registered chains ordered by chain id.
func (r *Registry) List() []ChainConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ChainConfig, 0, len(r.chains))
	for _, cfg := range r.chains {
		out = append(out, cfg.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainID < out[j].ChainID })
	return out
}
