package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// ChainEntry describes one registered counterpart chain.
type ChainEntry struct {
	ChainID   uint64 `toml:"ChainID"`
	Name      string `toml:"Name"`
	Connector string `toml:"Connector"`
	GasAsset  string `toml:"GasAsset"`
	GasLimit  uint64 `toml:"GasLimit"`
	Enabled   bool   `toml:"Enabled"`
}

// FeeConfig carries the protocol fee policy.
type FeeConfig struct {
	PlatformFeeBps  uint32 `toml:"PlatformFeeBps"`
	FeeCapBps       uint32 `toml:"FeeCapBps"`
	ShareCeilingBps uint32 `toml:"ShareCeilingBps"`
	Collector       string `toml:"Collector"`
}

// AuthConfig carries the admin API authentication settings.
type AuthConfig struct {
	HMACSecret string `toml:"HMACSecret"`
	Issuer     string `toml:"Issuer"`
}

type Config struct {
	ListenAddress      string       `toml:"ListenAddress"`
	DataDir            string       `toml:"DataDir"`
	ChainID            uint64       `toml:"ChainID"`
	ChainTag           string       `toml:"ChainTag"`
	NetworkName        string       `toml:"NetworkName"`
	Environment        string       `toml:"Environment"`
	Authority          string       `toml:"Authority"`
	EscrowVault        string       `toml:"EscrowVault"`
	TransportEndpoint  string       `toml:"TransportEndpoint"`
	MinAmount          string       `toml:"MinAmount"`
	BridgeGraceSeconds int64        `toml:"BridgeGraceSeconds"`
	Fees               FeeConfig    `toml:"Fees"`
	Auth               AuthConfig   `toml:"Auth"`
	Chains             []ChainEntry `toml:"Chains"`
}

// Load reads the configuration from the given path, creating a commented
// default file when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8080"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./router-data"
	}
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "soundchain-local"
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "development"
	}
	if strings.TrimSpace(cfg.ChainTag) == "" {
		cfg.ChainTag = "HUB"
	}
	if cfg.Fees.FeeCapBps == 0 {
		cfg.Fees.FeeCapBps = 1000
	}
	if cfg.Fees.ShareCeilingBps == 0 {
		cfg.Fees.ShareCeilingBps = 9000
	}
	if cfg.BridgeGraceSeconds == 0 {
		cfg.BridgeGraceSeconds = 24 * 60 * 60
	}
	if cfg.Chains == nil {
		cfg.Chains = []ChainEntry{}
	}
}

// Validate rejects configurations the node cannot safely start with.
func (c *Config) Validate() error {
	if c.ChainID == 0 {
		return fmt.Errorf("config: ChainID must be non-zero")
	}
	if c.Fees.PlatformFeeBps > c.Fees.FeeCapBps {
		return fmt.Errorf("config: PlatformFeeBps %d exceeds FeeCapBps %d", c.Fees.PlatformFeeBps, c.Fees.FeeCapBps)
	}
	if c.Fees.ShareCeilingBps > 10_000 {
		return fmt.Errorf("config: ShareCeilingBps %d exceeds 10000", c.Fees.ShareCeilingBps)
	}
	if c.BridgeGraceSeconds < 0 {
		return fmt.Errorf("config: BridgeGraceSeconds must be non-negative")
	}
	if c.Fees.PlatformFeeBps > 0 {
		if _, err := ParseAddress(c.Fees.Collector); err != nil {
			return fmt.Errorf("config: Fees.Collector: %w", err)
		}
	}
	seen := make(map[uint64]struct{}, len(c.Chains))
	for _, entry := range c.Chains {
		if entry.ChainID == 0 {
			return fmt.Errorf("config: chain entry %q has zero ChainID", entry.Name)
		}
		if entry.ChainID == c.ChainID {
			return fmt.Errorf("config: chain entry %q reuses the local chain id", entry.Name)
		}
		if _, ok := seen[entry.ChainID]; ok {
			return fmt.Errorf("config: duplicate chain id %d", entry.ChainID)
		}
		seen[entry.ChainID] = struct{}{}
		if _, err := ParseAddress(entry.Connector); err != nil {
			return fmt.Errorf("config: chain %d connector: %w", entry.ChainID, err)
		}
	}
	return nil
}

// ParseAddress decodes a 20-byte hex address, with or without the 0x prefix.
func ParseAddress(value string) ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	if trimmed == "" {
		return addr, fmt.Errorf("empty address")
	}
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return addr, fmt.Errorf("invalid hex address %q", value)
	}
	if len(raw) != 20 {
		return addr, fmt.Errorf("address %q must be 20 bytes", value)
	}
	copy(addr[:], raw)
	return addr, nil
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{
		ListenAddress:      ":8080",
		DataDir:            "./router-data",
		ChainID:            1,
		ChainTag:           "HUB",
		NetworkName:        "soundchain-local",
		Environment:        "development",
		BridgeGraceSeconds: 24 * 60 * 60,
		Fees: FeeConfig{
			PlatformFeeBps:  0,
			FeeCapBps:       1000,
			ShareCeilingBps: 9000,
		},
		Chains: []ChainEntry{},
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return toml.NewEncoder(file).Encode(cfg)
}
