package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// APIKey binds a gateway credential to the on-ledger principal it acts as.
type APIKey struct {
	Key     string `toml:"Key"`
	Secret  string `toml:"Secret"`
	Address string `toml:"Address"`
}

// GenesisBalance seeds the reference ledger at boot.
type GenesisBalance struct {
	Address string `toml:"Address"`
	Balance int64  `toml:"Balance"`
}

// Config captures runtime configuration for the marketplace service.
type Config struct {
	ListenAddress      string `toml:"ListenAddress"`
	DataDir            string `toml:"DataDir"`
	Env                string `toml:"Env"`
	AdminAddress       string `toml:"AdminAddress"`
	FeeRecipient       string `toml:"FeeRecipient"`
	PlatformFeeBps     uint32 `toml:"PlatformFeeBps"`
	RateLimitPerMinute float64 `toml:"RateLimitPerMinute"`
	RateLimitBurst     int    `toml:"RateLimitBurst"`

	APIKeys []APIKey         `toml:"APIKeys"`
	Genesis []GenesisBalance `toml:"Genesis"`
}

const defaultConfig = `ListenAddress = ":8080"
DataDir = "./market-data"
Env = "dev"
# AdminAddress must be a 40-char hex ledger address.
AdminAddress = ""
FeeRecipient = ""
PlatformFeeBps = 250
RateLimitPerMinute = 120.0
RateLimitBurst = 20
`

// Load reads the configuration from path, writing a commented default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func createDefault(path string) (*Config, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	if err := os.WriteFile(path, []byte(defaultConfig), 0o644); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("wrote default config to %s; fill in AdminAddress and API keys before starting", path)
}

// Validate checks required fields and address formats.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("config: ListenAddress is required")
	}
	if _, err := ParseAddress(c.AdminAddress); err != nil {
		return fmt.Errorf("config: AdminAddress: %w", err)
	}
	if strings.TrimSpace(c.FeeRecipient) != "" {
		if _, err := ParseAddress(c.FeeRecipient); err != nil {
			return fmt.Errorf("config: FeeRecipient: %w", err)
		}
	}
	seen := make(map[string]bool, len(c.APIKeys))
	for i, key := range c.APIKeys {
		if strings.TrimSpace(key.Key) == "" || strings.TrimSpace(key.Secret) == "" {
			return fmt.Errorf("config: APIKeys[%d] requires Key and Secret", i)
		}
		if seen[key.Key] {
			return fmt.Errorf("config: duplicate API key %q", key.Key)
		}
		seen[key.Key] = true
		if _, err := ParseAddress(key.Address); err != nil {
			return fmt.Errorf("config: APIKeys[%d].Address: %w", i, err)
		}
	}
	for i, g := range c.Genesis {
		if _, err := ParseAddress(g.Address); err != nil {
			return fmt.Errorf("config: Genesis[%d].Address: %w", i, err)
		}
		if g.Balance <= 0 {
			return fmt.Errorf("config: Genesis[%d].Balance must be positive", i)
		}
	}
	return nil
}

// ParseAddress decodes a 40-character hex ledger address, with or without a
// 0x prefix.
func ParseAddress(raw string) ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if len(trimmed) != 40 {
		return addr, fmt.Errorf("address must be 40 hex characters, got %q", raw)
	}
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return addr, fmt.Errorf("address %q is not valid hex: %w", raw, err)
	}
	copy(addr[:], decoded)
	if addr == ([20]byte{}) {
		return addr, fmt.Errorf("address must not be zero")
	}
	return addr, nil
}

// FormatAddress renders an address the way ParseAddress accepts it.
func FormatAddress(addr [20]byte) string {
	return hex.EncodeToString(addr[:])
}
