// Package config loads the escrowd service configuration.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"escrowlink/crypto"
)

const (
	LedgerModeRPC    = "rpc"
	LedgerModeMemory = "memory"

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for escrowd.
type Config struct {
	ListenAddress   string          `yaml:"listen"`
	Environment     string          `yaml:"env"`
	PlatformAddress string          `yaml:"platform_address"`
	FeeSchedulePath string          `yaml:"fee_schedule"`
	ClaimHash       ClaimHashConfig `yaml:"claim_hash"`
	Ledger          LedgerConfig    `yaml:"ledger"`
	Database        DatabaseConfig  `yaml:"database"`
	Assets          []AssetConfig   `yaml:"assets"`
	Logging         LoggingConfig   `yaml:"logging"`
	RequestTimeout  Duration        `yaml:"request_timeout"`
	Auth            AuthConfig      `yaml:"auth"`
	Dev             DevConfig       `yaml:"dev"`

	// Platform is PlatformAddress decoded by LoadConfig.
	Platform crypto.Address `yaml:"-"`
}

// ClaimHashConfig holds the pepper keying the claim-hash digest. Exactly one
// source is read.
type ClaimHashConfig struct {
	Pepper     string `yaml:"pepper"`
	PepperFile string `yaml:"pepper_file"`
	PepperEnv  string `yaml:"pepper_env"`

	// Key is the decoded pepper.
	Key []byte `yaml:"-"`
}

// LedgerConfig configures the ledger client and the submission policy.
type LedgerConfig struct {
	Mode           string   `yaml:"mode"`
	Endpoint       string   `yaml:"endpoint"`
	AuthToken      string   `yaml:"auth_token"`
	AuthTokenFile  string   `yaml:"auth_token_file"`
	AuthTokenEnv   string   `yaml:"auth_token_env"`
	Timeout        Duration `yaml:"timeout"`
	RatePerSecond  float64  `yaml:"rate_per_second"`
	Burst          int      `yaml:"burst"`
	MaxRounds      uint64   `yaml:"max_rounds"`
	RoundInterval  Duration `yaml:"round_interval"`
	MaxRetries     uint64   `yaml:"max_retries"`
	InitialBackoff Duration `yaml:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff"`
}

// DatabaseConfig selects the escrow record store.
type DatabaseConfig struct {
	Driver  string `yaml:"driver"`
	DSN     string `yaml:"dsn"`
	DSNFile string `yaml:"dsn_file"`
	DSNEnv  string `yaml:"dsn_env"`
}

// AssetConfig is one entry of the supported asset table.
type AssetConfig struct {
	ID       uint64 `yaml:"id"`
	Symbol   string `yaml:"symbol"`
	Decimals uint8  `yaml:"decimals"`
}

// AuthConfig enables JWT bearer authentication on the API. Authentication
// stays off when no secret source is configured.
type AuthConfig struct {
	JWTSecret     string   `yaml:"jwt_secret"`
	JWTSecretFile string   `yaml:"jwt_secret_file"`
	JWTSecretEnv  string   `yaml:"jwt_secret_env"`
	Issuer        string   `yaml:"issuer"`
	Audience      string   `yaml:"audience"`
	Leeway        Duration `yaml:"leeway"`
}

func (a *AuthConfig) normalise() error {
	secret, err := readSecret("jwt_secret", a.JWTSecret, a.JWTSecretFile, a.JWTSecretEnv)
	if err != nil {
		return err
	}
	if secret != "" && len(secret) < 32 {
		return fmt.Errorf("jwt_secret must be at least 32 bytes")
	}
	a.JWTSecret = secret
	return nil
}

// DevConfig seeds the in-memory ledger. The operator wallet is kept in an
// encrypted keystore so the same address survives restarts.
type DevConfig struct {
	Keystore      string `yaml:"keystore"`
	PassphraseEnv string `yaml:"passphrase_env"`
	Funding       uint64 `yaml:"funding"`
	AssetSymbol   string `yaml:"asset_symbol"`
	AssetDecimals uint8  `yaml:"asset_decimals"`
	AssetSupply   uint64 `yaml:"asset_supply"`
}

// LoggingConfig configures the JSON logger.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// LoadConfig reads configuration from path. In dev mode the ledger runs in
// memory, a missing file yields the defaults and an absent pepper falls back
// to a fixed development value.
func LoadConfig(path string, dev bool) (Config, error) {
	cfg := Config{}
	if strings.TrimSpace(path) != "" {
		file, err := os.Open(path)
		switch {
		case err == nil:
			defer file.Close()
			dec := yaml.NewDecoder(file)
			dec.KnownFields(true)
			if err := dec.Decode(&cfg); err != nil {
				return cfg, fmt.Errorf("decode config: %w", err)
			}
		case dev && os.IsNotExist(err):
		default:
			return cfg, fmt.Errorf("open config: %w", err)
		}
	}
	if dev {
		cfg.Ledger.Mode = LedgerModeMemory
	}
	applyDefaults(&cfg)
	if err := cfg.Ledger.normalise(); err != nil {
		return cfg, fmt.Errorf("ledger: %w", err)
	}
	if err := cfg.Database.normalise(); err != nil {
		return cfg, fmt.Errorf("database: %w", err)
	}
	if err := cfg.ClaimHash.normalise(dev); err != nil {
		return cfg, fmt.Errorf("claim_hash: %w", err)
	}
	if err := cfg.Auth.normalise(); err != nil {
		return cfg, fmt.Errorf("auth: %w", err)
	}
	if err := validateConfig(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.RequestTimeout.Duration == 0 {
		cfg.RequestTimeout.Duration = 60 * time.Second
	}
	l := &cfg.Ledger
	if l.Mode == "" {
		l.Mode = LedgerModeRPC
	}
	if l.Timeout.Duration == 0 {
		l.Timeout.Duration = 10 * time.Second
	}
	if l.RatePerSecond <= 0 {
		l.RatePerSecond = 20
	}
	if l.Burst <= 0 {
		l.Burst = 40
	}
	if l.MaxRounds == 0 {
		l.MaxRounds = 10
	}
	if l.RoundInterval.Duration == 0 {
		l.RoundInterval.Duration = 3 * time.Second
	}
	if l.MaxRetries == 0 {
		l.MaxRetries = 4
	}
	if l.InitialBackoff.Duration == 0 {
		l.InitialBackoff.Duration = 250 * time.Millisecond
	}
	if l.MaxBackoff.Duration == 0 {
		l.MaxBackoff.Duration = 5 * time.Second
	}
	d := &cfg.Dev
	if d.Keystore == "" {
		d.Keystore = "escrowd-dev.keystore.json"
	}
	if d.Funding == 0 {
		d.Funding = 100_000_000
	}
	if d.AssetSymbol == "" {
		d.AssetSymbol = "DEV"
		d.AssetDecimals = 6
	}
	if d.AssetSupply == 0 {
		d.AssetSupply = 1_000_000_000_000
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = DriverSQLite
	}
	if cfg.Database.Driver == DriverSQLite && cfg.Database.DSN == "" && cfg.Database.DSNFile == "" && cfg.Database.DSNEnv == "" {
		cfg.Database.DSN = "escrowd.db"
	}
}

func validateConfig(cfg *Config) error {
	switch cfg.Ledger.Mode {
	case LedgerModeRPC:
		if strings.TrimSpace(cfg.Ledger.Endpoint) == "" {
			return fmt.Errorf("ledger endpoint must be configured")
		}
	case LedgerModeMemory:
	default:
		return fmt.Errorf("unknown ledger mode %q", cfg.Ledger.Mode)
	}
	switch cfg.Database.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
	if strings.TrimSpace(cfg.PlatformAddress) == "" {
		if cfg.Ledger.Mode != LedgerModeMemory {
			return fmt.Errorf("platform_address must be configured")
		}
	} else {
		addr, err := crypto.DecodeAddress(cfg.PlatformAddress)
		if err != nil {
			return fmt.Errorf("platform_address: %w", err)
		}
		cfg.Platform = addr
	}
	seen := make(map[uint64]struct{}, len(cfg.Assets))
	for i, asset := range cfg.Assets {
		if asset.ID == 0 {
			return fmt.Errorf("assets[%d]: id must be positive", i)
		}
		if _, dup := seen[asset.ID]; dup {
			return fmt.Errorf("assets[%d]: duplicate id %d", i, asset.ID)
		}
		seen[asset.ID] = struct{}{}
		if asset.Decimals > 19 {
			return fmt.Errorf("assets[%d]: decimals %d exceed 19", i, asset.Decimals)
		}
	}
	return nil
}

func (l *LedgerConfig) normalise() error {
	l.Mode = strings.ToLower(strings.TrimSpace(l.Mode))
	l.Endpoint = strings.TrimSpace(l.Endpoint)
	token, err := readSecret("auth_token", l.AuthToken, l.AuthTokenFile, l.AuthTokenEnv)
	if err != nil {
		return err
	}
	l.AuthToken = token
	return nil
}

func (d *DatabaseConfig) normalise() error {
	d.Driver = strings.ToLower(strings.TrimSpace(d.Driver))
	dsn, err := readSecret("dsn", d.DSN, d.DSNFile, d.DSNEnv)
	if err != nil {
		return err
	}
	if dsn == "" {
		return fmt.Errorf("dsn is required")
	}
	d.DSN = dsn
	return nil
}

func (c *ClaimHashConfig) normalise(dev bool) error {
	raw, err := readSecret("pepper", c.Pepper, c.PepperFile, c.PepperEnv)
	if err != nil {
		return err
	}
	if raw == "" {
		if !dev {
			return fmt.Errorf("pepper is required")
		}
		// Fixed pepper for dev mode only.
		c.Key = make([]byte, 32)
		copy(c.Key, []byte("escrowd-dev-claim-hash-pepper-01"))
		return nil
	}
	key, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return fmt.Errorf("pepper must be hex: %w", err)
	}
	c.Key = key
	c.Pepper = ""
	return nil
}

// readSecret resolves a value given inline, through a file or through an
// environment variable, in that order of precedence.
func readSecret(name, inline, file, env string) (string, error) {
	if value := strings.TrimSpace(inline); value != "" {
		return value, nil
	}
	if path := strings.TrimSpace(file); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read %s_file: %w", name, err)
		}
		return strings.TrimSpace(string(contents)), nil
	}
	if key := strings.TrimSpace(env); key != "" {
		value := strings.TrimSpace(os.Getenv(key))
		if value == "" {
			return "", fmt.Errorf("%s_env %s is empty", name, key)
		}
		return value, nil
	}
	return "", nil
}
