package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"escrowlink/crypto"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "escrowd.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigAppliesDefaultsAndSecrets(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pepperFile := filepath.Join(t.TempDir(), "pepper")
	if err := os.WriteFile(pepperFile, []byte(strings.Repeat("ab", 32)+"\n"), 0o600); err != nil {
		t.Fatalf("write pepper: %v", err)
	}
	t.Setenv("ESCROWD_LEDGER_TOKEN", "s3cret")

	path := writeConfig(t, `
platform_address: `+key.Address().String()+`
claim_hash:
  pepper_file: `+pepperFile+`
ledger:
  endpoint: http://ledger:8080
  auth_token_env: ESCROWD_LEDGER_TOKEN
  timeout: 3s
assets:
  - id: 31566704
    symbol: USDC
    decimals: 6
`)
	cfg, err := LoadConfig(path, false)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":7090" || cfg.Ledger.Mode != LedgerModeRPC {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.Ledger.Timeout.Duration != 3*time.Second || cfg.Ledger.MaxRounds != 10 {
		t.Fatalf("ledger config = %+v", cfg.Ledger)
	}
	if cfg.Ledger.AuthToken != "s3cret" {
		t.Fatalf("auth token not read from env")
	}
	if len(cfg.ClaimHash.Key) != 32 {
		t.Fatalf("pepper length = %d", len(cfg.ClaimHash.Key))
	}
	if cfg.Platform != key.Address() {
		t.Fatalf("platform address not decoded")
	}
	if cfg.Database.Driver != DriverSQLite || cfg.Database.DSN != "escrowd.db" {
		t.Fatalf("database defaults = %+v", cfg.Database)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing endpoint": "platform_address: x\nclaim_hash:\n  pepper: 00\n",
		"bad platform":     "platform_address: nope\nclaim_hash:\n  pepper: 00\nledger:\n  endpoint: http://l\n",
		"missing pepper":   "ledger:\n  endpoint: http://l\n",
		"unknown field":    "bogus: 1\n",
		"bad duration":     "ledger:\n  timeout: soon\n",
		"duplicate asset":  "claim_hash:\n  pepper: 00\nledger:\n  mode: memory\nassets:\n  - id: 1\n  - id: 1\n",
		"short jwt secret": "claim_hash:\n  pepper: 00\nledger:\n  mode: memory\nauth:\n  jwt_secret: short\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadConfig(writeConfig(t, body), false); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestLoadConfigDevWithoutFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"), true)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Ledger.Mode != LedgerModeMemory {
		t.Fatalf("mode = %s", cfg.Ledger.Mode)
	}
	if len(cfg.ClaimHash.Key) != 32 {
		t.Fatalf("dev pepper missing")
	}
	if cfg.Dev.Keystore == "" || cfg.Dev.Funding == 0 || cfg.Dev.AssetSymbol != "DEV" {
		t.Fatalf("dev ledger defaults = %+v", cfg.Dev)
	}
	if cfg.Auth.JWTSecret != "" {
		t.Fatalf("auth enabled without a secret")
	}
}
