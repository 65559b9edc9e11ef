package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "oracle:\n  token_address: \"0xabc\"\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Oracle.CacheTTL != time.Minute {
		t.Fatalf("cache ttl default = %s", cfg.Oracle.CacheTTL)
	}
	if cfg.Mining.DailyTokens != 864 {
		t.Fatalf("daily tokens default = %v", cfg.Mining.DailyTokens)
	}
	if cfg.Risk.HighMaxTokens != 500 || cfg.Risk.MediumMaxTokens != 750 {
		t.Fatalf("risk caps defaults wrong: %+v", cfg.Risk)
	}
	if cfg.Ethereum.TokenAddress != "0xabc" {
		t.Fatalf("ethereum token address should inherit oracle token address, got %q", cfg.Ethereum.TokenAddress)
	}
	if cfg.TreasuryEnabled() {
		t.Fatal("treasury should be disabled without rpc url")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, "oracle:\n  token_address: \"0xabc\"\n")
	t.Setenv("TOKENECON_ORACLE_CACHE_TTL", "2m")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Oracle.CacheTTL != 2*time.Minute {
		t.Fatalf("env override ignored: %s", cfg.Oracle.CacheTTL)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"missing token":   "oracle:\n  cache_ttl: 1m\n",
		"alpha too large": "oracle:\n  token_address: \"0xabc\"\n  ema_alpha: 1.5\n",
		"thresholds":      "oracle:\n  token_address: \"0xabc\"\nrisk:\n  high_change_pct: 30\n",
		"telegram":        "oracle:\n  token_address: \"0xabc\"\nalerting:\n  telegram:\n    enabled: true\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadReadsSecretsFromEnv(t *testing.T) {
	path := writeConfig(t, "")
	t.Setenv("TOKENECON_ORACLE_TOKEN_ADDRESS", "0xdef")
	t.Setenv("TOKENECON_DATABASE_DSN", "postgres://localhost/tokenecon")
	t.Setenv("TOKENECON_ETHEREUM_RPC_URL", "http://localhost:8545")
	t.Setenv("TOKENECON_ETHEREUM_TREASURY_ADDRESS", "0x123")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Oracle.TokenAddress != "0xdef" || cfg.Database.DSN != "postgres://localhost/tokenecon" {
		t.Fatalf("env values not applied: %+v %+v", cfg.Oracle, cfg.Database)
	}
	if !cfg.TreasuryEnabled() {
		t.Fatal("treasury should be enabled by env rpc url and address")
	}
}
