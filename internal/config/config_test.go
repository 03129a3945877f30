package config

import (
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("WALLET_MNEMONIC", "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about")
	t.Setenv("TREASURY_ADDRESS", "kaspa:treasury")
	t.Setenv("DATABASE_URL", "postgres://localhost/roulette")
	t.Setenv("KASPA_RPC_URL", "http://localhost:16110")
}

func TestFromEnvDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Network != Mainnet {
		t.Errorf("network = %s, want mainnet default", cfg.Network)
	}
	if cfg.QuickMatch.SeatPrice != 10*100_000_000 {
		t.Errorf("quick match seat price = %d, want 10 KAS in sompi", cfg.QuickMatch.SeatPrice)
	}
	if cfg.TurnTimeout != 30*time.Second {
		t.Errorf("turn timeout = %s, want 30s", cfg.TurnTimeout)
	}
	if cfg.HouseCutPercent != 5 {
		t.Errorf("house cut = %d, want 5", cfg.HouseCutPercent)
	}
}

func TestFromEnvRequiredVars(t *testing.T) {
	required := []string{"WALLET_MNEMONIC", "TREASURY_ADDRESS", "DATABASE_URL", "KASPA_RPC_URL"}
	for _, missing := range required {
		t.Run(missing, func(t *testing.T) {
			setRequired(t)
			t.Setenv(missing, "")
			if _, err := FromEnv(); err == nil {
				t.Errorf("FromEnv accepted empty %s", missing)
			}
		})
	}
}

func TestFromEnvValidation(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"unknown network", "NETWORK", "simnet"},
		{"house cut above 100", "HOUSE_CUT_PERCENT", "101"},
		{"negative house cut", "HOUSE_CUT_PERCENT", "-1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tc.key, tc.value)
			if _, err := FromEnv(); err == nil {
				t.Errorf("FromEnv accepted %s=%s", tc.key, tc.value)
			}
		})
	}
}

func TestAddressPrefix(t *testing.T) {
	if got := Mainnet.AddressPrefix(); got != "kaspa" {
		t.Errorf("mainnet prefix = %s", got)
	}
	if got := Testnet10.AddressPrefix(); got != "kaspatest" {
		t.Errorf("testnet prefix = %s", got)
	}
}
