package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Network selects the kaspa network the engine settles on.
type Network string

const (
	Mainnet   Network = "mainnet"
	Testnet10 Network = "testnet-10"
)

// AddressPrefix returns the bech32 human-readable prefix for the network.
func (n Network) AddressPrefix() string {
	if n == Testnet10 {
		return "kaspatest"
	}
	return "kaspa"
}

// MatchConfig parameterizes one room template (quick match or custom).
type MatchConfig struct {
	SeatPrice  int64 // sompi
	MinPlayers int
	MaxPlayers int
	Timeout    time.Duration // funding window
}

// Config is the full engine configuration, read once at startup.
// Secrets (mnemonic, database URL) come exclusively from the
// environment; everything else has a default.
type Config struct {
	Network         Network
	WalletMnemonic  string
	TreasuryAddress string
	DatabaseURL     string
	KaspaRPCURL     string
	HTTPPort        string

	HouseCutPercent       int
	QuickMatch            MatchConfig
	CustomMinSeatPrice    int64
	CustomMaxSeatPrice    int64
	CustomMinPlayers      int
	CustomMaxPlayers      int
	CustomTimeout         time.Duration
	SettlementBlockOffset uint64
	TurnTimeout           time.Duration
	QueueTTL              time.Duration
}

// FromEnv builds the configuration from environment variables,
// validating required secrets and range-checking the house cut.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Network:         Network(getEnvOrDefault("NETWORK", string(Mainnet))),
		WalletMnemonic:  os.Getenv("WALLET_MNEMONIC"),
		TreasuryAddress: os.Getenv("TREASURY_ADDRESS"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		KaspaRPCURL:     os.Getenv("KASPA_RPC_URL"),
		HTTPPort:        getEnvOrDefault("PORT", "8080"),

		HouseCutPercent: intEnv("HOUSE_CUT_PERCENT", 5),
		QuickMatch: MatchConfig{
			SeatPrice:  int64(intEnv("QUICK_MATCH_SEAT_PRICE_KAS", 10)) * 100_000_000,
			MinPlayers: intEnv("QUICK_MATCH_MIN_PLAYERS", 6),
			MaxPlayers: intEnv("QUICK_MATCH_MAX_PLAYERS", 6),
			Timeout:    time.Duration(intEnv("QUICK_MATCH_TIMEOUT_SECONDS", 60)) * time.Second,
		},
		CustomMinSeatPrice:    int64(intEnv("CUSTOM_ROOM_MIN_SEAT_PRICE_KAS", 1)) * 100_000_000,
		CustomMaxSeatPrice:    int64(intEnv("CUSTOM_ROOM_MAX_SEAT_PRICE_KAS", 1000)) * 100_000_000,
		CustomMinPlayers:      intEnv("CUSTOM_ROOM_MIN_PLAYERS", 2),
		CustomMaxPlayers:      intEnv("CUSTOM_ROOM_MAX_PLAYERS", 6),
		CustomTimeout:         time.Duration(intEnv("CUSTOM_ROOM_TIMEOUT_SECONDS", 60)) * time.Second,
		SettlementBlockOffset: uint64(intEnv("SETTLEMENT_BLOCK_OFFSET", 5)),
		TurnTimeout:           time.Duration(intEnv("TURN_TIMEOUT_SECONDS", 30)) * time.Second,
		QueueTTL:              time.Duration(intEnv("QUEUE_TTL_SECONDS", 300)) * time.Second,
	}

	if cfg.WalletMnemonic == "" {
		return nil, fmt.Errorf("config: WALLET_MNEMONIC is required")
	}
	if cfg.TreasuryAddress == "" {
		return nil, fmt.Errorf("config: TREASURY_ADDRESS is required")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("config: DATABASE_URL is required")
	}
	if cfg.KaspaRPCURL == "" {
		return nil, fmt.Errorf("config: KASPA_RPC_URL is required")
	}
	if cfg.Network != Mainnet && cfg.Network != Testnet10 {
		return nil, fmt.Errorf("config: unknown NETWORK %q", cfg.Network)
	}
	if cfg.HouseCutPercent < 0 || cfg.HouseCutPercent > 100 {
		return nil, fmt.Errorf("config: HOUSE_CUT_PERCENT %d out of range 0-100", cfg.HouseCutPercent)
	}
	return cfg, nil
}

func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func intEnv(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}
