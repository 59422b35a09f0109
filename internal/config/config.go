package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `json:"server"`
	Network NetworkConfig `json:"network"`
	Ledger  LedgerConfig  `json:"ledger"`
	Roles   RolesConfig   `json:"roles"`
	Refresh RefreshConfig `json:"refresh"`
	Wallet  WalletConfig  `json:"wallet"`
	Logging LoggingConfig `json:"logging"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

// NetworkConfig identifies the ledger deployment to reconcile against
type NetworkConfig struct {
	ChainID         int64    `json:"chain_id"`
	Endpoints       []string `json:"endpoints"`
	ContractAddress string   `json:"contract_address"`
}

// LedgerConfig tunes transport and enumeration behaviour. Durations in the
// JSON file take Go duration strings or integer nanoseconds.
type LedgerConfig struct {
	ProbeTimeout      time.Duration `json:"probe_timeout"`
	RequestsPerSecond float64       `json:"requests_per_second"`
	Burst             int           `json:"burst"`
	ReceiptPoll       time.Duration `json:"receipt_poll"`
	FirstProjectID    uint64        `json:"first_project_id"`
	FirstListingID    uint64        `json:"first_listing_id"`
	MaxProbe          int           `json:"max_probe"`
}

// RolesConfig holds the allow-listed verifier
type RolesConfig struct {
	VerifierAddress string `json:"verifier_address"`
}

// RefreshConfig controls the reconciliation schedule
type RefreshConfig struct {
	Interval    time.Duration `json:"interval"`
	MinInterval time.Duration `json:"min_interval"`
}

// WalletConfig points at the signing key. The key itself is only read from
// the environment.
type WalletConfig struct {
	PrivateKeyEnv string `json:"private_key_env"`
}

// LoggingConfig
type LoggingConfig struct {
	Level       string `json:"level"`
	Development bool   `json:"development"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Network: NetworkConfig{
			ChainID: 11155111,
		},
		Ledger: LedgerConfig{
			ProbeTimeout:      5 * time.Second,
			RequestsPerSecond: 10,
			Burst:             5,
			ReceiptPoll:       2 * time.Second,
			FirstProjectID:    1,
			FirstListingID:    1,
			MaxProbe:          1000,
		},
		Refresh: RefreshConfig{
			Interval:    12 * time.Second,
			MinInterval: 2 * time.Second,
		},
		Wallet: WalletConfig{
			PrivateKeyEnv: "WALLET_PRIVATE_KEY",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig loads configuration from an optional .env file, the JSON file
// and environment variables, in that order of precedence (last wins).
func LoadConfig(configPath string) (*Config, error) {
	// A missing .env is normal outside local development
	_ = godotenv.Load()

	config := Default()

	// Load from file if exists
	if configPath != "" {
		if data, err := os.ReadFile(configPath); err == nil {
			if err := json.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Override with environment variables
	overrideWithEnv(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func overrideWithEnv(config *Config) {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if chainID := os.Getenv("LEDGER_CHAIN_ID"); chainID != "" {
		if id, err := strconv.ParseInt(chainID, 10, 64); err == nil {
			config.Network.ChainID = id
		}
	}
	if endpoints := os.Getenv("LEDGER_RPC_ENDPOINTS"); endpoints != "" {
		config.Network.Endpoints = splitList(endpoints)
	}
	if contract := os.Getenv("LEDGER_CONTRACT_ADDRESS"); contract != "" {
		config.Network.ContractAddress = contract
	}
	if verifier := os.Getenv("LEDGER_VERIFIER_ADDRESS"); verifier != "" {
		config.Roles.VerifierAddress = verifier
	}
	if interval := os.Getenv("REFRESH_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			config.Refresh.Interval = d
		}
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the settings every session depends on
func (c *Config) Validate() error {
	if len(c.Network.Endpoints) == 0 {
		return fmt.Errorf("at least one rpc endpoint is required")
	}
	if !common.IsHexAddress(c.Network.ContractAddress) {
		return fmt.Errorf("invalid contract address %q", c.Network.ContractAddress)
	}
	if !common.IsHexAddress(c.Roles.VerifierAddress) {
		return fmt.Errorf("invalid verifier address %q", c.Roles.VerifierAddress)
	}
	if c.Ledger.ProbeTimeout <= 0 {
		return fmt.Errorf("probe timeout must be positive")
	}
	if c.Refresh.Interval <= 0 {
		return fmt.Errorf("refresh interval must be positive")
	}
	return nil
}

// GetServerAddr returns the server address
func (c *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
