package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config holds all configurable parameters for the node and the
// resharding simulator.
type Config struct {
	// EpochLength is the number of block heights per epoch.
	EpochLength uint64 `json:"epoch_length"`

	// GasLimit is the per-shard per-block gas budget. Receipts that do
	// not fit are pushed to the delayed queue, never dropped.
	GasLimit uint64 `json:"gas_limit"`

	// NumValidators is the number of simulated validator clients.
	NumValidators int `json:"num_validators"`

	// BoundaryAccounts define the post-upgrade layout: k boundaries
	// produce k+1 shards partitioned by account id ranges.
	BoundaryAccounts []string `json:"boundary_accounts"`

	// UpgradeProtocolVersion is the network protocol version that
	// activates the new shard layout.
	UpgradeProtocolVersion uint32 `json:"upgrade_protocol_version"`

	// CatchupProbability is the chance that a client runs pending
	// catchup work after a given block instead of deferring it.
	// Catchup always runs at epoch boundaries regardless.
	CatchupProbability float64 `json:"catchup_probability"`

	// StorageDir holds per-node leveldb databases. Empty means
	// in-memory state only.
	StorageDir string `json:"storage_dir"`

	// HTTPAddr, when non-empty, enables the status/query API.
	HTTPAddr string `json:"http_addr"`
}

// Default returns the configuration used by the test harness: short
// epochs, a tight gas limit so delayed receipts actually trigger, and
// a four-way split layout.
func Default() *Config {
	return &Config{
		EpochLength:            5,
		GasLimit:               100_000_000_000_000,
		NumValidators:          4,
		BoundaryAccounts:       []string{"abc", "foo", "test0"},
		UpgradeProtocolVersion: 48,
		CatchupProbability:     0.2,
	}
}

// Load reads and parses a JSON config file.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks parameter sanity before the node starts.
func (c *Config) Validate() error {
	if c.EpochLength == 0 {
		return fmt.Errorf("epoch_length must be positive")
	}
	if c.GasLimit == 0 {
		return fmt.Errorf("gas_limit must be positive")
	}
	if c.NumValidators <= 0 {
		return fmt.Errorf("num_validators must be positive")
	}
	if c.CatchupProbability < 0 || c.CatchupProbability > 1 {
		return fmt.Errorf("catchup_probability must be in [0, 1]")
	}
	return nil
}
