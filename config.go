package quotaledger

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level service configuration.
type Config struct {
	ListenAddr       string         `yaml:"listen_addr"`
	Store            StoreConfig    `yaml:"store"`
	AuthorizationTTL time.Duration  `yaml:"authorization_ttl"`
	AllocationPolicy string         `yaml:"allocation_policy"`
	Reaper           ReaperConfig   `yaml:"reaper"`
	Models           []ModelPricing `yaml:"models"`
}

// StoreConfig selects and configures the ledger store.
type StoreConfig struct {
	Driver      string `yaml:"driver"` // memory, sqlite or postgres
	DSN         string `yaml:"dsn"`
	TablePrefix string `yaml:"table_prefix"`
}

// ReaperConfig configures the expiry sweep.
type ReaperConfig struct {
	Disabled  bool          `yaml:"disabled"`
	Schedule  string        `yaml:"schedule"`
	BatchSize int           `yaml:"batch_size"`
	RedisAddr string        `yaml:"redis_addr"`
	LeaseTTL  time.Duration `yaml:"lease_ttl"`
}

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Allocation policies.
const (
	PolicyPriorityFirst = "priority_first"
	PolicyExpiryFirst   = "expiry_first"
)

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("quotaledger: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML config data, applies defaults and validates it.
func ParseConfig(data []byte) (Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("quotaledger: parse config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = DriverMemory
	}
	if c.AuthorizationTTL == 0 {
		c.AuthorizationTTL = DefaultAuthorizationTTL
	}
	if c.AllocationPolicy == "" {
		c.AllocationPolicy = PolicyPriorityFirst
	}
	if c.Reaper.Schedule == "" {
		c.Reaper.Schedule = "@every 30s"
	}
	if c.Reaper.BatchSize == 0 {
		c.Reaper.BatchSize = 100
	}
	if c.Reaper.LeaseTTL == 0 {
		c.Reaper.LeaseTTL = 25 * time.Second
	}
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("quotaledger: config: store.dsn is required for driver %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("quotaledger: config: unknown store.driver %q", c.Store.Driver)
	}

	if c.AuthorizationTTL < 0 {
		return fmt.Errorf("quotaledger: config: authorization_ttl must not be negative")
	}

	switch c.AllocationPolicy {
	case PolicyPriorityFirst, PolicyExpiryFirst:
	default:
		return fmt.Errorf("quotaledger: config: unknown allocation_policy %q", c.AllocationPolicy)
	}

	if c.Reaper.BatchSize < 0 {
		return fmt.Errorf("quotaledger: config: reaper.batch_size must not be negative")
	}

	ids := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		if m.ID == "" {
			return fmt.Errorf("quotaledger: config: models[%d]: id is required", i)
		}
		if ids[m.ID] {
			return fmt.Errorf("quotaledger: config: duplicate model id %q", m.ID)
		}
		ids[m.ID] = true

		if !m.PricePerToken.IsPositive() && !m.MinCharge.IsPositive() {
			return fmt.Errorf("quotaledger: config: models[%d] (%s): price_per_token or min_charge must be positive", i, m.ID)
		}
		if m.MaxTokens < 0 {
			return fmt.Errorf("quotaledger: config: models[%d] (%s): max_tokens must not be negative", i, m.ID)
		}
	}

	return nil
}
