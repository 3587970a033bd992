// Package config loads and validates the broker's YAML configuration.
package config

import (
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/halcyon-lab/paper-broker/pkg/errors"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Account AccountConfig `yaml:"account"`
	Engine  EngineConfig  `yaml:"engine"`
	Monitor MonitorConfig `yaml:"monitor"`
	Feed    FeedConfig    `yaml:"feed"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" validate:"required"`
}

type LedgerConfig struct {
	// Path is the DuckDB file location, or ":memory:" for an ephemeral run.
	Path string `yaml:"path" validate:"required"`
}

type AccountConfig struct {
	InitialBalance float64 `yaml:"initial_balance" validate:"required,gt=0"`
}

type EngineConfig struct {
	SlippageRate float64 `yaml:"slippage_rate" validate:"gte=0,lt=1"`
	TakerFeeRate float64 `yaml:"taker_fee_rate" validate:"gte=0,lt=1"`
	MarginModel  string  `yaml:"margin_model" validate:"required,oneof=notional leveraged"`
	// MaxFillDelayMs bounds the simulated exchange latency.
	MaxFillDelayMs int `yaml:"max_fill_delay_ms" validate:"gte=0"`
	// SnapshotTTLMs bounds how long a cached equity snapshot may be served.
	SnapshotTTLMs int `yaml:"snapshot_ttl_ms" validate:"gt=0"`
}

// MaxFillDelay returns the fill delay bound as a duration.
func (e EngineConfig) MaxFillDelay() time.Duration {
	return time.Duration(e.MaxFillDelayMs) * time.Millisecond
}

// SnapshotTTL returns the snapshot TTL as a duration.
func (e EngineConfig) SnapshotTTL() time.Duration {
	return time.Duration(e.SnapshotTTLMs) * time.Millisecond
}

type MonitorConfig struct {
	IntervalMs int    `yaml:"interval_ms" validate:"gt=0"`
	PriceTTLMs int    `yaml:"price_ttl_ms" validate:"gt=0"`
	GapPolicy  string `yaml:"gap_policy" validate:"required,oneof=sl_first tp_first"`
}

// Interval returns the tick period as a duration.
func (m MonitorConfig) Interval() time.Duration {
	return time.Duration(m.IntervalMs) * time.Millisecond
}

// PriceTTL returns the monitor's price TTL as a duration.
func (m MonitorConfig) PriceTTL() time.Duration {
	return time.Duration(m.PriceTTLMs) * time.Millisecond
}

type FeedConfig struct {
	// Provider is "binance" for the live websocket stream or "static" for
	// fixed prices (tests, offline runs).
	Provider string   `yaml:"provider" validate:"required,oneof=binance static"`
	Symbols  []string `yaml:"symbols" validate:"required,min=1,dive,required"`
	// StaticPrices seeds the cache when the provider is "static".
	StaticPrices map[string]float64 `yaml:"static_prices"`
}

// Default returns the configuration used when a field is absent from the
// file.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
		Ledger: LedgerConfig{
			Path: "paper-broker.db",
		},
		Account: AccountConfig{
			InitialBalance: 10000,
		},
		Engine: EngineConfig{
			SlippageRate:   0.0005,
			TakerFeeRate:   0.001,
			MarginModel:    "notional",
			MaxFillDelayMs: 150,
			SnapshotTTLMs:  500,
		},
		Monitor: MonitorConfig{
			IntervalMs: 750,
			PriceTTLMs: 1000,
			GapPolicy:  "sl_first",
		},
		Feed: FeedConfig{
			Provider: "binance",
			Symbols:  []string{"BTCUSDT"},
		},
	}
}

// Load reads, decodes, and validates the config file at path. Missing
// fields fall back to the defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(errors.ErrCodeInvalidConfiguration, err, "failed to read config file %q", path)
	}

	return Parse(data)
}

// Parse decodes and validates raw YAML config bytes.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(errors.ErrCodeInvalidConfiguration, "failed to parse config", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	validate := validator.New()

	if err := validate.Struct(c); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfiguration, "invalid configuration", err)
	}

	if c.Feed.Provider == "static" && len(c.Feed.StaticPrices) == 0 {
		return errors.New(errors.ErrCodeInvalidConfiguration, "static feed requires static_prices")
	}

	return nil
}
