// Package config loads the analyzer configuration from YAML, struct tag
// defaults and environment overrides, and builds the component configurations
// from it.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"posttrade/internal/aggregate"
	"posttrade/internal/model"
	"posttrade/internal/provider"
	"posttrade/internal/schema"
)

// ErrInvalidConfig wraps every configuration validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Provider types.
const (
	ProviderFake = "fake"
	ProviderCSV  = "csv"
)

// Config is the analyzer configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level" default:"info" validate:"oneof=trace debug info warn error"`
	Schema    SchemaConfig    `yaml:"schema"`
	Aggregate AggregateConfig `yaml:"aggregate"`
	Provider  ProviderConfig  `yaml:"provider"`
	Server    ServerConfig    `yaml:"server"`
	Report    ReportConfig    `yaml:"report"`
}

// SchemaConfig configures the expected table layout.
type SchemaConfig struct {
	TotalColumns int `yaml:"total_columns" default:"64" validate:"gte=21"`
}

// AggregateConfig configures discrepancy detection. Tolerances and the jump
// factor are decimal strings; a jump factor of "0" disables jump detection.
type AggregateConfig struct {
	Tolerance         string            `yaml:"tolerance" default:"0.000001" validate:"required"`
	ColumnTolerance   map[string]string `yaml:"column_tolerance"`
	DisableIdentities bool              `yaml:"disable_identities"`
	JumpFactor        string            `yaml:"jump_factor" default:"100" validate:"required"`
}

// ProviderConfig selects and configures the trade data source.
type ProviderConfig struct {
	Type    string `yaml:"type" default:"fake" validate:"oneof=fake csv"`
	Rows    int    `yaml:"rows" default:"2000" validate:"gte=0,lte=10000000"`
	Seed    int64  `yaml:"seed" default:"42"`
	CSVPath string `yaml:"csv_path" validate:"required_if=Type csv"`
	Comma   string `yaml:"comma" default:"," validate:"len=1"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `yaml:"addr" default:":8080" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" default:"15s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"10s" validate:"gt=0"`
	MaxSubscribers  int           `yaml:"max_subscribers" default:"100" validate:"gte=0"`
}

// ReportConfig configures report storage.
type ReportConfig struct {
	PresetsDir string `yaml:"presets_dir" default:"presets" validate:"required"`
	OutputDir  string `yaml:"output_dir" default:"reports" validate:"required"`
}

var validate = validator.New()

// Default returns the configuration built from struct tag defaults alone.
func Default() *Config {
	var c Config
	if err := defaults.Set(&c); err != nil {
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	return &c
}

// Load reads a YAML configuration file and fills unset fields with defaults.
// An empty path yields the defaults.
func Load(path string) (*Config, error) {
	c, err := parse(path)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadWithEnv loads the configuration and applies environment overrides.
//
// Variables from a .env file in the working directory are loaded first when the
// file exists; variables already set in the environment win.
func LoadWithEnv(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	c, err := parse(path)
	if err != nil {
		return nil, err
	}
	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func parse(path string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("set config defaults: %w", err)
	}
	return &c, nil
}

// applyEnv overrides fields from POSTTRADE_* environment variables.
func (c *Config) applyEnv() error {
	if v := os.Getenv("POSTTRADE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("POSTTRADE_PROVIDER"); v != "" {
		c.Provider.Type = v
	}
	if v := os.Getenv("POSTTRADE_CSV_PATH"); v != "" {
		c.Provider.CSVPath = v
	}
	if v := os.Getenv("POSTTRADE_ROWS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: POSTTRADE_ROWS=%q is not an integer", ErrInvalidConfig, v)
		}
		c.Provider.Rows = n
	}
	if v := os.Getenv("POSTTRADE_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("POSTTRADE_TOLERANCE"); v != "" {
		c.Aggregate.Tolerance = v
	}
	return nil
}

// Validate checks the configuration. Every failure wraps ErrInvalidConfig.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := c.AggregateConfig(); err != nil {
		return err
	}
	return nil
}

// SchemaConfig returns the schema configuration.
func (c *Config) SchemaConfig() schema.Config {
	return schema.Config{TotalColumns: c.Schema.TotalColumns}
}

// AggregateConfig returns the aggregator configuration.
func (c *Config) AggregateConfig() (aggregate.Config, error) {
	cfg := aggregate.DefaultConfig()

	tol, err := parseNonNegative("tolerance", c.Aggregate.Tolerance)
	if err != nil {
		return aggregate.Config{}, err
	}
	cfg.Tolerance = tol

	if len(c.Aggregate.ColumnTolerance) > 0 {
		cfg.ColumnTolerance = make(map[model.CumulativeColumn]decimal.Decimal, len(c.Aggregate.ColumnTolerance))
		for name, v := range c.Aggregate.ColumnTolerance {
			col, ok := model.ParseCumulativeColumn(name)
			if !ok {
				return aggregate.Config{}, fmt.Errorf("%w: column_tolerance: unknown column %q", ErrInvalidConfig, name)
			}
			tol, err := parseNonNegative("column_tolerance."+name, v)
			if err != nil {
				return aggregate.Config{}, err
			}
			cfg.ColumnTolerance[col] = tol
		}
	}

	jump, err := parseNonNegative("jump_factor", c.Aggregate.JumpFactor)
	if err != nil {
		return aggregate.Config{}, err
	}
	cfg.JumpFactor = jump

	if c.Aggregate.DisableIdentities {
		cfg.Identities = nil
	}
	return cfg, nil
}

func parseNonNegative(field, v string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: %q is not a decimal", ErrInvalidConfig, field, v)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: %s must not be negative", ErrInvalidConfig, field)
	}
	return d, nil
}

// NewProvider builds the configured trade data provider.
func (c *Config) NewProvider() (provider.TradeDataProvider, error) {
	switch c.Provider.Type {
	case ProviderCSV:
		comma := ','
		if c.Provider.Comma != "" {
			comma = []rune(c.Provider.Comma)[0]
		}
		return provider.NewCSVProvider(provider.CSVConfig{Path: c.Provider.CSVPath, Comma: comma}), nil
	case ProviderFake, "":
		p, err := provider.NewFakeProvider(
			provider.FakeConfig{Rows: c.Provider.Rows, Seed: c.Provider.Seed},
			c.SchemaConfig(),
		)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, fmt.Errorf("%w: unknown provider type %q", ErrInvalidConfig, c.Provider.Type)
}

// Level returns the zerolog level of LogLevel, info when unparseable.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
