package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"tokenvest/native/vesting"
)

// Supported storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverLevelDB  = "leveldb"
	DriverBolt     = "bolt"
	DriverMemory   = "memory"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
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
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses human readable duration strings. TOML decoding goes
// through this method.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
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

// Config captures runtime configuration for vestingd.
type Config struct {
	ListenAddress   string          `yaml:"listen" toml:"listen"`
	ReadTimeout     Duration        `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout    Duration        `yaml:"write_timeout" toml:"write_timeout"`
	ShutdownTimeout Duration        `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	Storage         StorageConfig   `yaml:"storage" toml:"storage"`
	Auth            AuthConfig      `yaml:"auth" toml:"auth"`
	RateLimit       RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Ledger          LedgerConfig    `yaml:"ledger" toml:"ledger"`
	Logging         LoggingConfig   `yaml:"logging" toml:"logging"`

	// TrustProxyHeaders takes client addresses from X-Real-IP/X-Forwarded-For.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers" toml:"trust_proxy_headers"`
}

// StorageConfig selects the persistence backend. SQL drivers take a DSN or a
// file path; KV drivers take a path.
type StorageConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
	DSNEnv string `yaml:"dsn_env" toml:"dsn_env"`
	Path   string `yaml:"path" toml:"path"`
}

// AuthConfig controls bearer token verification.
type AuthConfig struct {
	Enabled        bool     `yaml:"enabled" toml:"enabled"`
	HMACSecret     string   `yaml:"hmac_secret" toml:"hmac_secret"`
	HMACSecretFile string   `yaml:"hmac_secret_file" toml:"hmac_secret_file"`
	HMACSecretEnv  string   `yaml:"hmac_secret_env" toml:"hmac_secret_env"`
	Issuer         string   `yaml:"issuer" toml:"issuer"`
	Audience       string   `yaml:"audience" toml:"audience"`
	ClockSkew      Duration `yaml:"clock_skew" toml:"clock_skew"`
}

// RateLimitConfig throttles claim submissions per caller.
type RateLimitConfig struct {
	ClaimsPerMinute float64 `yaml:"claims_per_minute" toml:"claims_per_minute"`
	Burst           int     `yaml:"burst" toml:"burst"`
}

// LedgerConfig seeds the custody ledger.
type LedgerConfig struct {
	Assets  []string         `yaml:"assets" toml:"assets"`
	Genesis []GenesisBalance `yaml:"genesis" toml:"genesis"`
}

// GenesisBalance credits an account when it holds nothing of the asset yet.
// Amounts are decimal strings so full uint64 values survive both encodings.
type GenesisBalance struct {
	Address string `yaml:"address" toml:"address"`
	Asset   string `yaml:"asset" toml:"asset"`
	Amount  string `yaml:"amount" toml:"amount"`
}

// LoggingConfig tunes the structured logger.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

type loadOptions struct {
	lookupEnv func(string) (string, bool)
	readFile  func(string) ([]byte, error)
}

// Option customises Load.
type Option func(*loadOptions)

// WithLookupEnv overrides environment lookups used to resolve secrets.
func WithLookupEnv(lookup func(string) (string, bool)) Option {
	return func(o *loadOptions) {
		if lookup != nil {
			o.lookupEnv = lookup
		}
	}
}

// Load reads configuration from path. Files ending in .toml are decoded as
// TOML, everything else as YAML.
func Load(path string, opts ...Option) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		format = "toml"
	}
	return Parse(data, format, opts...)
}

// Parse decodes configuration in the supplied format, applies defaults,
// resolves secrets and validates the result.
func Parse(data []byte, format string, opts ...Option) (Config, error) {
	options := loadOptions{lookupEnv: os.LookupEnv, readFile: os.ReadFile}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	cfg := Config{}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "toml":
		if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	case "yaml", "yml", "":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config format %q", format)
	}
	applyDefaults(&cfg)
	if err := cfg.normalise(options); err != nil {
		return cfg, err
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.ReadTimeout.Duration == 0 {
		cfg.ReadTimeout.Duration = 10 * time.Second
	}
	if cfg.WriteTimeout.Duration == 0 {
		cfg.WriteTimeout.Duration = 15 * time.Second
	}
	if cfg.ShutdownTimeout.Duration == 0 {
		cfg.ShutdownTimeout.Duration = 10 * time.Second
	}
	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DriverSQLite
	}
	if cfg.Storage.Driver == DriverSQLite && cfg.Storage.DSN == "" && cfg.Storage.Path == "" {
		cfg.Storage.Path = "/var/data/vestingd.sqlite"
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.RateLimit.ClaimsPerMinute == 0 {
		cfg.RateLimit.ClaimsPerMinute = 30
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 5
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func (cfg *Config) normalise(opts loadOptions) error {
	if env := strings.TrimSpace(cfg.Storage.DSNEnv); env != "" && strings.TrimSpace(cfg.Storage.DSN) == "" {
		value, ok := opts.lookupEnv(env)
		if !ok || strings.TrimSpace(value) == "" {
			return fmt.Errorf("storage.dsn_env %s is not set", env)
		}
		cfg.Storage.DSN = strings.TrimSpace(value)
	}
	return cfg.Auth.normalise(opts)
}

func (a *AuthConfig) normalise(opts loadOptions) error {
	secret := strings.TrimSpace(a.HMACSecret)
	if secret == "" && strings.TrimSpace(a.HMACSecretFile) != "" {
		data, err := opts.readFile(strings.TrimSpace(a.HMACSecretFile))
		if err != nil {
			return fmt.Errorf("read auth.hmac_secret_file: %w", err)
		}
		secret = strings.TrimSpace(string(data))
	}
	if secret == "" && strings.TrimSpace(a.HMACSecretEnv) != "" {
		value, ok := opts.lookupEnv(strings.TrimSpace(a.HMACSecretEnv))
		if !ok {
			return fmt.Errorf("auth.hmac_secret_env %s is not set", a.HMACSecretEnv)
		}
		secret = strings.TrimSpace(value)
	}
	a.HMACSecret = secret
	if a.Enabled && a.HMACSecret == "" {
		return fmt.Errorf("auth.hmac_secret must be configured when auth is enabled")
	}
	return nil
}

func validate(cfg Config) error {
	switch cfg.Storage.Driver {
	case DriverSQLite:
		if cfg.Storage.DSN == "" && cfg.Storage.Path == "" {
			return fmt.Errorf("storage.path or storage.dsn required for sqlite")
		}
	case DriverPostgres:
		if cfg.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn required for postgres")
		}
	case DriverLevelDB, DriverBolt:
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return fmt.Errorf("storage.path required for %s", cfg.Storage.Driver)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
	}
	if cfg.RateLimit.ClaimsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}
	for _, asset := range cfg.Ledger.Assets {
		if _, err := vesting.NormalizeAsset(asset); err != nil {
			return fmt.Errorf("ledger.assets: %w", err)
		}
	}
	for i, entry := range cfg.Ledger.Genesis {
		if _, err := entry.Parse(); err != nil {
			return fmt.Errorf("ledger.genesis[%d]: %w", i, err)
		}
	}
	return nil
}

// ParsedGenesis is a validated genesis balance.
type ParsedGenesis struct {
	Address common.Address
	Asset   string
	Amount  uint64
}

// Parse validates the entry and converts it into typed values.
func (g GenesisBalance) Parse() (ParsedGenesis, error) {
	addr, err := vesting.ParseAddress(g.Address)
	if err != nil {
		return ParsedGenesis{}, err
	}
	asset, err := vesting.NormalizeAsset(g.Asset)
	if err != nil {
		return ParsedGenesis{}, err
	}
	amount, err := strconv.ParseUint(strings.TrimSpace(g.Amount), 10, 64)
	if err != nil || amount == 0 {
		return ParsedGenesis{}, fmt.Errorf("amount %q must be a positive integer", g.Amount)
	}
	return ParsedGenesis{Address: addr, Asset: asset, Amount: amount}, nil
}
