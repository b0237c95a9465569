// Package config loads pastebin runtime configuration from defaults, an
// optional TOML or YAML file, a .env file and PASTEBIN_* environment
// variables, in that order.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"pastebin/internal/id"
)

const (
	EnvPrefix = "PASTEBIN_"

	BackendBolt   = "bolt"
	BackendSQLite = "sqlite"
	BackendMongo  = "mongo"
	BackendRedis  = "redis"
	BackendDynamo = "dynamodb"

	DefaultAddr            = ":8000"
	DefaultDataPath        = "./pastebin.db"
	DefaultTTL             = 7 * 24 * time.Hour
	DefaultMaxPayloadBytes = 15 * 1024 * 1024
	DefaultSweepInterval   = 5 * time.Minute
	DefaultSweepTimeout    = time.Minute
	DefaultIDMaxAttempts   = 8
	MinIDLength            = 8
)

// Config is the full runtime configuration.
type Config struct {
	Addr        string `toml:"addr" yaml:"addr"`
	BaseURL     string `toml:"base_url" yaml:"base_url"`
	BehindProxy bool   `toml:"behind_proxy" yaml:"behind_proxy"`

	LogLevel  string `toml:"log_level" yaml:"log_level"`
	LogFormat string `toml:"log_format" yaml:"log_format"`

	Backend         string `toml:"backend" yaml:"backend"`
	DataPath        string `toml:"data_path" yaml:"data_path"`
	MongoURI        string `toml:"mongo_uri" yaml:"mongo_uri"`
	MongoDatabase   string `toml:"mongo_database" yaml:"mongo_database"`
	MongoCollection string `toml:"mongo_collection" yaml:"mongo_collection"`
	RedisURL        string `toml:"redis_url" yaml:"redis_url"`
	RedisPrefix     string `toml:"redis_prefix" yaml:"redis_prefix"`
	DynamoTable     string `toml:"dynamo_table" yaml:"dynamo_table"`
	DynamoRegion    string `toml:"dynamo_region" yaml:"dynamo_region"`
	DynamoEndpoint  string `toml:"dynamo_endpoint" yaml:"dynamo_endpoint"`

	DefaultTTL      time.Duration `toml:"default_ttl" yaml:"default_ttl"`
	MaxPayloadBytes int64         `toml:"max_payload_bytes" yaml:"max_payload_bytes"`
	SweepInterval   time.Duration `toml:"sweep_interval" yaml:"sweep_interval"`
	SweepTimeout    time.Duration `toml:"sweep_timeout" yaml:"sweep_timeout"`

	IDLength      int    `toml:"id_length" yaml:"id_length"`
	IDAlphabet    string `toml:"id_alphabet" yaml:"id_alphabet"`
	IDMaxAttempts int    `toml:"id_max_attempts" yaml:"id_max_attempts"`

	PurgeOnRead    bool    `toml:"purge_on_read" yaml:"purge_on_read"`
	RateLimitRPS   float64 `toml:"rate_limit_rps" yaml:"rate_limit_rps"`
	RateLimitBurst int     `toml:"rate_limit_burst" yaml:"rate_limit_burst"`
}

// Default returns default configuration values.
func Default() Config {
	return Config{
		Addr:            DefaultAddr,
		LogLevel:        "info",
		LogFormat:       "text",
		Backend:         BackendBolt,
		DataPath:        DefaultDataPath,
		MongoDatabase:   "pastebin",
		MongoCollection: "pastes",
		RedisPrefix:     "pastebin:",
		DynamoTable:     "pastes",
		DefaultTTL:      DefaultTTL,
		MaxPayloadBytes: DefaultMaxPayloadBytes,
		SweepInterval:   DefaultSweepInterval,
		SweepTimeout:    DefaultSweepTimeout,
		IDLength:        id.DefaultLength,
		IDAlphabet:      id.DefaultAlphabet,
		IDMaxAttempts:   DefaultIDMaxAttempts,
		PurgeOnRead:     true,
		RateLimitRPS:    5,
		RateLimitBurst:  10,
	}
}

// Options selects the files Load reads.
type Options struct {
	// File is a .toml, .yaml or .yml config file. It must exist when set.
	File string
	// EnvFile is loaded with godotenv when it exists. Variables already in
	// the environment win.
	EnvFile string
}

// Load layers the file, .env file and environment over Default. The result
// is not validated; callers apply flag overrides first, then Validate.
func Load(opts Options) (Config, error) {
	cfg := Default()
	if opts.File != "" {
		if err := loadFile(opts.File, &cfg); err != nil {
			return cfg, err
		}
	}
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("load env file %s: %w", opts.EnvFile, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("config %s: unknown key %s", path, undecoded[0])
		}
		return nil
	case ".yaml", ".yml":
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open config %s: %w", path, err)
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		return nil
	default:
		return fmt.Errorf("config %s: unsupported format (want .toml, .yaml or .yml)", path)
	}
}

var keys = []string{
	"addr", "base_url", "behind_proxy",
	"log_level", "log_format",
	"backend", "data_path",
	"mongo_uri", "mongo_database", "mongo_collection",
	"redis_url", "redis_prefix",
	"dynamo_table", "dynamo_region", "dynamo_endpoint",
	"default_ttl", "max_payload_bytes", "sweep_interval", "sweep_timeout",
	"id_length", "id_alphabet", "id_max_attempts",
	"purge_on_read", "rate_limit_rps", "rate_limit_burst",
}

// Keys returns every settable key.
func Keys() []string {
	return keys
}

// EnvName returns the environment variable for key.
func EnvName(key string) string {
	return EnvPrefix + strings.ToUpper(key)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for _, key := range keys {
		raw, ok := lookup(EnvName(key))
		if !ok {
			continue
		}
		if err := c.Set(key, raw); err != nil {
			return fmt.Errorf("%s: %w", EnvName(key), err)
		}
	}
	return nil
}

// Set parses value into the field named by key.
func (c *Config) Set(key, value string) error {
	value = strings.TrimSpace(value)
	var err error
	switch key {
	case "addr":
		c.Addr = value
	case "base_url":
		c.BaseURL = value
	case "behind_proxy":
		c.BehindProxy, err = strconv.ParseBool(value)
	case "log_level":
		c.LogLevel = value
	case "log_format":
		c.LogFormat = value
	case "backend":
		c.Backend = strings.ToLower(value)
	case "data_path":
		c.DataPath = value
	case "mongo_uri":
		c.MongoURI = value
	case "mongo_database":
		c.MongoDatabase = value
	case "mongo_collection":
		c.MongoCollection = value
	case "redis_url":
		c.RedisURL = value
	case "redis_prefix":
		c.RedisPrefix = value
	case "dynamo_table":
		c.DynamoTable = value
	case "dynamo_region":
		c.DynamoRegion = value
	case "dynamo_endpoint":
		c.DynamoEndpoint = value
	case "default_ttl":
		c.DefaultTTL, err = ParseDuration(value)
	case "max_payload_bytes":
		c.MaxPayloadBytes, err = strconv.ParseInt(value, 10, 64)
	case "sweep_interval":
		c.SweepInterval, err = ParseDuration(value)
	case "sweep_timeout":
		c.SweepTimeout, err = ParseDuration(value)
	case "id_length":
		c.IDLength, err = strconv.Atoi(value)
	case "id_alphabet":
		c.IDAlphabet = value
	case "id_max_attempts":
		c.IDMaxAttempts, err = strconv.Atoi(value)
	case "purge_on_read":
		c.PurgeOnRead, err = strconv.ParseBool(value)
	case "rate_limit_rps":
		c.RateLimitRPS, err = strconv.ParseFloat(value, 64)
	case "rate_limit_burst":
		c.RateLimitBurst, err = strconv.Atoi(value)
	default:
		return fmt.Errorf("unknown key: %s", key)
	}
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return nil
}

// ParseDuration accepts time.ParseDuration syntax plus a whole-day "d"
// suffix such as "7d".
func ParseDuration(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid day count %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// Validate returns the first rule the configuration breaks.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.New("addr is required")
	}
	if c.BaseURL != "" {
		u, err := url.Parse(c.BaseURL)
		if err != nil {
			return fmt.Errorf("invalid base_url: %w", err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.New("base_url must be an absolute http or https URL")
		}
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}

	switch c.Backend {
	case BackendBolt, BackendSQLite:
		if c.DataPath == "" {
			return fmt.Errorf("data_path is required for the %s backend", c.Backend)
		}
	case BackendMongo:
		if c.MongoURI == "" {
			return errors.New("mongo_uri is required for the mongo backend")
		}
		if c.MongoDatabase == "" || c.MongoCollection == "" {
			return errors.New("mongo_database and mongo_collection are required")
		}
	case BackendRedis:
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("redis_url must start with redis:// or rediss://")
		}
	case BackendDynamo:
		if c.DynamoTable == "" {
			return errors.New("dynamo_table is required for the dynamodb backend")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}

	if c.DefaultTTL <= 0 {
		return errors.New("default_ttl must be positive")
	}
	if c.MaxPayloadBytes <= 0 {
		return errors.New("max_payload_bytes must be positive")
	}
	if c.SweepInterval <= 0 {
		return errors.New("sweep_interval must be positive")
	}
	if c.SweepTimeout <= 0 {
		return errors.New("sweep_timeout must be positive")
	}
	if c.IDLength < MinIDLength {
		return fmt.Errorf("id_length must be >= %d", MinIDLength)
	}
	if err := id.ValidateAlphabet(c.IDAlphabet); err != nil {
		return fmt.Errorf("invalid id_alphabet: %w", err)
	}
	if c.IDMaxAttempts < 1 {
		return errors.New("id_max_attempts must be at least 1")
	}
	if c.RateLimitRPS < 0 {
		return errors.New("rate_limit_rps cannot be negative")
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		return errors.New("rate_limit_burst must be at least 1 when rate limiting is on")
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	return level, nil
}
