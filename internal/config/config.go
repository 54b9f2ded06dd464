// Package config loads scriptforge settings from a YAML file and the environment.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is read when no --config flag is given. A missing default file is not an error.
const DefaultPath = "scriptforge.yaml"

// Storage backends.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
)

// Config is the root of scriptforge.yaml.
type Config struct {
	Storage Storage `yaml:"storage" json:"storage"`
	Cache   Cache   `yaml:"cache" json:"cache"`
	Review  Review  `yaml:"review" json:"review"`
	Model   Model   `yaml:"model" json:"model"`
	Log     Log     `yaml:"log" json:"log"`
	HTTP    HTTP    `yaml:"http" json:"http"`
}

type Storage struct {
	Backend string `yaml:"backend" json:"backend"`
	Dir     string `yaml:"dir" json:"dir"`
	Redis   Redis  `yaml:"redis" json:"redis"`

	// EncryptionKey is a hex encoded AES-256 key. Artifacts are stored in clear when empty.
	EncryptionKey string `yaml:"encryption_key" json:"-"`
	// FallbackKeys decrypt artifacts written before a key rotation.
	FallbackKeys []string `yaml:"fallback_keys" json:"-"`
	// Redact applies to episode snapshots only.
	Redact Redact `yaml:"redact" json:"redact"`
}

// Redact masks sensitive values in page snapshots before they are stored.
type Redact struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Patterns replace the built-in ones when set.
	Patterns []string `yaml:"patterns" json:"patterns,omitempty"`
}

type Redis struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"-"`
	DB       int    `yaml:"db" json:"db"`
	Prefix   string `yaml:"prefix" json:"prefix"`
}

type Cache struct {
	Size int           `yaml:"size" json:"size"`
	TTL  time.Duration `yaml:"ttl" json:"ttl"`
}

type Review struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	Concurrency int           `yaml:"concurrency" json:"concurrency"`
	MinParamLen int           `yaml:"min_param_len" json:"min_param_len"`
	StaleAfter  time.Duration `yaml:"stale_after" json:"stale_after"`
}

type Model struct {
	Name    string `yaml:"name" json:"name"`
	BaseURL string `yaml:"base_url" json:"base_url"`
	APIKey  string `yaml:"api_key" json:"-"`
}

type Log struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

type HTTP struct {
	Addr string `yaml:"addr" json:"addr"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		Storage: Storage{
			Backend: BackendMemory,
			Dir:     ".scriptforge",
			Redis:   Redis{Addr: "localhost:6379", Prefix: "scriptforge:"},
			Redact:  Redact{Enabled: true},
		},
		Cache:  Cache{Size: 256, TTL: 10 * time.Minute},
		Review: Review{MaxAttempts: 3, Concurrency: 4, MinParamLen: 3, StaleAfter: 7 * 24 * time.Hour},
		Model:  Model{Name: "gpt-4o"},
		Log:    Log{Level: "info", Format: "pretty"},
		HTTP:   HTTP{Addr: ":8080"},
	}
}

// Load reads path over the defaults and applies environment overrides.
// When path is empty DefaultPath is tried and may be absent.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("OPENAI_API_KEY"); ok {
		c.Model.APIKey = v
	}
	if v, ok := lookup("OPENAI_BASE_URL"); ok {
		c.Model.BaseURL = v
	}
	if v, ok := lookup("SCRIPTFORGE_MODEL"); ok {
		c.Model.Name = v
	}
	if v, ok := lookup("SCRIPTFORGE_STORAGE"); ok {
		c.Storage.Backend = v
	}
	if v, ok := lookup("SCRIPTFORGE_DIR"); ok {
		c.Storage.Dir = v
	}
	if v, ok := lookup("SCRIPTFORGE_REDIS_ADDR"); ok {
		c.Storage.Redis.Addr = v
	}
	if v, ok := lookup("SCRIPTFORGE_REDIS_PASSWORD"); ok {
		c.Storage.Redis.Password = v
	}
	if v, ok := lookup("SCRIPTFORGE_REDIS_DB"); ok {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SCRIPTFORGE_REDIS_DB: %w", err)
		}
		c.Storage.Redis.DB = db
	}
	if v, ok := lookup("SCRIPTFORGE_ENCRYPTION_KEY"); ok {
		c.Storage.EncryptionKey = v
	}
	if v, ok := lookup("SCRIPTFORGE_FALLBACK_KEYS"); ok {
		c.Storage.FallbackKeys = strings.Split(v, ",")
	}
	if v, ok := lookup("SCRIPTFORGE_LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	return nil
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case BackendMemory, BackendFile, BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("storage.backend: unknown backend %q", c.Storage.Backend))
	}
	if c.Storage.Backend == BackendFile && c.Storage.Dir == "" {
		errs = append(errs, errors.New("storage.dir is required for the file backend"))
	}
	if c.Review.MaxAttempts < 1 || c.Review.MaxAttempts > 3 {
		errs = append(errs, fmt.Errorf("review.max_attempts must be between 1 and 3, got %d", c.Review.MaxAttempts))
	}
	if c.Review.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("review.concurrency must be positive, got %d", c.Review.Concurrency))
	}
	if c.Cache.Size < 1 {
		errs = append(errs, fmt.Errorf("cache.size must be positive, got %d", c.Cache.Size))
	}
	if _, _, err := c.Storage.Keys(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Keys decodes the encryption keys. active is nil when encryption is off.
func (s Storage) Keys() (active []byte, fallback [][]byte, err error) {
	if s.EncryptionKey == "" {
		if len(s.FallbackKeys) > 0 {
			return nil, nil, errors.New("storage.fallback_keys require storage.encryption_key")
		}
		return nil, nil, nil
	}
	if active, err = decodeKey(s.EncryptionKey); err != nil {
		return nil, nil, fmt.Errorf("storage.encryption_key: %w", err)
	}
	for i, k := range s.FallbackKeys {
		key, err := decodeKey(strings.TrimSpace(k))
		if err != nil {
			return nil, nil, fmt.Errorf("storage.fallback_keys[%d]: %w", i, err)
		}
		fallback = append(fallback, key)
	}
	return active, fallback, nil
}

func decodeKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("not hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("want 32 bytes, got %d", len(key))
	}
	return key, nil
}
