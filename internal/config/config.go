package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/layer-3/didconnect/core"
)

// Config is the full didconnect configuration.
type Config struct {
	Log    LogConfig    `yaml:"log"`
	Server ServerConfig `yaml:"server"`
	Client ClientConfig `yaml:"client"`
	Redis  RedisConfig  `yaml:"redis"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// ServerConfig configures the identity node.
type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	SigningKeyFile string        `yaml:"signing_key_file"`
	ChainID        int64         `yaml:"chain_id"`
	ChallengeTTL   time.Duration `yaml:"challenge_ttl"`
	AccessTTL      time.Duration `yaml:"access_ttl"`
	RefreshTTL     time.Duration `yaml:"refresh_ttl"`
}

// ClientConfig configures the wallet and DID controllers.
type ClientConfig struct {
	RPCURL              string        `yaml:"rpc_url"`
	IdentityURL         string        `yaml:"identity_url"`
	ChainID             int64         `yaml:"chain_id"`
	Derivation          string        `yaml:"derivation"`
	SettleTimeout       time.Duration `yaml:"settle_timeout"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`
	AccountPollInterval time.Duration `yaml:"account_poll_interval"`
	NoteFile            string        `yaml:"note_file"`
	AutoAuthenticate    bool          `yaml:"auto_authenticate"`
}

// RedisConfig is optional; an empty URL keeps everything in memory.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info"},
		Server: ServerConfig{
			Addr:         ":9000",
			ChainID:      1,
			ChallengeTTL: 5 * time.Minute,
			AccessTTL:    5 * time.Minute,
			RefreshTTL:   5 * 24 * time.Hour,
		},
		Client: ClientConfig{
			RPCURL:              "http://localhost:8545",
			IdentityURL:         "http://localhost:9000",
			ChainID:             1,
			Derivation:          string(core.DeriveLocal),
			SettleTimeout:       2500 * time.Millisecond,
			RequestTimeout:      30 * time.Second,
			AccountPollInterval: time.Second,
			AutoAuthenticate:    true,
		},
	}
}

// Load reads defaults, then the YAML file at path (if any), then environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	envErrs := applyEnv(&cfg)

	if err := cfg.validate(envErrs); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overrides cfg from the environment and returns the variables it could not parse.
func applyEnv(cfg *Config) []error {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString("REDIS_URL", &cfg.Redis.URL)
	setString("DIDCONNECT_ADDR", &cfg.Server.Addr)
	setString("DIDCONNECT_SIGNING_KEY_FILE", &cfg.Server.SigningKeyFile)
	setString("DIDCONNECT_RPC_URL", &cfg.Client.RPCURL)
	setString("DIDCONNECT_IDENTITY_URL", &cfg.Client.IdentityURL)
	setString("DIDCONNECT_DERIVATION", &cfg.Client.Derivation)
	setString("DIDCONNECT_NOTE_FILE", &cfg.Client.NoteFile)
	setString("DIDCONNECT_LOG_LEVEL", &cfg.Log.Level)

	var errs []error
	if v := os.Getenv("DIDCONNECT_SETTLE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("DIDCONNECT_SETTLE_TIMEOUT: %w", err))
		} else {
			cfg.Client.SettleTimeout = d
		}
	}
	return errs
}

// Validate rejects configurations the services cannot run with.
func (c Config) Validate() error {
	return c.validate(nil)
}

func (c Config) validate(errs []error) error {
	if _, err := core.ParseDerivationStrategy(c.Client.Derivation); err != nil {
		errs = append(errs, err)
	}
	if c.Client.SettleTimeout <= 0 {
		errs = append(errs, errors.New("client.settle_timeout must be positive"))
	}
	if c.Client.AccountPollInterval <= 0 {
		errs = append(errs, errors.New("client.account_poll_interval must be positive"))
	}
	if c.Client.ChainID <= 0 || c.Server.ChainID <= 0 {
		errs = append(errs, errors.New("chain_id must be positive"))
	}
	if c.Server.ChallengeTTL <= 0 || c.Server.AccessTTL <= 0 || c.Server.RefreshTTL <= 0 {
		errs = append(errs, errors.New("server token TTLs must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
