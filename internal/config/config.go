// Package config loads the driveput CLI's TOML configuration. Unknown keys
// are fatal: silently ignoring a typo in a config file leads to
// hard-to-debug behavior.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration for TOML decoding from strings like "1s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}

	d.Duration = parsed

	return nil
}

// Config is the CLI's full configuration.
type Config struct {
	// Backend selects the provider: onedrive, webdav, or local.
	Backend string `toml:"backend"`

	Retry    RetryConfig    `toml:"retry"`
	OneDrive OneDriveConfig `toml:"onedrive"`
	WebDAV   WebDAVConfig   `toml:"webdav"`
	Local    LocalConfig    `toml:"local"`
}

// RetryConfig tunes the upload retry policy.
type RetryConfig struct {
	MaxAttempts int      `toml:"max_attempts"`
	BaseBackoff Duration `toml:"base_backoff"`
	MaxBackoff  Duration `toml:"max_backoff"`
}

// OneDriveConfig holds Graph endpoint settings and the refresh token
// obtained out of band (driveput does not run OAuth2 grant flows).
type OneDriveConfig struct {
	ClientID     string `toml:"client_id"`
	RefreshToken string `toml:"refresh_token"`
	BaseURL      string `toml:"base_url"`
	ChunkSizeMiB int64  `toml:"chunk_size_mib"`
}

// WebDAVConfig holds the collection URL and basic-auth credentials.
type WebDAVConfig struct {
	URL      string `toml:"url"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// LocalConfig holds the local backend's root directory.
type LocalConfig struct {
	Root string `toml:"root"`
}

// Default returns a Config with all defaults applied.
func Default() *Config {
	return &Config{
		Backend: "local",
		Retry: RetryConfig{
			MaxAttempts: 5,
			BaseBackoff: Duration{1 * time.Second},
			MaxBackoff:  Duration{60 * time.Second},
		},
		Local: LocalConfig{Root: "."},
	}
}

// Load reads and parses a TOML config file, rejects unknown keys, and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}

		return nil, fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a config file if it exists, otherwise returns the
// defaults. Supports the zero-config first run for the local backend.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}

	return Load(path)
}

// Validate checks cross-field consistency for the selected backend.
func Validate(cfg *Config) error {
	switch cfg.Backend {
	case "onedrive":
		if cfg.OneDrive.ClientID == "" {
			return errors.New("onedrive.client_id is required")
		}

		if cfg.OneDrive.RefreshToken == "" {
			return errors.New("onedrive.refresh_token is required")
		}
	case "webdav":
		if cfg.WebDAV.URL == "" {
			return errors.New("webdav.url is required")
		}

		if cfg.WebDAV.Username == "" {
			return errors.New("webdav.username is required")
		}
	case "local":
		if cfg.Local.Root == "" {
			return errors.New("local.root is required")
		}
	default:
		return fmt.Errorf("unknown backend %q (expected onedrive, webdav, or local)", cfg.Backend)
	}

	if cfg.Retry.MaxAttempts < 0 {
		return errors.New("retry.max_attempts must not be negative")
	}

	return nil
}
