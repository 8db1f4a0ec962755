// Package config provides TOML configuration file loading for the client.
// The configuration file lives at ~/.openchamber/config.toml by default, but
// can be overridden with the --config flag. CLI flags always take precedence
// over file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the client configuration file structure.
// Field names map to snake_case in TOML files via struct tags.
type Config struct {
	// Server is the agent server's base URL, e.g. "https://host:7070".
	Server string `toml:"server"`

	// Directory scopes the event subscription to one working directory.
	// Empty means all directories.
	Directory string `toml:"directory"`

	// TokenStore is the path to the SQLite database holding issued tokens.
	// Default: ~/.openchamber/tokens.db
	TokenStore string `toml:"token_store"`

	// PollIntervalMs is the unprompted status poll interval in
	// milliseconds. Default: 5000
	PollIntervalMs int `toml:"poll_interval_ms"`

	// TerminalMaxRetries bounds consecutive failed terminal redials.
	// Default: 5
	TerminalMaxRetries int `toml:"terminal_max_retries"`

	// ClientName identifies this client during device authorization.
	// Default: "openchamber"
	ClientName string `toml:"client_name"`
}

// DefaultServer is used when neither the config file nor the flags name one.
const DefaultServer = "http://127.0.0.1:7070"

// DefaultConfigPath returns the default config file location:
// ~/.openchamber/config.toml. Returns an error only if the user's home
// directory cannot be determined.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".openchamber", "config.toml"), nil
}

// DefaultTokenStorePath returns ~/.openchamber/tokens.db.
func DefaultTokenStorePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".openchamber", "tokens.db"), nil
}

// Load reads a TOML config file from the given path and returns a Config
// with defaults applied.
//
// Behavior:
//   - If path is empty, attempts to load from the default location
//     (~/.openchamber/config.toml). Returns a default Config without error
//     if the default file doesn't exist.
//   - If path is specified, returns an error if the file doesn't exist.
//   - Returns an error if the file exists but cannot be parsed.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		// No explicit path: try the default location, but don't error
		// if missing. The client works fine on flags alone.
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return cfg.withDefaults(), nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			return cfg.withDefaults(), nil
		}
		path = defaultPath
	} else {
		// Explicit path provided: error if the file doesn't exist.
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg.withDefaults(), nil
}

// withDefaults fills the zero-valued fields.
func (c *Config) withDefaults() *Config {
	if c.Server == "" {
		c.Server = DefaultServer
	}
	if c.TokenStore == "" {
		if path, err := DefaultTokenStorePath(); err == nil {
			c.TokenStore = path
		}
	}
	if c.PollIntervalMs <= 0 {
		c.PollIntervalMs = 5000
	}
	if c.TerminalMaxRetries <= 0 {
		c.TerminalMaxRetries = 5
	}
	if c.ClientName == "" {
		c.ClientName = "openchamber"
	}
	return c
}
