package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/openchamber/client/internal/api"
	"github.com/openchamber/client/internal/auth"
	"github.com/openchamber/client/internal/config"
)

// commonFlags are the flags shared by every subcommand that talks to a
// server. CLI flags override config file values.
type commonFlags struct {
	configPath string
	server     string
	directory  string
}

func (f *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.configPath, "config", "", "Path to config file (default: ~/.openchamber/config.toml)")
	fs.StringVar(&f.server, "server", "", "Server base URL (overrides config)")
	fs.StringVar(&f.directory, "directory", "", "Working directory scope (overrides config)")
}

// resolve loads the config file and applies the flag overrides.
func (f *commonFlags) resolve() (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.server != "" {
		cfg.Server = f.server
	}
	if f.directory != "" {
		cfg.Directory = f.directory
	}
	return cfg, nil
}

// loadToken returns the stored token for the server, or empty when this
// client was never authorized against it.
func loadToken(cfg *config.Config) (string, error) {
	store, err := auth.OpenTokenStore(cfg.TokenStore)
	if err != nil {
		return "", err
	}
	defer store.Close()

	tok, err := store.Load(cfg.Server)
	if err != nil {
		return "", err
	}
	if tok == nil {
		return "", nil
	}
	return tok.Token, nil
}

// buildClient wires an API client from config and the stored token.
func buildClient(cfg *config.Config, stderr io.Writer) *api.Client {
	token, err := loadToken(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Warning: could not read token store: %v\n", err)
	}
	if token == "" {
		fmt.Fprintf(stderr, "Not logged in to %s; run 'openchamber login' if requests fail.\n", cfg.Server)
	}
	return api.NewClient(api.Config{BaseURL: cfg.Server, Token: token})
}
