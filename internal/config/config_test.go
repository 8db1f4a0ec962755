package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadExplicitFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
server = "https://coder.local:7070"
directory = "/work/project"
poll_interval_ms = 2000
terminal_max_retries = 9
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server != "https://coder.local:7070" {
		t.Errorf("Server = %q", cfg.Server)
	}
	if cfg.Directory != "/work/project" {
		t.Errorf("Directory = %q", cfg.Directory)
	}
	if cfg.PollIntervalMs != 2000 {
		t.Errorf("PollIntervalMs = %d", cfg.PollIntervalMs)
	}
	if cfg.TerminalMaxRetries != 9 {
		t.Errorf("TerminalMaxRetries = %d", cfg.TerminalMaxRetries)
	}
	// Unset fields still get defaults.
	if cfg.ClientName != "openchamber" {
		t.Errorf("ClientName = %q, want default", cfg.ClientName)
	}
}

func TestLoadExplicitFileMissing(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("Load with an explicit missing path must fail")
	}
}

func TestLoadDefaultMissingIsFine(t *testing.T) {
	// Point HOME at an empty directory so no real config interferes.
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server != DefaultServer {
		t.Errorf("Server = %q, want default", cfg.Server)
	}
	if cfg.PollIntervalMs != 5000 || cfg.TerminalMaxRetries != 5 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if cfg.TokenStore == "" {
		t.Error("TokenStore default not applied")
	}
}

func TestLoadParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte("server = [broken"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load must fail on unparsable TOML")
	}
}
