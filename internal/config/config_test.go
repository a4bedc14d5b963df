package config

import (
	"path/filepath"
	"testing"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatcore.toml")

	cfg := Default()
	cfg.Server.APIBaseURL = "https://api.example.com"
	cfg.Chat.PageSize = 25

	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Server.APIBaseURL != "https://api.example.com" {
		t.Errorf("api_base_url = %q", got.Server.APIBaseURL)
	}
	if got.Chat.PageSize != 25 {
		t.Errorf("page_size = %d, want 25", got.Chat.PageSize)
	}
	// Unset sections keep defaults.
	if len(got.Audio.ICEServers) == 0 {
		t.Error("ice_servers empty, want defaults")
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	if cfg.FallbackTimeout().Milliseconds() != 3000 {
		t.Errorf("fallback timeout = %v", cfg.FallbackTimeout())
	}
	if cfg.ReceiptDebounce().Milliseconds() != 500 {
		t.Errorf("receipt debounce = %v", cfg.ReceiptDebounce())
	}
}
