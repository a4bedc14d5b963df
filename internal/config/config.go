// Package config loads and saves the chatcore config file.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the chatcore.toml config file.
type Config struct {
	Server Server `toml:"server"`
	Chat   Chat   `toml:"chat"`
	Audio  Audio  `toml:"audio"`
}

// Server holds the remote API endpoints and the session token.
type Server struct {
	APIBaseURL string `toml:"api_base_url"`
	WSURL      string `toml:"ws_url"`
	Token      string `toml:"token"`
}

// Chat holds tuning knobs for the message pipeline.
type Chat struct {
	PageSize          int `toml:"page_size"`
	FallbackTimeoutMS int `toml:"fallback_timeout_ms"`
	TypingClearMS     int `toml:"typing_clear_ms"`
	ReceiptDebounceMS int `toml:"receipt_debounce_ms"`
}

// Audio holds connectivity negotiation settings.
type Audio struct {
	ICEServers []string `toml:"ice_servers"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		Server: Server{
			APIBaseURL: "http://localhost:8000/api",
			WSURL:      "ws://localhost:8000/ws",
		},
		Chat: Chat{
			PageSize:          50,
			FallbackTimeoutMS: 3000,
			TypingClearMS:     2000,
			ReceiptDebounceMS: 500,
		},
		Audio: Audio{
			ICEServers: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
			},
		},
	}
}

// FallbackTimeout returns the live→HTTP escalation timeout.
func (c *Config) FallbackTimeout() time.Duration {
	return time.Duration(c.Chat.FallbackTimeoutMS) * time.Millisecond
}

// TypingClear returns the typing-indicator auto-clear interval.
func (c *Config) TypingClear() time.Duration {
	return time.Duration(c.Chat.TypingClearMS) * time.Millisecond
}

// ReceiptDebounce returns the continuous-visibility debounce for read
// receipts.
func (c *Config) ReceiptDebounce() time.Duration {
	return time.Duration(c.Chat.ReceiptDebounceMS) * time.Millisecond
}

// Load reads config from the given path, filling unset fields with
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
