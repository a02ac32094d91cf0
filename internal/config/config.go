package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so it can be written as "2s" / "24h" in TOML.
type Duration time.Duration

// UnmarshalText implements toml decoding for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements toml encoding for Duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Webhooks holds the business backend callback destinations. Per-conversation
// overrides in the store take precedence over these defaults.
type Webhooks struct {
	InboundURL        string `toml:"inbound_url"`
	StatusCallbackURL string `toml:"status_callback_url"`
	FallbackURL       string `toml:"fallback_url"`
}

// Policy holds compliance-policy toggles.
type Policy struct {
	// StartResubscribes controls whether START is accepted as a no-op
	// resubscribe when the conversation is not opted out.
	StartResubscribes bool `toml:"start_resubscribes"`
}

// Config represents the daemon configuration file (~/.wasim/config.toml).
type Config struct {
	ListenAddr     string `toml:"listen_addr"`
	DataDir        string `toml:"data_dir"`
	AccountSID     string `toml:"account_sid"`
	BusinessNumber string `toml:"business_number"`
	APIVersion     string `toml:"api_version"`

	// TickInterval is the delivery status machine cadence.
	TickInterval Duration `toml:"tick_interval"`
	// SessionWindow is the free-form messaging window after the last inbound.
	SessionWindow Duration `toml:"session_window"`

	// InitialTransport is the simulated link state at boot: "online" or "offline".
	InitialTransport string `toml:"initial_transport"`

	Webhooks Webhooks `toml:"webhooks"`
	Policy   Policy   `toml:"policy"`
}

// Default returns a configuration with all defaults filled in.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		ListenAddr:       "127.0.0.1:8480",
		DataDir:          filepath.Join(home, ".wasim"),
		AccountSID:       "AC00000000000000000000000000000000",
		BusinessNumber:   "whatsapp:+14155238886",
		APIVersion:       "2010-04-01",
		TickInterval:     Duration(2 * time.Second),
		SessionWindow:    Duration(24 * time.Hour),
		InitialTransport: "online",
		Policy:           Policy{StartResubscribes: true},
	}
}

// Load reads config from the given path, layering the file over defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
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

// Validate checks the configuration for impossible values.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr must not be empty")
	}
	if c.AccountSID == "" {
		return errors.New("account_sid must not be empty")
	}
	if c.TickInterval.Std() <= 0 {
		return errors.New("tick_interval must be > 0")
	}
	if c.SessionWindow.Std() <= 0 {
		return errors.New("session_window must be > 0")
	}
	if c.InitialTransport != "online" && c.InitialTransport != "offline" {
		return fmt.Errorf("initial_transport must be online or offline, got %q", c.InitialTransport)
	}
	return nil
}

// DBPath returns the SQLite database path under the data dir.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "wasim.db")
}

// LogDir returns the log directory under the data dir.
func (c *Config) LogDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// LogPath returns the daemon log file path.
func (c *Config) LogPath() string {
	return filepath.Join(c.LogDir(), "wasimd.log")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".wasim", "config.toml")
}
