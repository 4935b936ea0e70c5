package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Socket tunes the per-conversation websocket services. Zero values fall back
// to the built-in defaults.
type Socket struct {
	ReconnectDelay duration `toml:"reconnect_delay"`
	MaxReconnects  int      `toml:"max_reconnects"`
	TypingExpiry   duration `toml:"typing_expiry"`
}

// Config represents ~/.chatsync/config.toml. The file carries the auth token,
// so Save keeps it 0600.
type Config struct {
	APIBaseURL    string `toml:"api_base_url"`
	SocketBaseURL string `toml:"socket_base_url"`
	Token         string `toml:"token"`
	UserID        string `toml:"user_id"`
	DataDir       string `toml:"data_dir"`
	Socket        Socket `toml:"socket"`
}

// duration wraps time.Duration so it round-trips as a TOML string ("2s").
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// DefaultPath returns ~/.chatsync/config.toml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".chatsync", "config.toml"), nil
}

// Load reads config from the given path. Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Dir(path)
	}
	return &cfg, nil
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

// Validate checks the fields the sync layer cannot run without.
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("api_base_url is required")
	}
	if c.SocketBaseURL == "" {
		return fmt.Errorf("socket_base_url is required")
	}
	if !strings.HasPrefix(c.SocketBaseURL, "ws://") && !strings.HasPrefix(c.SocketBaseURL, "wss://") {
		return fmt.Errorf("socket_base_url must be a ws:// or wss:// URL, got %q", c.SocketBaseURL)
	}
	if c.Token == "" {
		return fmt.Errorf("token is required")
	}
	if c.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	return nil
}

// LogPath returns the daemon log file location under the data dir.
func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, "chatsyncd.log")
}

// Options maps the socket section onto conn service options. Unset fields
// stay zero so the service applies its defaults.
func (s Socket) Options() (reconnectDelay, typingExpiry time.Duration, maxReconnects int) {
	return s.ReconnectDelay.Duration, s.TypingExpiry.Duration, s.MaxReconnects
}
