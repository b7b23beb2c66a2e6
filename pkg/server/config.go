package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server  ServerSection  `toml:"server"`
	Auth    AuthSection    `toml:"auth"`
	Guard   GuardSection   `toml:"guard"`
	History HistorySection `toml:"history"`
	Uploads UploadsSection `toml:"uploads"`
}

type ServerSection struct {
	Host        string `toml:"host"`
	Port        int    `toml:"port"`
	MetricsPort int    `toml:"metrics_port"`
	DataDir     string `toml:"data_dir"`
	SessionTTL  string `toml:"session_ttl"`
}

type AuthSection struct {
	Users []UserEntry `toml:"users"`
}

// UserEntry is one principal from the config file. Password is plaintext
// and hashed at load time; PasswordHash takes precedence when both are set.
type UserEntry struct {
	Username     string `toml:"username"`
	Password     string `toml:"password"`
	PasswordHash string `toml:"password_hash"`
	DisplayName  string `toml:"display_name"`
}

type GuardSection struct {
	MaxFailures   int    `toml:"max_failures"`
	FailureWindow string `toml:"failure_window"`
	BlockDuration string `toml:"block_duration"`
	EventRate     int    `toml:"event_rate"`
	EventBurst    int    `toml:"event_burst"`
}

type HistorySection struct {
	InitialPageSize  int    `toml:"initial_page_size"`
	MaxPageSize      int    `toml:"max_page_size"`
	SnapshotInterval string `toml:"snapshot_interval"`
}

type UploadsSection struct {
	Dir        string `toml:"dir"`
	MaxBytes   int64  `toml:"max_bytes"`
	PublicPath string `toml:"public_path"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			Host:        "0.0.0.0",
			Port:        8000,
			MetricsPort: 9090,
			DataDir:     "~/.secure-chanel",
			SessionTTL:  "24h",
		},
		Auth: AuthSection{
			Users: []UserEntry{
				{Username: "sana", Password: "512683", DisplayName: "Sana"},
				{Username: "ayhan", Password: "512683", DisplayName: "Ayhan"},
			},
		},
		Guard: GuardSection{
			MaxFailures:   5,
			FailureWindow: "10m",
			BlockDuration: "15m",
			EventRate:     10,
			EventBurst:    20,
		},
		History: HistorySection{
			InitialPageSize:  50,
			MaxPageSize:      200,
			SnapshotInterval: "30s",
		},
		Uploads: UploadsSection{
			Dir:        "", // defaults to <data_dir>/uploads
			MaxBytes:   50 * 1024 * 1024,
			PublicPath: "/uploads",
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	// Expand ~ in path
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return TOMLConfig{}, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// File doesn't exist, create default config
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path); err != nil {
			// If we can't write, just return defaults without error
			// (might be a permissions issue, but we can still run)
			config = applyEnvOverrides(config)
			return config, nil
		}
		config = applyEnvOverrides(config)
		return config, nil
	}

	// Load from file
	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply environment variable overrides
	config = applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: SECURECHANEL_SECTION_KEY
// Example: SECURECHANEL_SERVER_PORT=8080
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	// Server section
	if val := os.Getenv("SECURECHANEL_SERVER_HOST"); val != "" {
		config.Server.Host = val
	}
	if val := os.Getenv("SECURECHANEL_SERVER_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.Port = port
		}
	}
	if val := os.Getenv("SECURECHANEL_SERVER_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.MetricsPort = port
		}
	}
	if val := os.Getenv("SECURECHANEL_SERVER_DATA_DIR"); val != "" {
		config.Server.DataDir = val
	}
	if val := os.Getenv("SECURECHANEL_SERVER_SESSION_TTL"); val != "" {
		config.Server.SessionTTL = val
	}

	// Guard section
	if val := os.Getenv("SECURECHANEL_GUARD_MAX_FAILURES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Guard.MaxFailures = n
		}
	}
	if val := os.Getenv("SECURECHANEL_GUARD_FAILURE_WINDOW"); val != "" {
		config.Guard.FailureWindow = val
	}
	if val := os.Getenv("SECURECHANEL_GUARD_BLOCK_DURATION"); val != "" {
		config.Guard.BlockDuration = val
	}
	if val := os.Getenv("SECURECHANEL_GUARD_EVENT_RATE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Guard.EventRate = n
		}
	}
	if val := os.Getenv("SECURECHANEL_GUARD_EVENT_BURST"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Guard.EventBurst = n
		}
	}

	// History section
	if val := os.Getenv("SECURECHANEL_HISTORY_INITIAL_PAGE_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.History.InitialPageSize = n
		}
	}
	if val := os.Getenv("SECURECHANEL_HISTORY_MAX_PAGE_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.History.MaxPageSize = n
		}
	}
	if val := os.Getenv("SECURECHANEL_HISTORY_SNAPSHOT_INTERVAL"); val != "" {
		config.History.SnapshotInterval = val
	}

	// Uploads section
	if val := os.Getenv("SECURECHANEL_UPLOADS_DIR"); val != "" {
		config.Uploads.Dir = val
	}
	if val := os.Getenv("SECURECHANEL_UPLOADS_MAX_BYTES"); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			config.Uploads.MaxBytes = n
		}
	}
	if val := os.Getenv("SECURECHANEL_UPLOADS_PUBLIC_PATH"); val != "" {
		config.Uploads.PublicPath = val
	}

	return config
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Create file
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	// Build comprehensive config file manually
	// Active settings use defaults, commented settings show available options
	content := `# Secure-Chanel Server Configuration
# This file was auto-generated with default values
# Settings below are active - modify them to change server behavior
# Commented settings show available options with their defaults
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# SECURECHANEL_SECTION_KEY (e.g., SECURECHANEL_SERVER_PORT=8080)

[server]
# Address to bind the public HTTP/WebSocket listener to
host = "0.0.0.0"

# Port for the public HTTP/WebSocket listener
port = 8000

# Port for the internal metrics server (/metrics, /health)
# Never expose this port publicly
metrics_port = 9090

# Directory holding the message database and uploads
data_dir = "~/.secure-chanel"

# How long an authenticated session stays valid without activity
session_ttl = "24h"

# Accounts allowed to sign in. Either give a plaintext password (hashed
# at startup) or a bcrypt password_hash. password_hash wins if both set.
[[auth.users]]
username = "sana"
password = "512683"
display_name = "Sana"

[[auth.users]]
username = "ayhan"
password = "512683"
display_name = "Ayhan"

[guard]
# Failed login attempts from one address before it is blocked
max_failures = 5

# Window in which failures are counted
failure_window = "10m"

# How long a blocked address stays blocked
block_duration = "15m"

# WebSocket events per second allowed per connection, with burst headroom
event_rate = 10
event_burst = 20

[history]
# Messages pushed to a client right after it connects
initial_page_size = 50

# Hard cap on page size for history requests
max_page_size = 200

# How often the in-memory message log is flushed to SQLite
snapshot_interval = "30s"

[uploads]
# Directory for uploaded files (empty = <data_dir>/uploads)
# dir = ""

# Maximum upload size in bytes (default 50 MiB)
max_bytes = 52428800

# URL prefix uploaded files are served under
public_path = "/uploads"
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if strings.TrimSpace(c.Server.Host) != "" {
		cfg.Host = c.Server.Host
	}

	if c.Server.Port != 0 {
		cfg.Port = c.Server.Port
	}

	if c.Server.MetricsPort != 0 {
		cfg.MetricsPort = c.Server.MetricsPort
	}

	if d, err := time.ParseDuration(c.Server.SessionTTL); err == nil && d > 0 {
		cfg.SessionTTL = d
	}

	if len(c.Auth.Users) > 0 {
		cfg.Users = c.Auth.Users
	}

	if c.Guard.MaxFailures != 0 {
		cfg.MaxFailures = c.Guard.MaxFailures
	}

	if d, err := time.ParseDuration(c.Guard.FailureWindow); err == nil && d > 0 {
		cfg.FailureWindow = d
	}

	if d, err := time.ParseDuration(c.Guard.BlockDuration); err == nil && d > 0 {
		cfg.BlockDuration = d
	}

	if c.Guard.EventRate != 0 {
		cfg.EventRate = c.Guard.EventRate
	}

	if c.Guard.EventBurst != 0 {
		cfg.EventBurst = c.Guard.EventBurst
	}

	if c.History.InitialPageSize != 0 {
		cfg.InitialPageSize = c.History.InitialPageSize
	}

	if c.History.MaxPageSize != 0 {
		cfg.MaxPageSize = c.History.MaxPageSize
	}

	if d, err := time.ParseDuration(c.History.SnapshotInterval); err == nil && d > 0 {
		cfg.SnapshotInterval = d
	}

	if strings.TrimSpace(c.Uploads.Dir) != "" {
		cfg.UploadDir = c.Uploads.Dir
	}

	if c.Uploads.MaxBytes != 0 {
		cfg.MaxUploadBytes = c.Uploads.MaxBytes
	}

	if strings.TrimSpace(c.Uploads.PublicPath) != "" {
		cfg.UploadPublicPath = c.Uploads.PublicPath
	}

	return cfg
}

// GetDataDir returns the data directory with ~ expanded, creating it if needed
func (c *TOMLConfig) GetDataDir() (string, error) {
	path := c.Server.DataDir
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return path, nil
}
