// Package config handles configuration loading, validation, and hot reload
// for cirrusd.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/BurntSushi/toml"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version"`

	// Device identifies this device.
	Device DeviceConfig `toml:"device"`

	// Storage configuration for the event log database.
	Storage StorageConfig `toml:"storage"`

	// Discovery configuration for peer presence on the local network.
	Discovery DiscoveryConfig `toml:"discovery"`

	// Sync configuration for peer reconciliation sessions.
	Sync SyncConfig `toml:"sync"`

	// IPC configuration for the local control socket.
	IPC IPCConfig `toml:"ipc"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging"`

	// Schemas configuration for custom payload validation.
	Schemas SchemaConfig `toml:"schemas"`
}

// DeviceConfig identifies the local device.
type DeviceConfig struct {
	// Name is the human-readable device name shown to peers.
	Name string `toml:"name"`

	// KeyPath is the path to the Ed25519 identity key. Created on first
	// run if absent.
	KeyPath string `toml:"key_path"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Path is the path to the SQLite database file.
	Path string `toml:"path"`
}

// DiscoveryConfig controls presence broadcasts.
type DiscoveryConfig struct {
	// Enabled turns peer discovery on or off.
	Enabled bool `toml:"enabled"`

	// Port is the UDP port for presence broadcasts.
	Port int `toml:"port"`

	// AnnounceIntervalSec is how often this device advertises itself.
	AnnounceIntervalSec int `toml:"announce_interval_sec"`

	// GraceSec is how long a silent peer stays "known" before it is
	// marked unreachable. Debounces flapping radios.
	GraceSec int `toml:"grace_sec"`
}

// SyncConfig controls sync sessions.
type SyncConfig struct {
	// ListenAddr is the TCP address sync sessions are accepted on.
	// The port is included in presence advertisements.
	ListenAddr string `toml:"listen_addr"`

	// SessionTimeoutSec bounds one reconciliation session end to end.
	SessionTimeoutSec int `toml:"session_timeout_sec"`

	// BatchSize is the maximum number of events per wire batch.
	BatchSize int `toml:"batch_size"`

	// MaxDeferredRetries is how many merge rounds an event may wait for
	// missing predecessors before quarantine.
	MaxDeferredRetries int `toml:"max_deferred_retries"`
}

// IPCConfig holds the control socket configuration.
type IPCConfig struct {
	// SocketPath is the unix socket the daemon serves clients on.
	SocketPath string `toml:"socket_path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `toml:"level"`

	// Format is "text" or "json".
	Format string `toml:"format"`

	// Output is "stdout", "stderr" or "file".
	Output string `toml:"output"`

	// FilePath is the log file when output is "file".
	FilePath string `toml:"file_path"`
}

// SchemaConfig configures custom payload validation.
type SchemaConfig struct {
	// Dir holds <prefix>.schema.json files for custom-category events.
	// Missing directory disables validation.
	Dir string `toml:"dir"`
}

// DefaultDataDir returns the platform default data directory.
func DefaultDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "cirrusd")
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData = os.Getenv("APPDATA")
		}
		return filepath.Join(appData, "cirrusd")
	default:
		dataHome := os.Getenv("XDG_DATA_HOME")
		if dataHome == "" {
			home, _ := os.UserHomeDir()
			dataHome = filepath.Join(home, ".local", "share")
		}
		return filepath.Join(dataHome, "cirrusd")
	}
}

// DefaultConfigPath returns the platform default config file location.
func DefaultConfigPath() string {
	switch runtime.GOOS {
	case "darwin", "windows":
		return filepath.Join(DefaultDataDir(), "config.toml")
	default:
		configHome := os.Getenv("XDG_CONFIG_HOME")
		if configHome == "" {
			home, _ := os.UserHomeDir()
			configHome = filepath.Join(home, ".config")
		}
		return filepath.Join(configHome, "cirrusd", "config.toml")
	}
}

// Default returns the default configuration.
func Default() *Config {
	dataDir := DefaultDataDir()
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "device"
	}
	return &Config{
		Version: Version,
		Device: DeviceConfig{
			Name:    hostname,
			KeyPath: filepath.Join(dataDir, "identity.key"),
		},
		Storage: StorageConfig{
			Path: filepath.Join(dataDir, "context.db"),
		},
		Discovery: DiscoveryConfig{
			Enabled:             true,
			Port:                47200,
			AnnounceIntervalSec: 5,
			GraceSec:            30,
		},
		Sync: SyncConfig{
			ListenAddr:         ":47201",
			SessionTimeoutSec:  60,
			BatchSize:          256,
			MaxDeferredRetries: 3,
		},
		IPC: IPCConfig{
			SocketPath: filepath.Join(dataDir, "cirrusd.sock"),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Schemas: SchemaConfig{
			Dir: filepath.Join(dataDir, "schemas"),
		},
	}
}

// Load reads the config file at path, applying defaults for anything
// unset. A missing file yields the defaults, not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	if c.Version <= 0 || c.Version > Version {
		return fmt.Errorf("config: unsupported version %d", c.Version)
	}
	if c.Device.Name == "" {
		return errors.New("config: device.name must not be empty")
	}
	if c.Device.KeyPath == "" {
		return errors.New("config: device.key_path must not be empty")
	}
	if c.Storage.Path == "" {
		return errors.New("config: storage.path must not be empty")
	}
	if c.Discovery.Port <= 0 || c.Discovery.Port > 65535 {
		return fmt.Errorf("config: discovery.port %d out of range", c.Discovery.Port)
	}
	if c.Discovery.AnnounceIntervalSec <= 0 {
		return errors.New("config: discovery.announce_interval_sec must be positive")
	}
	if c.Discovery.GraceSec < c.Discovery.AnnounceIntervalSec {
		return errors.New("config: discovery.grace_sec must cover at least one announce interval")
	}
	if c.Sync.ListenAddr == "" {
		return errors.New("config: sync.listen_addr must not be empty")
	}
	if c.Sync.SessionTimeoutSec <= 0 {
		return errors.New("config: sync.session_timeout_sec must be positive")
	}
	if c.Sync.BatchSize <= 0 {
		return errors.New("config: sync.batch_size must be positive")
	}
	if c.Sync.MaxDeferredRetries <= 0 {
		return errors.New("config: sync.max_deferred_retries must be positive")
	}
	if c.IPC.SocketPath == "" {
		return errors.New("config: ipc.socket_path must not be empty")
	}
	return nil
}

// AnnounceInterval returns the discovery announce interval as a duration.
func (c *Config) AnnounceInterval() time.Duration {
	return time.Duration(c.Discovery.AnnounceIntervalSec) * time.Second
}

// Grace returns the discovery grace period as a duration.
func (c *Config) Grace() time.Duration {
	return time.Duration(c.Discovery.GraceSec) * time.Second
}

// SessionTimeout returns the sync session timeout as a duration.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.Sync.SessionTimeoutSec) * time.Second
}
