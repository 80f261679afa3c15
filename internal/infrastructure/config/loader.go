package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Loader handles loading configuration from files.
type Loader struct {
	configDir string
}

// NewLoader creates a new configuration loader.
// If configDir is empty, it defaults to ~/.tidal.
func NewLoader(configDir string) (*Loader, error) {
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, ".tidal")
	}

	return &Loader{configDir: configDir}, nil
}

// Dir returns the loader's configuration directory.
func (l *Loader) Dir() string {
	return l.configDir
}

// Load loads configuration from the specified file or default location.
// If the file doesn't exist, returns the default configuration.
func (l *Loader) Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = filepath.Join(l.configDir, "config.yaml")
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return l.withDefaults(NewDefaultConfig()), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := NewDefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return l.withDefaults(cfg), nil
}

// Write serializes the configuration to the given path, creating the
// directory when needed. Used by `tidal init`.
func (l *Loader) Write(cfg *Config, configPath string) error {
	if configPath == "" {
		configPath = filepath.Join(l.configDir, "config.yaml")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// withDefaults fills storage paths relative to the config directory and
// pulls the API token from the environment when unset.
func (l *Loader) withDefaults(cfg *Config) *Config {
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = filepath.Join(l.configDir, "sync.db")
	}
	if cfg.Storage.ControlDir == "" {
		cfg.Storage.ControlDir = filepath.Join(l.configDir, "control")
	}
	if cfg.Storage.DeviceIDPath == "" {
		cfg.Storage.DeviceIDPath = filepath.Join(l.configDir, "device_id")
	}
	if cfg.Remote.BaseURL == "" {
		cfg.Remote.BaseURL = os.Getenv("TIDAL_API_URL")
	}
	if cfg.Remote.Token == "" {
		cfg.Remote.Token = os.Getenv("TIDAL_API_TOKEN")
	}
	return cfg
}
