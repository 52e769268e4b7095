package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	configFileName = "config.yml"
	appDirName     = "fastget"
)

// configDir returns the standard config directory for fastget.
// All platforms: ~/.config/fastget/
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", appDirName), nil
}

// configPath returns the path to the config file, e.g. ~/.config/fastget/config.yml
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFileName), nil
}

// cliConfig holds the user's default flag values, loaded from
// ~/.config/fastget/config.yml when present.
type cliConfig struct {
	// Streams is the default connection count (flag --streams).
	Streams int `yaml:"streams,omitempty"`

	// ChunkSize caps each connection's window in bytes (flag --chunk-size).
	ChunkSize int64 `yaml:"chunk_size,omitempty"`

	// OutputDir is where downloads land unless --output overrides it.
	OutputDir string `yaml:"output_dir,omitempty"`

	// NoTUI disables the Bubble Tea progress display by default.
	NoTUI bool `yaml:"no_tui,omitempty"`
}

// defaultConfig returns a cliConfig with sensible defaults.
func defaultConfig() *cliConfig {
	return &cliConfig{
		Streams:   5,
		ChunkSize: 0,
		OutputDir: ".",
	}
}

// configExists checks if config file exists
func configExists() bool {
	path, err := configPath()
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// loadConfig reads the config from ~/.config/fastget/config.yml
func loadConfig() (*cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %w", err)
	}

	cfg := &cliConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

// saveConfig writes cfg to ~/.config/fastget/config.yml
func saveConfig(cfg *cliConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}

	path, err := configPath()
	if err != nil {
		return fmt.Errorf("failed to get config path: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	header := "# fastget configuration file\n# Run 'fastget config init' to regenerate with defaults\n\n"
	return os.WriteFile(path, []byte(header+string(data)), 0644)
}

// initConfig creates a new config.yml with default values.
func initConfig() error {
	if configExists() {
		path, _ := configPath()
		return fmt.Errorf("%s already exists", path)
	}
	return saveConfig(defaultConfig())
}

// loadConfigOrDefault loads config if it exists, otherwise returns defaults.
func loadConfigOrDefault() *cliConfig {
	cfg, err := loadConfig()
	if err != nil {
		return defaultConfig()
	}
	return cfg
}
