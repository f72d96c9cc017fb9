package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"termmux/log"
)

const (
	ConfigFileName = "config.json"
	OwnersDirName  = "owners"

	defaultIdleFallbackMs  = 3000
	defaultSnapshotByteCap = 1 << 20 // 1 MiB
	defaultCols            = 80
	defaultRows            = 24
)

// GetConfigDir returns the path to the application's configuration directory.
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config home directory: %w", err)
	}
	return filepath.Join(homeDir, ".termmux"), nil
}

// GetOwnersDir returns the directory holding per-owner session bundles.
func GetOwnersDir() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, OwnersDirName), nil
}

// Config represents the application configuration.
type Config struct {
	// DefaultShell is the program spawned when a session has no launch profile.
	DefaultShell string `json:"default_shell"`
	// DefaultCols and DefaultRows are the initial terminal dimensions.
	DefaultCols int `json:"default_cols"`
	DefaultRows int `json:"default_rows"`
	// IdleFallbackMs is how long a session without control-signal support
	// stays optimistically "running" after input before it falls back to idle.
	IdleFallbackMs int `json:"idle_fallback_ms"`
	// SnapshotByteCap is the maximum serialized screen snapshot size that will
	// be persisted. Larger snapshots are skipped, never truncated.
	SnapshotByteCap int `json:"snapshot_byte_cap"`
	// TerminalPrograms is the ordered list of native terminal emulators to try
	// when opening a session's directory in an OS terminal. Empty means use
	// the platform defaults.
	TerminalPrograms []string `json:"terminal_programs"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DefaultShell:    defaultShell(),
		DefaultCols:     defaultCols,
		DefaultRows:     defaultRows,
		IdleFallbackMs:  defaultIdleFallbackMs,
		SnapshotByteCap: defaultSnapshotByteCap,
	}
}

func defaultShell() string {
	if runtime.GOOS == "windows" {
		return "powershell.exe"
	}
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/bash"
}

// LoadConfig loads the configuration from disk. If it cannot be done, the
// default configuration is returned.
func LoadConfig() *Config {
	configDir, err := GetConfigDir()
	if err != nil {
		log.ErrorLog.Printf("failed to get config directory: %v", err)
		return DefaultConfig()
	}

	configPath := filepath.Join(configDir, ConfigFileName)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			defaultCfg := DefaultConfig()
			if saveErr := SaveConfig(defaultCfg); saveErr != nil {
				log.WarningLog.Printf("failed to save default config: %v", saveErr)
			}
			return defaultCfg
		}
		log.WarningLog.Printf("failed to read config file: %v", err)
		return DefaultConfig()
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		log.ErrorLog.Printf("failed to parse config file: %v", err)
		return DefaultConfig()
	}
	cfg.applyFloors()
	return cfg
}

// applyFloors replaces nonsensical values with defaults so a hand-edited
// config cannot wedge the classifier or persistence.
func (c *Config) applyFloors() {
	if c.DefaultCols <= 0 {
		c.DefaultCols = defaultCols
	}
	if c.DefaultRows <= 0 {
		c.DefaultRows = defaultRows
	}
	if c.IdleFallbackMs <= 0 {
		c.IdleFallbackMs = defaultIdleFallbackMs
	}
	if c.SnapshotByteCap <= 0 {
		c.SnapshotByteCap = defaultSnapshotByteCap
	}
	if c.DefaultShell == "" {
		c.DefaultShell = defaultShell()
	}
}

// SaveConfig saves the configuration to disk.
func SaveConfig(cfg *Config) error {
	configDir, err := GetConfigDir()
	if err != nil {
		return fmt.Errorf("failed to get config directory: %w", err)
	}
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(filepath.Join(configDir, ConfigFileName), data, 0o644)
}
