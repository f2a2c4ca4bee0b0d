// Package paths locates the directories homespun keeps its state in.
package paths

import (
	"os"
	"path/filepath"
)

// Overrides for the default locations.
const (
	EnvDataDir   = "HOMESPUN_DATA_DIR"
	EnvConfigDir = "HOMESPUN_CONFIG_DIR"
)

const appName = "homespun"

// GetDataDir returns the directory for cached sessions and other state:
// $HOMESPUN_DATA_DIR, else $XDG_DATA_HOME/homespun, else ~/.homespun.
var GetDataDir = func() string {
	if dir := os.Getenv(EnvDataDir); dir != "" {
		return filepath.Clean(dir)
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}
	return filepath.Join(homeDir(), "."+appName)
}

// GetConfigDir returns the directory holding config.yaml. Tests may replace
// it.
var GetConfigDir = func() string {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		return filepath.Clean(dir)
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, appName)
	}
	return filepath.Join(homeDir(), ".config", appName)
}

// GetConfigFile returns the default config file path. It may not exist.
func GetConfigFile() string {
	return filepath.Join(GetConfigDir(), "config.yaml")
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return os.TempDir()
	}
	return home
}
