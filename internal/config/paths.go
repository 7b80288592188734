package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// AppName is the directory name used for application data.
const AppName = "threadwatch"

// Mode selects between the live pipeline and the synthetic test pipeline.
type Mode string

const (
	ModeProd Mode = "PROD"
	ModeTest Mode = "TEST"
)

// ModeFromEnv reads APP_MODE. Empty or unknown values map to PROD.
func ModeFromEnv() Mode {
	switch strings.ToUpper(strings.TrimSpace(os.Getenv("APP_MODE"))) {
	case "TEST":
		return ModeTest
	default:
		return ModeProd
	}
}

// DataDir resolves the per-OS application data directory:
// macOS:   ~/Library/Application Support/{app}
// Windows: %APPDATA%\{app}, fallback ~/AppData/Roaming/{app}
// Linux:   $XDG_DATA_HOME/{app}, fallback ~/.local/share/{app}
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppName), nil
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, AppName), nil
		}
		return filepath.Join(home, "AppData", "Roaming", AppName), nil
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, AppName), nil
		}
		return filepath.Join(home, ".local", "share", AppName), nil
	}
}

// EnsureDataDir resolves and creates the data directory.
// Failure here is fatal for startup.
func EnsureDataDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create data directory %s: %w", dir, err)
	}
	return dir, nil
}

// LogsDir returns the log directory under the given data directory.
func LogsDir(dataDir string) string {
	return filepath.Join(dataDir, "logs")
}

// FilePath returns the config file path under the given data directory.
func FilePath(dataDir string) string {
	return filepath.Join(dataDir, "config.toml")
}

// DatabasePath returns the SQLite database path under the data directory.
func DatabasePath(dataDir string) string {
	return filepath.Join(dataDir, "threads.db")
}
