package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// UserDataDir returns the per-project data directory used for sessions,
// logs, and run history.
//
// Priority order:
//  1. AUTODEV_HOME environment variable, if set.
//  2. The project root, detected by walking up from the working directory
//     looking for a .autodev-root marker or a go.mod naming this module.
//  3. The current working directory, as a fallback.
//
// The directory is created if it doesn't exist.
func UserDataDir() (string, error) {
	if home := os.Getenv("AUTODEV_HOME"); home != "" {
		return ensureDir(home)
	}

	if root, err := findProjectRoot(); err == nil && root != "" {
		return ensureDir(filepath.Join(root, ".autodev"))
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	return ensureDir(filepath.Join(cwd, ".autodev"))
}

func ensureDir(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create data directory %s: %w", dir, err)
	}
	return dir, nil
}

// findProjectRoot walks up from the working directory looking for a
// .autodev-root marker file or a go.mod declaring this module.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	current := cwd
	for {
		if _, err := os.Stat(filepath.Join(current, ".autodev-root")); err == nil {
			return current, nil
		}
		if data, err := os.ReadFile(filepath.Join(current, "go.mod")); err == nil {
			if strings.Contains(string(data), "github.com/harrison/auto-dev-scheduler") {
				return current, nil
			}
		}
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}
	return "", fmt.Errorf("project root not found (looking for .autodev-root or go.mod)")
}

// SessionsDir returns (and creates) "<userData>/sessions".
func SessionsDir() (string, error) {
	home, err := UserDataDir()
	if err != nil {
		return "", err
	}
	return ensureDir(filepath.Join(home, "sessions"))
}

// LogsDir returns (and creates) "<userData>/logs".
func LogsDir() (string, error) {
	home, err := UserDataDir()
	if err != nil {
		return "", err
	}
	return ensureDir(filepath.Join(home, "logs"))
}

// HistoryDBPath returns the absolute path to the run-history SQLite file,
// "<userData>/history.db".
func HistoryDBPath() (string, error) {
	home, err := UserDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "history.db"), nil
}

// WatchdogAuditLogPath returns the absolute path to the watchdog's
// append-only JSON-lines decision log, "<userData>/watchdog-audit.jsonl".
func WatchdogAuditLogPath() (string, error) {
	home, err := UserDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "watchdog-audit.jsonl"), nil
}
