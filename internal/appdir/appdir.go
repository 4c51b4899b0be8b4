// Package appdir locates the storyplay data directory, which holds the
// persistent store (last-used session, playtest stories).
package appdir

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const (
	// DirEnv overrides the data directory.
	DirEnv = "STORYPLAY_DIR"

	StoreFileName = "state.json"
	StoreDBName   = "state.db"
)

// Dir returns the data directory: $STORYPLAY_DIR when set, otherwise
// $XDG_DATA_HOME/storyplay (or ~/.local/share/storyplay) on Linux and the
// user configuration directory elsewhere. It does not create it.
func Dir() (string, error) {
	if dir := os.Getenv(DirEnv); dir != "" {
		return dir, nil
	}
	if runtime.GOOS != "darwin" && runtime.GOOS != "windows" {
		if data := os.Getenv("XDG_DATA_HOME"); data != "" {
			return filepath.Join(data, "storyplay"), nil
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		return filepath.Join(home, ".local", "share", "storyplay"), nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config directory: %w", err)
	}
	return filepath.Join(base, "storyplay"), nil
}

// EnsureDir creates the data directory if it doesn't exist.
func EnsureDir() error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory %s: %w", dir, err)
	}
	return nil
}

// StorePath returns the default store path for a backend: the SQLite
// database for "sqlite", the JSON file for anything else.
func StorePath(backend string) (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	if backend == "sqlite" {
		return filepath.Join(dir, StoreDBName), nil
	}
	return filepath.Join(dir, StoreFileName), nil
}
