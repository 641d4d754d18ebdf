//go:build !darwin

package config

import (
	"os"
	"path/filepath"
)

// defaultDataDir holds the outbox database and the secrets file.
func defaultDataDir() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", ".local", "share"), "fieldsync")
}

func nativeBackend() ConfigBackend {
	return newFileBackend(filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), "fieldsync", "config.json"))
}

// xdgDir returns $env, or the fallback under the home directory.
func xdgDir(env string, fallback ...string) string {
	if dir := os.Getenv(env); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(append([]string{home}, fallback...)...)
}
