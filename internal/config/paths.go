// Package config provides configuration loading and standard path
// resolution for the Unbound daemon.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// vendorDir is the directory name the daemon uses under the user's
// home and XDG base directories.
const vendorDir = "unbound"

// VendorTag is the 3-character prefix used to derive shared-memory
// ring names (§6): "<vendor-tag><first-8-of-session-id>".
const VendorTag = "unb"

// Paths contains the standard filesystem locations the daemon uses.
type Paths struct {
	Data   string // ~/.local/share/unbound
	Config string // ~/.config/unbound
	Cache  string // ~/.cache/unbound
	State  string // ~/.local/state/unbound
}

// GetPaths returns the standard paths for daemon data.
func GetPaths() *Paths {
	return &Paths{
		Data:   filepath.Join(getEnvOrDefault("XDG_DATA_HOME", defaultDataHome()), vendorDir),
		Config: filepath.Join(getEnvOrDefault("XDG_CONFIG_HOME", defaultConfigHome()), vendorDir),
		Cache:  filepath.Join(getEnvOrDefault("XDG_CACHE_HOME", defaultCacheHome()), vendorDir),
		State:  filepath.Join(getEnvOrDefault("XDG_STATE_HOME", defaultStateHome()), vendorDir),
	}
}

// EnsurePaths creates all required directories.
func (p *Paths) EnsurePaths() error {
	for _, dir := range []string{p.Data, p.Config, p.Cache, p.State} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// DatabasePath returns the path to the SQLite-compatible message store.
func (p *Paths) DatabasePath() string {
	return filepath.Join(p.Data, "unbound.db")
}

// SocketPath returns the default path for the local UI socket (C1).
// $HOME/<vendor-dir>/daemon.sock per §6.
func SocketPath() string {
	return filepath.Join(homeVendorDir(), "daemon.sock")
}

// RelaySocketPath returns the default path for the relay socket (C4).
func RelaySocketPath() string {
	return filepath.Join(homeVendorDir(), "relay.sock")
}

func homeVendorDir() string {
	return filepath.Join(getEnvOrDefault("HOME", "."), "."+vendorDir)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func defaultDataHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".local", "share")
}

func defaultConfigHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".config")
}

func defaultCacheHome() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("APPDATA"), "cache")
	}
	return filepath.Join(os.Getenv("HOME"), ".cache")
}

func defaultStateHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".local", "state")
}
