package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/tidwall/jsonc"
)

// Config holds daemon-wide configuration loaded from layered JSONC
// files plus environment overrides, mirroring the teacher's layered
// global-config / project-config / env-override precedence.
type Config struct {
	// CLIBinary is the external LLM CLI executable invoked per §6.
	CLIBinary string `json:"cli_binary,omitempty"`
	// DefaultModel is passed as --model when a session doesn't override it.
	DefaultModel string `json:"default_model,omitempty"`
	// DefaultPermissionMode is passed as --permission-mode.
	DefaultPermissionMode string `json:"default_permission_mode,omitempty"`

	// RingSlotCount is the default power-of-two slot count for new
	// per-session shared-memory rings (§4.2 Open Question: implied,
	// not fixed by spec — default chosen here, overridable per session).
	RingSlotCount int `json:"ring_slot_count,omitempty"`
	// RingSlotSize is the per-slot byte size (header + payload capacity).
	RingSlotSize int `json:"ring_slot_size,omitempty"`

	// RelayEndpoint is the external fan-out service address used by C4.
	RelayEndpoint string `json:"relay_endpoint,omitempty"`
	// RelayDefaultChannel is used when a side-effect frame omits channel.
	RelayDefaultChannel string `json:"relay_default_channel,omitempty"`
	// RelayPublishTimeoutSeconds bounds a single publish attempt (§5).
	RelayPublishTimeoutSeconds int `json:"relay_publish_timeout_seconds,omitempty"`

	// TelemetryEndpoint is optional; the daemon functions without it (§6).
	TelemetryEndpoint string `json:"telemetry_endpoint,omitempty"`
	// TelemetryToken is optional bearer material for TelemetryEndpoint.
	TelemetryToken string `json:"telemetry_token,omitempty"`
}

// DefaultConfig returns the configuration used when no file or
// environment override is present.
func DefaultConfig() *Config {
	return &Config{
		CLIBinary:                  "claude",
		DefaultModel:               "",
		DefaultPermissionMode:      "default",
		RingSlotCount:              1024,
		RingSlotSize:               4096,
		RelayDefaultChannel:        "unbound.events",
		RelayPublishTimeoutSeconds: 10,
	}
}

// Load loads configuration from, in increasing priority: the global
// config file, the per-repository project config file, then
// environment variables.
func Load(directory string) (*Config, error) {
	cfg := DefaultConfig()

	loadConfigFile(filepath.Join(GetPaths().Config, "unbound.jsonc"), cfg)
	if directory != "" {
		loadConfigFile(filepath.Join(directory, ".unbound", "unbound.jsonc"), cfg)
	}
	applyEnvOverrides(cfg)

	return cfg, nil
}

func loadConfigFile(path string, cfg *Config) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	data = jsonc.ToJSON(data)

	var fileCfg Config
	if err := json.Unmarshal(data, &fileCfg); err != nil {
		return
	}
	mergeConfig(cfg, &fileCfg)
}

func mergeConfig(target, source *Config) {
	if source.CLIBinary != "" {
		target.CLIBinary = source.CLIBinary
	}
	if source.DefaultModel != "" {
		target.DefaultModel = source.DefaultModel
	}
	if source.DefaultPermissionMode != "" {
		target.DefaultPermissionMode = source.DefaultPermissionMode
	}
	if source.RingSlotCount != 0 {
		target.RingSlotCount = source.RingSlotCount
	}
	if source.RingSlotSize != 0 {
		target.RingSlotSize = source.RingSlotSize
	}
	if source.RelayEndpoint != "" {
		target.RelayEndpoint = source.RelayEndpoint
	}
	if source.RelayDefaultChannel != "" {
		target.RelayDefaultChannel = source.RelayDefaultChannel
	}
	if source.RelayPublishTimeoutSeconds != 0 {
		target.RelayPublishTimeoutSeconds = source.RelayPublishTimeoutSeconds
	}
	if source.TelemetryEndpoint != "" {
		target.TelemetryEndpoint = source.TelemetryEndpoint
	}
	if source.TelemetryToken != "" {
		target.TelemetryToken = source.TelemetryToken
	}
}

// applyEnvOverrides applies vendor-specific environment variable
// overrides per §6 ("reads vendor-specific environment variables for
// optional telemetry endpoints and token material").
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("UNBOUND_CLI_BINARY"); v != "" {
		cfg.CLIBinary = v
	}
	if v := os.Getenv("UNBOUND_MODEL"); v != "" {
		cfg.DefaultModel = v
	}
	if v := os.Getenv("UNBOUND_PERMISSION_MODE"); v != "" {
		cfg.DefaultPermissionMode = v
	}
	if v := os.Getenv("UNBOUND_RING_SLOT_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RingSlotCount = n
		}
	}
	if v := os.Getenv("UNBOUND_RELAY_ENDPOINT"); v != "" {
		cfg.RelayEndpoint = v
	}
	if v := os.Getenv("UNBOUND_TELEMETRY_ENDPOINT"); v != "" {
		cfg.TelemetryEndpoint = v
	}
	if v := os.Getenv("UNBOUND_TELEMETRY_TOKEN"); v != "" {
		cfg.TelemetryToken = v
	}
}

// Save writes the configuration to path as indented JSON.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
