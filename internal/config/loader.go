package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields with the documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	if cfg.Model.Model == "" {
		cfg.Model.Model = "gpt-4o-realtime-preview"
	}
	if cfg.Model.Voice == "" {
		cfg.Model.Voice = "alloy"
	}

	if cfg.Vision.Provider == "" {
		cfg.Vision.Provider = VisionRealtime
	}
	if cfg.Vision.APIKey == "" {
		cfg.Vision.APIKey = cfg.Model.APIKey
	}

	if cfg.Session.GraceMs == 0 {
		cfg.Session.GraceMs = 2000
	}
	if cfg.Session.MaxFrameAgeMs == 0 {
		cfg.Session.MaxFrameAgeMs = 3000
	}
	if cfg.Session.UnmuteDelayMs == 0 {
		cfg.Session.UnmuteDelayMs = 500
	}
	if cfg.Session.MaxTurns == 0 {
		cfg.Session.MaxTurns = 40
	}

	if cfg.Interject.PeriodMs == 0 {
		cfg.Interject.PeriodMs = 3000
	}
	if cfg.Interject.MinIntervalMs == 0 {
		cfg.Interject.MinIntervalMs = 3000
	}
	if cfg.Interject.MaxIntervalMs == 0 {
		cfg.Interject.MaxIntervalMs = 30000
	}
	if cfg.Interject.AnalysisTimeoutMs == 0 {
		cfg.Interject.AnalysisTimeoutMs = 5000
	}
	if cfg.Interject.DefaultSensitivity == 0 {
		cfg.Interject.DefaultSensitivity = 0.5
	}

	if cfg.Client.ServerURL == "" {
		cfg.Client.ServerURL = "ws://localhost:8080/v1/session/ws"
	}
	if cfg.Client.ReconnectBaseMs == 0 {
		cfg.Client.ReconnectBaseMs = 500
	}
	if cfg.Client.ReconnectMaxAttempts == 0 {
		cfg.Client.ReconnectMaxAttempts = 5
	}
	if cfg.Client.ChunkMs == 0 {
		cfg.Client.ChunkMs = 100
	}
	if cfg.Client.BargeThreshold == 0 {
		cfg.Client.BargeThreshold = 0.02
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.InactivityTTLMs < 0 {
		errs = append(errs, fmt.Errorf("server.inactivity_ttl_ms must not be negative"))
	}

	if !cfg.Vision.Provider.IsValid() {
		errs = append(errs, fmt.Errorf("vision.provider %q is invalid; valid values: realtime, http", cfg.Vision.Provider))
	}

	if cfg.Session.GraceMs < 0 {
		errs = append(errs, fmt.Errorf("session.grace_ms must not be negative"))
	}
	if cfg.Session.MaxFrameAgeMs < 0 {
		errs = append(errs, fmt.Errorf("session.max_frame_age_ms must not be negative"))
	}
	if cfg.Session.MaxTurns < 0 {
		errs = append(errs, fmt.Errorf("session.max_turns must not be negative"))
	}

	if cfg.Interject.PeriodMs <= 0 {
		errs = append(errs, fmt.Errorf("interject.period_ms must be positive"))
	}
	if cfg.Interject.MinIntervalMs > cfg.Interject.MaxIntervalMs {
		errs = append(errs, fmt.Errorf("interject.min_interval_ms %d exceeds max_interval_ms %d",
			cfg.Interject.MinIntervalMs, cfg.Interject.MaxIntervalMs))
	}
	if cfg.Interject.DefaultSensitivity < 0 || cfg.Interject.DefaultSensitivity > 1 {
		errs = append(errs, fmt.Errorf("interject.default_sensitivity %.2f is out of range [0, 1]", cfg.Interject.DefaultSensitivity))
	}

	if cfg.Client.ReconnectMaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("client.reconnect_max_attempts must not be negative"))
	}
	if cfg.Client.BargeThreshold < 0 || cfg.Client.BargeThreshold > 1 {
		errs = append(errs, fmt.Errorf("client.barge_threshold %.3f is out of range [0, 1]", cfg.Client.BargeThreshold))
	}

	return errors.Join(errs...)
}
