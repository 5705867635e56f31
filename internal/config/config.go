// Package config provides the configuration schema and loader for the argus
// session server and reference client.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// VisionProvider selects the frame-analysis path.
type VisionProvider string

const (
	// VisionRealtime runs analysis out-of-band on the session's existing
	// realtime model connection.
	VisionRealtime VisionProvider = "realtime"

	// VisionHTTP runs analysis over the chat-completions HTTP API,
	// independent of the realtime channel.
	VisionHTTP VisionProvider = "http"
)

// IsValid reports whether v is a recognised vision provider.
func (v VisionProvider) IsValid() bool {
	return v == VisionRealtime || v == VisionHTTP
}

// Config is the root configuration structure, loaded from YAML via [Load].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Model     ModelConfig     `yaml:"model"`
	Vision    VisionConfig    `yaml:"vision"`
	Session   SessionConfig   `yaml:"session"`
	Interject InterjectConfig `yaml:"interject"`
	Client    ClientConfig    `yaml:"client"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// InactivityTTLMs closes sessions with no inbound client traffic for
	// this long. Zero disables the janitor.
	InactivityTTLMs int `yaml:"inactivity_ttl_ms"`
}

// ModelConfig configures the realtime speech/vision model connection.
type ModelConfig struct {
	// APIKey authenticates against the model provider.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default WebSocket endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects the realtime model (e.g., "gpt-4o-realtime-preview").
	Model string `yaml:"model"`

	// Voice selects the synthesised output voice.
	Voice string `yaml:"voice"`

	// Instructions is the session-level system prompt.
	Instructions string `yaml:"instructions"`
}

// VisionConfig configures frame analysis.
type VisionConfig struct {
	// Provider selects the analysis path: "realtime" (default) or "http".
	Provider VisionProvider `yaml:"provider"`

	// APIKey for the HTTP analyzer. Empty falls back to model.api_key.
	APIKey string `yaml:"api_key"`

	// Model for the HTTP analyzer (e.g., "gpt-4o-mini").
	Model string `yaml:"model"`
}

// SessionConfig holds the per-session timing contracts. All of these are
// empirically chosen tunables, not guarantees: in particular the echo grace
// window reduces but does not eliminate speaker-to-microphone echo, and
// deployments with hardware echo cancellation may shorten it.
type SessionConfig struct {
	// GraceMs is the echo grace period: how long inbound audio stays
	// suppressed after the model stops speaking. Default 2000.
	GraceMs int `yaml:"grace_ms"`

	// MaxFrameAgeMs is the staleness bound on the cached camera frame at
	// the moment of use. Default 3000; sensible range 2000–5000.
	MaxFrameAgeMs int `yaml:"max_frame_age_ms"`

	// UnmuteDelayMs is how long after response completion the client is told
	// to unmute its microphone. Default 500.
	UnmuteDelayMs int `yaml:"unmute_delay_ms"`

	// MaxTurns bounds the in-memory conversation log; oldest turns are
	// trimmed past it. Default 40.
	MaxTurns int `yaml:"max_turns"`
}

// InterjectConfig holds the proactive-speech tuning surface.
type InterjectConfig struct {
	// PeriodMs is the evaluation period of the interjection scheduler.
	// Default 3000.
	PeriodMs int `yaml:"period_ms"`

	// MinIntervalMs and MaxIntervalMs are the calibration endpoints of the
	// sensitivity → minimum-interval mapping. Defaults 3000 and 30000.
	MinIntervalMs int `yaml:"min_interval_ms"`
	MaxIntervalMs int `yaml:"max_interval_ms"`

	// AnalysisTimeoutMs bounds one frame-analysis model call. Default 5000.
	AnalysisTimeoutMs int `yaml:"analysis_timeout_ms"`

	// DefaultSensitivity is the sensitivity of a fresh session, in [0,1].
	// Default 0.5.
	DefaultSensitivity float64 `yaml:"default_sensitivity"`
}

// ClientConfig holds reference-client settings.
type ClientConfig struct {
	// ServerURL is the websocket URL of the session server.
	ServerURL string `yaml:"server_url"`

	// ReconnectBaseMs is the backoff base delay before the first
	// reconnection attempt; attempt n waits base·2^(n-1). Default 500.
	ReconnectBaseMs int `yaml:"reconnect_base_ms"`

	// ReconnectMaxAttempts caps consecutive reconnection attempts.
	// Default 5.
	ReconnectMaxAttempts int `yaml:"reconnect_max_attempts"`

	// ChunkMs is the capture chunk length put on the wire. Default 100.
	ChunkMs int `yaml:"chunk_ms"`

	// BargeThreshold is the mean-absolute-amplitude threshold for barge-in
	// detection on a [-1,1] scale. Default 0.02.
	BargeThreshold float64 `yaml:"barge_threshold"`
}

// Duration accessors. Config stores integral milliseconds because that is
// what the product tuning surface is calibrated in.

func (c SessionConfig) Grace() time.Duration       { return time.Duration(c.GraceMs) * time.Millisecond }
func (c SessionConfig) MaxFrameAge() time.Duration { return time.Duration(c.MaxFrameAgeMs) * time.Millisecond }
func (c SessionConfig) UnmuteDelay() time.Duration { return time.Duration(c.UnmuteDelayMs) * time.Millisecond }

func (c InterjectConfig) Period() time.Duration      { return time.Duration(c.PeriodMs) * time.Millisecond }
func (c InterjectConfig) MinInterval() time.Duration { return time.Duration(c.MinIntervalMs) * time.Millisecond }
func (c InterjectConfig) MaxInterval() time.Duration { return time.Duration(c.MaxIntervalMs) * time.Millisecond }
func (c InterjectConfig) AnalysisTimeout() time.Duration {
	return time.Duration(c.AnalysisTimeoutMs) * time.Millisecond
}

func (c ServerConfig) InactivityTTL() time.Duration {
	return time.Duration(c.InactivityTTLMs) * time.Millisecond
}

func (c ClientConfig) ReconnectBase() time.Duration {
	return time.Duration(c.ReconnectBaseMs) * time.Millisecond
}
func (c ClientConfig) Chunk() time.Duration { return time.Duration(c.ChunkMs) * time.Millisecond }
