// Package config provides the configuration schema, loader, and provider
// registry for the MemoVoz voice session gateway.
package config

import "time"

// LogLevel controls log verbosity for the gateway.
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

// Config is the root configuration structure for MemoVoz.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Backend   BackendConfig   `yaml:"backend"`
	Session   SessionConfig   `yaml:"session"`
	History   HistoryConfig   `yaml:"history"`
	Providers ProvidersConfig `yaml:"providers"`
}

// ServerConfig holds network and logging settings for the gateway server.
type ServerConfig struct {
	// ListenAddr is the TCP address the gateway listens on (e.g., ":8990").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// OriginPatterns lists the origins accepted for the WebSocket upgrade
	// (e.g., "app.memovoz.example"). Empty means same-origin only.
	OriginPatterns []string `yaml:"origin_patterns"`
}

// BackendConfig describes the MemoVoz assistant backend the gateway
// dispatches turns to.
type BackendConfig struct {
	// BaseURL is the backend's root endpoint
	// (e.g., "https://api.memovoz.example"). Required.
	BaseURL string `yaml:"base_url"`

	// APIKey is sent as a Bearer token on every backend request, when set.
	APIKey string `yaml:"api_key"`

	// Timeout caps one dispatch round trip. Zero means the client default.
	Timeout time.Duration `yaml:"timeout"`
}

// SessionConfig tunes the session controller's timing and locale. Zero
// values select the controller's defaults.
type SessionConfig struct {
	// Locale is the BCP-47 capture/synthesis language (default "es-ES").
	Locale string `yaml:"locale"`

	// WindowSize is the number of most-recent messages shown in the
	// conversation view (default 6). The full history still goes to the
	// backend.
	WindowSize int `yaml:"window_size"`

	// RearmDelay is the grace delay before the microphone re-arms after a
	// completed turn (default 500ms).
	RearmDelay time.Duration `yaml:"rearm_delay"`

	// FailureBackoff is the delay before re-arming after a dispatch failure
	// (default 5s).
	FailureBackoff time.Duration `yaml:"failure_backoff"`

	// OfferDelay is how long after an eligible assistant message the
	// save-conversation prompt appears (default 2s).
	OfferDelay time.Duration `yaml:"offer_delay"`

	// StateTimeout force-aborts a turn stuck in a non-idle state
	// (default 30s).
	StateTimeout time.Duration `yaml:"state_timeout"`
}

// HistoryConfig configures the local turn archive.
type HistoryConfig struct {
	// Dir is the BadgerDB directory. Empty selects an in-memory archive
	// that does not survive restarts.
	Dir string `yaml:"dir"`

	// Retention is how long archived turns are kept (default 168h).
	Retention time.Duration `yaml:"retention"`
}

// ProvidersConfig declares which provider implementation to use for each
// speech capability. Each field selects a named provider registered in the
// [Registry]. An empty name leaves the capability to connected gateway
// clients.
type ProvidersConfig struct {
	Capture   ProviderEntry `yaml:"capture"`
	Synthesis ProviderEntry `yaml:"synthesis"`
	Playback  ProviderEntry `yaml:"playback"`
}

// ProviderEntry is the common configuration block shared by all provider
// types. The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "whisper",
	// "openai").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g.,
	// "ggml-base.bin", "gpt-4o-mini-tts").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by
	// the standard fields above. Values may be strings, numbers, booleans,
	// or nested maps.
	Options map[string]any `yaml:"options"`
}
