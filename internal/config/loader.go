package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per capability kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"capture":   {"whisper"},
	"synthesis": {"openai"},
	"playback":  {"pcm"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Backend
	if cfg.Backend.BaseURL == "" {
		errs = append(errs, errors.New("backend.base_url is required"))
	} else if u, err := url.Parse(cfg.Backend.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("backend.base_url %q is not an absolute URL", cfg.Backend.BaseURL))
	}
	if cfg.Backend.Timeout < 0 {
		errs = append(errs, fmt.Errorf("backend.timeout %s must not be negative", cfg.Backend.Timeout))
	}

	// Session timing. Zero selects the controller default, negatives are
	// always mistakes.
	for _, tc := range []struct {
		name string
		val  time.Duration
	}{
		{"session.rearm_delay", cfg.Session.RearmDelay},
		{"session.failure_backoff", cfg.Session.FailureBackoff},
		{"session.offer_delay", cfg.Session.OfferDelay},
		{"session.state_timeout", cfg.Session.StateTimeout},
	} {
		if tc.val < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", tc.name))
		}
	}
	if cfg.Session.WindowSize < 0 {
		errs = append(errs, fmt.Errorf("session.window_size %d must not be negative", cfg.Session.WindowSize))
	}

	// History
	if cfg.History.Retention < 0 {
		errs = append(errs, fmt.Errorf("history.retention %s must not be negative", cfg.History.Retention))
	}
	if cfg.History.Dir == "" {
		slog.Warn("history.dir is empty; turn history will not survive restarts")
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("capture", cfg.Providers.Capture.Name)
	validateProviderName("synthesis", cfg.Providers.Synthesis.Name)
	validateProviderName("playback", cfg.Providers.Playback.Name)

	// Capability availability warnings
	if cfg.Providers.Capture.Name == "" {
		slog.Warn("no native capture provider configured; speech capture requires a connected client")
	}
	if cfg.Providers.Synthesis.Name == "" {
		slog.Warn("no synthesis provider configured; responses without an audio payload will be silent")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
