package config

import "reflect"

// ConfigDiff describes what changed between two configs. Only changes that
// can be applied without restarting the gateway are tracked individually;
// everything else sets RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true when any session timing or locale value
	// changed. New timings apply from the next turn.
	SessionChanged bool

	// RestartRequired is true when a change cannot be hot-applied (server
	// address, backend endpoint, providers, history location).
	RestartRequired bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Session != new.Session {
		d.SessionChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		!equalStrings(old.Server.OriginPatterns, new.Server.OriginPatterns) ||
		old.Backend != new.Backend ||
		old.History != new.History ||
		!equalEntries(old.Providers.Capture, new.Providers.Capture) ||
		!equalEntries(old.Providers.Synthesis, new.Providers.Synthesis) ||
		!equalEntries(old.Providers.Playback, new.Providers.Playback) {
		d.RestartRequired = true
	}

	return d
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalEntries(a, b ProviderEntry) bool {
	return a.Name == b.Name &&
		a.APIKey == b.APIKey &&
		a.BaseURL == b.BaseURL &&
		a.Model == b.Model &&
		reflect.DeepEqual(a.Options, b.Options)
}
