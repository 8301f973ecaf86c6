package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/memovoz/memovoz/pkg/speech"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory
// has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// speech capability. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	capture   map[string]func(ProviderEntry) (speech.Capturer, error)
	synthesis map[string]func(ProviderEntry) (speech.Synthesizer, error)
	playback  map[string]func(ProviderEntry) (speech.Player, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		capture:   make(map[string]func(ProviderEntry) (speech.Capturer, error)),
		synthesis: make(map[string]func(ProviderEntry) (speech.Synthesizer, error)),
		playback:  make(map[string]func(ProviderEntry) (speech.Player, error)),
	}
}

// RegisterCapture registers a capture provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterCapture(name string, factory func(ProviderEntry) (speech.Capturer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture[name] = factory
}

// RegisterSynthesis registers a synthesis provider factory under name.
func (r *Registry) RegisterSynthesis(name string, factory func(ProviderEntry) (speech.Synthesizer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.synthesis[name] = factory
}

// RegisterPlayback registers a playback provider factory under name.
func (r *Registry) RegisterPlayback(name string, factory func(ProviderEntry) (speech.Player, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playback[name] = factory
}

// CreateCapture instantiates a capture provider using the factory registered
// under entry.Name. Returns [ErrProviderNotRegistered] if no factory has
// been registered for that name.
func (r *Registry) CreateCapture(entry ProviderEntry) (speech.Capturer, error) {
	r.mu.RLock()
	factory, ok := r.capture[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: capture/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateSynthesis instantiates a synthesis provider using the factory
// registered under entry.Name.
func (r *Registry) CreateSynthesis(entry ProviderEntry) (speech.Synthesizer, error) {
	r.mu.RLock()
	factory, ok := r.synthesis[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: synthesis/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreatePlayback instantiates a playback provider using the factory
// registered under entry.Name.
func (r *Registry) CreatePlayback(entry ProviderEntry) (speech.Player, error) {
	r.mu.RLock()
	factory, ok := r.playback[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: playback/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
