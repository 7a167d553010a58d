package runtime

import (
	"fmt"
	"sort"
	"strings"

	"LunarStudio/internal/config"
)

// Manager owns the adapter selected by configuration.
type Manager struct {
	adapter Adapter
	options GenerationOptions
}

// NewManager constructs the runtime manager using the provided configuration.
func NewManager(cfg config.RuntimeConfig, registry Registry) (*Manager, error) {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	if backend == "" {
		backend = "http"
	}

	adapterFactory, ok := registry[backend]
	if !ok {
		available := registry.Backends()
		sort.Strings(available)
		return nil, fmt.Errorf("runtime: backend %q not registered (available: %s)", backend, strings.Join(available, ", "))
	}

	adapter, err := adapterFactory(cfg)
	if err != nil {
		return nil, err
	}

	return &Manager{adapter: adapter, options: OptionsFromConfig(cfg.Defaults)}, nil
}

// Adapter returns the configured backend.
func (m *Manager) Adapter() Adapter {
	if m == nil {
		return nil
	}
	return m.adapter
}

// Options returns the generation defaults resolved from configuration.
func (m *Manager) Options() GenerationOptions {
	if m == nil {
		return GenerationOptions{}
	}
	return m.options
}

// Close frees adapter resources.
func (m *Manager) Close() error {
	if m == nil || m.adapter == nil {
		return nil
	}
	return m.adapter.Close()
}

// OptionsFromConfig converts configured defaults into generation options.
func OptionsFromConfig(d config.GenerationDefaults) GenerationOptions {
	return GenerationOptions{
		MaxTokens:   d.MaxTokens,
		Temperature: d.Temperature,
		TopK:        d.TopK,
		TopP:        d.TopP,
		MinP:        d.MinP,
		Seed:        d.Seed,
		ContextSize: d.ContextSize,
	}
}

// Registry maps backend keys to factories initialising adapters.
type Registry map[string]AdapterFactory

// AdapterFactory constructs a new adapter instance from configuration.
type AdapterFactory func(config.RuntimeConfig) (Adapter, error)
