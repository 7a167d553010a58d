// Package embedding turns retrieval queries and corpus passages into vectors.
package embedding

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"LunarStudio/internal/config"
)

// Provider embeds one text. Implementations must be safe for concurrent use:
// the indexer embeds passages from several goroutines.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Close() error
}

// ProviderFactory builds a Provider from the embedding section of the config.
type ProviderFactory func(config.EmbeddingConfig) (Provider, error)

const defaultBackend = "llamacpp"

var (
	providersMu sync.RWMutex
	providers   = map[string]ProviderFactory{}
)

func init() {
	RegisterProvider(defaultBackend, func(cfg config.EmbeddingConfig) (Provider, error) {
		return newLlamaCppProvider(cfg.LlamaCpp)
	})
}

// RegisterProvider makes a backend selectable through embedding.backend.
// Registering an existing name replaces its factory.
func RegisterProvider(name string, factory ProviderFactory) {
	providersMu.Lock()
	defer providersMu.Unlock()
	providers[strings.ToLower(name)] = factory
}

// New constructs the configured provider. It returns nil when embeddings are
// disabled, which makes the orchestrator answer without retrieval.
func New(cfg config.EmbeddingConfig) (Provider, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend == "" {
		backend = defaultBackend
	}

	providersMu.RLock()
	factory, ok := providers[backend]
	providersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("embedding: unsupported backend %q (available: %s)", backend, strings.Join(backends(), ", "))
	}
	return factory(cfg)
}

func backends() []string {
	providersMu.RLock()
	defer providersMu.RUnlock()
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
