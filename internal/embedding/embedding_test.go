package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LunarStudio/internal/config"
)

func newServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestNewDisabledReturnsNil(t *testing.T) {
	p, err := New(config.EmbeddingConfig{})
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestNewUnknownBackend(t *testing.T) {
	_, err := New(config.EmbeddingConfig{Enabled: true, Backend: "nope"})
	assert.ErrorContains(t, err, `unsupported backend "nope"`)
}

type constantProvider struct{ vec []float32 }

func (p constantProvider) Embed(context.Context, string) ([]float32, error) { return p.vec, nil }
func (constantProvider) Close() error { return nil }

func TestRegisteredBackendIsResolved(t *testing.T) {
	var got config.EmbeddingConfig
	RegisterProvider("Constant", func(cfg config.EmbeddingConfig) (Provider, error) {
		got = cfg
		return constantProvider{vec: []float32{1, 2}}, nil
	})

	p, err := New(config.EmbeddingConfig{Enabled: true, Backend: " constant ", CacheTTL: "1m"})
	require.NoError(t, err)
	vec, err := p.Embed(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, vec)
	assert.Equal(t, "1m", got.CacheTTL)

	assert.Equal(t, []string{"constant", "llamacpp"}, backends())
	_, err = New(config.EmbeddingConfig{Enabled: true, Backend: "nope"})
	assert.ErrorContains(t, err, "available: constant, llamacpp")
}

func TestDefaultBackendRequiresBaseURL(t *testing.T) {
	_, err := New(config.EmbeddingConfig{Enabled: true})
	assert.ErrorContains(t, err, "base_url is required")
}

func TestLlamaCppEmbedResponseShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"flat", `{"embedding":[0.5,1.5]}`},
		{"openai", `{"data":[{"embedding":[0.5,1.5]}]}`},
		{"pooled array", `[{"index":0,"embedding":[[0.5,1.5]]}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/embedding", r.URL.Path)
				var payload map[string]any
				require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
				assert.Equal(t, "logarithms", payload["content"])
				assert.Equal(t, "nomic", payload["model"])
				_, _ = w.Write([]byte(tt.body))
			})

			p, err := New(config.EmbeddingConfig{
				Enabled:  true,
				LlamaCpp: config.LlamaCppEmbeddingConfig{BaseURL: srv.URL + "/", Model: "nomic"},
			})
			require.NoError(t, err)
			defer p.Close()

			vec, err := p.Embed(context.Background(), "logarithms")
			require.NoError(t, err)
			assert.Equal(t, []float32{0.5, 1.5}, vec)
		})
	}
}

func TestLlamaCppEmbedServerError(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	})
	p, err := New(config.EmbeddingConfig{Enabled: true, LlamaCpp: config.LlamaCppEmbeddingConfig{BaseURL: srv.URL}})
	require.NoError(t, err)

	_, err = p.Embed(context.Background(), "x")
	assert.ErrorContains(t, err, "503")
	assert.ErrorContains(t, err, "model not loaded")
}

func TestLlamaCppEmbedEmptyVector(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"embedding":[]}`))
	})
	p, err := New(config.EmbeddingConfig{Enabled: true, LlamaCpp: config.LlamaCppEmbeddingConfig{BaseURL: srv.URL}})
	require.NoError(t, err)

	_, err = p.Embed(context.Background(), "x")
	assert.ErrorContains(t, err, "empty vector")
}

type countingProvider struct {
	calls int
	err   error
}

func (c *countingProvider) Embed(_ context.Context, text string) ([]float32, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return []float32{float32(len(text))}, nil
}

func (c *countingProvider) Close() error { return nil }

func TestCachedProviderReusesVectors(t *testing.T) {
	inner := &countingProvider{}
	cached := NewCachedProvider(inner, 0)
	ctx := context.Background()

	first, err := cached.Embed(ctx, "abc")
	require.NoError(t, err)
	first[0] = 99 // callers may not corrupt the cache

	second, err := cached.Embed(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, []float32{3}, second)
	assert.Equal(t, 1, inner.calls)

	_, err = cached.Embed(ctx, "abcd")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)

	stats := cached.CacheStats()
	assert.Equal(t, 2, stats["size"])
	assert.Equal(t, int64(1), stats["hits"])
	assert.Equal(t, int64(2), stats["misses"])
	require.NoError(t, cached.Close())
}

func TestCachedProviderDoesNotCacheErrors(t *testing.T) {
	inner := &countingProvider{err: errors.New("down")}
	cached := NewCachedProvider(inner, 0)

	_, err := cached.Embed(context.Background(), "q")
	require.Error(t, err)
	inner.err = nil
	vec, err := cached.Embed(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, []float32{1}, vec)
	assert.Equal(t, 2, inner.calls)
}
