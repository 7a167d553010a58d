package llmclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LunarStudio/internal/config"
	"LunarStudio/internal/runtime"
)

func TestRemoteClientStreamsDeltas(t *testing.T) {
	t.Setenv("LUNAR_TEST_KEY", "secret")

	var got remoteRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_ = json.NewDecoder(r.Body).Decode(&got)

		w.Header().Set("Content-Type", "text/event-stream")
		for _, delta := range []string{"Hel", "lo", ""} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", delta)
		}
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: not json\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client, err := NewRemoteClient(config.ExternalConfig{BaseURL: srv.URL + "/v1/", APIKeyEnv: "LUNAR_TEST_KEY", Model: "m"})
	require.NoError(t, err)
	defer client.Close()

	var deltas []string
	reply, err := client.Stream(context.Background(),
		[]runtime.ChatMessage{{Role: "user", Content: "hi"}},
		runtime.GenerationOptions{MaxTokens: 32},
		func(s string) error {
			deltas = append(deltas, s)
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, "Hello", reply)
	assert.Equal(t, []string{"Hel", "lo"}, deltas)
	assert.True(t, got.Stream)
	assert.Equal(t, "m", got.Model)
	assert.Equal(t, 32, got.MaxTokens)
}

func TestRemoteClientErrors(t *testing.T) {
	_, err := NewRemoteClient(config.ExternalConfig{Model: "m"})
	assert.ErrorContains(t, err, "base_url")

	_, err = NewRemoteClient(config.ExternalConfig{BaseURL: "http://x", Model: "m", APIKeyEnv: "LUNAR_TEST_UNSET_KEY"})
	assert.ErrorContains(t, err, "LUNAR_TEST_UNSET_KEY")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client, err := NewRemoteClient(config.ExternalConfig{BaseURL: srv.URL, Model: "m"})
	require.NoError(t, err)
	_, err = client.Stream(context.Background(), nil, runtime.GenerationOptions{}, nil)
	assert.ErrorContains(t, err, "429")
}
