package llmclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"LunarStudio/internal/config"
	"LunarStudio/internal/runtime"
)

// RemoteClient streams chat completions from an OpenAI-compatible provider.
// It bypasses the local tracks entirely and keeps no conversation state.
type RemoteClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

type remoteRequest struct {
	Model       string                `json:"model"`
	Messages    []runtime.ChatMessage `json:"messages"`
	Stream      bool                  `json:"stream"`
	MaxTokens   int                   `json:"max_tokens,omitempty"`
	Temperature float64               `json:"temperature,omitempty"`
	TopP        float64               `json:"top_p,omitempty"`
}

type remoteChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewRemoteClient reads the provider settings and the API key named by
// cfg.APIKeyEnv.
func NewRemoteClient(cfg config.ExternalConfig) (*RemoteClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("llmclient: external base_url is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("llmclient: external model is required")
	}
	var apiKey string
	if name := strings.TrimSpace(cfg.APIKeyEnv); name != "" {
		apiKey = strings.TrimSpace(os.Getenv(name))
		if apiKey == "" {
			return nil, fmt.Errorf("llmclient: environment variable %s is not set", name)
		}
	}
	return &RemoteClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   cfg.Model,
		// Streams may legitimately run longer than any request timeout;
		// cfg.Timeout bounds only connection setup and headers.
		httpClient: &http.Client{Transport: &http.Transport{
			ResponseHeaderTimeout: config.ParseDuration(cfg.Timeout, 120*time.Second),
		}},
	}, nil
}

// Stream sends messages and calls cb with each content delta. It returns the
// concatenated reply.
func (c *RemoteClient) Stream(ctx context.Context, messages []runtime.ChatMessage, opts runtime.GenerationOptions, cb func(string) error) (string, error) {
	bodyBytes, err := json.Marshal(remoteRequest{
		Model:       c.model,
		Messages:    messages,
		Stream:      true,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		TopP:        opts.TopP,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("provider returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var reply strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return reply.String(), err
		}

		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return reply.String(), nil
		}

		var chunk remoteChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed events
			continue
		}
		if chunk.Error != nil {
			return reply.String(), fmt.Errorf("provider error: %s", chunk.Error.Message)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta != "" {
			reply.WriteString(delta)
			if cb != nil {
				if err := cb(delta); err != nil {
					return reply.String(), err
				}
			}
		}
		if chunk.Choices[0].FinishReason != nil && *chunk.Choices[0].FinishReason != "" {
			return reply.String(), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return reply.String(), fmt.Errorf("error reading stream: %w", err)
	}
	return reply.String(), nil
}

// Close releases idle connections.
func (c *RemoteClient) Close() {
	c.httpClient.CloseIdleConnections()
}
