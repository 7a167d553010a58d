// Package llmclient talks to a llama.cpp server. Client wraps the raw HTTP
// endpoints; Adapter exposes them through the token-level runtime contract;
// RemoteClient streams from OpenAI-compatible chat APIs.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNotSupported is returned when the server does not expose an endpoint.
var ErrNotSupported = errors.New("llmclient: endpoint not supported by server")

// CompletionRequest represents the request structure for the llama.cpp
// /completion endpoint. Prompt is a token array so that the server's prompt
// cache matches exactly what the client has decoded.
type CompletionRequest struct {
	Prompt       []int   `json:"prompt"`
	NPredict     int     `json:"n_predict"`
	Temperature  float64 `json:"temperature,omitempty"`
	TopK         int     `json:"top_k,omitempty"`
	TopP         float64 `json:"top_p,omitempty"`
	MinP         float64 `json:"min_p,omitempty"`
	Seed         int     `json:"seed,omitempty"`
	Stream       bool    `json:"stream"`
	CachePrompt  bool    `json:"cache_prompt"`
	IDSlot       int     `json:"id_slot"`
	ReturnTokens bool    `json:"return_tokens"`
}

type CompletionResponse struct {
	Content         string `json:"content"`
	Stop            bool   `json:"stop"`
	Model           string `json:"model"`
	Tokens          []int  `json:"tokens,omitempty"`
	StopType        string `json:"stop_type"`
	TokensCached    int    `json:"tokens_cached"`
	TokensEvaluated int    `json:"tokens_evaluated"`
	Truncated       bool   `json:"truncated"`
}

type Client struct {
	BaseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return NewClientWithTimeout(baseURL, 60*time.Second)
}

// NewClientWithTimeout constructs a client using the provided timeout for HTTP requests.
func NewClientWithTimeout(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Complete runs a blocking /completion request.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	req.Stream = false
	var resp CompletionResponse
	if err := c.post(ctx, "/completion", req, &resp); err != nil {
		return CompletionResponse{}, err
	}
	return resp, nil
}

// Tokenize converts text to token ids. addSpecial controls BOS insertion;
// special tokens written in the text (chat template markers) are parsed.
func (c *Client) Tokenize(ctx context.Context, text string, addSpecial bool) ([]int, error) {
	payload := map[string]any{
		"content":       text,
		"add_special":   addSpecial,
		"parse_special": true,
	}
	var resp struct {
		Tokens []int `json:"tokens"`
	}
	if err := c.post(ctx, "/tokenize", payload, &resp); err != nil {
		return nil, err
	}
	return resp.Tokens, nil
}

// Detokenize converts token ids back to text.
func (c *Client) Detokenize(ctx context.Context, tokens []int) (string, error) {
	var resp struct {
		Content string `json:"content"`
	}
	if err := c.post(ctx, "/detokenize", map[string]any{"tokens": tokens}, &resp); err != nil {
		return "", err
	}
	return resp.Content, nil
}

// ApplyTemplate renders messages with the model's chat template.
func (c *Client) ApplyTemplate(ctx context.Context, messages any) (string, error) {
	var resp struct {
		Prompt string `json:"prompt"`
	}
	if err := c.post(ctx, "/apply-template", map[string]any{"messages": messages}, &resp); err != nil {
		return "", err
	}
	return resp.Prompt, nil
}

// EraseSlot clears the KV cache of a server slot.
func (c *Client) EraseSlot(ctx context.Context, slot int) error {
	return c.post(ctx, fmt.Sprintf("/slots/%d?action=erase", slot), map[string]any{}, nil)
}

// Health reports whether the server is ready to serve requests.
func (c *Client) Health(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("server not ready (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNotImplemented:
		return fmt.Errorf("%w: %s returned %d", ErrNotSupported, path, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		var errorBody map[string]any
		if json.Unmarshal(respBodyBytes, &errorBody) == nil {
			return fmt.Errorf("server returned %d: %v", resp.StatusCode, errorBody)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(respBodyBytes))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
