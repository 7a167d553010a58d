package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"LunarStudio/internal/config"
)

// llamaCppProvider calls the /embedding endpoint of a llama.cpp server
// started with --embedding.
type llamaCppProvider struct {
	baseURL string
	model   string
	client  *http.Client
}

func newLlamaCppProvider(cfg config.LlamaCppEmbeddingConfig) (Provider, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, fmt.Errorf("embedding: llamacpp base_url is required")
	}

	timeout := config.ParseDuration(cfg.Timeout, 30*time.Second)

	return &llamaCppProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   strings.TrimSpace(cfg.Model),
		client:  &http.Client{Timeout: timeout},
	}, nil
}

func (p *llamaCppProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if p == nil {
		return nil, fmt.Errorf("embedding: provider not initialised")
	}

	payload := map[string]any{
		"content": text,
	}
	if p.model != "" {
		payload["model"] = p.model
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("embedding: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embedding", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embedding: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedding: server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var decoded llamaCppEmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("embedding: decode response: %w", err)
	}

	vector := decoded.Flatten()
	if len(vector) == 0 {
		return nil, fmt.Errorf("embedding: empty vector returned")
	}

	result := make([]float32, len(vector))
	for i, v := range vector {
		result[i] = float32(v)
	}

	return result, nil
}

func (p *llamaCppProvider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

// llamaCppEmbeddingResponse covers the three shapes llama.cpp has used:
// {"embedding": [...]}, {"data": [{"embedding": [...]}]} and, on newer
// servers, [{"index": 0, "embedding": [[...]]}].
type llamaCppEmbeddingResponse struct {
	Embedding []float64
	Data      []llamaCppEmbeddingDataEntry
	Pooled    [][]float64
}

type llamaCppEmbeddingDataEntry struct {
	Embedding []float64 `json:"embedding"`
}

func (r *llamaCppEmbeddingResponse) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var entries []struct {
			Embedding [][]float64 `json:"embedding"`
		}
		if err := json.Unmarshal(trimmed, &entries); err != nil {
			return err
		}
		if len(entries) > 0 {
			r.Pooled = entries[0].Embedding
		}
		return nil
	}
	var obj struct {
		Embedding []float64                    `json:"embedding"`
		Data      []llamaCppEmbeddingDataEntry `json:"data"`
	}
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return err
	}
	r.Embedding, r.Data = obj.Embedding, obj.Data
	return nil
}

func (r llamaCppEmbeddingResponse) Flatten() []float64 {
	if len(r.Embedding) != 0 {
		return r.Embedding
	}
	if len(r.Data) > 0 && len(r.Data[0].Embedding) > 0 {
		return r.Data[0].Embedding
	}
	if len(r.Pooled) > 0 {
		return r.Pooled[0]
	}
	return nil
}
