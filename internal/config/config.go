package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures runtime, retrieval, session and transport settings for LunarStudio.
type Config struct {
	Runtime      RuntimeConfig      `yaml:"runtime"`
	Conversation ConversationConfig `yaml:"conversation"`
	RAG          RAGConfig          `yaml:"rag"`
	Embedding    EmbeddingConfig    `yaml:"embedding"`
	Session      SessionConfig      `yaml:"session"`
	Server       ServerConfig       `yaml:"server"`
	Transcript   TranscriptConfig   `yaml:"transcript"`
	External     ExternalConfig     `yaml:"external"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// RuntimeConfig selects which backend implementation to use and its settings.
type RuntimeConfig struct {
	Backend  string             `yaml:"backend"`
	HTTP     HTTPBackendConfig  `yaml:"http"`
	Defaults GenerationDefaults `yaml:"defaults"`
}

// GenerationDefaults holds sampling and context parameters applied to every track.
type GenerationDefaults struct {
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	TopK        int     `yaml:"top_k"`
	TopP        float64 `yaml:"top_p"`
	MinP        float64 `yaml:"min_p"`
	Seed        int     `yaml:"seed"`
	ContextSize int     `yaml:"context_size"`
	BatchSize   int     `yaml:"batch_size"`
}

// HTTPBackendConfig configures the llama.cpp server backend. Slots bounds the
// number of state handles (server slots) that may be live at once.
type HTTPBackendConfig struct {
	BaseURL string `yaml:"base_url"`
	Timeout string `yaml:"timeout"`
	Slots   int    `yaml:"slots"`
}

// ConversationConfig overrides the fixed system prompts of both tracks.
type ConversationConfig struct {
	SystemMessage  string `yaml:"system_message"`
	DecisionPrompt string `yaml:"decision_prompt"`
	StreamDecision bool   `yaml:"stream_decision"`
}

// RAGConfig governs the retrieval collaborator and the index builder.
type RAGConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Backend      string   `yaml:"backend"`
	IndexPath    string   `yaml:"index_path"`
	CorpusPath   string   `yaml:"corpus_path"`
	ChunkSize    int      `yaml:"chunk_size"`
	ChunkOverlap int      `yaml:"chunk_overlap"`
	Extensions   []string `yaml:"extensions"`
	TopK         int      `yaml:"top_k"`
	Forward      int      `yaml:"forward"`
	EmitMarkers  *bool    `yaml:"emit_markers"`
	Workers      int      `yaml:"workers"`
}

// EmbeddingConfig captures settings for semantic embedding providers.
type EmbeddingConfig struct {
	Enabled  bool                    `yaml:"enabled"`
	Backend  string                  `yaml:"backend"`
	CacheTTL string                  `yaml:"cache_ttl"`
	LlamaCpp LlamaCppEmbeddingConfig `yaml:"llamacpp"`
}

// LlamaCppEmbeddingConfig configures llama.cpp embedding server usage.
type LlamaCppEmbeddingConfig struct {
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	Timeout string `yaml:"timeout"`
}

// SessionConfig bounds session lifetime and fragment buffering.
type SessionConfig struct {
	IdleTimeout    string `yaml:"idle_timeout"`
	FragmentBuffer int    `yaml:"fragment_buffer"`
}

// ServerConfig defines the transport exposed by the serve command.
type ServerConfig struct {
	Type string `yaml:"type"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// TranscriptConfig configures durable storage of committed turns.
type TranscriptConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ExternalConfig points at an OpenAI-compatible chat completions provider.
type ExternalConfig struct {
	BaseURL   string `yaml:"base_url"`
	APIKeyEnv string `yaml:"api_key_env"`
	Model     string `yaml:"model"`
	Timeout   string `yaml:"timeout"`
}

// LoggingConfig selects where structured logs are written.
type LoggingConfig struct {
	Dir     string `yaml:"dir"`
	Verbose bool   `yaml:"verbose"`
}

const defaultConfigFile = "lunarstudio.yaml"

// Default returns a Config pre-populated with defaults for a local llama.cpp server.
func Default() Config {
	emitMarkers := true
	return Config{
		Runtime: RuntimeConfig{
			Backend: "http",
			HTTP: HTTPBackendConfig{
				BaseURL: "http://127.0.0.1:8080",
				Timeout: "120s",
				Slots:   4,
			},
			Defaults: GenerationDefaults{
				MaxTokens:   1024,
				Temperature: 0.7,
				MinP:        0.05,
				Seed:        -1,
				ContextSize: 4096,
				BatchSize:   1024,
			},
		},
		RAG: RAGConfig{
			Enabled:      false,
			Backend:      "sqlite",
			IndexPath:    "lunarstudio_index.db",
			ChunkSize:    256,
			ChunkOverlap: 32,
			Extensions:   []string{".txt", ".md", ".markdown", ".rst", ".pdf", ".jsonl"},
			TopK:         5,
			Forward:      3,
			EmitMarkers:  &emitMarkers,
			Workers:      4,
		},
		Embedding: EmbeddingConfig{
			Enabled:  false,
			Backend:  "llamacpp",
			CacheTTL: "30m",
			LlamaCpp: LlamaCppEmbeddingConfig{
				BaseURL: "http://127.0.0.1:8081",
				Timeout: "30s",
			},
		},
		Session: SessionConfig{
			IdleTimeout:    "30m",
			FragmentBuffer: 64,
		},
		Server: ServerConfig{
			Type: "http",
			Host: "127.0.0.1",
			Port: 42070,
		},
		Transcript: TranscriptConfig{
			Enabled: false,
			Path:    "lunarstudio_transcript.db",
		},
		External: ExternalConfig{
			BaseURL:   "https://api.groq.com/openai/v1",
			APIKeyEnv: "GROQ_API_KEY",
			Timeout:   "120s",
		},
	}
}

// Resolve loads configuration from file and environment variables.
func Resolve() (Config, error) {
	return ResolvePath(strings.TrimSpace(os.Getenv("APP_CONFIG")))
}

// ResolvePath is Resolve with an explicit file path. An empty path falls back
// to lunarstudio.yaml in the working directory when present.
func ResolvePath(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		}
	} else if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("config: file %q not found", path)
	}

	if path != "" {
		loaded, err := loadFile(path)
		if err != nil {
			return cfg, err
		}
		cfg = merge(cfg, loaded)
	}

	applyEnvOverrides(&cfg)

	return cfg, nil
}

func loadFile(path string) (Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, fmt.Errorf("config: failed to read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: failed to parse %q: %w", path, err)
	}

	return cfg, nil
}

func merge(base, override Config) Config {
	result := base

	if override.Runtime.Backend != "" {
		result.Runtime.Backend = override.Runtime.Backend
	}
	if override.Runtime.HTTP.BaseURL != "" {
		result.Runtime.HTTP.BaseURL = override.Runtime.HTTP.BaseURL
	}
	if override.Runtime.HTTP.Timeout != "" {
		result.Runtime.HTTP.Timeout = override.Runtime.HTTP.Timeout
	}
	if override.Runtime.HTTP.Slots != 0 {
		result.Runtime.HTTP.Slots = override.Runtime.HTTP.Slots
	}

	d := override.Runtime.Defaults
	if d.MaxTokens != 0 {
		result.Runtime.Defaults.MaxTokens = d.MaxTokens
	}
	if d.Temperature != 0 {
		result.Runtime.Defaults.Temperature = d.Temperature
	}
	if d.TopK != 0 {
		result.Runtime.Defaults.TopK = d.TopK
	}
	if d.TopP != 0 {
		result.Runtime.Defaults.TopP = d.TopP
	}
	if d.MinP != 0 {
		result.Runtime.Defaults.MinP = d.MinP
	}
	if d.Seed != 0 {
		result.Runtime.Defaults.Seed = d.Seed
	}
	if d.ContextSize != 0 {
		result.Runtime.Defaults.ContextSize = d.ContextSize
	}
	if d.BatchSize != 0 {
		result.Runtime.Defaults.BatchSize = d.BatchSize
	}

	if override.Conversation.SystemMessage != "" {
		result.Conversation.SystemMessage = override.Conversation.SystemMessage
	}
	if override.Conversation.DecisionPrompt != "" {
		result.Conversation.DecisionPrompt = override.Conversation.DecisionPrompt
	}
	if override.Conversation.StreamDecision {
		result.Conversation.StreamDecision = true
	}

	if override.RAG.Enabled {
		result.RAG.Enabled = true
	}
	if override.RAG.Backend != "" {
		result.RAG.Backend = override.RAG.Backend
	}
	if override.RAG.IndexPath != "" {
		result.RAG.IndexPath = override.RAG.IndexPath
	}
	if override.RAG.CorpusPath != "" {
		result.RAG.CorpusPath = override.RAG.CorpusPath
	}
	if override.RAG.ChunkSize != 0 {
		result.RAG.ChunkSize = override.RAG.ChunkSize
	}
	if override.RAG.ChunkOverlap != 0 {
		result.RAG.ChunkOverlap = override.RAG.ChunkOverlap
	}
	if len(override.RAG.Extensions) != 0 {
		result.RAG.Extensions = append([]string(nil), override.RAG.Extensions...)
	}
	if override.RAG.TopK != 0 {
		result.RAG.TopK = override.RAG.TopK
	}
	if override.RAG.Forward != 0 {
		result.RAG.Forward = override.RAG.Forward
	}
	if override.RAG.EmitMarkers != nil {
		v := *override.RAG.EmitMarkers
		result.RAG.EmitMarkers = &v
	}
	if override.RAG.Workers != 0 {
		result.RAG.Workers = override.RAG.Workers
	}

	if override.Embedding.Enabled {
		result.Embedding.Enabled = true
	}
	if override.Embedding.Backend != "" {
		result.Embedding.Backend = override.Embedding.Backend
	}
	if override.Embedding.CacheTTL != "" {
		result.Embedding.CacheTTL = override.Embedding.CacheTTL
	}
	if override.Embedding.LlamaCpp.BaseURL != "" {
		result.Embedding.LlamaCpp.BaseURL = override.Embedding.LlamaCpp.BaseURL
	}
	if override.Embedding.LlamaCpp.Model != "" {
		result.Embedding.LlamaCpp.Model = override.Embedding.LlamaCpp.Model
	}
	if override.Embedding.LlamaCpp.Timeout != "" {
		result.Embedding.LlamaCpp.Timeout = override.Embedding.LlamaCpp.Timeout
	}

	if override.Session.IdleTimeout != "" {
		result.Session.IdleTimeout = override.Session.IdleTimeout
	}
	if override.Session.FragmentBuffer != 0 {
		result.Session.FragmentBuffer = override.Session.FragmentBuffer
	}

	if override.Server.Type != "" {
		result.Server.Type = override.Server.Type
	}
	if override.Server.Host != "" {
		result.Server.Host = override.Server.Host
	}
	if override.Server.Port != 0 {
		result.Server.Port = override.Server.Port
	}

	if override.Transcript.Enabled {
		result.Transcript.Enabled = true
	}
	if override.Transcript.Path != "" {
		result.Transcript.Path = override.Transcript.Path
	}

	if override.External.BaseURL != "" {
		result.External.BaseURL = override.External.BaseURL
	}
	if override.External.APIKeyEnv != "" {
		result.External.APIKeyEnv = override.External.APIKeyEnv
	}
	if override.External.Model != "" {
		result.External.Model = override.External.Model
	}
	if override.External.Timeout != "" {
		result.External.Timeout = override.External.Timeout
	}

	if override.Logging.Dir != "" {
		result.Logging.Dir = override.Logging.Dir
	}
	if override.Logging.Verbose {
		result.Logging.Verbose = true
	}

	return result
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("APP_RUNTIME_BACKEND")); v != "" {
		cfg.Runtime.Backend = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_LLM_BASEURL")); v != "" {
		cfg.Runtime.HTTP.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_LLM_SLOTS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Runtime.HTTP.Slots = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_MAX_TOKENS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Runtime.Defaults.MaxTokens = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_SYSMSG")); v != "" {
		cfg.Conversation.SystemMessage = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_DECISION_PROMPT")); v != "" {
		cfg.Conversation.DecisionPrompt = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_RAG_ENABLED")); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.RAG.Enabled = enabled
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_RAG_BACKEND")); v != "" {
		cfg.RAG.Backend = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("APP_RAG_INDEX")); v != "" {
		cfg.RAG.IndexPath = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_RAG_CORPUS")); v != "" {
		cfg.RAG.CorpusPath = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_RAG_TOPK")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RAG.TopK = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_RAG_EXTENSIONS")); v != "" {
		parts := strings.Split(v, ",")
		cfg.RAG.Extensions = make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed == "" {
				continue
			}
			if !strings.HasPrefix(trimmed, ".") {
				trimmed = "." + trimmed
			}
			cfg.RAG.Extensions = append(cfg.RAG.Extensions, strings.ToLower(trimmed))
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_EMBEDDING_ENABLED")); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Embedding.Enabled = enabled
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_EMBEDDING_BASEURL")); v != "" {
		cfg.Embedding.LlamaCpp.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_EMBEDDING_MODEL")); v != "" {
		cfg.Embedding.LlamaCpp.Model = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_EMBEDDING_TIMEOUT")); v != "" {
		cfg.Embedding.LlamaCpp.Timeout = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_SESSION_IDLE")); v != "" {
		cfg.Session.IdleTimeout = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_SERVER_TYPE")); v != "" {
		cfg.Server.Type = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("APP_SERVER_HOST")); v != "" {
		cfg.Server.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_SERVER_PORT")); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.Server.Port = port
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_TRANSCRIPT_ENABLED")); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Transcript.Enabled = enabled
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_TRANSCRIPT_PATH")); v != "" {
		cfg.Transcript.Path = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_EXTERNAL_BASEURL")); v != "" {
		cfg.External.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_EXTERNAL_MODEL")); v != "" {
		cfg.External.Model = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_LOG_DIR")); v != "" {
		cfg.Logging.Dir = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_LOG_VERBOSE")); v != "" {
		if verbose, err := strconv.ParseBool(v); err == nil {
			cfg.Logging.Verbose = verbose
		}
	}
}

// ParseDuration parses a configured duration, returning fallback for empty or
// malformed values.
func ParseDuration(value string, fallback time.Duration) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// MarkersEnabled reports whether search progress markers are streamed.
func (c RAGConfig) MarkersEnabled() bool {
	return c.EmitMarkers == nil || *c.EmitMarkers
}
