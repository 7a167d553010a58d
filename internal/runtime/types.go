package runtime

import (
	"context"
	"errors"
)

var (
	// ErrDecode is returned when the runtime rejects a batch of tokens.
	ErrDecode = errors.New("runtime: decode failed")

	// ErrTemplateUnavailable is returned when the loaded model exposes no chat template.
	ErrTemplateUnavailable = errors.New("runtime: chat template unavailable")

	// ErrStateUnavailable is returned when no further state handles can be allocated.
	ErrStateUnavailable = errors.New("runtime: no state handle available")
)

// Token is a vocabulary id understood by the runtime.
type Token int32

// StateHandle is an opaque incremental-decoding state (a KV cache) owned by
// exactly one caller at a time.
type StateHandle interface{}

// ChatMessage is the role-tagged unit passed to template rendering.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationOptions maps to the sampling controls applied by a backend.
type GenerationOptions struct {
	MaxTokens   int
	Temperature float64
	TopK        int
	TopP        float64
	MinP        float64
	Seed        int
	ContextSize int
}

// Adapter is the token-level contract runtime backends must implement.
//
// Decode advances state by exactly len(tokens) positions. Sample picks the
// next token from the logits left by the most recent Decode on state.
type Adapter interface {
	Name() string
	Tokenize(ctx context.Context, text string, addBOS bool) ([]Token, error)
	Decode(ctx context.Context, state StateHandle, tokens []Token) error
	Sample(ctx context.Context, state StateHandle) (Token, error)
	Detokenize(ctx context.Context, tok Token) (string, error)
	IsEndOfSequence(tok Token) bool
	RenderTemplate(ctx context.Context, messages []ChatMessage) (string, error)
	NewState(ctx context.Context) (StateHandle, error)
	FreeState(state StateHandle) error
	Close() error
}
