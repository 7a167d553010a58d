// Package conversation holds a single conversational track: its message
// history, the runtime state handle it owns and the token prefix resident in
// that state.
package conversation

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"LunarStudio/internal/logging"
	"LunarStudio/internal/prefixcache"
	"LunarStudio/internal/runtime"
)

// Role tags a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is an immutable history entry.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ErrTrackClosed is returned by operations on a closed track.
var ErrTrackClosed = errors.New("conversation: track closed")

// Track is one independent conversation with its own runtime state.
//
// cachedTokens always equals the first cachedCount tokens of the rendered
// prompt as of the last successful generation, extended by every generated
// token decoded since. A Track is not safe for concurrent use.
type Track struct {
	name    string
	adapter runtime.Adapter
	logger  *zap.Logger

	messages []Message

	state        runtime.StateHandle
	cachedCount  int
	cachedTokens []runtime.Token

	// target holds the prompt tokens accepted by the last Advance until
	// Prefill makes them resident.
	target []runtime.Token
	// dirty forces the next Advance to rebuild after a failed decode.
	dirty bool
	// turnStart is the history length before the current turn's user message.
	turnStart int
	generated int
	closed    bool
}

// NewTrack creates a track seeded with a fixed system message and acquires a
// fresh runtime state handle.
func NewTrack(ctx context.Context, name, systemPrompt string, adapter runtime.Adapter, logger *zap.Logger) (*Track, error) {
	if adapter == nil {
		return nil, errors.New("conversation: runtime adapter is required")
	}
	state, err := adapter.NewState(ctx)
	if err != nil {
		return nil, fmt.Errorf("conversation: acquire state for %s track: %w", name, err)
	}
	return &Track{
		name:     name,
		adapter:  adapter,
		logger:   logging.OrNop(logger).With(zap.String("track", name)),
		messages: []Message{{Role: RoleSystem, Content: systemPrompt}},
		state:    state,
	}, nil
}

// Name returns the track label used in logs.
func (t *Track) Name() string { return t.name }

// Adapter returns the runtime the track decodes against.
func (t *Track) Adapter() runtime.Adapter { return t.adapter }

// CachedCount returns the number of tokens resident in the runtime state.
func (t *Track) CachedCount() int { return t.cachedCount }

// CachedTokens returns a copy of the resident token prefix.
func (t *Track) CachedTokens() []runtime.Token {
	return append([]runtime.Token(nil), t.cachedTokens...)
}

// TurnTokens returns how many generated tokens the current turn has decoded.
func (t *Track) TurnTokens() int { return t.generated }

// Messages returns a copy of the history.
func (t *Track) Messages() []Message {
	return append([]Message(nil), t.messages...)
}

// AppendUser starts a turn. No tokenization happens here.
func (t *Track) AppendUser(text string) {
	t.turnStart = len(t.messages)
	t.generated = 0
	t.messages = append(t.messages, Message{Role: RoleUser, Content: text})
}

// RenderPrompt serializes the history through the runtime's chat template.
func (t *Track) RenderPrompt(ctx context.Context) (string, error) {
	if t.closed {
		return "", ErrTrackClosed
	}
	msgs := make([]runtime.ChatMessage, len(t.messages))
	for i, m := range t.messages {
		msgs[i] = runtime.ChatMessage{Role: string(m.Role), Content: m.Content}
	}
	prompt, err := t.adapter.RenderTemplate(ctx, msgs)
	if err != nil {
		if errors.Is(err, runtime.ErrTemplateUnavailable) {
			return "", err
		}
		return "", fmt.Errorf("conversation: render %s prompt: %w", t.name, err)
	}
	return prompt, nil
}

// Advance validates the resident prefix against newTokens. On Rebuild the
// state handle is replaced and the cache reset before returning, so the
// returned decision always describes what Prefill will decode.
func (t *Track) Advance(ctx context.Context, newTokens []runtime.Token) (prefixcache.Decision, error) {
	if t.closed {
		return prefixcache.Decision{}, ErrTrackClosed
	}

	decision := prefixcache.Validate(newTokens, t.cachedTokens, t.cachedCount)
	if t.dirty && t.cachedCount > 0 {
		decision = prefixcache.Decision{Kind: prefixcache.Rebuild, MismatchAt: -1}
	}

	if decision.Kind == prefixcache.Rebuild {
		if decision.MismatchAt >= 0 {
			t.logger.Info("token mismatch, invalidating cache",
				zap.Int("position", decision.MismatchAt),
				zap.Int("cached", t.cachedCount),
				zap.Int("prompt", len(newTokens)))
		} else {
			t.logger.Info("cache invalidated",
				zap.Bool("after_failure", t.dirty),
				zap.Int("cached", t.cachedCount),
				zap.Int("prompt", len(newTokens)))
		}
		if err := t.resetState(ctx); err != nil {
			return decision, err
		}
		decision = prefixcache.Decision{Kind: prefixcache.Rebuild, NewTokens: len(newTokens), MismatchAt: decision.MismatchAt}
	} else if t.dirty {
		// A failed decode on an empty cache may still have left positions behind.
		if err := t.resetState(ctx); err != nil {
			return decision, err
		}
	}

	t.target = newTokens
	t.logger.Debug("prefix validated",
		zap.Stringer("decision", decision.Kind),
		zap.Int("new_tokens", decision.NewTokens),
		zap.Int("cached", t.cachedCount))
	return decision, nil
}

// Prefill decodes the tail accepted by Advance. On success the whole prompt
// becomes the resident prefix.
func (t *Track) Prefill(ctx context.Context) (int, error) {
	if t.closed {
		return 0, ErrTrackClosed
	}
	if t.cachedCount > len(t.target) {
		return 0, fmt.Errorf("conversation: prefill on %s track without a validated prompt", t.name)
	}
	pending := t.target[t.cachedCount:]
	if len(pending) > 0 {
		if err := t.adapter.Decode(ctx, t.state, pending); err != nil {
			t.dirty = true
			return 0, err
		}
	}
	t.cachedTokens = append(t.cachedTokens[:0:0], t.target...)
	t.cachedCount = len(t.cachedTokens)
	t.target = nil
	return len(pending), nil
}

// Sample draws the next token from the track's state.
func (t *Track) Sample(ctx context.Context) (runtime.Token, error) {
	if t.closed {
		return 0, ErrTrackClosed
	}
	return t.adapter.Sample(ctx, t.state)
}

// Step decodes one generated token, advancing the resident prefix by one.
func (t *Track) Step(ctx context.Context, tok runtime.Token) error {
	if t.closed {
		return ErrTrackClosed
	}
	if err := t.adapter.Decode(ctx, t.state, []runtime.Token{tok}); err != nil {
		t.dirty = true
		return err
	}
	t.cachedTokens = append(t.cachedTokens, tok)
	t.cachedCount++
	t.generated++
	return nil
}

// CommitTurn appends the raw assistant text to history. rawText must be the
// unsanitized output: the resident tokens were produced from it. It returns
// the number of tokens generated and decoded during the turn.
func (t *Track) CommitTurn(rawText string) int {
	t.messages = append(t.messages, Message{Role: RoleAssistant, Content: rawText})
	n := t.generated
	t.generated = 0
	t.turnStart = len(t.messages)
	return n
}

// Invalidate marks the runtime state as untrusted after a failure the track
// could not observe itself. The next Advance rebuilds from a fresh state.
func (t *Track) Invalidate() {
	t.dirty = true
}

// AbortTurn drops the uncommitted user message of a failed turn so the
// history never holds a question without an answer.
func (t *Track) AbortTurn() {
	if t.turnStart > 0 && t.turnStart < len(t.messages) {
		t.messages = t.messages[:t.turnStart]
	}
	t.generated = 0
	t.target = nil
}

// Close releases the runtime state handle.
func (t *Track) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	if t.state == nil {
		return nil
	}
	err := t.adapter.FreeState(t.state)
	t.state = nil
	return err
}

func (t *Track) resetState(ctx context.Context) error {
	if t.state != nil {
		if err := t.adapter.FreeState(t.state); err != nil {
			t.logger.Warn("failed to free runtime state", zap.Error(err))
		}
		t.state = nil
	}
	state, err := t.adapter.NewState(ctx)
	if err != nil {
		return fmt.Errorf("conversation: recreate state for %s track: %w", t.name, err)
	}
	t.state = state
	t.cachedCount = 0
	t.cachedTokens = nil
	t.dirty = false
	return nil
}
