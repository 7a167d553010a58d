package llmclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"LunarStudio/internal/config"
	"LunarStudio/internal/runtime"
)

// EOS is the token reported when the server stops on end of generation. The
// server does not return the end token id itself, so a sentinel stands in.
const EOS runtime.Token = -1

func init() {
	runtime.Register("http", func(cfg config.RuntimeConfig) (runtime.Adapter, error) {
		baseURL := strings.TrimSpace(cfg.HTTP.BaseURL)
		if baseURL == "" {
			return nil, fmt.Errorf("llmclient: http backend requires base_url")
		}

		timeout := 60 * time.Second
		if cfg.HTTP.Timeout != "" {
			parsed, err := time.ParseDuration(cfg.HTTP.Timeout)
			if err != nil {
				return nil, fmt.Errorf("llmclient: invalid http timeout %q: %w", cfg.HTTP.Timeout, err)
			}
			timeout = parsed
		}

		return NewAdapter(baseURL, timeout, cfg.HTTP.Slots, runtime.OptionsFromConfig(cfg.Defaults)), nil
	})
}

// Adapter maps the token-level runtime contract onto a llama.cpp server.
// Each state handle pins one server slot; the server's prompt cache keeps
// the KV prefix of that slot resident between requests.
type Adapter struct {
	client   *Client
	defaults runtime.GenerationOptions

	mu    sync.Mutex
	free  []int
	inUse map[int]*slotState

	pieces sync.Map // runtime.Token -> string
}

type slotState struct {
	id     int
	tokens []int
	// sampled is the last token returned by Sample that has not been
	// decoded yet. Decoding exactly that token needs no round trip: the
	// next completion request carries it in the prompt.
	sampled    runtime.Token
	hasSampled bool
}

// NewAdapter constructs an HTTP adapter serving at most slots concurrent
// states.
func NewAdapter(baseURL string, timeout time.Duration, slots int, defaults runtime.GenerationOptions) *Adapter {
	if slots <= 0 {
		slots = 1
	}
	free := make([]int, 0, slots)
	for i := slots - 1; i >= 0; i-- {
		free = append(free, i)
	}
	return &Adapter{
		client:   NewClientWithTimeout(baseURL, timeout),
		defaults: defaults,
		free:     free,
		inUse:    make(map[int]*slotState, slots),
	}
}

// Name returns the adapter label.
func (a *Adapter) Name() string { return "http" }

// Client exposes the underlying HTTP client.
func (a *Adapter) Client() *Client { return a.client }

// Close releases idle connections. Slots still in use are left to the server.
func (a *Adapter) Close() error {
	a.client.httpClient.CloseIdleConnections()
	return nil
}

func (a *Adapter) Tokenize(ctx context.Context, text string, addBOS bool) ([]runtime.Token, error) {
	ids, err := a.client.Tokenize(ctx, text, addBOS)
	if err != nil {
		return nil, fmt.Errorf("llmclient: tokenize: %w", err)
	}
	out := make([]runtime.Token, len(ids))
	for i, id := range ids {
		out[i] = runtime.Token(id)
	}
	return out, nil
}

// Decode extends the slot's prompt by tokens and asks the server to evaluate
// it without predicting anything.
func (a *Adapter) Decode(ctx context.Context, state runtime.StateHandle, tokens []runtime.Token) error {
	st, err := a.slot(state)
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		return nil
	}

	if len(tokens) == 1 && st.hasSampled && tokens[0] == st.sampled {
		st.tokens = append(st.tokens, int(tokens[0]))
		st.hasSampled = false
		return nil
	}
	st.hasSampled = false

	before := len(st.tokens)
	for _, tok := range tokens {
		st.tokens = append(st.tokens, int(tok))
	}
	req := a.completionRequest(st, 0)
	if _, err := a.client.Complete(ctx, req); err != nil {
		st.tokens = st.tokens[:before]
		return fmt.Errorf("%w: slot %d: %v", runtime.ErrDecode, st.id, err)
	}
	return nil
}

// Sample predicts one token after the slot's current prompt.
func (a *Adapter) Sample(ctx context.Context, state runtime.StateHandle) (runtime.Token, error) {
	st, err := a.slot(state)
	if err != nil {
		return 0, err
	}
	if len(st.tokens) == 0 {
		return 0, fmt.Errorf("%w: slot %d: sample before decode", runtime.ErrDecode, st.id)
	}

	req := a.completionRequest(st, 1)
	req.ReturnTokens = true
	resp, err := a.client.Complete(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("%w: slot %d: %v", runtime.ErrDecode, st.id, err)
	}

	var tok runtime.Token
	switch {
	case resp.StopType == "eos":
		tok = EOS
	case len(resp.Tokens) > 0:
		tok = runtime.Token(resp.Tokens[0])
		if resp.Content != "" {
			a.pieces.Store(tok, resp.Content)
		}
	default:
		return 0, fmt.Errorf("%w: slot %d: server returned no token (stop_type %q)", runtime.ErrDecode, st.id, resp.StopType)
	}
	st.sampled = tok
	st.hasSampled = true
	return tok, nil
}

// Detokenize returns the text of a single token. Pieces are memoized since
// the vocabulary never changes for a running server.
func (a *Adapter) Detokenize(ctx context.Context, tok runtime.Token) (string, error) {
	if tok == EOS {
		return "", nil
	}
	if piece, ok := a.pieces.Load(tok); ok {
		return piece.(string), nil
	}
	text, err := a.client.Detokenize(ctx, []int{int(tok)})
	if err != nil {
		return "", fmt.Errorf("llmclient: detokenize %d: %w", tok, err)
	}
	a.pieces.Store(tok, text)
	return text, nil
}

func (a *Adapter) IsEndOfSequence(tok runtime.Token) bool { return tok == EOS }

// RenderTemplate applies the model's embedded chat template on the server.
func (a *Adapter) RenderTemplate(ctx context.Context, messages []runtime.ChatMessage) (string, error) {
	prompt, err := a.client.ApplyTemplate(ctx, messages)
	if err != nil {
		if errors.Is(err, ErrNotSupported) {
			return "", fmt.Errorf("%w: %v", runtime.ErrTemplateUnavailable, err)
		}
		return "", fmt.Errorf("llmclient: apply template: %w", err)
	}
	if prompt == "" && len(messages) > 0 {
		return "", fmt.Errorf("%w: server rendered an empty prompt", runtime.ErrTemplateUnavailable)
	}
	return prompt, nil
}

// NewState claims a free server slot.
func (a *Adapter) NewState(ctx context.Context) (runtime.StateHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.free) == 0 {
		return nil, fmt.Errorf("%w: all %d server slots are in use", runtime.ErrStateUnavailable, len(a.inUse))
	}
	id := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	st := &slotState{id: id}
	a.inUse[id] = st
	return st, nil
}

// FreeState erases the slot's cache and returns it to the pool. Servers that
// do not expose slot management keep their cache; the next owner's prompt
// overwrites it anyway.
func (a *Adapter) FreeState(state runtime.StateHandle) error {
	st, ok := state.(*slotState)
	if !ok || st == nil {
		return fmt.Errorf("llmclient: foreign state handle %T", state)
	}
	a.mu.Lock()
	if a.inUse[st.id] != st {
		a.mu.Unlock()
		return fmt.Errorf("llmclient: slot %d already freed", st.id)
	}
	delete(a.inUse, st.id)
	a.free = append(a.free, st.id)
	a.mu.Unlock()

	st.tokens = nil
	st.hasSampled = false

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.client.EraseSlot(ctx, st.id); err != nil && !errors.Is(err, ErrNotSupported) {
		return fmt.Errorf("llmclient: erase slot %d: %w", st.id, err)
	}
	return nil
}

func (a *Adapter) slot(state runtime.StateHandle) (*slotState, error) {
	st, ok := state.(*slotState)
	if !ok || st == nil {
		return nil, fmt.Errorf("llmclient: foreign state handle %T", state)
	}
	a.mu.Lock()
	live := a.inUse[st.id] == st
	a.mu.Unlock()
	if !live {
		return nil, fmt.Errorf("llmclient: slot %d used after free", st.id)
	}
	return st, nil
}

func (a *Adapter) completionRequest(st *slotState, nPredict int) CompletionRequest {
	return CompletionRequest{
		Prompt:      st.tokens,
		NPredict:    nPredict,
		Temperature: a.defaults.Temperature,
		TopK:        a.defaults.TopK,
		TopP:        a.defaults.TopP,
		MinP:        a.defaults.MinP,
		Seed:        a.defaults.Seed,
		CachePrompt: true,
		IDSlot:      st.id,
	}
}
