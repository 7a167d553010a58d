// Package runtimetest provides a scripted in-memory runtime for tests.
//
// Tokenization is one token per rune, so a rendered prompt followed by the
// generated text always tokenizes to the cached prefix plus the new tail.
// Replies are consumed in order across all state handles.
package runtimetest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"LunarStudio/internal/runtime"
)

const (
	// EOS ends every scripted reply.
	EOS runtime.Token = -1
	// BOS is prepended when Tokenize is asked to add it.
	BOS runtime.Token = -2
)

// State is the handle returned by NewState.
type State struct {
	ID      int
	Decoded []runtime.Token
	freed   bool

	reply   []runtime.Token
	cursor  int
	active  bool
	sampled runtime.Token
	hasLast bool
}

// Adapter is a deterministic runtime.Adapter. The exported fields configure
// failure injection and must be set before use.
type Adapter struct {
	// NoTemplate makes RenderTemplate fail with ErrTemplateUnavailable.
	NoTemplate bool
	// FailDecodeCall fails the n-th Decode call (1-based). Zero disables.
	FailDecodeCall int
	// FailDecodeWhen fails any Decode for which it returns true.
	FailDecodeWhen func(state *State, tokens []runtime.Token) bool
	// FailSampleCall fails the n-th Sample call (1-based) before any reply
	// is consumed. Zero disables.
	FailSampleCall int
	// FailDetokenize fails every Detokenize of a non-negative token.
	FailDetokenize bool
	// OnSample runs after every Sample with the sampled token.
	OnSample func(tok runtime.Token)

	mu          sync.Mutex
	replies     []string
	nextID      int
	states      []*State
	decodeCalls int
	sampleCalls int
	freed       int
	renders     int
}

// New returns an adapter that answers with replies in order.
func New(replies ...string) *Adapter {
	return &Adapter{replies: append([]string(nil), replies...)}
}

// Enqueue appends replies to the script.
func (a *Adapter) Enqueue(replies ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.replies = append(a.replies, replies...)
}

// Remaining reports how many scripted replies have not been started.
func (a *Adapter) Remaining() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.replies)
}

// StatesCreated reports how many state handles were allocated.
func (a *Adapter) StatesCreated() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.states)
}

// StatesFreed reports how many state handles were released.
func (a *Adapter) StatesFreed() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freed
}

// DecodeCalls reports the number of Decode invocations, failed ones included.
func (a *Adapter) DecodeCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.decodeCalls
}

// Renders reports the number of successful RenderTemplate calls.
func (a *Adapter) Renders() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.renders
}

func (a *Adapter) Name() string { return "scripted" }

func (a *Adapter) Close() error { return nil }

func (a *Adapter) Tokenize(_ context.Context, text string, addBOS bool) ([]runtime.Token, error) {
	return Tokens(text, addBOS), nil
}

// Tokens is the tokenization used by the adapter.
func Tokens(text string, addBOS bool) []runtime.Token {
	out := make([]runtime.Token, 0, len(text)+1)
	if addBOS {
		out = append(out, BOS)
	}
	for _, r := range text {
		out = append(out, runtime.Token(r))
	}
	return out
}

func (a *Adapter) Decode(_ context.Context, handle runtime.StateHandle, tokens []runtime.Token) error {
	state, err := a.state(handle)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.decodeCalls++
	if a.FailDecodeCall > 0 && a.decodeCalls == a.FailDecodeCall {
		return fmt.Errorf("%w: injected failure on call %d", runtime.ErrDecode, a.decodeCalls)
	}
	if a.FailDecodeWhen != nil && a.FailDecodeWhen(state, tokens) {
		return fmt.Errorf("%w: injected failure", runtime.ErrDecode)
	}

	// Anything other than feeding back the last sample is a new prompt.
	if !(len(tokens) == 1 && state.hasLast && tokens[0] == state.sampled) {
		state.active = false
	}
	state.hasLast = false
	state.Decoded = append(state.Decoded, tokens...)
	return nil
}

func (a *Adapter) Sample(_ context.Context, handle runtime.StateHandle) (runtime.Token, error) {
	state, err := a.state(handle)
	if err != nil {
		return 0, err
	}

	a.mu.Lock()
	a.sampleCalls++
	if a.FailSampleCall > 0 && a.sampleCalls == a.FailSampleCall {
		a.mu.Unlock()
		return 0, fmt.Errorf("%w: injected sample failure on call %d", runtime.ErrDecode, a.sampleCalls)
	}
	if !state.active {
		reply := ""
		if len(a.replies) > 0 {
			reply = a.replies[0]
			a.replies = a.replies[1:]
		}
		state.reply = Tokens(reply, false)
		state.cursor = 0
		state.active = true
	}

	tok := EOS
	if state.cursor < len(state.reply) {
		tok = state.reply[state.cursor]
		state.cursor++
	} else {
		state.active = false
	}
	state.sampled = tok
	state.hasLast = true
	hook := a.OnSample
	a.mu.Unlock()

	if hook != nil {
		hook(tok)
	}
	return tok, nil
}

func (a *Adapter) Detokenize(_ context.Context, tok runtime.Token) (string, error) {
	if tok < 0 {
		return "", nil
	}
	if a.FailDetokenize {
		return "", fmt.Errorf("runtimetest: no piece for token %d", tok)
	}
	return string(rune(tok)), nil
}

func (a *Adapter) IsEndOfSequence(tok runtime.Token) bool { return tok == EOS }

// RenderTemplate formats messages as ChatML and opens an assistant turn.
func (a *Adapter) RenderTemplate(_ context.Context, messages []runtime.ChatMessage) (string, error) {
	if a.NoTemplate {
		return "", runtime.ErrTemplateUnavailable
	}
	a.mu.Lock()
	a.renders++
	a.mu.Unlock()
	return RenderChatML(messages), nil
}

// RenderChatML is the template applied by RenderTemplate.
func RenderChatML(messages []runtime.ChatMessage) string {
	var b strings.Builder
	for _, msg := range messages {
		role := strings.ToLower(msg.Role)
		if role == "" {
			role = "user"
		}
		fmt.Fprintf(&b, "<|im_start|>%s\n%s<|im_end|>\n", role, msg.Content)
	}
	b.WriteString("<|im_start|>assistant\n")
	return b.String()
}

func (a *Adapter) NewState(_ context.Context) (runtime.StateHandle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	state := &State{ID: a.nextID}
	a.states = append(a.states, state)
	return state, nil
}

func (a *Adapter) FreeState(handle runtime.StateHandle) error {
	state, err := a.state(handle)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	state.freed = true
	a.freed++
	return nil
}

func (a *Adapter) state(handle runtime.StateHandle) (*State, error) {
	state, ok := handle.(*State)
	if !ok || state == nil {
		return nil, fmt.Errorf("runtimetest: foreign state handle %T", handle)
	}
	a.mu.Lock()
	freed := state.freed
	a.mu.Unlock()
	if freed {
		return nil, fmt.Errorf("runtimetest: state %d used after free", state.ID)
	}
	return state, nil
}

var _ runtime.Adapter = (*Adapter)(nil)
