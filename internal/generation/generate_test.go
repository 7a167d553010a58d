package generation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"LunarStudio/internal/conversation"
	"LunarStudio/internal/prefixcache"
	"LunarStudio/internal/runtime"
	"LunarStudio/internal/runtime/runtimetest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTrack(t *testing.T, rt *runtimetest.Adapter) *conversation.Track {
	t.Helper()
	track, err := conversation.NewTrack(context.Background(), "answer", "sys", rt, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = track.Close() })
	return track
}

type collector struct {
	fragments []string
}

func (c *collector) sink(fragment string) error {
	c.fragments = append(c.fragments, fragment)
	return nil
}

func TestGenerateStreamsAndCommitsRawText(t *testing.T) {
	rt := runtimetest.New("<think>x</think>answer")
	track := newTrack(t, rt)
	var out collector

	track.AppendUser("hello")
	outcome, err := Generate(context.Background(), track, &CancelFlag{}, nil, out.sink, Options{}, nil)
	require.NoError(t, err)

	assert.Equal(t, "<think>x</think>answer", outcome.Raw)
	assert.Equal(t, "answer", outcome.Visible)
	assert.Equal(t, StopEndOfSequence, outcome.Reason)
	assert.Equal(t, len("<think>x</think>answer"), outcome.Generated)
	assert.Equal(t, outcome.Raw, strings.Join(out.fragments, ""))

	msgs := track.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, conversation.Message{Role: conversation.RoleAssistant, Content: "<think>x</think>answer"}, msgs[2])
}

func TestGenerateSecondTurnReusesPrefix(t *testing.T) {
	rt := runtimetest.New("first reply", "second")
	track := newTrack(t, rt)
	ctx := context.Background()

	track.AppendUser("one")
	_, err := Generate(ctx, track, nil, nil, nil, Options{}, nil)
	require.NoError(t, err)
	afterFirst := track.CachedCount()

	track.AppendUser("two")
	prompt, err := track.RenderPrompt(ctx)
	require.NoError(t, err)
	decision := prefixcache.Validate(runtimetest.Tokens(prompt, false), track.CachedTokens(), track.CachedCount())
	require.Equal(t, prefixcache.Reuse, decision.Kind)

	outcome, err := Generate(ctx, track, nil, nil, nil, Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "second", outcome.Raw)
	assert.Equal(t, len(runtimetest.Tokens(prompt, false))-afterFirst, outcome.Prefilled)
	assert.Equal(t, 1, rt.StatesCreated(), "reuse must not rebuild state")
}

func TestGenerateCancelAfterThreeFragments(t *testing.T) {
	rt := runtimetest.New("abcdefgh")
	track := newTrack(t, rt)
	cancel := &CancelFlag{}

	var fragments []string
	sink := func(fragment string) error {
		fragments = append(fragments, fragment)
		if len(fragments) == 3 {
			cancel.Cancel()
		}
		return nil
	}

	track.AppendUser("go")
	prompt, err := track.RenderPrompt(context.Background())
	require.NoError(t, err)
	prefillCount := len(runtimetest.Tokens(prompt, false))

	outcome, err := Generate(context.Background(), track, cancel, nil, sink, Options{}, nil)
	require.NoError(t, err)

	assert.Equal(t, "abc", outcome.Raw)
	assert.Equal(t, StopCancelled, outcome.Reason)
	assert.True(t, outcome.Cancelled())
	assert.Equal(t, prefillCount+3, track.CachedCount())

	msgs := track.Messages()
	assert.Equal(t, "abc", msgs[len(msgs)-1].Content)
}

func TestGenerateSuppressWithholdsFragments(t *testing.T) {
	rt := runtimetest.New(`search("x")`)
	track := newTrack(t, rt)
	var out collector

	suppress := func(buffer string) bool { return strings.HasPrefix(buffer, "sea") }

	track.AppendUser("q")
	outcome, err := Generate(context.Background(), track, nil, suppress, out.sink, Options{}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"s", "e"}, out.fragments)
	assert.Equal(t, `search("x")`, outcome.Raw)
}

func TestGenerateTemplateUnavailableAbortsTurn(t *testing.T) {
	rt := runtimetest.New("unused")
	rt.NoTemplate = true
	track := newTrack(t, rt)

	track.AppendUser("hello")
	_, err := Generate(context.Background(), track, nil, nil, nil, Options{}, nil)
	require.ErrorIs(t, err, runtime.ErrTemplateUnavailable)
	assert.Len(t, track.Messages(), 1)
}

func TestGeneratePrefillFailureIsFatal(t *testing.T) {
	rt := runtimetest.New("unused")
	rt.FailDecodeCall = 1
	track := newTrack(t, rt)

	track.AppendUser("hello")
	_, err := Generate(context.Background(), track, nil, nil, nil, Options{}, nil)
	require.ErrorIs(t, err, runtime.ErrDecode)
	assert.Len(t, track.Messages(), 1, "no partial history committed")
	assert.Equal(t, 1, rt.Remaining())
}

func TestGenerateFirstTokenDecodeFailureIsFatal(t *testing.T) {
	rt := runtimetest.New("abc")
	rt.FailDecodeCall = 2 // call 1 is the prefill
	track := newTrack(t, rt)

	track.AppendUser("hello")
	_, err := Generate(context.Background(), track, nil, nil, nil, Options{}, nil)
	require.ErrorIs(t, err, runtime.ErrDecode)
	assert.Len(t, track.Messages(), 1)
}

func TestGenerateLaterDecodeFailureCommitsPartial(t *testing.T) {
	rt := runtimetest.New("abcdef")
	rt.FailDecodeCall = 4 // prefill, a, b, then c fails
	track := newTrack(t, rt)

	track.AppendUser("hello")
	outcome, err := Generate(context.Background(), track, nil, nil, nil, Options{}, nil)
	require.NoError(t, err)

	assert.Equal(t, StopDecodeFailed, outcome.Reason)
	assert.Equal(t, "ab", outcome.Raw, "the undecoded token stays out of the text")
	assert.Equal(t, 2, outcome.Generated)
	msgs := track.Messages()
	assert.Equal(t, "ab", msgs[len(msgs)-1].Content)

	// The session stays usable and the next turn starts from a fresh state.
	rt.Enqueue("next")
	track.AppendUser("again")
	outcome, err = Generate(context.Background(), track, nil, nil, nil, Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "next", outcome.Raw)
	assert.Equal(t, 2, rt.StatesCreated())
}

func TestGenerateLaterDecodeFailureMatchesStream(t *testing.T) {
	rt := runtimetest.New("abcdef")
	rt.FailDecodeCall = 4
	track := newTrack(t, rt)
	var out collector

	track.AppendUser("hello")
	outcome, err := Generate(context.Background(), track, nil, nil, out.sink, Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, outcome.Raw, strings.Join(out.fragments, ""))
}

func TestGenerateFirstSampleFailureRebuildsNextTurn(t *testing.T) {
	rt := runtimetest.New("ok")
	rt.FailSampleCall = 1
	track := newTrack(t, rt)

	track.AppendUser("hello")
	_, err := Generate(context.Background(), track, nil, nil, nil, Options{}, nil)
	require.ErrorIs(t, err, runtime.ErrDecode)
	assert.Len(t, track.Messages(), 1)
	created := rt.StatesCreated()

	track.AppendUser("hello")
	outcome, err := Generate(context.Background(), track, nil, nil, nil, Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", outcome.Raw)
	assert.Equal(t, created+1, rt.StatesCreated(), "failed state is replaced")
	assert.Equal(t, track.CachedCount()-outcome.Generated, outcome.Prefilled, "whole prompt decoded again")
}

func TestGenerateFirstDetokenizeFailureIsDecodeError(t *testing.T) {
	rt := runtimetest.New("ok")
	rt.FailDetokenize = true
	track := newTrack(t, rt)

	track.AppendUser("hello")
	_, err := Generate(context.Background(), track, nil, nil, nil, Options{}, nil)
	require.ErrorIs(t, err, runtime.ErrDecode)
	assert.Len(t, track.Messages(), 1)

	rt.FailDetokenize = false
	created := rt.StatesCreated()
	rt.Enqueue("next")
	track.AppendUser("hello")
	_, err = Generate(context.Background(), track, nil, nil, nil, Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, created+1, rt.StatesCreated())
}

func TestGenerateSinkErrorStopsLikeCancel(t *testing.T) {
	rt := runtimetest.New("abcdef")
	track := newTrack(t, rt)

	calls := 0
	sink := func(string) error {
		calls++
		if calls == 2 {
			return errors.New("client went away")
		}
		return nil
	}

	track.AppendUser("hello")
	outcome, err := Generate(context.Background(), track, nil, nil, sink, Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, StopSinkClosed, outcome.Reason)
	assert.Equal(t, "ab", outcome.Raw)
}

func TestGenerateMaxTokens(t *testing.T) {
	rt := runtimetest.New("abcdef")
	track := newTrack(t, rt)

	track.AppendUser("hello")
	outcome, err := Generate(context.Background(), track, nil, nil, nil, Options{MaxTokens: 4}, nil)
	require.NoError(t, err)
	assert.Equal(t, StopMaxTokens, outcome.Reason)
	assert.Equal(t, "abcd", outcome.Raw)
}

func TestGenerateContextCancelled(t *testing.T) {
	rt := runtimetest.New("abcdef")
	track := newTrack(t, rt)
	ctx, cancel := context.WithCancel(context.Background())
	rt.OnSample = func(tok runtime.Token) {
		if tok == 'b' {
			cancel()
		}
	}

	track.AppendUser("hello")
	outcome, err := Generate(ctx, track, nil, nil, nil, Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, StopCancelled, outcome.Reason)
	assert.Equal(t, "ab", outcome.Raw)
}
