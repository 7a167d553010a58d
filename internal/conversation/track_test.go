package conversation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LunarStudio/internal/prefixcache"
	"LunarStudio/internal/runtime"
	"LunarStudio/internal/runtime/runtimetest"
)

func newTestTrack(t *testing.T, rt *runtimetest.Adapter) *Track {
	t.Helper()
	track, err := NewTrack(context.Background(), "answer", "You are a test.", rt, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = track.Close() })
	return track
}

func TestRenderPromptSingleSystemAndUser(t *testing.T) {
	rt := runtimetest.New()
	track := newTestTrack(t, rt)

	track.AppendUser("hello")
	prompt, err := track.RenderPrompt(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "<|im_start|>system\nYou are a test.<|im_end|>\n<|im_start|>user\nhello<|im_end|>\n<|im_start|>assistant\n", prompt)

	msgs := track.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleSystem, msgs[0].Role)
	assert.Equal(t, Message{Role: RoleUser, Content: "hello"}, msgs[1])

	assert.Zero(t, track.CachedCount())
	decision, err := track.Advance(context.Background(), runtimetest.Tokens(prompt, true))
	require.NoError(t, err)
	assert.Equal(t, prefixcache.Reuse, decision.Kind)
	assert.Equal(t, len(runtimetest.Tokens(prompt, true)), decision.NewTokens)
}

func TestRenderPromptTemplateUnavailable(t *testing.T) {
	rt := runtimetest.New()
	rt.NoTemplate = true
	track := newTestTrack(t, rt)

	track.AppendUser("hello")
	_, err := track.RenderPrompt(context.Background())
	assert.ErrorIs(t, err, runtime.ErrTemplateUnavailable)
}

func TestPrefillMakesPromptResident(t *testing.T) {
	rt := runtimetest.New()
	track := newTestTrack(t, rt)
	ctx := context.Background()

	tokens := runtimetest.Tokens("abc", false)
	_, err := track.Advance(ctx, tokens)
	require.NoError(t, err)
	n, err := track.Prefill(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, n)
	assert.Equal(t, 3, track.CachedCount())
	assert.Equal(t, tokens, track.CachedTokens())

	// Extending the prompt decodes only the tail.
	longer := runtimetest.Tokens("abcde", false)
	decision, err := track.Advance(ctx, longer)
	require.NoError(t, err)
	assert.Equal(t, prefixcache.Reuse, decision.Kind)
	assert.Equal(t, 2, decision.NewTokens)
	n, err = track.Prefill(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, rt.StatesCreated())
}

func TestAdvanceMismatchReplacesState(t *testing.T) {
	rt := runtimetest.New()
	track := newTestTrack(t, rt)
	ctx := context.Background()

	_, err := track.Advance(ctx, runtimetest.Tokens("abc", false))
	require.NoError(t, err)
	_, err = track.Prefill(ctx)
	require.NoError(t, err)

	decision, err := track.Advance(ctx, runtimetest.Tokens("xbcd", false))
	require.NoError(t, err)
	assert.Equal(t, prefixcache.Rebuild, decision.Kind)
	assert.Equal(t, 0, decision.MismatchAt)
	assert.Equal(t, 4, decision.NewTokens)
	assert.Zero(t, track.CachedCount())
	assert.Empty(t, track.CachedTokens())
	assert.Equal(t, 2, rt.StatesCreated())
	assert.Equal(t, 1, rt.StatesFreed())
}

func TestStepAndCommitTrackGeneratedTokens(t *testing.T) {
	rt := runtimetest.New()
	track := newTestTrack(t, rt)
	ctx := context.Background()

	track.AppendUser("q")
	_, err := track.Advance(ctx, runtimetest.Tokens("prompt", false))
	require.NoError(t, err)
	_, err = track.Prefill(ctx)
	require.NoError(t, err)

	for _, tok := range runtimetest.Tokens("ok", false) {
		require.NoError(t, track.Step(ctx, tok))
	}
	assert.Equal(t, 2, track.TurnTokens())
	assert.Equal(t, 8, track.CachedCount())

	assert.Equal(t, 2, track.CommitTurn("<think>x</think>ok"))
	msgs := track.Messages()
	assert.Equal(t, Message{Role: RoleAssistant, Content: "<think>x</think>ok"}, msgs[len(msgs)-1])
}

func TestFailedPrefillForcesRebuild(t *testing.T) {
	rt := runtimetest.New()
	track := newTestTrack(t, rt)
	ctx := context.Background()

	_, err := track.Advance(ctx, runtimetest.Tokens("abc", false))
	require.NoError(t, err)
	_, err = track.Prefill(ctx)
	require.NoError(t, err)

	rt.FailDecodeCall = rt.DecodeCalls() + 1
	_, err = track.Advance(ctx, runtimetest.Tokens("abcd", false))
	require.NoError(t, err)
	_, err = track.Prefill(ctx)
	require.ErrorIs(t, err, runtime.ErrDecode)

	decision, err := track.Advance(ctx, runtimetest.Tokens("abcd", false))
	require.NoError(t, err)
	assert.Equal(t, prefixcache.Rebuild, decision.Kind)
	assert.Equal(t, 4, decision.NewTokens)
}

func TestInvalidateForcesRebuild(t *testing.T) {
	rt := runtimetest.New()
	track := newTestTrack(t, rt)
	ctx := context.Background()

	_, err := track.Advance(ctx, runtimetest.Tokens("abc", false))
	require.NoError(t, err)
	_, err = track.Prefill(ctx)
	require.NoError(t, err)
	created := rt.StatesCreated()

	track.Invalidate()
	decision, err := track.Advance(ctx, runtimetest.Tokens("abc", false))
	require.NoError(t, err)
	assert.Equal(t, prefixcache.Rebuild, decision.Kind)
	assert.Equal(t, 3, decision.NewTokens)
	assert.Equal(t, created+1, rt.StatesCreated())
	assert.Zero(t, track.CachedCount())
}

func TestAbortTurnWithdrawsUserMessage(t *testing.T) {
	rt := runtimetest.New()
	track := newTestTrack(t, rt)

	track.AppendUser("first")
	track.CommitTurn("reply")
	track.AppendUser("second")
	track.AbortTurn()

	msgs := track.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "reply", msgs[2].Content)

	// Aborting with nothing pending is a no-op.
	track.AbortTurn()
	assert.Len(t, track.Messages(), 3)
}

func TestCloseFreesStateOnce(t *testing.T) {
	rt := runtimetest.New()
	track, err := NewTrack(context.Background(), "decision", "sys", rt, nil)
	require.NoError(t, err)

	require.NoError(t, track.Close())
	require.NoError(t, track.Close())
	assert.Equal(t, 1, rt.StatesFreed())

	_, err = track.RenderPrompt(context.Background())
	assert.ErrorIs(t, err, ErrTrackClosed)
}
