package prefixcache

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LunarStudio/internal/runtime"
)

func randomTokens(r *rand.Rand, n int) []runtime.Token {
	out := make([]runtime.Token, n)
	for i := range out {
		out[i] = runtime.Token(r.Intn(50))
	}
	return out
}

func TestValidateEmptyCacheReusesEverything(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		tokens := randomTokens(r, r.Intn(64))
		stale := randomTokens(r, r.Intn(64))
		d := Validate(tokens, stale, 0)
		require.Equal(t, Reuse, d.Kind)
		require.Equal(t, len(tokens), d.NewTokens)
	}
}

func TestValidateShrunkHistoryRebuilds(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	for i := 0; i < 200; i++ {
		cached := randomTokens(r, 1+r.Intn(64))
		tokens := append([]runtime.Token(nil), cached[:r.Intn(len(cached))]...)
		d := Validate(tokens, cached, len(cached))
		require.Equal(t, Rebuild, d.Kind)
		require.Equal(t, -1, d.MismatchAt)
	}
}

func TestValidateSharedPrefixReusesTail(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	for i := 0; i < 200; i++ {
		cached := randomTokens(r, r.Intn(64))
		tokens := append(append([]runtime.Token(nil), cached...), randomTokens(r, r.Intn(32))...)
		d := Validate(tokens, cached, len(cached))
		require.Equal(t, Reuse, d.Kind)
		require.Equal(t, len(tokens)-len(cached), d.NewTokens)
	}
}

func TestValidateMismatchRebuilds(t *testing.T) {
	cached := []runtime.Token{1, 2, 3, 4}
	tokens := []runtime.Token{1, 2, 9, 4, 5, 6}

	d := Validate(tokens, cached, len(cached))
	assert.Equal(t, Rebuild, d.Kind)
	assert.Equal(t, 2, d.MismatchAt)
}

func TestValidateMismatchAboveCountIgnored(t *testing.T) {
	// Only the first cachedCount positions are compared.
	cached := []runtime.Token{1, 2, 3, 4}
	tokens := []runtime.Token{1, 2, 7, 8}

	d := Validate(tokens, cached, 2)
	assert.Equal(t, Reuse, d.Kind)
	assert.Equal(t, 2, d.NewTokens)
}

func TestValidateExactMatchReusesNothing(t *testing.T) {
	tokens := []runtime.Token{5, 6, 7}
	d := Validate(tokens, tokens, 3)
	assert.Equal(t, Reuse, d.Kind)
	assert.Zero(t, d.NewTokens)
}

func TestValidateShortCacheRebuilds(t *testing.T) {
	d := Validate([]runtime.Token{1, 2, 3}, []runtime.Token{1}, 2)
	assert.Equal(t, Rebuild, d.Kind)
	assert.Equal(t, 1, d.MismatchAt)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "reuse", Reuse.String())
	assert.Equal(t, "rebuild", Rebuild.String())
}
