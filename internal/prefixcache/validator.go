// Package prefixcache decides whether a runtime's incremental decoding state
// can be extended for a new prompt or must be rebuilt.
package prefixcache

import (
	"fmt"

	"LunarStudio/internal/runtime"
)

// Kind is the outcome of a validation.
type Kind int

const (
	// Reuse keeps the runtime state and decodes only the trailing tokens.
	Reuse Kind = iota
	// Rebuild discards the runtime state and decodes the prompt from scratch.
	Rebuild
)

func (k Kind) String() string {
	switch k {
	case Reuse:
		return "reuse"
	case Rebuild:
		return "rebuild"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Decision is a pure function of the new prompt tokens and the cached prefix.
type Decision struct {
	Kind Kind
	// NewTokens is the number of trailing tokens to decode on Reuse.
	NewTokens int
	// MismatchAt is the first diverging position on Rebuild, or -1 when the
	// cache was longer than the prompt.
	MismatchAt int
}

// Validate compares the tokenized prompt against the tokens resident in the
// runtime state. The policy is all-or-nothing: a divergence anywhere below
// cachedCount invalidates every position above it.
func Validate(newTokens, cachedTokens []runtime.Token, cachedCount int) Decision {
	if cachedCount <= 0 {
		return Decision{Kind: Reuse, NewTokens: len(newTokens), MismatchAt: -1}
	}
	if cachedCount > len(newTokens) {
		return Decision{Kind: Rebuild, MismatchAt: -1}
	}
	for i := 0; i < cachedCount; i++ {
		// A cache shorter than its own count cannot vouch for position i.
		if i >= len(cachedTokens) || newTokens[i] != cachedTokens[i] {
			return Decision{Kind: Rebuild, MismatchAt: i}
		}
	}
	return Decision{Kind: Reuse, NewTokens: len(newTokens) - cachedCount, MismatchAt: -1}
}
