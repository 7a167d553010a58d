// Package generation drives the decode/sample/detokenize loop of a track.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"LunarStudio/internal/conversation"
	"LunarStudio/internal/logging"
	"LunarStudio/internal/runtime"
	"LunarStudio/internal/sanitize"
)

// Sink receives visible fragments in generation order. Returning an error
// stops generation as if the turn had been cancelled.
type Sink func(fragment string) error

// SuppressFunc withholds a fragment from the sink when it returns true for
// the raw text accumulated so far, fragment included.
type SuppressFunc func(buffer string) bool

// StopReason explains why the decoding loop ended.
type StopReason string

const (
	StopEndOfSequence StopReason = "eos"
	StopMaxTokens     StopReason = "max_tokens"
	StopContextFull   StopReason = "context_full"
	StopCancelled     StopReason = "cancelled"
	StopSinkClosed    StopReason = "sink_closed"
	StopDecodeFailed  StopReason = "decode_failed"
)

// Options bounds a single generation.
type Options struct {
	// MaxTokens caps generated tokens. Zero means unbounded.
	MaxTokens int
	// ContextSize stops generation once the resident prefix reaches it. Zero
	// disables the check.
	ContextSize int
	// AddBOS is passed to Tokenize for the rendered prompt.
	AddBOS bool
}

// Outcome is the result of one generation. Raw is what enters history;
// Visible is what the caller sees.
type Outcome struct {
	Raw       string
	Visible   string
	Generated int
	Prefilled int
	Reason    StopReason
	Duration  time.Duration
}

// Cancelled reports whether the turn ended before the model finished.
func (o Outcome) Cancelled() bool {
	return o.Reason == StopCancelled || o.Reason == StopSinkClosed
}

// Generate renders the track's prompt, reuses or rebuilds the runtime state,
// streams the model's reply and commits it to the track.
//
// Failures before the first generated token is resident (template, tokenize,
// prefill, first sample or decode) abort the turn: the user message is
// withdrawn, nothing is committed, and runtime failures surface as
// runtime.ErrDecode with the track marked for a rebuild. Any later decode failure ends the loop and commits
// the partial text, as does cancellation through cancel, ctx or sink.
func Generate(ctx context.Context, track *conversation.Track, cancel *CancelFlag, suppress SuppressFunc, sink Sink, opts Options, logger *zap.Logger) (Outcome, error) {
	logger = logging.OrNop(logger).With(zap.String("track", track.Name()))
	start := time.Now()
	adapter := track.Adapter()

	prompt, err := track.RenderPrompt(ctx)
	if err != nil {
		track.AbortTurn()
		return Outcome{}, err
	}

	tokens, err := adapter.Tokenize(ctx, prompt, opts.AddBOS)
	if err != nil {
		track.AbortTurn()
		return Outcome{}, fmt.Errorf("generation: tokenize prompt: %w", err)
	}

	if _, err := track.Advance(ctx, tokens); err != nil {
		track.AbortTurn()
		return Outcome{}, err
	}

	prefilled, err := track.Prefill(ctx)
	if err != nil {
		track.AbortTurn()
		logger.Error("prefill failed", zap.Error(err))
		return Outcome{}, decodeError(err)
	}

	var (
		raw    strings.Builder
		reason StopReason
	)

	for {
		if cancel.Cancelled() || ctx.Err() != nil {
			reason = StopCancelled
			break
		}
		if opts.MaxTokens > 0 && track.TurnTokens() >= opts.MaxTokens {
			reason = StopMaxTokens
			break
		}
		if opts.ContextSize > 0 && track.CachedCount() >= opts.ContextSize {
			reason = StopContextFull
			break
		}

		tok, err := track.Sample(ctx)
		if err != nil {
			if track.TurnTokens() == 0 {
				track.Invalidate()
				track.AbortTurn()
				logger.Error("first token sample failed", zap.Error(err))
				return Outcome{}, decodeError(err)
			}
			logger.Warn("sampling failed, ending turn early", zap.Error(err))
			reason = StopDecodeFailed
			break
		}

		fragment, err := adapter.Detokenize(ctx, tok)
		if err != nil {
			if track.TurnTokens() == 0 {
				track.Invalidate()
				track.AbortTurn()
				logger.Error("first token detokenize failed", zap.Error(err))
				return Outcome{}, decodeError(fmt.Errorf("detokenize: %w", err))
			}
			logger.Warn("detokenize failed, ending turn early", zap.Error(err))
			reason = StopDecodeFailed
			break
		}

		if adapter.IsEndOfSequence(tok) {
			raw.WriteString(fragment)
			reason = StopEndOfSequence
			break
		}

		// The fragment joins the text only once its token is resident, so
		// history matches what was decoded and streamed.
		if err := track.Step(ctx, tok); err != nil {
			if track.TurnTokens() == 0 {
				track.AbortTurn()
				logger.Error("first token decode failed", zap.Error(err))
				return Outcome{}, decodeError(err)
			}
			logger.Warn("decode failed, committing partial turn", zap.Error(err), zap.Int("generated", track.TurnTokens()))
			reason = StopDecodeFailed
			break
		}
		raw.WriteString(fragment)

		if sink != nil && fragment != "" && (suppress == nil || !suppress(raw.String())) {
			if err := sink(fragment); err != nil {
				logger.Debug("sink rejected fragment, stopping", zap.Error(err))
				reason = StopSinkClosed
				break
			}
		}
	}

	rawText := raw.String()
	generated := track.CommitTurn(rawText)

	outcome := Outcome{
		Raw:       rawText,
		Visible:   sanitize.StripMarkup(rawText),
		Generated: generated,
		Prefilled: prefilled,
		Reason:    reason,
		Duration:  time.Since(start),
	}
	logger.Debug("generation finished",
		zap.String("reason", string(reason)),
		zap.Int("prefilled", prefilled),
		zap.Int("generated", generated),
		zap.Int("cached", track.CachedCount()),
		zap.Duration("duration", outcome.Duration))
	return outcome, nil
}

func decodeError(err error) error {
	if errors.Is(err, runtime.ErrDecode) {
		return err
	}
	return fmt.Errorf("%w: %v", runtime.ErrDecode, err)
}
