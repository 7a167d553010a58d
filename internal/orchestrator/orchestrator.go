// Package orchestrator runs one conversational turn across the decision and
// answer tracks: decide whether retrieval is needed, optionally embed and
// retrieve, then answer.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"LunarStudio/internal/conversation"
	"LunarStudio/internal/generation"
	"LunarStudio/internal/logging"
)

// ErrCollaboratorUnavailable marks an embedding or retrieval failure. It is
// logged and degraded around, never surfaced from Run.
var ErrCollaboratorUnavailable = errors.New("orchestrator: retrieval collaborator unavailable")

// Embedder turns a query into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Retriever returns up to k passages ranked nearest first.
type Retriever interface {
	Search(ctx context.Context, vector []float32, k int) ([]string, error)
}

// Phase names the state a turn failed in.
type Phase string

const (
	PhaseDecide Phase = "decide"
	PhaseAnswer Phase = "answer"
)

// PhaseError is a turn-level failure tagged with the phase that raised it.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("orchestrator: %s phase: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// Options tunes the state machine.
type Options struct {
	// TopK is the number of passages requested from the retriever.
	TopK int
	// Forward is the number of passages placed in the answer prompt.
	Forward int
	// EmitMarkers streams search progress markers ahead of the answer.
	EmitMarkers bool
	// StreamDecision forwards non-directive decision output to the sink.
	StreamDecision bool
	// Generation bounds both phases.
	Generation generation.Options
}

// DefaultOptions returns the retrieval shape used when nothing is configured.
func DefaultOptions() Options {
	return Options{TopK: 5, Forward: 3, EmitMarkers: true}
}

// Orchestrator is stateless across turns; all conversational state lives in
// the tracks handed to Run.
type Orchestrator struct {
	embedder  Embedder
	retriever Retriever
	opts      Options
	logger    *zap.Logger
}

// New builds an orchestrator. A nil embedder or retriever makes every search
// degrade to a direct answer.
func New(embedder Embedder, retriever Retriever, opts Options, logger *zap.Logger) *Orchestrator {
	defaults := DefaultOptions()
	if opts.TopK <= 0 {
		opts.TopK = defaults.TopK
	}
	if opts.Forward <= 0 {
		opts.Forward = defaults.Forward
	}
	if opts.Forward > opts.TopK {
		opts.TopK = opts.Forward
	}
	return &Orchestrator{
		embedder:  embedder,
		retriever: retriever,
		opts:      opts,
		logger:    logging.OrNop(logger),
	}
}

// Options returns the effective options.
func (o *Orchestrator) Options() Options { return o.opts }

// Turn carries the per-session inputs of one Run.
type Turn struct {
	Decision *conversation.Track
	Answer   *conversation.Track
	Cancel   *generation.CancelFlag
	Sink     generation.Sink
}

// Result describes a finished turn.
type Result struct {
	// Visible is the text shown to the user.
	Visible string
	// Raw is the unsanitized answer committed to the answer track.
	Raw       string
	Directive Directive
	// Passages holds the forwarded passages, sentinel padding included.
	Passages []string
	// Degraded is set when a search fell back to a direct answer.
	Degraded bool
	Decision generation.Outcome
	Answer   generation.Outcome
	Reason   generation.StopReason
}

// Run executes Decide and then either Answer or Search, Embed, Retrieve and
// AnswerWithContext. Only first-token decode failures and template failures
// are returned, wrapped in a *PhaseError.
func (o *Orchestrator) Run(ctx context.Context, turn Turn, text string) (Result, error) {
	if turn.Decision == nil || turn.Answer == nil {
		return Result{}, errors.New("orchestrator: both tracks are required")
	}

	var decisionSink generation.Sink
	if o.opts.StreamDecision {
		decisionSink = turn.Sink
	}

	turn.Decision.AppendUser(DecisionMessage(text))
	decided, err := generation.Generate(ctx, turn.Decision, turn.Cancel, DirectivePending, decisionSink, o.opts.Generation, o.logger)
	if err != nil {
		o.logger.Error("decision phase failed", zap.Error(err))
		return Result{}, &PhaseError{Phase: PhaseDecide, Err: err}
	}

	result := Result{Decision: decided, Reason: decided.Reason}
	if decided.Cancelled() {
		o.logger.Debug("turn cancelled during decision phase")
		return result, nil
	}

	directive, err := ParseDirective(decided.Raw)
	result.Directive = directive
	if errors.Is(err, ErrEmptyQuery) {
		o.logger.Warn("search directive without query", zap.String("decision", decided.Visible))
		if turn.Sink != nil {
			_ = turn.Sink(Apology)
		}
		result.Visible = Apology
		result.Raw = Apology
		return result, nil
	}

	message := DirectMessage(text)
	if directive.Search {
		o.logger.Debug("search requested", zap.String("query", directive.Query))
		passages, err := o.retrieve(ctx, directive.Query)
		if err != nil {
			o.logger.Warn("retrieval unavailable, answering without context",
				zap.String("query", directive.Query), zap.Error(err))
			result.Degraded = true
		} else {
			ranked := passages
			if len(ranked) > o.opts.Forward {
				ranked = ranked[:o.opts.Forward]
			}
			result.Passages = PadPassages(ranked, o.opts.Forward)
			message = ContextMessage(text, result.Passages)
			if err := o.emitMarkers(turn.Sink, directive.Query, ranked); err != nil {
				result.Reason = generation.StopSinkClosed
				return result, nil
			}
		}
	}

	if turn.Cancel.Cancelled() || ctx.Err() != nil {
		result.Reason = generation.StopCancelled
		return result, nil
	}

	turn.Answer.AppendUser(message)
	answered, err := generation.Generate(ctx, turn.Answer, turn.Cancel, nil, turn.Sink, o.opts.Generation, o.logger)
	if err != nil {
		o.logger.Error("answer phase failed", zap.Error(err))
		return result, &PhaseError{Phase: PhaseAnswer, Err: err}
	}

	result.Answer = answered
	result.Visible = answered.Visible
	result.Raw = answered.Raw
	result.Reason = answered.Reason
	return result, nil
}

func (o *Orchestrator) retrieve(ctx context.Context, query string) ([]string, error) {
	if o.embedder == nil || o.retriever == nil {
		return nil, ErrCollaboratorUnavailable
	}
	vector, err := o.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: embed: %v", ErrCollaboratorUnavailable, err)
	}
	passages, err := o.retriever.Search(ctx, vector, o.opts.TopK)
	if err != nil {
		return nil, fmt.Errorf("%w: search: %v", ErrCollaboratorUnavailable, err)
	}
	return passages, nil
}

func (o *Orchestrator) emitMarkers(sink generation.Sink, query string, passages []string) error {
	if sink == nil || !o.opts.EmitMarkers {
		return nil
	}
	fragments := []string{MarkerSearchOpen, query}
	for _, p := range passages {
		fragments = append(fragments, MarkerResultOpen, preview(p), MarkerResultClose)
	}
	fragments = append(fragments, MarkerSearchClose)
	for _, f := range fragments {
		if err := sink(f); err != nil {
			return err
		}
	}
	return nil
}
