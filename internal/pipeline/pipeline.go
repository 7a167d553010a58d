// Package pipeline assembles the runtime backend, retrieval collaborators,
// transcript store and session manager from configuration.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"LunarStudio/internal/config"
	"LunarStudio/internal/embedding"
	"LunarStudio/internal/generation"
	"LunarStudio/internal/orchestrator"
	"LunarStudio/internal/rag"
	"LunarStudio/internal/runtime"
	"LunarStudio/internal/session"
	"LunarStudio/internal/transcript"
)

// Pipeline owns every long-lived component behind a chat surface.
type Pipeline struct {
	cfg        config.Config
	manager    *runtime.Manager
	embedder   embedding.Provider
	index      *rag.Index
	transcript *transcript.Store
	orch       *orchestrator.Orchestrator
	sessions   *session.Manager
	logger     *zap.Logger
}

// New constructs a Pipeline using the provided configuration and runtime registry.
func New(cfg config.Config, registry runtime.Registry, logger *zap.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{cfg: cfg, logger: logger}

	mgr, err := runtime.NewManager(cfg.Runtime, registry)
	if err != nil {
		return nil, fmt.Errorf("pipeline: failed to initialise runtime: %w", err)
	}
	p.manager = mgr

	if err := p.initRetrieval(); err != nil {
		p.Close()
		return nil, err
	}

	if cfg.Transcript.Enabled {
		store, err := transcript.Open(cfg.Transcript.Path)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("pipeline: failed to open transcript store: %w", err)
		}
		p.transcript = store
	}

	defaults := mgr.Options()
	orchOpts := orchestrator.Options{
		TopK:           cfg.RAG.TopK,
		Forward:        cfg.RAG.Forward,
		EmitMarkers:    cfg.RAG.MarkersEnabled(),
		StreamDecision: cfg.Conversation.StreamDecision,
		Generation: generation.Options{
			MaxTokens:   defaults.MaxTokens,
			ContextSize: defaults.ContextSize,
			AddBOS:      true,
		},
	}

	// Typed nils must not reach the orchestrator as non-nil interfaces.
	var (
		embedder  orchestrator.Embedder
		retriever orchestrator.Retriever
	)
	if p.embedder != nil {
		embedder = p.embedder
	}
	if p.index != nil {
		retriever = p.index
	}
	p.orch = orchestrator.New(embedder, retriever, orchOpts, logger.Named("orchestrator"))

	sessOpts := session.Options{
		AnswerSystemPrompt:   cfg.Conversation.SystemMessage,
		DecisionSystemPrompt: cfg.Conversation.DecisionPrompt,
		IdleTimeout:          config.ParseDuration(cfg.Session.IdleTimeout, 0),
		FragmentBuffer:       cfg.Session.FragmentBuffer,
	}
	if p.transcript != nil {
		sessOpts.Transcript = p.transcript
	}
	p.sessions = session.NewManager(mgr.Adapter(), p.orch, sessOpts, logger.Named("session"))

	logger.Info("pipeline ready",
		zap.String("backend", mgr.Adapter().Name()),
		zap.Bool("retrieval", p.index != nil && p.embedder != nil),
		zap.Bool("transcript", p.transcript != nil))
	return p, nil
}

func (p *Pipeline) initRetrieval() error {
	provider, err := embedding.New(p.cfg.Embedding)
	if err != nil {
		return fmt.Errorf("pipeline: failed to initialise embedding provider: %w", err)
	}
	if provider != nil {
		if ttl := strings.TrimSpace(p.cfg.Embedding.CacheTTL); ttl != "" {
			provider = embedding.NewCachedProvider(provider, config.ParseDuration(ttl, 30*time.Minute))
		}
		p.embedder = provider
	}

	if !p.cfg.RAG.Enabled {
		return nil
	}
	if p.embedder == nil {
		p.logger.Warn("rag enabled without an embedding provider; searches will fall back to direct answers")
	}
	index, err := rag.Open(p.cfg.RAG)
	if err != nil {
		return fmt.Errorf("pipeline: failed to open retrieval index: %w", err)
	}
	p.index = index
	return nil
}

// Config returns the configuration the pipeline was built from.
func (p *Pipeline) Config() config.Config { return p.cfg }

// Sessions returns the session manager.
func (p *Pipeline) Sessions() *session.Manager { return p.sessions }

// Adapter returns the runtime backend.
func (p *Pipeline) Adapter() runtime.Adapter { return p.manager.Adapter() }

// Index returns the retrieval index, or nil when retrieval is disabled.
func (p *Pipeline) Index() *rag.Index { return p.index }

// Transcript returns the transcript store, or nil when disabled.
func (p *Pipeline) Transcript() *transcript.Store { return p.transcript }

// Respond runs a single turn in a throwaway session.
func (p *Pipeline) Respond(ctx context.Context, message string, sink generation.Sink) (orchestrator.Result, error) {
	id, err := p.sessions.Start(ctx)
	if err != nil {
		return orchestrator.Result{}, err
	}
	defer func() {
		if err := p.sessions.Close(id); err != nil && !errors.Is(err, session.ErrUnknownSession) {
			p.logger.Warn("failed to close one-shot session", zap.String("session", id), zap.Error(err))
		}
	}()
	return p.sessions.SubmitTurn(ctx, id, message, sink)
}

// Close releases underlying resources. Sessions go first so their states are
// freed while the backend is still up.
func (p *Pipeline) Close() error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.sessions != nil {
		p.sessions.Shutdown()
	}
	if p.transcript != nil {
		errs = append(errs, p.transcript.Close())
	}
	if p.index != nil {
		errs = append(errs, p.index.Close())
	}
	if p.embedder != nil {
		errs = append(errs, p.embedder.Close())
	}
	if p.manager != nil {
		errs = append(errs, p.manager.Close())
	}
	return errors.Join(errs...)
}
