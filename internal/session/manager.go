// Package session exposes the conversational API: start a session, submit
// turns, read history and cancel an in-flight turn. Each session owns its
// decision and answer tracks; sessions run independently of each other.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"LunarStudio/internal/conversation"
	"LunarStudio/internal/generation"
	"LunarStudio/internal/logging"
	"LunarStudio/internal/orchestrator"
	"LunarStudio/internal/runtime"
	"LunarStudio/internal/sanitize"
)

var (
	// ErrUnknownSession is returned for ids that were never issued, were
	// closed, or expired.
	ErrUnknownSession = errors.New("session: unknown session")
	// ErrTurnInProgress is returned when a session is already generating.
	ErrTurnInProgress = errors.New("session: turn already in progress")
	// ErrManagerClosed is returned by Start after Shutdown.
	ErrManagerClosed = errors.New("session: manager closed")
)

// Track names used in logs and transcripts.
const (
	DecisionTrack = "decision"
	AnswerTrack   = "answer"
)

// TurnError is a turn-level failure surfaced to the caller.
type TurnError struct {
	SessionID string
	Phase     orchestrator.Phase
	Err       error
}

func (e *TurnError) Error() string {
	if e.Phase != "" {
		return fmt.Sprintf("session %s: %s phase: %v", e.SessionID, e.Phase, e.Err)
	}
	return fmt.Sprintf("session %s: %v", e.SessionID, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }

// TranscriptWriter persists committed messages.
type TranscriptWriter interface {
	Append(ctx context.Context, sessionID, track, role, content string) error
}

// Options configures a Manager.
type Options struct {
	AnswerSystemPrompt   string
	DecisionSystemPrompt string
	// IdleTimeout closes sessions that have not run a turn for this long.
	// Zero keeps sessions until they are closed.
	IdleTimeout time.Duration
	// FragmentBuffer bounds the hand-off between generation and the sink.
	FragmentBuffer int
	// Transcript, when set, receives every committed message.
	Transcript TranscriptWriter
}

// Manager owns every live session.
type Manager struct {
	adapter runtime.Adapter
	orch    *orchestrator.Orchestrator
	opts    Options
	logger  *zap.Logger

	sessions *cache.Cache
	closed   atomic.Bool
}

type session struct {
	id       string
	created  time.Time
	decision *conversation.Track
	answer   *conversation.Track
	cancel   generation.CancelFlag

	// turn serializes turns and guards the tracks.
	turn    sync.Mutex
	closed  bool
	evicted atomic.Bool

	historyMu sync.RWMutex
	history   []conversation.Message
	turns     int
}

// NewManager returns a manager creating tracks on adapter and running turns
// through orch.
func NewManager(adapter runtime.Adapter, orch *orchestrator.Orchestrator, opts Options, logger *zap.Logger) *Manager {
	if opts.AnswerSystemPrompt == "" {
		opts.AnswerSystemPrompt = orchestrator.DefaultAnswerSystemPrompt
	}
	if opts.DecisionSystemPrompt == "" {
		opts.DecisionSystemPrompt = orchestrator.DefaultDecisionSystemPrompt
	}
	if opts.FragmentBuffer <= 0 {
		opts.FragmentBuffer = 64
	}

	expiration, cleanup := cache.NoExpiration, time.Duration(0)
	if opts.IdleTimeout > 0 {
		expiration, cleanup = opts.IdleTimeout, opts.IdleTimeout/2
		if cleanup < time.Second {
			cleanup = time.Second
		}
	}

	m := &Manager{
		adapter:  adapter,
		orch:     orch,
		opts:     opts,
		logger:   logging.OrNop(logger),
		sessions: cache.New(expiration, cleanup),
	}
	m.sessions.OnEvicted(func(id string, value interface{}) {
		if s, ok := value.(*session); ok {
			s.evicted.Store(true)
			m.release(s)
		}
	})
	return m
}

// Start creates a session with fresh decision and answer tracks.
func (m *Manager) Start(ctx context.Context) (string, error) {
	if m.closed.Load() {
		return "", ErrManagerClosed
	}
	id := uuid.NewString()
	logger := m.logger.With(zap.String("session", id))

	decision, err := conversation.NewTrack(ctx, DecisionTrack, m.opts.DecisionSystemPrompt, m.adapter, logger)
	if err != nil {
		return "", err
	}
	answer, err := conversation.NewTrack(ctx, AnswerTrack, m.opts.AnswerSystemPrompt, m.adapter, logger)
	if err != nil {
		_ = decision.Close()
		return "", err
	}

	s := &session{
		id:       id,
		created:  time.Now(),
		decision: decision,
		answer:   answer,
		history:  answer.Messages(),
	}
	m.sessions.Set(id, s, cache.DefaultExpiration)
	logger.Info("session started")
	return id, nil
}

// SubmitTurn runs one turn. Fragments reach sink in order on a separate
// goroutine; every fragment has been delivered when SubmitTurn returns. A
// sink error cancels the rest of the turn.
func (m *Manager) SubmitTurn(ctx context.Context, id, text string, sink generation.Sink) (orchestrator.Result, error) {
	s, err := m.lookup(id)
	if err != nil {
		return orchestrator.Result{}, err
	}
	if !s.turn.TryLock() {
		return orchestrator.Result{}, ErrTurnInProgress
	}
	defer s.turn.Unlock()
	if s.closed {
		return orchestrator.Result{}, ErrUnknownSession
	}

	m.touch(s)
	s.cancel.Reset()
	start := time.Now()
	logger := m.logger.With(zap.String("session", id))

	decisionBefore := len(s.decision.Messages())
	answerBefore := len(s.answer.Messages())

	var (
		send generation.Sink
		wait func()
	)
	if sink != nil {
		stream := generation.NewFragmentStream(ctx, m.opts.FragmentBuffer)
		var failed atomic.Bool
		wait = stream.Forward(func(fragment string) {
			if failed.Load() {
				return
			}
			if err := sink(fragment); err != nil {
				failed.Store(true)
				s.cancel.Cancel()
			}
		})
		send = stream.Send
		defer func() {
			stream.Close()
			wait()
		}()
	}

	result, err := m.orch.Run(ctx, orchestrator.Turn{
		Decision: s.decision,
		Answer:   s.answer,
		Cancel:   &s.cancel,
		Sink:     send,
	}, text)

	s.historyMu.Lock()
	s.history = s.answer.Messages()
	s.turns++
	s.historyMu.Unlock()
	persistCtx := context.WithoutCancel(ctx)
	m.record(persistCtx, s, DecisionTrack, s.decision.Messages()[decisionBefore:])
	m.record(persistCtx, s, AnswerTrack, s.answer.Messages()[answerBefore:])
	m.touch(s)

	if err != nil {
		logger.Error("turn failed", zap.Error(err))
		turnErr := &TurnError{SessionID: id, Err: err}
		var phaseErr *orchestrator.PhaseError
		if errors.As(err, &phaseErr) {
			turnErr.Phase = phaseErr.Phase
			turnErr.Err = phaseErr.Err
		}
		return result, turnErr
	}

	logger.Info("turn finished",
		zap.String("reason", string(result.Reason)),
		zap.Bool("search", result.Directive.Search),
		zap.Bool("degraded", result.Degraded),
		zap.Duration("duration", time.Since(start)))
	return result, nil
}

// History returns the answer track history with raw assistant text.
func (m *Manager) History(id string) ([]conversation.Message, error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	s.historyMu.RLock()
	defer s.historyMu.RUnlock()
	return append([]conversation.Message(nil), s.history...), nil
}

// HistorySanitized returns History with markup stripped from assistant text.
func (m *Manager) HistorySanitized(id string) ([]conversation.Message, error) {
	history, err := m.History(id)
	if err != nil {
		return nil, err
	}
	for i, msg := range history {
		if msg.Role == conversation.RoleAssistant {
			history[i].Content = sanitize.StripMarkup(msg.Content)
		}
	}
	return history, nil
}

// RequestCancel asks the in-flight turn, if any, to stop. It only affects a
// turn that has already started: the flag is cleared when the next turn
// starts, so a request that arrives while the session is idle is dropped.
func (m *Manager) RequestCancel(id string) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	s.cancel.Cancel()
	return nil
}

// Close cancels any in-flight turn, waits for it and frees the session's
// runtime state.
func (m *Manager) Close(id string) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	s.cancel.Cancel()
	m.sessions.Delete(id)
	return nil
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	return m.sessions.ItemCount()
}

// Shutdown closes every session. Start fails afterwards.
func (m *Manager) Shutdown() {
	if m.closed.Swap(true) {
		return
	}
	m.sessions.DeleteExpired()
	for id, item := range m.sessions.Items() {
		if s, ok := item.Object.(*session); ok {
			s.cancel.Cancel()
		}
		m.sessions.Delete(id)
	}
}

func (m *Manager) lookup(id string) (*session, error) {
	value, found := m.sessions.Get(id)
	if !found {
		return nil, ErrUnknownSession
	}
	s := value.(*session)
	if s.evicted.Load() {
		return nil, ErrUnknownSession
	}
	return s, nil
}

// touch restarts the idle timer.
func (m *Manager) touch(s *session) {
	if m.opts.IdleTimeout > 0 && !m.closed.Load() && !s.evicted.Load() {
		m.sessions.Set(s.id, s, cache.DefaultExpiration)
	}
}

func (m *Manager) release(s *session) {
	s.turn.Lock()
	defer s.turn.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	logger := m.logger.With(zap.String("session", s.id))
	if err := s.decision.Close(); err != nil {
		logger.Warn("failed to free decision track", zap.Error(err))
	}
	if err := s.answer.Close(); err != nil {
		logger.Warn("failed to free answer track", zap.Error(err))
	}
	logger.Info("session closed", zap.Int("turns", s.turns), zap.Duration("age", time.Since(s.created)))
}

func (m *Manager) record(ctx context.Context, s *session, track string, msgs []conversation.Message) {
	if m.opts.Transcript == nil {
		return
	}
	for _, msg := range msgs {
		if err := m.opts.Transcript.Append(ctx, s.id, track, string(msg.Role), msg.Content); err != nil {
			m.logger.Warn("transcript append failed", zap.String("session", s.id), zap.Error(err))
			return
		}
	}
}
