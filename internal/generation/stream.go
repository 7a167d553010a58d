package generation

import (
	"context"
	"errors"
	"iter"
	"sync"
)

// ErrStreamClosed is returned by Send after Close.
var ErrStreamClosed = errors.New("generation: fragment stream closed")

// FragmentStream hands fragments from the generating goroutine to a consumer
// on another goroutine. Delivery is ordered and at-most-once. Send only
// blocks when capacity fragments are waiting, so a slow consumer slows the
// producer down instead of losing fragments.
type FragmentStream struct {
	ctx  context.Context
	ch   chan string
	mu   sync.RWMutex
	done bool
}

// NewFragmentStream returns a stream buffering up to capacity fragments.
// Send gives up when ctx is cancelled.
func NewFragmentStream(ctx context.Context, capacity int) *FragmentStream {
	if capacity <= 0 {
		capacity = 64
	}
	return &FragmentStream{ctx: ctx, ch: make(chan string, capacity)}
}

// Send enqueues a fragment. It satisfies Sink.
func (s *FragmentStream) Send(fragment string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.done {
		return ErrStreamClosed
	}
	select {
	case s.ch <- fragment:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

// Close ends the stream. Fragments already buffered are still delivered.
func (s *FragmentStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done {
		s.done = true
		close(s.ch)
	}
}

// All yields fragments in generation order until the stream is closed and
// drained. Breaking out of the loop early abandons the remaining fragments.
func (s *FragmentStream) All() iter.Seq[string] {
	return func(yield func(string) bool) {
		for fragment := range s.ch {
			if !yield(fragment) {
				return
			}
		}
	}
}

// Forward delivers every fragment to deliver on a new goroutine. The
// returned wait blocks until the stream is closed and fully delivered.
func (s *FragmentStream) Forward(deliver func(string)) (wait func()) {
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for fragment := range s.All() {
			deliver(fragment)
		}
	}()
	return func() { <-finished }
}
