// Package router fans inbound messages out to every subscription whose
// pattern matches the message topic.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/artcafeai/agentmq/pkg/wire"
)

var (
	// ErrAlreadyRegistered is returned when a pattern already has a handler.
	ErrAlreadyRegistered = errors.New("router: pattern already registered")
	// ErrNotRegistered is returned when unregistering an unknown pattern.
	ErrNotRegistered = errors.New("router: pattern not registered")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("router: closed")
	// ErrNilHandler is returned when registering a nil handler.
	ErrNilHandler = errors.New("router: handler cannot be nil")
)

// Handler processes one message. Every handler gets its own copy of the
// envelope. A returned error is logged; it has no other effect on delivery.
type Handler func(ctx context.Context, env *wire.Envelope) error

// Router holds subscriptions in registration order. Every subscription
// owns a worker goroutine and a mailbox, so a slow handler only delays its
// own messages and each handler sees messages in arrival order.
type Router struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   []*subscription
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New returns an empty Router.
func New(opts ...Option) *Router {
	r := &Router{logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "router")
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r
}

// Register adds handler for pattern.
func (r *Router) Register(pattern string, handler Handler) error {
	if err := ValidatePattern(pattern); err != nil {
		return err
	}
	if handler == nil {
		return ErrNilHandler
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	for _, s := range r.subs {
		if s.pattern == pattern {
			return fmt.Errorf("%w: %q", ErrAlreadyRegistered, pattern)
		}
	}
	s := newSubscription(pattern, handler)
	r.subs = append(r.subs, s)
	r.wg.Add(1)
	go r.work(s)
	return nil
}

// Unregister removes pattern. Messages still queued for it are dropped; a
// handler already running finishes on its own.
func (r *Router) Unregister(pattern string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.subs {
		if s.pattern == pattern {
			r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
			s.stop()
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrNotRegistered, pattern)
}

// Has reports whether pattern is registered.
func (r *Router) Has(pattern string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.subs {
		if s.pattern == pattern {
			return true
		}
	}
	return false
}

// Patterns returns the registered patterns in registration order.
func (r *Router) Patterns() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.subs))
	for i, s := range r.subs {
		out[i] = s.pattern
	}
	return out
}

// Dispatch queues a copy of env for every subscription matching env.Topic,
// in registration order, and returns how many matched. It never waits for
// a handler.
func (r *Router) Dispatch(env *wire.Envelope) int {
	segs := strings.Split(env.Topic, ".")

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return 0
	}
	matched := 0
	for _, s := range r.subs {
		if matchSegments(s.segments, segs) {
			s.enqueue(env.Clone())
			matched++
		}
	}
	return matched
}

// Close stops every worker, discards queued messages and waits for running
// handlers to return. Handlers see their context cancelled.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.wg.Wait()
		return
	}
	r.closed = true
	for _, s := range r.subs {
		s.stop()
	}
	r.subs = nil
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}

func (r *Router) work(s *subscription) {
	defer r.wg.Done()
	for {
		env, ok := s.next(r.ctx)
		if !ok {
			return
		}
		r.invoke(s, env)
	}
}

func (r *Router) invoke(s *subscription, env *wire.Envelope) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Subscription handler panicked",
				"pattern", s.pattern, "topic", env.Topic, "id", env.ID,
				"panic", p, "stack", string(debug.Stack()))
		}
	}()
	if err := s.handler(r.ctx, env); err != nil {
		r.logger.Warn("Subscription handler returned error",
			"pattern", s.pattern, "topic", env.Topic, "id", env.ID, "error", err)
	}
}
