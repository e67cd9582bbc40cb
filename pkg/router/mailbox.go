package router

import (
	"context"
	"strings"
	"sync"

	"github.com/artcafeai/agentmq/pkg/wire"
)

type subscription struct {
	pattern  string
	segments []string
	handler  Handler

	mu      sync.Mutex
	queue   []*wire.Envelope
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

func newSubscription(pattern string, h Handler) *subscription {
	return &subscription{
		pattern:  pattern,
		segments: strings.Split(pattern, "."),
		handler:  h,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (s *subscription) enqueue(env *wire.Envelope) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, env)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// next blocks until a message is queued, the subscription stops or ctx ends.
func (s *subscription) next(ctx context.Context) (*wire.Envelope, bool) {
	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return nil, false
		}
		if len(s.queue) > 0 {
			env := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return env, true
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-s.done:
			return nil, false
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (s *subscription) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.queue = nil
	close(s.done)
}
