package session

import (
	"sync"
	"time"

	"github.com/cskr/pubsub"
)

// EventKind classifies lifecycle events.
type EventKind string

const (
	EventState        EventKind = "state"
	EventDisconnected EventKind = "disconnected"
	EventReconnected  EventKind = "reconnected"
	EventServerError  EventKind = "server_error"
	EventFatal        EventKind = "fatal"
)

const eventTopic = "session"

// Event describes a lifecycle change. State is the session state after it.
type Event struct {
	Kind  EventKind
	State State
	Err   error
	At    time.Time
}

// events fans lifecycle events out to watchers. Publishing never blocks on
// a slow watcher; a full watcher misses events.
type events struct {
	mu     sync.Mutex
	ps     *pubsub.PubSub
	closed bool
}

func newEvents(capacity int) *events {
	return &events{ps: pubsub.New(capacity)}
}

func (e *events) emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.ps.TryPub(ev, eventTopic)
}

func (e *events) watch() (<-chan Event, func()) {
	out := make(chan Event)
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		close(out)
		return out, func() {}
	}
	sub := e.ps.Sub(eventTopic)
	e.mu.Unlock()

	stop := make(chan struct{})
	var once sync.Once
	go func() {
		defer close(out)
		for v := range sub {
			ev, ok := v.(Event)
			if !ok {
				continue
			}
			select {
			case out <- ev:
			case <-stop:
				return
			}
		}
	}()
	cancel := func() {
		once.Do(func() {
			close(stop)
			e.mu.Lock()
			defer e.mu.Unlock()
			if !e.closed {
				e.ps.Unsub(sub)
			}
		})
	}
	return out, cancel
}

func (e *events) shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.ps.Shutdown()
}
