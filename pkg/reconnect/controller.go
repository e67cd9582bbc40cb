// Package reconnect restores a lost bus connection with exponential backoff.
package reconnect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/artcafeai/agentmq/pkg/credential"
)

// State is the controller's recovery state.
type State int

const (
	StateStable State = iota
	StateDetecting
	StateBackoff
	StateRetrying
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateStable:
		return "stable"
	case StateDetecting:
		return "detecting"
	case StateBackoff:
		return "backoff"
	case StateRetrying:
		return "retrying"
	case StateExhausted:
		return "exhausted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ExhaustedError is returned when a bounded policy runs out of attempts.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("reconnect: gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// AttemptFunc performs one full connection attempt.
type AttemptFunc func(ctx context.Context) error

// IsFatal reports whether err can never succeed on retry. Signing failures
// are fatal: the key is unusable.
func IsFatal(err error) bool {
	var se *credential.SigningError
	return errors.As(err, &se)
}

// Controller runs recovery cycles. Only one cycle runs at a time.
type Controller struct {
	policy  Policy
	attempt AttemptFunc
	logger  *slog.Logger
	fatal   func(error) bool
	onState func(State)
	rng     *rand.Rand

	run sync.Mutex

	mu       sync.Mutex
	state    State
	attempts int
	rngMu    sync.Mutex
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithStateHook is called on every state transition, outside any lock.
func WithStateHook(fn func(State)) Option {
	return func(c *Controller) { c.onState = fn }
}

// WithFatal replaces the fatal error classifier.
func WithFatal(fn func(error) bool) Option {
	return func(c *Controller) {
		if fn != nil {
			c.fatal = fn
		}
	}
}

// WithRand fixes the jitter source.
func WithRand(rng *rand.Rand) Option {
	return func(c *Controller) { c.rng = rng }
}

// New returns a Controller that calls attempt until it succeeds.
func New(policy Policy, attempt AttemptFunc, opts ...Option) *Controller {
	c := &Controller{
		policy:  policy.normalized(),
		attempt: attempt,
		logger:  slog.Default(),
		fatal:   IsFatal,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Policy returns the effective policy.
func (c *Controller) Policy() Policy { return c.policy }

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts is the number of attempts made in the current recovery cycle.
// It returns to zero once a connection is restored.
func (c *Controller) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Controller) set(s State, attempts int) {
	c.mu.Lock()
	c.state = s
	if attempts >= 0 {
		c.attempts = attempts
	}
	c.mu.Unlock()
	if c.onState != nil {
		c.onState(s)
	}
}

// Recover retries the attempt function after cause broke the connection.
// It returns nil once an attempt succeeds, ctx.Err() if cancelled, the
// error itself if it is fatal, or *ExhaustedError when a bounded policy
// runs out of attempts.
func (c *Controller) Recover(ctx context.Context, cause error) error {
	c.run.Lock()
	defer c.run.Unlock()

	c.set(StateDetecting, 0)
	c.logger.Info("Connection lost, starting recovery", "cause", cause,
		"max_attempts", c.policy.MaxAttempts, "initial_delay", c.policy.InitialDelay, "max_delay", c.policy.MaxDelay)

	last := cause
	for n := 1; ; n++ {
		if c.policy.MaxAttempts > 0 && n > c.policy.MaxAttempts {
			c.set(StateExhausted, -1)
			c.logger.Error("Reconnect attempts exhausted", "attempts", n-1, "error", last)
			return &ExhaustedError{Attempts: n - 1, Last: last}
		}

		c.set(StateBackoff, -1)
		delay := c.delay(n)
		c.logger.Info("Waiting before reconnect attempt", "attempt", n, "delay", delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		c.set(StateRetrying, n)
		err := c.attempt(ctx)
		if err == nil {
			c.set(StateStable, 0)
			c.logger.Info("Reconnected", "attempt", n)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.fatal(err) {
			c.set(StateExhausted, -1)
			c.logger.Error("Reconnect hit a fatal error", "attempt", n, "error", err)
			return err
		}
		c.logger.Warn("Reconnect attempt failed", "attempt", n, "error", err)
		last = err
	}
}

func (c *Controller) delay(n int) time.Duration {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return c.policy.Delay(n, c.rng)
}
