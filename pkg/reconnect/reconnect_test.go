package reconnect

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artcafeai/agentmq/pkg/credential"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	p := Policy{InitialDelay: time.Second, MaxDelay: 30 * time.Second}
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30, 30}
	for i, w := range want {
		assert.Equal(t, w*time.Second, p.Base(i+1), "attempt %d", i+1)
	}
	assert.Equal(t, 30*time.Second, p.Base(500))
}

func TestJitterBounds(t *testing.T) {
	p := DefaultPolicy()
	rng := rand.New(rand.NewSource(1))
	for n := 1; n <= 10; n++ {
		base := p.Base(n)
		for i := 0; i < 100; i++ {
			d := p.Delay(n, rng)
			require.GreaterOrEqual(t, d, base)
			require.Less(t, d, base+base/4)
		}
	}
	assert.Equal(t, time.Second, Policy{InitialDelay: time.Second, Jitter: 0}.Delay(1, rng))
}

func fastPolicy(max int) Policy {
	return Policy{InitialDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, MaxAttempts: max}
}

func TestRecoverSucceedsAndResets(t *testing.T) {
	var mu sync.Mutex
	var states []State
	calls := 0
	c := New(fastPolicy(0), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	}, WithStateHook(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}))

	require.NoError(t, c.Recover(context.Background(), errors.New("eof")))
	assert.Equal(t, 3, calls)
	assert.Equal(t, StateStable, c.State())
	assert.Equal(t, 0, c.Attempts())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, StateDetecting, states[0])
	assert.Equal(t, StateStable, states[len(states)-1])
	assert.Contains(t, states, StateBackoff)
	assert.Contains(t, states, StateRetrying)
}

func TestRecoverExhausts(t *testing.T) {
	calls := 0
	c := New(fastPolicy(3), func(context.Context) error {
		calls++
		return errors.New("still down")
	})
	err := c.Recover(context.Background(), errors.New("eof"))
	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 3, ex.Attempts)
	assert.EqualError(t, ex.Last, "still down")
	assert.Equal(t, 3, calls)
	assert.Equal(t, StateExhausted, c.State())
	assert.Equal(t, 3, c.Attempts())
}

func TestRecoverStopsOnFatal(t *testing.T) {
	calls := 0
	c := New(fastPolicy(0), func(context.Context) error {
		calls++
		return &credential.SigningError{KeyID: "k", Err: errors.New("bad key")}
	})
	err := c.Recover(context.Background(), nil)
	var se *credential.SigningError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 1, calls)
	assert.Equal(t, StateExhausted, c.State())
}

func TestRecoverHonoursCancellation(t *testing.T) {
	c := New(Policy{InitialDelay: time.Hour}, func(context.Context) error {
		t.Fatal("attempt must not run")
		return nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	assert.ErrorIs(t, c.Recover(ctx, errors.New("eof")), context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRecoverWaitsBeforeEachAttempt(t *testing.T) {
	var stamps []time.Time
	c := New(Policy{InitialDelay: 20 * time.Millisecond, MaxDelay: 40 * time.Millisecond, MaxAttempts: 3}, func(context.Context) error {
		stamps = append(stamps, time.Now())
		return errors.New("down")
	}, WithRand(rand.New(rand.NewSource(7))))

	start := time.Now()
	require.Error(t, c.Recover(context.Background(), nil))
	require.Len(t, stamps, 3)
	assert.GreaterOrEqual(t, stamps[0].Sub(start), 20*time.Millisecond)
	assert.GreaterOrEqual(t, stamps[1].Sub(stamps[0]), 40*time.Millisecond)
	assert.GreaterOrEqual(t, stamps[2].Sub(stamps[1]), 40*time.Millisecond)
}
