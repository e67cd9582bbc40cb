package heartbeat

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthWindow(t *testing.T) {
	m := New(DefaultConfig())
	assert.Equal(t, 90*time.Second, m.Config().Timeout())

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.False(t, m.Healthy(base), "never acknowledged")

	m.Start(base)
	assert.True(t, m.Healthy(base.Add(89*time.Second)))
	assert.False(t, m.Healthy(base.Add(90*time.Second)))
	assert.False(t, m.Healthy(base.Add(91*time.Second)))
	assert.Equal(t, 45*time.Second, m.SinceAck(base.Add(45*time.Second)))

	m.Ack(base.Add(60 * time.Second))
	assert.True(t, m.Healthy(base.Add(149*time.Second)))
	assert.False(t, m.Healthy(base.Add(151*time.Second)))
}

func TestHealthyIsPure(t *testing.T) {
	m := New(DefaultConfig())
	base := time.Now()
	m.Start(base)
	before := m.Record()
	for i := 0; i < 5; i++ {
		m.Healthy(base.Add(time.Duration(i) * time.Minute))
		m.SinceAck(base.Add(time.Hour))
	}
	assert.Equal(t, before, m.Record())
}

func TestCustomMultiplier(t *testing.T) {
	m := New(Config{Interval: 10 * time.Second, TimeoutMultiplier: 1.5})
	base := time.Now()
	m.Start(base)
	assert.True(t, m.Healthy(base.Add(14*time.Second)))
	assert.False(t, m.Healthy(base.Add(15*time.Second)))
}

func TestRunCountsMissesAndResetsOnAck(t *testing.T) {
	m := New(Config{Interval: 20 * time.Millisecond, TimeoutMultiplier: 50})
	m.Start(time.Now())

	var sent atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- m.Run(ctx, func(context.Context) error {
			sent.Add(1)
			return nil
		})
	}()

	require.Eventually(t, func() bool { return m.Record().MissedCount >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, m.Record().LastSentAt.IsZero())

	m.Ack(time.Now())
	assert.Equal(t, 0, m.Record().MissedCount)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.GreaterOrEqual(t, sent.Load(), int32(3))
}

func TestRunTimesOutWithoutAcks(t *testing.T) {
	m := New(Config{Interval: 10 * time.Millisecond, TimeoutMultiplier: 3})
	m.Start(time.Now())

	start := time.Now()
	err := m.Run(context.Background(), func(context.Context) error { return errors.New("write failed") })
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRunStaysAliveWhileAcked(t *testing.T) {
	m := New(Config{Interval: 10 * time.Millisecond, TimeoutMultiplier: 3})
	m.Start(time.Now())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := m.Run(ctx, func(context.Context) error {
		go m.Ack(time.Now())
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded, "acked heartbeats must never time out")
	assert.True(t, m.Healthy(time.Now()))
}
