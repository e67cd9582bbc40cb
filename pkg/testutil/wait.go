package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/artcafeai/agentmq/pkg/devbus"
)

// WaitFor is a generic utility to wait for a condition to be true.
// It returns nil if the condition becomes true within the timeout.
// It returns an error if the condition does not become true within the timeout.
func WaitFor(t testing.TB, description string, timeout time.Duration, condition func() bool) error {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("condition '%s' not met within %v", description, timeout)
}

// WaitForWithContext is WaitFor bounded by ctx instead of a timeout.
func WaitForWithContext(ctx context.Context, t testing.TB, description string, condition func() bool) error {
	t.Helper()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("context canceled while waiting for condition '%s': %v", description, ctx.Err())
		case <-ticker.C:
		}
	}
}

// WaitForConnections waits until agentID has n live connections on the bus.
func WaitForConnections(t testing.TB, b *devbus.Bus, agentID string, n int, timeout time.Duration) error {
	t.Helper()
	return WaitFor(t, fmt.Sprintf("%d connections for %s", n, agentID), timeout, func() bool {
		return b.Connections(agentID) == n
	})
}

// WaitForSubscription waits until the bus has pattern registered for agentID.
func WaitForSubscription(t testing.TB, b *devbus.Bus, agentID, pattern string, timeout time.Duration) error {
	t.Helper()
	return WaitFor(t, fmt.Sprintf("subscription %s for %s", pattern, agentID), timeout, func() bool {
		for _, s := range b.Subscriptions(agentID) {
			if s == pattern {
				return true
			}
		}
		return false
	})
}
