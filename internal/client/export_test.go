package client

import (
	"testing"
	"time"
)

// SetDefaultTimeoutForTest overrides the waiter TTL for the duration
// of a test, restoring the real 5s default on cleanup.
func SetDefaultTimeoutForTest(t *testing.T, d time.Duration) {
	t.Helper()
	prev := defaultTimeout
	defaultTimeout = d
	t.Cleanup(func() { defaultTimeout = prev })
}
