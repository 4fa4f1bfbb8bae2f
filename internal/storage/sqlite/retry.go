package sqlite

import (
	"strings"
	"time"
)

// retryWithExponentialBackoff retries fn on transient SQLITE_BUSY / "database
// is locked" errors. The single-connection pool in connection.go makes these
// rare, but a long-running reconciler write can still collide with a
// concurrent read transaction.
func retryWithExponentialBackoff(fn func() error) error {
	const maxAttempts = 5
	delay := 10 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isRetryableError(lastErr) {
			return lastErr
		}
		time.Sleep(delay)
		delay *= 2
	}
	return lastErr
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
