// retry.go centralizes retry logic for transient SQLite errors.
//
// Under concurrent agent processes, WAL-mode SQLite produces transient
// errors like SQLITE_BUSY, SQLITE_LOCKED, and IOERR_SHORT_READ (522). The
// busy_timeout pragma absorbs most SQLITE_BUSY waits at the connection
// level; whatever leaks through is retried here with linear backoff
// (baseDelay * attempt). Every mutating path goes through this one
// wrapper, so retry behavior is uniform and testable in isolation.
package store

import (
	"strings"
	"time"
)

// retryConfig controls the contention retry policy.
type retryConfig struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// defaultRetryConfig applies unless Open is given WithRetryPolicy.
var defaultRetryConfig = retryConfig{
	maxAttempts: 3,
	baseDelay:   50 * time.Millisecond,
	maxDelay:    500 * time.Millisecond,
}

// isTransientSQLiteErr reports whether err is a transient SQLite failure
// that a retry can resolve:
//   - SQLITE_BUSY (5): another connection holds the write lock
//   - SQLITE_LOCKED (6): table-level lock conflict
//   - SQLITE_IOERR_SHORT_READ (522): WAL contention read failure
//   - "database is locked": text fallthrough past busy_timeout
func isTransientSQLiteErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, pattern := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"IOERR_SHORT_READ",
		"database is locked",
		"database table is locked",
		"(5)",   // SQLITE_BUSY code
		"(6)",   // SQLITE_LOCKED code
		"(522)", // SQLITE_IOERR_SHORT_READ code
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// IsConstraintErr reports whether err is a SQLite constraint violation.
// The lock manager treats a uniqueness violation from a racing insert as
// "lost the race", a normal outcome, so it needs to tell these apart from
// real failures.
func IsConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, pattern := range []string{
		"UNIQUE constraint failed",
		"constraint failed",
		"SQLITE_CONSTRAINT",
		"(19)",   // SQLITE_CONSTRAINT code
		"(1555)", // SQLITE_CONSTRAINT_PRIMARYKEY code
		"(2067)", // SQLITE_CONSTRAINT_UNIQUE code
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// retryOp executes fn up to cfg.maxAttempts times. Transient errors sleep
// backoffDelay and retry; anything else returns immediately; the last
// transient error surfaces once attempts are exhausted.
func retryOp(cfg retryConfig, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= cfg.maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isTransientSQLiteErr(lastErr) {
			return lastErr
		}
		if attempt < cfg.maxAttempts {
			time.Sleep(backoffDelay(cfg, attempt))
		}
	}
	return lastErr
}

// backoffDelay computes the linear backoff for the attempt that just
// failed: baseDelay * attempt, capped at maxDelay.
func backoffDelay(cfg retryConfig, attempt int) time.Duration {
	delay := cfg.baseDelay * time.Duration(attempt)
	if cfg.maxDelay > 0 && delay > cfg.maxDelay {
		delay = cfg.maxDelay
	}
	return delay
}
