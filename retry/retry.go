// SPDX-License-Identifier: GPL-3.0-or-later
package retry

import (
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/mailvault/mailvault/domain"
)

const (
	BaseDelay = 500 * time.Millisecond
	MaxDelay  = 30 * time.Second
)

// Sleeper lets tests replace real sleeps.
type Sleeper func(d time.Duration)

// retryablePatterns covers transient network conditions and the IMAP
// server responses that mean "try again", matched case-insensitively
// against the error text.
var retryablePatterns = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection reset",
	"connection refused",
	"connection closed",
	"broken pipe",
	"no such host",
	"network unreachable",
	"unexpected eof",
	"use of closed network connection",
	"temporary failure",
	"mailbox locked",
	"mailbox unavailable",
	"unavailable",
	"try again",
	"token expired",
	"invalid_grant: rate",
}

// Retryable reports whether an error is worth another attempt. Pool
// exhaustion counts; everything unmatched propagates immediately.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	// A lost session never recovers on its own; the caller has to
	// rebuild the connection first, so another attempt on the same
	// session is never worth it.
	if errors.Is(err, domain.ErrSessionLost) {
		return false
	}

	if errors.Is(err, domain.ErrPoolExhausted) {
		return true
	}

	text := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(text, pattern) {
			return true
		}
	}

	return false
}

// Delay is the pure backoff curve: min(base * 2^(attempt-1) + jitter, max).
// Attempt counts from 1.
func Delay(attempt int, jitter time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= MaxDelay {
			return MaxDelay
		}
	}

	delay += jitter
	if delay > MaxDelay {
		return MaxDelay
	}

	return delay
}

// Jitter returns a random fraction of the base delay to spread
// simultaneous retries apart.
func Jitter() time.Duration {
	return time.Duration(rand.Int63n(int64(BaseDelay)))
}

// Do runs operation up to maxAttempts times, sleeping the backoff
// delay between attempts. Non-retryable errors propagate immediately;
// exhausting all attempts re-raises the last error.
func Do(operation func() error, maxAttempts int, sleep Sleeper) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if sleep == nil {
		sleep = time.Sleep
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = operation()
		if lastErr == nil {
			return nil
		}

		if !Retryable(lastErr) {
			return lastErr
		}

		if attempt < maxAttempts {
			sleep(Delay(attempt, Jitter()))
		}
	}

	return lastErr
}
