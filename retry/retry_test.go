// SPDX-License-Identifier: GPL-3.0-or-later
package retry

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mailvault/mailvault/domain"

	"github.com/stretchr/testify/assert"
)

func TestRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"timeout", errors.New("i/o timeout"), true},
		{"reset", errors.New("read: connection reset by peer"), true},
		{"pool", domain.ErrPoolExhausted, true},
		{"wrapped pool", fmt.Errorf("could not acquire slot: %w", domain.ErrPoolExhausted), true},
		{"lock", errors.New("NO [INUSE] Mailbox locked"), true},
		{"temporary", errors.New("451 temporary failure, try again later"), true},
		{"auth", errors.New("NO [AUTHENTICATIONFAILED] Invalid credentials"), false},
		{"parse", errors.New("could not parse mail: malformed header"), false},
		// The text matches a transient pattern, but a lost session
		// needs a reconnect, not another attempt.
		{"lost session", fmt.Errorf("fetch of uid 5 timed out after 1s: %w", domain.ErrSessionLost), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.retryable, Retryable(tc.err))
		})
	}
}

func TestDelay(t *testing.T) {
	assert.Equal(t, BaseDelay, Delay(1, 0))
	assert.Equal(t, 2*BaseDelay, Delay(2, 0))
	assert.Equal(t, 4*BaseDelay, Delay(3, 0))
	assert.Equal(t, BaseDelay+25*time.Millisecond, Delay(1, 25*time.Millisecond))

	// The cap holds for any attempt and any jitter.
	assert.Equal(t, MaxDelay, Delay(20, 0))
	assert.Equal(t, MaxDelay, Delay(63, time.Hour))
	assert.Equal(t, MaxDelay, Delay(1, time.Hour))
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	slept := []time.Duration{}
	attempts := 0

	err := Do(func() error {
		attempts++
		if attempts < 3 {
			return errors.New("i/o timeout")
		}
		return nil
	}, 5, func(d time.Duration) { slept = append(slept, d) })

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Len(t, slept, 2)
	assert.GreaterOrEqual(t, slept[1], slept[0])
	for _, d := range slept {
		assert.LessOrEqual(t, d, MaxDelay)
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	fatal := errors.New("could not parse mail")

	err := Do(func() error {
		attempts++
		return fatal
	}, 5, func(time.Duration) {})

	assert.Equal(t, fatal, err)
	assert.Equal(t, 1, attempts)
}

func TestDoStopsOnLostSession(t *testing.T) {
	attempts := 0

	err := Do(func() error {
		attempts++
		return fmt.Errorf("fetch of uid 5 timed out after 1s: %w", domain.ErrSessionLost)
	}, 5, func(time.Duration) {})

	assert.ErrorIs(t, err, domain.ErrSessionLost)
	assert.Equal(t, 1, attempts)
}

func TestDoExhaustsAttempts(t *testing.T) {
	attempts := 0
	transient := errors.New("connection reset")

	err := Do(func() error {
		attempts++
		return transient
	}, 3, func(time.Duration) {})

	assert.Equal(t, transient, err)
	assert.Equal(t, 3, attempts)
}
