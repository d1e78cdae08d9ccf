// SPDX-License-Identifier: GPL-3.0-or-later
package domain

import "errors"

var (
	// ErrPoolExhausted means no session slot freed up within the
	// configured wait. Retryable by the caller, distinct from network
	// failures.
	ErrPoolExhausted = errors.New("session pool exhausted")

	// ErrCursorRegression means a caller tried to advance a folder
	// cursor backwards.
	ErrCursorRegression = errors.New("cursor may not move backwards")

	// ErrSessionLost means the connection is unusable and has to be
	// reopened before any further command. Retrying on the same
	// session is pointless.
	ErrSessionLost = errors.New("session lost")

	// ErrUnknownJob means a job id was never enqueued or has been
	// pruned.
	ErrUnknownJob = errors.New("unknown job")

	// ErrSweepRunning means a sweep was requested while another one
	// holds the running flag.
	ErrSweepRunning = errors.New("a sweep is already running")
)
