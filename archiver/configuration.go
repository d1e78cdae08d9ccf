// SPDX-License-Identifier: GPL-3.0-or-later
package archiver

import (
	"fmt"
	"time"

	"github.com/mailvault/mailvault/retry"
)

type ConfigFunc func(c *configuration) error

func BatchSize(size int) ConfigFunc {
	return func(c *configuration) error {
		if size <= 0 {
			return fmt.Errorf("BatchSize must be positive")
		}

		c.BatchSize = size
		return nil
	}
}

func MessageDelay(delay time.Duration) ConfigFunc {
	return func(c *configuration) error {
		if delay < 0 {
			return fmt.Errorf("MessageDelay must not be negative")
		}

		c.MessageDelay = delay
		return nil
	}
}

func BatchDelay(delay time.Duration) ConfigFunc {
	return func(c *configuration) error {
		if delay < 0 {
			return fmt.Errorf("BatchDelay must not be negative")
		}

		c.BatchDelay = delay
		return nil
	}
}

func FetchAttempts(attempts int) ConfigFunc {
	return func(c *configuration) error {
		if attempts < 1 {
			return fmt.Errorf("FetchAttempts must be at least 1")
		}

		c.FetchAttempts = attempts
		return nil
	}
}

func FolderAttempts(attempts int) ConfigFunc {
	return func(c *configuration) error {
		if attempts < 1 {
			return fmt.Errorf("FolderAttempts must be at least 1")
		}

		c.FolderAttempts = attempts
		return nil
	}
}

// Sleep replaces the pacing and backoff sleeps, for tests.
func Sleep(sleep retry.Sleeper) ConfigFunc {
	return func(c *configuration) error {
		if sleep == nil {
			return fmt.Errorf("Sleep must not be nil")
		}

		c.Sleep = sleep
		return nil
	}
}

type configuration struct {
	BatchSize    int
	MessageDelay time.Duration
	BatchDelay   time.Duration

	FetchAttempts  int
	FolderAttempts int

	Sleep retry.Sleeper
}
