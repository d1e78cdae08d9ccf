// SPDX-License-Identifier: GPL-3.0-or-later

// Package queue sequences per-mailbox work. Session lifecycle jobs
// (connect, disconnect, reconnect) run on a serial lane so they stay
// strictly ordered towards the provider; backup jobs run on a lane
// with bounded parallelism.
package queue

import (
	"github.com/mailvault/mailvault/domain"
)

const DefaultMaxAttempts = 3

// Handler executes one claimed job.
type Handler func(job *domain.QueueJob) error

type Queue interface {
	// Enqueue submits a job and returns its id.
	Enqueue(kind domain.JobKind, mailboxID int64, priority int) (string, error)
	// Status reports the job's state, domain.ErrUnknownJob when the id
	// is not (or no longer) known.
	Status(jobID string) (domain.JobState, error)

	Start()
	Close()
}

var serialKinds = []domain.JobKind{domain.JobConnect, domain.JobDisconnect, domain.JobReconnect}

func isSerialKind(kind domain.JobKind) bool {
	for _, k := range serialKinds {
		if k == kind {
			return true
		}
	}

	return false
}
