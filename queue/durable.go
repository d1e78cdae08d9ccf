// SPDX-License-Identifier: GPL-3.0-or-later
package queue

import (
	"fmt"
	"sync"
	"time"

	"github.com/mailvault/mailvault/domain"
	"github.com/mailvault/mailvault/log"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	DefaultPollInterval = time.Second
	jobRetention        = 24 * time.Hour
	pruneInterval       = time.Hour
)

// DurableQueue keeps jobs in the database, so queued work survives a
// process restart. Workers poll and claim jobs; the claim update is
// what keeps two workers off the same job.
type DurableQueue struct {
	persistence domain.Persistence
	handler     Handler

	pollInterval    time.Duration
	parallelWorkers int
	maxAttempts     int

	quit chan struct{}
	wg   sync.WaitGroup

	l *logrus.Logger
}

func NewDurableQueue(persistence domain.Persistence, handler Handler, parallelWorkers int) *DurableQueue {
	if parallelWorkers < 1 {
		parallelWorkers = 1
	}

	return &DurableQueue{
		persistence:     persistence,
		handler:         handler,
		pollInterval:    DefaultPollInterval,
		parallelWorkers: parallelWorkers,
		maxAttempts:     DefaultMaxAttempts,
		quit:            make(chan struct{}),
		l:               log.Logger(log.LOG_QUEUE),
	}
}

func (q *DurableQueue) Start() {
	// Jobs claimed by a previous process that died mid-run would sit
	// active forever; requeue them before the pollers start.
	recovered, err := q.persistence.RecoverJobs()
	if err != nil {
		q.l.WithFields(logrus.Fields{"error": err}).Warn("Could not recover orphaned jobs")
	} else if recovered > 0 {
		q.l.WithFields(logrus.Fields{"recovered": recovered}).Info("Requeued jobs orphaned by a previous run")
	}

	q.wg.Add(1)
	go q.poller(serialKinds)

	for i := 0; i < q.parallelWorkers; i++ {
		q.wg.Add(1)
		go q.poller([]domain.JobKind{domain.JobBackup})
	}

	q.wg.Add(1)
	go q.janitor()

	q.l.WithFields(logrus.Fields{"parallelworkers": q.parallelWorkers}).Info("Started durable queue")
}

func (q *DurableQueue) Close() {
	close(q.quit)
	q.wg.Wait()
}

func (q *DurableQueue) Enqueue(kind domain.JobKind, mailboxID int64, priority int) (string, error) {
	now := time.Now().UTC()
	job := &domain.QueueJob{
		ID:        uuid.NewString(),
		MailboxID: mailboxID,
		Kind:      kind,
		Priority:  priority,
		State:     domain.JobWaiting,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := q.persistence.SaveJob(job)
	if err != nil {
		return "", fmt.Errorf("could not enqueue job: %w", err)
	}

	return job.ID, nil
}

func (q *DurableQueue) Status(jobID string) (domain.JobState, error) {
	job, err := q.persistence.JobByID(jobID)
	if err != nil {
		return "", err
	}

	return job.State, nil
}

func (q *DurableQueue) poller(kinds []domain.JobKind) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.quit:
			return
		case <-ticker.C:
			// Drain everything waiting before going back to sleep.
			for {
				job, err := q.persistence.NextWaitingJob(kinds)
				if err != nil {
					q.l.WithFields(logrus.Fields{"error": err}).Warn("Could not poll for jobs")
					break
				}
				if job == nil {
					break
				}

				q.runJob(job)

				select {
				case <-q.quit:
					return
				default:
				}
			}
		}
	}
}

func (q *DurableQueue) runJob(job *domain.QueueJob) {
	job.Attempts++

	err := q.handler(job)
	if err == nil {
		job.State = domain.JobCompleted
	} else if job.Attempts >= q.maxAttempts {
		q.l.WithFields(logrus.Fields{"job": job.ID, "kind": job.Kind, "attempts": job.Attempts, "error": err}).Warn("Job failed permanently")
		job.State = domain.JobFailed
	} else {
		q.l.WithFields(logrus.Fields{"job": job.ID, "kind": job.Kind, "attempts": job.Attempts, "error": err}).Debug("Job failed, requeueing")
		job.State = domain.JobWaiting
	}

	updateErr := q.persistence.UpdateJob(job)
	if updateErr != nil {
		q.l.WithFields(logrus.Fields{"job": job.ID, "error": updateErr}).Warn("Could not update job")
	}
}

func (q *DurableQueue) janitor() {
	defer q.wg.Done()

	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.quit:
			return
		case <-ticker.C:
			pruned, err := q.persistence.PruneJobs(time.Now().UTC().Add(-jobRetention))
			if err != nil {
				q.l.WithFields(logrus.Fields{"error": err}).Warn("Could not prune jobs")
				continue
			}
			if pruned > 0 {
				q.l.WithFields(logrus.Fields{"pruned": pruned}).Debug("Pruned finished jobs")
			}
		}
	}
}
