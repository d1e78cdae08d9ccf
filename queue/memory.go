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

const laneCapacity = 1024

// MemoryQueue is the in-process fallback when no durable broker is
// configured: same interface, best-effort semantics. Jobs do not
// survive a restart and priority is reduced to submission order.
type MemoryQueue struct {
	handler         Handler
	parallelWorkers int
	maxAttempts     int

	mu   sync.Mutex
	jobs map[string]*domain.QueueJob

	serial   chan string
	parallel chan string
	quit     chan struct{}
	wg       sync.WaitGroup

	l *logrus.Logger
}

func NewMemoryQueue(handler Handler, parallelWorkers int) *MemoryQueue {
	if parallelWorkers < 1 {
		parallelWorkers = 1
	}

	return &MemoryQueue{
		handler:         handler,
		parallelWorkers: parallelWorkers,
		maxAttempts:     DefaultMaxAttempts,
		jobs:            map[string]*domain.QueueJob{},
		serial:          make(chan string, laneCapacity),
		parallel:        make(chan string, laneCapacity),
		quit:            make(chan struct{}),
		l:               log.Logger(log.LOG_QUEUE),
	}
}

func (q *MemoryQueue) Start() {
	q.wg.Add(1)
	go q.worker(q.serial)

	for i := 0; i < q.parallelWorkers; i++ {
		q.wg.Add(1)
		go q.worker(q.parallel)
	}

	q.l.WithFields(logrus.Fields{"parallelworkers": q.parallelWorkers}).Info("Started in-process queue")
}

func (q *MemoryQueue) Close() {
	close(q.quit)
	q.wg.Wait()
}

func (q *MemoryQueue) Enqueue(kind domain.JobKind, mailboxID int64, priority int) (string, error) {
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

	q.mu.Lock()
	q.jobs[job.ID] = job
	q.mu.Unlock()

	err := q.push(job)
	if err != nil {
		q.mu.Lock()
		delete(q.jobs, job.ID)
		q.mu.Unlock()
		return "", err
	}

	return job.ID, nil
}

func (q *MemoryQueue) push(job *domain.QueueJob) error {
	lane := q.parallel
	if isSerialKind(job.Kind) {
		lane = q.serial
	}

	select {
	case lane <- job.ID:
		return nil
	default:
		return fmt.Errorf("queue lane for %s jobs is full", job.Kind)
	}
}

func (q *MemoryQueue) Status(jobID string) (domain.JobState, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return "", domain.ErrUnknownJob
	}

	return job.State, nil
}

func (q *MemoryQueue) worker(lane chan string) {
	defer q.wg.Done()

	for {
		select {
		case <-q.quit:
			return
		case jobID := <-lane:
			q.runJob(jobID)
		}
	}
}

func (q *MemoryQueue) runJob(jobID string) {
	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return
	}
	job.State = domain.JobActive
	job.Attempts++
	claimed := *job
	q.mu.Unlock()

	err := q.handler(&claimed)

	q.mu.Lock()
	defer q.mu.Unlock()
	job.UpdatedAt = time.Now().UTC()

	if err == nil {
		job.State = domain.JobCompleted
		return
	}

	if job.Attempts >= q.maxAttempts {
		q.l.WithFields(logrus.Fields{"job": job.ID, "kind": job.Kind, "attempts": job.Attempts, "error": err}).Warn("Job failed permanently")
		job.State = domain.JobFailed
		return
	}

	q.l.WithFields(logrus.Fields{"job": job.ID, "kind": job.Kind, "attempts": job.Attempts, "error": err}).Debug("Job failed, requeueing")
	job.State = domain.JobWaiting
	pushErr := q.push(job)
	if pushErr != nil {
		job.State = domain.JobFailed
	}
}
