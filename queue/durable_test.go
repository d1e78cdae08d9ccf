// SPDX-License-Identifier: GPL-3.0-or-later
package queue

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mailvault/mailvault/domain"
	"github.com/mailvault/mailvault/log"
	"github.com/mailvault/mailvault/persistence"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPersistence(t *testing.T) *persistence.Persistence {
	log.InitLogging("error")
	p, err := persistence.NewPersistence(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestDurableCompletesJobs(t *testing.T) {
	p := newTestPersistence(t)

	var calls int32
	q := NewDurableQueue(p, func(job *domain.QueueJob) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}, 1)
	q.pollInterval = 10 * time.Millisecond
	q.Start()
	defer q.Close()

	id, err := q.Enqueue(domain.JobBackup, 1, 0)
	require.NoError(t, err)

	assert.Eventually(t, completed(q, id), 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDurableJobsSurviveUntilAWorkerRuns(t *testing.T) {
	p := newTestPersistence(t)

	// Enqueued without any worker running, as if the process died
	// right after accepting the job.
	submitter := NewDurableQueue(p, nil, 1)
	id, err := submitter.Enqueue(domain.JobBackup, 1, 0)
	require.NoError(t, err)

	state, err := submitter.Status(id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobWaiting, state)

	var calls int32
	q := NewDurableQueue(p, func(job *domain.QueueJob) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}, 1)
	q.pollInterval = 10 * time.Millisecond
	q.Start()
	defer q.Close()

	assert.Eventually(t, completed(q, id), 2*time.Second, 10*time.Millisecond)
}

func TestDurableRecoversOrphanedJobs(t *testing.T) {
	p := newTestPersistence(t)

	submitter := NewDurableQueue(p, nil, 1)
	id, err := submitter.Enqueue(domain.JobBackup, 1, 0)
	require.NoError(t, err)

	// Claim the job the way a poller would, then never finish it, as
	// if the process died mid-run.
	claimed, err := p.NextWaitingJob([]domain.JobKind{domain.JobBackup})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, id, claimed.ID)

	var calls int32
	q := NewDurableQueue(p, func(job *domain.QueueJob) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}, 1)
	q.pollInterval = 10 * time.Millisecond
	q.Start()
	defer q.Close()

	assert.Eventually(t, completed(q, id), 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDurableGivesUpAfterMaxAttempts(t *testing.T) {
	p := newTestPersistence(t)

	var calls int32
	q := NewDurableQueue(p, func(job *domain.QueueJob) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("always fails")
	}, 1)
	q.pollInterval = 10 * time.Millisecond
	q.Start()
	defer q.Close()

	id, err := q.Enqueue(domain.JobBackup, 1, 0)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		state, err := q.Status(id)
		return err == nil && state == domain.JobFailed
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(DefaultMaxAttempts), atomic.LoadInt32(&calls))

	job, err := p.JobByID(id)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxAttempts, job.Attempts)
}
