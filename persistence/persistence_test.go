// SPDX-License-Identifier: GPL-3.0-or-later
package persistence

import (
	"testing"
	"time"

	"github.com/mailvault/mailvault/domain"
	"github.com/mailvault/mailvault/log"

	"github.com/stretchr/testify/assert"
)

func newTestPersistence(t *testing.T) *Persistence {
	log.InitLogging("error")
	p, err := NewPersistence(":memory:")
	assert.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func testMailboxID(t *testing.T, p *Persistence) int64 {
	id, err := p.SaveMailbox(&domain.Mailbox{
		Address:  "alice@example.org",
		Server:   "imap.example.org:993",
		Identity: "refresh-cred",
		Enabled:  true,
	})
	assert.NoError(t, err)
	return id
}

func TestMailboxUpsert(t *testing.T) {
	p := newTestPersistence(t)

	testMailboxID(t, p)
	_, err := p.SaveMailbox(&domain.Mailbox{
		Address:  "alice@example.org",
		Server:   "imap.example.org:993",
		Identity: "rotated-cred",
		Enabled:  false,
	})
	assert.NoError(t, err)

	all, err := p.AllMailboxes()
	assert.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, "rotated-cred", all[0].Identity)

	enabled, err := p.EnabledMailboxes()
	assert.NoError(t, err)
	assert.Empty(t, enabled)
}

func TestCursorUnseenFolder(t *testing.T) {
	p := newTestPersistence(t)
	mb := testMailboxID(t, p)

	cursor, err := p.Cursor(mb, "INBOX")
	assert.NoError(t, err)
	assert.Equal(t, uint32(0), cursor.Sequence)
}

func TestCursorAdvanceMonotonic(t *testing.T) {
	p := newTestPersistence(t)
	mb := testMailboxID(t, p)

	assert.NoError(t, p.AdvanceCursor(mb, "INBOX", 7, 100))
	assert.NoError(t, p.AdvanceCursor(mb, "INBOX", 9, 100))

	// Backwards is a caller bug.
	err := p.AdvanceCursor(mb, "INBOX", 8, 100)
	assert.ErrorIs(t, err, domain.ErrCursorRegression)

	cursor, err := p.Cursor(mb, "INBOX")
	assert.NoError(t, err)
	assert.Equal(t, uint32(9), cursor.Sequence)
	assert.Equal(t, uint32(100), cursor.UidValidity)
}

func TestCursorNewValidityEpoch(t *testing.T) {
	p := newTestPersistence(t)
	mb := testMailboxID(t, p)

	assert.NoError(t, p.AdvanceCursor(mb, "INBOX", 42, 100))
	assert.NoError(t, p.ResetCursor(mb, "INBOX", 101))

	cursor, err := p.Cursor(mb, "INBOX")
	assert.NoError(t, err)
	assert.Equal(t, uint32(0), cursor.Sequence)
	assert.Equal(t, uint32(101), cursor.UidValidity)

	// Lower UIDs are fine again in the new epoch.
	assert.NoError(t, p.AdvanceCursor(mb, "INBOX", 3, 101))
}

func TestSaveMessageIdempotent(t *testing.T) {
	p := newTestPersistence(t)
	mb := testMailboxID(t, p)

	record := &domain.MessageRecord{
		MailboxID: mb,
		MessageID: "id-1@mx",
		Folder:    "INBOX",
		Uid:       5,
		Subject:   "Hello",
		From:      "bob@example.org",
		To:        []string{"alice@example.org"},
		Date:      time.Now().UTC(),
		Path:      "example.org/alice/2023/07/id-1@mx.eml",
		Size:      123,
	}

	assert.NoError(t, p.SaveMessage(record))
	// Simulated re-delivery resolves as a no-op, not an error.
	assert.NoError(t, p.SaveMessage(record))

	ids, err := p.MessageIDs(mb)
	assert.NoError(t, err)
	assert.Equal(t, []string{"id-1@mx"}, ids)

	known, err := p.HasMessage(mb, "id-1@mx")
	assert.NoError(t, err)
	assert.True(t, known)

	known, err = p.HasMessage(mb, "other")
	assert.NoError(t, err)
	assert.False(t, known)
}

func TestSessions(t *testing.T) {
	p := newTestPersistence(t)
	mb := testMailboxID(t, p)

	now := time.Now().UTC()
	session := &domain.MailboxSession{
		MailboxID:      mb,
		SessionID:      "session-1",
		State:          domain.SessionAuthenticated,
		ConnectedAt:    now,
		LastActivityAt: now,
	}
	assert.NoError(t, p.SaveSession(session))

	session.State = domain.SessionWatching
	assert.NoError(t, p.SaveSession(session))
	assert.NoError(t, p.TouchSession("session-1", now.Add(time.Minute)))
	assert.NoError(t, p.DeleteSession("session-1"))
}

func TestJobLifecycle(t *testing.T) {
	p := newTestPersistence(t)
	mb := testMailboxID(t, p)

	now := time.Now().UTC()
	low := &domain.QueueJob{ID: "job-low", MailboxID: mb, Kind: domain.JobBackup, Priority: 1, State: domain.JobWaiting, CreatedAt: now, UpdatedAt: now}
	high := &domain.QueueJob{ID: "job-high", MailboxID: mb, Kind: domain.JobBackup, Priority: 5, State: domain.JobWaiting, CreatedAt: now.Add(time.Second), UpdatedAt: now}
	assert.NoError(t, p.SaveJob(low))
	assert.NoError(t, p.SaveJob(high))

	// Highest priority wins regardless of insertion order.
	claimed, err := p.NextWaitingJob([]domain.JobKind{domain.JobBackup})
	assert.NoError(t, err)
	assert.Equal(t, "job-high", claimed.ID)
	assert.Equal(t, domain.JobActive, claimed.State)

	// The serial lane does not see backup jobs.
	none, err := p.NextWaitingJob([]domain.JobKind{domain.JobConnect, domain.JobDisconnect, domain.JobReconnect})
	assert.NoError(t, err)
	assert.Nil(t, none)

	claimed.State = domain.JobCompleted
	assert.NoError(t, p.UpdateJob(claimed))

	fetched, err := p.JobByID("job-high")
	assert.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, fetched.State)

	_, err = p.JobByID("missing")
	assert.ErrorIs(t, err, domain.ErrUnknownJob)

	pruned, err := p.PruneJobs(time.Now().UTC().Add(time.Hour))
	assert.NoError(t, err)
	assert.Equal(t, int64(1), pruned)
}

func TestRecoverOrphanedJobs(t *testing.T) {
	p := newTestPersistence(t)
	mb := testMailboxID(t, p)

	now := time.Now().UTC()
	job := &domain.QueueJob{ID: "job-orphan", MailboxID: mb, Kind: domain.JobBackup, State: domain.JobWaiting, CreatedAt: now, UpdatedAt: now}
	assert.NoError(t, p.SaveJob(job))

	claimed, err := p.NextWaitingJob([]domain.JobKind{domain.JobBackup})
	assert.NoError(t, err)
	assert.Equal(t, domain.JobActive, claimed.State)

	// As if the process died here: the claim never completes.
	recovered, err := p.RecoverJobs()
	assert.NoError(t, err)
	assert.Equal(t, int64(1), recovered)

	reclaimed, err := p.NextWaitingJob([]domain.JobKind{domain.JobBackup})
	assert.NoError(t, err)
	assert.NotNil(t, reclaimed)
	assert.Equal(t, "job-orphan", reclaimed.ID)
}

func TestFailures(t *testing.T) {
	p := newTestPersistence(t)
	mb := testMailboxID(t, p)

	assert.NoError(t, p.SaveFailure(&domain.SyncFailure{
		MailboxID: mb,
		Folder:    "INBOX",
		Uid:       12,
		Reason:    "could not parse mail",
		At:        time.Now().UTC(),
	}))
}
