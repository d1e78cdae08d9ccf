// SPDX-License-Identifier: GPL-3.0-or-later
package domain

import "time"

//go:generate mockgen -destination=mocks/persistence.go -package=mocks . Persistence
type Persistence interface {
	Close() error

	AllMailboxes() ([]*Mailbox, error)
	EnabledMailboxes() ([]*Mailbox, error)

	// Cursor returns the stored cursor for a (mailbox, folder) pair,
	// zero-valued when the folder has never been synced.
	Cursor(mailboxID int64, folder string) (*FolderCursor, error)
	// AdvanceCursor upserts the cursor. Moving a cursor backwards is a
	// caller bug and is rejected with ErrCursorRegression; resetting
	// to zero is only legal through ResetCursor.
	AdvanceCursor(mailboxID int64, folder string, uid uint32, uidValidity uint32) error
	// ResetCursor starts a new UIDVALIDITY epoch for the folder.
	ResetCursor(mailboxID int64, folder string, uidValidity uint32) error

	// SaveMessage inserts one row into the message index. Inserting an
	// identifier that already exists for the mailbox is a no-op.
	SaveMessage(m *MessageRecord) error
	SaveAttachment(a *AttachmentRecord) error
	// MessageIDs lists every archived identifier for a mailbox. Feeds
	// the dedup cache; the index itself stays authoritative.
	MessageIDs(mailboxID int64) ([]string, error)
	HasMessage(mailboxID int64, messageID string) (bool, error)

	SaveSession(s *MailboxSession) error
	TouchSession(sessionID string, at time.Time) error
	DeleteSession(sessionID string) error

	SaveFailure(f *SyncFailure) error

	SaveJob(j *QueueJob) error
	UpdateJob(j *QueueJob) error
	NextWaitingJob(kinds []JobKind) (*QueueJob, error)
	// RecoverJobs flips jobs left active by a dead process back to
	// waiting so a poller can claim them again.
	RecoverJobs() (int64, error)
	JobByID(id string) (*QueueJob, error)
	PruneJobs(olderThan time.Time) (int64, error)
}
