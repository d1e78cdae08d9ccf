// SPDX-License-Identifier: GPL-3.0-or-later
package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mailvault/mailvault/domain"
	"github.com/mailvault/mailvault/log"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	migrate "github.com/rubenv/sql-migrate"
	"github.com/sirupsen/logrus"
)

type Persistence struct {
	db *sqlx.DB
	l  *logrus.Logger
}

func NewPersistence(datasource string) (*Persistence, error) {
	db, err := sqlx.Connect("sqlite3", datasource)
	if err != nil {
		return nil, fmt.Errorf("could not open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	l := log.Logger(log.LOG_PERSISTENCE)
	l.WithField("file", datasource).Info("Connected")

	_, err = db.Exec(`PRAGMA journal_mode=WAL`)
	if err != nil {
		return nil, fmt.Errorf("could not set journal mode: %w", err)
	}
	_, err = db.Exec(`PRAGMA synchronous=normal`)
	if err != nil {
		return nil, fmt.Errorf("could not set synchronous mode: %w", err)
	}

	appliedMigrations, err := migrate.Exec(db.DB, "sqlite3", migrationSource, migrate.Up)
	if err != nil {
		return nil, fmt.Errorf("could not migrate to newest version: %w", err)
	}

	l.WithField("migrations", appliedMigrations).Debug("Executed migrations")

	return &Persistence{
		db: db,
		l:  l,
	}, nil
}

func (p *Persistence) Close() error {
	err := p.db.Close()
	if err != nil {
		return fmt.Errorf("could not close db: %w", err)
	}
	p.l.Info("Disconnected")
	return nil
}

type dbMailbox struct {
	Id       int64  `db:"id"`
	Address  string `db:"address"`
	Server   string `db:"server"`
	Identity string `db:"identity"`
	Enabled  bool   `db:"enabled"`
}

func (p *Persistence) AllMailboxes() ([]*domain.Mailbox, error) {
	return p.selectMailboxes(`SELECT id, address, server, identity, enabled FROM mailboxes`)
}

func (p *Persistence) EnabledMailboxes() ([]*domain.Mailbox, error) {
	return p.selectMailboxes(`SELECT id, address, server, identity, enabled FROM mailboxes WHERE enabled = 1`)
}

func (p *Persistence) selectMailboxes(query string) ([]*domain.Mailbox, error) {
	dbMailboxes := []dbMailbox{}
	err := p.db.Select(&dbMailboxes, query)
	if err != nil {
		return nil, fmt.Errorf("could not query db: %w", err)
	}

	mailboxes := []*domain.Mailbox{}
	for _, m := range dbMailboxes {
		mailboxes = append(
			mailboxes,
			&domain.Mailbox{
				ID:       m.Id,
				Address:  m.Address,
				Server:   m.Server,
				Identity: m.Identity,
				Enabled:  m.Enabled,
			},
		)
	}

	p.l.WithField("Count", len(mailboxes)).Debug("Found mailboxes")

	return mailboxes, nil
}

// SaveMailbox upserts one account row, keyed on address.
func (p *Persistence) SaveMailbox(m *domain.Mailbox) (int64, error) {
	result, err := p.db.Exec(
		`INSERT INTO mailboxes (address, server, identity, enabled) VALUES (?, ?, ?, ?)
		 ON CONFLICT (address) DO UPDATE SET server = excluded.server, identity = excluded.identity, enabled = excluded.enabled`,
		m.Address, m.Server, m.Identity, m.Enabled,
	)
	if err != nil {
		return 0, fmt.Errorf("could not save mailbox: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("could not get mailbox id: %w", err)
	}

	return id, nil
}

func (p *Persistence) Cursor(mailboxID int64, folder string) (*domain.FolderCursor, error) {
	dbCursor := struct {
		Sequence    uint32    `db:"sequence"`
		UidValidity uint32    `db:"uidvalidity"`
		UpdatedAt   time.Time `db:"updated_at"`
	}{}

	err := p.db.Get(
		&dbCursor,
		`SELECT sequence, uidvalidity, updated_at FROM cursors WHERE mailbox_id = ? AND folder = ?`,
		mailboxID,
		folder,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return &domain.FolderCursor{MailboxID: mailboxID, Folder: folder}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not query db: %w", err)
	}

	return &domain.FolderCursor{
		MailboxID:   mailboxID,
		Folder:      folder,
		Sequence:    dbCursor.Sequence,
		UidValidity: dbCursor.UidValidity,
		UpdatedAt:   dbCursor.UpdatedAt,
	}, nil
}

func (p *Persistence) AdvanceCursor(mailboxID int64, folder string, uid uint32, uidValidity uint32) error {
	current, err := p.Cursor(mailboxID, folder)
	if err != nil {
		return err
	}

	if current.UidValidity == uidValidity && uid < current.Sequence {
		return fmt.Errorf("cursor for %q is at %d, refusing %d: %w", folder, current.Sequence, uid, domain.ErrCursorRegression)
	}

	_, err = p.db.Exec(
		`INSERT INTO cursors (mailbox_id, folder, sequence, uidvalidity, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (mailbox_id, folder) DO UPDATE SET sequence = excluded.sequence, uidvalidity = excluded.uidvalidity, updated_at = excluded.updated_at`,
		mailboxID, folder, uid, uidValidity, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("could not advance cursor: %w", err)
	}

	return nil
}

// ResetCursor starts a new UIDVALIDITY epoch: the sequence drops to
// zero and the message index takes over duplicate suppression.
func (p *Persistence) ResetCursor(mailboxID int64, folder string, uidValidity uint32) error {
	_, err := p.db.Exec(
		`INSERT INTO cursors (mailbox_id, folder, sequence, uidvalidity, updated_at) VALUES (?, ?, 0, ?, ?)
		 ON CONFLICT (mailbox_id, folder) DO UPDATE SET sequence = 0, uidvalidity = excluded.uidvalidity, updated_at = excluded.updated_at`,
		mailboxID, folder, uidValidity, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("could not reset cursor: %w", err)
	}

	p.l.WithFields(logrus.Fields{"mailbox": mailboxID, "folder": folder, "uidvalidity": uidValidity}).Info("Reset cursor for new uidvalidity epoch")
	return nil
}

// SaveMessage inserts one index row. A second insert with the same
// (mailbox, identifier) pair is resolved as a no-op so racing
// processes never fail on the uniqueness constraint.
func (p *Persistence) SaveMessage(m *domain.MessageRecord) error {
	_, err := p.db.Exec(
		`INSERT OR IGNORE INTO messages (mailbox_id, message_id, folder, uid, subject, sender, recipients, date, path, size)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.MailboxID, m.MessageID, m.Folder, m.Uid, m.Subject, m.From, strings.Join(m.To, ", "), m.Date, m.Path, m.Size,
	)
	if err != nil {
		return fmt.Errorf("could not save message: %w", err)
	}

	return nil
}

func (p *Persistence) SaveAttachment(a *domain.AttachmentRecord) error {
	_, err := p.db.Exec(
		`INSERT INTO attachments (mailbox_id, message_id, filename, mimetype, path, size) VALUES (?, ?, ?, ?, ?, ?)`,
		a.MailboxID, a.MessageID, a.Filename, a.MimeType, a.Path, a.Size,
	)
	if err != nil {
		return fmt.Errorf("could not save attachment: %w", err)
	}

	return nil
}

func (p *Persistence) MessageIDs(mailboxID int64) ([]string, error) {
	ids := []string{}
	err := p.db.Select(
		&ids,
		`SELECT message_id FROM messages WHERE mailbox_id = ?`,
		mailboxID,
	)
	if err != nil {
		return nil, fmt.Errorf("could not query db: %w", err)
	}

	return ids, nil
}

func (p *Persistence) HasMessage(mailboxID int64, messageID string) (bool, error) {
	count := 0
	err := p.db.Get(
		&count,
		`SELECT COUNT(*) FROM messages WHERE mailbox_id = ? AND message_id = ?`,
		mailboxID,
		messageID,
	)
	if err != nil {
		return false, fmt.Errorf("could not query db: %w", err)
	}

	return count > 0, nil
}

func (p *Persistence) SaveSession(s *domain.MailboxSession) error {
	_, err := p.db.Exec(
		`INSERT INTO sessions (session_id, mailbox_id, state, connected_at, last_activity_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (session_id) DO UPDATE SET state = excluded.state, last_activity_at = excluded.last_activity_at`,
		s.SessionID, s.MailboxID, string(s.State), s.ConnectedAt, s.LastActivityAt,
	)
	if err != nil {
		return fmt.Errorf("could not save session: %w", err)
	}

	return nil
}

func (p *Persistence) TouchSession(sessionID string, at time.Time) error {
	_, err := p.db.Exec(
		`UPDATE sessions SET last_activity_at = ? WHERE session_id = ?`,
		at, sessionID,
	)
	if err != nil {
		return fmt.Errorf("could not touch session: %w", err)
	}

	return nil
}

func (p *Persistence) DeleteSession(sessionID string) error {
	_, err := p.db.Exec(`DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("could not delete session: %w", err)
	}

	return nil
}

func (p *Persistence) SaveFailure(f *domain.SyncFailure) error {
	_, err := p.db.Exec(
		`INSERT INTO failures (mailbox_id, folder, uid, reason, at) VALUES (?, ?, ?, ?, ?)`,
		f.MailboxID, f.Folder, f.Uid, f.Reason, f.At,
	)
	if err != nil {
		return fmt.Errorf("could not save failure: %w", err)
	}

	return nil
}

type dbJob struct {
	Id        string    `db:"id"`
	MailboxId int64     `db:"mailbox_id"`
	Kind      string    `db:"kind"`
	Priority  int       `db:"priority"`
	Attempts  int       `db:"attempts"`
	State     string    `db:"state"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (j dbJob) toDomain() *domain.QueueJob {
	return &domain.QueueJob{
		ID:        j.Id,
		MailboxID: j.MailboxId,
		Kind:      domain.JobKind(j.Kind),
		Priority:  j.Priority,
		Attempts:  j.Attempts,
		State:     domain.JobState(j.State),
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
}

func (p *Persistence) SaveJob(j *domain.QueueJob) error {
	_, err := p.db.Exec(
		`INSERT INTO jobs (id, mailbox_id, kind, priority, attempts, state, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.MailboxID, string(j.Kind), j.Priority, j.Attempts, string(j.State), j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("could not save job: %w", err)
	}

	return nil
}

func (p *Persistence) UpdateJob(j *domain.QueueJob) error {
	result, err := p.db.Exec(
		`UPDATE jobs SET attempts = ?, state = ?, updated_at = ? WHERE id = ?`,
		j.Attempts, string(j.State), time.Now().UTC(), j.ID,
	)
	if err != nil {
		return fmt.Errorf("could not update job: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("could not get num of affected rows: %w", err)
	}
	if affected != 1 {
		return domain.ErrUnknownJob
	}

	return nil
}

// NextWaitingJob claims the highest-priority waiting job of the given
// kinds and marks it active in the same call.
func (p *Persistence) NextWaitingJob(kinds []domain.JobKind) (*domain.QueueJob, error) {
	kindStrings := make([]string, len(kinds))
	for i, k := range kinds {
		kindStrings[i] = string(k)
	}

	qry, args, err := sqlx.In(
		`SELECT id, mailbox_id, kind, priority, attempts, state, created_at, updated_at FROM jobs
		 WHERE state = 'waiting' AND kind IN (?) ORDER BY priority DESC, created_at ASC LIMIT 1`,
		kindStrings,
	)
	if err != nil {
		return nil, fmt.Errorf("could not create query: %w", err)
	}

	job := dbJob{}
	err = p.db.Get(&job, qry, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not query db: %w", err)
	}

	result, err := p.db.Exec(
		`UPDATE jobs SET state = 'active', updated_at = ? WHERE id = ? AND state = 'waiting'`,
		time.Now().UTC(), job.Id,
	)
	if err != nil {
		return nil, fmt.Errorf("could not claim job: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("could not get num of affected rows: %w", err)
	}
	if affected != 1 {
		// Claimed by a concurrent worker between select and update.
		return nil, nil
	}

	claimed := job.toDomain()
	claimed.State = domain.JobActive
	return claimed, nil
}

// RecoverJobs requeues jobs a crashed process claimed but never
// finished. Only meaningful at startup, before any poller runs.
func (p *Persistence) RecoverJobs() (int64, error) {
	result, err := p.db.Exec(
		`UPDATE jobs SET state = 'waiting', updated_at = ? WHERE state = 'active'`,
		time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("could not recover jobs: %w", err)
	}

	recovered, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("could not get num of affected rows: %w", err)
	}

	return recovered, nil
}

func (p *Persistence) JobByID(id string) (*domain.QueueJob, error) {
	job := dbJob{}
	err := p.db.Get(
		&job,
		`SELECT id, mailbox_id, kind, priority, attempts, state, created_at, updated_at FROM jobs WHERE id = ?`,
		id,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrUnknownJob
	}
	if err != nil {
		return nil, fmt.Errorf("could not query db: %w", err)
	}

	return job.toDomain(), nil
}

func (p *Persistence) PruneJobs(olderThan time.Time) (int64, error) {
	result, err := p.db.Exec(
		`DELETE FROM jobs WHERE state IN ('completed', 'failed') AND updated_at < ?`,
		olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("could not prune jobs: %w", err)
	}

	pruned, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("could not get num of affected rows: %w", err)
	}

	return pruned, nil
}
