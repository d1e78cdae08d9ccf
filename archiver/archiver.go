// SPDX-License-Identifier: GPL-3.0-or-later
package archiver

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mailvault/mailvault/archive"
	"github.com/mailvault/mailvault/dedup"
	"github.com/mailvault/mailvault/domain"
	"github.com/mailvault/mailvault/log"
	"github.com/mailvault/mailvault/mail"
	"github.com/mailvault/mailvault/retry"
	"github.com/mailvault/mailvault/slots"

	"github.com/sirupsen/logrus"
)

const (
	DefaultBatchSize      = 50
	DefaultFetchAttempts  = 3
	DefaultFolderAttempts = 3

	// Folders past this size get half-sized batches to bound memory.
	largeFolderThreshold = 5000
)

type Archiver struct {
	persistence domain.Persistence
	store       *archive.Store
	cache       *dedup.Cache
	slots       *slots.Manager
	connect     domain.ConnectorFactory

	configuration *configuration

	// Only one pipeline invocation may run per mailbox. The live
	// watcher and the scheduled backfill share one archiver, so this
	// lock covers both paths.
	mu      sync.Mutex
	syncing map[int64]*sync.Mutex

	l *logrus.Logger
}

func NewArchiver(persistence domain.Persistence, store *archive.Store, cache *dedup.Cache, slotManager *slots.Manager, connect domain.ConnectorFactory, configFunc ...ConfigFunc) (*Archiver, error) {
	config := &configuration{
		BatchSize:      DefaultBatchSize,
		FetchAttempts:  DefaultFetchAttempts,
		FolderAttempts: DefaultFolderAttempts,
		Sleep:          time.Sleep,
	}
	for _, f := range configFunc {
		err := f(config)
		if err != nil {
			return nil, fmt.Errorf("error applying configuration: %w", err)
		}
	}

	return &Archiver{
		persistence:   persistence,
		store:         store,
		cache:         cache,
		slots:         slotManager,
		connect:       connect,
		configuration: config,
		syncing:       map[int64]*sync.Mutex{},
		l:             log.Logger(log.LOG_ARCHIVER),
	}, nil
}

func (ia *Archiver) mailboxLock(mailboxID int64) *sync.Mutex {
	ia.mu.Lock()
	defer ia.mu.Unlock()

	lock, ok := ia.syncing[mailboxID]
	if !ok {
		lock = &sync.Mutex{}
		ia.syncing[mailboxID] = lock
	}
	return lock
}

// Backfill drives a full catch-up sync for one mailbox: every folder,
// system folders first, resuming each folder at its stored cursor.
func (ia *Archiver) Backfill(mailbox domain.Mailbox) error {
	permit, err := ia.slots.Acquire()
	if err != nil {
		return fmt.Errorf("could not acquire session slot: %w", err)
	}
	defer ia.slots.Release(permit)

	conn, err := ia.connect(mailbox)
	if err != nil {
		return fmt.Errorf("could not connect to %s: %w", mailbox.Address, err)
	}
	ia.slots.Connected(permit)
	defer func() {
		_ = conn.Close()
	}()

	folders, err := conn.ListFolders()
	if err != nil {
		return fmt.Errorf("could not list folders: %w", err)
	}

	ordered := orderFolders(folders)
	ia.l.WithFields(logrus.Fields{"address": mailbox.Address, "folders": len(ordered)}).Info("Starting backfill")

	failed := 0
	for _, folder := range ordered {
		err := ia.syncFolderResumable(&conn, mailbox, folder)
		if err != nil {
			// Abandon this folder for the run, the rest still sync.
			ia.l.WithFields(logrus.Fields{"address": mailbox.Address, "folder": folder, "error": err}).Warn("Could not sync folder")
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("could not sync %d of %d folders for %s", failed, len(ordered), mailbox.Address)
	}

	return nil
}

// syncFolderResumable retries a folder after connection loss with a
// fresh session. The cursor is re-read each attempt, so the sync
// resumes at message granularity instead of restarting the folder.
func (ia *Archiver) syncFolderResumable(conn *domain.Connector, mailbox domain.Mailbox, folder string) error {
	for attempt := 1; ; attempt++ {
		err := ia.SyncFolder(*conn, mailbox, folder)
		if err == nil {
			return nil
		}

		if attempt >= ia.configuration.FolderAttempts || !(retry.Retryable(err) || errors.Is(err, domain.ErrSessionLost)) {
			return err
		}

		ia.l.WithFields(logrus.Fields{"address": mailbox.Address, "folder": folder, "attempt": attempt, "error": err}).Warn("Connection lost, reconnecting")
		_ = (*conn).Close()

		ia.configuration.Sleep(retry.Delay(attempt, retry.Jitter()))

		fresh, err := ia.connect(mailbox)
		if err != nil {
			return fmt.Errorf("could not reconnect to %s: %w", mailbox.Address, err)
		}
		*conn = fresh
	}
}

// SyncFolder archives everything past the stored cursor in one folder.
// The connection must be authenticated and not idling.
func (ia *Archiver) SyncFolder(conn domain.Connector, mailbox domain.Mailbox, folder string) error {
	lock := ia.mailboxLock(mailbox.ID)
	lock.Lock()
	defer lock.Unlock()

	uidValidity, err := conn.Select(folder)
	if err != nil {
		return fmt.Errorf("could not select folder %s: %w", folder, err)
	}

	cursor, err := ia.persistence.Cursor(mailbox.ID, folder)
	if err != nil {
		return fmt.Errorf("could not load cursor: %w", err)
	}

	// UIDs only mean anything within one validity epoch. On a change
	// the cursor restarts at zero and the durable index keeps already
	// archived messages from being stored twice.
	if cursor.UidValidity != 0 && cursor.UidValidity != uidValidity {
		ia.l.WithFields(logrus.Fields{"address": mailbox.Address, "folder": folder, "stored": cursor.UidValidity, "live": uidValidity}).Warn("Folder uidvalidity changed, rescanning against the index")
		err = ia.persistence.ResetCursor(mailbox.ID, folder, uidValidity)
		if err != nil {
			return fmt.Errorf("could not reset cursor: %w", err)
		}
		cursor.Sequence = 0
	}

	uids, err := conn.SearchSince(cursor.Sequence)
	if err != nil {
		return fmt.Errorf("could not search folder %s: %w", folder, err)
	}

	if len(uids) == 0 {
		ia.l.WithFields(logrus.Fields{"address": mailbox.Address, "folder": folder}).Debug("Folder contains no new mails")
		return nil
	}

	batches := partitionUids(uids, ia.batchSizeFor(len(uids)))
	ia.l.WithFields(logrus.Fields{"address": mailbox.Address, "folder": folder, "newmails": len(uids), "batches": len(batches)}).Info("Found mails to archive")

	for i, batch := range batches {
		start := time.Now()
		for j, uid := range batch {
			err := ia.syncMessage(conn, mailbox, folder, uidValidity, uid)
			if err != nil {
				return err
			}

			if ia.configuration.MessageDelay > 0 && j < len(batch)-1 {
				ia.configuration.Sleep(ia.configuration.MessageDelay)
			}
		}
		ia.l.WithFields(logrus.Fields{"folder": folder, "duration": time.Since(start), "batchsize": len(batch)}).Info("Archived batch")

		if ia.configuration.BatchDelay > 0 && i < len(batches)-1 {
			ia.configuration.Sleep(ia.configuration.BatchDelay)
		}
	}

	return nil
}

// syncMessage runs the per-message pipeline: light fetch, dedup check,
// heavy fetch, parse, persist, index, advance. The cursor advances for
// every consumed UID, duplicates and abandoned messages included.
func (ia *Archiver) syncMessage(conn domain.Connector, mailbox domain.Mailbox, folder string, uidValidity uint32, uid uint32) error {
	info, err := conn.FetchInfo(uid)
	if err != nil {
		return fmt.Errorf("could not fetch headers for uid %d: %w", uid, err)
	}

	if info == nil {
		// Vanished between search and fetch.
		return ia.persistence.AdvanceCursor(mailbox.ID, folder, uid, uidValidity)
	}

	known, err := ia.cache.Contains(mailbox.ID, info.MessageID)
	if err != nil {
		return fmt.Errorf("could not check dedup cache: %w", err)
	}
	if known {
		ia.l.WithFields(logrus.Fields{"folder": folder, "subject": mail.ShortSubject(info.Subject)}).Debug("Already archived, skipping body download")
		return ia.persistence.AdvanceCursor(mailbox.ID, folder, uid, uidValidity)
	}

	var raw *domain.RawMessage
	err = retry.Do(func() error {
		var fetchErr error
		raw, fetchErr = conn.FetchFull(uid)
		return fetchErr
	}, ia.configuration.FetchAttempts, ia.configuration.Sleep)
	if err != nil {
		if errors.Is(err, domain.ErrSessionLost) || retry.Retryable(err) {
			// A transport condition, the session is gone. The caller
			// reconnects and resumes.
			return fmt.Errorf("could not fetch uid %d: %w", uid, err)
		}
		return ia.abandonMessage(mailbox, folder, uidValidity, uid, err)
	}

	parsed, err := mail.ParseMessage(raw.Body)
	if err != nil {
		return ia.abandonMessage(mailbox, folder, uidValidity, uid, err)
	}

	date := messageDate(parsed.Date, raw.Date)
	path, size, err := ia.store.SaveMessage(mailbox.Address, date, raw.MessageID, raw.Body)
	if err != nil {
		return ia.abandonMessage(mailbox, folder, uidValidity, uid, err)
	}

	err = ia.persistence.SaveMessage(&domain.MessageRecord{
		MailboxID: mailbox.ID,
		MessageID: raw.MessageID,
		Folder:    folder,
		Uid:       uid,
		Subject:   raw.Subject,
		From:      parsed.From,
		To:        parsed.To,
		Date:      date,
		Path:      path,
		Size:      size,
	})
	if err != nil {
		return ia.abandonMessage(mailbox, folder, uidValidity, uid, err)
	}

	for _, attachment := range parsed.Attachments {
		attachmentPath, attachmentSize, err := ia.store.SaveAttachment(mailbox.Address, date, raw.MessageID, attachment.Filename, attachment.Data)
		if err != nil {
			ia.l.WithFields(logrus.Fields{"folder": folder, "subject": mail.ShortSubject(raw.Subject), "filename": attachment.Filename, "error": err}).Warn("Could not archive attachment")
			continue
		}

		err = ia.persistence.SaveAttachment(&domain.AttachmentRecord{
			MailboxID: mailbox.ID,
			MessageID: raw.MessageID,
			Filename:  attachment.Filename,
			MimeType:  attachment.MimeType,
			Path:      attachmentPath,
			Size:      attachmentSize,
		})
		if err != nil {
			ia.l.WithFields(logrus.Fields{"folder": folder, "filename": attachment.Filename, "error": err}).Warn("Could not index attachment")
		}
	}

	// Index row first, cache entry second. The cache is advisory, the
	// index is authoritative.
	ia.cache.Add(mailbox.ID, raw.MessageID)

	return ia.persistence.AdvanceCursor(mailbox.ID, folder, uid, uidValidity)
}

// abandonMessage dead-letters one message and moves the cursor past
// it. Forward progress wins over perfect completeness.
func (ia *Archiver) abandonMessage(mailbox domain.Mailbox, folder string, uidValidity uint32, uid uint32, cause error) error {
	ia.l.WithFields(logrus.Fields{"address": mailbox.Address, "folder": folder, "uid": uid, "error": cause}).Warn("Abandoning message, cursor advances past it")

	err := ia.persistence.SaveFailure(&domain.SyncFailure{
		MailboxID: mailbox.ID,
		Folder:    folder,
		Uid:       uid,
		Reason:    cause.Error(),
		At:        time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("could not record failure: %w", err)
	}

	return ia.persistence.AdvanceCursor(mailbox.ID, folder, uid, uidValidity)
}

func (ia *Archiver) batchSizeFor(total int) int {
	if total < largeFolderThreshold {
		return ia.configuration.BatchSize
	}

	half := ia.configuration.BatchSize / 2
	if half < 1 {
		half = 1
	}
	return half
}

func messageDate(headerDate, envelopeDate time.Time) time.Time {
	if !headerDate.IsZero() {
		return headerDate
	}
	if !envelopeDate.IsZero() {
		return envelopeDate
	}
	return time.Now().UTC()
}

// orderFolders puts system folders first, each group sorted by name.
func orderFolders(folders []string) []string {
	system, labels := []string{}, []string{}
	for _, f := range folders {
		if isSystemFolder(f) {
			system = append(system, f)
		} else {
			labels = append(labels, f)
		}
	}

	sort.Strings(system)
	sort.Strings(labels)
	return append(system, labels...)
}

func isSystemFolder(folder string) bool {
	return folder == "INBOX" || strings.HasPrefix(folder, "[Gmail]")
}

// taken from https://github.com/golang/go/wiki/SliceTricks
func partitionUids(uids []uint32, partitionSize int) [][]uint32 {
	batches := make([][]uint32, 0, (len(uids)+partitionSize-1)/partitionSize)

	for partitionSize < len(uids) {
		uids, batches = uids[partitionSize:], append(batches, uids[0:partitionSize:partitionSize])
	}
	batches = append(batches, uids)

	return batches
}
