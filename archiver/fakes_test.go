// SPDX-License-Identifier: GPL-3.0-or-later
package archiver

import (
	"fmt"
	"time"

	"github.com/mailvault/mailvault/domain"
)

type fakeConnector struct {
	folders     []string
	uidValidity uint32
	uids        map[string][]uint32
	bodies      map[uint32][]byte
	vanished    map[uint32]bool
	failFetch   map[uint32][]error

	// When set, every body fetch announces itself on fetchEntered and
	// then blocks until fetchGate is closed.
	fetchGate    chan struct{}
	fetchEntered chan struct{}

	selected       string
	selections     []string
	searchCalls    []uint32
	fetchFullCalls int
	closed         bool
}

func newFakeConnector(folders []string, uidValidity uint32) *fakeConnector {
	return &fakeConnector{
		folders:     folders,
		uidValidity: uidValidity,
		uids:        map[string][]uint32{},
		bodies:      map[uint32][]byte{},
		vanished:    map[uint32]bool{},
		failFetch:   map[uint32][]error{},
	}
}

func (c *fakeConnector) ListFolders() ([]string, error) {
	return c.folders, nil
}

func (c *fakeConnector) Select(folder string) (uint32, error) {
	c.selected = folder
	c.selections = append(c.selections, folder)
	return c.uidValidity, nil
}

func (c *fakeConnector) SearchSince(afterUid uint32) ([]uint32, error) {
	c.searchCalls = append(c.searchCalls, afterUid)

	matches := []uint32{}
	for _, uid := range c.uids[c.selected] {
		if uid > afterUid {
			matches = append(matches, uid)
		}
	}
	return matches, nil
}

func (c *fakeConnector) FetchInfo(uid uint32) (*domain.MessageInfo, error) {
	if c.vanished[uid] {
		return nil, nil
	}

	return &domain.MessageInfo{
		Uid:       uid,
		MessageID: testMessageID(uid),
		Subject:   fmt.Sprintf("mail %d", uid),
	}, nil
}

func (c *fakeConnector) FetchFull(uid uint32) (*domain.RawMessage, error) {
	if pending := c.failFetch[uid]; len(pending) > 0 {
		err := pending[0]
		c.failFetch[uid] = pending[1:]
		return nil, err
	}

	if c.fetchGate != nil {
		c.fetchEntered <- struct{}{}
		<-c.fetchGate
	}

	c.fetchFullCalls++
	return &domain.RawMessage{
		MessageInfo: domain.MessageInfo{
			Uid:       uid,
			MessageID: testMessageID(uid),
			Subject:   fmt.Sprintf("mail %d", uid),
		},
		Body: c.bodies[uid],
	}, nil
}

func (c *fakeConnector) Watch(stop <-chan struct{}) (<-chan domain.WatchEvent, <-chan error) {
	events := make(chan domain.WatchEvent)
	close(events)
	return events, make(chan error, 1)
}

func (c *fakeConnector) Close() error {
	c.closed = true
	return nil
}

type fakeFactory struct {
	conns []*fakeConnector
	calls int
}

func (f *fakeFactory) connect(mailbox domain.Mailbox) (domain.Connector, error) {
	idx := f.calls
	if idx >= len(f.conns) {
		idx = len(f.conns) - 1
	}
	f.calls++
	return f.conns[idx], nil
}

type cursorKey struct {
	mailboxID int64
	folder    string
}

type fakePersistence struct {
	cursors     map[cursorKey]*domain.FolderCursor
	messages    []*domain.MessageRecord
	attachments []*domain.AttachmentRecord
	failures    []*domain.SyncFailure
	resets      int
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{
		cursors: map[cursorKey]*domain.FolderCursor{},
	}
}

func (p *fakePersistence) Close() error                              { return nil }
func (p *fakePersistence) AllMailboxes() ([]*domain.Mailbox, error)  { return nil, nil }
func (p *fakePersistence) EnabledMailboxes() ([]*domain.Mailbox, error) {
	return nil, nil
}

func (p *fakePersistence) Cursor(mailboxID int64, folder string) (*domain.FolderCursor, error) {
	cursor, ok := p.cursors[cursorKey{mailboxID, folder}]
	if !ok {
		return &domain.FolderCursor{MailboxID: mailboxID, Folder: folder}, nil
	}

	copied := *cursor
	return &copied, nil
}

func (p *fakePersistence) AdvanceCursor(mailboxID int64, folder string, uid uint32, uidValidity uint32) error {
	key := cursorKey{mailboxID, folder}
	current, ok := p.cursors[key]
	if ok && current.UidValidity == uidValidity && uid < current.Sequence {
		return fmt.Errorf("cursor moved backwards: %w", domain.ErrCursorRegression)
	}

	p.cursors[key] = &domain.FolderCursor{
		MailboxID:   mailboxID,
		Folder:      folder,
		Sequence:    uid,
		UidValidity: uidValidity,
		UpdatedAt:   time.Now().UTC(),
	}
	return nil
}

func (p *fakePersistence) ResetCursor(mailboxID int64, folder string, uidValidity uint32) error {
	p.resets++
	p.cursors[cursorKey{mailboxID, folder}] = &domain.FolderCursor{
		MailboxID:   mailboxID,
		Folder:      folder,
		UidValidity: uidValidity,
	}
	return nil
}

func (p *fakePersistence) SaveMessage(m *domain.MessageRecord) error {
	for _, existing := range p.messages {
		if existing.MailboxID == m.MailboxID && existing.MessageID == m.MessageID {
			return nil
		}
	}

	p.messages = append(p.messages, m)
	return nil
}

func (p *fakePersistence) SaveAttachment(a *domain.AttachmentRecord) error {
	p.attachments = append(p.attachments, a)
	return nil
}

func (p *fakePersistence) MessageIDs(mailboxID int64) ([]string, error) {
	ids := []string{}
	for _, m := range p.messages {
		if m.MailboxID == mailboxID {
			ids = append(ids, m.MessageID)
		}
	}
	return ids, nil
}

func (p *fakePersistence) HasMessage(mailboxID int64, messageID string) (bool, error) {
	for _, m := range p.messages {
		if m.MailboxID == mailboxID && m.MessageID == messageID {
			return true, nil
		}
	}
	return false, nil
}

func (p *fakePersistence) SaveSession(s *domain.MailboxSession) error        { return nil }
func (p *fakePersistence) TouchSession(sessionID string, at time.Time) error { return nil }
func (p *fakePersistence) DeleteSession(sessionID string) error              { return nil }

func (p *fakePersistence) SaveFailure(f *domain.SyncFailure) error {
	p.failures = append(p.failures, f)
	return nil
}

func (p *fakePersistence) SaveJob(j *domain.QueueJob) error   { return nil }
func (p *fakePersistence) UpdateJob(j *domain.QueueJob) error { return nil }
func (p *fakePersistence) NextWaitingJob(kinds []domain.JobKind) (*domain.QueueJob, error) {
	return nil, nil
}
func (p *fakePersistence) RecoverJobs() (int64, error) { return 0, nil }
func (p *fakePersistence) JobByID(id string) (*domain.QueueJob, error) {
	return nil, domain.ErrUnknownJob
}
func (p *fakePersistence) PruneJobs(olderThan time.Time) (int64, error) { return 0, nil }

func testMessageID(uid uint32) string {
	return fmt.Sprintf("id-%d@mx.example.org", uid)
}
