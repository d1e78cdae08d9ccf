// SPDX-License-Identifier: GPL-3.0-or-later
package watcher

import (
	"fmt"
	"sync"
	"time"

	"github.com/mailvault/mailvault/domain"
	"github.com/mailvault/mailvault/log"
	"github.com/mailvault/mailvault/retry"
	"github.com/mailvault/mailvault/slots"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const reconnectAttempts = 5

// Registry is the single authority for which mailboxes hold a live
// session. Entries are only mutated inside Connect and Disconnect,
// under the slot manager's counters.
type Registry struct {
	slots       *slots.Manager
	persistence domain.Persistence
	syncer      folderSyncer
	connect     domain.ConnectorFactory

	idleReconnect time.Duration
	sleep         retry.Sleeper

	mu       sync.Mutex
	sessions map[int64]*Watcher

	l *logrus.Logger
}

func NewRegistry(slotManager *slots.Manager, persistence domain.Persistence, syncer folderSyncer, connect domain.ConnectorFactory, idleReconnect time.Duration) *Registry {
	return &Registry{
		slots:         slotManager,
		persistence:   persistence,
		syncer:        syncer,
		connect:       connect,
		idleReconnect: idleReconnect,
		sleep:         time.Sleep,
		sessions:      map[int64]*Watcher{},
		l:             log.Logger(log.LOG_WATCHER),
	}
}

// Connect opens a watched session for the mailbox. Connecting a
// mailbox that already holds a session is an error; the caller decides
// whether that means reconnect.
func (r *Registry) Connect(mailbox domain.Mailbox) error {
	r.mu.Lock()
	if _, ok := r.sessions[mailbox.ID]; ok {
		r.mu.Unlock()
		return fmt.Errorf("mailbox %s is already connected", mailbox.Address)
	}
	// Reserve the entry while the handshake runs so a concurrent
	// connect cannot double-dial.
	r.sessions[mailbox.ID] = nil
	r.mu.Unlock()

	watcher, err := r.dial(mailbox)

	r.mu.Lock()
	if err != nil {
		delete(r.sessions, mailbox.ID)
		r.mu.Unlock()
		return err
	}
	r.sessions[mailbox.ID] = watcher
	r.mu.Unlock()

	go watcher.run()

	r.l.WithFields(logrus.Fields{"address": mailbox.Address, "session": watcher.sessionID}).Info("Connected mailbox")
	return nil
}

func (r *Registry) dial(mailbox domain.Mailbox) (*Watcher, error) {
	permit, err := r.slots.Acquire()
	if err != nil {
		return nil, fmt.Errorf("could not acquire session slot: %w", err)
	}

	conn, err := r.connect(mailbox)
	if err != nil {
		r.slots.Release(permit)
		return nil, fmt.Errorf("could not connect to %s: %w", mailbox.Address, err)
	}
	r.slots.Connected(permit)

	_, err = conn.Select(WatchFolder)
	if err != nil {
		_ = conn.Close()
		r.slots.Release(permit)
		return nil, fmt.Errorf("could not select watch folder: %w", err)
	}

	sessionID := uuid.NewString()
	watcher := newWatcher(mailbox, sessionID, conn, r.persistence, r.syncer, func() {
		r.reconnectLater(mailbox)
	}, r.idleReconnect)
	watcher.permit = permit

	err = watcher.saveState(domain.SessionAuthenticated)
	if err != nil {
		r.l.WithFields(logrus.Fields{"address": mailbox.Address, "error": err}).Warn("Could not record session state")
	}

	return watcher, nil
}

// Disconnect tears the mailbox session down and frees its slot.
func (r *Registry) Disconnect(mailboxID int64) error {
	r.mu.Lock()
	watcher, ok := r.sessions[mailboxID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("mailbox %d is not connected", mailboxID)
	}
	if watcher == nil {
		r.mu.Unlock()
		return fmt.Errorf("mailbox %d is still connecting", mailboxID)
	}
	delete(r.sessions, mailboxID)
	r.mu.Unlock()

	watcher.shutdown()
	_ = watcher.conn.Close()
	r.slots.Release(watcher.permit)

	err := r.persistence.DeleteSession(watcher.sessionID)
	if err != nil {
		return fmt.Errorf("could not delete session: %w", err)
	}

	r.l.WithFields(logrus.Fields{"mailbox": mailboxID, "session": watcher.sessionID}).Info("Disconnected mailbox")
	return nil
}

// Reconnect cycles the session. A mailbox that is not connected is
// simply connected.
func (r *Registry) Reconnect(mailbox domain.Mailbox) error {
	r.mu.Lock()
	_, connected := r.sessions[mailbox.ID]
	r.mu.Unlock()

	if connected {
		err := r.Disconnect(mailbox.ID)
		if err != nil {
			return err
		}
	}

	return r.Connect(mailbox)
}

// reconnectLater is handed to watchers so a dying session can request
// its own replacement without holding registry state.
func (r *Registry) reconnectLater(mailbox domain.Mailbox) {
	err := retry.Do(func() error {
		return r.Reconnect(mailbox)
	}, reconnectAttempts, r.sleep)
	if err != nil {
		r.l.WithFields(logrus.Fields{"address": mailbox.Address, "error": err}).Error("Could not reconnect mailbox, it stays disconnected")
	}
}

// Connected reports whether the mailbox holds (or is establishing) a
// session.
func (r *Registry) Connected(mailboxID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[mailboxID]
	return ok
}

// CloseAll disconnects every session, for shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	ids := make([]int64, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		err := r.Disconnect(id)
		if err != nil {
			r.l.WithFields(logrus.Fields{"mailbox": id, "error": err}).Warn("Could not disconnect mailbox")
		}
	}
}
