// SPDX-License-Identifier: GPL-3.0-or-later
package watcher

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mailvault/mailvault/domain"
	"github.com/mailvault/mailvault/log"
	"github.com/mailvault/mailvault/slots"

	"github.com/sirupsen/logrus"
)

const (
	// WatchFolder is the folder kept under idle. New mail lands here
	// first on Gmail-style servers; everything else is swept up by the
	// scheduled backfill.
	WatchFolder = "INBOX"

	heartbeatInterval = 30 * time.Second
)

// folderSyncer is the slice of the archiver the watcher needs.
type folderSyncer interface {
	SyncFolder(conn domain.Connector, mailbox domain.Mailbox, folder string) error
}

// Watcher holds one mailbox session in idle mode and feeds pushed
// new-mail notifications into the sync pipeline. Deletion events are
// discarded, the archive never mutates.
type Watcher struct {
	mailbox   domain.Mailbox
	sessionID string
	conn      domain.Connector
	permit    *slots.Permit

	persistence domain.Persistence
	syncer      folderSyncer
	reconnect   func()

	idleReconnect time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	syncing  int32

	l *logrus.Logger
}

func newWatcher(mailbox domain.Mailbox, sessionID string, conn domain.Connector, persistence domain.Persistence, syncer folderSyncer, reconnect func(), idleReconnect time.Duration) *Watcher {
	return &Watcher{
		mailbox:       mailbox,
		sessionID:     sessionID,
		conn:          conn,
		persistence:   persistence,
		syncer:        syncer,
		reconnect:     reconnect,
		idleReconnect: idleReconnect,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		l:             log.Logger(log.LOG_WATCHER),
	}
}

// run is the per-session state machine: Authenticated -> Watching ->
// Disconnecting. It owns the connection exclusively; the idle watch is
// stopped before any sync command runs on the session.
func (w *Watcher) run() {
	defer close(w.done)

	err := w.saveState(domain.SessionWatching)
	if err != nil {
		w.l.WithFields(logrus.Fields{"address": w.mailbox.Address, "error": err}).Warn("Could not record session state")
	}

	// Catch up on whatever arrived while no session was watching.
	w.handleNewMail()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	// The provider kills idle sessions after a fixed window; a forced
	// reconnect shortly before keeps the session warm.
	deadline := time.NewTimer(w.idleReconnect)
	defer deadline.Stop()

	for {
		stopWatch := make(chan struct{})
		events, errs := w.conn.Watch(stopWatch)

	watching:
		for {
			select {
			case <-w.stop:
				close(stopWatch)
				return

			case event, ok := <-events:
				if !ok {
					w.l.WithFields(logrus.Fields{"address": w.mailbox.Address}).Warn("Watch stream ended, reconnecting")
					close(stopWatch)
					go w.reconnect()
					return
				}

				if event.Kind == domain.EventExpunge || event.Deleted {
					w.l.WithFields(logrus.Fields{"address": w.mailbox.Address, "seq": event.Seq}).Debug("Discarding deletion event")
					continue watching
				}

				// Stop idling so the session is free for fetches.
				close(stopWatch)
				w.handleNewMail()
				break watching

			case err := <-errs:
				w.l.WithFields(logrus.Fields{"address": w.mailbox.Address, "error": err}).Warn("Idle failed, reconnecting")
				close(stopWatch)
				go w.reconnect()
				return

			case <-heartbeat.C:
				err := w.persistence.TouchSession(w.sessionID, time.Now().UTC())
				if err != nil {
					w.l.WithFields(logrus.Fields{"address": w.mailbox.Address, "error": err}).Warn("Could not touch session")
				}

			case <-deadline.C:
				w.l.WithFields(logrus.Fields{"address": w.mailbox.Address}).Debug("Idle deadline reached, forcing reconnect")
				close(stopWatch)
				go w.reconnect()
				return
			}
		}
	}
}

// handleNewMail runs one sync pass over the watched folder. The guard
// keeps a second notification from starting a concurrent pipeline
// invocation on the same mailbox.
func (w *Watcher) handleNewMail() {
	if !atomic.CompareAndSwapInt32(&w.syncing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&w.syncing, 0)

	select {
	case <-w.stop:
		return
	default:
	}

	err := w.syncer.SyncFolder(w.conn, w.mailbox, WatchFolder)
	if err != nil {
		w.l.WithFields(logrus.Fields{"address": w.mailbox.Address, "error": err}).Warn("Could not sync on new mail")
		return
	}

	err = w.persistence.TouchSession(w.sessionID, time.Now().UTC())
	if err != nil {
		w.l.WithFields(logrus.Fields{"address": w.mailbox.Address, "error": err}).Warn("Could not touch session")
	}
}

func (w *Watcher) saveState(state domain.SessionState) error {
	now := time.Now().UTC()
	return w.persistence.SaveSession(&domain.MailboxSession{
		MailboxID:      w.mailbox.ID,
		SessionID:      w.sessionID,
		State:          state,
		ConnectedAt:    now,
		LastActivityAt: now,
	})
}

// shutdown stops the watch loop and waits for it to finish.
func (w *Watcher) shutdown() {
	err := w.saveState(domain.SessionDisconnecting)
	if err != nil {
		w.l.WithFields(logrus.Fields{"address": w.mailbox.Address, "error": err}).Warn("Could not record session state")
	}

	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}
