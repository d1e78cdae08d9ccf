// SPDX-License-Identifier: GPL-3.0-or-later
package dedup

import (
	"fmt"
	"sync"
	"time"

	"github.com/mailvault/mailvault/log"

	"github.com/sirupsen/logrus"
)

// Loader supplies the known identifiers for a mailbox from the
// durable message index.
type Loader interface {
	MessageIDs(mailboxID int64) ([]string, error)
}

type mailboxSet struct {
	ids      map[string]struct{}
	loadedAt time.Time
	capped   bool
}

// Cache is the advisory per-mailbox set of already-archived message
// identifiers. Entries expire as a whole set after the TTL and are
// reloaded lazily; a hard cap bounds memory for very large mailboxes.
// The durable index stays authoritative: a miss only means "maybe
// new".
type Cache struct {
	mu     sync.Mutex
	sets   map[int64]*mailboxSet
	loader Loader

	ttl        time.Duration
	maxEntries int

	now func() time.Time

	l *logrus.Logger
}

func NewCache(loader Loader, ttl time.Duration, maxEntries int) *Cache {
	return &Cache{
		sets:       map[int64]*mailboxSet{},
		loader:     loader,
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
		l:          log.Logger(log.LOG_ARCHIVER),
	}
}

// Contains reports whether the identifier is known archived for the
// mailbox, loading the set from the durable index when absent or
// expired.
func (c *Cache) Contains(mailboxID int64, messageID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	set, err := c.loadedSet(mailboxID)
	if err != nil {
		return false, err
	}

	_, ok := set.ids[messageID]
	return ok, nil
}

// Add records a freshly archived identifier. Only called after the
// message is persisted and indexed.
func (c *Cache) Add(mailboxID int64, messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	set, ok := c.sets[mailboxID]
	if !ok {
		// Nothing cached yet; the next Contains loads from the index,
		// which already has this message.
		return
	}

	if len(set.ids) >= c.maxEntries {
		set.capped = true
		return
	}
	set.ids[messageID] = struct{}{}
}

// Invalidate drops the cached set for a mailbox, e.g. on mailbox
// removal.
func (c *Cache) Invalidate(mailboxID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sets, mailboxID)
}

// caller must hold mu
func (c *Cache) loadedSet(mailboxID int64) (*mailboxSet, error) {
	set, ok := c.sets[mailboxID]
	if ok && c.now().Sub(set.loadedAt) < c.ttl {
		return set, nil
	}

	ids, err := c.loader.MessageIDs(mailboxID)
	if err != nil {
		return nil, fmt.Errorf("could not load known message ids: %w", err)
	}

	set = &mailboxSet{
		ids:      make(map[string]struct{}, len(ids)),
		loadedAt: c.now(),
	}
	for _, id := range ids {
		if len(set.ids) >= c.maxEntries {
			set.capped = true
			break
		}
		set.ids[id] = struct{}{}
	}
	c.sets[mailboxID] = set

	c.l.WithFields(logrus.Fields{"mailbox": mailboxID, "ids": len(set.ids), "capped": set.capped}).Debug("Loaded dedup set")
	return set, nil
}
