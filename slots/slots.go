// SPDX-License-Identifier: GPL-3.0-or-later
package slots

import (
	"fmt"
	"sync"
	"time"

	"github.com/mailvault/mailvault/domain"
	"github.com/mailvault/mailvault/log"

	"github.com/sirupsen/logrus"
)

const DefaultPollInterval = 250 * time.Millisecond

// Manager bounds the number of simultaneously open mail-server
// sessions. A slot is pending from Acquire until Connected, active
// from Connected until Release; active+pending never exceeds max.
type Manager struct {
	mu      sync.Mutex
	active  int
	pending int

	max          int
	maxWait      time.Duration
	pollInterval time.Duration

	l *logrus.Logger
}

// Permit represents one held slot.
type Permit struct {
	connected bool
	released  bool
}

func NewManager(max int, maxWait time.Duration) *Manager {
	return &Manager{
		max:          max,
		maxWait:      maxWait,
		pollInterval: DefaultPollInterval,
		l:            log.Logger(log.LOG_SLOTS),
	}
}

// Acquire blocks until a slot frees up, polling at a fixed interval,
// and fails with ErrPoolExhausted once maxWait has elapsed. If the
// wait threshold passes with zero active sessions but a non-zero
// pending count, the pending counter is assumed leaked by crashed
// handshakes and reset.
func (m *Manager) Acquire() (*Permit, error) {
	deadline := time.Now().Add(m.maxWait)

	for {
		m.mu.Lock()
		if m.active+m.pending < m.max {
			m.pending++
			m.logOccupancy("acquired")
			m.mu.Unlock()
			return &Permit{}, nil
		}
		m.mu.Unlock()

		if time.Now().After(deadline) {
			m.mu.Lock()
			if m.active == 0 && m.pending > 0 {
				m.l.WithField("pending", m.pending).Warn("No active sessions but pending count stuck, resetting")
				m.pending = 1
				m.logOccupancy("acquired")
				m.mu.Unlock()
				return &Permit{}, nil
			}
			m.mu.Unlock()
			return nil, fmt.Errorf("no slot freed within %s: %w", m.maxWait, domain.ErrPoolExhausted)
		}

		time.Sleep(m.pollInterval)
	}
}

// Connected moves the permit from pending to active once the
// handshake finished and the session entered the connection table.
func (m *Manager) Connected(p *Permit) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.connected || p.released {
		return
	}
	p.connected = true
	// The self-heal may already have written off this permit's pending
	// count; never let the counter go negative.
	if m.pending > 0 {
		m.pending--
	}
	m.active++
	m.logOccupancy("connected")
}

// Release frees the slot. Safe to call for both pending and active
// permits, and idempotent.
func (m *Manager) Release(p *Permit) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.released {
		return
	}
	p.released = true

	if p.connected {
		if m.active > 0 {
			m.active--
		}
	} else if m.pending > 0 {
		m.pending--
	}
	m.logOccupancy("released")
}

// Occupancy returns the current active and pending counts.
func (m *Manager) Occupancy() (active, pending int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active, m.pending
}

// caller must hold mu
func (m *Manager) logOccupancy(transition string) {
	m.l.WithFields(logrus.Fields{"active": m.active, "pending": m.pending, "max": m.max, "transition": transition}).Debug("Slot occupancy")
}
