// SPDX-License-Identifier: GPL-3.0-or-later
package slots

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mailvault/mailvault/domain"
	"github.com/mailvault/mailvault/log"

	"github.com/stretchr/testify/assert"
)

func newTestManager(max int, maxWait time.Duration) *Manager {
	log.InitLogging("error")
	m := NewManager(max, maxWait)
	m.pollInterval = time.Millisecond
	return m
}

func TestAcquireRelease(t *testing.T) {
	m := newTestManager(2, 10*time.Millisecond)

	p1, err := m.Acquire()
	assert.NoError(t, err)
	p2, err := m.Acquire()
	assert.NoError(t, err)

	active, pending := m.Occupancy()
	assert.Equal(t, 0, active)
	assert.Equal(t, 2, pending)

	m.Connected(p1)
	active, pending = m.Occupancy()
	assert.Equal(t, 1, active)
	assert.Equal(t, 1, pending)

	_, err = m.Acquire()
	assert.ErrorIs(t, err, domain.ErrPoolExhausted)

	m.Release(p1)
	m.Release(p2)
	active, pending = m.Occupancy()
	assert.Equal(t, 0, active)
	assert.Equal(t, 0, pending)
}

func TestReleaseIdempotent(t *testing.T) {
	m := newTestManager(1, 10*time.Millisecond)

	p, err := m.Acquire()
	assert.NoError(t, err)
	m.Connected(p)
	m.Release(p)
	m.Release(p)
	m.Connected(p)

	active, pending := m.Occupancy()
	assert.Equal(t, 0, active)
	assert.Equal(t, 0, pending)
}

func TestAcquireWaitsForFreeSlot(t *testing.T) {
	m := newTestManager(1, time.Second)

	p, err := m.Acquire()
	assert.NoError(t, err)
	m.Connected(p)

	go func() {
		time.Sleep(20 * time.Millisecond)
		m.Release(p)
	}()

	p2, err := m.Acquire()
	assert.NoError(t, err)
	m.Release(p2)
}

func TestPoolBoundUnderContention(t *testing.T) {
	const max, callers = 3, 12
	m := newTestManager(max, 50*time.Millisecond)

	var exhausted int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := m.Acquire()
			if err != nil {
				assert.ErrorIs(t, err, domain.ErrPoolExhausted)
				atomic.AddInt32(&exhausted, 1)
				return
			}

			m.Connected(p)
			active, pending := m.Occupancy()
			assert.LessOrEqual(t, active+pending, max)
			time.Sleep(100 * time.Millisecond)
			m.Release(p)
		}()
	}
	wg.Wait()

	// Slots were never released within the wait, so everyone beyond
	// capacity failed.
	assert.Equal(t, int32(callers-max), exhausted)
}

func TestSelfHealSurvivesSlowHandshakes(t *testing.T) {
	m := newTestManager(2, 10*time.Millisecond)

	// Two handshakes slow enough to trip the self-heal, but still
	// alive. The reset writes their pending count off.
	p1, err := m.Acquire()
	assert.NoError(t, err)
	p2, err := m.Acquire()
	assert.NoError(t, err)

	p3, err := m.Acquire()
	assert.NoError(t, err)

	// The survivors finish after the reset; the counters must not go
	// negative under their delayed transitions.
	m.Connected(p1)
	m.Connected(p2)
	m.Connected(p3)

	active, pending := m.Occupancy()
	assert.Equal(t, 3, active)
	assert.Equal(t, 0, pending)

	m.Release(p1)
	m.Release(p2)
	m.Release(p3)

	active, pending = m.Occupancy()
	assert.Equal(t, 0, active)
	assert.Equal(t, 0, pending)
}

func TestSelfHealsLeakedPending(t *testing.T) {
	m := newTestManager(2, 10*time.Millisecond)

	// Two handshakes that never connect nor release: a leak.
	_, err := m.Acquire()
	assert.NoError(t, err)
	_, err = m.Acquire()
	assert.NoError(t, err)

	p, err := m.Acquire()
	assert.NoError(t, err)

	active, pending := m.Occupancy()
	assert.Equal(t, 0, active)
	assert.Equal(t, 1, pending)
	m.Release(p)
}
