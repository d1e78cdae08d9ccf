// SPDX-License-Identifier: GPL-3.0-or-later
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mailvault/mailvault/domain"
	"github.com/mailvault/mailvault/log"
	"github.com/mailvault/mailvault/retry"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// mailboxSource is the slice of persistence the scheduler reads.
type mailboxSource interface {
	EnabledMailboxes() ([]*domain.Mailbox, error)
}

// acquirePollInterval is how often a waiting manual trigger re-checks
// the running flag while the scheduled sweep winds down.
const acquirePollInterval = 100 * time.Millisecond

// Scheduler periodically sweeps every enabled mailbox through the
// backfill, batching them under a global concurrency cap. One running
// flag suppresses overlapping sweeps. A manual trigger outranks the
// scheduled sweep: it flags the running sweep to stop at the next
// batch boundary and takes over; two manual triggers stay mutually
// exclusive.
type Scheduler struct {
	mailboxes mailboxSource
	backfill  func(domain.Mailbox) error

	interval   time.Duration
	batchSize  int
	batchDelay time.Duration
	sleep      retry.Sleeper

	mu            sync.Mutex
	running       bool
	runKind       domain.RunKind
	manualWaiting int32

	l *logrus.Logger
}

func NewScheduler(mailboxes mailboxSource, backfill func(domain.Mailbox) error, interval time.Duration, batchSize int, batchDelay time.Duration) *Scheduler {
	if batchSize < 1 {
		batchSize = 1
	}

	return &Scheduler{
		mailboxes:  mailboxes,
		backfill:   backfill,
		interval:   interval,
		batchSize:  batchSize,
		batchDelay: batchDelay,
		sleep:      time.Sleep,
		l:          log.Logger(log.LOG_SCHEDULER),
	}
}

// Run drives the periodic sweep until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.l.WithFields(logrus.Fields{"interval": s.interval, "batchsize": s.batchSize}).Info("Scheduler running")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.l.Info("Scheduler stopped")
			return
		case <-ticker.C:
			err := s.Sweep(ctx, domain.RunScheduled)
			if err != nil {
				s.l.WithFields(logrus.Fields{"error": err}).Warn("Sweep did not complete cleanly")
			}
		}
	}
}

// TriggerAll starts a manual sweep over every enabled mailbox.
func (s *Scheduler) TriggerAll(ctx context.Context) error {
	return s.Sweep(ctx, domain.RunManual)
}

// TriggerMailbox starts a manual sweep over a single mailbox.
func (s *Scheduler) TriggerMailbox(ctx context.Context, mailbox domain.Mailbox) error {
	return s.Sweep(ctx, domain.RunManual, mailbox)
}

// Sweep backfills the given mailboxes, or every enabled mailbox when
// none are named, in batches of the configured size with a pacing
// delay between batches. Only one sweep runs at a time.
func (s *Scheduler) Sweep(ctx context.Context, kind domain.RunKind, mailboxes ...domain.Mailbox) error {
	err := s.acquire(ctx, kind)
	if err != nil {
		return err
	}

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	targets := mailboxes
	if len(targets) == 0 {
		enabled, err := s.mailboxes.EnabledMailboxes()
		if err != nil {
			return fmt.Errorf("could not list enabled mailboxes: %w", err)
		}
		for _, mailbox := range enabled {
			targets = append(targets, *mailbox)
		}
	}

	if len(targets) == 0 {
		s.l.Debug("No enabled mailboxes to sweep")
		return nil
	}

	batches := partitionMailboxes(targets, s.batchSize)
	s.l.WithFields(logrus.Fields{"kind": kind, "mailboxes": len(targets), "batches": len(batches)}).Info("Starting sweep")

	start := time.Now()
	var failed int64
	for i, batch := range batches {
		if ctx.Err() != nil {
			return fmt.Errorf("sweep aborted: %w", ctx.Err())
		}

		if kind == domain.RunScheduled && atomic.LoadInt32(&s.manualWaiting) == 1 {
			s.l.WithFields(logrus.Fields{"batchesleft": len(batches) - i}).Info("Yielding to a waiting manual sweep")
			return nil
		}

		group := new(errgroup.Group)
		for _, mailbox := range batch {
			mailbox := mailbox
			group.Go(func() error {
				err := s.backfill(mailbox)
				if err != nil {
					// One mailbox failing never aborts the batch.
					s.l.WithFields(logrus.Fields{"address": mailbox.Address, "error": err}).Warn("Could not backfill mailbox")
					atomic.AddInt64(&failed, 1)
				}
				return nil
			})
		}
		_ = group.Wait()

		if s.batchDelay > 0 && i < len(batches)-1 {
			s.sleep(s.batchDelay)
		}
	}

	s.l.WithFields(logrus.Fields{"kind": kind, "mailboxes": len(targets), "failed": failed, "duration": time.Since(start)}).Info("Sweep finished")

	if failed > 0 {
		return fmt.Errorf("could not backfill %d of %d mailboxes", failed, len(targets))
	}

	return nil
}

// acquire takes the running flag. A manual trigger arriving while the
// scheduled sweep holds it asks that sweep to yield and waits; any
// other collision is rejected with ErrSweepRunning.
func (s *Scheduler) acquire(ctx context.Context, kind domain.RunKind) error {
	for {
		s.mu.Lock()
		if !s.running {
			s.running = true
			s.runKind = kind
			if kind == domain.RunManual {
				atomic.StoreInt32(&s.manualWaiting, 0)
			}
			s.mu.Unlock()
			return nil
		}
		suppressed := s.runKind
		s.mu.Unlock()

		if kind != domain.RunManual || suppressed != domain.RunScheduled {
			return fmt.Errorf("a %s sweep is already running: %w", suppressed, domain.ErrSweepRunning)
		}

		atomic.StoreInt32(&s.manualWaiting, 1)
		if ctx.Err() != nil {
			atomic.StoreInt32(&s.manualWaiting, 0)
			return fmt.Errorf("sweep aborted: %w", ctx.Err())
		}
		s.sleep(acquirePollInterval)
	}
}

func partitionMailboxes(mailboxes []domain.Mailbox, batchSize int) [][]domain.Mailbox {
	batches := make([][]domain.Mailbox, 0, (len(mailboxes)+batchSize-1)/batchSize)

	for batchSize < len(mailboxes) {
		mailboxes, batches = mailboxes[batchSize:], append(batches, mailboxes[0:batchSize:batchSize])
	}
	batches = append(batches, mailboxes)

	return batches
}
