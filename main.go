// SPDX-License-Identifier: GPL-3.0-or-later
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mailvault/mailvault/archive"
	"github.com/mailvault/mailvault/archiver"
	"github.com/mailvault/mailvault/config"
	"github.com/mailvault/mailvault/dedup"
	"github.com/mailvault/mailvault/domain"
	"github.com/mailvault/mailvault/imapconnection"
	"github.com/mailvault/mailvault/log"
	"github.com/mailvault/mailvault/persistence"
	"github.com/mailvault/mailvault/queue"
	"github.com/mailvault/mailvault/scheduler"
	"github.com/mailvault/mailvault/slots"
	"github.com/mailvault/mailvault/token"
	"github.com/mailvault/mailvault/watcher"

	"github.com/sirupsen/logrus"
)

func main() {
	log.InitLogging("debug")
	logger := log.Logger(log.LOG_MAIN)

	conf, err := config.ReadConfig("config.toml")
	if err != nil {
		logger.WithField("error", err).Fatal("Could not load config")
	}

	if conf.Loglevel != nil {
		log.SetLogLevel(*conf.Loglevel)
	}

	p, err := persistence.NewPersistence(conf.Database)
	if err != nil {
		logger.WithField("error", err).Fatal("Could not connect to database")
	}
	defer p.Close()

	for _, m := range conf.Mailboxes {
		_, err := p.SaveMailbox(&domain.Mailbox{
			Address:  m.Address,
			Server:   m.Server,
			Identity: m.Identity,
			Enabled:  m.Enabled,
		})
		if err != nil {
			logger.WithFields(logrus.Fields{"address": m.Address, "error": err}).Fatal("Could not register mailbox")
		}
	}

	store, err := archive.NewStore(conf.ArchiveRoot)
	if err != nil {
		logger.WithField("error", err).Fatal("Could not open archive root")
	}

	tokens := token.NewProvider(conf.OauthClientId, conf.OauthClientSecret, conf.OauthTokenUrl, conf.OauthScopes)
	cache := dedup.NewCache(p, conf.DedupTtl(), conf.DedupMaxEntries)
	slotManager := slots.NewManager(conf.MaxConcurrentSessions, conf.SlotWait())
	connect := imapconnection.Factory(tokens, conf.FetchTimeout())

	arch, err := archiver.NewArchiver(p, store, cache, slotManager, connect,
		archiver.BatchSize(conf.BatchSize),
		archiver.MessageDelay(conf.MessageDelay()),
		archiver.BatchDelay(conf.BatchDelay()),
	)
	if err != nil {
		logger.WithField("error", err).Fatal("Could not start archiver")
	}

	registry := watcher.NewRegistry(slotManager, p, arch, connect, conf.IdleReconnect())

	handler := func(job *domain.QueueJob) error {
		mailbox, err := mailboxByID(p, job.MailboxID)
		if err != nil {
			return err
		}

		switch job.Kind {
		case domain.JobConnect:
			return registry.Connect(*mailbox)
		case domain.JobDisconnect:
			return registry.Disconnect(mailbox.ID)
		case domain.JobReconnect:
			return registry.Reconnect(*mailbox)
		case domain.JobBackup:
			return arch.Backfill(*mailbox)
		default:
			return fmt.Errorf("unsupported job kind %q", job.Kind)
		}
	}

	var jobs queue.Queue
	if strings.EqualFold(conf.Queue, "durable") {
		jobs = queue.NewDurableQueue(p, handler, conf.MaxConcurrentUsers)
	} else {
		jobs = queue.NewMemoryQueue(handler, conf.MaxConcurrentUsers)
	}
	jobs.Start()
	defer jobs.Close()

	enabled, err := p.EnabledMailboxes()
	if err != nil {
		logger.WithField("error", err).Fatal("Could not list enabled mailboxes")
	}
	for _, mailbox := range enabled {
		_, err := jobs.Enqueue(domain.JobConnect, mailbox.ID, 0)
		if err != nil {
			logger.WithFields(logrus.Fields{"address": mailbox.Address, "error": err}).Warn("Could not enqueue connect")
		}
	}

	sched := scheduler.NewScheduler(p, arch.Backfill, conf.SweepInterval(), conf.MaxConcurrentUsers, conf.BatchDelay())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		// First sweep right away, the ticker covers the rest.
		err := sched.Sweep(ctx, domain.RunScheduled)
		if err != nil {
			logger.WithField("error", err).Warn("Initial sweep did not complete cleanly")
		}
		sched.Run(ctx)
	}()

	logger.WithFields(logrus.Fields{"mailboxes": len(enabled), "queue": conf.Queue}).Info("mailvault running")

	<-ctx.Done()
	logger.Info("Shutting down")
	registry.CloseAll()
}

func mailboxByID(p domain.Persistence, id int64) (*domain.Mailbox, error) {
	mailboxes, err := p.AllMailboxes()
	if err != nil {
		return nil, fmt.Errorf("could not list mailboxes: %w", err)
	}

	for _, mailbox := range mailboxes {
		if mailbox.ID == id {
			return mailbox, nil
		}
	}

	return nil, fmt.Errorf("unknown mailbox id %d", id)
}
