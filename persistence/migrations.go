// SPDX-License-Identifier: GPL-3.0-or-later
package persistence

import (
	migrate "github.com/rubenv/sql-migrate"
)

var migrationSource = &migrate.MemoryMigrationSource{
	Migrations: []*migrate.Migration{
		{
			Id: "1_initial",
			Up: []string{
				`CREATE TABLE mailboxes (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					address TEXT NOT NULL UNIQUE,
					server TEXT NOT NULL,
					identity TEXT NOT NULL,
					enabled INTEGER NOT NULL DEFAULT 1
				)`,
				`CREATE TABLE cursors (
					mailbox_id INTEGER NOT NULL,
					folder TEXT NOT NULL,
					sequence INTEGER NOT NULL DEFAULT 0,
					uidvalidity INTEGER NOT NULL DEFAULT 0,
					updated_at DATETIME NOT NULL,
					PRIMARY KEY (mailbox_id, folder)
				)`,
				`CREATE TABLE messages (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					mailbox_id INTEGER NOT NULL,
					message_id TEXT NOT NULL,
					folder TEXT NOT NULL,
					uid INTEGER NOT NULL,
					subject TEXT NOT NULL DEFAULT '',
					sender TEXT NOT NULL DEFAULT '',
					recipients TEXT NOT NULL DEFAULT '',
					date DATETIME,
					path TEXT NOT NULL,
					size INTEGER NOT NULL DEFAULT 0,
					UNIQUE (mailbox_id, message_id)
				)`,
				`CREATE TABLE attachments (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					mailbox_id INTEGER NOT NULL,
					message_id TEXT NOT NULL,
					filename TEXT NOT NULL,
					mimetype TEXT NOT NULL DEFAULT '',
					path TEXT NOT NULL,
					size INTEGER NOT NULL DEFAULT 0
				)`,
				`CREATE TABLE sessions (
					session_id TEXT PRIMARY KEY,
					mailbox_id INTEGER NOT NULL,
					state TEXT NOT NULL,
					connected_at DATETIME NOT NULL,
					last_activity_at DATETIME NOT NULL
				)`,
				`CREATE TABLE failures (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					mailbox_id INTEGER NOT NULL,
					folder TEXT NOT NULL,
					uid INTEGER NOT NULL,
					reason TEXT NOT NULL,
					at DATETIME NOT NULL
				)`,
				`CREATE TABLE jobs (
					id TEXT PRIMARY KEY,
					mailbox_id INTEGER NOT NULL,
					kind TEXT NOT NULL,
					priority INTEGER NOT NULL DEFAULT 0,
					attempts INTEGER NOT NULL DEFAULT 0,
					state TEXT NOT NULL,
					created_at DATETIME NOT NULL,
					updated_at DATETIME NOT NULL
				)`,
				`CREATE INDEX idx_messages_mailbox ON messages (mailbox_id)`,
				`CREATE INDEX idx_jobs_state ON jobs (state, priority, created_at)`,
			},
			Down: []string{
				`DROP TABLE jobs`,
				`DROP TABLE failures`,
				`DROP TABLE sessions`,
				`DROP TABLE attachments`,
				`DROP TABLE messages`,
				`DROP TABLE cursors`,
				`DROP TABLE mailboxes`,
			},
		},
	},
}
