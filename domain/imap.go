// SPDX-License-Identifier: GPL-3.0-or-later
package domain

//go:generate mockgen -destination=mocks/imap.go -package=mocks . Connector

// Connector is the transport primitive the engine depends on. It is
// one live, single-threaded session; concurrent use is the caller's
// responsibility.
type Connector interface {
	ListFolders() ([]string, error)
	// Select opens a folder read-only and returns its UIDVALIDITY.
	Select(folder string) (uint32, error)
	// SearchSince returns all UIDs strictly greater than afterUid,
	// or every UID in the folder when afterUid is zero.
	SearchSince(afterUid uint32) ([]uint32, error)
	// FetchInfo is the light fetch: envelope only, no body bytes.
	// A vanished UID yields a nil info, not an error.
	FetchInfo(uid uint32) (*MessageInfo, error)
	// FetchFull is the heavy fetch: the complete RFC822 body.
	FetchFull(uid uint32) (*RawMessage, error)
	// Watch enters idle mode until stop is closed, delivering typed
	// events to the returned channel.
	Watch(stop <-chan struct{}) (<-chan WatchEvent, <-chan error)

	Close() error
}

// ConnectorFactory dials a fresh session for a mailbox, so the
// orchestrator can reconnect after a dropped connection.
type ConnectorFactory func(mailbox Mailbox) (Connector, error)
