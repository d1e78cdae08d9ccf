// SPDX-License-Identifier: GPL-3.0-or-later
package domain

import "time"

// Mailbox is one remote account to mirror.
type Mailbox struct {
	ID       int64
	Address  string
	Server   string
	Enabled  bool
	Identity string
}

type SessionState string

const (
	SessionAuthenticated = SessionState("authenticated")
	SessionWatching      = SessionState("watching")
	SessionDisconnecting = SessionState("disconnecting")
)

// MailboxSession is one live server connection.
type MailboxSession struct {
	MailboxID      int64
	SessionID      string
	State          SessionState
	ConnectedAt    time.Time
	LastActivityAt time.Time
}

// FolderCursor is the resume point for one (mailbox, folder) pair.
// Sequence is the highest UID fully processed; zero means unseen.
type FolderCursor struct {
	MailboxID   int64
	Folder      string
	Sequence    uint32
	UidValidity uint32
	UpdatedAt   time.Time
}

// MessageInfo is the lightweight identifier fetch: enough to decide
// whether a UID needs its body downloaded.
type MessageInfo struct {
	Uid       uint32
	MessageID string
	Subject   string
	From      string
	To        []string
	Date      time.Time
}

// RawMessage carries the full body bytes for one message.
type RawMessage struct {
	MessageInfo
	Body []byte
}

// Attachment is one decoded attachment part.
type Attachment struct {
	Filename string
	MimeType string
	Data     []byte
}

// ParsedMessage is the structured form of a raw body.
type ParsedMessage struct {
	MessageID   string
	Subject     string
	From        string
	To          []string
	Date        time.Time
	Attachments []Attachment
}

// MessageRecord is one row of the durable message index.
type MessageRecord struct {
	MailboxID int64
	MessageID string
	Folder    string
	Uid       uint32
	Subject   string
	From      string
	To        []string
	Date      time.Time
	Path      string
	Size      int64
}

type AttachmentRecord struct {
	MailboxID int64
	MessageID string
	Filename  string
	MimeType  string
	Path      string
	Size      int64
}

// SyncFailure is one dead-lettered message: the cursor moved past it
// but the body was never archived.
type SyncFailure struct {
	MailboxID int64
	Folder    string
	Uid       uint32
	Reason    string
	At        time.Time
}

type JobKind string

const (
	JobConnect    = JobKind("connect")
	JobDisconnect = JobKind("disconnect")
	JobReconnect  = JobKind("reconnect")
	JobBackup     = JobKind("backup")
)

type JobState string

const (
	JobWaiting   = JobState("waiting")
	JobActive    = JobState("active")
	JobCompleted = JobState("completed")
	JobFailed    = JobState("failed")
)

// QueueJob is one unit of queued work.
type QueueJob struct {
	ID        string
	MailboxID int64
	Kind      JobKind
	Priority  int
	Attempts  int
	State     JobState
	CreatedAt time.Time
	UpdatedAt time.Time
}

type RunKind string

const (
	RunScheduled = RunKind("scheduled")
	RunManual    = RunKind("manual")
)

// WatchEventKind distinguishes pushed server notifications.
type WatchEventKind int

const (
	EventNewMail WatchEventKind = iota
	EventUpdate
	EventExpunge
)

// WatchEvent is one typed notification from an idling session.
type WatchEvent struct {
	Kind    WatchEventKind
	Count   uint32
	Seq     uint32
	Deleted bool
}
