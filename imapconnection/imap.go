// SPDX-License-Identifier: GPL-3.0-or-later
package imapconnection

import (
	"errors"
	"fmt"
	"io/ioutil"
	"sort"
	"time"

	"github.com/mailvault/mailvault/domain"
	"github.com/mailvault/mailvault/log"
	"github.com/mailvault/mailvault/mail"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"
)

const logoutTimeout = 5 * time.Second

var errAuthFailed = errors.New("authentication rejected")

type ImapConnection struct {
	connection *client.Client

	server, address string

	selectedFolder string
	fetchTimeout   time.Duration

	l *logrus.Logger
}

// Factory returns a ConnectorFactory that dials a fresh authenticated
// session per call.
func Factory(tokens domain.TokenProvider, fetchTimeout time.Duration) domain.ConnectorFactory {
	return func(mailbox domain.Mailbox) (domain.Connector, error) {
		return NewImapConnection(mailbox, tokens, fetchTimeout)
	}
}

func NewImapConnection(mailbox domain.Mailbox, tokens domain.TokenProvider, fetchTimeout time.Duration) (*ImapConnection, error) {
	conn, err := connect(mailbox, tokens, fetchTimeout)
	if errors.Is(err, errAuthFailed) {
		// A cached token that expired server-side shows up as an auth
		// failure. Refresh once and redial.
		tokens.Invalidate(mailbox)
		conn, err = connect(mailbox, tokens, fetchTimeout)
	}
	if err != nil {
		return nil, err
	}

	return conn, nil
}

func connect(mailbox domain.Mailbox, tokens domain.TokenProvider, fetchTimeout time.Duration) (*ImapConnection, error) {
	imapClient, err := client.DialTLS(mailbox.Server, nil)
	if err != nil {
		return nil, fmt.Errorf("could not dial to imap: %w", err)
	}

	token, err := tokens.AccessToken(mailbox)
	if err != nil {
		_ = imapClient.Logout()
		return nil, fmt.Errorf("could not get access token: %w", err)
	}

	err = imapClient.Authenticate(NewXOAuth2(mailbox.Address, token.Token))
	if err != nil {
		_ = imapClient.Logout()
		return nil, fmt.Errorf("%w: %v", errAuthFailed, err)
	}

	conn := &ImapConnection{
		connection:   imapClient,
		server:       mailbox.Server,
		address:      mailbox.Address,
		fetchTimeout: fetchTimeout,
		l:            log.Logger(log.LOG_IMAP),
	}

	conn.l.WithFields(logrus.Fields{"server": mailbox.Server, "address": mailbox.Address}).Debug("Logged in to server")

	return conn, nil
}

func (ic *ImapConnection) ListFolders() ([]string, error) {
	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- ic.connection.List("", "*", mailboxes)
	}()

	folders := []string{}
	for m := range mailboxes {
		if hasAttribute(m.Attributes, imap.NoSelectAttr) {
			continue
		}
		folders = append(folders, m.Name)
	}

	err := <-done
	if err != nil {
		return nil, fmt.Errorf("could not list folders: %w", err)
	}

	return folders, nil
}

// Select opens the folder read-only so fetches never touch flags.
func (ic *ImapConnection) Select(folder string) (uint32, error) {
	m, err := ic.connection.Select(folder, true)
	if err != nil {
		return 0, fmt.Errorf("could not select folder: %w", err)
	}

	ic.selectedFolder = folder
	return m.UidValidity, nil
}

func (ic *ImapConnection) SearchSince(afterUid uint32) ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	if afterUid > 0 {
		seqset := &imap.SeqSet{}
		seqset.AddRange(afterUid+1, 0)
		criteria.Uid = seqset
	}

	uids, err := ic.connection.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("could not search folder: %w", err)
	}

	return filterAfter(uids, afterUid), nil
}

// filterAfter sorts ascending and drops UIDs at or below afterUid. A
// "N:*" search on a folder whose highest UID is below N still returns
// that highest UID, so already-processed values come back.
func filterAfter(uids []uint32, afterUid uint32) []uint32 {
	filtered := []uint32{}
	for _, uid := range uids {
		if uid > afterUid {
			filtered = append(filtered, uid)
		}
	}

	sort.Slice(filtered, func(i, j int) bool { return filtered[i] < filtered[j] })
	return filtered
}

func (ic *ImapConnection) FetchInfo(uid uint32) (*domain.MessageInfo, error) {
	seqset := &imap.SeqSet{}
	seqset.AddNum(uid)

	headerSection := &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{
			Specifier: imap.HeaderSpecifier,
			Fields: []string{
				"Received",
				"Message-Id",
				"Subject",
			},
		},
		Peek: true,
	}
	fetchItems := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, headerSection.FetchItem()}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- ic.connection.UidFetch(seqset, fetchItems, messages)
	}()

	var fetched *imap.Message
	for msg := range messages {
		fetched = msg
	}

	err := <-done
	if err != nil {
		return nil, fmt.Errorf("could not fetch mail headers: %w", err)
	}

	// An empty fetch result means the UID vanished between search and
	// fetch. That is not an error, the caller just moves on.
	if fetched == nil {
		return nil, nil
	}

	rawHeaders, err := ioutil.ReadAll(fetched.GetBody(headerSection))
	if err != nil {
		return nil, fmt.Errorf("could not read mail headers: %w", err)
	}

	messageId, subject, _, err := mail.HeaderInfos(rawHeaders)
	if err != nil {
		return nil, fmt.Errorf("could not parse mail header infos: %w", err)
	}

	info := &domain.MessageInfo{
		Uid:       fetched.Uid,
		MessageID: messageId,
		Subject:   subject,
	}
	fillEnvelope(info, fetched.Envelope)

	return info, nil
}

func (ic *ImapConnection) FetchFull(uid uint32) (*domain.RawMessage, error) {
	seqset := &imap.SeqSet{}
	seqset.AddNum(uid)

	fullBodySection := &imap.BodySectionName{
		Peek: true,
	}
	fetchItems := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, fullBodySection.FetchItem()}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- ic.connection.UidFetch(seqset, fetchItems, messages)
	}()

	var fetched *imap.Message
	timeout := time.After(ic.fetchTimeout)
	for done != nil || messages != nil {
		select {
		case err := <-done:
			if err != nil {
				return nil, fmt.Errorf("could not fetch mail: %w", err)
			}
			done = nil
		case msg, ok := <-messages:
			if !ok {
				messages = nil
				break
			}
			fetched = msg
		case <-timeout:
			// The session is stuck mid-literal and unusable, the
			// caller has to reconnect.
			return nil, fmt.Errorf("fetch of uid %d timed out after %s: %w", uid, ic.fetchTimeout, domain.ErrSessionLost)
		}
	}

	if fetched == nil {
		return nil, fmt.Errorf("uid %d vanished during body fetch", uid)
	}

	rawBody, err := ioutil.ReadAll(fetched.GetBody(fullBodySection))
	if err != nil {
		return nil, fmt.Errorf("could not read mail body: %w", err)
	}

	messageId, subject, _, err := mail.HeaderInfos(rawBody)
	if err != nil {
		return nil, fmt.Errorf("could not parse mail header infos: %w", err)
	}

	raw := &domain.RawMessage{
		MessageInfo: domain.MessageInfo{
			Uid:       fetched.Uid,
			MessageID: messageId,
			Subject:   subject,
		},
		Body: rawBody,
	}
	fillEnvelope(&raw.MessageInfo, fetched.Envelope)

	return raw, nil
}

func (ic *ImapConnection) Watch(stop <-chan struct{}) (<-chan domain.WatchEvent, <-chan error) {
	events := make(chan domain.WatchEvent, 16)
	errs := make(chan error, 1)

	updates := make(chan client.Update, 128)
	ic.connection.Updates = updates

	stopIdle := make(chan struct{})
	doneIdle := make(chan error, 1)
	go func() {
		doneIdle <- ic.connection.Idle(stopIdle, nil)
	}()

	go func() {
		defer close(events)
		for {
			select {
			case <-stop:
				close(stopIdle)
				<-doneIdle
				return
			case err := <-doneIdle:
				if err != nil {
					errs <- fmt.Errorf("idle failed: %w", err)
				} else {
					errs <- errors.New("idle ended unexpectedly")
				}
				return
			case update := <-updates:
				event, relevant := translateUpdate(update)
				if relevant {
					events <- event
				}
			}
		}
	}()

	return events, errs
}

func translateUpdate(update client.Update) (domain.WatchEvent, bool) {
	switch u := update.(type) {
	case *client.MailboxUpdate:
		return domain.WatchEvent{Kind: domain.EventNewMail, Count: u.Mailbox.Messages}, true
	case *client.ExpungeUpdate:
		return domain.WatchEvent{Kind: domain.EventExpunge, Seq: u.SeqNum, Deleted: true}, true
	case *client.MessageUpdate:
		return domain.WatchEvent{Kind: domain.EventUpdate, Seq: u.Message.SeqNum}, true
	}

	return domain.WatchEvent{}, false
}

// Close logs out politely and falls back to dropping the socket when
// the server does not answer in time.
func (ic *ImapConnection) Close() error {
	done := make(chan error, 1)
	go func() {
		done <- ic.connection.Logout()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("could not log out: %w", err)
		}
		return nil
	case <-time.After(logoutTimeout):
		return ic.connection.Terminate()
	}
}

func fillEnvelope(info *domain.MessageInfo, envelope *imap.Envelope) {
	if envelope == nil {
		return
	}

	info.Date = envelope.Date
	if len(envelope.From) > 0 {
		info.From = envelope.From[0].Address()
	}
	for _, addr := range envelope.To {
		info.To = append(info.To, addr.Address())
	}
}

func hasAttribute(attributes []string, attribute string) bool {
	for _, a := range attributes {
		if a == attribute {
			return true
		}
	}

	return false
}
