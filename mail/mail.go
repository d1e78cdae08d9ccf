// SPDX-License-Identifier: GPL-3.0-or-later
package mail

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"mime"
	stdmail "net/mail"
	"strings"
	"time"

	"github.com/mailvault/mailvault/domain"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	gomail "github.com/emersion/go-message/mail"
)

// HeaderInfos extracts the identifier, subject and sender from raw
// message bytes. Messages without a Message-Id get a stable hash of
// their Received headers instead, so the identifier survives
// re-fetching under a different UID.
func HeaderInfos(rawMail []byte) (string, string, string, error) {
	msg, err := stdmail.ReadMessage(bytes.NewReader(rawMail))
	if err != nil {
		return "", "", "", fmt.Errorf("could not parse mail: %w", err)
	}

	messageId, err := messageIdentifier(msg.Header)
	if err != nil {
		return "", "", "", err
	}

	dec := &mime.WordDecoder{
		CharsetReader: charset.Reader,
	}
	subject, err := dec.DecodeHeader(msg.Header.Get("Subject"))
	if err != nil {
		return "", "", "", fmt.Errorf("could not decode subject header: %w", err)
	}

	return messageId, subject, msg.Header.Get("From"), nil
}

// ParseMessage decomposes a raw message into structured metadata and
// its attachment parts.
func ParseMessage(rawMail []byte) (*domain.ParsedMessage, error) {
	msg, err := stdmail.ReadMessage(bytes.NewReader(rawMail))
	if err != nil {
		return nil, fmt.Errorf("could not parse mail: %w", err)
	}

	messageId, err := messageIdentifier(msg.Header)
	if err != nil {
		return nil, err
	}

	dec := &mime.WordDecoder{
		CharsetReader: charset.Reader,
	}
	subject, err := dec.DecodeHeader(msg.Header.Get("Subject"))
	if err != nil {
		return nil, fmt.Errorf("could not decode subject header: %w", err)
	}

	date, err := msg.Header.Date()
	if err != nil {
		date = time.Time{}
	}

	to := []string{}
	if addresses, err := msg.Header.AddressList("To"); err == nil {
		for _, a := range addresses {
			to = append(to, a.Address)
		}
	}

	from := msg.Header.Get("From")
	if addresses, err := msg.Header.AddressList("From"); err == nil && len(addresses) > 0 {
		from = addresses[0].Address
	}

	attachments, err := attachmentParts(rawMail)
	if err != nil {
		return nil, err
	}

	return &domain.ParsedMessage{
		MessageID:   messageId,
		Subject:     subject,
		From:        from,
		To:          to,
		Date:        date,
		Attachments: attachments,
	}, nil
}

func attachmentParts(rawMail []byte) ([]domain.Attachment, error) {
	mr, err := gomail.CreateReader(bytes.NewReader(rawMail))
	if err != nil {
		if message.IsUnknownCharset(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("could not open mail reader: %w", err)
	}

	attachments := []domain.Attachment{}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) {
				continue
			}
			return nil, fmt.Errorf("could not read mail part: %w", err)
		}

		header, ok := part.Header.(*gomail.AttachmentHeader)
		if !ok {
			continue
		}

		filename, err := header.Filename()
		if err != nil || len(filename) == 0 {
			filename = "unnamed"
		}

		mimeType, _, err := header.ContentType()
		if err != nil {
			mimeType = "application/octet-stream"
		}

		data, err := io.ReadAll(part.Body)
		if err != nil {
			return nil, fmt.Errorf("could not read attachment body: %w", err)
		}

		attachments = append(
			attachments,
			domain.Attachment{
				Filename: filename,
				MimeType: mimeType,
				Data:     data,
			},
		)
	}

	return attachments, nil
}

func messageIdentifier(header stdmail.Header) (string, error) {
	messageId := strings.Trim(header.Get("Message-Id"), "<> \t")
	if len(messageId) > 0 {
		return messageId, nil
	}

	receivedHeader := header["Received"]
	if len(receivedHeader) == 0 {
		return "", fmt.Errorf("Received and Message-Id header not found")
	}

	hashed, err := hash([][]string{receivedHeader})
	if err != nil {
		return "", fmt.Errorf("could not hash headers: %w", err)
	}

	return hashed, nil
}

func ShortSubject(subject string) string {
	if (len(subject)) > 30 {
		subject = subject[:30] + "..."
	}
	return subject
}

func hash(input [][]string) (string, error) {
	sha := sha256.New()
	for _, i := range input {
		for _, ii := range i {
			_, err := sha.Write([]byte(ii))
			if err != nil {
				return "", fmt.Errorf("could not hash: %w", err)
			}
		}
	}

	return fmt.Sprintf("%x", sha.Sum(nil)), nil
}
