// SPDX-License-Identifier: GPL-3.0-or-later
package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"time"

	"github.com/mailvault/mailvault/log"

	"github.com/sirupsen/logrus"
)

// Store writes archived messages to
// root/<domain>/<local-part>/<year>/<month>/<sanitized-id>.eml with a
// sibling attachments/<sanitized-id>/ directory per message. Files are
// write-once: an existing file is never rewritten, so re-processing a
// message is a no-op.
type Store struct {
	root string
	l    *logrus.Logger
}

func NewStore(root string) (*Store, error) {
	err := os.MkdirAll(root, 0o755)
	if err != nil {
		return nil, fmt.Errorf("could not create archive root: %w", err)
	}

	return &Store{
		root: root,
		l:    log.Logger(log.LOG_ARCHIVER),
	}, nil
}

// SaveMessage persists raw message bytes under the mailbox address and
// message date, keyed by the parsed identifier rather than the UID so
// the path is stable across re-fetches. Returns the path relative to
// the archive root and the byte size.
func (s *Store) SaveMessage(address string, date time.Time, messageID string, raw []byte) (string, int64, error) {
	dir := s.messageDir(address, date)
	err := os.MkdirAll(filepath.Join(s.root, dir), 0o755)
	if err != nil {
		return "", 0, fmt.Errorf("could not create message directory: %w", err)
	}

	relative := filepath.Join(dir, SanitizeID(messageID)+".eml")
	full := filepath.Join(s.root, relative)

	if info, err := os.Stat(full); err == nil {
		s.l.WithField("path", relative).Debug("Message already archived, keeping existing file")
		return relative, info.Size(), nil
	}

	err = writeOnce(full, raw)
	if err != nil {
		return "", 0, fmt.Errorf("could not write message file: %w", err)
	}

	return relative, int64(len(raw)), nil
}

// SaveAttachment persists one attachment next to its message, named by
// its declared filename. Duplicate filenames within one message get a
// numeric suffix before the extension.
func (s *Store) SaveAttachment(address string, date time.Time, messageID string, filename string, data []byte) (string, int64, error) {
	dir := filepath.Join(s.messageDir(address, date), "attachments", SanitizeID(messageID))
	err := os.MkdirAll(filepath.Join(s.root, dir), 0o755)
	if err != nil {
		return "", 0, fmt.Errorf("could not create attachments directory: %w", err)
	}

	name := sanitizeFilename(filename)
	relative := filepath.Join(dir, name)
	full := filepath.Join(s.root, relative)

	extension := filepath.Ext(name)
	stem := strings.TrimSuffix(name, extension)
	for suffix := 1; ; suffix++ {
		_, err := os.Stat(full)
		if os.IsNotExist(err) {
			break
		}
		if err != nil {
			return "", 0, fmt.Errorf("could not stat attachment file: %w", err)
		}

		relative = filepath.Join(dir, fmt.Sprintf("%s-%d%s", stem, suffix, extension))
		full = filepath.Join(s.root, relative)
	}

	err = writeOnce(full, data)
	if err != nil {
		return "", 0, fmt.Errorf("could not write attachment file: %w", err)
	}

	return relative, int64(len(data)), nil
}

func (s *Store) messageDir(address string, date time.Time) string {
	local, domain := splitAddress(address)
	return filepath.Join(
		sanitizePathComponent(domain),
		sanitizePathComponent(local),
		fmt.Sprintf("%04d", date.Year()),
		fmt.Sprintf("%02d", int(date.Month())),
	)
}

func writeOnce(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}

	_, err = f.Write(data)
	if err != nil {
		f.Close()
		return err
	}

	return f.Close()
}

func splitAddress(address string) (string, string) {
	at := strings.LastIndex(address, "@")
	if at < 0 {
		return address, "unknown"
	}
	return address[:at], address[at+1:]
}

// SanitizeID makes a message identifier safe as a filename component.
func SanitizeID(id string) string {
	return sanitizePathComponent(id)
}

func sanitizePathComponent(component string) string {
	var b strings.Builder
	for _, r := range component {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '-', r == '_', r == '@', r == '+':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}

	out := strings.Trim(b.String(), ".")
	if len(out) == 0 {
		return "_"
	}
	return out
}

func sanitizeFilename(filename string) string {
	filename = filepath.Base(filename)
	out := sanitizePathComponent(filename)
	if out == "_" {
		return "unnamed"
	}
	return out
}
