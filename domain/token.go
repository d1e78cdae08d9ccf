// SPDX-License-Identifier: GPL-3.0-or-later
package domain

import "time"

// AccessToken is a short-lived credential for one mailbox identity.
type AccessToken struct {
	Token     string
	ExpiresAt time.Time
}

// TokenProvider mints access tokens for mailbox identities. Tokens are
// cached in memory only; the engine never persists them.
type TokenProvider interface {
	AccessToken(mailbox Mailbox) (*AccessToken, error)
	// Invalidate drops any cached token so the next call refreshes.
	Invalidate(mailbox Mailbox)
}
