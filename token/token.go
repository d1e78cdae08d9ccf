// SPDX-License-Identifier: GPL-3.0-or-later
package token

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mailvault/mailvault/domain"
	"github.com/mailvault/mailvault/log"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// refreshWindow is how close to expiry a cached token may get before
// the next request mints a fresh one.
const refreshWindow = time.Minute

// Provider mints short-lived access tokens from each mailbox's
// identity credential via the oauth2 refresh grant. Access tokens live
// only in this in-memory cache and are never persisted.
type Provider struct {
	config *oauth2.Config

	mu    sync.Mutex
	cache map[int64]*domain.AccessToken

	now func() time.Time

	l *logrus.Logger
}

func NewProvider(clientId, clientSecret, tokenUrl string, scopes []string) *Provider {
	return &Provider{
		config: &oauth2.Config{
			ClientID:     clientId,
			ClientSecret: clientSecret,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				TokenURL: tokenUrl,
			},
		},
		cache: map[int64]*domain.AccessToken{},
		now:   time.Now,
		l:     log.Logger(log.LOG_TOKEN),
	}
}

func (p *Provider) AccessToken(mailbox domain.Mailbox) (*domain.AccessToken, error) {
	p.mu.Lock()
	cached, ok := p.cache[mailbox.ID]
	p.mu.Unlock()

	if ok && p.now().Add(refreshWindow).Before(cached.ExpiresAt) {
		return cached, nil
	}

	source := p.config.TokenSource(context.Background(), &oauth2.Token{
		RefreshToken: mailbox.Identity,
	})

	minted, err := source.Token()
	if err != nil {
		return nil, fmt.Errorf("could not mint access token for %s: %w", mailbox.Address, err)
	}

	token := &domain.AccessToken{
		Token:     minted.AccessToken,
		ExpiresAt: minted.Expiry,
	}
	if token.ExpiresAt.IsZero() {
		token.ExpiresAt = p.now().Add(time.Hour)
	}

	p.mu.Lock()
	p.cache[mailbox.ID] = token
	p.mu.Unlock()

	p.l.WithFields(logrus.Fields{"mailbox": mailbox.Address, "expires": token.ExpiresAt}).Debug("Minted access token")
	return token, nil
}

// Invalidate drops the cached token, forcing a refresh on the next
// request. Called after the server rejects an authentication.
func (p *Provider) Invalidate(mailbox domain.Mailbox) {
	p.mu.Lock()
	delete(p.cache, mailbox.ID)
	p.mu.Unlock()
}
