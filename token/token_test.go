// SPDX-License-Identifier: GPL-3.0-or-later
package token

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mailvault/mailvault/domain"
	"github.com/mailvault/mailvault/log"

	"github.com/stretchr/testify/assert"
)

func newTokenServer(t *testing.T, hits *int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*hits++
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh-cred", r.PostForm.Get("refresh_token"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"minted-%d","token_type":"Bearer","expires_in":3600}`, *hits)
	}))
}

func testMailbox() domain.Mailbox {
	return domain.Mailbox{ID: 1, Address: "alice@example.org", Identity: "refresh-cred"}
}

func TestAccessTokenMintAndCache(t *testing.T) {
	log.InitLogging("error")
	hits := 0
	server := newTokenServer(t, &hits)
	defer server.Close()

	p := NewProvider("cid", "secret", server.URL, nil)

	tok, err := p.AccessToken(testMailbox())
	assert.NoError(t, err)
	assert.Equal(t, "minted-1", tok.Token)
	assert.True(t, tok.ExpiresAt.After(time.Now()))

	// Second call served from cache.
	tok, err = p.AccessToken(testMailbox())
	assert.NoError(t, err)
	assert.Equal(t, "minted-1", tok.Token)
	assert.Equal(t, 1, hits)
}

func TestAccessTokenRefreshesNearExpiry(t *testing.T) {
	log.InitLogging("error")
	hits := 0
	server := newTokenServer(t, &hits)
	defer server.Close()

	p := NewProvider("cid", "secret", server.URL, nil)

	_, err := p.AccessToken(testMailbox())
	assert.NoError(t, err)

	// Jump to just inside the refresh window.
	p.now = func() time.Time { return time.Now().Add(time.Hour - 30*time.Second) }

	tok, err := p.AccessToken(testMailbox())
	assert.NoError(t, err)
	assert.Equal(t, "minted-2", tok.Token)
	assert.Equal(t, 2, hits)
}

func TestInvalidateForcesRefresh(t *testing.T) {
	log.InitLogging("error")
	hits := 0
	server := newTokenServer(t, &hits)
	defer server.Close()

	p := NewProvider("cid", "secret", server.URL, nil)

	_, err := p.AccessToken(testMailbox())
	assert.NoError(t, err)

	p.Invalidate(testMailbox())

	tok, err := p.AccessToken(testMailbox())
	assert.NoError(t, err)
	assert.Equal(t, "minted-2", tok.Token)
	assert.Equal(t, 2, hits)
}
