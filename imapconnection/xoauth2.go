// SPDX-License-Identifier: GPL-3.0-or-later
package imapconnection

import (
	"github.com/emersion/go-sasl"
)

// xoauth2Client implements the XOAUTH2 mechanism as a sasl.Client.
// The initial response is "user=<user>\x01auth=Bearer <token>\x01\x01".
type xoauth2Client struct {
	username string
	token    string
}

func NewXOAuth2(username string, token string) sasl.Client {
	return &xoauth2Client{username: username, token: token}
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	ir := []byte("user=" + c.username + "\x01auth=Bearer " + c.token + "\x01\x01")
	return "XOAUTH2", ir, nil
}

// Next is only called when the server rejects the token and sends a
// JSON status challenge. Answering with an empty line makes the server
// terminate the exchange with a tagged NO.
func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	return []byte{}, nil
}
