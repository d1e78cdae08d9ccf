// SPDX-License-Identifier: GPL-3.0-or-later
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// MailboxConfig declares one account to mirror. Identity is the
// OAuth2 refresh credential for the account; access tokens are minted
// from it at runtime and never stored.
type MailboxConfig struct {
	Address  string
	Server   string
	Identity string
	Enabled  bool
}

type Config struct {
	Database    string
	ArchiveRoot string

	Mailboxes []MailboxConfig

	OauthClientId     string
	OauthClientSecret string
	OauthTokenUrl     string
	OauthScopes       []string

	// Queue selects the job queue implementation once at startup:
	// "memory" or "durable".
	Queue string

	MaxConcurrentSessions int
	SlotWaitSeconds       int

	BatchSize           int
	MessageDelayMillis  int
	BatchDelayMillis    int
	FetchTimeoutSeconds int

	SweepIntervalMinutes int
	MaxConcurrentUsers   int

	IdleReconnectMinutes int

	DedupTtlMinutes int
	DedupMaxEntries int

	Loglevel *string
}

func ReadConfig(filename string) (*Config, error) {
	config := &Config{
		Database:              "mailvault.db",
		ArchiveRoot:           "archive",
		Queue:                 "memory",
		MaxConcurrentSessions: 10,
		SlotWaitSeconds:       30,
		BatchSize:             50,
		MessageDelayMillis:    100,
		BatchDelayMillis:      1000,
		FetchTimeoutSeconds:   120,
		SweepIntervalMinutes:  30,
		MaxConcurrentUsers:    4,
		IdleReconnectMinutes:  25,
		DedupTtlMinutes:       5,
		DedupMaxEntries:       100000,
	}

	_, err := toml.DecodeFile(filename, config)
	if err != nil {
		return nil, fmt.Errorf("could not read config file: %w", err)
	}

	err = config.validate()
	if err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) validate() error {
	if err := validateNonEmptyStringField(c.Database, "Database name must not be empty, set to a filename for the sqlite database"); err != nil {
		return err
	}

	if err := validateNonEmptyStringField(c.ArchiveRoot, "ArchiveRoot must not be empty, set to the directory eml files are archived into"); err != nil {
		return err
	}

	if err := validateNonEmptyStringField(c.OauthClientId, "OauthClientId must not be empty, set to the oauth2 client id of the token service"); err != nil {
		return err
	}

	if err := validateNonEmptyStringField(c.OauthClientSecret, "OauthClientSecret must not be empty, set to the oauth2 client secret of the token service"); err != nil {
		return err
	}

	if err := validateNonEmptyStringField(c.OauthTokenUrl, "OauthTokenUrl must not be empty, set to the token endpoint url"); err != nil {
		return err
	}

	for i, m := range c.Mailboxes {
		if err := validateNonEmptyStringField(m.Address, fmt.Sprintf("Mailbox %d: Address must not be empty", i+1)); err != nil {
			return err
		}
		if err := validateNonEmptyStringField(m.Server, fmt.Sprintf("Mailbox %d (%s): Server must not be empty, set to host:port of the imap server", i+1, m.Address)); err != nil {
			return err
		}
		if err := validateNonEmptyStringField(m.Identity, fmt.Sprintf("Mailbox %d (%s): Identity must not be empty, set to the oauth2 refresh credential", i+1, m.Address)); err != nil {
			return err
		}
	}

	switch strings.ToLower(c.Queue) {
	case "memory", "durable":
	default:
		return fmt.Errorf("Queue must be either memory or durable, got %q", c.Queue)
	}

	for name, value := range map[string]int{
		"MaxConcurrentSessions": c.MaxConcurrentSessions,
		"SlotWaitSeconds":       c.SlotWaitSeconds,
		"BatchSize":             c.BatchSize,
		"FetchTimeoutSeconds":   c.FetchTimeoutSeconds,
		"SweepIntervalMinutes":  c.SweepIntervalMinutes,
		"MaxConcurrentUsers":    c.MaxConcurrentUsers,
		"IdleReconnectMinutes":  c.IdleReconnectMinutes,
		"DedupTtlMinutes":       c.DedupTtlMinutes,
		"DedupMaxEntries":       c.DedupMaxEntries,
	} {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if c.MessageDelayMillis < 0 || c.BatchDelayMillis < 0 {
		return errors.New("MessageDelayMillis and BatchDelayMillis must not be negative")
	}

	return nil
}

func (c *Config) SlotWait() time.Duration      { return time.Duration(c.SlotWaitSeconds) * time.Second }
func (c *Config) MessageDelay() time.Duration  { return time.Duration(c.MessageDelayMillis) * time.Millisecond }
func (c *Config) BatchDelay() time.Duration    { return time.Duration(c.BatchDelayMillis) * time.Millisecond }
func (c *Config) FetchTimeout() time.Duration  { return time.Duration(c.FetchTimeoutSeconds) * time.Second }
func (c *Config) SweepInterval() time.Duration { return time.Duration(c.SweepIntervalMinutes) * time.Minute }
func (c *Config) IdleReconnect() time.Duration { return time.Duration(c.IdleReconnectMinutes) * time.Minute }
func (c *Config) DedupTtl() time.Duration      { return time.Duration(c.DedupTtlMinutes) * time.Minute }

func validateNonEmptyStringField(field string, err string) error {
	if len(strings.TrimSpace(field)) == 0 {
		return errors.New(err)
	}

	return nil
}
