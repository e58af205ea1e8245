package config

import (
	"errors"
	"fmt"
	"strings"
)

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Loadboard LoadboardConfig `json:"loadboard"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Expiry    *ExpiryConfig   `json:"expiry,omitempty"`
	Notify    *NotifyConfig   `json:"notify,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`

	// OwnerUserIDs are the privileged operators: they manage the recipient
	// list and receive error reports. They are seeded into the recipient
	// directory with a far-future expiration.
	OwnerUserIDs []int64 `json:"owner_user_ids"`

	// MutedUserIDs are excluded from load alerts (but stay in the directory).
	MutedUserIDs []int64 `json:"muted_user_ids,omitempty"`

	// PollTimeout is the long-poll timeout for receiving updates.
	// Go duration string; default "10s".
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// LoadboardConfig describes the origin site being watched.
//
// All intervals are Go duration strings (e.g. "15s", "10m").
type LoadboardConfig struct {
	BaseURL  string `json:"base_url"`
	LoginURL string `json:"login_url"` // absolute or relative to base_url
	BoardURL string `json:"board_url"` // page containing the loads table

	Email     string `json:"email"`
	Password  string `json:"password"`
	CSRFToken string `json:"csrf_token"`

	// SessionCookie seeds the PHPSESSID cookie so an existing browser
	// session can be reused before the first login.
	SessionCookie string `json:"session_cookie,omitempty"`

	PollInterval   string `json:"poll_interval,omitempty"`   // default "15s"
	LoginCooldown  string `json:"login_cooldown,omitempty"`  // default "10m"
	ErrorBackoff   string `json:"error_backoff,omitempty"`   // default "5s"
	RequestTimeout string `json:"request_timeout,omitempty"` // default "30s"
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"`
	Console *bool             `json:"console,omitempty"` // default true
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig controls the sqlite recipient directory.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// ExpiryConfig controls the daily recipient-expiration sweep.
// If the whole section is omitted, the sweep defaults to enabled.
type ExpiryConfig struct {
	Enabled bool   `json:"enabled"`
	Cron    string `json:"cron,omitempty"`        // default "0 9 * * *"
	Warn    string `json:"warn_window,omitempty"` // default "72h"
}

// NotifyConfig controls operator error reporting.
type NotifyConfig struct {
	RatePerSec int `json:"rate_per_sec,omitempty"` // default 1
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if len(c.Telegram.OwnerUserIDs) == 0 {
		return errors.New("telegram.owner_user_ids must not be empty")
	}
	lb := c.Loadboard
	if strings.TrimSpace(lb.BaseURL) == "" {
		return errors.New("loadboard.base_url is required")
	}
	if strings.TrimSpace(lb.LoginURL) == "" {
		return errors.New("loadboard.login_url is required")
	}
	if strings.TrimSpace(lb.BoardURL) == "" {
		return errors.New("loadboard.board_url is required")
	}
	if strings.TrimSpace(lb.Email) == "" || strings.TrimSpace(lb.Password) == "" {
		return errors.New("loadboard credentials are required")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	for _, pair := range []struct{ path, raw string }{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"loadboard.poll_interval", lb.PollInterval},
		{"loadboard.login_cooldown", lb.LoginCooldown},
		{"loadboard.error_backoff", lb.ErrorBackoff},
		{"loadboard.request_timeout", lb.RequestTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
	} {
		if _, err := ParseDurationField(pair.path, pair.raw); err != nil {
			return err
		}
	}
	if c.Expiry != nil {
		if _, err := ParseDurationField("expiry.warn_window", c.Expiry.Warn); err != nil {
			return err
		}
	}
	return nil
}

// IsOwner reports whether id belongs to the privileged operator set.
func (c *TelegramConfig) IsOwner(id int64) bool {
	for _, v := range c.OwnerUserIDs {
		if v == id {
			return true
		}
	}
	return false
}

// IsMuted reports whether id is excluded from load alerts.
func (c *TelegramConfig) IsMuted(id int64) bool {
	for _, v := range c.MutedUserIDs {
		if v == id {
			return true
		}
	}
	return false
}

func (c *LoggingConfig) ConsoleEnabled() bool {
	return c.Console == nil || *c.Console
}

func (c *ExpiryConfig) CronSpec() string {
	if c == nil || strings.TrimSpace(c.Cron) == "" {
		return "0 9 * * *"
	}
	return c.Cron
}

func (c *Config) String() string {
	// Never render credentials.
	return fmt.Sprintf("config{board=%s recipients_db=%s owners=%d}",
		c.Loadboard.BoardURL, c.Storage.Path, len(c.Telegram.OwnerUserIDs))
}
