package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures the sqlite recipient directory.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Recipient is one notification target.
//
// A recipient is active while ExpiresAt is in the future. Owners are seeded
// with a far-future expiration and never expire in practice.
type Recipient struct {
	ID        int64
	Name      string
	ExpiresAt time.Time
}

func (r Recipient) ActiveAt(now time.Time) bool { return r.ExpiresAt.After(now) }

// OwnerExpiry is the "never expires" sentinel used for operator rows.
var OwnerExpiry = time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)

// DefaultTerm is how long a newly added (or extended) recipient stays active.
const DefaultTerm = 30 * 24 * time.Hour
