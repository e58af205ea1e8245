package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "loadbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Store is the sqlite-backed recipient directory.
//
// The watcher reads it every poll cycle and command handlers write it, so
// all methods are safe for concurrent use (serialized by database/sql with
// a single connection).
type Store struct {
	db  *sql.DB
	log logx.Logger
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &Store{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SeedOwner inserts an operator row with the far-future expiration.
// Existing rows are left untouched.
func (s *Store) SeedOwner(ctx context.Context, id int64, name string) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recipients(id, name, expires_at) VALUES(?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		id, name, OwnerExpiry.UnixMilli(),
	)
	return err
}

// Upsert adds a recipient or refreshes an existing one's name and expiration.
func (s *Store) Upsert(ctx context.Context, r Recipient) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("recipient name is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recipients(id, name, expires_at) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, expires_at=excluded.expires_at`,
		r.ID, r.Name, r.ExpiresAt.UnixMilli(),
	)
	return err
}

// Extend moves a recipient's expiration to until.
// Returns false if the recipient does not exist.
func (s *Store) Extend(ctx context.Context, id int64, until time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE recipients SET expires_at = ? WHERE id = ?`,
		until.UnixMilli(), id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) Remove(ctx context.Context, id int64) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM recipients WHERE id = ?`, id)
	return err
}

func (s *Store) Get(ctx context.Context, id int64) (Recipient, bool, error) {
	if s == nil || s.db == nil {
		return Recipient{}, false, ErrClosed
	}
	var (
		r  Recipient
		ms int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, expires_at FROM recipients WHERE id = ?`, id,
	).Scan(&r.ID, &r.Name, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return Recipient{}, false, nil
	}
	if err != nil {
		return Recipient{}, false, err
	}
	r.ExpiresAt = time.UnixMilli(ms).UTC()
	return r, true, nil
}

// ListActive returns recipients whose expiration is after now, ordered by id.
func (s *Store) ListActive(ctx context.Context, now time.Time) ([]Recipient, error) {
	return s.list(ctx,
		`SELECT id, name, expires_at FROM recipients WHERE expires_at > ? ORDER BY id`,
		now.UnixMilli())
}

func (s *Store) ListAll(ctx context.Context) ([]Recipient, error) {
	return s.list(ctx, `SELECT id, name, expires_at FROM recipients ORDER BY id`)
}

// ListExpiring returns recipients expiring within (from, to], ordered by expiration.
func (s *Store) ListExpiring(ctx context.Context, from, to time.Time) ([]Recipient, error) {
	return s.list(ctx,
		`SELECT id, name, expires_at FROM recipients
		 WHERE expires_at > ? AND expires_at <= ? ORDER BY expires_at`,
		from.UnixMilli(), to.UnixMilli())
}

// ListExpired returns recipients whose expiration is at or before asOf.
func (s *Store) ListExpired(ctx context.Context, asOf time.Time) ([]Recipient, error) {
	return s.list(ctx,
		`SELECT id, name, expires_at FROM recipients WHERE expires_at <= ? ORDER BY expires_at`,
		asOf.UnixMilli())
}

func (s *Store) CountAll(ctx context.Context) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM recipients`).Scan(&n)
	return n, err
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]Recipient, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Recipient
	for rows.Next() {
		var (
			r  Recipient
			ms int64
		)
		if err := rows.Scan(&r.ID, &r.Name, &ms); err != nil {
			return nil, err
		}
		r.ExpiresAt = time.UnixMilli(ms).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
