package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "loadbot/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{
		Path:        filepath.Join(t.TempDir(), "recipients.db"),
		BusyTimeout: 2 * time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertGetRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	exp := time.Now().Add(DefaultTerm).UTC().Truncate(time.Millisecond)
	if err := s.Upsert(ctx, Recipient{ID: 42, Name: "Dispatcher A", ExpiresAt: exp}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, ok, err := s.Get(ctx, 42)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Name != "Dispatcher A" || !got.ExpiresAt.Equal(exp) {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	// Upsert replaces name and expiration.
	exp2 := exp.Add(24 * time.Hour)
	if err := s.Upsert(ctx, Recipient{ID: 42, Name: "Dispatcher B", ExpiresAt: exp2}); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}
	got, _, _ = s.Get(ctx, 42)
	if got.Name != "Dispatcher B" || !got.ExpiresAt.Equal(exp2) {
		t.Fatalf("upsert did not replace: %+v", got)
	}

	if n, err := s.CountAll(ctx); err != nil || n != 1 {
		t.Fatalf("CountAll = %d, %v", n, err)
	}
}

func TestUpsertRequiresName(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	if err := s.Upsert(context.Background(), Recipient{ID: 1, Name: "  "}); err == nil {
		t.Fatal("expected error for blank name")
	}
}

func TestGetMissing(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	_, ok, err := s.Get(context.Background(), 999)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected missing recipient")
	}
}

func TestSeedOwnerIsIdempotent(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SeedOwner(ctx, 7, "Operator"); err != nil {
		t.Fatalf("SeedOwner: %v", err)
	}

	// A later seed must not clobber manual edits.
	custom := time.Now().Add(time.Hour).UTC().Truncate(time.Millisecond)
	if err := s.Upsert(ctx, Recipient{ID: 7, Name: "Renamed", ExpiresAt: custom}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := s.SeedOwner(ctx, 7, "Operator"); err != nil {
		t.Fatalf("second SeedOwner: %v", err)
	}

	got, _, _ := s.Get(ctx, 7)
	if got.Name != "Renamed" || !got.ExpiresAt.Equal(custom) {
		t.Fatalf("seed overwrote existing row: %+v", got)
	}
}

func TestExtendAndRemove(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	if err := s.Upsert(ctx, Recipient{ID: 1, Name: "a", ExpiresAt: now}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	until := now.Add(DefaultTerm)
	ok, err := s.Extend(ctx, 1, until)
	if err != nil || !ok {
		t.Fatalf("Extend: ok=%v err=%v", ok, err)
	}
	got, _, _ := s.Get(ctx, 1)
	if !got.ExpiresAt.Equal(until) {
		t.Fatalf("Extend did not apply: %+v", got)
	}

	ok, err = s.Extend(ctx, 2, until)
	if err != nil {
		t.Fatalf("Extend missing: %v", err)
	}
	if ok {
		t.Fatal("Extend on missing recipient reported success")
	}

	if err := s.Remove(ctx, 1); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok, _ := s.Get(ctx, 1); ok {
		t.Fatal("recipient still present after Remove")
	}
}

func TestListActiveFiltersExpired(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	fixtures := []Recipient{
		{ID: 1, Name: "active", ExpiresAt: now.Add(time.Hour)},
		{ID: 2, Name: "expired", ExpiresAt: now.Add(-time.Hour)},
		{ID: 3, Name: "owner", ExpiresAt: OwnerExpiry},
	}
	for _, r := range fixtures {
		if err := s.Upsert(ctx, r); err != nil {
			t.Fatalf("Upsert %d: %v", r.ID, err)
		}
	}

	active, err := s.ListActive(ctx, now)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 2 || active[0].ID != 1 || active[1].ID != 3 {
		t.Fatalf("unexpected active set: %+v", active)
	}

	all, err := s.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("ListAll = %d rows", len(all))
	}
}

func TestListExpiringWindow(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	fixtures := []Recipient{
		{ID: 1, Name: "soon", ExpiresAt: now.Add(24 * time.Hour)},
		{ID: 2, Name: "later", ExpiresAt: now.Add(10 * 24 * time.Hour)},
		{ID: 3, Name: "gone", ExpiresAt: now.Add(-time.Minute)},
	}
	for _, r := range fixtures {
		if err := s.Upsert(ctx, r); err != nil {
			t.Fatalf("Upsert %d: %v", r.ID, err)
		}
	}

	expiring, err := s.ListExpiring(ctx, now, now.Add(72*time.Hour))
	if err != nil {
		t.Fatalf("ListExpiring: %v", err)
	}
	if len(expiring) != 1 || expiring[0].ID != 1 {
		t.Fatalf("unexpected expiring set: %+v", expiring)
	}

	expired, err := s.ListExpired(ctx, now)
	if err != nil {
		t.Fatalf("ListExpired: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != 3 {
		t.Fatalf("unexpected expired set: %+v", expired)
	}
}

func TestRecipientActiveAt(t *testing.T) {
	t.Parallel()
	now := time.Now()

	r := Recipient{ExpiresAt: now.Add(time.Second)}
	if !r.ActiveAt(now) {
		t.Fatal("future expiration should be active")
	}
	if r.ActiveAt(now.Add(2 * time.Second)) {
		t.Fatal("past expiration should be inactive")
	}
}

func TestClosedStore(t *testing.T) {
	t.Parallel()
	var s *Store

	if err := s.Remove(context.Background(), 1); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := s.ListAll(context.Background()); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
