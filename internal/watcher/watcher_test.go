package watcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"loadbot/internal/loadboard"
	"loadbot/internal/storage"
	kit "loadbot/internal/transport"
	logx "loadbot/pkg/logx"
)

// tableWith builds a tbody snapshot holding one well-formed row per load ID.
func tableWith(ids ...string) loadboard.Snapshot {
	var b strings.Builder
	b.WriteString("<tbody>")
	for i, id := range ids {
		fmt.Fprintf(&b, `<tr><td>%d</td><td><strong>%s</strong></td><td>100</td><td>p</td><td>d</td><td><ul><li>stop</li></ul></td></tr>`, i, id)
	}
	b.WriteString("</tbody>")
	return loadboard.Snapshot(b.String())
}

type fakeFetcher struct {
	snap loadboard.Snapshot
	err  error
}

func (f *fakeFetcher) Fetch(context.Context) (loadboard.Snapshot, error) { return f.snap, f.err }

type fakeDirectory struct {
	recipients []storage.Recipient
	err        error
	calls      int
}

func (d *fakeDirectory) ListActive(context.Context, time.Time) ([]storage.Recipient, error) {
	d.calls++
	return d.recipients, d.err
}

type sentMsg struct {
	chatID int64
	text   string
	opt    *kit.SendOptions
}

type fakeSender struct {
	sent    []sentMsg
	failFor map[int64]bool
}

func (s *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if s.failFor[to.ChatID] {
		return kit.MessageRef{}, errors.New("blocked by peer")
	}
	s.sent = append(s.sent, sentMsg{chatID: to.ChatID, text: text, opt: opt})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(s.sent)}, nil
}

type fakeReporter struct {
	reports []string
}

func (r *fakeReporter) ReportError(_ context.Context, text string) {
	r.reports = append(r.reports, text)
}

func recipients(ids ...int64) []storage.Recipient {
	out := make([]storage.Recipient, 0, len(ids))
	for _, id := range ids {
		out = append(out, storage.Recipient{ID: id, Name: fmt.Sprintf("user-%d", id)})
	}
	return out
}

func newTestWatcher(f Fetcher, d Directory, s Sender, r ErrorReporter, cfg Config) *Watcher {
	return New(cfg, f, d, s, r, logx.Nop())
}

func TestCycleDispatchesNewLoads(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{snap: tableWith("L100")}
	dir := &fakeDirectory{recipients: recipients(1, 2)}
	sender := &fakeSender{}
	w := newTestWatcher(fetcher, dir, sender, nil, Config{})

	w.cycle(context.Background())

	if len(sender.sent) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(sender.sent))
	}
	for _, m := range sender.sent {
		if !strings.Contains(m.text, "L100") {
			t.Fatalf("alert text missing load ID: %q", m.text)
		}
		if m.opt == nil || m.opt.ParseMode != "Markdown" || !m.opt.DisablePreview {
			t.Fatalf("unexpected send options: %+v", m.opt)
		}
	}

	// Identical snapshot: the equality gate short-circuits before parsing.
	dirCalls := dir.calls
	w.cycle(context.Background())
	if len(sender.sent) != 2 {
		t.Fatalf("unchanged snapshot re-dispatched: %d deliveries", len(sender.sent))
	}
	if dir.calls != dirCalls {
		t.Fatalf("unchanged snapshot still queried the directory")
	}
}

func TestCycleDedupAcrossSnapshots(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{snap: tableWith("L100")}
	dir := &fakeDirectory{recipients: recipients(1)}
	sender := &fakeSender{}
	w := newTestWatcher(fetcher, dir, sender, nil, Config{})

	w.cycle(context.Background())
	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(sender.sent))
	}

	// L100 is still on the board; only L101 is new.
	fetcher.snap = tableWith("L100", "L101")
	w.cycle(context.Background())

	if len(sender.sent) != 2 {
		t.Fatalf("expected exactly 1 more delivery, got %d total", len(sender.sent))
	}
	if !strings.Contains(sender.sent[1].text, "L101") {
		t.Fatalf("second alert should be L101, got %q", sender.sent[1].text)
	}
}

func TestCyclePartialFailureIsolation(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{snap: tableWith("L100")}
	dir := &fakeDirectory{recipients: recipients(1, 2, 3)}
	sender := &fakeSender{failFor: map[int64]bool{2: true}}
	w := newTestWatcher(fetcher, dir, sender, nil, Config{})

	w.cycle(context.Background())

	if len(sender.sent) != 2 {
		t.Fatalf("expected delivery to the non-failing recipients, got %d", len(sender.sent))
	}

	// At-most-once: the failed recipient is not retried on later cycles.
	sender.failFor = nil
	fetcher.snap = tableWith("L100", "L101")
	w.cycle(context.Background())

	for _, m := range sender.sent[2:] {
		if strings.Contains(m.text, "L100") {
			t.Fatalf("L100 was re-dispatched after partial failure")
		}
	}
}

func TestCycleMutedRecipientsSkipped(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{snap: tableWith("L100")}
	dir := &fakeDirectory{recipients: recipients(1, 2)}
	sender := &fakeSender{}
	w := newTestWatcher(fetcher, dir, sender, nil, Config{MutedUserIDs: []int64{2}})

	w.cycle(context.Background())

	if len(sender.sent) != 1 || sender.sent[0].chatID != 1 {
		t.Fatalf("expected only recipient 1, got %+v", sender.sent)
	}
}

func TestCycleDirectoryFailureKeepsBaseline(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{snap: tableWith("L100")}
	dir := &fakeDirectory{err: errors.New("db locked")}
	sender := &fakeSender{}
	reporter := &fakeReporter{}
	w := newTestWatcher(fetcher, dir, sender, reporter, Config{})

	w.cycle(context.Background())

	if len(sender.sent) != 0 {
		t.Fatalf("no deliveries expected on directory failure, got %d", len(sender.sent))
	}
	if len(reporter.reports) != 1 {
		t.Fatalf("expected 1 operator report, got %d", len(reporter.reports))
	}

	// The snapshot was not committed: once the directory recovers, the same
	// loads are re-detected and delivered.
	dir.err = nil
	dir.recipients = recipients(1)
	w.cycle(context.Background())

	if len(sender.sent) != 1 {
		t.Fatalf("expected delivery after directory recovery, got %d", len(sender.sent))
	}
}

func TestCycleFetchFailureIsQuiet(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{err: errors.New("origin down")}
	dir := &fakeDirectory{recipients: recipients(1)}
	sender := &fakeSender{}
	reporter := &fakeReporter{}
	w := newTestWatcher(fetcher, dir, sender, reporter, Config{})

	w.cycle(context.Background())

	if len(sender.sent) != 0 || len(reporter.reports) != 0 {
		t.Fatalf("fetch failure should only be logged; sent=%d reports=%d",
			len(sender.sent), len(reporter.reports))
	}
}

func TestCycleChangeWithoutNewLoads(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{snap: tableWith("L100")}
	dir := &fakeDirectory{recipients: recipients(1)}
	sender := &fakeSender{}
	w := newTestWatcher(fetcher, dir, sender, nil, Config{})

	w.cycle(context.Background())

	// Same row, different surrounding markup: snapshot differs, no new IDs.
	fetcher.snap = loadboard.Snapshot(strings.Replace(string(tableWith("L100")), "<td>0</td>", "<td> 0 </td>", 1))
	w.cycle(context.Background())

	if len(sender.sent) != 1 {
		t.Fatalf("textual churn re-dispatched: %d deliveries", len(sender.sent))
	}
}

func TestApplyDefaults(t *testing.T) {
	t.Parallel()

	w := newTestWatcher(&fakeFetcher{}, &fakeDirectory{}, &fakeSender{}, nil, Config{})
	if got := w.interval(); got != 15*time.Second {
		t.Fatalf("default interval = %v", got)
	}
	if got := w.Backoff(); got != 5*time.Second {
		t.Fatalf("default backoff = %v", got)
	}

	w.Apply(Config{PollInterval: time.Minute, ErrorBackoff: 2 * time.Second})
	if got := w.interval(); got != time.Minute {
		t.Fatalf("applied interval = %v", got)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{snap: tableWith()}
	w := newTestWatcher(fetcher, &fakeDirectory{}, &fakeSender{}, nil, Config{PollInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
