// Package watcher drives the poll loop: fetch the loads table, detect new
// rows, and fan alerts out to the active recipients.
package watcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"loadbot/internal/loadboard"
	"loadbot/internal/storage"
	kit "loadbot/internal/transport"
	logx "loadbot/pkg/logx"
)

// Fetcher returns the current loads-table snapshot (logging in as needed).
type Fetcher interface {
	Fetch(ctx context.Context) (loadboard.Snapshot, error)
}

// Directory lists the recipients eligible for alerts as of now.
// It is queried every cycle so command-side changes apply immediately.
type Directory interface {
	ListActive(ctx context.Context, now time.Time) ([]storage.Recipient, error)
}

// Sender delivers one message to one chat. Satisfied by the transport adapter.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

// ErrorReporter surfaces unhandled loop errors to the operators.
type ErrorReporter interface {
	ReportError(ctx context.Context, text string)
}

type Config struct {
	PollInterval time.Duration // default 15s
	ErrorBackoff time.Duration // default 5s; used by the supervisor restart hook
	MutedUserIDs []int64       // recipients excluded from alerts
}

// Watcher owns all poll-loop state: the previous snapshot, the delivered-ID
// set, and (through the Fetcher) the login session. The loop goroutine is
// the sole mutator of that state; command handlers only ever touch the
// recipient directory.
type Watcher struct {
	fetcher  Fetcher
	dir      Directory
	sender   Sender
	reporter ErrorReporter
	log      logx.Logger

	// cfg is swappable at runtime (config reload); guarded by cfgMu.
	cfgMu sync.Mutex
	cfg   Config
	muted map[int64]struct{}

	// Loop-owned state. No locks: single writer, no other readers.
	prev     loadboard.Snapshot
	havePrev bool
	seen     *dedupSet

	now func() time.Time // test hook
}

func New(cfg Config, fetcher Fetcher, dir Directory, sender Sender, reporter ErrorReporter, log logx.Logger) *Watcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	w := &Watcher{
		fetcher:  fetcher,
		dir:      dir,
		sender:   sender,
		reporter: reporter,
		log:      log,
		seen:     newDedupSet(),
		now:      time.Now,
	}
	w.Apply(cfg)
	return w
}

// Apply swaps the reloadable knobs (interval, muted set) at runtime.
func (w *Watcher) Apply(cfg Config) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 5 * time.Second
	}
	muted := make(map[int64]struct{}, len(cfg.MutedUserIDs))
	for _, id := range cfg.MutedUserIDs {
		muted[id] = struct{}{}
	}
	w.cfgMu.Lock()
	w.cfg = cfg
	w.muted = muted
	w.cfgMu.Unlock()
}

func (w *Watcher) interval() time.Duration {
	w.cfgMu.Lock()
	defer w.cfgMu.Unlock()
	return w.cfg.PollInterval
}

// Backoff returns the restart delay for unhandled loop errors.
func (w *Watcher) Backoff() time.Duration {
	w.cfgMu.Lock()
	defer w.cfgMu.Unlock()
	return w.cfg.ErrorBackoff
}

func (w *Watcher) isMuted(id int64) bool {
	w.cfgMu.Lock()
	defer w.cfgMu.Unlock()
	_, ok := w.muted[id]
	return ok
}

// Run polls forever until ctx is canceled. Cycles never overlap: each cycle
// finishes (or is abandoned on error) before the next sleep begins.
func (w *Watcher) Run(ctx context.Context) error {
	w.log.Info("watcher started", logx.Duration("interval", w.interval()))
	for {
		w.cycle(ctx)
		select {
		case <-ctx.Done():
			w.log.Info("watcher stopped")
			return ctx.Err()
		case <-time.After(w.interval()):
		}
	}
}

// cycle runs one poll: fetch, compare, parse, dispatch, commit.
func (w *Watcher) cycle(ctx context.Context) {
	snap, err := w.fetcher.Fetch(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		// Fetch failures are routine (cooldowns, origin flaps); log and wait
		// for the next tick.
		w.log.Warn("fetch failed", logx.Err(err))
		return
	}

	if w.havePrev && snap == w.prev {
		w.log.Debug("no change")
		return
	}

	records := loadboard.ExtractRecords(snap)

	var fresh []loadboard.Record
	for _, rec := range records {
		if w.seen.IsNew(rec.ID) {
			fresh = append(fresh, rec)
		}
	}

	if len(fresh) > 0 {
		recipients, err := w.dir.ListActive(ctx, w.now())
		if err != nil {
			// Leave the previous snapshot in place so these records are
			// re-detected next cycle instead of being lost.
			w.log.Error("recipient lookup failed", logx.Err(err))
			if w.reporter != nil {
				w.reporter.ReportError(ctx, "recipient lookup failed: "+err.Error())
			}
			return
		}

		w.log.Info("board update detected",
			logx.Int("rows", len(records)),
			logx.Int("new", len(fresh)),
			logx.Int("recipients", len(recipients)),
		)

		// Page order is dispatch order.
		for _, rec := range fresh {
			report := w.dispatch(ctx, rec, recipients)
			w.seen.MarkDelivered(rec.ID)
			fields := []logx.Field{
				logx.String("load_id", rec.ID),
				logx.Int("sent", len(report.Sent)),
				logx.Int("failed", len(report.Failed)),
				logx.Int("skipped", len(report.Skipped)),
			}
			if len(report.Failed) > 0 {
				w.log.Warn("load alert batch finished with failures", fields...)
			} else {
				w.log.Info("load alert batch finished", fields...)
			}
		}
	} else if len(records) > 0 {
		w.log.Debug("snapshot changed without new loads", logx.Int("rows", len(records)))
	}

	// The new snapshot becomes the baseline even when nothing was new, so
	// textual churn stops triggering re-parses.
	w.prev = snap
	w.havePrev = true
}
