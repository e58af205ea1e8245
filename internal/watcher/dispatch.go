package watcher

import (
	"context"
	"time"

	"loadbot/internal/loadboard"
	"loadbot/internal/storage"
	kit "loadbot/internal/transport"
	logx "loadbot/pkg/logx"
)

// Report summarizes one dispatch batch: every delivery attempt made for one
// new load across the active recipients of one poll cycle.
type Report struct {
	RecordID string
	Sent     []int64
	Failed   []int64
	Skipped  []int64 // muted recipients
}

// dispatch renders the record once and attempts delivery to every recipient
// not in the muted set. A failure for one recipient never prevents delivery
// attempts to the rest, and the record counts as delivered regardless
// (at-most-once per load per process run, not guaranteed delivery).
func (w *Watcher) dispatch(ctx context.Context, rec loadboard.Record, recipients []storage.Recipient) Report {
	report := Report{RecordID: rec.ID}
	text := loadboard.FormatRecord(rec)

	for _, r := range recipients {
		if w.isMuted(r.ID) {
			report.Skipped = append(report.Skipped, r.ID)
			continue
		}

		start := time.Now()
		_, err := w.sender.SendText(ctx, kit.ChatTarget{ChatID: r.ID}, text, &kit.SendOptions{
			ParseMode:      "Markdown",
			DisablePreview: true,
		})
		if err != nil {
			report.Failed = append(report.Failed, r.ID)
			w.log.Warn("load alert delivery failed",
				logx.String("load_id", rec.ID),
				logx.Int64("recipient_id", r.ID),
				logx.Err(err),
			)
			continue
		}
		report.Sent = append(report.Sent, r.ID)
		w.log.Debug("load alert delivered",
			logx.String("load_id", rec.ID),
			logx.Int64("recipient_id", r.ID),
			logx.Duration("dur", time.Since(start)),
		)
	}

	return report
}
