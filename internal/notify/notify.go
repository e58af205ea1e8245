// Package notify reports operational errors to the configured operators.
//
// End recipients never see these messages; they only ever get well-formed
// load alerts or silence.
package notify

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	kit "loadbot/internal/transport"
	logx "loadbot/pkg/logx"
)

type Config struct {
	RatePerSec int // token bucket for outbound reports; default 1
}

type Reporter struct {
	mu        sync.Mutex
	cfg       Config
	operators []int64
	limiter   *rate.Limiter

	sender kit.Adapter
	log    logx.Logger
}

func New(cfg Config, operators []int64, sender kit.Adapter, log logx.Logger) *Reporter {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Reporter{sender: sender, log: log}
	r.Apply(cfg, operators)
	return r
}

// Apply swaps the rate limit and operator set at runtime.
func (r *Reporter) Apply(cfg Config, operators []int64) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	r.mu.Lock()
	r.cfg = cfg
	r.operators = append([]int64(nil), operators...)
	r.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	r.mu.Unlock()
}

// ReportError sends the message to every operator. Per-operator delivery
// failures are logged and tolerated; a reporting failure must never take
// down the caller.
func (r *Reporter) ReportError(ctx context.Context, text string) {
	r.mu.Lock()
	ops := r.operators
	lim := r.limiter
	r.mu.Unlock()

	if r.sender == nil || len(ops) == 0 {
		return
	}

	msg := "🚨 Bot error:\n\n" + text
	for _, id := range ops {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return
			}
		}
		_, err := r.sender.SendText(ctx, kit.ChatTarget{ChatID: id}, msg, &kit.SendOptions{DisablePreview: true})
		if err != nil {
			r.log.Warn("error report delivery failed", logx.Int64("operator_id", id), logx.Err(err))
		}
	}
}
