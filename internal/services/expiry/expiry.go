// Package expiry runs the scheduled recipient-expiration sweep: recipients
// nearing expiration get a direct warning, and the expired list is reported
// to the operators.
package expiry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"loadbot/internal/storage"
	kit "loadbot/internal/transport"
	logx "loadbot/pkg/logx"
)

type Config struct {
	CronSpec   string        // default "0 9 * * *"
	WarnWindow time.Duration // default 72h
}

type Directory interface {
	ListExpiring(ctx context.Context, from, to time.Time) ([]storage.Recipient, error)
	ListExpired(ctx context.Context, asOf time.Time) ([]storage.Recipient, error)
}

type Service struct {
	cfg    Config
	dir    Directory
	sender kit.Adapter
	log    logx.Logger

	mu        sync.Mutex
	operators []int64

	cron *cron.Cron
	now  func() time.Time // test hook
}

func New(cfg Config, dir Directory, sender kit.Adapter, operators []int64, log logx.Logger) *Service {
	if strings.TrimSpace(cfg.CronSpec) == "" {
		cfg.CronSpec = "0 9 * * *"
	}
	if cfg.WarnWindow <= 0 {
		cfg.WarnWindow = 72 * time.Hour
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:    cfg,
		dir:    dir,
		sender: sender,
		log:    log,
		now:    time.Now,
	}
	s.SetOperators(operators)
	return s
}

// SetOperators swaps the report targets (config reload).
func (s *Service) SetOperators(ids []int64) {
	s.mu.Lock()
	s.operators = append([]int64(nil), ids...)
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(s.cfg.CronSpec, func() {
		sctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		s.Sweep(sctx)
	})
	if err != nil {
		return fmt.Errorf("expiry: invalid cron spec %q: %w", s.cfg.CronSpec, err)
	}
	s.cron = c
	c.Start()
	s.log.Info("expiry sweep scheduled", logx.String("cron", s.cfg.CronSpec))
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	done := s.cron.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep runs one pass. Exposed for on-demand runs and tests.
func (s *Service) Sweep(ctx context.Context) {
	now := s.now()

	expiring, err := s.dir.ListExpiring(ctx, now, now.Add(s.cfg.WarnWindow))
	if err != nil {
		s.log.Error("expiring lookup failed", logx.Err(err))
	} else {
		for _, rec := range expiring {
			msg := fmt.Sprintf("⚠️ Your load alert access expires on %s. Contact support to renew.",
				rec.ExpiresAt.Format("2006-01-02 15:04:05"))
			_, err := s.sender.SendText(ctx, kit.ChatTarget{ChatID: rec.ID}, msg, nil)
			if err != nil {
				s.log.Warn("expiry warning delivery failed", logx.Int64("recipient_id", rec.ID), logx.Err(err))
			}
		}
	}

	expired, err := s.dir.ListExpired(ctx, now)
	if err != nil {
		s.log.Error("expired lookup failed", logx.Err(err))
		return
	}
	if len(expired) == 0 {
		s.log.Debug("expiry sweep: nothing expired")
		return
	}

	var b strings.Builder
	b.WriteString("🚨 The following recipients have expired:\n\n")
	for _, rec := range expired {
		fmt.Fprintf(&b, "👤 %s (ID: %d) - expired on %s\n",
			rec.Name, rec.ID, rec.ExpiresAt.Format("2006-01-02 15:04:05"))
	}

	s.mu.Lock()
	ops := s.operators
	s.mu.Unlock()

	for _, id := range ops {
		_, err := s.sender.SendText(ctx, kit.ChatTarget{ChatID: id}, b.String(), nil)
		if err != nil {
			s.log.Warn("expired report delivery failed", logx.Int64("operator_id", id), logx.Err(err))
		}
	}
	s.log.Info("expiry sweep finished", logx.Int("expiring", len(expiring)), logx.Int("expired", len(expired)))
}
