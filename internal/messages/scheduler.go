package messages

import (
	"context"
	"log/slog"
	"time"
)

// Scheduler submits queued messages whose scheduled time has come.
type Scheduler struct {
	repo      Repository
	submitter *Submitter
	guard     PassGuard

	interval time.Duration
	pageSize int

	log *slog.Logger
	now func() time.Time
}

type SchedulerOptions struct {
	Interval time.Duration
	PageSize int
	Guard    PassGuard
	Log      *slog.Logger
	Now      func() time.Time
}

func NewScheduler(repo Repository, submitter *Submitter, o SchedulerOptions) *Scheduler {
	if o.Interval <= 0 {
		o.Interval = time.Minute
	}
	if o.PageSize <= 0 {
		o.PageSize = 50
	}
	if o.Log == nil {
		o.Log = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return &Scheduler{
		repo:      repo,
		submitter: submitter,
		guard:     o.Guard,
		interval:  o.Interval,
		pageSize:  o.PageSize,
		log:       o.Log,
		now:       o.Now,
	}
}

// RunPass submits one page of due messages and returns how many it claimed.
func (s *Scheduler) RunPass(ctx context.Context) (int, error) {
	claimed := 0
	_, err := withLease(ctx, s.guard, "scheduler", s.log, func(ctx context.Context) error {
		now := s.now().UTC()
		due, err := s.repo.ListDue(ctx, now, s.pageSize)
		if err != nil {
			return err
		}
		for _, m := range due {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			tr, err := s.repo.Mutate(ctx, m.ID, func(cur Message) (Message, bool) {
				return ClaimForSubmit(cur, now)
			})
			if err != nil {
				s.log.ErrorContext(ctx, "claim scheduled message", slog.String("message_id", m.ID), slog.Any("err", err))
				continue
			}
			if !tr.Changed {
				continue
			}
			claimed++
			// outcome is on the row; errors are logged by the submitter
			_, _ = s.submitter.Submit(ctx, tr.After, AttemptFirst)
		}
		return nil
	})
	return claimed, err
}

// Run drives RunPass on the configured interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.InfoContext(ctx, "scheduler started", slog.Duration("interval", s.interval), slog.Int("page_size", s.pageSize))
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		if n, err := s.RunPass(ctx); err != nil && ctx.Err() == nil {
			s.log.ErrorContext(ctx, "scheduler pass failed", slog.Any("err", err))
		} else if n > 0 {
			s.log.InfoContext(ctx, "scheduler pass", slog.Int("submitted", n))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
