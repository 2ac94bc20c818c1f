package messages

import (
	"context"
	"log/slog"
	"time"

	"comms-pipeline/internal/audit"

	"golang.org/x/time/rate"
)

// Sweeper recovers outbound messages stuck in queued or sending without a
// provider id. Each pass handles at most BatchSize rows and re-attempts each
// once.
type Sweeper struct {
	repo      Repository
	submitter *Submitter
	guard     PassGuard
	journal   Journal

	interval   time.Duration
	staleAfter time.Duration
	batchSize  int

	kicks   chan struct{}
	limiter *rate.Limiter

	log *slog.Logger
	now func() time.Time
}

type SweeperOptions struct {
	Interval   time.Duration
	StaleAfter time.Duration
	BatchSize  int
	// KickMinInterval bounds how often live traffic can trigger a pass.
	KickMinInterval time.Duration
	Guard           PassGuard
	Journal         Journal
	Log             *slog.Logger
	Now             func() time.Time
}

// SweepReport summarizes one pass.
type SweepReport struct {
	Scanned int
	Sent    int
	Failed  int
	Requeue int
	Errors  int
}

func NewSweeper(repo Repository, submitter *Submitter, o SweeperOptions) *Sweeper {
	if o.Interval <= 0 {
		o.Interval = time.Minute
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 5 * time.Minute
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.KickMinInterval <= 0 {
		o.KickMinInterval = 15 * time.Second
	}
	if o.Log == nil {
		o.Log = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return &Sweeper{
		repo:       repo,
		submitter:  submitter,
		guard:      o.Guard,
		journal:    o.Journal,
		interval:   o.Interval,
		staleAfter: o.StaleAfter,
		batchSize:  o.BatchSize,
		kicks:      make(chan struct{}, 1),
		limiter:    rate.NewLimiter(rate.Every(o.KickMinInterval), 1),
		log:        o.Log,
		now:        o.Now,
	}
}

// Kick requests an early pass. Calls beyond the kick rate are dropped.
func (s *Sweeper) Kick() {
	if !s.limiter.Allow() {
		return
	}
	select {
	case s.kicks <- struct{}{}:
	default:
	}
}

// Sweep runs one pass. A failure on one row never stops the others.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	_, err := withLease(ctx, s.guard, "sweeper", s.log, func(ctx context.Context) error {
		now := s.now().UTC()
		cutoff := now.Add(-s.staleAfter)
		stale, err := s.repo.ListStale(ctx, cutoff, s.batchSize)
		if err != nil {
			return err
		}
		rep.Scanned = len(stale)
		for _, m := range stale {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.sweepOne(ctx, m, cutoff, now, &rep)
		}
		return nil
	})
	return rep, err
}

func (s *Sweeper) sweepOne(ctx context.Context, m Message, cutoff, now time.Time, rep *SweepReport) {
	log := s.log.With(slog.String("message_id", m.ID))

	tr, err := s.repo.Mutate(ctx, m.ID, func(cur Message) (Message, bool) {
		return ClaimForSweep(cur, cutoff, now)
	})
	if err != nil {
		rep.Errors++
		log.ErrorContext(ctx, "sweep claim failed", slog.Any("err", err))
		return
	}
	if !tr.Changed {
		return
	}

	out, sendErr := s.submitter.Submit(ctx, tr.After, AttemptSweep)
	switch {
	case out.Status == StatusFailed:
		rep.Failed++
	case out.ProviderMessageID != "":
		rep.Sent++
	case sendErr != nil && out.Status == StatusSending:
		// outcome could not be recorded; the row stays claimed until the next pass
		rep.Errors++
	default:
		rep.Requeue++
	}

	if s.journal != nil {
		details := map[string]any{"status": out.Status, "sweep_attempts": out.SweepAttempts}
		if sendErr != nil {
			details["error"] = sendErr.Error()
		}
		s.journal.Record(ctx, audit.EventSweepOutcome, m.ID, "sweeper", string(out.Status), details)
	}
	log.InfoContext(ctx, "swept message",
		slog.String("status", string(out.Status)),
		slog.Int("sweep_attempts", out.SweepAttempts),
	)
}

// Run sweeps on the interval and on kicks until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	s.log.InfoContext(ctx, "sweeper started",
		slog.Duration("interval", s.interval),
		slog.Duration("stale_after", s.staleAfter),
		slog.Int("batch_size", s.batchSize),
	)
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		case <-s.kicks:
		}
		rep, err := s.Sweep(ctx)
		if err != nil && ctx.Err() == nil {
			s.log.ErrorContext(ctx, "sweep failed", slog.Any("err", err))
			continue
		}
		if rep.Scanned > 0 {
			s.log.InfoContext(ctx, "sweep pass",
				slog.Int("scanned", rep.Scanned),
				slog.Int("sent", rep.Sent),
				slog.Int("failed", rep.Failed),
				slog.Int("requeued", rep.Requeue),
				slog.Int("errors", rep.Errors),
			)
		}
	}
}
