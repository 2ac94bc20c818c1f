package messages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"comms-pipeline/internal/telephony"

	"golang.org/x/time/rate"
)

// ErrNoSender means no adapter is configured for the channel.
var ErrNoSender = errors.New("messages: no sender for channel")

// Attempt identifies who submitted a claimed row; it decides what a
// transient failure does.
type Attempt int

const (
	// AttemptFirst is the inline send or a scheduler pass.
	AttemptFirst Attempt = iota
	// AttemptSweep is a recovery attempt; transient failures count toward
	// the sweep limit.
	AttemptSweep
)

// Submitter hands one claimed row to its channel adapter and records the
// outcome. SMS and email go through the same path.
type Submitter struct {
	repo    Repository
	senders map[Channel]telephony.MessageSender
	pacing  map[Channel]*rate.Limiter

	statusCallbackURL string
	maxSweepAttempts  int
	timeout           time.Duration

	log *slog.Logger
	now func() time.Time
}

type SubmitterOptions struct {
	Senders map[Channel]telephony.MessageSender
	// SMSLimiter paces SMS submissions to the provider's throughput. Nil
	// disables pacing.
	SMSLimiter        *rate.Limiter
	StatusCallbackURL string
	MaxSweepAttempts  int
	Timeout           time.Duration
	Log               *slog.Logger
	Now               func() time.Time
}

func NewSubmitter(repo Repository, o SubmitterOptions) *Submitter {
	if o.MaxSweepAttempts <= 0 {
		o.MaxSweepAttempts = 1
	}
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	if o.Log == nil {
		o.Log = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	pacing := map[Channel]*rate.Limiter{}
	if o.SMSLimiter != nil {
		pacing[ChannelSMS] = o.SMSLimiter
	}
	return &Submitter{
		repo:              repo,
		senders:           o.Senders,
		pacing:            pacing,
		statusCallbackURL: o.StatusCallbackURL,
		maxSweepAttempts:  o.MaxSweepAttempts,
		timeout:           o.Timeout,
		log:               o.Log,
		now:               o.Now,
	}
}

// Submit sends a row that the caller already claimed (status sending) and
// persists the result. The returned error is the provider failure, if any;
// the row has been updated either way.
func (s *Submitter) Submit(ctx context.Context, m Message, attempt Attempt) (Message, error) {
	if m.Status != StatusSending {
		return m, fmt.Errorf("messages: submit %s in status %s: %w", m.ID, m.Status, ErrInvalidArgument)
	}
	log := s.log.With(slog.String("message_id", m.ID), slog.String("channel", string(m.Channel)))

	acc, sendErr := s.send(ctx, m)

	// The provider may already hold the message; the outcome must be recorded
	// even if the caller's context is gone.
	wctx := context.WithoutCancel(ctx)
	now := s.now().UTC()

	var fn Mutation
	switch {
	case sendErr == nil:
		status, _ := ParseProviderStatus(acc.Status)
		fn = func(cur Message) (Message, bool) { return MarkAccepted(cur, acc.ProviderMessageID, status, now) }
	case telephony.IsRejected(sendErr):
		reason, code := telephony.Reason(sendErr), telephony.ErrorCode(sendErr)
		fn = func(cur Message) (Message, bool) { return MarkRejected(cur, reason, code, now) }
	case attempt == AttemptSweep:
		reason, code := telephony.Reason(sendErr), telephony.ErrorCode(sendErr)
		fn = func(cur Message) (Message, bool) {
			return MarkSweepFailure(cur, reason, code, s.maxSweepAttempts, now)
		}
	default:
		reason := telephony.Reason(sendErr)
		fn = func(cur Message) (Message, bool) { return MarkTransient(cur, reason, now) }
	}

	tr, err := s.repo.Mutate(wctx, m.ID, fn)
	if err != nil {
		log.ErrorContext(wctx, "record submission outcome failed", slog.Any("err", err), slog.Any("send_err", sendErr))
		return m, errors.Join(sendErr, err)
	}
	out := tr.After
	if sendErr != nil {
		log.WarnContext(wctx, "message submission failed",
			slog.String("status", string(out.Status)),
			slog.Bool("rejected", telephony.IsRejected(sendErr)),
			slog.Any("err", sendErr),
		)
		return out, sendErr
	}
	log.InfoContext(wctx, "message accepted", slog.String("provider_message_id", out.ProviderMessageID))
	return out, nil
}

func (s *Submitter) send(ctx context.Context, m Message) (telephony.MessageAccepted, error) {
	sender, ok := s.senders[m.Channel]
	if !ok || sender == nil {
		return telephony.MessageAccepted{}, telephony.NewRejected("pipeline", "", ErrNoSender.Error()+" "+string(m.Channel))
	}
	if lim := s.pacing[m.Channel]; lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return telephony.MessageAccepted{}, telephony.NewTransient("pipeline", "rate limiter wait aborted", err)
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	acc, err := sender.Send(sendCtx, telephony.OutboundMessage{
		Reference:         m.ID,
		To:                m.To,
		From:              m.From,
		Subject:           m.Subject,
		Body:              m.Body,
		StatusCallbackURL: s.statusCallbackURL,
	})
	if err != nil {
		var pe *telephony.ProviderError
		if !errors.As(err, &pe) {
			err = telephony.NewTransient("pipeline", err.Error(), err)
		}
		return telephony.MessageAccepted{}, err
	}
	if acc.ProviderMessageID == "" {
		return telephony.MessageAccepted{}, telephony.NewTransient("pipeline", "provider returned no message id", nil)
	}
	return acc, nil
}
