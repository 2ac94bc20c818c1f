package messages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"comms-pipeline/internal/audit"
	"comms-pipeline/internal/settings"
	"comms-pipeline/pkg/phone"

	"github.com/google/uuid"
)

var (
	ErrInvalidRecipient = errors.New("messages: invalid recipient")
	ErrEmptyBody        = errors.New("messages: body is required")
	ErrNoSenderAddress  = errors.New("messages: no sending address configured")
)

// Kicker nudges the sweeper after live traffic.
type Kicker interface {
	Kick()
}

type Journal interface {
	Record(ctx context.Context, t audit.EventType, subject, source, message string, details map[string]any)
}

type Deps struct {
	Repo       Repository
	Submitter  *Submitter
	Settings   settings.Reader
	Contacts   settings.ContactResolver
	Normalizer phone.Normalizer
	Kicker     Kicker
	Journal    Journal

	// EmailFrom is used when the request does not name a sender.
	EmailFrom string

	Log *slog.Logger
	Now func() time.Time
}

type Service struct {
	repo      Repository
	submitter *Submitter
	settings  settings.Reader
	contacts  settings.ContactResolver
	phones    phone.Normalizer
	kicker    Kicker
	journal   Journal
	emailFrom string

	log *slog.Logger
	now func() time.Time
}

func NewService(d Deps) *Service {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Service{
		repo:      d.Repo,
		submitter: d.Submitter,
		settings:  d.Settings,
		contacts:  d.Contacts,
		phones:    d.Normalizer,
		kicker:    d.Kicker,
		journal:   d.Journal,
		emailFrom: d.EmailFrom,
		log:       d.Log,
		now:       d.Now,
	}
}

type SendRequest struct {
	UserID       string
	WorkspaceID  string
	Channel      Channel
	To           string
	Subject      string
	Body         string
	ScheduledFor *time.Time
	ContactKey   string
}

// Send stores the message as queued. A message due now is submitted inline;
// a future one waits for the scheduler. Provider failures are reflected on the
// returned row, not as an error.
func (s *Service) Send(ctx context.Context, req SendRequest) (Message, error) {
	if strings.TrimSpace(req.Body) == "" {
		return Message{}, ErrEmptyBody
	}
	now := s.now().UTC()

	m := Message{
		ID:          uuid.NewString(),
		Channel:     req.Channel,
		Direction:   DirectionOutbound,
		Subject:     req.Subject,
		Body:        req.Body,
		Status:      StatusQueued,
		OwnerUserID: req.UserID,
		WorkspaceID: req.WorkspaceID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	switch req.Channel {
	case ChannelSMS:
		to := s.phones.E164(req.To)
		if !s.phones.Valid(to) {
			return Message{}, ErrInvalidRecipient
		}
		v, err := s.settings.ForUser(ctx, req.UserID)
		if errors.Is(err, settings.ErrNotFound) {
			return Message{}, ErrNoSenderAddress
		}
		if err != nil {
			return Message{}, fmt.Errorf("messages: load settings: %w", err)
		}
		if v.AssignedNumber == "" || (req.WorkspaceID != "" && v.WorkspaceID != req.WorkspaceID) {
			return Message{}, ErrNoSenderAddress
		}
		m.To, m.From, m.Subject = to, v.AssignedNumber, ""
	case ChannelEmail:
		addr, err := mail.ParseAddress(req.To)
		if err != nil {
			return Message{}, ErrInvalidRecipient
		}
		if s.emailFrom == "" {
			return Message{}, ErrNoSenderAddress
		}
		m.To, m.From = strings.ToLower(addr.Address), s.emailFrom
	default:
		return Message{}, fmt.Errorf("%w: channel %q", ErrInvalidArgument, req.Channel)
	}

	if req.ScheduledFor != nil && req.ScheduledFor.After(now) {
		at := req.ScheduledFor.UTC()
		m.ScheduledFor = &at
	}

	m.ContactKey = req.ContactKey
	if m.ContactKey == "" {
		key, err := settings.ResolveOrAddress(ctx, s.contacts, req.WorkspaceID, m.To)
		if err != nil {
			s.log.WarnContext(ctx, "contact lookup failed", slog.String("message_id", m.ID), slog.Any("err", err))
		}
		m.ContactKey = key
	}

	if err := s.repo.Create(ctx, m); err != nil {
		return Message{}, fmt.Errorf("messages: create: %w", err)
	}
	m.Version = 1

	if s.kicker != nil {
		s.kicker.Kick()
	}
	if m.ScheduledFor != nil {
		s.log.InfoContext(ctx, "message scheduled", slog.String("message_id", m.ID), slog.Time("scheduled_for", *m.ScheduledFor))
		return m, nil
	}
	return s.submitNow(ctx, m)
}

func (s *Service) submitNow(ctx context.Context, m Message) (Message, error) {
	tr, err := s.repo.Mutate(ctx, m.ID, func(cur Message) (Message, bool) {
		return ClaimForSubmit(cur, s.now().UTC())
	})
	if err != nil {
		return m, fmt.Errorf("messages: claim %s: %w", m.ID, err)
	}
	if !tr.Changed {
		// a scheduler pass got it first
		return tr.After, nil
	}
	out, _ := s.submitter.Submit(ctx, tr.After, AttemptFirst)
	return out, nil
}

// DeliveryEvent is a provider status callback for an accepted message.
type DeliveryEvent struct {
	ProviderMessageID string
	Status            Status
	ErrorCode         string
	ErrorMessage      string
}

// HandleDeliveryStatus applies a status callback. Unknown provider ids return
// ErrNotFound; the caller logs and drops them.
func (s *Service) HandleDeliveryStatus(ctx context.Context, ev DeliveryEvent) (Transition, error) {
	if ev.ProviderMessageID == "" || ev.Status.Rank() < 0 {
		return Transition{}, ErrInvalidArgument
	}
	m, err := s.repo.GetByProviderID(ctx, ev.ProviderMessageID)
	if err != nil {
		return Transition{}, err
	}
	now := s.now().UTC()
	tr, err := s.repo.Mutate(ctx, m.ID, func(cur Message) (Message, bool) {
		return ApplyDelivery(cur, ev.Status, ev.ErrorCode, ev.ErrorMessage, now)
	})
	if err != nil {
		return Transition{}, err
	}
	if s.journal != nil {
		t := audit.EventWebhookIgnored
		if tr.Changed {
			t = audit.EventWebhookApplied
		}
		s.journal.Record(ctx, t, m.ID, "message-status", "", map[string]any{
			"provider_message_id": ev.ProviderMessageID,
			"status":              ev.Status,
		})
	}
	return tr, nil
}

// InboundEvent is a message received from a counterparty.
type InboundEvent struct {
	ProviderMessageID string
	Channel           Channel
	From              string
	To                string
	Body              string
}

// RecordInbound stores a received message once per provider id.
func (s *Service) RecordInbound(ctx context.Context, ev InboundEvent) (Message, error) {
	if ev.ProviderMessageID == "" {
		return Message{}, ErrInvalidArgument
	}
	if existing, err := s.repo.GetByProviderID(ctx, ev.ProviderMessageID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return Message{}, err
	}

	now := s.now().UTC()
	channel := ev.Channel
	if channel == "" {
		channel = ChannelSMS
	}
	m := Message{
		ID:                uuid.NewString(),
		Channel:           channel,
		Direction:         DirectionInbound,
		To:                s.phones.E164(ev.To),
		From:              s.phones.E164(ev.From),
		Body:              ev.Body,
		Status:            StatusReceived,
		ProviderMessageID: ev.ProviderMessageID,
		CreatedAt:         now,
		UpdatedAt:         now,
		SentAt:            &now,
	}
	if s.settings != nil {
		v, err := s.settings.ForNumber(ctx, m.To)
		switch {
		case err == nil:
			m.OwnerUserID, m.WorkspaceID = v.UserID, v.WorkspaceID
			key, rerr := settings.ResolveOrAddress(ctx, s.contacts, v.WorkspaceID, m.From)
			if rerr != nil {
				s.log.WarnContext(ctx, "contact lookup failed", slog.String("message_id", m.ID), slog.Any("err", rerr))
			}
			m.ContactKey = key
		case !errors.Is(err, settings.ErrNotFound):
			s.log.WarnContext(ctx, "settings lookup failed", slog.String("to", m.To), slog.Any("err", err))
		}
	}

	if err := s.repo.Create(ctx, m); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return s.repo.GetByProviderID(ctx, ev.ProviderMessageID)
		}
		return Message{}, err
	}
	m.Version = 1
	return m, nil
}

// Get returns the row when it belongs to workspaceID.
func (s *Service) Get(ctx context.Context, workspaceID, id string) (Message, error) {
	m, err := s.repo.Get(ctx, id)
	if err != nil {
		return Message{}, err
	}
	if m.WorkspaceID != workspaceID {
		return Message{}, ErrNotFound
	}
	return m, nil
}
