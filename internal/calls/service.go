package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"comms-pipeline/internal/audit"
	"comms-pipeline/internal/settings"
	"comms-pipeline/internal/telephony"
	"comms-pipeline/pkg/phone"
)

var (
	ErrNoVoIPSettings = errors.New("calls: caller has no usable voip settings")
	ErrInvalidNumber  = errors.New("calls: destination is not a dialable number")
	ErrNoRecording    = errors.New("calls: call has no recording")
)

// TranscriptionQueue accepts transcription jobs. Implementations must be safe
// to call twice for one SID; the state machine only calls it once.
type TranscriptionQueue interface {
	EnqueueTranscription(ctx context.Context, callSID string) error
}

// Journal is the best-effort event log.
type Journal interface {
	Record(ctx context.Context, t audit.EventType, subject, source, message string, details map[string]any)
}

type nopJournal struct{}

func (nopJournal) Record(context.Context, audit.EventType, string, string, string, map[string]any) {}

// Callbacks are the public webhook URLs handed to the provider.
type Callbacks struct {
	VoiceURL     string
	StatusURL    string
	RecordingURL string
}

type Deps struct {
	Repo     Repository
	Queue    TranscriptionQueue
	Settings settings.Reader
	Contacts settings.ContactResolver
	Dialer   telephony.CallPlacer
	Fetcher  telephony.RecordingFetcher
	Journal  Journal

	Callbacks  Callbacks
	Normalizer phone.Normalizer

	// DefaultPolicy applies when the owner has no settings row.
	DefaultPolicy Policy

	Log *slog.Logger
	Now func() time.Time
}

// Service drives CallRecords from provider events and user actions.
type Service struct {
	repo     Repository
	queue    TranscriptionQueue
	settings settings.Reader
	contacts settings.ContactResolver
	dialer   telephony.CallPlacer
	fetcher  telephony.RecordingFetcher
	journal  Journal

	callbacks Callbacks
	phones    phone.Normalizer
	policy    Policy

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
	if d.Journal == nil {
		d.Journal = nopJournal{}
	}
	return &Service{
		repo:      d.Repo,
		queue:     d.Queue,
		settings:  d.Settings,
		contacts:  d.Contacts,
		dialer:    d.Dialer,
		fetcher:   d.Fetcher,
		journal:   d.Journal,
		callbacks: d.Callbacks,
		phones:    d.Normalizer,
		policy:    d.DefaultPolicy,
		log:       d.Log,
		now:       d.Now,
	}
}

// HandleStatus applies one call progress webhook. An unseen SID creates the
// record first; redelivered and out-of-order events are no-ops.
func (s *Service) HandleStatus(ctx context.Context, ev StatusEvent) (Transition, error) {
	if strings.TrimSpace(ev.CallSID) == "" || ev.Status.Rank() < 0 {
		return Transition{}, ErrInvalidArgument
	}
	now := s.now().UTC()
	ev.Direction = effectiveDirection(ev.Direction, ev.From)

	rec, err := s.ensure(ctx, ev.CallSID, ev.Direction, ev.From, ev.To, ev.ContactKey, now)
	if err != nil {
		return Transition{}, err
	}
	p := s.policyFor(ctx, rec)

	tr, err := s.repo.Mutate(ctx, ev.CallSID, func(cur CallRecord) (CallRecord, bool) {
		return ApplyStatus(cur, ev, p, now)
	})
	if err != nil {
		return Transition{}, err
	}
	return s.afterTransition(ctx, tr, "call-status", string(ev.Status)), nil
}

// HandleRecording attaches a completed recording reference.
func (s *Service) HandleRecording(ctx context.Context, ev RecordingEvent) (Transition, error) {
	if strings.TrimSpace(ev.CallSID) == "" {
		return Transition{}, ErrInvalidArgument
	}
	if !ev.Available || ev.RecordingURL == "" {
		s.journal.Record(ctx, audit.EventWebhookIgnored, ev.CallSID, "recording-status", "recording not available", nil)
		return Transition{}, nil
	}
	now := s.now().UTC()

	rec, err := s.ensure(ctx, ev.CallSID, "", "", "", "", now)
	if err != nil {
		return Transition{}, err
	}
	p := s.policyFor(ctx, rec)

	tr, err := s.repo.Mutate(ctx, ev.CallSID, func(cur CallRecord) (CallRecord, bool) {
		return ApplyRecording(cur, ev, p, now)
	})
	if err != nil {
		return Transition{}, err
	}
	return s.afterTransition(ctx, tr, "recording-status", ev.RecordingSID), nil
}

// PlaceCallRequest comes from an authenticated user.
type PlaceCallRequest struct {
	UserID      string
	WorkspaceID string
	To          string
	ContactKey  string
}

// PlaceCall rings the user's softphone first; once answered, the voice
// webhook bridges the leg to To. The returned record is keyed by the
// provider's SID for the softphone leg and carries the dialed party as To.
func (s *Service) PlaceCall(ctx context.Context, req PlaceCallRequest) (CallRecord, error) {
	v, err := s.settings.ForUser(ctx, req.UserID)
	if errors.Is(err, settings.ErrNotFound) {
		return CallRecord{}, ErrNoVoIPSettings
	}
	if err != nil {
		return CallRecord{}, fmt.Errorf("calls: load settings: %w", err)
	}
	if req.WorkspaceID != "" && v.WorkspaceID != req.WorkspaceID {
		return CallRecord{}, ErrNoVoIPSettings
	}
	callerID := v.OutboundCallerID()
	if v.ClientIdentity == "" || callerID == "" {
		return CallRecord{}, ErrNoVoIPSettings
	}

	to := s.phones.E164(req.To)
	if !s.phones.Valid(to) {
		return CallRecord{}, ErrInvalidNumber
	}

	voiceURL := s.callbacks.VoiceURL
	if voiceURL != "" {
		voiceURL += "?" + url.Values{"Target": {to}}.Encode()
	}
	acc, err := s.dialer.PlaceCall(ctx, telephony.OutboundCall{
		To:                phone.ClientAddress(v.ClientIdentity),
		From:              callerID,
		VoiceURL:          voiceURL,
		StatusCallbackURL: s.callbacks.StatusURL,
	})
	if err != nil {
		return CallRecord{}, err
	}

	// The provider accepted the call; from here on nothing may fail the request
	// because of the caller going away.
	ctx = context.WithoutCancel(ctx)
	now := s.now().UTC()

	contact := req.ContactKey
	if contact == "" {
		contact, err = settings.ResolveOrAddress(ctx, s.contacts, v.WorkspaceID, to)
		if err != nil {
			s.log.WarnContext(ctx, "contact lookup failed", slog.String("call_sid", acc.CallSID), slog.Any("err", err))
		}
	}

	seed := NewRecord(acc.CallSID, now)
	seed.Direction = DirectionOutbound
	seed.From = callerID
	seed.To = to
	seed.OwnerUserID = v.UserID
	seed.WorkspaceID = v.WorkspaceID
	seed.ContactKey = contact

	if _, err := s.repo.Ensure(ctx, seed); err != nil {
		return CallRecord{}, fmt.Errorf("calls: store %s: %w", acc.CallSID, err)
	}
	tr, err := s.repo.Mutate(ctx, acc.CallSID, func(cur CallRecord) (CallRecord, bool) {
		return Adopt(cur, seed, now)
	})
	if err != nil {
		return CallRecord{}, fmt.Errorf("calls: adopt %s: %w", acc.CallSID, err)
	}

	s.log.InfoContext(ctx, "call placed",
		slog.String("call_sid", acc.CallSID),
		slog.String("user_id", v.UserID),
		slog.String("provider_status", acc.Status),
	)
	return tr.After, nil
}

// Get returns the record when it belongs to workspaceID.
func (s *Service) Get(ctx context.Context, workspaceID, callSID string) (CallRecord, error) {
	rec, err := s.repo.Get(ctx, callSID)
	if err != nil {
		return CallRecord{}, err
	}
	if rec.WorkspaceID != workspaceID {
		return CallRecord{}, ErrNotFound
	}
	return rec, nil
}

// Recording opens the provider audio stream for an owned call.
func (s *Service) Recording(ctx context.Context, workspaceID, callSID string) (telephony.Recording, error) {
	rec, err := s.Get(ctx, workspaceID, callSID)
	if err != nil {
		return telephony.Recording{}, err
	}
	if rec.RecordingState != RecordingAvailable || rec.RecordingURL == "" {
		return telephony.Recording{}, ErrNoRecording
	}
	return s.fetcher.FetchRecording(ctx, rec.RecordingURL)
}

// ensure returns the stored record, creating it from the event when the SID
// is new. Ownership is resolved from the VoIP settings of whichever side of
// the call is ours.
func (s *Service) ensure(ctx context.Context, sid string, dir Direction, from, to, contactKey string, now time.Time) (CallRecord, error) {
	rec, err := s.repo.Get(ctx, sid)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return CallRecord{}, err
	}

	seed := NewRecord(sid, now)
	seed.Direction = dir
	seed.From = from
	seed.To = to
	seed.ContactKey = contactKey

	if v, ok := s.ownerOf(ctx, dir, from, to); ok {
		seed.OwnerUserID = v.UserID
		seed.WorkspaceID = v.WorkspaceID
		if seed.ContactKey == "" {
			counterparty := to
			if dir == DirectionInbound {
				counterparty = from
			}
			if counterparty != "" && !phone.IsClientIdentity(counterparty) {
				seed.ContactKey, err = settings.ResolveOrAddress(ctx, s.contacts, v.WorkspaceID, counterparty)
				if err != nil {
					s.log.WarnContext(ctx, "contact lookup failed", slog.String("call_sid", sid), slog.Any("err", err))
				}
			}
		}
	}
	return s.repo.Ensure(ctx, seed)
}

func (s *Service) ownerOf(ctx context.Context, dir Direction, from, to string) (settings.VoIP, bool) {
	if s.settings == nil {
		return settings.VoIP{}, false
	}
	type lookup func(context.Context, string) (settings.VoIP, error)
	try := func(fn lookup, key string) (settings.VoIP, bool) {
		if key == "" {
			return settings.VoIP{}, false
		}
		v, err := fn(ctx, key)
		if err != nil {
			if !errors.Is(err, settings.ErrNotFound) {
				s.log.WarnContext(ctx, "settings lookup failed", slog.Any("err", err))
			}
			return settings.VoIP{}, false
		}
		return v, true
	}

	ours, theirs := from, to
	if dir == DirectionInbound {
		ours, theirs = to, from
	}
	for _, addr := range []string{ours, theirs} {
		if phone.IsClientIdentity(addr) {
			if v, ok := try(s.settings.ForIdentity, phone.ClientIdentity(addr)); ok {
				return v, true
			}
			continue
		}
		if v, ok := try(s.settings.ForNumber, addr); ok {
			return v, true
		}
	}
	return settings.VoIP{}, false
}

func (s *Service) policyFor(ctx context.Context, rec CallRecord) Policy {
	if rec.OwnerUserID == "" || s.settings == nil {
		return s.policy
	}
	v, err := s.settings.ForUser(ctx, rec.OwnerUserID)
	if err != nil {
		if !errors.Is(err, settings.ErrNotFound) {
			s.log.WarnContext(ctx, "settings lookup failed", slog.String("call_sid", rec.CallSID), slog.Any("err", err))
		}
		return s.policy
	}
	return Policy{AutoTranscribe: v.AutoTranscribe}
}

// afterTransition journals the outcome and enqueues transcription when this
// write moved the stage to pending. An enqueue failure fails the stage.
func (s *Service) afterTransition(ctx context.Context, tr Transition, source, detail string) Transition {
	sid := tr.After.CallSID
	if !tr.Changed {
		s.journal.Record(ctx, audit.EventWebhookIgnored, sid, source, "no state change", map[string]any{"event": detail})
		return tr
	}
	s.journal.Record(ctx, audit.EventWebhookApplied, sid, source, "", map[string]any{
		"event":         detail,
		"status":        tr.After.Status,
		"transcription": tr.After.TranscriptionState,
		"version":       tr.After.Version,
	})

	if tr.Before.TranscriptionState == StagePending || tr.After.TranscriptionState != StagePending {
		return tr
	}
	err := s.queue.EnqueueTranscription(ctx, sid)
	if err == nil {
		s.log.InfoContext(ctx, "transcription enqueued", slog.String("call_sid", sid))
		return tr
	}

	s.log.ErrorContext(ctx, "transcription enqueue failed", slog.String("call_sid", sid), slog.Any("err", err))
	failed, ferr := s.repo.Mutate(ctx, sid, func(cur CallRecord) (CallRecord, bool) {
		return FailTranscription(cur, "enqueue failed: "+err.Error(), s.now().UTC())
	})
	if ferr != nil {
		s.log.ErrorContext(ctx, "mark transcription failed", slog.String("call_sid", sid), slog.Any("err", ferr))
		return tr
	}
	return Transition{Before: tr.Before, After: failed.After, Changed: true}
}

// effectiveDirection treats softphone-originated legs as outbound regardless
// of how the provider labels them.
func effectiveDirection(dir Direction, from string) Direction {
	if phone.IsClientIdentity(from) {
		return DirectionOutbound
	}
	return dir
}
