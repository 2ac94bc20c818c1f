package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"comms-pipeline/internal/audit"
	"comms-pipeline/internal/settings"
	"comms-pipeline/pkg/phone"
)

// VoIPEngine routes voice webhooks using per-user VoIP settings.
//
// Priority:
//  1. Calls originated by an app client dial the requested number.
//  2. Agent-first legs (To is a client, Target set) bridge to the Target number.
//  3. Everything else is inbound PSTN: the dialed number selects the user
//     whose client identity is rung.
//
// Return routing decision only. No ledger writes, no provider calls.
type VoIPEngine struct {
	Settings   settings.Reader
	Normalizer phone.Normalizer
	Journal    Journal
	Log        *slog.Logger
}

// Journal records routing decisions. audit.Service satisfies it.
type Journal interface {
	Record(ctx context.Context, t audit.EventType, subject, source, message string, details map[string]any)
}

func NewVoIPEngine(reader settings.Reader, norm phone.Normalizer, journal Journal, log *slog.Logger) *VoIPEngine {
	if log == nil {
		log = slog.Default()
	}
	return &VoIPEngine{Settings: reader, Normalizer: norm, Journal: journal, Log: log}
}

func (e *VoIPEngine) Route(ctx context.Context, req Request) (Decision, error) {
	if e.Settings == nil {
		return Decision{}, errors.New("routing: settings reader not configured")
	}

	d, err := e.route(ctx, req)
	if err != nil {
		return Decision{}, err
	}
	if e.Journal != nil && req.CallSID != "" {
		e.Journal.Record(ctx, audit.EventRouteDecision, req.CallSID, "routing", string(d.Action), map[string]any{
			"from":       req.From,
			"to":         req.To,
			"connect_to": d.ConnectTo,
			"reason":     d.Reason,
		})
	}
	return d, nil
}

func (e *VoIPEngine) route(ctx context.Context, req Request) (Decision, error) {
	// 1) App client calling out.
	if phone.IsClientIdentity(req.From) {
		dest := req.Target
		if dest == "" {
			dest = req.To
		}
		return e.dialOut(ctx, phone.ClientIdentity(req.From), dest)
	}

	// 2) Agent-first leg of a placed call.
	if phone.IsClientIdentity(req.To) {
		if req.Target == "" {
			return Rejected("client_leg_without_target"), nil
		}
		return e.dialOut(ctx, phone.ClientIdentity(req.To), req.Target)
	}

	// 3) Inbound PSTN.
	to := e.Normalizer.E164(req.To)
	v, err := e.Settings.ForNumber(ctx, to)
	if errors.Is(err, settings.ErrNotFound) {
		return Rejected("unknown_number"), nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("routing: settings for %s: %w", to, err)
	}
	if v.ClientIdentity == "" {
		return Rejected("no_client_identity"), nil
	}
	return Decision{
		WorkspaceID: v.WorkspaceID,
		OwnerUserID: v.UserID,
		Action:      ActionDialClient,
		ConnectTo:   v.ClientIdentity,
		CallerID:    e.Normalizer.E164(req.From),
		Record:      v.AutoRecord,
		Reason:      "inbound",
	}, nil
}

func (e *VoIPEngine) dialOut(ctx context.Context, identity, dest string) (Decision, error) {
	v, err := e.Settings.ForIdentity(ctx, identity)
	if errors.Is(err, settings.ErrNotFound) {
		return Rejected("unknown_identity"), nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("routing: settings for client %s: %w", identity, err)
	}
	if !e.Normalizer.Valid(dest) {
		return Rejected("invalid_destination"), nil
	}
	callerID := v.OutboundCallerID()
	if callerID == "" {
		return Rejected("no_caller_id"), nil
	}
	return Decision{
		WorkspaceID: v.WorkspaceID,
		OwnerUserID: v.UserID,
		Action:      ActionDialNumber,
		ConnectTo:   e.Normalizer.E164(dest),
		CallerID:    callerID,
		Record:      v.AutoRecord,
		Reason:      "outbound",
	}, nil
}
