// Package settings reads per-user VoIP settings owned by the dashboard.
// The pipeline never writes them.
package settings

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("settings: not found")

// VoIP is one user's telephony configuration.
type VoIP struct {
	UserID      string `json:"user_id"`
	WorkspaceID string `json:"workspace_id"`

	// AssignedNumber is the E.164 number routed to this user.
	AssignedNumber string `json:"assigned_number"`
	// CallerID is presented on outbound calls; falls back to AssignedNumber.
	CallerID string `json:"caller_id,omitempty"`
	// ClientIdentity is the softphone identity inbound calls are bridged to.
	ClientIdentity string `json:"client_identity"`

	AutoRecord     bool `json:"auto_record"`
	AutoTranscribe bool `json:"auto_transcribe"`
}

// OutboundCallerID is the number shown to the callee.
func (v VoIP) OutboundCallerID() string {
	if v.CallerID != "" {
		return v.CallerID
	}
	return v.AssignedNumber
}

// Reader resolves settings by the keys that arrive on calls and messages.
type Reader interface {
	ForUser(ctx context.Context, userID string) (VoIP, error)
	ForNumber(ctx context.Context, number string) (VoIP, error)
	ForIdentity(ctx context.Context, identity string) (VoIP, error)
}
