package settings

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryRepoLookups(t *testing.T) {
	r := NewMemoryRepo(VoIP{UserID: "u1", WorkspaceID: "w", AssignedNumber: "+14155550100", ClientIdentity: "alice", AutoTranscribe: true})
	ctx := context.Background()

	if v, err := r.ForNumber(ctx, "+14155550100"); err != nil || v.UserID != "u1" {
		t.Fatalf("ForNumber: %+v %v", v, err)
	}
	if v, err := r.ForIdentity(ctx, "alice"); err != nil || v.UserID != "u1" {
		t.Fatalf("ForIdentity: %+v %v", v, err)
	}
	if _, err := r.ForUser(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := r.ForNumber(ctx, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty number must not match")
	}
}

func TestOutboundCallerIDFallsBackToAssignedNumber(t *testing.T) {
	if got := (VoIP{AssignedNumber: "+1"}).OutboundCallerID(); got != "+1" {
		t.Fatalf("unexpected %q", got)
	}
	if got := (VoIP{AssignedNumber: "+1", CallerID: "+2"}).OutboundCallerID(); got != "+2" {
		t.Fatalf("unexpected %q", got)
	}
}

func TestResolveOrAddress(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryContacts()
	c.Put("w", "+14155550123", "lead-42")

	if got, err := ResolveOrAddress(ctx, c, "w", "+14155550123"); err != nil || got != "lead-42" {
		t.Fatalf("expected lead-42, got %q %v", got, err)
	}
	if got, err := ResolveOrAddress(ctx, c, "w", "+14155550999"); err != nil || got != "+14155550999" {
		t.Fatalf("expected address fallback, got %q %v", got, err)
	}
	if got, _ := ResolveOrAddress(ctx, nil, "w", "a@example.com"); got != "a@example.com" {
		t.Fatalf("nil resolver must fall back, got %q", got)
	}
	if got, _ := ResolveOrAddress(ctx, c, "w", ""); got != "" {
		t.Fatalf("empty address must stay empty, got %q", got)
	}
}
