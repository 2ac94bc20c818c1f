package routing

import (
	"context"
	"errors"
	"testing"

	"comms-pipeline/internal/audit"
	"comms-pipeline/internal/settings"
	"comms-pipeline/internal/telephony"
	"comms-pipeline/pkg/phone"
)

type recordedDecision struct {
	subject string
	message string
}

type stubJournal struct{ got []recordedDecision }

func (j *stubJournal) Record(ctx context.Context, t audit.EventType, subject, source, message string, details map[string]any) {
	if t == audit.EventRouteDecision {
		j.got = append(j.got, recordedDecision{subject: subject, message: message})
	}
}

type failingReader struct{}

func (failingReader) ForUser(context.Context, string) (settings.VoIP, error) {
	return settings.VoIP{}, errors.New("db down")
}
func (failingReader) ForNumber(context.Context, string) (settings.VoIP, error) {
	return settings.VoIP{}, errors.New("db down")
}
func (failingReader) ForIdentity(context.Context, string) (settings.VoIP, error) {
	return settings.VoIP{}, errors.New("db down")
}

func newEngine(j Journal) *VoIPEngine {
	reader := settings.NewMemoryRepo(
		settings.VoIP{UserID: "u1", WorkspaceID: "w1", AssignedNumber: "+14155550100", ClientIdentity: "alice", AutoRecord: true},
		settings.VoIP{UserID: "u2", WorkspaceID: "w1", AssignedNumber: "+14155550101", CallerID: "+14155550199"},
	)
	return NewVoIPEngine(reader, phone.NewNormalizer("US"), j, nil)
}

func TestVoIPEngine_Routes(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want Decision
	}{
		{
			name: "inbound to assigned number rings the client",
			req:  Request{CallSID: "CA1", From: "(415) 555-0123", To: "+14155550100"},
			want: Decision{WorkspaceID: "w1", OwnerUserID: "u1", Action: ActionDialClient, ConnectTo: "alice", CallerID: "+14155550123", Record: true, Reason: "inbound"},
		},
		{
			name: "inbound national format is normalized",
			req:  Request{CallSID: "CA2", From: "+14155550123", To: "415-555-0100"},
			want: Decision{WorkspaceID: "w1", OwnerUserID: "u1", Action: ActionDialClient, ConnectTo: "alice", CallerID: "+14155550123", Record: true, Reason: "inbound"},
		},
		{
			name: "inbound unknown number rejects",
			req:  Request{CallSID: "CA3", From: "+14155550123", To: "+14155550777"},
			want: Rejected("unknown_number"),
		},
		{
			name: "user without client identity rejects",
			req:  Request{CallSID: "CA4", From: "+14155550123", To: "+14155550101"},
			want: Rejected("no_client_identity"),
		},
		{
			name: "app client dials the requested number",
			req:  Request{CallSID: "CA5", From: "client:alice", To: "4155550123"},
			want: Decision{WorkspaceID: "w1", OwnerUserID: "u1", Action: ActionDialNumber, ConnectTo: "+14155550123", CallerID: "+14155550100", Record: true, Reason: "outbound"},
		},
		{
			name: "agent-first leg bridges to target",
			req:  Request{CallSID: "CA6", From: "+14155550100", To: "client:alice", Target: "+14155550123"},
			want: Decision{WorkspaceID: "w1", OwnerUserID: "u1", Action: ActionDialNumber, ConnectTo: "+14155550123", CallerID: "+14155550100", Record: true, Reason: "outbound"},
		},
		{
			name: "client leg without target rejects",
			req:  Request{CallSID: "CA7", From: "+14155550100", To: "client:alice"},
			want: Rejected("client_leg_without_target"),
		},
		{
			name: "unknown client identity rejects",
			req:  Request{CallSID: "CA8", From: "client:mallory", To: "+14155550123"},
			want: Rejected("unknown_identity"),
		},
		{
			name: "invalid destination rejects",
			req:  Request{CallSID: "CA9", From: "client:alice", To: "12"},
			want: Rejected("invalid_destination"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := newEngine(nil).Route(context.Background(), tt.req)
			if err != nil {
				t.Fatalf("unexpected err: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestVoIPEngine_SettingsErrorSurfaces(t *testing.T) {
	e := NewVoIPEngine(failingReader{}, phone.NewNormalizer("US"), nil, nil)
	if _, err := e.Route(context.Background(), Request{CallSID: "CA1", From: "+14155550123", To: "+14155550100"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestVoIPEngine_JournalsDecision(t *testing.T) {
	j := &stubJournal{}
	if _, err := newEngine(j).Route(context.Background(), Request{CallSID: "CA1", From: "+14155550123", To: "+14155550777"}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(j.got) != 1 || j.got[0].subject != "CA1" || j.got[0].message != string(ActionReject) {
		t.Fatalf("journal=%+v", j.got)
	}
}

func TestInstruction(t *testing.T) {
	opts := InstructionOptions{RecordingStatusCallbackURL: "https://x/rec", TimeoutSeconds: 25, DialActionURL: "https://x/dial"}

	in, err := Instruction(Decision{Action: ActionDialClient, ConnectTo: "alice", CallerID: "+1415", Record: true}, opts)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if in.Action != telephony.VoiceDialClient || in.Target != "alice" || in.RecordingStatusCallbackURL != "https://x/rec" || in.TimeoutSeconds != 25 || in.DialActionURL != "https://x/dial" {
		t.Fatalf("instruction=%+v", in)
	}

	in, err = Instruction(Decision{Action: ActionDialNumber, ConnectTo: "+14155550123"}, opts)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if in.Action != telephony.VoiceDialNumber || in.RecordingStatusCallbackURL != "" {
		t.Fatalf("unrecorded dial should not carry a callback: %+v", in)
	}

	in, err = Instruction(Rejected("x"), opts)
	if err != nil || in.Action != telephony.VoiceReject {
		t.Fatalf("reject: %+v err=%v", in, err)
	}

	if _, err := Instruction(Decision{Action: ActionDialNumber}, opts); err == nil {
		t.Fatalf("expected error for missing destination")
	}
	if _, err := Instruction(Decision{Action: "bogus", ConnectTo: "x"}, opts); err == nil {
		t.Fatalf("expected error for unknown action")
	}
}
