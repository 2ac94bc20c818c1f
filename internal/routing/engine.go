package routing

import (
	"context"
	"errors"

	"comms-pipeline/internal/telephony"
)

// Engine decides what to do with a voice webhook.
//
// IMPORTANT: provider adapters depend only on this abstraction. Business rules
// (settings lookup, number normalization) stay inside internal/routing.
type Engine interface {
	Route(ctx context.Context, req Request) (Decision, error)
}

// Request is the routing view of a voice webhook.
type Request struct {
	CallSID string
	From    string
	To      string
	// Target is the PSTN number an agent-first outbound call should bridge to
	// once the agent's client answers.
	Target string
}

// Rejected is the decision used whenever routing cannot produce a destination.
func Rejected(reason string) Decision {
	return Decision{Action: ActionReject, Reason: reason}
}

// InstructionOptions carries the provider callback settings for a dial.
type InstructionOptions struct {
	RecordingStatusCallbackURL string
	TimeoutSeconds             int

	// DialActionURL is where the provider reports how the dialed leg ended.
	DialActionURL string
}

// Instruction maps a decision onto the provider-facing voice instruction.
func Instruction(d Decision, opts InstructionOptions) (telephony.VoiceInstruction, error) {
	in := telephony.VoiceInstruction{
		Target:         d.ConnectTo,
		CallerID:       d.CallerID,
		Record:         d.Record,
		TimeoutSeconds: opts.TimeoutSeconds,
		DialActionURL:  opts.DialActionURL,
	}
	if d.Record {
		in.RecordingStatusCallbackURL = opts.RecordingStatusCallbackURL
	}
	switch d.Action {
	case ActionReject:
		return telephony.VoiceInstruction{Action: telephony.VoiceReject}, nil
	case ActionDialClient:
		in.Action = telephony.VoiceDialClient
	case ActionDialNumber:
		in.Action = telephony.VoiceDialNumber
	default:
		return telephony.VoiceInstruction{}, errors.New("routing: unknown decision action")
	}
	if in.Target == "" {
		return telephony.VoiceInstruction{}, errors.New("routing: decision has no destination")
	}
	return in, nil
}
