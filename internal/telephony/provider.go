package telephony

import (
	"context"
	"io"
)

// Provider adapters translate between the provider's REST/webhook surface and
// these provider-agnostic types. No business decisions are made here.

// CallPlacer originates outbound calls.
type CallPlacer interface {
	PlaceCall(ctx context.Context, req OutboundCall) (CallAccepted, error)
}

// MessageSender submits one outbound message (SMS or email).
type MessageSender interface {
	Send(ctx context.Context, msg OutboundMessage) (MessageAccepted, error)
}

// RecordingFetcher streams a recording from the provider using account credentials.
type RecordingFetcher interface {
	FetchRecording(ctx context.Context, recordingURL string) (Recording, error)
}

// OutboundCall asks the provider to dial To from From. When the callee answers
// the provider requests VoiceURL for instructions.
type OutboundCall struct {
	To       string
	From     string
	VoiceURL string

	StatusCallbackURL          string
	Record                     bool
	RecordingStatusCallbackURL string
}

type CallAccepted struct {
	CallSID string
	Status  string
}

// OutboundMessage is the channel-agnostic submission payload.
type OutboundMessage struct {
	// Reference is the internal message id; adapters may embed it in the
	// provider-side id (email Message-ID) for correlation.
	Reference string

	To      string
	From    string
	Subject string
	Body    string

	StatusCallbackURL string
}

type MessageAccepted struct {
	ProviderMessageID string
	// Status is the provider-reported state at submission time, when known.
	Status string
}

// Recording is an open audio stream. The caller must close Body.
type Recording struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64
}
