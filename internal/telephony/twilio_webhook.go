package telephony

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Typed envelopes for the Twilio webhooks we consume. Twilio posts
// application/x-www-form-urlencoded bodies. Parsing validates only shape;
// state decisions belong to the ledger services.

var ErrInvalidEnvelope = errors.New("telephony: invalid webhook envelope")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidEnvelope, fmt.Sprintf(format, args...))
}

// twilioTimestampLayout is the RFC 1123 form Twilio uses in the Timestamp field.
const twilioTimestampLayout = time.RFC1123Z

// VoiceEnvelope is the request Twilio makes to fetch call instructions.
type VoiceEnvelope struct {
	CallSID    string
	AccountSID string
	From       string
	To         string
	Direction  string
	CallStatus string
	CallerName string
}

func ParseVoice(r *http.Request) (VoiceEnvelope, error) {
	if err := r.ParseForm(); err != nil {
		return VoiceEnvelope{}, invalid("form: %v", err)
	}
	e := VoiceEnvelope{
		CallSID:    field(r, "CallSid"),
		AccountSID: field(r, "AccountSid"),
		From:       field(r, "From"),
		To:         field(r, "To"),
		Direction:  field(r, "Direction"),
		CallStatus: strings.ToLower(field(r, "CallStatus")),
		CallerName: field(r, "CallerName"),
	}
	if e.CallSID == "" {
		return VoiceEnvelope{}, invalid("CallSid missing")
	}
	return e, nil
}

// CallStatusEnvelope is a call progress callback.
type CallStatusEnvelope struct {
	CallSID         string
	ParentCallSID   string
	AccountSID      string
	From            string
	To              string
	Direction       string
	CallStatus      string
	DurationSeconds int
	RecordingURL    string
	RecordingSID    string
	SequenceNumber  int
	Timestamp       time.Time
}

func ParseCallStatus(r *http.Request) (CallStatusEnvelope, error) {
	if err := r.ParseForm(); err != nil {
		return CallStatusEnvelope{}, invalid("form: %v", err)
	}
	e := CallStatusEnvelope{
		CallSID:       field(r, "CallSid"),
		ParentCallSID: field(r, "ParentCallSid"),
		AccountSID:    field(r, "AccountSid"),
		From:          field(r, "From"),
		To:            field(r, "To"),
		Direction:     field(r, "Direction"),
		CallStatus:    strings.ToLower(field(r, "CallStatus")),
		RecordingURL:  field(r, "RecordingUrl"),
		RecordingSID:  field(r, "RecordingSid"),
	}
	if e.CallSID == "" {
		return CallStatusEnvelope{}, invalid("CallSid missing")
	}
	if e.CallStatus == "" {
		return CallStatusEnvelope{}, invalid("CallStatus missing")
	}

	var err error
	if e.DurationSeconds, err = optionalInt(r, "CallDuration"); err != nil {
		return CallStatusEnvelope{}, err
	}
	if e.SequenceNumber, err = optionalInt(r, "SequenceNumber"); err != nil {
		return CallStatusEnvelope{}, err
	}
	if ts := field(r, "Timestamp"); ts != "" {
		if t, err := time.Parse(twilioTimestampLayout, ts); err == nil {
			e.Timestamp = t.UTC()
		}
	}
	return e, nil
}

// DialCompleteEnvelope is the request Twilio makes to a <Dial> action URL
// once the dialed leg ends. CallSID is the parent (caller) leg.
type DialCompleteEnvelope struct {
	CallSID             string
	DialCallSID         string
	DialCallStatus      string
	DialDurationSeconds int
	RecordingURL        string
	RecordingSID        string
}

func ParseDialComplete(r *http.Request) (DialCompleteEnvelope, error) {
	if err := r.ParseForm(); err != nil {
		return DialCompleteEnvelope{}, invalid("form: %v", err)
	}
	e := DialCompleteEnvelope{
		CallSID:        field(r, "CallSid"),
		DialCallSID:    field(r, "DialCallSid"),
		DialCallStatus: strings.ToLower(field(r, "DialCallStatus")),
		RecordingURL:   field(r, "RecordingUrl"),
		RecordingSID:   field(r, "RecordingSid"),
	}
	if e.CallSID == "" {
		return DialCompleteEnvelope{}, invalid("CallSid missing")
	}
	if e.DialCallStatus == "" {
		return DialCompleteEnvelope{}, invalid("DialCallStatus missing")
	}
	var err error
	if e.DialDurationSeconds, err = optionalInt(r, "DialCallDuration"); err != nil {
		return DialCompleteEnvelope{}, err
	}
	return e, nil
}

// RecordingEnvelope is a recording-status callback.
type RecordingEnvelope struct {
	CallSID         string
	RecordingSID    string
	RecordingURL    string
	RecordingStatus string
	DurationSeconds int
}

func ParseRecordingStatus(r *http.Request) (RecordingEnvelope, error) {
	if err := r.ParseForm(); err != nil {
		return RecordingEnvelope{}, invalid("form: %v", err)
	}
	e := RecordingEnvelope{
		CallSID:         field(r, "CallSid"),
		RecordingSID:    field(r, "RecordingSid"),
		RecordingURL:    field(r, "RecordingUrl"),
		RecordingStatus: strings.ToLower(field(r, "RecordingStatus")),
	}
	if e.CallSID == "" {
		return RecordingEnvelope{}, invalid("CallSid missing")
	}
	if e.RecordingStatus == "" {
		e.RecordingStatus = "completed"
	}
	if e.RecordingStatus == "completed" && e.RecordingURL == "" {
		return RecordingEnvelope{}, invalid("RecordingUrl missing")
	}
	var err error
	if e.DurationSeconds, err = optionalInt(r, "RecordingDuration"); err != nil {
		return RecordingEnvelope{}, err
	}
	return e, nil
}

// Available reports whether the recording can be fetched.
func (e RecordingEnvelope) Available() bool {
	return e.RecordingStatus == "completed" && e.RecordingURL != ""
}

// MessageStatusEnvelope is a delivery-status callback for an outbound SMS.
type MessageStatusEnvelope struct {
	MessageSID    string
	MessageStatus string
	ErrorCode     string
	ErrorMessage  string
	From          string
	To            string
}

func ParseMessageStatus(r *http.Request) (MessageStatusEnvelope, error) {
	if err := r.ParseForm(); err != nil {
		return MessageStatusEnvelope{}, invalid("form: %v", err)
	}
	e := MessageStatusEnvelope{
		MessageSID:    firstField(r, "MessageSid", "SmsSid"),
		MessageStatus: strings.ToLower(firstField(r, "MessageStatus", "SmsStatus")),
		ErrorCode:     field(r, "ErrorCode"),
		ErrorMessage:  field(r, "ErrorMessage"),
		From:          field(r, "From"),
		To:            field(r, "To"),
	}
	if e.MessageSID == "" {
		return MessageStatusEnvelope{}, invalid("MessageSid missing")
	}
	if e.MessageStatus == "" {
		return MessageStatusEnvelope{}, invalid("MessageStatus missing")
	}
	return e, nil
}

// InboundMessageEnvelope is an SMS received on one of our numbers.
type InboundMessageEnvelope struct {
	MessageSID string
	AccountSID string
	From       string
	To         string
	Body       string
	NumMedia   int
}

func ParseInboundMessage(r *http.Request) (InboundMessageEnvelope, error) {
	if err := r.ParseForm(); err != nil {
		return InboundMessageEnvelope{}, invalid("form: %v", err)
	}
	e := InboundMessageEnvelope{
		MessageSID: firstField(r, "MessageSid", "SmsSid"),
		AccountSID: field(r, "AccountSid"),
		From:       field(r, "From"),
		To:         field(r, "To"),
		Body:       r.PostFormValue("Body"),
	}
	if e.MessageSID == "" {
		return InboundMessageEnvelope{}, invalid("MessageSid missing")
	}
	if e.From == "" || e.To == "" {
		return InboundMessageEnvelope{}, invalid("From/To missing")
	}
	var err error
	if e.NumMedia, err = optionalInt(r, "NumMedia"); err != nil {
		return InboundMessageEnvelope{}, err
	}
	return e, nil
}

// IsInboundDirection maps Twilio's Direction values (inbound, outbound-api,
// outbound-dial) to a simple inbound flag.
func IsInboundDirection(direction string) bool {
	return strings.EqualFold(strings.TrimSpace(direction), "inbound")
}

func field(r *http.Request, key string) string {
	return strings.TrimSpace(r.PostFormValue(key))
}

func firstField(r *http.Request, keys ...string) string {
	for _, k := range keys {
		if v := field(r, k); v != "" {
			return v
		}
	}
	return ""
}

func optionalInt(r *http.Request, key string) (int, error) {
	v := field(r, key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, invalid("%s must be a non-negative integer, got %q", key, v)
	}
	return n, nil
}
