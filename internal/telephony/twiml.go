package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"net/http"
	"strings"
)

// VoiceAction is what the provider should do with a call leg.
type VoiceAction string

const (
	VoiceReject     VoiceAction = "reject"
	VoiceHangup     VoiceAction = "hangup"
	VoiceDialClient VoiceAction = "dial_client"
	VoiceDialNumber VoiceAction = "dial_number"
)

// VoiceInstruction is the provider-agnostic answer to a voice webhook.
type VoiceInstruction struct {
	Action VoiceAction

	// Target is the client identity for VoiceDialClient or the E.164 number
	// for VoiceDialNumber.
	Target   string
	CallerID string

	Record                     bool
	RecordingStatusCallbackURL string

	// TimeoutSeconds bounds ringing before the Dial gives up.
	TimeoutSeconds int

	// DialActionURL receives DialCallStatus once the dialed leg ends.
	DialActionURL string
}

type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Reject  *twimlReject `xml:"Reject,omitempty"`
	Hangup  *struct{}    `xml:"Hangup,omitempty"`
	Dial    *twimlDial   `xml:"Dial,omitempty"`
}

type twimlReject struct {
	Reason string `xml:"reason,attr,omitempty"`
}

type twimlDial struct {
	Action                       string `xml:"action,attr,omitempty"`
	Method                       string `xml:"method,attr,omitempty"`
	CallerID                     string `xml:"callerId,attr,omitempty"`
	Timeout                      int    `xml:"timeout,attr,omitempty"`
	Record                       string `xml:"record,attr,omitempty"`
	RecordingStatusCallback      string `xml:"recordingStatusCallback,attr,omitempty"`
	RecordingStatusCallbackEvent string `xml:"recordingStatusCallbackEvent,attr,omitempty"`

	Client string `xml:"Client,omitempty"`
	Number string `xml:"Number,omitempty"`
}

// RenderTwiML renders an instruction as a TwiML document.
func RenderTwiML(in VoiceInstruction) (string, error) {
	var r twimlResponse

	switch in.Action {
	case VoiceReject:
		r.Reject = &twimlReject{Reason: "rejected"}
	case VoiceHangup:
		r.Hangup = &struct{}{}
	case VoiceDialClient, VoiceDialNumber:
		target := strings.TrimSpace(in.Target)
		if target == "" {
			return "", errors.New("telephony: dial target required")
		}
		d := &twimlDial{CallerID: in.CallerID, Timeout: in.TimeoutSeconds}
		if in.DialActionURL != "" {
			d.Action = in.DialActionURL
			d.Method = http.MethodPost
		}
		if in.Action == VoiceDialClient {
			d.Client = target
		} else {
			d.Number = target
		}
		if in.Record {
			d.Record = "record-from-answer-dual"
			if in.RecordingStatusCallbackURL != "" {
				d.RecordingStatusCallback = in.RecordingStatusCallbackURL
				d.RecordingStatusCallbackEvent = "completed"
			}
		}
		r.Dial = d
	default:
		return "", errors.New("telephony: unknown voice action")
	}

	return encodeTwiML(r)
}

// EmptyTwiML acknowledges a webhook without instructing the provider.
func EmptyTwiML() string {
	s, _ := encodeTwiML(twimlResponse{})
	return s
}

func encodeTwiML(r twimlResponse) (string, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
