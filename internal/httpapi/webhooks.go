package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"comms-pipeline/internal/audit"
	"comms-pipeline/internal/calls"
	"comms-pipeline/internal/messages"
	"comms-pipeline/internal/routing"
	"comms-pipeline/internal/telephony"
	"comms-pipeline/pkg/logger"
	"comms-pipeline/pkg/phone"

	"github.com/gin-gonic/gin"
)

const contentTypeXML = "application/xml; charset=utf-8"

// Journal is the best-effort event log for dropped webhooks.
type Journal interface {
	Record(ctx context.Context, t audit.EventType, subject, source, message string, details map[string]any)
}

// Webhooks handles provider callbacks.
//
// IMPORTANT: every handler answers 200. Failures are logged and journaled;
// surfacing them would only make the provider retry a request we already
// decided to drop.
type Webhooks struct {
	Calls    *calls.Service
	Messages *messages.Service
	Router   routing.Engine
	Journal  Journal
	Phones   phone.Normalizer

	Dial routing.InstructionOptions
}

// ClientIP stores the resolved caller IP on the request context so journal
// entries carry it.
func ClientIP() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(audit.WithClientIP(c.Request.Context(), c.ClientIP()))
		c.Next()
	}
}

func (w Webhooks) ack(c *gin.Context) {
	c.Data(http.StatusOK, contentTypeXML, []byte(telephony.EmptyTwiML()))
}

func (w Webhooks) drop(c *gin.Context, source, subject, reason string, err error) {
	log := logger.FromGin(c)
	log.Warn("webhook dropped", "source", source, "subject", subject, "reason", reason, "err", err)
	if w.Journal != nil && subject != "" {
		details := map[string]any{"reason": reason}
		if err != nil {
			details["err"] = err.Error()
		}
		w.Journal.Record(c.Request.Context(), audit.EventWebhookDropped, subject, source, reason, details)
	}
}

// Voice answers POST /webhooks/twilio/voice with TwiML. Any failure rejects
// the call rather than leaving the caller in silence.
func (w Webhooks) Voice(c *gin.Context) {
	log := logger.FromGin(c)
	reject := func() {
		doc, _ := telephony.RenderTwiML(telephony.VoiceInstruction{Action: telephony.VoiceReject})
		c.Data(http.StatusOK, contentTypeXML, []byte(doc))
	}

	env, err := telephony.ParseVoice(c.Request)
	if err != nil {
		w.drop(c, "voice", "", "malformed", err)
		reject()
		return
	}
	ctx := c.Request.Context()

	if st, ok := calls.ParseProviderStatus(env.CallStatus); ok && w.Calls != nil {
		if _, err := w.Calls.HandleStatus(ctx, calls.StatusEvent{
			CallSID:   env.CallSID,
			Status:    st,
			Direction: direction(env.Direction),
			From:      w.Phones.E164(env.From),
			To:        w.Phones.E164(env.To),
		}); err != nil {
			log.Error("voice webhook ledger write failed", "call_sid", env.CallSID, "err", err)
		}
	}

	if w.Router == nil {
		w.drop(c, "voice", env.CallSID, "no router", nil)
		reject()
		return
	}
	d, err := w.Router.Route(ctx, routing.Request{
		CallSID: env.CallSID,
		From:    env.From,
		To:      env.To,
		Target:  c.Query("Target"),
	})
	if err != nil {
		w.drop(c, "voice", env.CallSID, "routing failed", err)
		reject()
		return
	}
	in, err := routing.Instruction(d, w.Dial)
	if err != nil {
		w.drop(c, "voice", env.CallSID, "bad decision", err)
		reject()
		return
	}
	doc, err := telephony.RenderTwiML(in)
	if err != nil {
		w.drop(c, "voice", env.CallSID, "twiml render failed", err)
		reject()
		return
	}
	log.Info("voice routed", "call_sid", env.CallSID, "action", string(d.Action), "reason", d.Reason)
	c.Data(http.StatusOK, contentTypeXML, []byte(doc))
}

// CallStatus handles POST /webhooks/twilio/call-status.
func (w Webhooks) CallStatus(c *gin.Context) {
	defer w.ack(c)

	env, err := telephony.ParseCallStatus(c.Request)
	if err != nil {
		w.drop(c, "call-status", "", "malformed", err)
		return
	}
	st, ok := calls.ParseProviderStatus(env.CallStatus)
	if !ok {
		w.drop(c, "call-status", env.CallSID, "unknown status "+env.CallStatus, nil)
		return
	}

	tr, err := w.Calls.HandleStatus(c.Request.Context(), calls.StatusEvent{
		CallSID:         env.CallSID,
		Status:          st,
		Direction:       direction(env.Direction),
		From:            w.Phones.E164(env.From),
		To:              w.Phones.E164(env.To),
		DurationSeconds: env.DurationSeconds,
		RecordingURL:    env.RecordingURL,
		RecordingSID:    env.RecordingSID,
		OccurredAt:      env.Timestamp,
	})
	if err != nil {
		w.drop(c, "call-status", env.CallSID, "apply failed", err)
		return
	}
	logger.FromGin(c).Debug("call status applied",
		slog.String("call_sid", env.CallSID),
		slog.String("status", string(tr.After.Status)),
		slog.Bool("changed", tr.Changed),
	)
}

// DialComplete handles POST /webhooks/twilio/dial-complete, the <Dial> action.
// The dialed leg's outcome becomes the parent call's terminal status, so an
// inbound call settles even when the number has no status callback.
func (w Webhooks) DialComplete(c *gin.Context) {
	defer func() {
		doc, _ := telephony.RenderTwiML(telephony.VoiceInstruction{Action: telephony.VoiceHangup})
		c.Data(http.StatusOK, contentTypeXML, []byte(doc))
	}()

	env, err := telephony.ParseDialComplete(c.Request)
	if err != nil {
		w.drop(c, "dial-complete", "", "malformed", err)
		return
	}
	st, ok := dialOutcome(env.DialCallStatus)
	if !ok {
		w.drop(c, "dial-complete", env.CallSID, "unknown dial status "+env.DialCallStatus, nil)
		return
	}

	tr, err := w.Calls.HandleStatus(c.Request.Context(), calls.StatusEvent{
		CallSID:         env.CallSID,
		Status:          st,
		DurationSeconds: env.DialDurationSeconds,
		RecordingURL:    env.RecordingURL,
		RecordingSID:    env.RecordingSID,
	})
	if err != nil {
		w.drop(c, "dial-complete", env.CallSID, "apply failed", err)
		return
	}
	logger.FromGin(c).Debug("dial outcome applied",
		slog.String("call_sid", env.CallSID),
		slog.String("dial_status", env.DialCallStatus),
		slog.String("status", string(tr.After.Status)),
		slog.Bool("changed", tr.Changed),
	)
}

// dialOutcome maps DialCallStatus onto a terminal call status. "answered"
// is what Twilio reports for a bridged leg that ended normally.
func dialOutcome(raw string) (calls.CallStatus, bool) {
	if raw == "answered" {
		return calls.StatusCompleted, true
	}
	st, ok := calls.ParseProviderStatus(raw)
	if !ok || !st.Terminal() {
		return "", false
	}
	return st, true
}

// RecordingStatus handles POST /webhooks/twilio/recording-status.
func (w Webhooks) RecordingStatus(c *gin.Context) {
	defer w.ack(c)

	env, err := telephony.ParseRecordingStatus(c.Request)
	if err != nil {
		w.drop(c, "recording-status", "", "malformed", err)
		return
	}
	if _, err := w.Calls.HandleRecording(c.Request.Context(), calls.RecordingEvent{
		CallSID:         env.CallSID,
		RecordingSID:    env.RecordingSID,
		RecordingURL:    env.RecordingURL,
		DurationSeconds: env.DurationSeconds,
		Available:       env.Available(),
	}); err != nil {
		w.drop(c, "recording-status", env.CallSID, "apply failed", err)
	}
}

// MessageStatus handles POST /webhooks/twilio/message-status. Callbacks for
// provider ids we never stored are dropped.
func (w Webhooks) MessageStatus(c *gin.Context) {
	defer w.ack(c)

	env, err := telephony.ParseMessageStatus(c.Request)
	if err != nil {
		w.drop(c, "message-status", "", "malformed", err)
		return
	}
	st, ok := messages.ParseProviderStatus(env.MessageStatus)
	if !ok {
		w.drop(c, "message-status", env.MessageSID, "unknown status "+env.MessageStatus, nil)
		return
	}
	_, err = w.Messages.HandleDeliveryStatus(c.Request.Context(), messages.DeliveryEvent{
		ProviderMessageID: env.MessageSID,
		Status:            st,
		ErrorCode:         env.ErrorCode,
		ErrorMessage:      env.ErrorMessage,
	})
	switch {
	case errors.Is(err, messages.ErrNotFound):
		w.drop(c, "message-status", env.MessageSID, "unknown message", nil)
	case err != nil:
		w.drop(c, "message-status", env.MessageSID, "apply failed", err)
	}
}

// InboundSMS handles POST /webhooks/twilio/sms.
func (w Webhooks) InboundSMS(c *gin.Context) {
	defer w.ack(c)

	env, err := telephony.ParseInboundMessage(c.Request)
	if err != nil {
		w.drop(c, "sms", "", "malformed", err)
		return
	}
	m, err := w.Messages.RecordInbound(c.Request.Context(), messages.InboundEvent{
		ProviderMessageID: env.MessageSID,
		Channel:           messages.ChannelSMS,
		From:              env.From,
		To:                env.To,
		Body:              env.Body,
	})
	if err != nil {
		w.drop(c, "sms", env.MessageSID, "store failed", err)
		return
	}
	logger.FromGin(c).Info("inbound sms recorded", "message_id", m.ID, "contact_key", m.ContactKey)
}

func direction(raw string) calls.Direction {
	if telephony.IsInboundDirection(raw) {
		return calls.DirectionInbound
	}
	return calls.DirectionOutbound
}
