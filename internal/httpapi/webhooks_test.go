package httpapi

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"comms-pipeline/internal/audit"
	"comms-pipeline/internal/calls"
)

func callStatusForm(status string, extra map[string]string) url.Values {
	f := url.Values{
		"CallSid":    {"CA123"},
		"AccountSid": {"AC1"},
		"From":       {"+14155552671"},
		"To":         {"+14155550100"},
		"Direction":  {"inbound"},
		"CallStatus": {status},
	}
	for k, v := range extra {
		f.Set(k, v)
	}
	return f
}

func TestWebhooks_CallLifecycleEnqueuesTranscriptionOnce(t *testing.T) {
	ts := newTestServer(t)
	completed := callStatusForm("completed", map[string]string{
		"CallDuration": "42",
		"RecordingUrl": "https://api.twilio.com/2010-04-01/Accounts/AC1/Recordings/RE1",
		"RecordingSid": "RE1",
	})

	for _, f := range []url.Values{callStatusForm("ringing", nil), callStatusForm("in-progress", nil), completed} {
		if w := ts.webhook(t, "/webhooks/twilio/call-status", f); w.Code != http.StatusOK {
			t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
		}
	}

	rec, err := ts.calls.Get(context.Background(), "CA123")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != calls.StatusCompleted || rec.RecordingState != calls.RecordingAvailable || rec.TranscriptionState != calls.StagePending {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.WorkspaceID != "w1" || rec.ContactKey != "lead-1" || rec.DurationSeconds != 42 {
		t.Fatalf("ownership not resolved: %+v", rec)
	}
	if ts.queue.Len() != 1 {
		t.Fatalf("queue len=%d, want 1", ts.queue.Len())
	}

	// redelivery is a no-op
	if w := ts.webhook(t, "/webhooks/twilio/call-status", completed); w.Code != http.StatusOK {
		t.Fatalf("redelivery status=%d", w.Code)
	}
	if ts.queue.Len() != 1 {
		t.Fatalf("redelivery enqueued again: len=%d", ts.queue.Len())
	}
	again, _ := ts.calls.Get(context.Background(), "CA123")
	if again.Version != rec.Version {
		t.Fatalf("redelivery wrote the row: version %d -> %d", rec.Version, again.Version)
	}
}

func TestWebhooks_BadSignatureIsForbidden(t *testing.T) {
	ts := newTestServer(t)
	w := ts.webhookSigned(t, "/webhooks/twilio/call-status", callStatusForm("ringing", nil), "bogus")
	if w.Code != http.StatusForbidden {
		t.Fatalf("status=%d, want 403", w.Code)
	}
	if _, err := ts.calls.Get(context.Background(), "CA123"); err == nil {
		t.Fatalf("rejected webhook must not touch the ledger")
	}
}

func TestWebhooks_MalformedStillAcks(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{
		"/webhooks/twilio/call-status",
		"/webhooks/twilio/recording-status",
		"/webhooks/twilio/dial-complete",
		"/webhooks/twilio/message-status",
		"/webhooks/twilio/sms",
	} {
		w := ts.webhook(t, path, url.Values{"Junk": {"1"}})
		if w.Code != http.StatusOK {
			t.Fatalf("%s: status=%d, want 200", path, w.Code)
		}
		if !strings.Contains(w.Body.String(), "<Response") {
			t.Fatalf("%s: expected TwiML ack, got %q", path, w.Body.String())
		}
	}
}

func TestWebhooks_UnknownCallStatusIsDropped(t *testing.T) {
	ts := newTestServer(t)
	if w := ts.webhook(t, "/webhooks/twilio/call-status", callStatusForm("teleported", nil)); w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if len(ts.journal.OfType(audit.EventWebhookDropped)) != 1 {
		t.Fatalf("expected a dropped journal entry")
	}
}

func TestWebhooks_VoiceInboundRingsClient(t *testing.T) {
	ts := newTestServer(t)
	w := ts.webhook(t, "/webhooks/twilio/voice", callStatusForm("ringing", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{"<Client>alice</Client>", `record="record-from-answer-dual"`, "recording-status", `action="` + testBaseURL + `/webhooks/twilio/dial-complete"`} {
		if !strings.Contains(body, want) {
			t.Fatalf("twiml %q lacks %q", body, want)
		}
	}
	rec, err := ts.calls.Get(context.Background(), "CA123")
	if err != nil || rec.Status != calls.StatusRinging {
		t.Fatalf("voice webhook should seed the record: %+v err=%v", rec, err)
	}
	if len(ts.journal.OfType(audit.EventRouteDecision)) != 1 {
		t.Fatalf("route decision not journaled")
	}
}

func TestWebhooks_VoiceUnknownNumberRejects(t *testing.T) {
	ts := newTestServer(t)
	f := callStatusForm("ringing", map[string]string{"To": "+14155550777"})
	w := ts.webhook(t, "/webhooks/twilio/voice", f)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "<Reject") {
		t.Fatalf("status=%d body=%q", w.Code, w.Body.String())
	}
}

func TestWebhooks_VoiceAgentLegBridgesToTarget(t *testing.T) {
	ts := newTestServer(t)
	f := url.Values{
		"CallSid":    {"CA900"},
		"From":       {"+14155550100"},
		"To":         {"client:alice"},
		"Direction":  {"outbound-api"},
		"CallStatus": {"in-progress"},
	}
	w := ts.webhook(t, "/webhooks/twilio/voice?Target=%2B14155552671", f)
	body := w.Body.String()
	if !strings.Contains(body, "<Number>+14155552671</Number>") || !strings.Contains(body, `callerId="+14155550100"`) {
		t.Fatalf("twiml=%q", body)
	}
}

func TestWebhooks_MessageStatusForUnknownIDIsDropped(t *testing.T) {
	ts := newTestServer(t)
	w := ts.webhook(t, "/webhooks/twilio/message-status", url.Values{
		"MessageSid":    {"SMunknown"},
		"MessageStatus": {"delivered"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	evs := ts.journal.OfType(audit.EventWebhookDropped)
	if len(evs) != 1 || evs[0].Subject != "SMunknown" {
		t.Fatalf("journal=%+v", evs)
	}
}

func TestWebhooks_InboundSMSJoinsConversation(t *testing.T) {
	ts := newTestServer(t)
	w := ts.webhook(t, "/webhooks/twilio/sms", url.Values{
		"MessageSid": {"SMin1"},
		"From":       {"+14155552671"},
		"To":         {"+14155550100"},
		"Body":       {"call me back"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	// provider retry
	ts.webhook(t, "/webhooks/twilio/sms", url.Values{
		"MessageSid": {"SMin1"},
		"From":       {"+14155552671"},
		"To":         {"+14155550100"},
		"Body":       {"call me back"},
	})

	rows, err := ts.messages.ListByContact(context.Background(), "w1", "lead-1", 0)
	if err != nil {
		t.Fatalf("ListByContact: %v", err)
	}
	if len(rows) != 1 || rows[0].Body != "call me back" {
		t.Fatalf("rows=%+v", rows)
	}
}

func TestWebhooks_DialCompleteSettlesInboundCall(t *testing.T) {
	ts := newTestServer(t)
	ts.webhook(t, "/webhooks/twilio/voice", callStatusForm("ringing", nil))
	ts.webhook(t, "/webhooks/twilio/recording-status", url.Values{
		"CallSid":         {"CA123"},
		"RecordingSid":    {"RE5"},
		"RecordingUrl":    {"https://api.twilio.com/2010-04-01/Accounts/AC1/Recordings/RE5"},
		"RecordingStatus": {"completed"},
	})
	if ts.queue.Len() != 0 {
		t.Fatalf("transcription enqueued before the call ended: len=%d", ts.queue.Len())
	}

	dial := url.Values{
		"CallSid":          {"CA123"},
		"DialCallSid":      {"CA124"},
		"DialCallStatus":   {"answered"},
		"DialCallDuration": {"37"},
	}
	w := ts.webhook(t, "/webhooks/twilio/dial-complete", dial)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "<Hangup") {
		t.Fatalf("status=%d body=%q", w.Code, w.Body.String())
	}

	rec, err := ts.calls.Get(context.Background(), "CA123")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != calls.StatusCompleted || rec.DurationSeconds != 37 || rec.EndedAt == nil {
		t.Fatalf("call not settled: %+v", rec)
	}
	if rec.TranscriptionState != calls.StagePending || ts.queue.Len() != 1 {
		t.Fatalf("transcription=%s queue=%d", rec.TranscriptionState, ts.queue.Len())
	}

	// a later number-level status callback cannot reopen or re-enqueue
	ts.webhook(t, "/webhooks/twilio/call-status", callStatusForm("completed", map[string]string{"CallDuration": "40"}))
	ts.webhook(t, "/webhooks/twilio/dial-complete", dial)
	if ts.queue.Len() != 1 {
		t.Fatalf("queue len=%d, want 1", ts.queue.Len())
	}
	again, _ := ts.calls.Get(context.Background(), "CA123")
	if again.DurationSeconds != 37 {
		t.Fatalf("duration overwritten: %d", again.DurationSeconds)
	}
}

func TestWebhooks_DialCompleteNoAnswer(t *testing.T) {
	ts := newTestServer(t)
	ts.webhook(t, "/webhooks/twilio/voice", callStatusForm("ringing", nil))
	ts.webhook(t, "/webhooks/twilio/dial-complete", url.Values{
		"CallSid":        {"CA123"},
		"DialCallStatus": {"no-answer"},
	})
	rec, err := ts.calls.Get(context.Background(), "CA123")
	if err != nil || rec.Status != calls.StatusNoAnswer {
		t.Fatalf("rec=%+v err=%v", rec, err)
	}
	if ts.queue.Len() != 0 {
		t.Fatalf("queue len=%d, want 0", ts.queue.Len())
	}
}

func TestWebhooks_DialCompleteNonTerminalIsDropped(t *testing.T) {
	ts := newTestServer(t)
	ts.webhook(t, "/webhooks/twilio/voice", callStatusForm("ringing", nil))
	ts.webhook(t, "/webhooks/twilio/dial-complete", url.Values{
		"CallSid":        {"CA123"},
		"DialCallStatus": {"ringing"},
	})
	rec, _ := ts.calls.Get(context.Background(), "CA123")
	if rec.Status != calls.StatusRinging {
		t.Fatalf("status=%s, want ringing", rec.Status)
	}
	if len(ts.journal.OfType(audit.EventWebhookDropped)) != 1 {
		t.Fatalf("expected a dropped journal entry")
	}
}
