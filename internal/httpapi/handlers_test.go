package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"comms-pipeline/internal/conversation"
	"comms-pipeline/internal/messages"
	"comms-pipeline/internal/telephony"
)

func TestPlaceCall_RingsAgentFirst(t *testing.T) {
	ts := newTestServer(t)
	w := ts.api(t, http.MethodPost, "/v1/calls", map[string]string{"to": "(415) 555-2671"})
	if w.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var resp placeCallResponse
	decode(t, w, &resp)
	if resp.CallSID != "CA900" {
		t.Fatalf("resp=%+v", resp)
	}
	if len(ts.provider.placed) != 1 || ts.provider.placed[0].To != "client:alice" {
		t.Fatalf("placed=%+v", ts.provider.placed)
	}

	got := ts.api(t, http.MethodGet, "/v1/calls/CA900", nil)
	if got.Code != http.StatusOK {
		t.Fatalf("get status=%d", got.Code)
	}
	var rec map[string]any
	decode(t, got, &rec)
	if rec["to"] != "+14155552671" || rec["contact_key"] != "lead-1" {
		t.Fatalf("rec=%v", rec)
	}
}

func TestPlaceCall_Errors(t *testing.T) {
	ts := newTestServer(t)

	if w := ts.api(t, http.MethodPost, "/v1/calls", map[string]string{}); w.Code != http.StatusBadRequest {
		t.Fatalf("missing to: status=%d", w.Code)
	}
	if w := ts.api(t, http.MethodPost, "/v1/calls", map[string]string{"to": "12"}); w.Code != http.StatusBadRequest {
		t.Fatalf("invalid number: status=%d", w.Code)
	}

	ts.provider.dialErr = telephony.NewRejected("twilio", "21217", "Phone number does not appear to be valid")
	w := ts.api(t, http.MethodPost, "/v1/calls", map[string]string{"to": "+14155552671"})
	if w.Code != http.StatusBadGateway {
		t.Fatalf("provider refusal: status=%d", w.Code)
	}
	var body map[string]any
	decode(t, w, &body)
	if body["error"] != "Phone number does not appear to be valid" || body["status"] != "failed" {
		t.Fatalf("body=%v", body)
	}
}

func TestAPI_RequiresIdentity(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/calls/CA1", nil)
	w := httptest.NewRecorder()
	ts.engine.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d, want 401", w.Code)
	}
}

func TestGetCall_OtherWorkspaceIsNotFound(t *testing.T) {
	ts := newTestServer(t)
	ts.api(t, http.MethodPost, "/v1/calls", map[string]string{"to": "+14155552671"})

	req := httptest.NewRequest(http.MethodGet, "/v1/calls/CA900", nil)
	req.Header.Set("X-Test-User", "u9")
	req.Header.Set("X-Test-Workspace", "w9")
	w := httptest.NewRecorder()
	ts.engine.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", w.Code)
	}
}

func TestStreamRecording(t *testing.T) {
	ts := newTestServer(t)
	ts.api(t, http.MethodPost, "/v1/calls", map[string]string{"to": "+14155552671"})

	if w := ts.api(t, http.MethodGet, "/v1/calls/CA900/recording", nil); w.Code != http.StatusNotFound {
		t.Fatalf("before recording: status=%d", w.Code)
	}

	recURL := "https://api.twilio.com/2010-04-01/Accounts/AC1/Recordings/RE9"
	ts.webhook(t, "/webhooks/twilio/recording-status", url.Values{
		"CallSid":         {"CA900"},
		"RecordingSid":    {"RE9"},
		"RecordingUrl":    {recURL},
		"RecordingStatus": {"completed"},
	})

	w := ts.api(t, http.MethodGet, "/v1/calls/CA900/recording", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if w.Body.String() != "ID3-audio-bytes" || w.Header().Get("Content-Type") != "audio/mpeg" {
		t.Fatalf("body=%q headers=%v", w.Body.String(), w.Header())
	}
	if ts.provider.fetchURL != recURL {
		t.Fatalf("fetched %q", ts.provider.fetchURL)
	}
}

func TestSendMessage_ThenDeliveryCallback(t *testing.T) {
	ts := newTestServer(t)
	w := ts.api(t, http.MethodPost, "/v1/messages", map[string]string{
		"channel": "sms",
		"to":      "415-555-2671",
		"body":    "quote attached",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var resp sendMessageResponse
	decode(t, w, &resp)
	if resp.Status != string(messages.StatusSent) {
		t.Fatalf("resp=%+v", resp)
	}

	m, err := ts.messages.Get(context.Background(), resp.MessageID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	ts.webhook(t, "/webhooks/twilio/message-status", url.Values{
		"MessageSid":    {m.ProviderMessageID},
		"MessageStatus": {"delivered"},
	})

	got := ts.api(t, http.MethodGet, "/v1/messages/"+resp.MessageID, nil)
	var row map[string]any
	decode(t, got, &row)
	if row["status"] != string(messages.StatusDelivered) {
		t.Fatalf("row=%v", row)
	}
}

func TestSendMessage_ProviderRefusalIsReported(t *testing.T) {
	ts := newTestServer(t)
	ts.provider.sendErr = telephony.NewRejected("twilio", "21610", "Attempt to send to unsubscribed recipient")

	w := ts.api(t, http.MethodPost, "/v1/messages", map[string]string{
		"channel": "sms", "to": "+14155552671", "body": "hi",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status=%d", w.Code)
	}
	var resp sendMessageResponse
	decode(t, w, &resp)
	if resp.Status != string(messages.StatusFailed) || resp.LastError != "Attempt to send to unsubscribed recipient" {
		t.Fatalf("resp=%+v", resp)
	}
}

func TestSendMessage_Validation(t *testing.T) {
	ts := newTestServer(t)
	cases := []map[string]string{
		{"channel": "fax", "to": "+14155552671", "body": "x"},
		{"channel": "sms", "to": "+14155552671"},
		{"channel": "email", "to": "not-an-address", "body": "x"},
	}
	for _, body := range cases {
		if w := ts.api(t, http.MethodPost, "/v1/messages", body); w.Code != http.StatusBadRequest {
			t.Fatalf("%v: status=%d, want 400", body, w.Code)
		}
	}
}

func TestGetConversation_MergesCallsAndMessages(t *testing.T) {
	ts := newTestServer(t)
	ts.api(t, http.MethodPost, "/v1/calls", map[string]string{"to": "+14155552671"})
	ts.api(t, http.MethodPost, "/v1/messages", map[string]string{"channel": "sms", "to": "+14155552671", "body": "hi"})

	w := ts.api(t, http.MethodGet, "/v1/conversations/lead-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var th conversation.Thread
	decode(t, w, &th)
	if len(th.Entries) != 2 {
		t.Fatalf("entries=%+v", th.Entries)
	}
	if th.Entries[0].Kind != conversation.KindCall || th.Entries[1].Kind != conversation.KindSMS {
		t.Fatalf("order=%s,%s", th.Entries[0].Kind, th.Entries[1].Kind)
	}
}
