package email

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"comms-pipeline/internal/telephony"
)

func TestNewSenderValidates(t *testing.T) {
	if _, err := NewSender(Options{Host: "smtp.example.com"}); err == nil {
		t.Fatalf("expected error without from")
	}
	if _, err := NewSender(Options{Host: "smtp.example.com", From: "nope"}); err == nil {
		t.Fatalf("expected error for from without domain")
	}
}

func TestBuildSetsMessageID(t *testing.T) {
	s, err := NewSender(Options{Host: "smtp.example.com", From: "sales@example.com", FromName: "Sales"})
	if err != nil {
		t.Fatalf("sender: %v", err)
	}
	msg, id, err := s.Build(telephony.OutboundMessage{Reference: "msg-1", To: "lead@example.org", Subject: "Hello", Body: "Body text"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if id != "msg-1@example.com" {
		t.Fatalf("unexpected id %q", id)
	}

	var buf bytes.Buffer
	if _, err := msg.WriteTo(&buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"<msg-1@example.com>", "Subject: Hello", "lead@example.org", "Body text"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in message:\n%s", want, out)
		}
	}
}

func TestSendRejectsInvalidRecipientWithoutDialing(t *testing.T) {
	s, _ := NewSender(Options{Host: "127.0.0.1", Port: 1, From: "sales@example.com"})
	_, err := s.Send(context.Background(), telephony.OutboundMessage{Reference: "m", To: "not an address", Body: "x"})
	if !telephony.IsRejected(err) {
		t.Fatalf("expected rejection, got %v", err)
	}
}
