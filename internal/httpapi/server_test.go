package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"comms-pipeline/internal/audit"
	"comms-pipeline/internal/auth"
	"comms-pipeline/internal/calls"
	"comms-pipeline/internal/conversation"
	"comms-pipeline/internal/messages"
	"comms-pipeline/internal/pipeline"
	"comms-pipeline/internal/routing"
	"comms-pipeline/internal/settings"
	"comms-pipeline/internal/telephony"
	"comms-pipeline/pkg/phone"

	"github.com/gin-gonic/gin"
)

const (
	testBaseURL   = "https://hooks.example.com"
	testAuthToken = "twilio-token"
)

var now0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type stubProvider struct {
	mu       sync.Mutex
	placed   []telephony.OutboundCall
	sent     []telephony.OutboundMessage
	dialErr  error
	sendErr  error
	audio    string
	fetchURL string
}

func (p *stubProvider) PlaceCall(ctx context.Context, in telephony.OutboundCall) (telephony.CallAccepted, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.placed = append(p.placed, in)
	if p.dialErr != nil {
		return telephony.CallAccepted{}, p.dialErr
	}
	return telephony.CallAccepted{CallSID: "CA900", Status: "queued"}, nil
}

func (p *stubProvider) Send(ctx context.Context, msg telephony.OutboundMessage) (telephony.MessageAccepted, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, msg)
	if p.sendErr != nil {
		return telephony.MessageAccepted{}, p.sendErr
	}
	return telephony.MessageAccepted{ProviderMessageID: "SM" + msg.Reference[:4], Status: "queued"}, nil
}

func (p *stubProvider) FetchRecording(ctx context.Context, recordingURL string) (telephony.Recording, error) {
	p.mu.Lock()
	p.fetchURL = recordingURL
	p.mu.Unlock()
	return telephony.Recording{
		Body:          io.NopCloser(strings.NewReader(p.audio)),
		ContentType:   "audio/mpeg",
		ContentLength: int64(len(p.audio)),
	}, nil
}

type testServer struct {
	engine   *gin.Engine
	provider *stubProvider
	calls    *calls.MemoryRepo
	messages *messages.MemoryRepo
	queue    *pipeline.LocalQueue
	journal  *audit.MemoryRepo
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ts := &testServer{
		provider: &stubProvider{audio: "ID3-audio-bytes"},
		calls:    calls.NewMemoryRepo(),
		messages: messages.NewMemoryRepo(),
		queue:    pipeline.NewLocalQueue(16, nil),
		journal:  audit.NewMemoryRepo(),
	}
	clock := func() time.Time { return now0 }
	norm := phone.NewNormalizer("US")
	journal := audit.NewService(ts.journal, nil)
	reader := settings.NewMemoryRepo(settings.VoIP{
		UserID: "u1", WorkspaceID: "w1", AssignedNumber: "+14155550100",
		ClientIdentity: "alice", AutoRecord: true, AutoTranscribe: true,
	})
	contacts := settings.NewMemoryContacts()
	contacts.Put("w1", "+14155552671", "lead-1")

	callSvc := calls.NewService(calls.Deps{
		Repo:       ts.calls,
		Queue:      ts.queue,
		Settings:   reader,
		Contacts:   contacts,
		Dialer:     ts.provider,
		Fetcher:    ts.provider,
		Journal:    journal,
		Normalizer: norm,
		Callbacks: calls.Callbacks{
			VoiceURL:  testBaseURL + "/webhooks/twilio/voice",
			StatusURL: testBaseURL + "/webhooks/twilio/call-status",
		},
		DefaultPolicy: calls.Policy{AutoTranscribe: true},
		Now:           clock,
	})
	submitter := messages.NewSubmitter(ts.messages, messages.SubmitterOptions{
		Senders: map[messages.Channel]telephony.MessageSender{
			messages.ChannelSMS:   ts.provider,
			messages.ChannelEmail: ts.provider,
		},
		MaxSweepAttempts: 1,
		Timeout:          time.Second,
		Now:              clock,
	})
	msgSvc := messages.NewService(messages.Deps{
		Repo:       ts.messages,
		Submitter:  submitter,
		Settings:   reader,
		Contacts:   contacts,
		Normalizer: norm,
		Journal:    journal,
		EmailFrom:  "sales@example.com",
		Now:        clock,
	})
	h := NewHandlers(callSvc, msgSvc, conversation.NewService(ts.calls, ts.messages, 0))
	w := Webhooks{
		Calls:    callSvc,
		Messages: msgSvc,
		Router:   routing.NewVoIPEngine(reader, norm, journal, nil),
		Journal:  journal,
		Phones:   norm,
		Dial: routing.InstructionOptions{
			RecordingStatusCallbackURL: testBaseURL + "/webhooks/twilio/recording-status",
			TimeoutSeconds:             25,
			DialActionURL:              testBaseURL + "/webhooks/twilio/dial-complete",
		},
	}

	r := gin.New()
	hooks := r.Group("/webhooks/twilio")
	hooks.Use(ClientIP(), telephony.RequireSignature(testAuthToken, testBaseURL))
	hooks.POST("/voice", w.Voice)
	hooks.POST("/call-status", w.CallStatus)
	hooks.POST("/recording-status", w.RecordingStatus)
	hooks.POST("/dial-complete", w.DialComplete)
	hooks.POST("/message-status", w.MessageStatus)
	hooks.POST("/sms", w.InboundSMS)

	v1 := r.Group("/v1")
	v1.Use(func(c *gin.Context) {
		if uid := c.GetHeader("X-Test-User"); uid != "" {
			ctx := auth.WithIdentity(c.Request.Context(), auth.Identity{UserID: uid, WorkspaceID: c.GetHeader("X-Test-Workspace")})
			c.Request = c.Request.WithContext(ctx)
		}
		c.Next()
	})
	v1.POST("/calls", h.PlaceCall)
	v1.GET("/calls/:call_sid", h.GetCall)
	v1.GET("/calls/:call_sid/recording", h.StreamRecording)
	v1.POST("/messages", h.SendMessage)
	v1.GET("/messages/:message_id", h.GetMessage)
	v1.GET("/conversations/:contact_key", h.GetConversation)

	ts.engine = r
	return ts
}

// webhook posts a signed form to path.
func (ts *testServer) webhook(t *testing.T, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	return ts.webhookSigned(t, path, form, telephony.ComputeSignature(testAuthToken, testBaseURL+path, form))
}

func (ts *testServer) webhookSigned(t *testing.T, path string, form url.Values, sig string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", sig)
	w := httptest.NewRecorder()
	ts.engine.ServeHTTP(w, req)
	return w
}

func (ts *testServer) api(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Test-User", "u1")
	req.Header.Set("X-Test-Workspace", "w1")
	w := httptest.NewRecorder()
	ts.engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}
