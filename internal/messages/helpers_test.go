package messages

import (
	"context"
	"sync"
	"testing"
	"time"

	"comms-pipeline/internal/audit"
	"comms-pipeline/internal/settings"
	"comms-pipeline/internal/telephony"
	"comms-pipeline/pkg/phone"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeSender struct {
	mu    sync.Mutex
	calls []telephony.OutboundMessage
	reply func(n int, msg telephony.OutboundMessage) (telephony.MessageAccepted, error)
}

func (s *fakeSender) Send(ctx context.Context, msg telephony.OutboundMessage) (telephony.MessageAccepted, error) {
	s.mu.Lock()
	s.calls = append(s.calls, msg)
	n := len(s.calls)
	s.mu.Unlock()
	if s.reply != nil {
		return s.reply(n, msg)
	}
	return telephony.MessageAccepted{ProviderMessageID: "SM-" + msg.Reference, Status: "queued"}, nil
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type harness struct {
	clock     *fakeClock
	repo      *MemoryRepo
	sms       *fakeSender
	email     *fakeSender
	journal   *audit.MemoryRepo
	submitter *Submitter
	svc       *Service
	scheduler *Scheduler
	sweeper   *Sweeper
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:   &fakeClock{t: epoch},
		repo:    NewMemoryRepo(),
		sms:     &fakeSender{},
		email:   &fakeSender{},
		journal: audit.NewMemoryRepo(),
	}
	journal := audit.NewService(h.journal, nil)
	h.submitter = NewSubmitter(h.repo, SubmitterOptions{
		Senders:          map[Channel]telephony.MessageSender{ChannelSMS: h.sms, ChannelEmail: h.email},
		MaxSweepAttempts: 1,
		Timeout:          time.Second,
		Now:              h.clock.Now,
	})
	contacts := settings.NewMemoryContacts()
	contacts.Put("w1", "+14155552671", "lead-1")
	h.svc = NewService(Deps{
		Repo:      h.repo,
		Submitter: h.submitter,
		Settings: settings.NewMemoryRepo(settings.VoIP{
			UserID: "u1", WorkspaceID: "w1", AssignedNumber: "+14155550100", ClientIdentity: "alice",
		}),
		Contacts:   contacts,
		Normalizer: phone.NewNormalizer("US"),
		Journal:    journal,
		EmailFrom:  "sales@example.com",
		Now:        h.clock.Now,
	})
	h.scheduler = NewScheduler(h.repo, h.submitter, SchedulerOptions{Interval: time.Minute, PageSize: 50, Now: h.clock.Now})
	h.sweeper = NewSweeper(h.repo, h.submitter, SweeperOptions{
		StaleAfter: 5 * time.Minute,
		BatchSize:  10,
		Journal:    journal,
		Now:        h.clock.Now,
	})
	return h
}

// seedStuck inserts an outbound SMS that was claimed or queued age ago and
// never reached the provider.
func (h *harness) seedStuck(t *testing.T, id string, status Status, age time.Duration) {
	t.Helper()
	created := h.clock.Now().Add(-age)
	err := h.repo.Create(context.Background(), Message{
		ID: id, Channel: ChannelSMS, Direction: DirectionOutbound,
		To: "+14155552671", From: "+14155550100", Body: "hello",
		Status: status, Attempts: 1,
		WorkspaceID: "w1", ContactKey: "lead-1",
		CreatedAt: created, UpdatedAt: created,
	})
	if err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}
