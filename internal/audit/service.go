package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for journal events.
//
// It MUST be append-only.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service is the journal used by webhooks, pipeline stages and the sweeper.
//
// IMPORTANT:
// - The journal is internal-only.
// - Callers treat it as best-effort: Record logs failures instead of returning them.
type Service struct {
	repo  Repository
	log   *slog.Logger
	clock func() time.Time
}

func NewService(repo Repository, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, log: log, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s == nil || s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" || e.Subject == "" {
		return ErrInvalidEvent
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// Record appends and swallows the error after logging it.
func (s *Service) Record(ctx context.Context, t EventType, subject, source, message string, details map[string]any) {
	if s == nil {
		return
	}
	e := Event{Type: t, Subject: subject, Source: source, Message: message, IPAddress: ClientIPFromContext(ctx)}
	if len(details) > 0 {
		if b, err := json.Marshal(details); err == nil {
			e.Metadata = string(b)
		}
	}
	if err := s.Append(ctx, e); err != nil {
		s.log.WarnContext(ctx, "journal append failed",
			slog.String("type", string(t)),
			slog.String("subject", subject),
			slog.Any("err", err),
		)
	}
}
