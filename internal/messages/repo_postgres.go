package messages

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"comms-pipeline/pkg/utils"
)

// PostgresRepo stores rows in the messages table. provider_message_id has a
// partial unique index so an id can be attached to one row only.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

const messageColumns = `
id, channel, direction, to_address, from_address, subject, body,
status, provider_message_id, scheduled_for,
attempts, sweep_attempts, last_error, error_code,
owner_user_id, workspace_id, contact_key,
created_at, updated_at, sent_at, delivered_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(s rowScanner) (Message, error) {
	var (
		m                          Message
		subject, providerID        sql.NullString
		lastError, errorCode       sql.NullString
		owner, workspace, contact  sql.NullString
		scheduled, sent, delivered sql.NullTime
	)
	err := s.Scan(
		&m.ID, &m.Channel, &m.Direction, &m.To, &m.From, &subject, &m.Body,
		&m.Status, &providerID, &scheduled,
		&m.Attempts, &m.SweepAttempts, &lastError, &errorCode,
		&owner, &workspace, &contact,
		&m.CreatedAt, &m.UpdatedAt, &sent, &delivered, &m.Version,
	)
	if err != nil {
		return Message{}, err
	}
	m.Subject = subject.String
	m.ProviderMessageID = providerID.String
	m.LastError, m.ErrorCode = lastError.String, errorCode.String
	m.OwnerUserID, m.WorkspaceID, m.ContactKey = owner.String, workspace.String, contact.String
	m.ScheduledFor = utils.TimePtr(scheduled)
	m.SentAt = utils.TimePtr(sent)
	m.DeliveredAt = utils.TimePtr(delivered)
	m.CreatedAt, m.UpdatedAt = m.CreatedAt.UTC(), m.UpdatedAt.UTC()
	return m, nil
}

func (r *PostgresRepo) Create(ctx context.Context, m Message) error {
	if m.ID == "" {
		return ErrInvalidArgument
	}
	const q = `
INSERT INTO messages (` + messageColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,1)
`
	_, err := r.db.ExecContext(ctx, q,
		m.ID, m.Channel, m.Direction, m.To, m.From, utils.NullString(m.Subject), m.Body,
		m.Status, utils.NullString(m.ProviderMessageID), utils.NullTime(m.ScheduledFor),
		m.Attempts, m.SweepAttempts, utils.NullString(m.LastError), utils.NullString(m.ErrorCode),
		utils.NullString(m.OwnerUserID), utils.NullString(m.WorkspaceID), utils.NullString(m.ContactKey),
		m.CreatedAt.UTC(), m.UpdatedAt.UTC(), utils.NullTime(m.SentAt), utils.NullTime(m.DeliveredAt),
	)
	if utils.IsUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (Message, error) {
	return r.one(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
}

func (r *PostgresRepo) GetByProviderID(ctx context.Context, providerID string) (Message, error) {
	if providerID == "" {
		return Message{}, ErrNotFound
	}
	return r.one(ctx, `SELECT `+messageColumns+` FROM messages WHERE provider_message_id = $1`, providerID)
}

func (r *PostgresRepo) one(ctx context.Context, q, arg string) (Message, error) {
	m, err := scanMessage(r.db.QueryRowContext(ctx, q, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	return m, err
}

func (r *PostgresRepo) Mutate(ctx context.Context, id string, fn Mutation) (Transition, error) {
	var out Transition
	err := utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		cur, err := scanMessage(tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		next, changed := fn(cur.Clone())
		if !changed {
			out = Transition{Before: cur, After: cur}
			return nil
		}
		next.ID = cur.ID
		next.Version = cur.Version + 1

		const q = `
UPDATE messages SET
  to_address = $2, from_address = $3, subject = $4, body = $5,
  status = $6, provider_message_id = $7, scheduled_for = $8,
  attempts = $9, sweep_attempts = $10, last_error = $11, error_code = $12,
  owner_user_id = $13, workspace_id = $14, contact_key = $15,
  updated_at = $16, sent_at = $17, delivered_at = $18, version = $19
WHERE id = $1 AND version = $20
`
		res, err := tx.ExecContext(ctx, q,
			next.ID, next.To, next.From, utils.NullString(next.Subject), next.Body,
			next.Status, utils.NullString(next.ProviderMessageID), utils.NullTime(next.ScheduledFor),
			next.Attempts, next.SweepAttempts, utils.NullString(next.LastError), utils.NullString(next.ErrorCode),
			utils.NullString(next.OwnerUserID), utils.NullString(next.WorkspaceID), utils.NullString(next.ContactKey),
			next.UpdatedAt.UTC(), utils.NullTime(next.SentAt), utils.NullTime(next.DeliveredAt), next.Version,
			cur.Version,
		)
		if utils.IsUniqueViolation(err) {
			return ErrDuplicate
		}
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("messages: concurrent update of %s", id)
		}
		out = Transition{Before: cur, After: next, Changed: true}
		return nil
	})
	return out, err
}

func (r *PostgresRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]Message, error) {
	const q = `SELECT ` + messageColumns + ` FROM messages
WHERE direction = 'outbound' AND status = 'queued' AND provider_message_id IS NULL AND attempts = 0
  AND COALESCE(scheduled_for, created_at) <= $1
ORDER BY COALESCE(scheduled_for, created_at), id
LIMIT $2`
	return r.list(ctx, q, now.UTC(), limit)
}

func (r *PostgresRepo) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]Message, error) {
	const q = `SELECT ` + messageColumns + ` FROM messages
WHERE direction = 'outbound' AND status IN ('queued', 'sending') AND provider_message_id IS NULL
  AND COALESCE(scheduled_for, created_at) <= $1
  AND (status = 'queued' OR updated_at <= $1)
ORDER BY COALESCE(scheduled_for, created_at), id
LIMIT $2`
	return r.list(ctx, q, cutoff.UTC(), limit)
}

func (r *PostgresRepo) ListByContact(ctx context.Context, workspaceID, contactKey string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 500
	}
	q := `SELECT * FROM (SELECT ` + messageColumns + ` FROM messages
WHERE workspace_id = $1 AND contact_key = $2
ORDER BY created_at DESC, id DESC
LIMIT $3) recent ORDER BY created_at, id`
	rows, err := r.db.QueryContext(ctx, q, workspaceID, contactKey, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (r *PostgresRepo) list(ctx context.Context, q string, at time.Time, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, q, at, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func collect(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()
	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
