package settings

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresRepo reads the voip_settings table maintained by the dashboard.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

const selectVoIP = `
SELECT user_id, workspace_id, assigned_number, caller_id, client_identity, auto_record, auto_transcribe
FROM voip_settings
`

func (r *PostgresRepo) ForUser(ctx context.Context, userID string) (VoIP, error) {
	return r.one(ctx, selectVoIP+`WHERE user_id = $1`, userID)
}

func (r *PostgresRepo) ForNumber(ctx context.Context, number string) (VoIP, error) {
	return r.one(ctx, selectVoIP+`WHERE assigned_number = $1`, number)
}

func (r *PostgresRepo) ForIdentity(ctx context.Context, identity string) (VoIP, error) {
	return r.one(ctx, selectVoIP+`WHERE client_identity = $1`, identity)
}

func (r *PostgresRepo) one(ctx context.Context, q string, arg string) (VoIP, error) {
	if arg == "" {
		return VoIP{}, ErrNotFound
	}
	var v VoIP
	var callerID sql.NullString
	err := r.db.QueryRowContext(ctx, q, arg).Scan(
		&v.UserID,
		&v.WorkspaceID,
		&v.AssignedNumber,
		&callerID,
		&v.ClientIdentity,
		&v.AutoRecord,
		&v.AutoTranscribe,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return VoIP{}, ErrNotFound
	}
	if err != nil {
		return VoIP{}, err
	}
	v.CallerID = callerID.String
	return v, nil
}
