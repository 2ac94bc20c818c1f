package audit

import (
	"context"
	"database/sql"

	"comms-pipeline/pkg/utils"
)

// PostgresRepo appends to audit_events. The table has no UPDATE/DELETE path.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_events (id, type, subject, workspace_id, source, ip_address, message, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`
	var metadata any
	if e.Metadata != "" {
		metadata = e.Metadata
	}
	_, err := r.db.ExecContext(ctx, q,
		e.ID, string(e.Type), e.Subject,
		utils.NullString(e.WorkspaceID), utils.NullString(e.Source), utils.NullString(e.IPAddress),
		utils.NullString(e.Message), metadata, e.CreatedAt,
	)
	return err
}
