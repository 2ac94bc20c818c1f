package calls

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"comms-pipeline/pkg/utils"
)

// PostgresRepo stores call records in the calls table (see internal/db migrations).
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

const callColumns = `
call_sid, direction, from_number, to_number, status, duration_seconds,
recording_state, recording_url, recording_sid,
transcription_state, transcript, transcription_error,
analysis_state, analysis, analysis_error,
owner_user_id, workspace_id, contact_key,
created_at, updated_at, ended_at, transcribed_at, analyzed_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(s rowScanner) (CallRecord, error) {
	var (
		c                                  CallRecord
		direction, from, to                sql.NullString
		recURL, recSID                     sql.NullString
		transcript, transErr               sql.NullString
		analysisJSON                       []byte
		analysisErr                        sql.NullString
		owner, workspace, contact          sql.NullString
		endedAt, transcribedAt, analyzedAt sql.NullTime
	)
	err := s.Scan(
		&c.CallSID, &direction, &from, &to, &c.Status, &c.DurationSeconds,
		&c.RecordingState, &recURL, &recSID,
		&c.TranscriptionState, &transcript, &transErr,
		&c.AnalysisState, &analysisJSON, &analysisErr,
		&owner, &workspace, &contact,
		&c.CreatedAt, &c.UpdatedAt, &endedAt, &transcribedAt, &analyzedAt, &c.Version,
	)
	if err != nil {
		return CallRecord{}, err
	}
	c.Direction = Direction(direction.String)
	c.From, c.To = from.String, to.String
	c.RecordingURL, c.RecordingSID = recURL.String, recSID.String
	c.Transcript, c.TranscriptionError = transcript.String, transErr.String
	c.AnalysisError = analysisErr.String
	c.OwnerUserID, c.WorkspaceID, c.ContactKey = owner.String, workspace.String, contact.String
	c.EndedAt = utils.TimePtr(endedAt)
	c.TranscribedAt = utils.TimePtr(transcribedAt)
	c.AnalyzedAt = utils.TimePtr(analyzedAt)
	c.CreatedAt, c.UpdatedAt = c.CreatedAt.UTC(), c.UpdatedAt.UTC()
	if len(analysisJSON) > 0 {
		var a Analysis
		if err := json.Unmarshal(analysisJSON, &a); err != nil {
			return CallRecord{}, fmt.Errorf("calls: decode analysis for %s: %w", c.CallSID, err)
		}
		c.Analysis = &a
	}
	return c, nil
}

func analysisValue(a *Analysis) (any, error) {
	if a == nil {
		return nil, nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (r *PostgresRepo) Ensure(ctx context.Context, seed CallRecord) (CallRecord, error) {
	if seed.CallSID == "" {
		return CallRecord{}, ErrInvalidArgument
	}
	analysis, err := analysisValue(seed.Analysis)
	if err != nil {
		return CallRecord{}, err
	}
	const q = `
INSERT INTO calls (` + callColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,1)
ON CONFLICT (call_sid) DO NOTHING
`
	if _, err := r.db.ExecContext(ctx, q,
		seed.CallSID, utils.NullString(string(seed.Direction)), utils.NullString(seed.From), utils.NullString(seed.To),
		seed.Status, seed.DurationSeconds,
		seed.RecordingState, utils.NullString(seed.RecordingURL), utils.NullString(seed.RecordingSID),
		seed.TranscriptionState, utils.NullString(seed.Transcript), utils.NullString(seed.TranscriptionError),
		seed.AnalysisState, analysis, utils.NullString(seed.AnalysisError),
		utils.NullString(seed.OwnerUserID), utils.NullString(seed.WorkspaceID), utils.NullString(seed.ContactKey),
		seed.CreatedAt.UTC(), seed.UpdatedAt.UTC(),
		utils.NullTime(seed.EndedAt), utils.NullTime(seed.TranscribedAt), utils.NullTime(seed.AnalyzedAt),
	); err != nil {
		return CallRecord{}, err
	}
	return r.Get(ctx, seed.CallSID)
}

func (r *PostgresRepo) Get(ctx context.Context, callSID string) (CallRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+callColumns+` FROM calls WHERE call_sid = $1`, callSID)
	c, err := scanCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return CallRecord{}, ErrNotFound
	}
	return c, err
}

func (r *PostgresRepo) Mutate(ctx context.Context, callSID string, fn Mutation) (Transition, error) {
	var out Transition
	err := utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+callColumns+` FROM calls WHERE call_sid = $1 FOR UPDATE`, callSID)
		cur, err := scanCall(row)
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
		next.CallSID = cur.CallSID
		next.Version = cur.Version + 1

		analysis, err := analysisValue(next.Analysis)
		if err != nil {
			return err
		}
		const q = `
UPDATE calls SET
  direction = $2, from_number = $3, to_number = $4, status = $5, duration_seconds = $6,
  recording_state = $7, recording_url = $8, recording_sid = $9,
  transcription_state = $10, transcript = $11, transcription_error = $12,
  analysis_state = $13, analysis = $14, analysis_error = $15,
  owner_user_id = $16, workspace_id = $17, contact_key = $18,
  updated_at = $19, ended_at = $20, transcribed_at = $21, analyzed_at = $22,
  version = $23
WHERE call_sid = $1 AND version = $24
`
		res, err := tx.ExecContext(ctx, q,
			next.CallSID, utils.NullString(string(next.Direction)), utils.NullString(next.From), utils.NullString(next.To),
			next.Status, next.DurationSeconds,
			next.RecordingState, utils.NullString(next.RecordingURL), utils.NullString(next.RecordingSID),
			next.TranscriptionState, utils.NullString(next.Transcript), utils.NullString(next.TranscriptionError),
			next.AnalysisState, analysis, utils.NullString(next.AnalysisError),
			utils.NullString(next.OwnerUserID), utils.NullString(next.WorkspaceID), utils.NullString(next.ContactKey),
			next.UpdatedAt.UTC(), utils.NullTime(next.EndedAt), utils.NullTime(next.TranscribedAt), utils.NullTime(next.AnalyzedAt),
			next.Version, cur.Version,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("calls: concurrent update of %s", callSID)
		}
		out = Transition{Before: cur, After: next, Changed: true}
		return nil
	})
	return out, err
}

func (r *PostgresRepo) ListByContact(ctx context.Context, workspaceID, contactKey string, limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	q := `SELECT * FROM (SELECT ` + callColumns + ` FROM calls
WHERE workspace_id = $1 AND contact_key = $2
ORDER BY created_at DESC, call_sid DESC
LIMIT $3) recent ORDER BY created_at, call_sid`
	rows, err := r.db.QueryContext(ctx, q, workspaceID, contactKey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
