package ops

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RunView is one polling run as exposed by the ops API.
type RunView struct {
	ID               int64      `json:"id"`
	RunID            uuid.UUID  `json:"run_id"`
	Profile          *string    `json:"profile,omitempty"`
	FetcherName      *string    `json:"fetcher_name,omitempty"`
	AckerName        *string    `json:"acker_name,omitempty"`
	PollReason       *string    `json:"poll_reason,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	FilesDiscovered  int        `json:"files_discovered"`
	FilesPulled      int        `json:"files_pulled"`
	FilesProcessedOK int        `json:"files_processed_ok"`
	FilesFailed      int        `json:"files_failed"`
	FilesAlready     int        `json:"files_already"`
}

// FileAuditView is one file outcome row.
type FileAuditView struct {
	ID                  int64     `json:"id"`
	RunID               uuid.UUID `json:"run_id"`
	FileID              string    `json:"file_id"`
	Status              int16     `json:"status"`
	Reason              *string   `json:"reason,omitempty"`
	ErrorClass          *string   `json:"error_class,omitempty"`
	RetryCount          int       `json:"retry_count"`
	RetryReasons        []string  `json:"retry_reasons,omitempty"`
	VerificationPassed  *bool     `json:"verification_passed,omitempty"`
	ParsedClaims        int       `json:"parsed_claims"`
	ParsedActivities    int       `json:"parsed_activities"`
	PersistedClaims     int       `json:"persisted_claims"`
	PersistedActivities int       `json:"persisted_activities"`
	PersistedEvents     int       `json:"persisted_events"`
	AckAttempted        bool      `json:"ack_attempted"`
	AckSent             bool      `json:"ack_sent"`
	DurationMS          *int64    `json:"duration_ms,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// Store reads the audit trail for the ops API.
type Store interface {
	RecentRuns(ctx context.Context, limit int) ([]RunView, error)
	RunByID(ctx context.Context, runID uuid.UUID) (*RunView, error)
	RunFiles(ctx context.Context, runID uuid.UUID) ([]FileAuditView, error)
	FileAudit(ctx context.Context, fileID string) ([]FileAuditView, error)
}

type storePG struct{ pool *pgxpool.Pool }

func NewStorePG(pool *pgxpool.Pool) Store { return &storePG{pool: pool} }

const runColumns = `id, run_id, profile, fetcher_name, acker_name, poll_reason,
	started_at, ended_at, files_discovered, files_pulled, files_processed_ok,
	files_failed, files_already`

func (r *storePG) RecentRuns(ctx context.Context, limit int) ([]RunView, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+runColumns+` FROM ingestion_run ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunView
	for rows.Next() {
		v, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, v)
	}
	return runs, rows.Err()
}

func (r *storePG) RunByID(ctx context.Context, runID uuid.UUID) (*RunView, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+runColumns+` FROM ingestion_run WHERE run_id = $1`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, pgx.ErrNoRows
	}
	v, err := scanRun(rows)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

const fileAuditColumns = `a.id, r.run_id, a.file_id, a.status, a.reason,
	a.error_class, a.retry_count, a.retry_reasons, a.verification_passed,
	a.parsed_claims, a.parsed_activities, a.persisted_claims,
	a.persisted_activities, a.persisted_events, a.ack_attempted, a.ack_sent,
	a.duration_ms, a.created_at`

func (r *storePG) RunFiles(ctx context.Context, runID uuid.UUID) ([]FileAuditView, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+fileAuditColumns+`
		FROM ingestion_file_audit a
		JOIN ingestion_run r ON r.id = a.ingestion_run_id
		WHERE r.run_id = $1
		ORDER BY a.id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFileAudits(rows)
}

func (r *storePG) FileAudit(ctx context.Context, fileID string) ([]FileAuditView, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+fileAuditColumns+`
		FROM ingestion_file_audit a
		JOIN ingestion_run r ON r.id = a.ingestion_run_id
		WHERE a.file_id = $1
		ORDER BY a.created_at DESC`, fileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFileAudits(rows)
}

func scanRun(rows pgx.Rows) (RunView, error) {
	var v RunView
	err := rows.Scan(&v.ID, &v.RunID, &v.Profile, &v.FetcherName, &v.AckerName,
		&v.PollReason, &v.StartedAt, &v.EndedAt, &v.FilesDiscovered, &v.FilesPulled,
		&v.FilesProcessedOK, &v.FilesFailed, &v.FilesAlready)
	return v, err
}

func scanFileAudits(rows pgx.Rows) ([]FileAuditView, error) {
	var out []FileAuditView
	for rows.Next() {
		var v FileAuditView
		if err := rows.Scan(&v.ID, &v.RunID, &v.FileID, &v.Status, &v.Reason,
			&v.ErrorClass, &v.RetryCount, &v.RetryReasons, &v.VerificationPassed,
			&v.ParsedClaims, &v.ParsedActivities, &v.PersistedClaims,
			&v.PersistedActivities, &v.PersistedEvents, &v.AckAttempted,
			&v.AckSent, &v.DurationMS, &v.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
