package audit

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/acme/claims/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type storePG struct{ pool *pgxpool.Pool }

func NewStorePG(pool *pgxpool.Pool) Store { return &storePG{pool: pool} }

func (r *storePG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *storePG) InsertRun(ctx context.Context, runID uuid.UUID, profile, fetcher, acker, reason string) (int64, error) {
	var id int64
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO ingestion_run (run_id, profile, fetcher_name, acker_name, poll_reason)
		VALUES ($1, NULLIF($2,''), NULLIF($3,''), NULLIF($4,''), NULLIF($5,''))
		RETURNING id`,
		runID, profile, fetcher, acker, reason).Scan(&id)
	return id, err
}

func (r *storePG) CloseRun(ctx context.Context, rowID int64, c RunCounters) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE ingestion_run
		SET ended_at = now(),
		    files_discovered = $2,
		    files_pulled = $3,
		    files_processed_ok = $4,
		    files_failed = $5,
		    files_already = $6
		WHERE id = $1`,
		rowID, c.Discovered, c.Pulled, c.OK, c.Failed, c.Already)
	return err
}

func (r *storePG) UpsertFileAudit(ctx context.Context, runRowID int64, o FileOutcome) error {
	// A retried file within the same run overwrites its earlier outcome;
	// retry_reasons keeps the per-attempt history.
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO ingestion_file_audit (
			ingestion_run_id, ingestion_file_id, file_id, status, reason,
			error_class, retry_count, retry_reasons, verification_passed,
			parsed_claims, parsed_activities,
			persisted_claims, persisted_activities, persisted_events,
			ack_attempted, ack_sent, duration_ms
		) VALUES ($1, $2, $3, $4, NULLIF($5,''), NULLIF($6,''), $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (ingestion_run_id, file_id) DO UPDATE SET
			ingestion_file_id    = EXCLUDED.ingestion_file_id,
			status               = EXCLUDED.status,
			reason               = EXCLUDED.reason,
			error_class          = EXCLUDED.error_class,
			retry_count          = EXCLUDED.retry_count,
			retry_reasons        = EXCLUDED.retry_reasons,
			verification_passed  = EXCLUDED.verification_passed,
			parsed_claims        = EXCLUDED.parsed_claims,
			parsed_activities    = EXCLUDED.parsed_activities,
			persisted_claims     = EXCLUDED.persisted_claims,
			persisted_activities = EXCLUDED.persisted_activities,
			persisted_events     = EXCLUDED.persisted_events,
			ack_attempted        = EXCLUDED.ack_attempted,
			ack_sent             = EXCLUDED.ack_sent,
			duration_ms          = EXCLUDED.duration_ms,
			updated_at           = now()`,
		runRowID, o.IngestionFileID, o.FileID, int16(o.Status), o.Reason,
		o.ErrorClass, o.RetryCount, o.RetryReasons, o.VerificationPassed,
		o.ParsedClaims, o.ParsedActivities,
		o.PersistedClaims, o.PersistedActs, o.PersistedEvents,
		o.AckAttempted, o.AckSent, o.Duration.Milliseconds())
	return err
}

func (r *storePG) InsertError(ctx context.Context, e ErrorRecord) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO ingestion_error (ingestion_file_id, stage, object_key, error_message, retryable)
		VALUES ($1, $2, NULLIF($3,''), $4, $5)`,
		e.IngestionFileID, e.Stage, e.ObjectKey, e.Message, e.Retryable)
	return err
}
