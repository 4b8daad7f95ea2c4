package persist

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/acme/claims/internal/ingest/model"
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

// The insert-or-reread shape used throughout: attempt the insert, let the
// uniqueness constraint swallow the conflict, and fall back to selecting the
// surviving row. Losers of a race get the winner's id without an error and
// without any application-level lock.
//
// upsertID also covers the narrow race where the competing insert commits
// mid-statement: the insert arm yields nothing and the in-statement reread
// runs on a snapshot that predates that commit, so both arms come back
// empty. The follow-up read runs on a fresh snapshot and adopts the
// winner's row.
func upsertID(ctx context.Context, q queryable, upsertSQL string, upsertArgs []interface{}, rereadSQL string, rereadArgs []interface{}) (int64, error) {
	var id int64
	err := q.QueryRow(ctx, upsertSQL, upsertArgs...).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		err = q.QueryRow(ctx, rereadSQL, rereadArgs...).Scan(&id)
	}
	return id, err
}

func (r *storePG) UpsertClaimKey(ctx context.Context, claimID string) (int64, error) {
	return upsertID(ctx, r.conn(ctx), `
		WITH ins AS (
			INSERT INTO claim_key (claim_id)
			VALUES ($1)
			ON CONFLICT (claim_id) DO NOTHING
			RETURNING id
		)
		SELECT id FROM ins
		UNION ALL
		SELECT id FROM claim_key WHERE claim_id = $1
		LIMIT 1`,
		[]interface{}{claimID},
		`SELECT id FROM claim_key WHERE claim_id = $1`,
		[]interface{}{claimID})
}

func (r *storePG) UpsertClaim(ctx context.Context, claimKeyID, submissionID int64, c *model.Claim, payerRefID, providerRefID *int64) (int64, error) {
	return upsertID(ctx, r.conn(ctx), `
		WITH ins AS (
			INSERT INTO claim (claim_key_id, submission_id, id_payer, member_id,
				payer_id, provider_id, emirates_id_number, gross, patient_share,
				net, comments, payer_ref_id, provider_ref_id)
			VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, NULLIF($7, ''),
				$8, $9, $10, NULLIF($11, ''), $12, $13)
			ON CONFLICT (claim_key_id) DO NOTHING
			RETURNING id
		)
		SELECT id FROM ins
		UNION ALL
		SELECT id FROM claim WHERE claim_key_id = $1
		LIMIT 1`,
		[]interface{}{claimKeyID, submissionID, c.IDPayer, c.MemberID,
			c.PayerID, c.ProviderID, c.EmiratesIDNumber, c.Gross, c.PatientShare,
			c.Net, c.Comments, payerRefID, providerRefID},
		`SELECT id FROM claim WHERE claim_key_id = $1`,
		[]interface{}{claimKeyID})
}

func (r *storePG) GetClaimID(ctx context.Context, claimKeyID int64) (int64, bool, error) {
	var id int64
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT id FROM claim WHERE claim_key_id = $1`, claimKeyID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (r *storePG) InsertEvent(ctx context.Context, e Event) (int64, error) {
	// ON CONFLICT DO NOTHING covers both the (claim, type, time) dedup
	// constraint and the one-submission-per-claim partial index. The
	// fallback select adopts the winner: for SUBMISSION by claim alone
	// (whatever event_time the winner carried), otherwise by the exact triple.
	return upsertID(ctx, r.conn(ctx), `
		WITH ins AS (
			INSERT INTO claim_event (claim_key_id, ingestion_file_id, event_time,
				type, submission_id, remittance_id)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT DO NOTHING
			RETURNING id
		)
		SELECT id FROM ins
		UNION ALL
		SELECT id FROM claim_event
		WHERE claim_key_id = $1 AND type = $4
		  AND ($4 = 1 OR event_time = $3)
		LIMIT 1`,
		[]interface{}{e.ClaimKeyID, e.FileID, e.Time, int16(e.Type), e.SubmissionID, e.RemittanceID},
		`SELECT id FROM claim_event
		WHERE claim_key_id = $1 AND type = $2
		  AND ($2 = 1 OR event_time = $3)
		LIMIT 1`,
		[]interface{}{e.ClaimKeyID, int16(e.Type), e.Time})
}

func (r *storePG) InsertEventActivity(ctx context.Context, eventID int64, a *model.Activity) (int64, bool, error) {
	var id int64
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO claim_event_activity (claim_event_id, activity_id_at_event,
			start_at_event, type_at_event, code_at_event, quantity_at_event,
			net_at_event, clinician_at_event, prior_authorization_id_at_event)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7,
			NULLIF($8, ''), NULLIF($9, ''))
		ON CONFLICT (claim_event_id, activity_id_at_event) DO NOTHING
		RETURNING id`,
		eventID, a.ID, a.Start, a.Type, a.Code, a.Quantity,
		a.Net, a.Clinician, a.PriorAuthorizationID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		err = r.conn(ctx).QueryRow(ctx,
			`SELECT id FROM claim_event_activity WHERE claim_event_id = $1 AND activity_id_at_event = $2`,
			eventID, a.ID).Scan(&id)
		return id, false, err
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (r *storePG) InsertEventObservation(ctx context.Context, eventActivityID int64, o *model.Observation) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO event_observation (claim_event_activity_id, obs_type, obs_code,
			value_text, value_type)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''))`,
		eventActivityID, o.Type, o.Code, o.Value, o.ValueType)
	return err
}

func (r *storePG) UpsertActivity(ctx context.Context, claimID int64, a *model.Activity, clinicianRefID, codeRefID *int64) (int64, error) {
	return upsertID(ctx, r.conn(ctx), `
		WITH ins AS (
			INSERT INTO activity (claim_id, activity_id, start_at, activity_type,
				code, quantity, net, clinician, prior_authorization_id,
				clinician_ref_id, activity_code_ref_id)
			VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7,
				NULLIF($8, ''), NULLIF($9, ''), $10, $11)
			ON CONFLICT (claim_id, activity_id) DO NOTHING
			RETURNING id
		)
		SELECT id FROM ins
		UNION ALL
		SELECT id FROM activity WHERE claim_id = $1 AND activity_id = $2
		LIMIT 1`,
		[]interface{}{claimID, a.ID, a.Start, a.Type, a.Code, a.Quantity, a.Net,
			a.Clinician, a.PriorAuthorizationID, clinicianRefID, codeRefID},
		`SELECT id FROM activity WHERE claim_id = $1 AND activity_id = $2`,
		[]interface{}{claimID, a.ID})
}

func (r *storePG) UpsertDiagnosis(ctx context.Context, claimID int64, d *model.Diagnosis) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO diagnosis (claim_id, diag_type, code)
		VALUES ($1, $2, $3)
		ON CONFLICT (claim_id, diag_type, code) DO NOTHING`,
		claimID, d.Type, d.Code)
	return err
}

func (r *storePG) InsertResubmission(ctx context.Context, eventID int64, res *model.Resubmission) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO claim_resubmission (claim_event_id, resubmission_type, comment, attachment)
		VALUES ($1, $2, NULLIF($3, ''), $4)
		ON CONFLICT (claim_event_id) DO NOTHING`,
		eventID, res.Type, res.Comment, res.Attachment)
	return err
}

func (r *storePG) UpsertSubmission(ctx context.Context, fileID int64, txAt time.Time) (int64, error) {
	return upsertID(ctx, r.conn(ctx), `
		WITH ins AS (
			INSERT INTO submission (ingestion_file_id, tx_at)
			VALUES ($1, $2)
			ON CONFLICT (ingestion_file_id) DO NOTHING
			RETURNING id
		)
		SELECT id FROM ins
		UNION ALL
		SELECT id FROM submission WHERE ingestion_file_id = $1
		LIMIT 1`,
		[]interface{}{fileID, txAt},
		`SELECT id FROM submission WHERE ingestion_file_id = $1`,
		[]interface{}{fileID})
}

func (r *storePG) UpsertRemittance(ctx context.Context, fileID int64, txAt time.Time) (int64, error) {
	return upsertID(ctx, r.conn(ctx), `
		WITH ins AS (
			INSERT INTO remittance (ingestion_file_id, tx_at)
			VALUES ($1, $2)
			ON CONFLICT (ingestion_file_id) DO NOTHING
			RETURNING id
		)
		SELECT id FROM ins
		UNION ALL
		SELECT id FROM remittance WHERE ingestion_file_id = $1
		LIMIT 1`,
		[]interface{}{fileID, txAt},
		`SELECT id FROM remittance WHERE ingestion_file_id = $1`,
		[]interface{}{fileID})
}

func (r *storePG) UpsertRemittanceClaim(ctx context.Context, remittanceID, claimKeyID int64, rc *model.RemittanceClaim) (int64, error) {
	return upsertID(ctx, r.conn(ctx), `
		WITH ins AS (
			INSERT INTO remittance_claim (remittance_id, claim_key_id, id_payer,
				provider_id, denial_code, payment_reference, date_settlement)
			VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''),
				NULLIF($6, ''), $7)
			ON CONFLICT (remittance_id, claim_key_id) DO NOTHING
			RETURNING id
		)
		SELECT id FROM ins
		UNION ALL
		SELECT id FROM remittance_claim WHERE remittance_id = $1 AND claim_key_id = $2
		LIMIT 1`,
		[]interface{}{remittanceID, claimKeyID, rc.IDPayer, rc.ProviderID, rc.DenialCode,
			rc.PaymentReference, rc.DateSettlement},
		`SELECT id FROM remittance_claim WHERE remittance_id = $1 AND claim_key_id = $2`,
		[]interface{}{remittanceID, claimKeyID})
}

func (r *storePG) UpsertRemittanceActivity(ctx context.Context, remittanceClaimID int64, ra *model.RemittanceActivity, denialRefID *int64) (int64, error) {
	return upsertID(ctx, r.conn(ctx), `
		WITH ins AS (
			INSERT INTO remittance_activity (remittance_claim_id, activity_id,
				start_at, activity_type, code, quantity, net, gross, patient_share,
				payment_amount, denial_code, clinician, prior_authorization_id, denial_ref_id)
			VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8, $9,
				$10, NULLIF($11, ''), NULLIF($12, ''), NULLIF($13, ''), $14)
			ON CONFLICT (remittance_claim_id, activity_id) DO NOTHING
			RETURNING id
		)
		SELECT id FROM ins
		UNION ALL
		SELECT id FROM remittance_activity WHERE remittance_claim_id = $1 AND activity_id = $2
		LIMIT 1`,
		[]interface{}{remittanceClaimID, ra.ID, ra.Start, ra.Type, ra.Code, ra.Quantity,
			ra.Net, ra.Gross, ra.PatientShare, ra.PaymentAmount, ra.DenialCode,
			ra.Clinician, ra.PriorAuthorizationID, denialRefID},
		`SELECT id FROM remittance_activity WHERE remittance_claim_id = $1 AND activity_id = $2`,
		[]interface{}{remittanceClaimID, ra.ID})
}
