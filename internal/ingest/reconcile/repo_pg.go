package reconcile

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

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

func (r *storePG) SubmittedNet(ctx context.Context, claimKeyID int64, activityID string) (decimal.Decimal, bool, error) {
	var net decimal.Decimal
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COALESCE(a.net, 0)
		FROM activity a
		JOIN claim c ON c.id = a.claim_id
		WHERE c.claim_key_id = $1 AND a.activity_id = $2`,
		claimKeyID, activityID).Scan(&net)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	return net, true, nil
}

func (r *storePG) Cycles(ctx context.Context, claimKeyID int64, activityID string) ([]Cycle, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT ra.id, ra.payment_amount, COALESCE(ra.denial_code, ''), rc.date_settlement
		FROM remittance_activity ra
		JOIN remittance_claim rc ON rc.id = ra.remittance_claim_id
		WHERE rc.claim_key_id = $1 AND ra.activity_id = $2
		ORDER BY ra.id`,
		claimKeyID, activityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cycles []Cycle
	for rows.Next() {
		var c Cycle
		if err := rows.Scan(&c.InsertionID, &c.PaymentAmount, &c.DenialCode, &c.SettlementDate); err != nil {
			return nil, err
		}
		cycles = append(cycles, c)
	}
	return cycles, rows.Err()
}

func (r *storePG) UpsertActivitySummary(ctx context.Context, claimKeyID int64, s Summary) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO claim_activity_summary (
			claim_key_id, activity_id, submitted_net, raw_paid_amount, paid_amount,
			denied_amount, latest_denial_code, latest_settlement_date,
			remittance_cycle_count, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10, now())
		ON CONFLICT (claim_key_id, activity_id) DO UPDATE SET
			submitted_net = EXCLUDED.submitted_net,
			raw_paid_amount = EXCLUDED.raw_paid_amount,
			paid_amount = EXCLUDED.paid_amount,
			denied_amount = EXCLUDED.denied_amount,
			latest_denial_code = EXCLUDED.latest_denial_code,
			latest_settlement_date = EXCLUDED.latest_settlement_date,
			remittance_cycle_count = EXCLUDED.remittance_cycle_count,
			status = EXCLUDED.status,
			updated_at = now()`,
		claimKeyID, s.ActivityID, s.SubmittedNet, s.RawPaid, s.Paid,
		s.Denied, s.LatestDenialCode, s.LatestSettlementDate,
		s.CycleCount, string(s.Status))
	return err
}

const summaryCols = `activity_id, submitted_net, raw_paid_amount, paid_amount,
	denied_amount, COALESCE(latest_denial_code, ''), latest_settlement_date,
	remittance_cycle_count, status`

func (r *storePG) ActivitySummaries(ctx context.Context, claimKeyID int64) ([]Summary, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+summaryCols+` FROM claim_activity_summary WHERE claim_key_id = $1 ORDER BY activity_id`,
		claimKeyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Summary
	for rows.Next() {
		var s Summary
		var status string
		if err := rows.Scan(&s.ActivityID, &s.SubmittedNet, &s.RawPaid, &s.Paid,
			&s.Denied, &s.LatestDenialCode, &s.LatestSettlementDate,
			&s.CycleCount, &status); err != nil {
			return nil, err
		}
		s.Status = Status(status)
		items = append(items, s)
	}
	return items, rows.Err()
}

func (r *storePG) EventCount(ctx context.Context, claimKeyID int64, t model.EventType) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM claim_event WHERE claim_key_id = $1 AND type = $2`,
		claimKeyID, int16(t)).Scan(&n)
	return n, err
}

func (r *storePG) UpsertClaimPayment(ctx context.Context, claimKeyID int64, cs ClaimSummary, remittanceCount, resubmissionCount int) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO claim_payment (
			claim_key_id, total_submitted_net, total_paid_amount, total_denied_amount,
			activity_count, pending_count, partially_paid_count, fully_paid_count,
			rejected_count, remittance_count, resubmission_count, payment_status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now())
		ON CONFLICT (claim_key_id) DO UPDATE SET
			total_submitted_net = EXCLUDED.total_submitted_net,
			total_paid_amount = EXCLUDED.total_paid_amount,
			total_denied_amount = EXCLUDED.total_denied_amount,
			activity_count = EXCLUDED.activity_count,
			pending_count = EXCLUDED.pending_count,
			partially_paid_count = EXCLUDED.partially_paid_count,
			fully_paid_count = EXCLUDED.fully_paid_count,
			rejected_count = EXCLUDED.rejected_count,
			remittance_count = EXCLUDED.remittance_count,
			resubmission_count = EXCLUDED.resubmission_count,
			payment_status = EXCLUDED.payment_status,
			updated_at = now()`,
		claimKeyID, cs.TotalSubmitted, cs.TotalPaid, cs.TotalDenied,
		cs.ActivityCount, cs.Pending, cs.PartiallyPaid, cs.FullyPaid,
		cs.Rejected, remittanceCount, resubmissionCount, string(cs.Status))
	return err
}
