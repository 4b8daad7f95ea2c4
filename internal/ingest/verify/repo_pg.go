package verify

import (
	"context"

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

func (r *storePG) ClaimKeys(ctx context.Context, claimIDs []string) (map[string]int64, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT claim_id, id FROM claim_key WHERE claim_id = ANY($1)`, claimIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64, len(claimIDs))
	for rows.Next() {
		var claimID string
		var id int64
		if err := rows.Scan(&claimID, &id); err != nil {
			return nil, err
		}
		out[claimID] = id
	}
	return out, rows.Err()
}

func (r *storePG) RemittanceClaimKeys(ctx context.Context, fileID int64) ([]int64, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT rc.claim_key_id
		FROM remittance_claim rc
		JOIN remittance r ON r.id = rc.remittance_id
		WHERE r.ingestion_file_id = $1`, fileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIDs(rows)
}

func (r *storePG) EventExists(ctx context.Context, claimKeyID int64, t model.EventType) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM claim_event WHERE claim_key_id = $1 AND type = $2)`,
		claimKeyID, int16(t)).Scan(&exists)
	return exists, err
}

func (r *storePG) ActivityCount(ctx context.Context, claimKeyID int64, activityIDs []string) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*)
		FROM activity a
		JOIN claim c ON c.id = a.claim_id
		WHERE c.claim_key_id = $1 AND a.activity_id = ANY($2)`,
		claimKeyID, activityIDs).Scan(&n)
	return n, err
}

func (r *storePG) RemittanceActivityCount(ctx context.Context, fileID int64) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*)
		FROM remittance_activity ra
		JOIN remittance_claim rc ON rc.id = ra.remittance_claim_id
		JOIN remittance r ON r.id = rc.remittance_id
		WHERE r.ingestion_file_id = $1`, fileID).Scan(&n)
	return n, err
}

func (r *storePG) OrphanEventActivities(ctx context.Context, claimKeyIDs []int64) (int, error) {
	// Snapshot rows under these claims' submission events whose activity
	// never landed in the activity table.
	var n int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*)
		FROM claim_event_activity cea
		JOIN claim_event ce ON ce.id = cea.claim_event_id
		JOIN claim c ON c.claim_key_id = ce.claim_key_id
		WHERE ce.claim_key_id = ANY($1) AND ce.type = 1
		  AND NOT EXISTS (
			SELECT 1 FROM activity a
			WHERE a.claim_id = c.id AND a.activity_id = cea.activity_id_at_event
		  )`, claimKeyIDs).Scan(&n)
	return n, err
}

func (r *storePG) UnresolvedClaimRefs(ctx context.Context, claimKeyIDs []int64) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*)
		FROM claim c
		WHERE c.claim_key_id = ANY($1)
		  AND (c.payer_ref_id IS NULL OR c.provider_ref_id IS NULL)`,
		claimKeyIDs).Scan(&n)
	return n, err
}

func (r *storePG) UnresolvedRemittanceRefs(ctx context.Context, fileID int64) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*)
		FROM remittance_activity ra
		JOIN remittance_claim rc ON rc.id = ra.remittance_claim_id
		JOIN remittance r ON r.id = rc.remittance_id
		WHERE r.ingestion_file_id = $1
		  AND ra.denial_code IS NOT NULL AND ra.denial_ref_id IS NULL`,
		fileID).Scan(&n)
	return n, err
}

func scanIDs(rows pgx.Rows) ([]int64, error) {
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
