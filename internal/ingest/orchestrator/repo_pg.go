package orchestrator

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

func (r *storePG) AlreadyProjected(ctx context.Context, fileID string) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM claim_event ce
			JOIN ingestion_file f ON f.id = ce.ingestion_file_id
			WHERE f.file_id = $1
		)`, fileID).Scan(&exists)
	return exists, err
}

func (r *storePG) RegisterFile(ctx context.Context, f *model.ParsedFile) (int64, error) {
	var id int64
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO ingestion_file (
			file_id, file_name, root_type, sender_id, receiver_id,
			transaction_date, record_count_declared, disposition_flag
		) VALUES ($1, NULLIF($2,''), $3, NULLIF($4,''), NULLIF($5,''), $6, $7, NULLIF($8,''))
		ON CONFLICT (file_id) DO UPDATE SET
			file_name             = EXCLUDED.file_name,
			root_type             = EXCLUDED.root_type,
			sender_id             = EXCLUDED.sender_id,
			receiver_id           = EXCLUDED.receiver_id,
			transaction_date      = EXCLUDED.transaction_date,
			record_count_declared = EXCLUDED.record_count_declared,
			disposition_flag      = EXCLUDED.disposition_flag,
			updated_at            = now()
		RETURNING id`,
		f.FileID, f.FileName, int16(f.RootType), f.Header.SenderID, f.Header.ReceiverID,
		f.Header.TransactionDate, f.Header.RecordCount, f.Header.DispositionFlag).Scan(&id)
	return id, err
}
