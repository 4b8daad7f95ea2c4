// Package refdata resolves external codes (payers, providers, clinicians,
// activity codes, diagnoses, denial codes) into registry row ids. Codes seen
// for the first time are registered on the fly; resolution is opportunistic
// and a miss never blocks persistence.
package refdata

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/acme/claims/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// Resolver registers and resolves codes against the ref_code table. Resolved
// ids are cached for the process lifetime; the registry is append-only so the
// cache never goes stale.
type Resolver struct {
	pool  *pgxpool.Pool
	log   zerolog.Logger
	cache sync.Map // "type\x00code" -> int64
}

func NewResolver(pool *pgxpool.Pool, log zerolog.Logger) *Resolver {
	return &Resolver{
		pool: pool,
		log:  log.With().Str("component", "refdata").Logger(),
	}
}

func (r *Resolver) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

// Ensure resolves codeType/code to its registry id, inserting the code on
// first sight. Returns nil for an empty code. Concurrent first sights of the
// same code race through the insert; the loser re-reads the winner's row.
func (r *Resolver) Ensure(ctx context.Context, codeType, code string) (*int64, error) {
	if code == "" {
		return nil, nil
	}
	key := codeType + "\x00" + code
	if v, ok := r.cache.Load(key); ok {
		id := v.(int64)
		return &id, nil
	}

	var id int64
	err := r.conn(ctx).QueryRow(ctx, `
		WITH ins AS (
			INSERT INTO ref_code (code_type, code)
			VALUES ($1, $2)
			ON CONFLICT (code_type, code) DO NOTHING
			RETURNING id
		)
		SELECT id FROM ins
		UNION ALL
		SELECT id FROM ref_code WHERE code_type = $1 AND code = $2
		LIMIT 1`, codeType, code).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		// A concurrent writer committed the code after this statement's
		// snapshot was taken; a fresh read sees the surviving row.
		err = r.conn(ctx).QueryRow(ctx,
			`SELECT id FROM ref_code WHERE code_type = $1 AND code = $2`,
			codeType, code).Scan(&id)
	}
	if err != nil {
		return nil, err
	}
	// An id minted inside a transaction is not durable until that transaction
	// commits; caching it would leak a dead id on rollback. Such codes are
	// cached on their next resolution instead.
	if db.TxFromContext(ctx) == nil {
		r.cache.Store(key, id)
	}
	return &id, nil
}
