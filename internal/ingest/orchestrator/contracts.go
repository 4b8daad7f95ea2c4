package orchestrator

import (
	"context"
	"io"

	"github.com/acme/claims/internal/ingest/model"
	"github.com/acme/claims/internal/ingest/persist"
	"github.com/acme/claims/internal/ingest/verify"
)

// WorkItem is one discovered file with its raw payload.
type WorkItem struct {
	FileID   string
	FileName string
	Data     []byte
}

// Fetcher discovers pending files. Poll returns everything currently pending;
// files the orchestrator could not take this cycle must simply show up again
// on the next Poll. Archive moves a finished file out of the pending set,
// best-effort.
type Fetcher interface {
	Name() string
	Poll(ctx context.Context) ([]WorkItem, error)
	Archive(ctx context.Context, item WorkItem) error
}

// Ack is the terminal-outcome notification for one file. Success reports
// whether processing reached a committed (or already-committed) state;
// VerificationPassed carries the post-commit check result, false when no
// verification ran.
type Ack struct {
	FileID             string
	Success            bool
	VerificationPassed bool
}

// Acker notifies the sender that a file reached a terminal outcome. Every
// settled file is offered, failures included; the implementation decides
// what to send.
type Acker interface {
	Name() string
	Ack(ctx context.Context, a Ack) error
}

// NoopAcker is the default when no sender callback is configured.
type NoopAcker struct{}

func (NoopAcker) Name() string                   { return "noop" }
func (NoopAcker) Ack(context.Context, Ack) error { return nil }

// Parser decodes a raw document into the model shape.
type Parser interface {
	Parse(fileID, fileName string, r io.Reader) (*model.ParsedFile, error)
}

// Persister projects a parsed file into the store.
type Persister interface {
	PersistFile(ctx context.Context, fileID int64, f *model.ParsedFile) (persist.Counts, error)
}

// Verifier re-checks the committed state after persistence.
type Verifier interface {
	VerifyFile(ctx context.Context, fileID int64, f *model.ParsedFile, persisted persist.Counts) verify.Report
}

// Store is the orchestrator's own persistence: file registration and the
// already-projected short-circuit.
type Store interface {
	// AlreadyProjected reports whether events were ever committed for this
	// file, keyed by the sender's file id.
	AlreadyProjected(ctx context.Context, fileID string) (bool, error)
	// RegisterFile upserts the ingestion_file row and returns its id.
	RegisterFile(ctx context.Context, f *model.ParsedFile) (int64, error)
}
