package persist

import (
	"context"
	"time"

	"github.com/acme/claims/internal/ingest/model"
)

// Event is one lifecycle transition to append to the claim event log.
type Event struct {
	ClaimKeyID   int64
	FileID       int64
	Time         time.Time
	Type         model.EventType
	SubmissionID *int64
	RemittanceID *int64
}

// Store is the event-store write surface. Every upsert resolves races and
// re-ingestion through store-level uniqueness: the returned id is always the
// surviving row, whether this call inserted it or an earlier writer did.
// No method ever reports a dedup conflict as an error.
type Store interface {
	UpsertClaimKey(ctx context.Context, claimID string) (int64, error)
	// UpsertClaim inserts the first-submission snapshot; on conflict the
	// existing row wins and its id is returned untouched.
	UpsertClaim(ctx context.Context, claimKeyID, submissionID int64, c *model.Claim, payerRefID, providerRefID *int64) (int64, error)
	GetClaimID(ctx context.Context, claimKeyID int64) (int64, bool, error)
	// InsertEvent appends the event, deduplicated on (claim, type, time) and,
	// for SUBMISSION, on the claim alone. Losers receive the winner's id.
	InsertEvent(ctx context.Context, e Event) (int64, error)
	// InsertEventActivity snapshots an activity under an event. inserted is
	// false when the snapshot already existed from an earlier ingestion.
	InsertEventActivity(ctx context.Context, eventID int64, a *model.Activity) (id int64, inserted bool, err error)
	InsertEventObservation(ctx context.Context, eventActivityID int64, o *model.Observation) error
	UpsertActivity(ctx context.Context, claimID int64, a *model.Activity, clinicianRefID, codeRefID *int64) (int64, error)
	UpsertDiagnosis(ctx context.Context, claimID int64, d *model.Diagnosis) error
	InsertResubmission(ctx context.Context, eventID int64, r *model.Resubmission) error
	UpsertSubmission(ctx context.Context, fileID int64, txAt time.Time) (int64, error)
	UpsertRemittance(ctx context.Context, fileID int64, txAt time.Time) (int64, error)
	UpsertRemittanceClaim(ctx context.Context, remittanceID, claimKeyID int64, rc *model.RemittanceClaim) (int64, error)
	UpsertRemittanceActivity(ctx context.Context, remittanceClaimID int64, ra *model.RemittanceActivity, denialRefID *int64) (int64, error)
}

// RefResolver resolves reference codes to registry ids, creating entries on
// first sighting. Empty codes resolve to nil.
type RefResolver interface {
	Ensure(ctx context.Context, codeType, code string) (*int64, error)
}

// Counts reports what one file's persistence actually wrote or touched.
// VerifyService compares these against the store after commit.
type Counts struct {
	Claims               int
	Events               int
	Activities           int
	Diagnoses            int
	Observations         int
	RemittanceClaims     int
	RemittanceActivities int
}
