package reconcile

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/acme/claims/internal/ingest/model"
)

// Store is the persistence surface the engine recomputes through. All methods
// resolve their connection from the context, so a recompute invoked inside a
// persistence transaction reads and writes under that transaction.
type Store interface {
	// SubmittedNet returns the submitted net amount of an activity, or
	// found=false when no submission has landed for it yet.
	SubmittedNet(ctx context.Context, claimKeyID int64, activityID string) (amount decimal.Decimal, found bool, err error)
	// Cycles returns every remittance cycle on record for the activity,
	// joined through the business key.
	Cycles(ctx context.Context, claimKeyID int64, activityID string) ([]Cycle, error)
	UpsertActivitySummary(ctx context.Context, claimKeyID int64, s Summary) error
	ActivitySummaries(ctx context.Context, claimKeyID int64) ([]Summary, error)
	EventCount(ctx context.Context, claimKeyID int64, t model.EventType) (int, error)
	UpsertClaimPayment(ctx context.Context, claimKeyID int64, cs ClaimSummary, remittanceCount, resubmissionCount int) error
}

// Engine recomputes activity and claim rollups. It holds no state of its own:
// the store is the single source of truth and every recompute starts from the
// full cycle set.
type Engine struct {
	store Store
	log   zerolog.Logger
}

func NewEngine(store Store, log zerolog.Logger) *Engine {
	return &Engine{
		store: store,
		log:   log.With().Str("component", "reconcile").Logger(),
	}
}

// RecomputeActivity rebuilds the summary row for one activity from all of its
// remittance cycles. Recomputing on unchanged input writes the same values.
func (e *Engine) RecomputeActivity(ctx context.Context, claimKeyID int64, activityID string) error {
	cycles, err := e.store.Cycles(ctx, claimKeyID, activityID)
	if err != nil {
		return fmt.Errorf("load cycles for activity %s: %w", activityID, err)
	}

	submittedNet, found, err := e.store.SubmittedNet(ctx, claimKeyID, activityID)
	if err != nil {
		return fmt.Errorf("load submitted net for activity %s: %w", activityID, err)
	}
	if !found {
		// Remittance arrived before the submission. There is no cap basis
		// yet; carry payments uncapped and let the submission's recompute
		// settle the final figures.
		submittedNet = decimal.Zero
		for i := range cycles {
			submittedNet = submittedNet.Add(cycles[i].PaymentAmount)
		}
	}

	s := Summarize(submittedNet, cycles)
	s.ActivityID = activityID

	if err := e.store.UpsertActivitySummary(ctx, claimKeyID, s); err != nil {
		return fmt.Errorf("upsert summary for activity %s: %w", activityID, err)
	}

	e.log.Debug().
		Int64("claim_key_id", claimKeyID).
		Str("activity_id", activityID).
		Str("status", string(s.Status)).
		Str("paid", s.Paid.String()).
		Int("cycles", s.CycleCount).
		Msg("activity recomputed")

	return nil
}

// RecomputeClaim re-aggregates the claim-level payment row from all of the
// claim's activity summaries.
func (e *Engine) RecomputeClaim(ctx context.Context, claimKeyID int64) error {
	summaries, err := e.store.ActivitySummaries(ctx, claimKeyID)
	if err != nil {
		return fmt.Errorf("load activity summaries for claim key %d: %w", claimKeyID, err)
	}

	cs := RollupClaim(summaries)

	remits, err := e.store.EventCount(ctx, claimKeyID, model.EventRemittance)
	if err != nil {
		return fmt.Errorf("count remittance events for claim key %d: %w", claimKeyID, err)
	}
	resubs, err := e.store.EventCount(ctx, claimKeyID, model.EventResubmission)
	if err != nil {
		return fmt.Errorf("count resubmission events for claim key %d: %w", claimKeyID, err)
	}

	if err := e.store.UpsertClaimPayment(ctx, claimKeyID, cs, remits, resubs); err != nil {
		return fmt.Errorf("upsert claim payment for claim key %d: %w", claimKeyID, err)
	}

	return nil
}
