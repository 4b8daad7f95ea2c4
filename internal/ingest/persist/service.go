// Package persist projects parsed claim and remittance files into the
// append-only event store. Projection is idempotent: re-ingesting a file, or
// racing another worker on the same claim, converges on the same rows through
// store-level uniqueness alone.
package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/acme/claims/internal/ingest/model"
	"github.com/acme/claims/internal/ingest/reconcile"
	"github.com/acme/claims/internal/platform/db"
)

const (
	RefPayer     = "payer"
	RefProvider  = "provider"
	RefClinician = "clinician"
	RefActivity  = "activity"
	RefDiagnosis = "diagnosis"
	RefDenial    = "denial"
)

// Service persists one parsed file per call, inside a single transaction.
// A failure anywhere rolls the whole file back: no partial projection is
// ever left visible.
type Service struct {
	store Store
	ref   RefResolver
	rec   *reconcile.Engine
	tx    db.TxRunner
	log   zerolog.Logger
}

func NewService(store Store, ref RefResolver, rec *reconcile.Engine, tx db.TxRunner, log zerolog.Logger) *Service {
	return &Service{
		store: store,
		ref:   ref,
		rec:   rec,
		tx:    tx,
		log:   log.With().Str("component", "persist").Logger(),
	}
}

// PersistFile projects the file into the event store. fileID is the
// ingestion_file row id registered before parsing.
func (s *Service) PersistFile(ctx context.Context, fileID int64, f *model.ParsedFile) (Counts, error) {
	if err := f.Validate(); err != nil {
		return Counts{}, fmt.Errorf("validate file: %w", err)
	}

	var counts Counts
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		switch f.RootType {
		case model.RootSubmission:
			counts, err = s.persistSubmission(ctx, fileID, f)
		case model.RootRemittance:
			counts, err = s.persistRemittance(ctx, fileID, f)
		default:
			err = fmt.Errorf("unknown root type %d", f.RootType)
		}
		return err
	})
	if err != nil {
		return Counts{}, err
	}

	s.log.Info().
		Str("file_id", f.FileID).
		Str("root_type", f.RootType.String()).
		Int("claims", counts.Claims).
		Int("events", counts.Events).
		Int("activities", counts.Activities).
		Int("remit_claims", counts.RemittanceClaims).
		Int("remit_activities", counts.RemittanceActivities).
		Msg("file persisted")
	return counts, nil
}

func (s *Service) persistSubmission(ctx context.Context, fileID int64, f *model.ParsedFile) (Counts, error) {
	var counts Counts

	submissionID, err := s.store.UpsertSubmission(ctx, fileID, f.Header.TransactionDate)
	if err != nil {
		return counts, classify("upsert submission", err)
	}

	for i := range f.Claims {
		c := &f.Claims[i]
		if err := s.persistClaim(ctx, fileID, submissionID, f.Header.TransactionDate, c, &counts); err != nil {
			return counts, err
		}
	}
	return counts, nil
}

// persistClaim projects one submitted claim: identity, snapshot, event,
// detail rows, then reconciliation for every activity touched.
func (s *Service) persistClaim(ctx context.Context, fileID, submissionID int64, eventTime time.Time, c *model.Claim, counts *Counts) error {
	keyID, err := s.store.UpsertClaimKey(ctx, c.ID)
	if err != nil {
		return classify("upsert claim key", err)
	}

	eventType := model.EventSubmission
	if c.Resubmission != nil {
		eventType = model.EventResubmission
	}

	var claimID int64
	if eventType == model.EventSubmission {
		payerRef, err := s.ref.Ensure(ctx, RefPayer, c.PayerID)
		if err != nil {
			return classify("resolve payer ref", err)
		}
		providerRef, err := s.ref.Ensure(ctx, RefProvider, c.ProviderID)
		if err != nil {
			return classify("resolve provider ref", err)
		}
		claimID, err = s.store.UpsertClaim(ctx, keyID, submissionID, c, payerRef, providerRef)
		if err != nil {
			return classify("upsert claim", err)
		}
		counts.Claims++
	} else {
		// A resubmission amends a claim that may have been submitted through
		// an earlier file, or through none we have seen. The snapshot row is
		// never touched; detail upserts only apply when it exists.
		var found bool
		claimID, found, err = s.store.GetClaimID(ctx, keyID)
		if err != nil {
			return classify("lookup claim", err)
		}
		if !found {
			claimID = 0
		}
	}

	eventID, err := s.store.InsertEvent(ctx, Event{
		ClaimKeyID:   keyID,
		FileID:       fileID,
		Time:         eventTime,
		Type:         eventType,
		SubmissionID: &submissionID,
	})
	if err != nil {
		return classify("insert event", err)
	}
	counts.Events++

	for j := range c.Activities {
		a := &c.Activities[j]

		eaID, inserted, err := s.store.InsertEventActivity(ctx, eventID, a)
		if err != nil {
			return classify("insert event activity", err)
		}
		if inserted {
			for k := range a.Observations {
				if err := s.store.InsertEventObservation(ctx, eaID, &a.Observations[k]); err != nil {
					return classify("insert observation", err)
				}
				counts.Observations++
			}
		}

		if claimID != 0 && eventType == model.EventSubmission {
			clinRef, err := s.ref.Ensure(ctx, RefClinician, a.Clinician)
			if err != nil {
				return classify("resolve clinician ref", err)
			}
			codeRef, err := s.ref.Ensure(ctx, RefActivity, a.Code)
			if err != nil {
				return classify("resolve activity code ref", err)
			}
			if _, err := s.store.UpsertActivity(ctx, claimID, a, clinRef, codeRef); err != nil {
				return classify("upsert activity", err)
			}
			counts.Activities++
		}
	}

	if claimID != 0 {
		for j := range c.Diagnoses {
			if _, err := s.ref.Ensure(ctx, RefDiagnosis, c.Diagnoses[j].Code); err != nil {
				return classify("resolve diagnosis ref", err)
			}
			if err := s.store.UpsertDiagnosis(ctx, claimID, &c.Diagnoses[j]); err != nil {
				return classify("upsert diagnosis", err)
			}
			counts.Diagnoses++
		}
	}

	if c.Resubmission != nil {
		if err := s.store.InsertResubmission(ctx, eventID, c.Resubmission); err != nil {
			return classify("insert resubmission", err)
		}
	}

	for j := range c.Activities {
		if err := s.rec.RecomputeActivity(ctx, keyID, c.Activities[j].ID); err != nil {
			return fmt.Errorf("reconcile activity %s: %w", c.Activities[j].ID, err)
		}
	}
	if err := s.rec.RecomputeClaim(ctx, keyID); err != nil {
		return fmt.Errorf("reconcile claim %s: %w", c.ID, err)
	}

	return nil
}

func (s *Service) persistRemittance(ctx context.Context, fileID int64, f *model.ParsedFile) (Counts, error) {
	var counts Counts

	remittanceID, err := s.store.UpsertRemittance(ctx, fileID, f.Header.TransactionDate)
	if err != nil {
		return counts, classify("upsert remittance", err)
	}

	for i := range f.RemittanceClaims {
		rc := &f.RemittanceClaims[i]

		keyID, err := s.store.UpsertClaimKey(ctx, rc.ID)
		if err != nil {
			return counts, classify("upsert claim key", err)
		}

		rcID, err := s.store.UpsertRemittanceClaim(ctx, remittanceID, keyID, rc)
		if err != nil {
			return counts, classify("upsert remittance claim", err)
		}
		counts.RemittanceClaims++

		eventTime := f.Header.TransactionDate
		if rc.DateSettlement != nil {
			eventTime = *rc.DateSettlement
		}
		if _, err := s.store.InsertEvent(ctx, Event{
			ClaimKeyID:   keyID,
			FileID:       fileID,
			Time:         eventTime,
			Type:         model.EventRemittance,
			RemittanceID: &remittanceID,
		}); err != nil {
			return counts, classify("insert event", err)
		}
		counts.Events++

		for j := range rc.Activities {
			ra := &rc.Activities[j]
			denialRef, err := s.ref.Ensure(ctx, RefDenial, ra.DenialCode)
			if err != nil {
				return counts, classify("resolve denial ref", err)
			}
			if _, err := s.store.UpsertRemittanceActivity(ctx, rcID, ra, denialRef); err != nil {
				return counts, classify("upsert remittance activity", err)
			}
			counts.RemittanceActivities++

			if err := s.rec.RecomputeActivity(ctx, keyID, ra.ID); err != nil {
				return counts, fmt.Errorf("reconcile activity %s: %w", ra.ID, err)
			}
		}

		if err := s.rec.RecomputeClaim(ctx, keyID); err != nil {
			return counts, fmt.Errorf("reconcile claim %s: %w", rc.ID, err)
		}
	}

	return counts, nil
}
