// Package verify independently re-checks, after commit, that what a file's
// persistence claims to have written is actually in the store. Findings are
// diagnostics recorded in the audit trail; they never fail a file.
package verify

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/acme/claims/internal/ingest/model"
	"github.com/acme/claims/internal/ingest/persist"
)

type CheckStatus string

const (
	CheckPass CheckStatus = "PASS"
	CheckFail CheckStatus = "FAIL"
	CheckWarn CheckStatus = "WARN"
)

// Check is one named verification with its outcome.
type Check struct {
	Name   string
	Status CheckStatus
	Detail string
}

// Report is the result of verifying one file. Passed is false only when at
// least one check FAILed; warnings alone do not fail verification.
type Report struct {
	FileID string
	Passed bool
	Checks []Check
}

// Store reads persisted state for verification. Submission-side lookups
// resolve through the business claim identity carried in the payload, never
// through an event's insertion-time file reference or the claim row's
// first-submission link: both stay pinned to the file that first created
// them, so a file whose SUBMISSION event was reused from an earlier
// ingestion would look empty through either join. Remittance rows are
// appended per file, so the file join is the business path there.
type Store interface {
	// ClaimKeys resolves business claim ids to claim_key row ids. Ids with
	// no registered key are simply absent from the result.
	ClaimKeys(ctx context.Context, claimIDs []string) (map[string]int64, error)
	EventExists(ctx context.Context, claimKeyID int64, t model.EventType) (bool, error)
	// ActivityCount counts persisted activity rows for one claim, restricted
	// to the given business activity ids.
	ActivityCount(ctx context.Context, claimKeyID int64, activityIDs []string) (int, error)
	RemittanceClaimKeys(ctx context.Context, fileID int64) ([]int64, error)
	RemittanceActivityCount(ctx context.Context, fileID int64) (int, error)
	OrphanEventActivities(ctx context.Context, claimKeyIDs []int64) (int, error)
	UnresolvedClaimRefs(ctx context.Context, claimKeyIDs []int64) (int, error)
	UnresolvedRemittanceRefs(ctx context.Context, fileID int64) (int, error)
}

type Service struct {
	store Store
	log   zerolog.Logger
}

func NewService(store Store, log zerolog.Logger) *Service {
	return &Service{
		store: store,
		log:   log.With().Str("component", "verify").Logger(),
	}
}

// VerifyFile runs every check against the committed state. It never returns
// an error: store failures during verification surface as FAILed checks.
func (s *Service) VerifyFile(ctx context.Context, fileID int64, f *model.ParsedFile, persisted persist.Counts) Report {
	r := Report{FileID: f.FileID, Passed: true}

	switch f.RootType {
	case model.RootSubmission:
		keys := s.verifySubmission(ctx, f, persisted, &r)
		s.checkOrphans(ctx, keys, &r)
		s.checkClaimRefs(ctx, keys, &r)
	case model.RootRemittance:
		keys := s.verifyRemittance(ctx, fileID, f, persisted, &r)
		s.checkOrphans(ctx, keys, &r)
		s.checkRemittanceRefs(ctx, fileID, &r)
	default:
		r.add(Check{Name: "root-type", Status: CheckFail,
			Detail: fmt.Sprintf("unknown root type %d", f.RootType)})
	}

	s.checkDeclaredCount(f, &r)

	evt := s.log.Info()
	if !r.Passed {
		evt = s.log.Warn()
	}
	evt.Str("file_id", f.FileID).Bool("passed", r.Passed).
		Int("checks", len(r.Checks)).Msg("file verified")

	return r
}

func (s *Service) verifySubmission(ctx context.Context, f *model.ParsedFile, persisted persist.Counts, r *Report) []int64 {
	ids := make([]string, 0, len(f.Claims))
	seen := make(map[string]struct{}, len(f.Claims))
	for i := range f.Claims {
		if _, ok := seen[f.Claims[i].ID]; ok {
			continue
		}
		seen[f.Claims[i].ID] = struct{}{}
		ids = append(ids, f.Claims[i].ID)
	}

	resolved, err := s.store.ClaimKeys(ctx, ids)
	if err != nil {
		r.add(failed("claim-count", err))
		return nil
	}
	r.add(parity("claim-count", len(ids), len(resolved)))

	keys := make([]int64, 0, len(resolved))
	for _, keyID := range resolved {
		keys = append(keys, keyID)
	}

	// Every claim of this file must have its lifecycle event on record. The
	// event may carry any file id: reuse from an earlier ingestion counts.
	missing := 0
	for i := range f.Claims {
		keyID, ok := resolved[f.Claims[i].ID]
		if !ok {
			continue // already reported by claim-count
		}
		want := model.EventSubmission
		if f.Claims[i].Resubmission != nil {
			want = model.EventResubmission
		}
		found, err := s.store.EventExists(ctx, keyID, want)
		if err != nil {
			r.add(failed("events-exist", err))
			return keys
		}
		if !found {
			missing++
		}
	}
	if missing > 0 {
		r.add(Check{Name: "events-exist", Status: CheckFail,
			Detail: fmt.Sprintf("%d claims without their lifecycle event", missing)})
	} else {
		r.add(Check{Name: "events-exist", Status: CheckPass})
	}

	// Activity parity is scoped to this file's own activity ids, so rows a
	// claim gained through other files never skew the count.
	actual := 0
	for i := range f.Claims {
		keyID, ok := resolved[f.Claims[i].ID]
		if !ok || len(f.Claims[i].Activities) == 0 {
			continue
		}
		actIDs := make([]string, 0, len(f.Claims[i].Activities))
		for j := range f.Claims[i].Activities {
			actIDs = append(actIDs, f.Claims[i].Activities[j].ID)
		}
		n, err := s.store.ActivityCount(ctx, keyID, actIDs)
		if err != nil {
			r.add(failed("activity-count", err))
			return keys
		}
		actual += n
	}
	r.add(parity("activity-count", persisted.Activities, actual))
	return keys
}

func (s *Service) verifyRemittance(ctx context.Context, fileID int64, f *model.ParsedFile, persisted persist.Counts, r *Report) []int64 {
	keys, err := s.store.RemittanceClaimKeys(ctx, fileID)
	if err != nil {
		r.add(failed("claim-count", err))
		return nil
	}
	r.add(parity("claim-count", len(f.RemittanceClaims), len(keys)))

	missing := 0
	for _, keyID := range keys {
		ok, err := s.store.EventExists(ctx, keyID, model.EventRemittance)
		if err != nil {
			r.add(failed("events-exist", err))
			return keys
		}
		if !ok {
			missing++
		}
	}
	if missing > 0 {
		r.add(Check{Name: "events-exist", Status: CheckFail,
			Detail: fmt.Sprintf("%d remittance claims without a REMITTANCE event", missing)})
	} else {
		r.add(Check{Name: "events-exist", Status: CheckPass})
	}

	actual, err := s.store.RemittanceActivityCount(ctx, fileID)
	if err != nil {
		r.add(failed("activity-count", err))
		return keys
	}
	r.add(parity("activity-count", persisted.RemittanceActivities, actual))
	return keys
}

func (s *Service) checkDeclaredCount(f *model.ParsedFile, r *Report) {
	declared := f.DeclaredRecordCount()
	if declared == 0 || declared == f.RecordCount() {
		r.add(Check{Name: "declared-record-count", Status: CheckPass})
		return
	}
	// Senders routinely misdeclare; worth flagging, not failing.
	r.add(Check{Name: "declared-record-count", Status: CheckWarn,
		Detail: fmt.Sprintf("header declared %d records, parsed %d", declared, f.RecordCount())})
}

func (s *Service) checkOrphans(ctx context.Context, claimKeyIDs []int64, r *Report) {
	if len(claimKeyIDs) == 0 {
		r.add(Check{Name: "orphan-rows", Status: CheckPass})
		return
	}
	n, err := s.store.OrphanEventActivities(ctx, claimKeyIDs)
	if err != nil {
		r.add(failed("orphan-rows", err))
		return
	}
	if n > 0 {
		r.add(Check{Name: "orphan-rows", Status: CheckFail,
			Detail: fmt.Sprintf("%d event activity snapshots without a matching activity row", n)})
		return
	}
	r.add(Check{Name: "orphan-rows", Status: CheckPass})
}

func (s *Service) checkClaimRefs(ctx context.Context, claimKeyIDs []int64, r *Report) {
	if len(claimKeyIDs) == 0 {
		r.add(Check{Name: "ref-links", Status: CheckPass})
		return
	}
	n, err := s.store.UnresolvedClaimRefs(ctx, claimKeyIDs)
	if err != nil {
		r.add(failed("ref-links", err))
		return
	}
	r.add(refCheck(n))
}

func (s *Service) checkRemittanceRefs(ctx context.Context, fileID int64, r *Report) {
	n, err := s.store.UnresolvedRemittanceRefs(ctx, fileID)
	if err != nil {
		r.add(failed("ref-links", err))
		return
	}
	r.add(refCheck(n))
}

func (r *Report) add(c Check) {
	if c.Status == CheckFail {
		r.Passed = false
	}
	r.Checks = append(r.Checks, c)
}

func parity(name string, expected, actual int) Check {
	if expected == actual {
		return Check{Name: name, Status: CheckPass}
	}
	return Check{Name: name, Status: CheckFail,
		Detail: fmt.Sprintf("expected %d, found %d", expected, actual)}
}

func refCheck(unresolved int) Check {
	if unresolved > 0 {
		return Check{Name: "ref-links", Status: CheckWarn,
			Detail: fmt.Sprintf("%d codes not resolved in the reference registry", unresolved)}
	}
	return Check{Name: "ref-links", Status: CheckPass}
}

func failed(name string, err error) Check {
	return Check{Name: name, Status: CheckFail, Detail: fmt.Sprintf("check error: %v", err)}
}
