package persist

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/acme/claims/internal/ingest/model"
	"github.com/acme/claims/internal/ingest/reconcile"
)

// fakeDB emulates the event store's uniqueness semantics behind a single
// mutex, the way the database arbitrates conflicts. The service under test
// takes no locks of its own.
type fakeDB struct {
	mu     sync.Mutex
	nextID int64

	claimKeys    map[string]int64 // claim_id -> claim_key id
	claims       map[int64]int64  // claim_key id -> claim id (unique per key)
	claimNets    map[int64]map[string]decimal.Decimal
	events       []fakeEvent
	eventActs    map[int64]map[string]int64 // event id -> activity id -> row id
	observations int
	activities   map[int64]map[string]int64
	diagnoses    map[string]bool
	resubs       map[int64]bool
	submissions  map[int64]int64 // file id -> submission id
	remittances  map[int64]int64
	remitClaims  map[int64]map[int64]int64 // remittance id -> claim_key id -> row id
	remitActs    []fakeRemitAct

	failOn    string // store op to fail with an integrity violation
	failErr   error
	summaries map[int64]map[string]reconcile.Summary
	payments  map[int64]reconcile.ClaimSummary
}

type fakeEvent struct {
	id         int64
	claimKeyID int64
	fileID     int64
	eventTime  time.Time
	eventType  model.EventType
}

type fakeRemitAct struct {
	id            int64
	remitClaimID  int64
	claimKeyID    int64
	activityID    string
	payment       decimal.Decimal
	denialCode    string
	settlementDat *time.Time
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		claimKeys:   make(map[string]int64),
		claims:      make(map[int64]int64),
		claimNets:   make(map[int64]map[string]decimal.Decimal),
		eventActs:   make(map[int64]map[string]int64),
		activities:  make(map[int64]map[string]int64),
		diagnoses:   make(map[string]bool),
		resubs:      make(map[int64]bool),
		submissions: make(map[int64]int64),
		remittances: make(map[int64]int64),
		remitClaims: make(map[int64]map[int64]int64),
		summaries:   make(map[int64]map[string]reconcile.Summary),
		payments:    make(map[int64]reconcile.ClaimSummary),
	}
}

func (f *fakeDB) id() int64 { f.nextID++; return f.nextID }

func (f *fakeDB) fail(op string) error {
	if f.failOn == op {
		return f.failErr
	}
	return nil
}

// --- persist.Store ---

func (f *fakeDB) UpsertClaimKey(_ context.Context, claimID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.claimKeys[claimID]; ok {
		return id, nil
	}
	id := f.id()
	f.claimKeys[claimID] = id
	return id, nil
}

func (f *fakeDB) UpsertClaim(_ context.Context, claimKeyID, _ int64, c *model.Claim, _, _ *int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("claim"); err != nil {
		return 0, err
	}
	if id, ok := f.claims[claimKeyID]; ok {
		return id, nil // existing row wins
	}
	id := f.id()
	f.claims[claimKeyID] = id
	return id, nil
}

func (f *fakeDB) GetClaimID(_ context.Context, claimKeyID int64) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.claims[claimKeyID]
	return id, ok, nil
}

func (f *fakeDB) InsertEvent(_ context.Context, e Event) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.events {
		ev := &f.events[i]
		if ev.claimKeyID != e.ClaimKeyID || ev.eventType != e.Type {
			continue
		}
		if e.Type == model.EventSubmission || ev.eventTime.Equal(e.Time) {
			return ev.id, nil // loser adopts the winner's event
		}
	}
	id := f.id()
	f.events = append(f.events, fakeEvent{
		id: id, claimKeyID: e.ClaimKeyID, fileID: e.FileID,
		eventTime: e.Time, eventType: e.Type,
	})
	return id, nil
}

func (f *fakeDB) InsertEventActivity(_ context.Context, eventID int64, a *model.Activity) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acts, ok := f.eventActs[eventID]
	if !ok {
		acts = make(map[string]int64)
		f.eventActs[eventID] = acts
	}
	if id, ok := acts[a.ID]; ok {
		return id, false, nil
	}
	id := f.id()
	acts[a.ID] = id
	return id, true, nil
}

func (f *fakeDB) InsertEventObservation(_ context.Context, _ int64, _ *model.Observation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observations++
	return nil
}

func (f *fakeDB) UpsertActivity(_ context.Context, claimID int64, a *model.Activity, _, _ *int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("activity"); err != nil {
		return 0, err
	}
	acts, ok := f.activities[claimID]
	if !ok {
		acts = make(map[string]int64)
		f.activities[claimID] = acts
	}
	if id, ok := acts[a.ID]; ok {
		return id, nil
	}
	id := f.id()
	acts[a.ID] = id

	// track submitted net by claim key for the reconcile side
	for keyID, cid := range f.claims {
		if cid == claimID {
			nets, ok := f.claimNets[keyID]
			if !ok {
				nets = make(map[string]decimal.Decimal)
				f.claimNets[keyID] = nets
			}
			nets[a.ID] = a.Net
		}
	}
	return id, nil
}

func (f *fakeDB) UpsertDiagnosis(_ context.Context, claimID int64, d *model.Diagnosis) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.diagnoses[d.Type+"/"+d.Code] = true
	return nil
}

func (f *fakeDB) InsertResubmission(_ context.Context, eventID int64, _ *model.Resubmission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resubs[eventID] = true
	return nil
}

func (f *fakeDB) UpsertSubmission(_ context.Context, fileID int64, _ time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.submissions[fileID]; ok {
		return id, nil
	}
	id := f.id()
	f.submissions[fileID] = id
	return id, nil
}

func (f *fakeDB) UpsertRemittance(_ context.Context, fileID int64, _ time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.remittances[fileID]; ok {
		return id, nil
	}
	id := f.id()
	f.remittances[fileID] = id
	return id, nil
}

func (f *fakeDB) UpsertRemittanceClaim(_ context.Context, remittanceID, claimKeyID int64, _ *model.RemittanceClaim) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rcs, ok := f.remitClaims[remittanceID]
	if !ok {
		rcs = make(map[int64]int64)
		f.remitClaims[remittanceID] = rcs
	}
	if id, ok := rcs[claimKeyID]; ok {
		return id, nil
	}
	id := f.id()
	rcs[claimKeyID] = id
	return id, nil
}

func (f *fakeDB) UpsertRemittanceActivity(_ context.Context, remittanceClaimID int64, ra *model.RemittanceActivity, _ *int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.remitActs {
		x := &f.remitActs[i]
		if x.remitClaimID == remittanceClaimID && x.activityID == ra.ID {
			return x.id, nil
		}
	}
	var keyID int64
	for rid, rcs := range f.remitClaims {
		_ = rid
		for k, id := range rcs {
			if id == remittanceClaimID {
				keyID = k
			}
		}
	}
	id := f.id()
	f.remitActs = append(f.remitActs, fakeRemitAct{
		id: id, remitClaimID: remittanceClaimID, claimKeyID: keyID,
		activityID: ra.ID, payment: ra.PaymentAmount, denialCode: ra.DenialCode,
	})
	return id, nil
}

// --- reconcile.Store ---

func (f *fakeDB) SubmittedNet(_ context.Context, claimKeyID int64, activityID string) (decimal.Decimal, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	net, ok := f.claimNets[claimKeyID][activityID]
	return net, ok, nil
}

func (f *fakeDB) Cycles(_ context.Context, claimKeyID int64, activityID string) ([]reconcile.Cycle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var cycles []reconcile.Cycle
	for i := range f.remitActs {
		x := &f.remitActs[i]
		if x.claimKeyID == claimKeyID && x.activityID == activityID {
			cycles = append(cycles, reconcile.Cycle{
				InsertionID:    x.id,
				PaymentAmount:  x.payment,
				DenialCode:     x.denialCode,
				SettlementDate: x.settlementDat,
			})
		}
	}
	return cycles, nil
}

func (f *fakeDB) UpsertActivitySummary(_ context.Context, claimKeyID int64, s reconcile.Summary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.summaries[claimKeyID]
	if !ok {
		m = make(map[string]reconcile.Summary)
		f.summaries[claimKeyID] = m
	}
	m[s.ActivityID] = s
	return nil
}

func (f *fakeDB) ActivitySummaries(_ context.Context, claimKeyID int64) ([]reconcile.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []reconcile.Summary
	for _, s := range f.summaries[claimKeyID] {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeDB) EventCount(_ context.Context, claimKeyID int64, t model.EventType) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for i := range f.events {
		if f.events[i].claimKeyID == claimKeyID && f.events[i].eventType == t {
			n++
		}
	}
	return n, nil
}

func (f *fakeDB) UpsertClaimPayment(_ context.Context, claimKeyID int64, cs reconcile.ClaimSummary, _, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payments[claimKeyID] = cs
	return nil
}

// submissionEvents counts SUBMISSION events for a business claim id.
func (f *fakeDB) submissionEvents(claimID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	keyID := f.claimKeys[claimID]
	n := 0
	for i := range f.events {
		if f.events[i].claimKeyID == keyID && f.events[i].eventType == model.EventSubmission {
			n++
		}
	}
	return n
}

type passTxRunner struct{}

func (passTxRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type fakeResolver struct {
	mu    sync.Mutex
	codes map[string]int64
	next  int64
}

func (r *fakeResolver) Ensure(_ context.Context, codeType, code string) (*int64, error) {
	if code == "" {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.codes == nil {
		r.codes = make(map[string]int64)
	}
	key := codeType + ":" + code
	id, ok := r.codes[key]
	if !ok {
		r.next++
		id = r.next
		r.codes[key] = id
	}
	return &id, nil
}

func newService(db *fakeDB) *Service {
	eng := reconcile.NewEngine(db, zerolog.Nop())
	return NewService(db, &fakeResolver{}, eng, passTxRunner{}, zerolog.Nop())
}

func submissionFile(fileID, claimID string) *model.ParsedFile {
	return &model.ParsedFile{
		FileID:   fileID,
		RootType: model.RootSubmission,
		Header: model.Header{
			SenderID:        "PROV-1",
			ReceiverID:      "PAYER-1",
			TransactionDate: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
			RecordCount:     1,
		},
		Claims: []model.Claim{{
			ID:         claimID,
			PayerID:    "PAYER-1",
			ProviderID: "PROV-1",
			Net:        decimal.NewFromInt(100),
			Activities: []model.Activity{{
				ID:   "A1",
				Net:  decimal.NewFromInt(100),
				Code: "99213",
				Observations: []model.Observation{
					{Type: "LOINC", Code: "718-7", Value: "13.5"},
				},
			}},
			Diagnoses: []model.Diagnosis{{Type: "Principal", Code: "J45.909"}},
		}},
	}
}

func remittanceFile(fileID, claimID string, payment int64, denial string, day int) *model.ParsedFile {
	settled := time.Date(2025, 3, day, 0, 0, 0, 0, time.UTC)
	return &model.ParsedFile{
		FileID:   fileID,
		RootType: model.RootRemittance,
		Header: model.Header{
			TransactionDate: settled,
			RecordCount:     1,
		},
		RemittanceClaims: []model.RemittanceClaim{{
			ID:             claimID,
			DateSettlement: &settled,
			Activities: []model.RemittanceActivity{{
				ID:            "A1",
				PaymentAmount: decimal.NewFromInt(payment),
				DenialCode:    denial,
			}},
		}},
	}
}

func TestPersistSubmission(t *testing.T) {
	db := newFakeDB()
	svc := newService(db)

	counts, err := svc.PersistFile(context.Background(), 1, submissionFile("F001", "CLM-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if counts.Claims != 1 || counts.Events != 1 || counts.Activities != 1 {
		t.Errorf("unexpected counts: %+v", counts)
	}
	if counts.Observations != 1 || counts.Diagnoses != 1 {
		t.Errorf("unexpected detail counts: %+v", counts)
	}
	if got := db.submissionEvents("CLM-1"); got != 1 {
		t.Errorf("expected 1 submission event, got %d", got)
	}
}

func TestPersistSubmission_ConcurrentSameClaim(t *testing.T) {
	// Two files carrying the same new claim race through N workers. The
	// store's uniqueness rules must leave exactly one SUBMISSION event, and
	// no worker may see an error.
	db := newFakeDB()
	svc := newService(db)

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			f := submissionFile("F-race", "CLM-RACE")
			_, errs[w] = svc.PersistFile(context.Background(), int64(100+w), f)
		}(w)
	}
	wg.Wait()

	for w, err := range errs {
		if err != nil {
			t.Errorf("worker %d saw error: %v", w, err)
		}
	}
	if got := db.submissionEvents("CLM-RACE"); got != 1 {
		t.Errorf("expected exactly 1 submission event, got %d", got)
	}
}

func TestPersistSubmission_ReingestIsIdempotent(t *testing.T) {
	db := newFakeDB()
	svc := newService(db)
	ctx := context.Background()

	if _, err := svc.PersistFile(ctx, 1, submissionFile("F001", "CLM-1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	eventsAfterFirst := len(db.events)
	obsAfterFirst := db.observations

	if _, err := svc.PersistFile(ctx, 1, submissionFile("F001", "CLM-1")); err != nil {
		t.Fatalf("unexpected error on re-ingest: %v", err)
	}

	if len(db.events) != eventsAfterFirst {
		t.Errorf("re-ingest appended events: %d -> %d", eventsAfterFirst, len(db.events))
	}
	if db.observations != obsAfterFirst {
		t.Errorf("re-ingest duplicated observations: %d -> %d", obsAfterFirst, db.observations)
	}
}

func TestPersistRemittance_ReconcilesActivity(t *testing.T) {
	db := newFakeDB()
	svc := newService(db)
	ctx := context.Background()

	if _, err := svc.PersistFile(ctx, 1, submissionFile("F001", "CLM-1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	counts, err := svc.PersistFile(ctx, 2, remittanceFile("F002", "CLM-1", 50, "", 5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counts.RemittanceClaims != 1 || counts.RemittanceActivities != 1 {
		t.Errorf("unexpected counts: %+v", counts)
	}

	keyID := db.claimKeys["CLM-1"]
	s := db.summaries[keyID]["A1"]
	if !s.Paid.Equal(decimal.NewFromInt(50)) {
		t.Errorf("expected paid 50, got %s", s.Paid)
	}
	if s.Status != reconcile.StatusPartiallyPaid {
		t.Errorf("expected PARTIALLY_PAID, got %s", s.Status)
	}

	// Second cycle pays the rest.
	if _, err := svc.PersistFile(ctx, 3, remittanceFile("F003", "CLM-1", 50, "", 9)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s = db.summaries[keyID]["A1"]
	if s.Status != reconcile.StatusFullyPaid {
		t.Errorf("expected FULLY_PAID after second cycle, got %s", s.Status)
	}
	if cp := db.payments[keyID]; cp.Status != reconcile.StatusFullyPaid {
		t.Errorf("expected claim payment FULLY_PAID, got %s", cp.Status)
	}
}

func TestPersistRemittance_BeforeSubmission(t *testing.T) {
	// Remittance for a claim never submitted here: the claim key is created
	// by the remittance and the event lands without a claim snapshot.
	db := newFakeDB()
	svc := newService(db)

	if _, err := svc.PersistFile(context.Background(), 1, remittanceFile("F002", "CLM-X", 70, "", 5)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := db.claimKeys["CLM-X"]; !ok {
		t.Error("expected claim key created by remittance")
	}
	if got := db.submissionEvents("CLM-X"); got != 0 {
		t.Errorf("expected no submission events, got %d", got)
	}
}

func TestPersistResubmission_UnknownClaim(t *testing.T) {
	db := newFakeDB()
	svc := newService(db)

	f := submissionFile("F010", "CLM-NEW")
	f.Claims[0].Resubmission = &model.Resubmission{Type: "correction", Comment: "fixed code"}

	counts, err := svc.PersistFile(context.Background(), 1, f)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counts.Claims != 0 {
		t.Errorf("resubmission must not create a claim snapshot, counts=%+v", counts)
	}
	if counts.Events != 1 {
		t.Errorf("expected 1 event, got %d", counts.Events)
	}
	if len(db.resubs) != 1 {
		t.Errorf("expected resubmission detail row, got %d", len(db.resubs))
	}
}

func TestPersistFile_IntegrityErrorPropagates(t *testing.T) {
	db := newFakeDB()
	db.failOn = "activity"
	db.failErr = &pgconn.PgError{Code: "23502", ConstraintName: "activity_net_not_null"}
	svc := newService(db)

	_, err := svc.PersistFile(context.Background(), 1, submissionFile("F001", "CLM-1"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsIntegrity(err) {
		t.Errorf("expected IntegrityError, got %T: %v", err, err)
	}
}

func TestPersistFile_RejectsInvalid(t *testing.T) {
	db := newFakeDB()
	svc := newService(db)

	f := submissionFile("F001", "CLM-1")
	f.Claims[0].Activities = nil
	if _, err := svc.PersistFile(context.Background(), 1, f); err == nil {
		t.Fatal("expected validation error")
	}
	if len(db.events) != 0 {
		t.Error("invalid file must not reach the store")
	}
}
