package reconcile

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/acme/claims/internal/ingest/model"
)

type activityKey struct {
	claimKeyID int64
	activityID string
}

type fakeStore struct {
	nets      map[activityKey]decimal.Decimal
	cycles    map[activityKey][]Cycle
	summaries map[activityKey]Summary
	events    map[int64]map[model.EventType]int
	payments  map[int64]ClaimSummary
	upserts   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		nets:      make(map[activityKey]decimal.Decimal),
		cycles:    make(map[activityKey][]Cycle),
		summaries: make(map[activityKey]Summary),
		events:    make(map[int64]map[model.EventType]int),
		payments:  make(map[int64]ClaimSummary),
	}
}

func (f *fakeStore) SubmittedNet(_ context.Context, claimKeyID int64, activityID string) (decimal.Decimal, bool, error) {
	net, ok := f.nets[activityKey{claimKeyID, activityID}]
	return net, ok, nil
}

func (f *fakeStore) Cycles(_ context.Context, claimKeyID int64, activityID string) ([]Cycle, error) {
	return f.cycles[activityKey{claimKeyID, activityID}], nil
}

func (f *fakeStore) UpsertActivitySummary(_ context.Context, claimKeyID int64, s Summary) error {
	f.upserts++
	f.summaries[activityKey{claimKeyID, s.ActivityID}] = s
	return nil
}

func (f *fakeStore) ActivitySummaries(_ context.Context, claimKeyID int64) ([]Summary, error) {
	var out []Summary
	for k, s := range f.summaries {
		if k.claimKeyID == claimKeyID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) EventCount(_ context.Context, claimKeyID int64, t model.EventType) (int, error) {
	return f.events[claimKeyID][t], nil
}

func (f *fakeStore) UpsertClaimPayment(_ context.Context, claimKeyID int64, cs ClaimSummary, _, _ int) error {
	f.payments[claimKeyID] = cs
	return nil
}

func TestEngine_RecomputeActivity(t *testing.T) {
	store := newFakeStore()
	key := activityKey{1, "A1"}
	store.nets[key] = d("100")
	store.cycles[key] = []Cycle{
		{InsertionID: 1, PaymentAmount: d("50"), SettlementDate: ts(1)},
		{InsertionID: 2, PaymentAmount: d("30"), DenialCode: "CO-50", SettlementDate: ts(10)},
	}

	eng := NewEngine(store, zerolog.Nop())
	if err := eng.RecomputeActivity(context.Background(), 1, "A1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s := store.summaries[key]
	if !s.Paid.Equal(d("80")) {
		t.Errorf("expected paid 80, got %s", s.Paid)
	}
	if s.Status != StatusPartiallyPaid {
		t.Errorf("expected PARTIALLY_PAID, got %s", s.Status)
	}
}

func TestEngine_RecomputeActivity_Idempotent(t *testing.T) {
	store := newFakeStore()
	key := activityKey{1, "A1"}
	store.nets[key] = d("100")
	store.cycles[key] = []Cycle{
		{InsertionID: 1, PaymentAmount: d("100"), SettlementDate: ts(2)},
	}

	eng := NewEngine(store, zerolog.Nop())
	ctx := context.Background()
	if err := eng.RecomputeActivity(ctx, 1, "A1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first := store.summaries[key]

	if err := eng.RecomputeActivity(ctx, 1, "A1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second := store.summaries[key]

	if first.Paid.Cmp(second.Paid) != 0 || first.Status != second.Status ||
		first.Denied.Cmp(second.Denied) != 0 || first.CycleCount != second.CycleCount {
		t.Errorf("recompute on unchanged input changed the summary: %+v vs %+v", first, second)
	}
}

func TestEngine_RecomputeActivity_RemittanceBeforeSubmission(t *testing.T) {
	// No submission on record yet: payments are carried uncapped so the money
	// is visible, and the submission's own recompute settles the cap later.
	store := newFakeStore()
	key := activityKey{1, "A1"}
	store.cycles[key] = []Cycle{
		{InsertionID: 1, PaymentAmount: d("70"), SettlementDate: ts(1)},
	}

	eng := NewEngine(store, zerolog.Nop())
	if err := eng.RecomputeActivity(context.Background(), 1, "A1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s := store.summaries[key]
	if !s.Paid.Equal(d("70")) {
		t.Errorf("expected paid 70, got %s", s.Paid)
	}

	// Submission lands, recompute converges on the capped figures.
	store.nets[key] = d("50")
	if err := eng.RecomputeActivity(context.Background(), 1, "A1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s = store.summaries[key]
	if !s.Paid.Equal(d("50")) {
		t.Errorf("expected paid capped at 50, got %s", s.Paid)
	}
	if s.Status != StatusFullyPaid {
		t.Errorf("expected FULLY_PAID, got %s", s.Status)
	}
}

func TestEngine_RecomputeClaim(t *testing.T) {
	store := newFakeStore()
	store.summaries[activityKey{1, "A1"}] = Summary{
		ActivityID: "A1", SubmittedNet: d("100"), Paid: d("100"), Status: StatusFullyPaid,
	}
	store.summaries[activityKey{1, "A2"}] = Summary{
		ActivityID: "A2", SubmittedNet: d("50"), Status: StatusPending,
	}
	store.events[1] = map[model.EventType]int{model.EventRemittance: 2}

	eng := NewEngine(store, zerolog.Nop())
	if err := eng.RecomputeClaim(context.Background(), 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cs := store.payments[1]
	if cs.ActivityCount != 2 {
		t.Errorf("expected 2 activities, got %d", cs.ActivityCount)
	}
	if !cs.TotalPaid.Equal(d("100")) {
		t.Errorf("expected total paid 100, got %s", cs.TotalPaid)
	}
	if cs.Status != StatusPartiallyPaid {
		t.Errorf("expected PARTIALLY_PAID, got %s", cs.Status)
	}
}
