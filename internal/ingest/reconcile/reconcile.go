// Package reconcile recomputes per-activity and per-claim financial rollups
// from every remittance cycle on record. Rollups are always rebuilt from the
// full cycle set, never patched incrementally, so the result is the same
// whatever order cycles arrived in.
package reconcile

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the adjudication state of a single activity.
type Status string

const (
	StatusPending       Status = "PENDING"
	StatusPartiallyPaid Status = "PARTIALLY_PAID"
	StatusFullyPaid     Status = "FULLY_PAID"
	StatusRejected      Status = "REJECTED"
)

// Cycle is one payer adjudication of an activity. InsertionID is the
// remittance_activity row id and orders cycles that share a settlement date.
type Cycle struct {
	InsertionID    int64
	PaymentAmount  decimal.Decimal
	DenialCode     string
	SettlementDate *time.Time
}

// Summary is the capped rollup for one activity.
type Summary struct {
	ActivityID           string
	SubmittedNet         decimal.Decimal
	RawPaid              decimal.Decimal
	Paid                 decimal.Decimal
	Denied               decimal.Decimal
	LatestDenialCode     string
	LatestSettlementDate *time.Time
	CycleCount           int
	Status               Status
}

// Summarize computes the rollup for one activity from all of its cycles.
//
// Payments accumulate across cycles but are capped at the submitted amount,
// so double-reported cycles can never make an activity look over-paid. The
// denial that counts is the one on the most recent cycle: a denial that was
// later superseded by a paying cycle does not reject the activity.
func Summarize(submittedNet decimal.Decimal, cycles []Cycle) Summary {
	s := Summary{
		SubmittedNet: submittedNet,
		RawPaid:      decimal.Zero,
		Paid:         decimal.Zero,
		Denied:       decimal.Zero,
		CycleCount:   len(cycles),
		Status:       StatusPending,
	}

	var latest *Cycle
	for i := range cycles {
		c := &cycles[i]
		s.RawPaid = s.RawPaid.Add(c.PaymentAmount)
		if latest == nil || laterCycle(c, latest) {
			latest = c
		}
	}

	s.Paid = s.RawPaid
	if s.Paid.GreaterThan(submittedNet) {
		s.Paid = submittedNet
	}
	if s.Paid.IsNegative() {
		s.Paid = decimal.Zero
	}

	if latest != nil {
		s.LatestDenialCode = latest.DenialCode
		s.LatestSettlementDate = latest.SettlementDate
	}

	if s.LatestDenialCode != "" && s.Paid.IsZero() {
		s.Denied = submittedNet
	}

	s.Status = deriveStatus(submittedNet, s.Paid, s.LatestDenialCode)
	return s
}

// laterCycle reports whether a supersedes b. A dated cycle beats an undated
// one; equal or both-missing dates fall back to the most recently inserted.
func laterCycle(a, b *Cycle) bool {
	switch {
	case a.SettlementDate == nil && b.SettlementDate == nil:
		return a.InsertionID > b.InsertionID
	case a.SettlementDate == nil:
		return false
	case b.SettlementDate == nil:
		return true
	case a.SettlementDate.Equal(*b.SettlementDate):
		return a.InsertionID > b.InsertionID
	default:
		return a.SettlementDate.After(*b.SettlementDate)
	}
}

func deriveStatus(submittedNet, paid decimal.Decimal, latestDenial string) Status {
	switch {
	case paid.IsZero() && latestDenial != "":
		return StatusRejected
	case paid.IsZero():
		return StatusPending
	case paid.GreaterThanOrEqual(submittedNet):
		return StatusFullyPaid
	default:
		return StatusPartiallyPaid
	}
}

// ClaimSummary is the claim-level aggregation over all activity summaries.
type ClaimSummary struct {
	TotalSubmitted decimal.Decimal
	TotalPaid      decimal.Decimal
	TotalDenied    decimal.Decimal
	ActivityCount  int
	Pending        int
	PartiallyPaid  int
	FullyPaid      int
	Rejected       int
	Status         Status
}

// RollupClaim aggregates the claim-level payment state from the claim's
// activity summaries. Per-status counts always sum to ActivityCount.
func RollupClaim(summaries []Summary) ClaimSummary {
	cs := ClaimSummary{
		TotalSubmitted: decimal.Zero,
		TotalPaid:      decimal.Zero,
		TotalDenied:    decimal.Zero,
		ActivityCount:  len(summaries),
		Status:         StatusPending,
	}

	for i := range summaries {
		s := &summaries[i]
		cs.TotalSubmitted = cs.TotalSubmitted.Add(s.SubmittedNet)
		cs.TotalPaid = cs.TotalPaid.Add(s.Paid)
		cs.TotalDenied = cs.TotalDenied.Add(s.Denied)
		switch s.Status {
		case StatusPartiallyPaid:
			cs.PartiallyPaid++
		case StatusFullyPaid:
			cs.FullyPaid++
		case StatusRejected:
			cs.Rejected++
		default:
			cs.Pending++
		}
	}

	switch {
	case cs.ActivityCount == 0:
		cs.Status = StatusPending
	case cs.FullyPaid == cs.ActivityCount:
		cs.Status = StatusFullyPaid
	case cs.Rejected == cs.ActivityCount:
		cs.Status = StatusRejected
	case cs.TotalPaid.IsPositive():
		cs.Status = StatusPartiallyPaid
	default:
		cs.Status = StatusPending
	}

	return cs
}
