package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func validSubmission() *ParsedFile {
	return &ParsedFile{
		FileID:   "F001",
		RootType: RootSubmission,
		Header: Header{
			SenderID:        "PROV-1",
			ReceiverID:      "PAYER-1",
			TransactionDate: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
			RecordCount:     1,
		},
		Claims: []Claim{{
			ID:         "CLM-1",
			PayerID:    "PAYER-1",
			ProviderID: "PROV-1",
			Net:        decimal.NewFromInt(100),
			Activities: []Activity{{ID: "A1", Net: decimal.NewFromInt(100)}},
		}},
	}
}

func validRemittance() *ParsedFile {
	return &ParsedFile{
		FileID:   "F002",
		RootType: RootRemittance,
		Header: Header{
			SenderID:    "PAYER-1",
			ReceiverID:  "PROV-1",
			RecordCount: 1,
		},
		RemittanceClaims: []RemittanceClaim{{
			ID: "CLM-1",
			Activities: []RemittanceActivity{{
				ID:            "A1",
				PaymentAmount: decimal.NewFromInt(50),
			}},
		}},
	}
}

func TestValidate_Submission(t *testing.T) {
	if err := validSubmission().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_Remittance(t *testing.T) {
	if err := validRemittance().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_Rejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(f *ParsedFile)
	}{
		{"missing file id", func(f *ParsedFile) { f.FileID = "" }},
		{"no claims", func(f *ParsedFile) { f.Claims = nil }},
		{"claim without id", func(f *ParsedFile) { f.Claims[0].ID = "" }},
		{"claim without payer", func(f *ParsedFile) { f.Claims[0].PayerID = "" }},
		{"claim without provider", func(f *ParsedFile) { f.Claims[0].ProviderID = "" }},
		{"claim without activities", func(f *ParsedFile) { f.Claims[0].Activities = nil }},
		{"activity without id", func(f *ParsedFile) { f.Claims[0].Activities[0].ID = "" }},
		{"resubmission without type", func(f *ParsedFile) { f.Claims[0].Resubmission = &Resubmission{} }},
		{"unknown root type", func(f *ParsedFile) { f.RootType = 9 }},
		{"mixed records", func(f *ParsedFile) {
			f.RemittanceClaims = validRemittance().RemittanceClaims
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := validSubmission()
			tc.mutate(f)
			if err := f.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestValidate_RemittanceRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(f *ParsedFile)
	}{
		{"no remittance claims", func(f *ParsedFile) { f.RemittanceClaims = nil }},
		{"claim without id", func(f *ParsedFile) { f.RemittanceClaims[0].ID = "" }},
		{"claim without activities", func(f *ParsedFile) { f.RemittanceClaims[0].Activities = nil }},
		{"activity without id", func(f *ParsedFile) { f.RemittanceClaims[0].Activities[0].ID = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := validRemittance()
			tc.mutate(f)
			if err := f.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestRecordCount(t *testing.T) {
	if got := validSubmission().RecordCount(); got != 1 {
		t.Errorf("expected 1 record, got %d", got)
	}
	if got := validRemittance().RecordCount(); got != 1 {
		t.Errorf("expected 1 record, got %d", got)
	}
}

func TestEventTypeString(t *testing.T) {
	if EventSubmission.String() != "SUBMISSION" {
		t.Errorf("unexpected: %s", EventSubmission.String())
	}
	if EventResubmission.String() != "RESUBMISSION" {
		t.Errorf("unexpected: %s", EventResubmission.String())
	}
	if EventRemittance.String() != "REMITTANCE" {
		t.Errorf("unexpected: %s", EventRemittance.String())
	}
}
