// Package model holds the parsed-file shapes handed to the ingestion core by
// the parser, plus the event-type and root-type codes shared across packages.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// RootType identifies the document kind of an ingestion file.
type RootType int16

const (
	RootSubmission RootType = 1
	RootRemittance RootType = 2
)

func (r RootType) String() string {
	switch r {
	case RootSubmission:
		return "submission"
	case RootRemittance:
		return "remittance"
	default:
		return "unknown"
	}
}

// EventType identifies a claim lifecycle transition.
type EventType int16

const (
	EventSubmission   EventType = 1
	EventResubmission EventType = 2
	EventRemittance   EventType = 3
)

func (e EventType) String() string {
	switch e {
	case EventSubmission:
		return "SUBMISSION"
	case EventResubmission:
		return "RESUBMISSION"
	case EventRemittance:
		return "REMITTANCE"
	default:
		return "UNKNOWN"
	}
}

// Header carries the file-level envelope fields.
type Header struct {
	SenderID        string
	ReceiverID      string
	TransactionDate time.Time
	RecordCount     int
	DispositionFlag string
}

// ParsedFile is the unit of work handed to the persistence layer. Exactly one
// of Claims / RemittanceClaims is populated, according to RootType.
type ParsedFile struct {
	FileID           string
	FileName         string
	RootType         RootType
	Header           Header
	Claims           []Claim
	RemittanceClaims []RemittanceClaim
}

// DeclaredRecordCount is the record count the sender declared in the header.
func (f *ParsedFile) DeclaredRecordCount() int {
	return f.Header.RecordCount
}

// RecordCount is the number of top-level records actually parsed.
func (f *ParsedFile) RecordCount() int {
	if f.RootType == RootRemittance {
		return len(f.RemittanceClaims)
	}
	return len(f.Claims)
}

// Claim is one claim record from a submission file. When Resubmission is set
// the record amends a previously submitted claim; the original Claim row is
// never mutated, the amendment lands as a new event.
type Claim struct {
	ID               string
	IDPayer          string
	MemberID         string
	PayerID          string
	ProviderID       string
	EmiratesIDNumber string
	Gross            decimal.Decimal
	PatientShare     decimal.Decimal
	Net              decimal.Decimal
	Comments         string
	Resubmission     *Resubmission
	Activities       []Activity
	Diagnoses        []Diagnosis
}

// Activity is a billable line item within a claim.
type Activity struct {
	ID                   string
	Start                *time.Time
	Type                 string
	Code                 string
	Quantity             decimal.Decimal
	Net                  decimal.Decimal
	Clinician            string
	PriorAuthorizationID string
	Observations         []Observation
}

// Observation is supporting evidence attached to an activity.
type Observation struct {
	Type      string
	Code      string
	Value     string
	ValueType string
}

// Diagnosis is a coded diagnosis attached to a claim.
type Diagnosis struct {
	Type string
	Code string
}

// Resubmission is the amendment detail of a resubmitted claim.
type Resubmission struct {
	Type       string
	Comment    string
	Attachment []byte
}

// RemittanceClaim is one payer adjudication cycle for a claim. Cycles arrive
// in any order across any number of remittance files.
type RemittanceClaim struct {
	ID               string
	IDPayer          string
	ProviderID       string
	DenialCode       string
	PaymentReference string
	DateSettlement   *time.Time
	Activities       []RemittanceActivity
}

// RemittanceActivity is the payer's adjudication of a single activity within
// one cycle.
type RemittanceActivity struct {
	ID                   string
	Start                *time.Time
	Type                 string
	Code                 string
	Quantity             decimal.Decimal
	Net                  decimal.Decimal
	Gross                decimal.Decimal
	PatientShare         decimal.Decimal
	PaymentAmount        decimal.Decimal
	DenialCode           string
	Clinician            string
	PriorAuthorizationID string
}
