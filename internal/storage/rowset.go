package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/hcledger/claimsink/internal/types"
)

// RowSet is the mapper's output: insert/upsert intents for exactly one
// source file. Coded references are carried both as the business code (as
// submitted, always stored) and as an optional resolved surrogate id; a nil
// surrogate means the code was unknown and auto-insert was off.
type RowSet struct {
	File        FileRow
	Claims      []ClaimRow       // root_type = submission
	RemitClaims []RemitClaimRow  // root_type = remittance
	Parsed      types.Counts
}

// FileRow upserts into ingestion_file by file_id.
type FileRow struct {
	FileID          string
	RootType        types.RootType
	SenderID        string
	ReceiverID      string
	TransactionDate time.Time
	RecordCount     int
	RawHash         string
}

// ClaimRow inserts one claim and its subtree under the file's submission.
type ClaimRow struct {
	ClaimID          string // business id, spine of claim_key
	IDPayer          string
	PayerRefID       *int64
	ProviderID       string
	ProviderRefID    *int64
	MemberID         string
	EmiratesIDNumber string
	Gross            decimal.Decimal
	PatientShare     decimal.Decimal
	Net              decimal.Decimal
	TxAt             time.Time
	Encounter        *EncounterRow
	Activities       []ActivityRow
	Diagnoses        []DiagnosisRow
	Resubmission     *ResubmissionRow
}

type EncounterRow struct {
	FacilityID    string
	FacilityRefID *int64
	Type          string
	PatientID     string
	Start         time.Time
	End           time.Time
}

type ActivityRow struct {
	ActivityID     string
	Start          time.Time
	Type           string
	Code           string
	CodeRefID      *int64
	Quantity       decimal.Decimal
	Net            decimal.Decimal
	Clinician      string
	ClinicianRefID *int64
	PriorAuthID    string
	Observations   []ObservationRow
}

type ObservationRow struct {
	Type      string
	Code      string
	Value     string
	ValueType string
}

type DiagnosisRow struct {
	Type      string
	Code      string
	CodeRefID *int64
}

// ResubmissionRow attaches to the RESUBMISSION event appended for the claim.
type ResubmissionRow struct {
	Type       string
	Comment    string
	Attachment string
}

// RemitClaimRow inserts one remittance claim and its lines.
type RemitClaimRow struct {
	ClaimID          string
	IDPayer          string
	PayerRefID       *int64
	ProviderID       string
	ProviderRefID    *int64
	DateSettlement   time.Time
	PaymentReference string
	Activities       []RemitActivityRow
}

type RemitActivityRow struct {
	ActivityID    string
	Start         time.Time
	Type          string
	Code          string
	Quantity      decimal.Decimal
	Net           decimal.Decimal
	ListPrice     decimal.Decimal
	Clinician     string
	PaymentAmount decimal.Decimal // signed; negative = take-back
	DenialCode    string
	DenialRefID   *int64
}
