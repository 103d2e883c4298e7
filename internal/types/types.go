// Package types defines the domain model shared by the parser, mapper,
// storage and orchestration layers: the decoded DTO tree for the two DHPO
// XML dialects, the lifecycle enums, and the pipeline error taxonomy.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Header is the common document header carried by both dialects.
type Header struct {
	SenderID        string
	ReceiverID      string
	TransactionDate time.Time
	RecordCount     int
	DispositionFlag string
}

// Parsed is the tagged output of the parser: exactly one of Submission or
// Remittance is non-nil, matching Root.
type Parsed struct {
	FileID     string
	Root       RootType
	Header     Header
	Submission *SubmissionFile
	Remittance *RemittanceFile
	RawHash    string // hex SHA-256 of the source bytes
	Counts     Counts
}

// Counts holds per-entity counts established at parse time and re-counted
// by the verifier after commit.
type Counts struct {
	Claims       int
	Encounters   int
	Activities   int
	Observations int
	Diagnoses    int
	Events       int
}

// SubmissionFile is the decoded body of a Claim.Submission document.
type SubmissionFile struct {
	Claims []SubmissionClaim
}

// SubmissionClaim is one Claim subtree of a submission.
type SubmissionClaim struct {
	ID               string // business claim id (claim key spine)
	IDPayer          string
	MemberID         string
	PayerID          string
	ProviderID       string
	EmiratesIDNumber string
	Gross            decimal.Decimal
	PatientShare     decimal.Decimal
	Net              decimal.Decimal
	Encounter        *Encounter
	Activities       []Activity
	Diagnoses        []Diagnosis
	Resubmission     *Resubmission
}

// Encounter is the clinical encounter attached to a submission claim.
type Encounter struct {
	FacilityID string
	Type       string
	PatientID  string
	Start      time.Time
	End        time.Time
}

// Activity is one billable line of a submission claim. Net is validated
// non-negative at parse time.
type Activity struct {
	ID           string
	Start        time.Time
	Type         string
	Code         string
	Quantity     decimal.Decimal
	Net          decimal.Decimal
	Clinician    string
	PriorAuthID  string
	Observations []Observation
}

// Observation is supporting data attached to an activity.
type Observation struct {
	Type      string
	Code      string
	Value     string
	ValueType string
}

// Diagnosis is one diagnosis code on a submission claim.
type Diagnosis struct {
	Type string
	Code string
}

// Resubmission marks a submission claim as a resubmission of an earlier one.
type Resubmission struct {
	Type       string
	Comment    string
	Attachment string
}

// RemittanceFile is the decoded body of a Remittance.Advice document.
type RemittanceFile struct {
	Claims []RemittanceClaim
}

// RemittanceClaim is the payer's response for one claim key.
type RemittanceClaim struct {
	ID               string // business claim id
	IDPayer          string
	ProviderID       string
	DateSettlement   time.Time
	PaymentReference string
	Activities       []RemittanceActivity
}

// RemittanceActivity is one remitted line. PaymentAmount is signed: a
// negative value is a take-back reversing earlier payment.
type RemittanceActivity struct {
	ID            string
	Start         time.Time
	Type          string
	Code          string
	Quantity      decimal.Decimal
	Net           decimal.Decimal
	ListPrice     decimal.Decimal
	Clinician     string
	PaymentAmount decimal.Decimal
	DenialCode    string
}

// CountEvents computes the number of claim events this document appends:
// one per claim, plus one extra per resubmission block on a submission.
func (p *Parsed) CountEvents() int {
	switch p.Root {
	case RootSubmission:
		n := 0
		for i := range p.Submission.Claims {
			n++ // SUBMISSION (or reuse of the existing one)
			if p.Submission.Claims[i].Resubmission != nil {
				n++
			}
		}
		return n
	case RootRemittance:
		return len(p.Remittance.Claims)
	}
	return 0
}
