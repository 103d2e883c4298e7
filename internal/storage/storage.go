// Package storage defines the DAO contract between the ingestion pipeline
// and the relational store.
//
// The concrete implementation lives in the postgres sub-package. This
// package holds the interface and the row/result value types referenced by
// both the implementation and its consumers (mapper, pipeline, cmd).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hcledger/claimsink/internal/types"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDeferred is returned by aggregate recalculation when an activity is
// known only from remittance lines: the summary row is withheld until the
// submission arrives and recalculation is re-invoked.
var ErrDeferred = errors.New("aggregate deferred: submission not yet persisted")

// Store is the DAO contract the ingestion engine writes through. Consumers
// depend on this interface rather than on *postgres.Store so tests can
// substitute fakes.
type Store interface {
	// PersistFile executes the idempotency protocol for exactly one file
	// inside a single transaction. A prior OK audit for the same file_id
	// yields Already=true and no writes.
	PersistFile(ctx context.Context, rs *RowSet) (*PersistResult, error)

	// RecalculateActivitySummary recomputes every activity summary row for
	// the claim key from current base tables. Idempotent and order-blind.
	RecalculateActivitySummary(ctx context.Context, claimKeyID int64) error

	// RecalculateClaimPayment recomputes the claim-level rollup from the
	// current activity summary rows. Idempotent.
	RecalculateClaimPayment(ctx context.Context, claimKeyID int64) error

	// VerifyFile re-reads the just-persisted file and compares row counts
	// against the parse. Read-only.
	VerifyFile(ctx context.Context, fileID string, parsed types.Counts) (*VerifyResult, error)

	// Run bookkeeping.
	BeginRun(ctx context.Context, source, reason string) (string, error)
	CloseRun(ctx context.Context, runID string, summary RunSummary) error
	RecordFileAudit(ctx context.Context, audit *FileAudit) error
	RecordError(ctx context.Context, rec *ErrorRecord) error

	// Reference data, consumed through the refdata cache.
	LookupRef(ctx context.Context, kind RefKind, code string) (int64, error)
	UpsertRef(ctx context.Context, kind RefKind, code string) (int64, error)
	RecordCodeDiscovery(ctx context.Context, kind RefKind, code, fileID string, inserted bool) error

	Close() error
}

// RefKind names a reference-data dimension.
type RefKind string

const (
	RefPayer     RefKind = "payer"
	RefProvider  RefKind = "provider"
	RefFacility  RefKind = "facility"
	RefClinician RefKind = "clinician"
	RefActivity  RefKind = "activity_code"
	RefDiagnosis RefKind = "diagnosis_code"
	RefDenial    RefKind = "denial_code"
)

// PersistResult reports what one PersistFile call wrote.
type PersistResult struct {
	Already     bool
	FileRowID   int64
	ClaimKeyIDs []int64 // every claim key the file touched, for recalculation
	Persisted   types.Counts
	Rollup      FinancialRollup
}

// FinancialRollup summarizes the money moved by one file, recorded on the
// file audit.
type FinancialRollup struct {
	TotalGross        decimal.Decimal
	TotalPatientShare decimal.Decimal
	TotalNet          decimal.Decimal
	UniquePayers      int
	UniqueProviders   int
}

// VerifyResult is the outcome of the post-commit read-back.
type VerifyResult struct {
	OK               bool
	Parsed           types.Counts
	Persisted        types.Counts
	MissingEvents    int // persisted claims without any claim event
	OrphanActivities int
	OrphanObs        int
	Detail           string
}

// RunSummary carries the aggregate counters closed onto an ingestion run.
type RunSummary struct {
	Discovered int
	Pulled     int
	OK         int
	Failed     int
	Already    int
	AcksSent   int
	EndedAt    time.Time
}

// FileAudit is the single per-file record within a run.
type FileAudit struct {
	RunID        string
	FileID       string
	Status       types.AuditStatus
	Stage        types.FileStage
	Reason       string
	Parsed       types.Counts
	Persisted    types.Counts
	VerifyOK     bool
	Duration     time.Duration
	ErrorKind    types.ErrorKind
	ErrorMessage string
	Rollup       FinancialRollup
}

// ErrorRecord lands in ingestion_error for every failure, alongside the
// file audit.
type ErrorRecord struct {
	RunID      string
	FileID     string
	Stage      types.FileStage
	ObjectType string
	Kind       types.ErrorKind
	Message    string
	Retryable  bool
	At         time.Time
}
