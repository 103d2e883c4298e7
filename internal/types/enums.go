package types

// RootType identifies which of the two DHPO dialects a file carries.
type RootType int

const (
	RootSubmission RootType = 1
	RootRemittance RootType = 2
)

func (r RootType) String() string {
	switch r {
	case RootSubmission:
		return "SUBMISSION"
	case RootRemittance:
		return "REMITTANCE"
	}
	return "UNKNOWN"
}

// EventType is the kind of a claim_event row. The numeric values are
// stored in the database and must not change.
type EventType int

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
	}
	return "UNKNOWN"
}

// AuditStatus is the outcome recorded in ingestion_file_audit.
type AuditStatus int

const (
	AuditAlready        AuditStatus = 0 // idempotent short-circuit, no work done
	AuditOK             AuditStatus = 1
	AuditFailed         AuditStatus = 2 // retryable failure
	AuditFailedTerminal AuditStatus = 3 // will never succeed without intervention
)

func (s AuditStatus) String() string {
	switch s {
	case AuditAlready:
		return "ALREADY"
	case AuditOK:
		return "OK"
	case AuditFailed:
		return "FAILED"
	case AuditFailedTerminal:
		return "FAILED_TERMINAL"
	}
	return "UNKNOWN"
}

// ActivityStatus is the derived settlement state of an activity or claim.
type ActivityStatus string

const (
	StatusFullyPaid          ActivityStatus = "FULLY_PAID"
	StatusPartiallyPaid      ActivityStatus = "PARTIALLY_PAID"
	StatusRejected           ActivityStatus = "REJECTED"
	StatusPending            ActivityStatus = "PENDING"
	StatusTakenBack          ActivityStatus = "TAKEN_BACK"
	StatusPartiallyTakenBack ActivityStatus = "PARTIALLY_TAKEN_BACK"
)

// RunState is the lifecycle of an ingestion run.
type RunState string

const (
	RunStarting RunState = "STARTING"
	RunRunning  RunState = "RUNNING"
	RunDraining RunState = "DRAINING"
	RunEnded    RunState = "ENDED"
)

// FileStage names where in the pipeline a file currently is; recorded on
// audits and errors so a failure points at the stage that produced it.
type FileStage string

const (
	StageDiscovered  FileStage = "DISCOVERED"
	StageQueued      FileStage = "QUEUED"
	StageParsing     FileStage = "PARSING"
	StageMapping     FileStage = "MAPPING"
	StagePersisting  FileStage = "PERSISTING"
	StageAggregating FileStage = "AGGREGATING"
	StageVerifying   FileStage = "VERIFYING"
	StageAcking      FileStage = "ACKING"
	StageDone        FileStage = "DONE"
)
