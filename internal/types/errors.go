package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a pipeline failure. The kind decides whether the
// file is retried, parked terminally, or dropped.
type ErrorKind string

const (
	KindFetchTransient       ErrorKind = "FETCH_TRANSIENT"
	KindFetchFatal           ErrorKind = "FETCH_FATAL"
	KindParseMalformed       ErrorKind = "PARSE_MALFORMED"
	KindParseSchema          ErrorKind = "PARSE_SCHEMA"
	KindMapRefResolution     ErrorKind = "MAP_REF_RESOLUTION"
	KindPersistValidation    ErrorKind = "PERSIST_VALIDATION"
	KindPersistIntegrity     ErrorKind = "PERSIST_INTEGRITY"
	KindPersistTransient     ErrorKind = "PERSIST_TRANSIENT"
	KindPersistFatal         ErrorKind = "PERSIST_FATAL"
	KindAggregateFailed      ErrorKind = "AGGREGATE_FAILED"
	KindVerificationMismatch ErrorKind = "VERIFICATION_MISMATCH"
	KindAckFailed            ErrorKind = "ACK_FAILED"
	KindTimeout              ErrorKind = "TIMEOUT"
	KindQueueSaturated       ErrorKind = "QUEUE_SATURATED"
)

// Retryable reports whether a later attempt on the same file can succeed
// without operator intervention.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindFetchTransient, KindPersistTransient, KindAggregateFailed,
		KindVerificationMismatch, KindAckFailed, KindTimeout, KindQueueSaturated:
		return true
	}
	return false
}

// Terminal reports whether the failure can never succeed on retry: the
// file content itself is bad.
func (k ErrorKind) Terminal() bool {
	switch k {
	case KindParseMalformed, KindParseSchema, KindPersistValidation, KindPersistFatal:
		return true
	}
	return false
}

// Error is the pipeline error type. Every failure crossing a layer
// boundary is wrapped into one so the orchestrator can dispatch on Kind.
type Error struct {
	Kind  ErrorKind
	Stage FileStage
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s [%s]: %s: %v", e.Kind, e.Stage, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Stage, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a kind and the stage it was observed in.
func NewError(kind ErrorKind, stage FileStage, msg string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Msg: msg, Err: err}
}

// KindOf extracts the kind from an error chain. Unclassified errors are
// treated as fatal: an unknown failure must never be silently retried
// into duplicate side effects.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindPersistFatal
}
