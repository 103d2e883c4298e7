package postgres

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/hcledger/claimsink/internal/storage"
	"github.com/hcledger/claimsink/internal/types"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db, Options{}, nil), mock
}

func TestClassifyPqCodes(t *testing.T) {
	tests := []struct {
		name string
		code pq.ErrorCode
		want types.ErrorKind
	}{
		{"serialization failure", "40001", types.KindPersistTransient},
		{"deadlock", "40P01", types.KindPersistTransient},
		{"unique violation", "23505", types.KindPersistIntegrity},
		{"fk violation", "23503", types.KindPersistIntegrity},
		{"check violation", "23514", types.KindPersistIntegrity},
		{"connection failure", "08006", types.KindPersistTransient},
		{"syntax error", "42601", types.KindPersistFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := types.KindOf(classify(&pq.Error{Code: tt.code}))
			if got != tt.want {
				t.Fatalf("classify(%s) = %s, want %s", tt.code, got, tt.want)
			}
		})
	}
}

func TestClassifyNonPqErrors(t *testing.T) {
	if got := types.KindOf(classify(io.EOF)); got != types.KindPersistTransient {
		t.Errorf("io.EOF -> %s, want PERSIST_TRANSIENT", got)
	}
	if got := types.KindOf(classify(context.DeadlineExceeded)); got != types.KindTimeout {
		t.Errorf("deadline -> %s, want TIMEOUT", got)
	}
	if got := types.KindOf(classify(errors.New("who knows"))); got != types.KindPersistFatal {
		t.Errorf("unknown -> %s, want PERSIST_FATAL", got)
	}
	// Classified errors pass through untouched.
	in := types.NewError(types.KindPersistValidation, types.StagePersisting, "bad row", nil)
	if out := classify(in); out != in {
		t.Error("pre-classified error was re-wrapped")
	}
}

func TestRunTxRetriesTransientThenSucceeds(t *testing.T) {
	s, mock := newMockStore(t)

	// First attempt deadlocks on commit, second commits clean.
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE t SET").WillReturnError(&pq.Error{Code: "40P01"})
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE t SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.runTx(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.Exec("UPDATE t SET x = 1")
		return err
	})
	if err != nil {
		t.Fatalf("runTx: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestRunTxDoesNotRetryIntegrity(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO t").WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	err := s.runTx(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO t VALUES (1)")
		return err
	})
	if types.KindOf(err) != types.KindPersistIntegrity {
		t.Fatalf("kind = %s, want PERSIST_INTEGRITY", types.KindOf(err))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("integrity failure must not be retried: %v", err)
	}
}

func TestBeginAndCloseRun(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO ingestion_run").
		WithArgs(sqlmock.AnyArg(), "localfs", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	runID, err := s.BeginRun(ctx, "localfs", "scheduled")
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	if runID == "" {
		t.Fatal("empty run id")
	}

	mock.ExpectExec("UPDATE ingestion_run").
		WithArgs(runID, sqlmock.AnyArg(), 10, 9, 7, 1, 1, 8).
		WillReturnResult(sqlmock.NewResult(0, 1))
	err = s.CloseRun(ctx, runID, storage.RunSummary{
		Discovered: 10, Pulled: 9, OK: 7, Failed: 1, Already: 1, AcksSent: 8,
		EndedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CloseRun: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestRecordFileAudit(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO ingestion_file_audit").
		WillReturnResult(sqlmock.NewResult(0, 1))
	err := s.RecordFileAudit(context.Background(), &storage.FileAudit{
		RunID:    "run-1",
		FileID:   "SUB-1.xml",
		Status:   types.AuditOK,
		Stage:    types.StageDone,
		VerifyOK: true,
		Duration: 1500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("RecordFileAudit: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestLookupRefNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id FROM ref_code").
		WithArgs("payer", "NOPE").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, err := s.LookupRef(context.Background(), storage.RefPayer, "NOPE")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUpsertRefLostRaceFallsBackToLookup(t *testing.T) {
	s, mock := newMockStore(t)

	// DO NOTHING on conflict returns no rows; the re-select wins the id.
	mock.ExpectQuery("INSERT INTO ref_code").
		WithArgs("payer", "INS-456").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT id FROM ref_code").
		WithArgs("payer", "INS-456").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))

	id, err := s.UpsertRef(context.Background(), storage.RefPayer, "INS-456")
	if err != nil || id != 42 {
		t.Fatalf("UpsertRef = %d, %v; want 42", id, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
