// Package postgres implements the storage.Store DAO contract on PostgreSQL
// via database/sql and lib/pq.
//
// Each file is persisted inside a single REPEATABLE READ transaction.
// Serialization failures and deadlocks are retried with bounded exponential
// backoff; everything else rolls the file back untouched.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/hcledger/claimsink/internal/types"
)

// Retry budget for transient transaction failures (deadlock, serialization,
// connection drop): 5 tries, 50ms base, 2s cap.
const (
	txMaxRetries  = 5
	txBackoffBase = 50 * time.Millisecond
	txBackoffCap  = 2 * time.Second
)

// Options tune store behavior.
type Options struct {
	// RecalcInline runs the aggregate recalculation inside the same
	// transaction as PersistFile (aggregates.recalc_mode=INLINE). When
	// false the caller invokes the recalculation functions afterwards.
	RecalcInline bool

	// Bootstrap creates the schema on open when it does not exist.
	Bootstrap bool
}

// Store is the PostgreSQL-backed implementation of storage.Store.
type Store struct {
	db     *sql.DB
	opts   Options
	logger *zap.Logger
}

// Open connects to dsn and optionally bootstraps the schema.
func Open(ctx context.Context, dsn string, opts Options, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(32)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &Store{db: db, opts: opts, logger: logger.Named("postgres")}
	if opts.Bootstrap {
		if err := s.bootstrap(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewWithDB wraps an existing handle; used by tests (sqlmock).
func NewWithDB(db *sql.DB, opts Options, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, opts: opts, logger: logger.Named("postgres")}
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle for read-only admin queries (cmd).
func (s *Store) DB() *sql.DB { return s.db }

// runTx executes fn in a REPEATABLE READ transaction, retrying transient
// failures within the bounded budget. fn must be safe to re-run from
// scratch: every retry starts a fresh transaction.
func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = txBackoffBase
	bo.MaxInterval = txBackoffCap
	bo.RandomizationFactor = 0.2

	attempt := 0
	op := func() error {
		attempt++
		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
		if err != nil {
			return classify(err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return classify(err)
		}
		if err := tx.Commit(); err != nil {
			return classify(err)
		}
		return nil
	}

	notRetryable := func(err error) error {
		if types.KindOf(err) != types.KindPersistTransient {
			return backoff.Permanent(err)
		}
		if attempt >= txMaxRetries {
			return backoff.Permanent(err)
		}
		s.logger.Warn("retrying transaction", zap.Int("attempt", attempt), zap.Error(err))
		return err
	}

	return backoff.Retry(func() error { return notRetryable(op()) }, backoff.WithContext(bo, ctx))
}

// classify maps a database error onto the persist failure taxonomy. Errors
// that already carry a pipeline kind pass through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pe *types.Error
	if errors.As(err, &pe) {
		return err
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return types.NewError(types.KindPersistTransient, types.StagePersisting, "transient database conflict", err)
		case "23505": // unique_violation outside an ON CONFLICT path
			return types.NewError(types.KindPersistIntegrity, types.StagePersisting, "unexpected unique violation", err)
		}
		if pqErr.Code.Class() == "23" {
			return types.NewError(types.KindPersistIntegrity, types.StagePersisting, "integrity constraint violation", err)
		}
		if pqErr.Code.Class() == "08" { // connection exceptions
			return types.NewError(types.KindPersistTransient, types.StagePersisting, "connection failure", err)
		}
		return types.NewError(types.KindPersistFatal, types.StagePersisting, "database error", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, sql.ErrConnDone) {
		return types.NewError(types.KindPersistTransient, types.StagePersisting, "database i/o failure", err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return types.NewError(types.KindTimeout, types.StagePersisting, "deadline exceeded", err)
	}
	return types.NewError(types.KindPersistFatal, types.StagePersisting, "unclassified database error", err)
}

// nullTime converts a possibly-zero time for a nullable column.
func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}
