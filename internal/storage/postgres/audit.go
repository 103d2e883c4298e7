package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hcledger/claimsink/internal/storage"
)

// BeginRun opens an ingestion_run row and returns its id.
func (s *Store) BeginRun(ctx context.Context, source, reason string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ingestion_run (id, source, reason, started_at) VALUES ($1, $2, $3, now())`,
		id, source, nullStr(reason))
	if err != nil {
		return "", fmt.Errorf("begin ingestion_run: %w", err)
	}
	return id, nil
}

// CloseRun stamps the run with its final counters.
func (s *Store) CloseRun(ctx context.Context, runID string, sum storage.RunSummary) error {
	ended := sum.EndedAt
	if ended.IsZero() {
		ended = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE ingestion_run
		SET ended_at = $2, discovered = $3, pulled = $4, ok = $5, failed = $6, already = $7, acks_sent = $8
		WHERE id = $1`,
		runID, ended, sum.Discovered, sum.Pulled, sum.OK, sum.Failed, sum.Already, sum.AcksSent)
	if err != nil {
		return fmt.Errorf("close ingestion_run %s: %w", runID, err)
	}
	return nil
}

// RecordFileAudit writes the single per-file audit row.
func (s *Store) RecordFileAudit(ctx context.Context, a *storage.FileAudit) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ingestion_file_audit (run_id, file_id, status, stage, reason,
			parsed_claims, parsed_activities, parsed_events,
			persisted_claims, persisted_activities, persisted_events,
			verify_ok, duration_ms, error_kind, error_message,
			total_gross, total_patient_share, total_net, unique_payers, unique_providers)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		nullStr(a.RunID), a.FileID, int(a.Status), string(a.Stage), nullStr(a.Reason),
		a.Parsed.Claims, a.Parsed.Activities, a.Parsed.Events,
		a.Persisted.Claims, a.Persisted.Activities, a.Persisted.Events,
		a.VerifyOK, a.Duration.Milliseconds(), nullStr(string(a.ErrorKind)), nullStr(a.ErrorMessage),
		a.Rollup.TotalGross, a.Rollup.TotalPatientShare, a.Rollup.TotalNet,
		a.Rollup.UniquePayers, a.Rollup.UniqueProviders)
	if err != nil {
		return fmt.Errorf("record file audit %q: %w", a.FileID, err)
	}
	return nil
}

// RecordError appends an ingestion_error row.
func (s *Store) RecordError(ctx context.Context, rec *storage.ErrorRecord) error {
	at := rec.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ingestion_error (run_id, file_id, stage, object_type, error_code, message, retryable, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		nullStr(rec.RunID), nullStr(rec.FileID), string(rec.Stage), nullStr(rec.ObjectType),
		string(rec.Kind), rec.Message, rec.Retryable, at)
	if err != nil {
		return fmt.Errorf("record ingestion_error: %w", err)
	}
	return nil
}
