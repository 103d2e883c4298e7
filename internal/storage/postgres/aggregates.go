package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hcledger/claimsink/internal/aggregate"
	"github.com/hcledger/claimsink/internal/storage"
	"github.com/hcledger/claimsink/internal/types"
)

// RecalculateActivitySummary recomputes every claim_activity_summary row
// for the claim key from the current base tables. Pure with respect to
// arrival order; re-invocation converges.
func (s *Store) RecalculateActivitySummary(ctx context.Context, claimKeyID int64) error {
	return s.runTx(ctx, func(tx *sql.Tx) error {
		return s.recalcActivityTx(ctx, tx, claimKeyID)
	})
}

// RecalculateClaimPayment recomputes the claim_payment row from the
// current activity summary rows plus event-derived lifecycle metrics.
func (s *Store) RecalculateClaimPayment(ctx context.Context, claimKeyID int64) error {
	return s.runTx(ctx, func(tx *sql.Tx) error {
		return s.recalcPaymentTx(ctx, tx, claimKeyID)
	})
}

// lockClaimKey serializes concurrent recomputation of one claim key. The
// documented lock order is ClaimKey first, so two workers touching the same
// key queue here rather than deadlocking further down.
func lockClaimKey(ctx context.Context, tx *sql.Tx, claimKeyID int64) error {
	var id int64
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM claim_key WHERE id = $1 FOR UPDATE`, claimKeyID).Scan(&id)
	if err == sql.ErrNoRows {
		return fmt.Errorf("claim_key %d: %w", claimKeyID, storage.ErrNotFound)
	}
	return err
}

func (s *Store) recalcActivityTx(ctx context.Context, tx *sql.Tx, claimKeyID int64) error {
	if err := lockClaimKey(ctx, tx, claimKeyID); err != nil {
		return err
	}

	base, err := loadActivityBase(ctx, tx, claimKeyID)
	if err != nil {
		return err
	}
	lines, err := loadPaymentLines(ctx, tx, claimKeyID)
	if err != nil {
		return err
	}

	// Activities known only from remittance lines are deferred: no summary
	// row until their submission lands and recalculation is re-invoked.
	rows := aggregate.Summarize(claimKeyID, base, lines)
	for i := range rows {
		if err := upsertSummary(ctx, tx, &rows[i]); err != nil {
			return err
		}
	}
	return nil
}

// loadActivityBase returns the submitted denominator per activity id for
// the claim key. Duplicate activity ids across resubmitted claims take the
// latest submitted net, which keeps the function deterministic.
func loadActivityBase(ctx context.Context, tx *sql.Tx, claimKeyID int64) ([]aggregate.ActivityBase, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT DISTINCT ON (a.activity_id) a.activity_id, a.net
		FROM activity a
		JOIN claim c ON c.id = a.claim_id
		WHERE c.claim_key_id = $1
		ORDER BY a.activity_id, a.id DESC`, claimKeyID)
	if err != nil {
		return nil, fmt.Errorf("load activity base: %w", err)
	}
	defer rows.Close()

	var out []aggregate.ActivityBase
	for rows.Next() {
		var b aggregate.ActivityBase
		if err := rows.Scan(&b.ActivityID, &b.Submitted); err != nil {
			return nil, fmt.Errorf("scan activity base: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func loadPaymentLines(ctx context.Context, tx *sql.Tx, claimKeyID int64) ([]aggregate.PaymentLine, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT ra.activity_id, ra.payment_amount, COALESCE(ra.denial_code, ''), rc.date_settlement, ra.id, rc.id
		FROM remittance_activity ra
		JOIN remittance_claim rc ON rc.id = ra.remittance_claim_id
		WHERE rc.claim_key_id = $1
		ORDER BY ra.id`, claimKeyID)
	if err != nil {
		return nil, fmt.Errorf("load payment lines: %w", err)
	}
	defer rows.Close()

	var out []aggregate.PaymentLine
	for rows.Next() {
		var l aggregate.PaymentLine
		var settled sql.NullTime
		if err := rows.Scan(&l.ActivityID, &l.Amount, &l.DenialCode, &settled, &l.LineID, &l.RemitClaimID); err != nil {
			return nil, fmt.Errorf("scan payment line: %w", err)
		}
		if settled.Valid {
			l.SettledAt = settled.Time
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func upsertSummary(ctx context.Context, tx *sql.Tx, r *aggregate.Summary) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO claim_activity_summary (claim_key_id, activity_id, submitted_amount, paid_amount,
			taken_back_amount, net_paid_amount, rejected_amount, denied_amount, latest_denial_code,
			remittance_count, first_payment_at, last_payment_at, activity_status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now())
		ON CONFLICT (claim_key_id, activity_id) DO UPDATE SET
			submitted_amount = EXCLUDED.submitted_amount,
			paid_amount = EXCLUDED.paid_amount,
			taken_back_amount = EXCLUDED.taken_back_amount,
			net_paid_amount = EXCLUDED.net_paid_amount,
			rejected_amount = EXCLUDED.rejected_amount,
			denied_amount = EXCLUDED.denied_amount,
			latest_denial_code = EXCLUDED.latest_denial_code,
			remittance_count = EXCLUDED.remittance_count,
			first_payment_at = EXCLUDED.first_payment_at,
			last_payment_at = EXCLUDED.last_payment_at,
			activity_status = EXCLUDED.activity_status,
			updated_at = now()`,
		r.ClaimKeyID, r.ActivityID, r.Submitted, r.Paid, r.TakenBack, r.NetPaid, r.Rejected, r.Denied,
		nullStr(r.LatestDenialCode), r.RemittanceCount, nullTimePtr(r.FirstPaymentAt), nullTimePtr(r.LastPaymentAt),
		string(r.Status))
	if err != nil {
		return fmt.Errorf("upsert claim_activity_summary: %w", err)
	}
	return nil
}

func (s *Store) recalcPaymentTx(ctx context.Context, tx *sql.Tx, claimKeyID int64) error {
	if err := lockClaimKey(ctx, tx, claimKeyID); err != nil {
		return err
	}

	summaries, err := loadSummaries(ctx, tx, claimKeyID)
	if err != nil {
		return err
	}
	lc, err := loadLifecycle(ctx, tx, claimKeyID)
	if err != nil {
		return err
	}

	p := aggregate.Rollup(claimKeyID, summaries, lc)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO claim_payment (claim_key_id, total_submitted, total_paid, total_remitted,
			total_taken_back, total_net_paid, total_rejected, total_denied, activity_count,
			fully_paid_count, partially_paid_count, rejected_count, pending_count, taken_back_count,
			partially_tb_count, remittance_count, first_submission_at, last_submission_at,
			first_settlement_at, last_settlement_at, days_to_first_payment, processing_cycles,
			resubmission_count, payment_status, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24, now())
		ON CONFLICT (claim_key_id) DO UPDATE SET
			total_submitted = EXCLUDED.total_submitted,
			total_paid = EXCLUDED.total_paid,
			total_remitted = EXCLUDED.total_remitted,
			total_taken_back = EXCLUDED.total_taken_back,
			total_net_paid = EXCLUDED.total_net_paid,
			total_rejected = EXCLUDED.total_rejected,
			total_denied = EXCLUDED.total_denied,
			activity_count = EXCLUDED.activity_count,
			fully_paid_count = EXCLUDED.fully_paid_count,
			partially_paid_count = EXCLUDED.partially_paid_count,
			rejected_count = EXCLUDED.rejected_count,
			pending_count = EXCLUDED.pending_count,
			taken_back_count = EXCLUDED.taken_back_count,
			partially_tb_count = EXCLUDED.partially_tb_count,
			remittance_count = EXCLUDED.remittance_count,
			first_submission_at = EXCLUDED.first_submission_at,
			last_submission_at = EXCLUDED.last_submission_at,
			first_settlement_at = EXCLUDED.first_settlement_at,
			last_settlement_at = EXCLUDED.last_settlement_at,
			days_to_first_payment = EXCLUDED.days_to_first_payment,
			processing_cycles = EXCLUDED.processing_cycles,
			resubmission_count = EXCLUDED.resubmission_count,
			payment_status = EXCLUDED.payment_status,
			updated_at = now()`,
		p.ClaimKeyID, p.TotalSubmitted, p.TotalPaid, p.TotalRemitted, p.TotalTakenBack, p.TotalNetPaid,
		p.TotalRejected, p.TotalDenied, p.ActivityCount, p.FullyPaidCount, p.PartiallyPaidCount,
		p.RejectedCount, p.PendingCount, p.TakenBackCount, p.PartialTBCount, p.RemittanceCount,
		nullTimePtr(p.FirstSubmissionAt), nullTimePtr(p.LastSubmissionAt), nullTimePtr(p.FirstSettlementAt),
		nullTimePtr(p.LastSettlementAt), nullIntPtr(p.DaysToFirstPayment), p.ProcessingCycles,
		p.ResubmissionCount, string(p.Status))
	if err != nil {
		return fmt.Errorf("upsert claim_payment: %w", err)
	}
	return nil
}

func loadSummaries(ctx context.Context, tx *sql.Tx, claimKeyID int64) ([]aggregate.Summary, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT activity_id, submitted_amount, paid_amount, taken_back_amount, net_paid_amount,
			rejected_amount, denied_amount, COALESCE(latest_denial_code, ''), remittance_count,
			first_payment_at, last_payment_at, activity_status
		FROM claim_activity_summary WHERE claim_key_id = $1
		ORDER BY activity_id`, claimKeyID)
	if err != nil {
		return nil, fmt.Errorf("load summaries: %w", err)
	}
	defer rows.Close()

	var out []aggregate.Summary
	for rows.Next() {
		s := aggregate.Summary{ClaimKeyID: claimKeyID}
		var first, last sql.NullTime
		var status string
		if err := rows.Scan(&s.ActivityID, &s.Submitted, &s.Paid, &s.TakenBack, &s.NetPaid,
			&s.Rejected, &s.Denied, &s.LatestDenialCode, &s.RemittanceCount, &first, &last, &status); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		if first.Valid {
			s.FirstPaymentAt = &first.Time
		}
		if last.Valid {
			s.LastPaymentAt = &last.Time
		}
		s.Status = types.ActivityStatus(status)
		out = append(out, s)
	}
	return out, rows.Err()
}

func loadLifecycle(ctx context.Context, tx *sql.Tx, claimKeyID int64) (aggregate.Lifecycle, error) {
	var lc aggregate.Lifecycle
	var firstSub, lastSub, firstSettle, lastSettle sql.NullTime
	err := tx.QueryRowContext(ctx, `
		SELECT
			min(event_time) FILTER (WHERE event_type IN (1, 2)),
			max(event_time) FILTER (WHERE event_type IN (1, 2)),
			min(event_time) FILTER (WHERE event_type = 3),
			max(event_time) FILTER (WHERE event_type = 3),
			count(*) FILTER (WHERE event_type IN (1, 2)),
			count(*) FILTER (WHERE event_type = 2)
		FROM claim_event WHERE claim_key_id = $1`, claimKeyID).Scan(
		&firstSub, &lastSub, &firstSettle, &lastSettle, &lc.ProcessingCycles, &lc.ResubmissionCount)
	if err != nil {
		return lc, fmt.Errorf("load lifecycle: %w", err)
	}
	if firstSub.Valid {
		lc.FirstSubmissionAt = &firstSub.Time
	}
	if lastSub.Valid {
		lc.LastSubmissionAt = &lastSub.Time
	}
	if firstSettle.Valid {
		lc.FirstSettlementAt = &firstSettle.Time
	}
	if lastSettle.Valid {
		lc.LastSettlementAt = &lastSettle.Time
	}
	return lc, nil
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullIntPtr(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}
