package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hcledger/claimsink/internal/storage"
	"github.com/hcledger/claimsink/internal/types"
)

// PersistFile runs the per-file idempotency protocol in one transaction.
//
// Protocol order matters: the ingestion_file upsert is first so the ALREADY
// short-circuit costs one index probe, claim keys are upserted before any
// row that references them, and events are appended after their base rows.
// Lock order is always ClaimKey → Claim → Activity children.
func (s *Store) PersistFile(ctx context.Context, rs *storage.RowSet) (*storage.PersistResult, error) {
	var res *storage.PersistResult
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		var err error
		res, err = s.persistFileTx(ctx, tx, rs)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Store) persistFileTx(ctx context.Context, tx *sql.Tx, rs *storage.RowSet) (*storage.PersistResult, error) {
	res := &storage.PersistResult{}

	// 1. Upsert ingestion_file by file_id, then check for a prior OK audit.
	var fileRowID int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO ingestion_file (file_id, root_type, sender_id, receiver_id, transaction_date, record_count, raw_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (file_id) DO UPDATE SET file_id = EXCLUDED.file_id
		RETURNING id`,
		rs.File.FileID, int(rs.File.RootType), nullStr(rs.File.SenderID), nullStr(rs.File.ReceiverID),
		nullTime(rs.File.TransactionDate), rs.File.RecordCount, nullStr(rs.File.RawHash),
	).Scan(&fileRowID)
	if err != nil {
		return nil, fmt.Errorf("upsert ingestion_file: %w", err)
	}
	res.FileRowID = fileRowID

	var okAudits int
	err = tx.QueryRowContext(ctx,
		`SELECT count(*) FROM ingestion_file_audit WHERE file_id = $1 AND status = $2`,
		rs.File.FileID, int(types.AuditOK),
	).Scan(&okAudits)
	if err != nil {
		return nil, fmt.Errorf("check prior audit: %w", err)
	}
	if okAudits > 0 {
		// Reprocessing the same bytes is a no-op. A prior FAILED audit does
		// not land here, so failed files stay reprocessable.
		res.Already = true
		return res, nil
	}

	seenKeys := make(map[int64]struct{})
	touch := func(id int64) {
		if _, ok := seenKeys[id]; !ok {
			seenKeys[id] = struct{}{}
			res.ClaimKeyIDs = append(res.ClaimKeyIDs, id)
		}
	}

	switch rs.File.RootType {
	case types.RootSubmission:
		if err := s.persistSubmission(ctx, tx, rs, fileRowID, res, touch); err != nil {
			return nil, err
		}
	case types.RootRemittance:
		if err := s.persistRemittance(ctx, tx, rs, fileRowID, res, touch); err != nil {
			return nil, err
		}
	default:
		return nil, types.NewError(types.KindPersistValidation, types.StagePersisting,
			fmt.Sprintf("row set has unknown root type %v", rs.File.RootType), nil)
	}

	res.Rollup = computeRollup(rs)

	// 7. Refresh the derived status timeline for every touched claim key.
	for _, keyID := range res.ClaimKeyIDs {
		if err := s.refreshTimeline(ctx, tx, keyID); err != nil {
			return nil, err
		}
	}

	// Optional inline aggregate maintenance (aggregates.recalc_mode=INLINE).
	if s.opts.RecalcInline {
		for _, keyID := range res.ClaimKeyIDs {
			if err := s.recalcActivityTx(ctx, tx, keyID); err != nil {
				return nil, types.NewError(types.KindAggregateFailed, types.StageAggregating, "inline recalculation failed", err)
			}
			if err := s.recalcPaymentTx(ctx, tx, keyID); err != nil {
				return nil, types.NewError(types.KindAggregateFailed, types.StageAggregating, "inline recalculation failed", err)
			}
		}
	}
	return res, nil
}

// upsertClaimKey is race-safe: ON CONFLICT DO NOTHING plus re-select, so
// two workers colliding on a new claim id converge on the same surrogate.
func upsertClaimKey(ctx context.Context, tx *sql.Tx, claimID string) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO claim_key (claim_id) VALUES ($1)
		ON CONFLICT (claim_id) DO NOTHING
		RETURNING id`, claimID).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("insert claim_key %q: %w", claimID, err)
	}
	if err := tx.QueryRowContext(ctx,
		`SELECT id FROM claim_key WHERE claim_id = $1`, claimID).Scan(&id); err != nil {
		return 0, fmt.Errorf("select claim_key %q: %w", claimID, err)
	}
	return id, nil
}

func (s *Store) persistSubmission(ctx context.Context, tx *sql.Tx, rs *storage.RowSet, fileRowID int64, res *storage.PersistResult, touch func(int64)) error {
	var submissionID int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO submission (ingestion_file_id) VALUES ($1)
		ON CONFLICT (ingestion_file_id) DO UPDATE SET ingestion_file_id = EXCLUDED.ingestion_file_id
		RETURNING id`, fileRowID).Scan(&submissionID)
	if err != nil {
		return fmt.Errorf("upsert submission: %w", err)
	}

	for i := range rs.Claims {
		c := &rs.Claims[i]
		keyID, err := upsertClaimKey(ctx, tx, c.ClaimID)
		if err != nil {
			return err
		}
		touch(keyID)

		// Duplicate (submission_id, claim_key_id) pairs coalesce.
		var claimRowID int64
		err = tx.QueryRowContext(ctx, `
			INSERT INTO claim (claim_key_id, submission_id, id_payer, payer_ref_id, provider_id, provider_ref_id,
				member_id, emirates_id_number, gross, patient_share, net, tx_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (submission_id, claim_key_id) DO NOTHING
			RETURNING id`,
			keyID, submissionID, nullStr(c.IDPayer), nullID(c.PayerRefID), nullStr(c.ProviderID), nullID(c.ProviderRefID),
			nullStr(c.MemberID), nullStr(c.EmiratesIDNumber), c.Gross, c.PatientShare, c.Net, nullTime(c.TxAt),
		).Scan(&claimRowID)
		if err == sql.ErrNoRows {
			if err = tx.QueryRowContext(ctx,
				`SELECT id FROM claim WHERE submission_id = $1 AND claim_key_id = $2`,
				submissionID, keyID).Scan(&claimRowID); err != nil {
				return fmt.Errorf("select coalesced claim: %w", err)
			}
		} else if err != nil {
			return fmt.Errorf("insert claim %q: %w", c.ClaimID, err)
		}

		if err := s.persistClaimChildren(ctx, tx, claimRowID, c); err != nil {
			return err
		}

		// 6. Event rules: one SUBMISSION per claim key ever, one extra
		// RESUBMISSION whenever the payload carries a resubmission block.
		eventTime := c.TxAt
		if eventTime.IsZero() {
			eventTime = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO claim_event (claim_key_id, event_type, event_time, ingestion_file_id)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (claim_key_id) WHERE event_type = 1 DO NOTHING`,
			keyID, int(types.EventSubmission), eventTime, fileRowID); err != nil {
			return fmt.Errorf("insert submission event: %w", err)
		}
		if c.Resubmission != nil {
			// One RESUBMISSION event per (claim_key, file): re-running a
			// file whose audit failed after commit coalesces instead of
			// stacking events. No row back means the event and its
			// claim_resubmission child already exist.
			var eventID int64
			err := tx.QueryRowContext(ctx, `
				INSERT INTO claim_event (claim_key_id, event_type, event_time, ingestion_file_id)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (claim_key_id, ingestion_file_id) WHERE event_type = 2 DO NOTHING
				RETURNING id`,
				keyID, int(types.EventResubmission), eventTime, fileRowID).Scan(&eventID)
			if err == sql.ErrNoRows {
				continue
			}
			if err != nil {
				return fmt.Errorf("insert resubmission event: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO claim_resubmission (claim_event_id, resubmission_type, comment, attachment)
				VALUES ($1, $2, $3, $4)`,
				eventID, nullStr(c.Resubmission.Type), nullStr(c.Resubmission.Comment), nullStr(c.Resubmission.Attachment)); err != nil {
				return fmt.Errorf("insert claim_resubmission: %w", err)
			}
		}
	}

	return s.countSubmission(ctx, tx, submissionID, res)
}

// persistClaimChildren writes the encounter, activities, observations and
// diagnoses under one claim row. Children of a coalesced claim are already
// present; observation inserts are gated on a fresh activity row since
// observations carry no natural key of their own.
func (s *Store) persistClaimChildren(ctx context.Context, tx *sql.Tx, claimRowID int64, c *storage.ClaimRow) error {
	if c.Encounter != nil {
		e := c.Encounter
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO encounter (claim_id, facility_id, facility_ref_id, type, patient_id, start_at, end_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (claim_id) DO NOTHING`,
			claimRowID, nullStr(e.FacilityID), nullID(e.FacilityRefID), nullStr(e.Type), nullStr(e.PatientID),
			nullTime(e.Start), nullTime(e.End)); err != nil {
			return fmt.Errorf("insert encounter: %w", err)
		}
	}

	for j := range c.Activities {
		a := &c.Activities[j]
		var activityPK int64
		err := tx.QueryRowContext(ctx, `
			INSERT INTO activity (claim_id, activity_id, start_at, type, code, code_ref_id, quantity, net,
				clinician, clinician_ref_id, prior_auth_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (claim_id, activity_id) DO NOTHING
			RETURNING id`,
			claimRowID, a.ActivityID, nullTime(a.Start), nullStr(a.Type), nullStr(a.Code), nullID(a.CodeRefID),
			a.Quantity, a.Net, nullStr(a.Clinician), nullID(a.ClinicianRefID), nullStr(a.PriorAuthID)).Scan(&activityPK)
		if err == sql.ErrNoRows {
			continue // coalesced; observations already present
		}
		if err != nil {
			return fmt.Errorf("insert activity %q: %w", a.ActivityID, err)
		}
		for _, o := range a.Observations {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO observation (activity_pk, type, code, value, value_type)
				VALUES ($1, $2, $3, $4, $5)`,
				activityPK, nullStr(o.Type), nullStr(o.Code), nullStr(o.Value), nullStr(o.ValueType)); err != nil {
				return fmt.Errorf("insert observation: %w", err)
			}
		}
	}

	for _, d := range c.Diagnoses {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO diagnosis (claim_id, type, code, code_ref_id)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (claim_id, type, code) DO NOTHING`,
			claimRowID, nullStr(d.Type), d.Code, nullID(d.CodeRefID)); err != nil {
			return fmt.Errorf("insert diagnosis: %w", err)
		}
	}
	return nil
}

func (s *Store) persistRemittance(ctx context.Context, tx *sql.Tx, rs *storage.RowSet, fileRowID int64, res *storage.PersistResult, touch func(int64)) error {
	var remittanceID int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO remittance (ingestion_file_id) VALUES ($1)
		ON CONFLICT (ingestion_file_id) DO UPDATE SET ingestion_file_id = EXCLUDED.ingestion_file_id
		RETURNING id`, fileRowID).Scan(&remittanceID)
	if err != nil {
		return fmt.Errorf("upsert remittance: %w", err)
	}

	for i := range rs.RemitClaims {
		c := &rs.RemitClaims[i]
		keyID, err := upsertClaimKey(ctx, tx, c.ClaimID)
		if err != nil {
			return err
		}
		touch(keyID)

		var rcID int64
		err = tx.QueryRowContext(ctx, `
			INSERT INTO remittance_claim (remittance_id, claim_key_id, id_payer, payer_ref_id, provider_id,
				provider_ref_id, date_settlement, payment_reference)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (remittance_id, claim_key_id) DO NOTHING
			RETURNING id`,
			remittanceID, keyID, nullStr(c.IDPayer), nullID(c.PayerRefID), nullStr(c.ProviderID),
			nullID(c.ProviderRefID), nullTime(c.DateSettlement), nullStr(c.PaymentReference)).Scan(&rcID)
		if err == sql.ErrNoRows {
			if err = tx.QueryRowContext(ctx,
				`SELECT id FROM remittance_claim WHERE remittance_id = $1 AND claim_key_id = $2`,
				remittanceID, keyID).Scan(&rcID); err != nil {
				return fmt.Errorf("select coalesced remittance_claim: %w", err)
			}
		} else if err != nil {
			return fmt.Errorf("insert remittance_claim %q: %w", c.ClaimID, err)
		}

		for j := range c.Activities {
			a := &c.Activities[j]
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO remittance_activity (remittance_claim_id, activity_id, start_at, type, code,
					quantity, net, list_price, clinician, payment_amount, denial_code, denial_ref_id)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
				ON CONFLICT (remittance_claim_id, activity_id) DO NOTHING`,
				rcID, a.ActivityID, nullTime(a.Start), nullStr(a.Type), nullStr(a.Code),
				a.Quantity, a.Net, a.ListPrice, nullStr(a.Clinician), a.PaymentAmount,
				nullStr(a.DenialCode), nullID(a.DenialRefID)); err != nil {
				return fmt.Errorf("insert remittance_activity %q: %w", a.ActivityID, err)
			}
		}

		// REMITTANCE events append once per (claim_key, remittance).
		eventTime := c.DateSettlement
		if eventTime.IsZero() {
			eventTime = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO claim_event (claim_key_id, event_type, event_time, ingestion_file_id, remittance_id)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (claim_key_id, remittance_id) WHERE event_type = 3 DO NOTHING`,
			keyID, int(types.EventRemittance), eventTime, fileRowID, remittanceID); err != nil {
			return fmt.Errorf("insert remittance event: %w", err)
		}
	}

	return s.countRemittance(ctx, tx, remittanceID, res)
}

// refreshTimeline points the derived per-claim status at the latest event.
func (s *Store) refreshTimeline(ctx context.Context, tx *sql.Tx, claimKeyID int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO claim_status_timeline (claim_key_id, event_type, event_time, updated_at)
		SELECT e.claim_key_id, e.event_type, e.event_time, now()
		FROM claim_event e
		WHERE e.claim_key_id = $1
		ORDER BY e.event_time DESC, e.id DESC
		LIMIT 1
		ON CONFLICT (claim_key_id) DO UPDATE
			SET event_type = EXCLUDED.event_type,
			    event_time = EXCLUDED.event_time,
			    updated_at = now()`, claimKeyID)
	if err != nil {
		return fmt.Errorf("refresh claim_status_timeline: %w", err)
	}
	return nil
}

// countSubmission fills PersistResult.Persisted from the rows now visible
// in this transaction. Verification re-counts after commit.
func (s *Store) countSubmission(ctx context.Context, tx *sql.Tx, submissionID int64, res *storage.PersistResult) error {
	row := tx.QueryRowContext(ctx, `
		SELECT
			(SELECT count(*) FROM claim WHERE submission_id = $1),
			(SELECT count(*) FROM encounter e JOIN claim c ON c.id = e.claim_id WHERE c.submission_id = $1),
			(SELECT count(*) FROM activity a JOIN claim c ON c.id = a.claim_id WHERE c.submission_id = $1),
			(SELECT count(*) FROM observation o JOIN activity a ON a.id = o.activity_pk JOIN claim c ON c.id = a.claim_id WHERE c.submission_id = $1),
			(SELECT count(*) FROM diagnosis d JOIN claim c ON c.id = d.claim_id WHERE c.submission_id = $1),
			(SELECT count(*) FROM claim_event e JOIN claim c ON c.claim_key_id = e.claim_key_id WHERE c.submission_id = $1)`,
		submissionID)
	if err := row.Scan(&res.Persisted.Claims, &res.Persisted.Encounters, &res.Persisted.Activities,
		&res.Persisted.Observations, &res.Persisted.Diagnoses, &res.Persisted.Events); err != nil {
		return fmt.Errorf("count persisted submission rows: %w", err)
	}
	return nil
}

func (s *Store) countRemittance(ctx context.Context, tx *sql.Tx, remittanceID int64, res *storage.PersistResult) error {
	row := tx.QueryRowContext(ctx, `
		SELECT
			(SELECT count(*) FROM remittance_claim WHERE remittance_id = $1),
			(SELECT count(*) FROM remittance_activity ra JOIN remittance_claim rc ON rc.id = ra.remittance_claim_id WHERE rc.remittance_id = $1),
			(SELECT count(*) FROM claim_event WHERE remittance_id = $1 AND event_type = 3)`,
		remittanceID)
	if err := row.Scan(&res.Persisted.Claims, &res.Persisted.Activities, &res.Persisted.Events); err != nil {
		return fmt.Errorf("count persisted remittance rows: %w", err)
	}
	return nil
}

func computeRollup(rs *storage.RowSet) storage.FinancialRollup {
	r := storage.FinancialRollup{}
	payers := make(map[string]struct{})
	providers := make(map[string]struct{})
	for i := range rs.Claims {
		c := &rs.Claims[i]
		r.TotalGross = r.TotalGross.Add(c.Gross)
		r.TotalPatientShare = r.TotalPatientShare.Add(c.PatientShare)
		r.TotalNet = r.TotalNet.Add(c.Net)
		if c.IDPayer != "" {
			payers[c.IDPayer] = struct{}{}
		}
		if c.ProviderID != "" {
			providers[c.ProviderID] = struct{}{}
		}
	}
	for i := range rs.RemitClaims {
		c := &rs.RemitClaims[i]
		if c.IDPayer != "" {
			payers[c.IDPayer] = struct{}{}
		}
		if c.ProviderID != "" {
			providers[c.ProviderID] = struct{}{}
		}
		for j := range c.Activities {
			r.TotalNet = r.TotalNet.Add(c.Activities[j].Net)
		}
	}
	r.UniquePayers = len(payers)
	r.UniqueProviders = len(providers)
	return r
}
