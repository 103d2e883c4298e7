package postgres

import (
	"context"
	"fmt"

	"github.com/hcledger/claimsink/internal/storage"
	"github.com/hcledger/claimsink/internal/types"
)

// VerifyFile re-reads the just-committed file and compares counts against
// the parse. Strictly read-only: no state is modified on any outcome.
func (s *Store) VerifyFile(ctx context.Context, fileID string, parsed types.Counts) (*storage.VerifyResult, error) {
	res := &storage.VerifyResult{Parsed: parsed}

	var fileRowID int64
	var rootType int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, root_type FROM ingestion_file WHERE file_id = $1`, fileID).Scan(&fileRowID, &rootType)
	if err != nil {
		return nil, fmt.Errorf("verify: load ingestion_file %q: %w", fileID, err)
	}

	switch types.RootType(rootType) {
	case types.RootSubmission:
		err = s.verifySubmission(ctx, fileRowID, res)
	case types.RootRemittance:
		err = s.verifyRemittance(ctx, fileRowID, res)
	default:
		return nil, fmt.Errorf("verify: file %q has unknown root_type %d", fileID, rootType)
	}
	if err != nil {
		return nil, err
	}

	res.OK = res.Persisted.Claims == parsed.Claims &&
		res.Persisted.Activities == parsed.Activities &&
		res.MissingEvents == 0 &&
		res.OrphanActivities == 0 &&
		res.OrphanObs == 0
	if !res.OK {
		res.Detail = fmt.Sprintf(
			"claims %d/%d activities %d/%d missing-events %d orphans %d/%d",
			res.Persisted.Claims, parsed.Claims,
			res.Persisted.Activities, parsed.Activities,
			res.MissingEvents, res.OrphanActivities, res.OrphanObs)
	}
	return res, nil
}

func (s *Store) verifySubmission(ctx context.Context, fileRowID int64, res *storage.VerifyResult) error {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT count(*) FROM claim c JOIN submission s ON s.id = c.submission_id WHERE s.ingestion_file_id = $1),
			(SELECT count(*) FROM activity a JOIN claim c ON c.id = a.claim_id
				JOIN submission s ON s.id = c.submission_id WHERE s.ingestion_file_id = $1),
			(SELECT count(*) FROM claim c JOIN submission s ON s.id = c.submission_id
				WHERE s.ingestion_file_id = $1
				AND NOT EXISTS (SELECT 1 FROM claim_event e WHERE e.claim_key_id = c.claim_key_id)),
			(SELECT count(*) FROM activity a WHERE NOT EXISTS (SELECT 1 FROM claim c WHERE c.id = a.claim_id)),
			(SELECT count(*) FROM observation o WHERE NOT EXISTS (SELECT 1 FROM activity a WHERE a.id = o.activity_pk))`,
		fileRowID)
	return row.Scan(&res.Persisted.Claims, &res.Persisted.Activities,
		&res.MissingEvents, &res.OrphanActivities, &res.OrphanObs)
}

func (s *Store) verifyRemittance(ctx context.Context, fileRowID int64, res *storage.VerifyResult) error {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT count(*) FROM remittance_claim rc JOIN remittance r ON r.id = rc.remittance_id WHERE r.ingestion_file_id = $1),
			(SELECT count(*) FROM remittance_activity ra JOIN remittance_claim rc ON rc.id = ra.remittance_claim_id
				JOIN remittance r ON r.id = rc.remittance_id WHERE r.ingestion_file_id = $1),
			(SELECT count(*) FROM remittance_claim rc JOIN remittance r ON r.id = rc.remittance_id
				WHERE r.ingestion_file_id = $1
				AND NOT EXISTS (SELECT 1 FROM claim_event e WHERE e.claim_key_id = rc.claim_key_id))`,
		fileRowID)
	return row.Scan(&res.Persisted.Claims, &res.Persisted.Activities, &res.MissingEvents)
}
