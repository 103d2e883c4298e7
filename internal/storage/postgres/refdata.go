package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hcledger/claimsink/internal/storage"
)

// LookupRef returns the surrogate id for a business code, or
// storage.ErrNotFound.
func (s *Store) LookupRef(ctx context.Context, kind storage.RefKind, code string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM ref_code WHERE kind = $1 AND code = $2`, string(kind), code).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, storage.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("lookup ref %s %q: %w", kind, code, err)
	}
	return id, nil
}

// UpsertRef creates a minimal ACTIVE reference row for an unknown code.
// Race-safe: concurrent callers converge on one row via the unique
// constraint plus re-select.
func (s *Store) UpsertRef(ctx context.Context, kind storage.RefKind, code string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO ref_code (kind, code, name, status) VALUES ($1, $2, $2, 'ACTIVE')
		ON CONFLICT (kind, code) DO NOTHING
		RETURNING id`, string(kind), code).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("upsert ref %s %q: %w", kind, code, err)
	}
	return s.LookupRef(ctx, kind, code)
}

// RecordCodeDiscovery audits a first sighting of an unknown code.
func (s *Store) RecordCodeDiscovery(ctx context.Context, kind storage.RefKind, code, fileID string, inserted bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO code_discovery_audit (kind, code, file_id, inserted) VALUES ($1, $2, $3, $4)`,
		string(kind), code, nullStr(fileID), inserted)
	if err != nil {
		return fmt.Errorf("record code discovery %s %q: %w", kind, code, err)
	}
	return nil
}
