package postgres

import (
	"context"
	"fmt"
)

// Schema bootstrap. The engine owns only its base, derived and audit
// tables; reference tables are shared with the administrative surface but
// created here too so a fresh database is usable immediately.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS claim_key (
		id        BIGSERIAL PRIMARY KEY,
		claim_id  TEXT NOT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS ingestion_file (
		id               BIGSERIAL PRIMARY KEY,
		file_id          TEXT NOT NULL UNIQUE,
		root_type        SMALLINT NOT NULL,
		sender_id        TEXT,
		receiver_id      TEXT,
		transaction_date TIMESTAMPTZ,
		record_count     INT NOT NULL DEFAULT 0,
		raw_hash         TEXT,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS submission (
		id                BIGSERIAL PRIMARY KEY,
		ingestion_file_id BIGINT NOT NULL UNIQUE REFERENCES ingestion_file(id)
	)`,
	`CREATE TABLE IF NOT EXISTS claim (
		id                 BIGSERIAL PRIMARY KEY,
		claim_key_id       BIGINT NOT NULL REFERENCES claim_key(id),
		submission_id      BIGINT NOT NULL REFERENCES submission(id),
		id_payer           TEXT,
		payer_ref_id       BIGINT,
		provider_id        TEXT,
		provider_ref_id    BIGINT,
		member_id          TEXT,
		emirates_id_number TEXT,
		gross              NUMERIC(14,2) NOT NULL DEFAULT 0,
		patient_share      NUMERIC(14,2) NOT NULL DEFAULT 0,
		net                NUMERIC(14,2) NOT NULL DEFAULT 0,
		tx_at              TIMESTAMPTZ,
		UNIQUE (submission_id, claim_key_id)
	)`,
	`CREATE TABLE IF NOT EXISTS encounter (
		id              BIGSERIAL PRIMARY KEY,
		claim_id        BIGINT NOT NULL UNIQUE REFERENCES claim(id),
		facility_id     TEXT,
		facility_ref_id BIGINT,
		type            TEXT,
		patient_id      TEXT,
		start_at        TIMESTAMPTZ,
		end_at          TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS activity (
		id               BIGSERIAL PRIMARY KEY,
		claim_id         BIGINT NOT NULL REFERENCES claim(id),
		activity_id      TEXT NOT NULL,
		start_at         TIMESTAMPTZ,
		type             TEXT,
		code             TEXT,
		code_ref_id      BIGINT,
		quantity         NUMERIC(14,4) NOT NULL DEFAULT 0,
		net              NUMERIC(14,2) NOT NULL DEFAULT 0 CHECK (net >= 0),
		clinician        TEXT,
		clinician_ref_id BIGINT,
		prior_auth_id    TEXT,
		UNIQUE (claim_id, activity_id)
	)`,
	`CREATE TABLE IF NOT EXISTS observation (
		id          BIGSERIAL PRIMARY KEY,
		activity_pk BIGINT NOT NULL REFERENCES activity(id),
		type        TEXT,
		code        TEXT,
		value       TEXT,
		value_type  TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS diagnosis (
		id          BIGSERIAL PRIMARY KEY,
		claim_id    BIGINT NOT NULL REFERENCES claim(id),
		type        TEXT,
		code        TEXT NOT NULL,
		code_ref_id BIGINT,
		UNIQUE (claim_id, type, code)
	)`,
	`CREATE TABLE IF NOT EXISTS remittance (
		id                BIGSERIAL PRIMARY KEY,
		ingestion_file_id BIGINT NOT NULL UNIQUE REFERENCES ingestion_file(id)
	)`,
	`CREATE TABLE IF NOT EXISTS remittance_claim (
		id                BIGSERIAL PRIMARY KEY,
		remittance_id     BIGINT NOT NULL REFERENCES remittance(id),
		claim_key_id      BIGINT NOT NULL REFERENCES claim_key(id),
		id_payer          TEXT,
		payer_ref_id      BIGINT,
		provider_id       TEXT,
		provider_ref_id   BIGINT,
		date_settlement   TIMESTAMPTZ,
		payment_reference TEXT,
		UNIQUE (remittance_id, claim_key_id)
	)`,
	`CREATE TABLE IF NOT EXISTS remittance_activity (
		id                  BIGSERIAL PRIMARY KEY,
		remittance_claim_id BIGINT NOT NULL REFERENCES remittance_claim(id),
		activity_id         TEXT NOT NULL,
		start_at            TIMESTAMPTZ,
		type                TEXT,
		code                TEXT,
		quantity            NUMERIC(14,4) NOT NULL DEFAULT 0,
		net                 NUMERIC(14,2) NOT NULL DEFAULT 0,
		list_price          NUMERIC(14,2) NOT NULL DEFAULT 0,
		clinician           TEXT,
		payment_amount      NUMERIC(14,2) NOT NULL DEFAULT 0,
		denial_code         TEXT,
		denial_ref_id       BIGINT,
		UNIQUE (remittance_claim_id, activity_id)
	)`,
	`CREATE TABLE IF NOT EXISTS claim_event (
		id                  BIGSERIAL PRIMARY KEY,
		claim_key_id        BIGINT NOT NULL REFERENCES claim_key(id),
		event_type          SMALLINT NOT NULL,
		event_time          TIMESTAMPTZ NOT NULL,
		ingestion_file_id   BIGINT REFERENCES ingestion_file(id),
		remittance_id       BIGINT,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	// Exactly one SUBMISSION event per claim key.
	`CREATE UNIQUE INDEX IF NOT EXISTS claim_event_one_submission
		ON claim_event (claim_key_id) WHERE event_type = 1`,
	// RESUBMISSION events are keyed by (claim_key, source file): re-running
	// the same file after a failed audit must not add a second event.
	`CREATE UNIQUE INDEX IF NOT EXISTS claim_event_resub_once
		ON claim_event (claim_key_id, ingestion_file_id) WHERE event_type = 2`,
	// REMITTANCE events are keyed by (claim_key, remittance).
	`CREATE UNIQUE INDEX IF NOT EXISTS claim_event_remit_once
		ON claim_event (claim_key_id, remittance_id) WHERE event_type = 3`,
	`CREATE TABLE IF NOT EXISTS claim_resubmission (
		id                BIGSERIAL PRIMARY KEY,
		claim_event_id    BIGINT NOT NULL UNIQUE REFERENCES claim_event(id),
		resubmission_type TEXT,
		comment           TEXT,
		attachment        TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS claim_status_timeline (
		claim_key_id BIGINT PRIMARY KEY REFERENCES claim_key(id),
		event_type   SMALLINT NOT NULL,
		event_time   TIMESTAMPTZ NOT NULL,
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS claim_activity_summary (
		claim_key_id       BIGINT NOT NULL REFERENCES claim_key(id),
		activity_id        TEXT NOT NULL,
		submitted_amount   NUMERIC(14,2) NOT NULL,
		paid_amount        NUMERIC(14,2) NOT NULL,
		taken_back_amount  NUMERIC(14,2) NOT NULL,
		net_paid_amount    NUMERIC(14,2) NOT NULL,
		rejected_amount    NUMERIC(14,2) NOT NULL,
		denied_amount      NUMERIC(14,2) NOT NULL,
		latest_denial_code TEXT,
		remittance_count   INT NOT NULL DEFAULT 0,
		first_payment_at   TIMESTAMPTZ,
		last_payment_at    TIMESTAMPTZ,
		activity_status    TEXT NOT NULL,
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (claim_key_id, activity_id)
	)`,
	`CREATE TABLE IF NOT EXISTS claim_payment (
		claim_key_id           BIGINT PRIMARY KEY REFERENCES claim_key(id),
		total_submitted        NUMERIC(14,2) NOT NULL,
		total_paid             NUMERIC(14,2) NOT NULL,
		total_remitted         NUMERIC(14,2) NOT NULL,
		total_taken_back       NUMERIC(14,2) NOT NULL,
		total_net_paid         NUMERIC(14,2) NOT NULL,
		total_rejected         NUMERIC(14,2) NOT NULL,
		total_denied           NUMERIC(14,2) NOT NULL,
		activity_count         INT NOT NULL,
		fully_paid_count       INT NOT NULL,
		partially_paid_count   INT NOT NULL,
		rejected_count         INT NOT NULL,
		pending_count          INT NOT NULL,
		taken_back_count       INT NOT NULL,
		partially_tb_count     INT NOT NULL,
		remittance_count       INT NOT NULL,
		first_submission_at    TIMESTAMPTZ,
		last_submission_at     TIMESTAMPTZ,
		first_settlement_at    TIMESTAMPTZ,
		last_settlement_at     TIMESTAMPTZ,
		days_to_first_payment  INT,
		processing_cycles      INT NOT NULL,
		resubmission_count     INT NOT NULL,
		payment_status         TEXT NOT NULL,
		updated_at             TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS ingestion_run (
		id         TEXT PRIMARY KEY,
		source     TEXT NOT NULL,
		reason     TEXT,
		started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		ended_at   TIMESTAMPTZ,
		discovered INT NOT NULL DEFAULT 0,
		pulled     INT NOT NULL DEFAULT 0,
		ok         INT NOT NULL DEFAULT 0,
		failed     INT NOT NULL DEFAULT 0,
		already    INT NOT NULL DEFAULT 0,
		acks_sent  INT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS ingestion_file_audit (
		id                  BIGSERIAL PRIMARY KEY,
		run_id              TEXT REFERENCES ingestion_run(id),
		file_id             TEXT NOT NULL,
		status              SMALLINT NOT NULL,
		stage               TEXT,
		reason              TEXT,
		parsed_claims       INT NOT NULL DEFAULT 0,
		parsed_activities   INT NOT NULL DEFAULT 0,
		parsed_events       INT NOT NULL DEFAULT 0,
		persisted_claims    INT NOT NULL DEFAULT 0,
		persisted_activities INT NOT NULL DEFAULT 0,
		persisted_events    INT NOT NULL DEFAULT 0,
		verify_ok           BOOLEAN NOT NULL DEFAULT false,
		duration_ms         BIGINT NOT NULL DEFAULT 0,
		error_kind          TEXT,
		error_message       TEXT,
		total_gross         NUMERIC(14,2) NOT NULL DEFAULT 0,
		total_patient_share NUMERIC(14,2) NOT NULL DEFAULT 0,
		total_net           NUMERIC(14,2) NOT NULL DEFAULT 0,
		unique_payers       INT NOT NULL DEFAULT 0,
		unique_providers    INT NOT NULL DEFAULT 0,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS ingestion_error (
		id          BIGSERIAL PRIMARY KEY,
		run_id      TEXT,
		file_id     TEXT,
		stage       TEXT,
		object_type TEXT,
		error_code  TEXT,
		message     TEXT,
		retryable   BOOLEAN NOT NULL DEFAULT false,
		occurred_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS ref_code (
		id     BIGSERIAL PRIMARY KEY,
		kind   TEXT NOT NULL,
		code   TEXT NOT NULL,
		name   TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'ACTIVE',
		UNIQUE (kind, code)
	)`,
	`CREATE TABLE IF NOT EXISTS code_discovery_audit (
		id            BIGSERIAL PRIMARY KEY,
		kind          TEXT NOT NULL,
		code          TEXT NOT NULL,
		file_id       TEXT,
		inserted      BOOLEAN NOT NULL,
		discovered_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

func (s *Store) bootstrap(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema bootstrap: %w", err)
		}
	}
	return nil
}
