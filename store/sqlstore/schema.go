package sqlstore

import (
	"context"
	"fmt"
	"strings"
)

// Column types that differ between dialects.
type columnTypes struct {
	money     string
	timestamp string
	serial    string
}

var dialectTypes = map[Dialect]columnTypes{
	SQLite:   {money: "TEXT", timestamp: "TIMESTAMP", serial: "INTEGER PRIMARY KEY AUTOINCREMENT"},
	Postgres: {money: "NUMERIC(12,2)", timestamp: "TIMESTAMPTZ", serial: "BIGSERIAL PRIMARY KEY"},
}

const schemaTemplate = `
	CREATE TABLE IF NOT EXISTS patients (
		id TEXT PRIMARY KEY,
		first_name TEXT NOT NULL,
		last_name TEXT NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		created_at {{timestamp}} NOT NULL
	);

	CREATE TABLE IF NOT EXISTS payment_methods (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL REFERENCES patients(id),
		method_type TEXT NOT NULL,
		provider TEXT NOT NULL DEFAULT '',
		last_four TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL,
		created_at {{timestamp}} NOT NULL
	);

	CREATE TABLE IF NOT EXISTS visits (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL REFERENCES patients(id),
		visit_date {{timestamp}} NOT NULL,
		doctor_name TEXT NOT NULL DEFAULT '',
		department TEXT NOT NULL DEFAULT '',
		visit_type TEXT NOT NULL,
		created_at {{timestamp}} NOT NULL
	);

	CREATE TABLE IF NOT EXISTS copays (
		id TEXT PRIMARY KEY,
		visit_id TEXT NOT NULL REFERENCES visits(id),
		patient_id TEXT NOT NULL REFERENCES patients(id),
		amount {{money}} NOT NULL,
		remaining_balance {{money}} NOT NULL,
		status TEXT NOT NULL,
		version BIGINT NOT NULL DEFAULT 0,
		created_at {{timestamp}} NOT NULL,
		updated_at {{timestamp}} NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_copays_patient_status
		ON copays(patient_id, status);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL REFERENCES patients(id),
		payment_method_id TEXT NOT NULL REFERENCES payment_methods(id),
		amount {{money}} NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		request_key TEXT NOT NULL,
		processor_charge_id TEXT,
		failure_code TEXT,
		created_at {{timestamp}} NOT NULL,
		updated_at {{timestamp}} NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS uq_payments_request_key
		ON payments(request_key);
	CREATE UNIQUE INDEX IF NOT EXISTS uq_payments_processor_charge_id
		ON payments(processor_charge_id);
	CREATE INDEX IF NOT EXISTS idx_payments_status_created
		ON payments(status, created_at);

	CREATE TABLE IF NOT EXISTS payment_allocations (
		seq {{serial}},
		id TEXT NOT NULL UNIQUE,
		payment_id TEXT NOT NULL REFERENCES payments(id),
		copay_id TEXT NOT NULL REFERENCES copays(id),
		amount {{money}} NOT NULL,
		created_at {{timestamp}} NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS uq_payment_allocations_payment_copay
		ON payment_allocations(payment_id, copay_id);

	CREATE TABLE IF NOT EXISTS patient_credits (
		patient_id TEXT PRIMARY KEY REFERENCES patients(id),
		amount {{money}} NOT NULL,
		version BIGINT NOT NULL DEFAULT 0,
		updated_at {{timestamp}} NOT NULL
	);

	CREATE TABLE IF NOT EXISTS credit_transactions (
		seq {{serial}},
		id TEXT NOT NULL UNIQUE,
		patient_id TEXT NOT NULL REFERENCES patients(id),
		payment_id TEXT REFERENCES payments(id),
		amount {{money}} NOT NULL,
		tx_type TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_at {{timestamp}} NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_credit_transactions_patient
		ON credit_transactions(patient_id);
	CREATE INDEX IF NOT EXISTS idx_credit_transactions_payment
		ON credit_transactions(payment_id, tx_type);
`

func schemaFor(d Dialect) string {
	types := dialectTypes[d]
	return strings.NewReplacer(
		"{{money}}", types.money,
		"{{timestamp}}", types.timestamp,
		"{{serial}}", types.serial,
	).Replace(schemaTemplate)
}

// Migrate creates any missing tables and indexes. It is safe to run
// repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaFor(s.dialect), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
