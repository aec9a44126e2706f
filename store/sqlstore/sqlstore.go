/*
Package sqlstore provides the SQL-backed ledger store.

PURPOSE:
  Implements payments.Store and payments.Seeder on SQLite (default) or
  PostgreSQL. Both dialects share every query; placeholders are written
  as ? and rebound to $n for PostgreSQL.

KEY TABLES:
  patients, payment_methods, visits:  Reference data
  copays:                             Obligations with balance and version
  payments:                           One row per payment intent
  payment_allocations:                Applied amount per (payment, copay)
  patient_credits:                    One balance row per patient
  credit_transactions:                Append-only credit audit log

UNIQUE INDEXES:
  - uq_payments_request_key:             idempotent submission
  - uq_payments_processor_charge_id:     one payment per charge
  - uq_payment_allocations_payment_copay: one allocation per copay

CONCURRENCY:
  SQLite runs on a single connection and WithTx is serialized with a
  mutex. PostgreSQL relies on row locks: the conditional UPDATEs block
  on a concurrent writer and re-evaluate their WHERE clause after it
  commits.

USAGE:
  store, err := sqlstore.New(sqlstore.SQLite, "./copay.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - payments/store.go: Interface definitions
  - payments/store/memory.go: In-memory implementation for testing
*/
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/copay-engine/payments"
)

// Dialect selects the database/sql driver.
type Dialect string

const (
	SQLite   Dialect = "sqlite3"
	Postgres Dialect = "postgres"
)

// ParseDialect accepts the driver names used in configuration.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(s) {
	case "", "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pg":
		return Postgres, nil
	}
	return "", fmt.Errorf("unsupported database driver %q", s)
}

// Store implements payments.Store.
type Store struct {
	conn
	db *sql.DB
	mu sync.Mutex
}

var (
	_ payments.Store      = (*Store)(nil)
	_ payments.Seeder     = (*Store)(nil)
	_ payments.UnitOfWork = (*txConn)(nil)
)

// New opens the database and applies the schema.
// Use ":memory:" with SQLite for a throwaway database.
func New(dialect Dialect, dsn string) (*Store, error) {
	var db *sql.DB
	var err error
	switch dialect {
	case SQLite:
		db, err = sql.Open(string(SQLite), sqliteDSN(dsn))
		if err == nil {
			// One connection: serializes writers and keeps :memory: alive.
			db.SetMaxOpenConns(1)
		}
	case Postgres:
		db, err = sql.Open(string(Postgres), dsn)
		if err == nil {
			db.SetMaxOpenConns(25)
			db.SetMaxIdleConns(5)
			db.SetConnMaxLifetime(5 * time.Minute)
		}
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{conn: conn{q: db, dialect: dialect}, db: db}
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func sqliteDSN(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Dialect returns the SQL dialect in use.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(payments.UnitOfWork) error) error {
	if s.dialect == SQLite {
		s.mu.Lock()
		defer s.mu.Unlock()
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txConn{conn{q: sqlTx, dialect: s.dialect}}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn runs reads against a database handle or an open transaction.
type conn struct {
	q       querier
	dialect Dialect
}

// txConn adds writes; it only exists inside WithTx.
type txConn struct {
	conn
}

// rebind rewrites ? placeholders as $1, $2, ... for PostgreSQL.
func (c conn) rebind(query string) string {
	if c.dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (c conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, c.rebind(query), args...)
}

func (c conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, c.rebind(query), args...)
}

func (c conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, c.rebind(query), args...)
}

// =============================================================================
// REFERENCE DATA
// =============================================================================

func (c conn) GetPatient(ctx context.Context, id payments.PatientID) (*payments.Patient, error) {
	var p payments.Patient
	err := c.queryRow(ctx, `
		SELECT id, first_name, last_name, email, created_at
		FROM patients WHERE id = ?`, id,
	).Scan(&p.ID, &p.FirstName, &p.LastName, &p.Email, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get patient: %w", err)
	}
	return &p, nil
}

func (c conn) GetPaymentMethod(ctx context.Context, id payments.PaymentMethodID) (*payments.PaymentMethod, error) {
	var m payments.PaymentMethod
	err := c.queryRow(ctx, `
		SELECT id, patient_id, method_type, provider, last_four, active, created_at
		FROM payment_methods WHERE id = ?`, id,
	).Scan(&m.ID, &m.PatientID, &m.Type, &m.Provider, &m.LastFour, &m.Active, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment method: %w", err)
	}
	return &m, nil
}

func (s *Store) SavePatient(ctx context.Context, p payments.Patient) error {
	_, err := s.exec(ctx, `
		INSERT INTO patients (id, first_name, last_name, email, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			email = excluded.email`,
		p.ID, p.FirstName, p.LastName, p.Email, createdAt(p.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save patient: %w", err)
	}
	return nil
}

func (s *Store) SavePaymentMethod(ctx context.Context, m payments.PaymentMethod) error {
	_, err := s.exec(ctx, `
		INSERT INTO payment_methods (id, patient_id, method_type, provider, last_four, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			method_type = excluded.method_type,
			provider = excluded.provider,
			last_four = excluded.last_four,
			active = excluded.active`,
		m.ID, m.PatientID, m.Type, m.Provider, m.LastFour, m.Active, createdAt(m.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save payment method: %w", err)
	}
	return nil
}

func (s *Store) SaveVisit(ctx context.Context, v payments.Visit) error {
	_, err := s.exec(ctx, `
		INSERT INTO visits (id, patient_id, visit_date, doctor_name, department, visit_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			visit_date = excluded.visit_date,
			doctor_name = excluded.doctor_name,
			department = excluded.department,
			visit_type = excluded.visit_type`,
		v.ID, v.PatientID, v.VisitDate.UTC(), v.DoctorName, v.Department, v.VisitType, createdAt(v.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save visit: %w", err)
	}
	return nil
}

func (s *Store) SaveCopay(ctx context.Context, cp payments.Copay) error {
	now := time.Now().UTC()
	_, err := s.exec(ctx, `
		INSERT INTO copays (id, visit_id, patient_id, amount, remaining_balance, status, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			amount = excluded.amount,
			remaining_balance = excluded.remaining_balance,
			status = excluded.status,
			version = copays.version + 1,
			updated_at = excluded.updated_at`,
		cp.ID, cp.VisitID, cp.PatientID, money(cp.Amount), money(cp.RemainingBalance), cp.Status, cp.Version,
		createdAt(cp.CreatedAt), now,
	)
	if err != nil {
		return fmt.Errorf("failed to save copay: %w", err)
	}
	return nil
}

// =============================================================================
// COPAYS
// =============================================================================

const copayColumns = `c.id, c.visit_id, c.patient_id, c.amount, c.remaining_balance, c.status, c.version, c.created_at, c.updated_at`

func scanCopay(row interface{ Scan(...any) error }, extra ...any) (payments.Copay, error) {
	var cp payments.Copay
	dest := append([]any{
		&cp.ID, &cp.VisitID, &cp.PatientID, &cp.Amount, &cp.RemainingBalance,
		&cp.Status, &cp.Version, &cp.CreatedAt, &cp.UpdatedAt,
	}, extra...)
	err := row.Scan(dest...)
	return cp, err
}

func (c conn) GetCopay(ctx context.Context, id payments.CopayID) (*payments.Copay, error) {
	cp, err := scanCopay(c.queryRow(ctx, `SELECT `+copayColumns+` FROM copays c WHERE c.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get copay: %w", err)
	}
	return &cp, nil
}

func (c conn) ListCopays(ctx context.Context, patientID payments.PatientID, status *payments.CopayStatus) ([]payments.CopayView, error) {
	query := `
		SELECT ` + copayColumns + `,
			v.id, v.patient_id, v.visit_date, v.doctor_name, v.department, v.visit_type, v.created_at
		FROM copays c
		JOIN visits v ON v.id = c.visit_id
		WHERE c.patient_id = ?`
	args := []any{patientID}
	if status != nil {
		query += ` AND c.status = ?`
		args = append(args, *status)
	}
	query += ` ORDER BY v.visit_date DESC, c.id ASC`

	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list copays: %w", err)
	}
	defer rows.Close()

	var views []payments.CopayView
	for rows.Next() {
		var v payments.Visit
		cp, err := scanCopay(rows, &v.ID, &v.PatientID, &v.VisitDate, &v.DoctorName, &v.Department, &v.VisitType, &v.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan copay: %w", err)
		}
		views = append(views, payments.CopayView{Copay: cp, Visit: v})
	}
	return views, rows.Err()
}

func (t *txConn) UpdateCopayBalance(ctx context.Context, id payments.CopayID, remaining decimal.Decimal, status payments.CopayStatus, expectedVersion int64) (bool, error) {
	res, err := t.exec(ctx, `
		UPDATE copays
		SET remaining_balance = ?, status = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		money(remaining), status, time.Now().UTC(), id, expectedVersion,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update copay: %w", err)
	}
	return affected(res)
}

// =============================================================================
// PAYMENTS
// =============================================================================

const paymentColumns = `id, patient_id, payment_method_id, amount, currency, status, request_key,
	processor_charge_id, failure_code, created_at, updated_at`

func scanPayment(row interface{ Scan(...any) error }) (payments.Payment, error) {
	var p payments.Payment
	var chargeID, failureCode sql.NullString
	err := row.Scan(&p.ID, &p.PatientID, &p.PaymentMethodID, &p.Amount, &p.Currency, &p.Status, &p.RequestKey,
		&chargeID, &failureCode, &p.CreatedAt, &p.UpdatedAt)
	p.ProcessorChargeID = chargeID.String
	p.FailureCode = failureCode.String
	return p, err
}

func (c conn) getPayment(ctx context.Context, where string, arg any) (*payments.Payment, error) {
	p, err := scanPayment(c.queryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE `+where+` = ?`, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return &p, nil
}

func (c conn) GetPayment(ctx context.Context, id payments.PaymentID) (*payments.Payment, error) {
	return c.getPayment(ctx, "id", id)
}

func (c conn) GetPaymentByRequestKey(ctx context.Context, key string) (*payments.Payment, error) {
	return c.getPayment(ctx, "request_key", key)
}

func (c conn) GetPaymentByChargeID(ctx context.Context, chargeID string) (*payments.Payment, error) {
	return c.getPayment(ctx, "processor_charge_id", chargeID)
}

func (c conn) ListPendingPayments(ctx context.Context, createdBefore time.Time) ([]payments.Payment, error) {
	rows, err := c.query(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE status = ? AND created_at < ?
		ORDER BY created_at ASC`,
		payments.PaymentPending, createdBefore.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending payments: %w", err)
	}
	defer rows.Close()

	var out []payments.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *txConn) InsertPayment(ctx context.Context, p payments.Payment) error {
	_, err := t.exec(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.PatientID, p.PaymentMethodID, money(p.Amount), p.Currency, p.Status, p.RequestKey,
		nullString(p.ProcessorChargeID), nullString(p.FailureCode), createdAt(p.CreatedAt), createdAt(p.UpdatedAt),
	)
	if err != nil {
		return classify(err, "failed to insert payment")
	}
	return nil
}

func (t *txConn) SetChargeID(ctx context.Context, id payments.PaymentID, chargeID string) error {
	res, err := t.exec(ctx, `
		UPDATE payments SET processor_charge_id = ?, updated_at = ? WHERE id = ?`,
		chargeID, time.Now().UTC(), id,
	)
	if err != nil {
		return classify(err, "failed to set charge id")
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return payments.NewNotFound("payment", id)
	}
	return nil
}

func (t *txConn) TransitionPayment(ctx context.Context, id payments.PaymentID, status payments.PaymentStatus, failureCode string) (bool, error) {
	res, err := t.exec(ctx, `
		UPDATE payments SET status = ?, failure_code = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		status, nullString(failureCode), time.Now().UTC(), id, payments.PaymentPending,
	)
	if err != nil {
		return false, fmt.Errorf("failed to transition payment: %w", err)
	}
	return affected(res)
}

// =============================================================================
// ALLOCATIONS
// =============================================================================

func (c conn) ListAllocations(ctx context.Context, paymentID payments.PaymentID) ([]payments.PaymentAllocation, error) {
	rows, err := c.query(ctx, `
		SELECT id, payment_id, copay_id, amount, created_at
		FROM payment_allocations WHERE payment_id = ?
		ORDER BY seq ASC`, paymentID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list allocations: %w", err)
	}
	defer rows.Close()

	var out []payments.PaymentAllocation
	for rows.Next() {
		var a payments.PaymentAllocation
		if err := rows.Scan(&a.ID, &a.PaymentID, &a.CopayID, &a.Amount, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan allocation: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (t *txConn) InsertAllocation(ctx context.Context, a payments.PaymentAllocation) error {
	_, err := t.exec(ctx, `
		INSERT INTO payment_allocations (id, payment_id, copay_id, amount, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.PaymentID, a.CopayID, money(a.Amount), createdAt(a.CreatedAt),
	)
	if err != nil {
		return classify(err, "failed to insert allocation")
	}
	return nil
}

// =============================================================================
// CREDIT
// =============================================================================

func (c conn) GetCredit(ctx context.Context, patientID payments.PatientID) (*payments.PatientCredit, error) {
	var pc payments.PatientCredit
	err := c.queryRow(ctx, `
		SELECT patient_id, amount, version, updated_at
		FROM patient_credits WHERE patient_id = ?`, patientID,
	).Scan(&pc.PatientID, &pc.Amount, &pc.Version, &pc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credit: %w", err)
	}
	return &pc, nil
}

func (c conn) ListCreditTransactions(ctx context.Context, patientID payments.PatientID) ([]payments.CreditTransaction, error) {
	return c.queryCreditTransactions(ctx, `
		SELECT id, patient_id, payment_id, amount, tx_type, description, created_at
		FROM credit_transactions WHERE patient_id = ?
		ORDER BY seq DESC`, patientID)
}

func (c conn) ListPaymentCreditTransactions(ctx context.Context, paymentID payments.PaymentID, typ payments.CreditTransactionType) ([]payments.CreditTransaction, error) {
	return c.queryCreditTransactions(ctx, `
		SELECT id, patient_id, payment_id, amount, tx_type, description, created_at
		FROM credit_transactions WHERE payment_id = ? AND tx_type = ?
		ORDER BY seq ASC`, paymentID, typ)
}

func (c conn) queryCreditTransactions(ctx context.Context, query string, args ...any) ([]payments.CreditTransaction, error) {
	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query credit transactions: %w", err)
	}
	defer rows.Close()

	var out []payments.CreditTransaction
	for rows.Next() {
		var tx payments.CreditTransaction
		var paymentID sql.NullString
		if err := rows.Scan(&tx.ID, &tx.PatientID, &paymentID, &tx.Amount, &tx.Type, &tx.Description, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan credit transaction: %w", err)
		}
		tx.PaymentID = payments.PaymentID(paymentID.String)
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (t *txConn) EnsureCredit(ctx context.Context, patientID payments.PatientID) (payments.PatientCredit, error) {
	_, err := t.exec(ctx, `
		INSERT INTO patient_credits (patient_id, amount, version, updated_at)
		VALUES (?, ?, 0, ?)
		ON CONFLICT (patient_id) DO NOTHING`,
		patientID, money(decimal.Zero), time.Now().UTC(),
	)
	if err != nil {
		return payments.PatientCredit{}, fmt.Errorf("failed to create credit: %w", err)
	}
	pc, err := t.GetCredit(ctx, patientID)
	if err != nil {
		return payments.PatientCredit{}, err
	}
	if pc == nil {
		return payments.PatientCredit{}, fmt.Errorf("%w: credit row for patient %s vanished", payments.ErrLedgerInconsistent, patientID)
	}
	return *pc, nil
}

func (t *txConn) UpdateCreditBalance(ctx context.Context, patientID payments.PatientID, amount decimal.Decimal, expectedVersion int64) (bool, error) {
	res, err := t.exec(ctx, `
		UPDATE patient_credits
		SET amount = ?, version = version + 1, updated_at = ?
		WHERE patient_id = ? AND version = ?`,
		money(amount), time.Now().UTC(), patientID, expectedVersion,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update credit: %w", err)
	}
	return affected(res)
}

func (t *txConn) InsertCreditTransaction(ctx context.Context, tx payments.CreditTransaction) error {
	_, err := t.exec(ctx, `
		INSERT INTO credit_transactions (id, patient_id, payment_id, amount, tx_type, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.PatientID, nullString(string(tx.PaymentID)), money(tx.Amount), tx.Type, tx.Description, createdAt(tx.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert credit transaction: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// money renders amounts with two decimals so SQLite text columns compare
// and read back consistently.
func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func createdAt(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// classify maps unique violations from either driver to payments sentinels.
func classify(err error, msg string) error {
	var target string
	var pqErr *pq.Error
	var liteErr sqlite3.Error
	switch {
	case errors.As(err, &pqErr) && pqErr.Code == "23505":
		target = pqErr.Constraint + " " + pqErr.Message
	case errors.As(err, &liteErr) && (liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey):
		target = liteErr.Error()
	default:
		return fmt.Errorf("%s: %w", msg, err)
	}

	switch {
	case strings.Contains(target, "request_key"):
		return payments.ErrDuplicateRequestKey
	case strings.Contains(target, "processor_charge_id"):
		return payments.ErrDuplicateChargeID
	case strings.Contains(target, "payment_allocations"):
		return payments.ErrDuplicateAllocation
	}
	return fmt.Errorf("%s: %w", msg, err)
}
