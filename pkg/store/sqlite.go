package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/mattn/go-sqlite3"
	"github.com/mcclellann/loanLedger/pkg/amortization"
	"github.com/mcclellann/loanLedger/pkg/apperrors"
	"github.com/mcclellann/loanLedger/pkg/models"
	"github.com/shopspring/decimal"
)

// sqliteDefaults apply to every pooled connection, unlike PRAGMAs run once
// after sql.Open. _txlock=immediate makes BeginTx take the write lock up front.
// aliases lists the driver's other spellings of the same key.
var sqliteDefaults = []struct {
	key, value string
	aliases    []string
}{
	{"_foreign_keys", "on", []string{"_fk"}},
	{"_journal_mode", "WAL", []string{"_journal"}},
	{"_busy_timeout", "5000", []string{"_timeout"}},
	{"_txlock", "immediate", nil},
}

// withSQLiteDefaults appends each default the DSN does not already set.
func withSQLiteDefaults(dsn string) string {
	base, rawQuery, _ := strings.Cut(dsn, "?")
	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		query = url.Values{}
	}

	var missing []string
	for _, d := range sqliteDefaults {
		set := query.Has(d.key)
		for _, alias := range d.aliases {
			set = set || query.Has(alias)
		}
		if !set {
			missing = append(missing, d.key+"="+d.value)
		}
	}
	if len(missing) == 0 {
		return dsn
	}
	if rawQuery == "" {
		return base + "?" + strings.Join(missing, "&")
	}
	return dsn + "&" + strings.Join(missing, "&")
}

// SQLiteStore manages the database connection and operations for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLiteStore and initializes the database.
func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", withSQLiteDefaults(dataSourceName))
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	slog.Info("sqlite store ready", slog.String("path", dataSourceName))
	return s, nil
}

// initSchema creates the tables if they don't already exist.
// Decimal fields are TEXT so no precision is lost.
func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		principal TEXT NOT NULL,
		total_payable TEXT NOT NULL,
		interest_rate TEXT NOT NULL,
		period_years INTEGER NOT NULL CHECK (period_years > 0),
		monthly_installment TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_loans_customer ON loans(customer_id);

	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		type TEXT NOT NULL CHECK (type IN ('EMI', 'LUMP_SUM')),
		timestamp DATETIME NOT NULL,
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	CREATE INDEX IF NOT EXISTS idx_transactions_loan ON transactions(loan_id, timestamp);

	CREATE TRIGGER IF NOT EXISTS transactions_no_update BEFORE UPDATE ON transactions
	BEGIN
		SELECT RAISE(ABORT, 'transactions are immutable');
	END;
	CREATE TRIGGER IF NOT EXISTS transactions_no_delete BEFORE DELETE ON transactions
	BEGIN
		SELECT RAISE(ABORT, 'transactions are immutable');
	END;
	`
	_, err := s.db.Exec(schema)
	return err
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

// CreateLoan inserts a new loan into the database.
func (s *SQLiteStore) CreateLoan(ctx context.Context, loan *models.Loan) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO loans (id, customer_id, principal, total_payable, interest_rate, period_years, monthly_installment, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loan.ID, loan.CustomerID, loan.Principal, loan.TotalPayable, loan.InterestRate, loan.PeriodYears, loan.MonthlyInstallment, loan.Status, loan.CreatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", apperrors.ErrDuplicateLoanID, loan.ID)
		}
		return unavailable("create loan", err)
	}
	return nil
}

const loanColumns = `id, customer_id, principal, total_payable, interest_rate, period_years, monthly_installment, status, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLoan(row rowScanner) (*models.Loan, error) {
	var loan models.Loan
	if err := row.Scan(&loan.ID, &loan.CustomerID, &loan.Principal, &loan.TotalPayable, &loan.InterestRate, &loan.PeriodYears, &loan.MonthlyInstallment, &loan.Status, &loan.CreatedAt); err != nil {
		return nil, err
	}
	return &loan, nil
}

// GetLoan retrieves a loan by its ID, only if it belongs to customerID.
func (s *SQLiteStore) GetLoan(ctx context.Context, loanID, customerID string) (*models.Loan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = ? AND customer_id = ?`, loanID, customerID)
	loan, err := scanLoan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrNotFoundOrUnauthorized, loanID)
		}
		return nil, unavailable("get loan", err)
	}
	return loan, nil
}

// ListLoansForCustomer retrieves every loan owned by customerID, oldest first.
func (s *SQLiteStore) ListLoansForCustomer(ctx context.Context, customerID string) ([]*models.Loan, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE customer_id = ? ORDER BY created_at ASC, id ASC`, customerID)
	if err != nil {
		return nil, unavailable("list loans", err)
	}
	defer rows.Close()

	loans := []*models.Loan{}
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, unavailable("scan loan row", err)
		}
		loans = append(loans, loan)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate loan rows", err)
	}
	return loans, nil
}

// AppendTransaction inserts txn and re-sums the loan inside one immediate
// transaction, so no other writer can interleave.
func (s *SQLiteStore) AppendTransaction(ctx context.Context, customerID string, txn *models.Transaction) (decimal.Decimal, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return decimal.Zero, unavailable("begin transaction", err)
	}
	defer tx.Rollback()

	var owned int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM loans WHERE id = ? AND customer_id = ?`, txn.LoanID, customerID).Scan(&owned)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, fmt.Errorf("%w: %s", apperrors.ErrNotFoundOrUnauthorized, txn.LoanID)
		}
		return decimal.Zero, unavailable("check loan owner", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO transactions (id, loan_id, amount, type, timestamp) VALUES (?, ?, ?, ?, ?)`,
		txn.ID, txn.LoanID, txn.Amount, txn.Type, txn.Timestamp.UTC(),
	)
	if err != nil {
		return decimal.Zero, unavailable("insert transaction", err)
	}

	total, err := sumAmounts(ctx, tx, txn.LoanID)
	if err != nil {
		return decimal.Zero, err
	}

	if err := tx.Commit(); err != nil {
		return decimal.Zero, unavailable("commit transaction", err)
	}
	return total, nil
}

type sqlQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// sumAmounts adds in decimal; SUM() over TEXT would go through REAL.
func sumAmounts(ctx context.Context, q sqlQuerier, loanID string) (decimal.Decimal, error) {
	rows, err := q.QueryContext(ctx, `SELECT amount FROM transactions WHERE loan_id = ?`, loanID)
	if err != nil {
		return decimal.Zero, unavailable("sum transactions", err)
	}
	defer rows.Close()

	var amounts []decimal.Decimal
	for rows.Next() {
		var amount decimal.Decimal
		if err := rows.Scan(&amount); err != nil {
			return decimal.Zero, unavailable("scan amount", err)
		}
		amounts = append(amounts, amount)
	}
	if err := rows.Err(); err != nil {
		return decimal.Zero, unavailable("iterate amounts", err)
	}
	return amortization.Sum(amounts...), nil
}

// SumTransactions returns the total paid against a loan.
func (s *SQLiteStore) SumTransactions(ctx context.Context, loanID string) (decimal.Decimal, error) {
	return sumAmounts(ctx, s.db, loanID)
}

// ListTransactions retrieves all transactions for a given loan ID, oldest first.
func (s *SQLiteStore) ListTransactions(ctx context.Context, loanID string) ([]*models.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, loan_id, amount, type, timestamp FROM transactions WHERE loan_id = ? ORDER BY timestamp ASC, id ASC`, loanID)
	if err != nil {
		return nil, unavailable(fmt.Sprintf("get transactions for loan %s", loanID), err)
	}
	defer rows.Close()

	transactions := []*models.Transaction{}
	for rows.Next() {
		var txn models.Transaction
		if err := rows.Scan(&txn.ID, &txn.LoanID, &txn.Amount, &txn.Type, &txn.Timestamp); err != nil {
			return nil, unavailable("scan transaction row", err)
		}
		transactions = append(transactions, &txn)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate transaction rows", err)
	}
	return transactions, nil
}

// Ping reports whether the database file can still be reached.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func unavailable(op string, err error) error {
	return fmt.Errorf("failed to %s: %w: %w", op, apperrors.ErrStorageUnavailable, err)
}
