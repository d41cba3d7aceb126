package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mcclellann/loanLedger/pkg/apperrors"
	"github.com/mcclellann/loanLedger/pkg/models"
	"github.com/shopspring/decimal"
)

const pgUniqueViolation = "23505"

// PostgresStore implements Storage on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and verifies the connection. Schema is
// managed separately by RunMigrations.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("could not parse postgres url: %w", err)
	}
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("could not create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	slog.Info("postgres store ready", slog.String("host", poolCfg.ConnConfig.Host), slog.String("database", poolCfg.ConnConfig.Database))
	return &PostgresStore{pool: pool}, nil
}

// pgQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// withTransaction runs fn in a transaction, committing if fn returns nil.
func withTransaction(ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return unavailable("begin transaction", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			slog.Warn("rollback failed", slog.Any("error", rbErr))
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return unavailable("commit transaction", err)
	}
	return nil
}

// CreateLoan inserts loan. A taken id returns ErrDuplicateLoanID.
func (s *PostgresStore) CreateLoan(ctx context.Context, loan *models.Loan) error {
	const query = `
		INSERT INTO loans (id, customer_id, principal, total_payable, interest_rate, period_years, monthly_installment, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.pool.Exec(ctx, query,
		loan.ID, loan.CustomerID, loan.Principal, loan.TotalPayable, loan.InterestRate,
		loan.PeriodYears, loan.MonthlyInstallment, loan.Status, loan.CreatedAt.UTC(),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w: %s", apperrors.ErrDuplicateLoanID, loan.ID)
		}
		return unavailable("create loan", err)
	}
	return nil
}

func scanPgLoan(row pgx.Row) (*models.Loan, error) {
	var loan models.Loan
	err := row.Scan(&loan.ID, &loan.CustomerID, &loan.Principal, &loan.TotalPayable, &loan.InterestRate,
		&loan.PeriodYears, &loan.MonthlyInstallment, &loan.Status, &loan.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &loan, nil
}

// GetLoan returns the loan only if customerID owns it.
func (s *PostgresStore) GetLoan(ctx context.Context, loanID, customerID string) (*models.Loan, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = $1 AND customer_id = $2`, loanID, customerID)
	loan, err := scanPgLoan(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrNotFoundOrUnauthorized, loanID)
		}
		return nil, unavailable("get loan", err)
	}
	return loan, nil
}

// ListLoansForCustomer returns the customer's loans, oldest first.
func (s *PostgresStore) ListLoansForCustomer(ctx context.Context, customerID string) ([]*models.Loan, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+loanColumns+` FROM loans WHERE customer_id = $1 ORDER BY created_at ASC, id ASC`, customerID)
	if err != nil {
		return nil, unavailable("list loans", err)
	}
	defer rows.Close()

	loans := []*models.Loan{}
	for rows.Next() {
		loan, err := scanPgLoan(rows)
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

// AppendTransaction locks the loan row with FOR UPDATE, so concurrent appends
// to the same loan queue behind each other until commit.
func (s *PostgresStore) AppendTransaction(ctx context.Context, customerID string, txn *models.Transaction) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := withTransaction(ctx, s.pool, func(tx pgx.Tx) error {
		var id string
		err := tx.QueryRow(ctx, `SELECT id FROM loans WHERE id = $1 AND customer_id = $2 FOR UPDATE`, txn.LoanID, customerID).Scan(&id)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: %s", apperrors.ErrNotFoundOrUnauthorized, txn.LoanID)
			}
			return unavailable("lock loan", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO transactions (id, loan_id, amount, type, timestamp) VALUES ($1, $2, $3, $4, $5)`,
			txn.ID, txn.LoanID, txn.Amount, txn.Type, txn.Timestamp.UTC(),
		)
		if err != nil {
			return unavailable("insert transaction", err)
		}

		total, err = sumPg(ctx, tx, txn.LoanID)
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

func sumPg(ctx context.Context, q pgQuerier, loanID string) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := q.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM transactions WHERE loan_id = $1`, loanID).Scan(&total)
	if err != nil {
		return decimal.Zero, unavailable("sum transactions", err)
	}
	return total, nil
}

// SumTransactions returns the total paid on loanID, zero when nothing is.
func (s *PostgresStore) SumTransactions(ctx context.Context, loanID string) (decimal.Decimal, error) {
	return sumPg(ctx, s.pool, loanID)
}

// ListTransactions returns the loan's transactions oldest first.
func (s *PostgresStore) ListTransactions(ctx context.Context, loanID string) ([]*models.Transaction, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, loan_id, amount, type, timestamp FROM transactions WHERE loan_id = $1 ORDER BY timestamp ASC, id ASC`, loanID)
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

// Ping reports whether the pool can reach the database.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
