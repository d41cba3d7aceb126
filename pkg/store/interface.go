package store

import (
	"context"

	"github.com/mcclellann/loanLedger/pkg/models"
	"github.com/shopspring/decimal"
)

// Storage defines the interface for database operations related to loans and transactions.
//
// Lookups scoped by customer fail with apperrors.ErrNotFoundOrUnauthorized both
// when the loan is missing and when it belongs to someone else. Driver failures
// wrap apperrors.ErrStorageUnavailable.
type Storage interface {
	// CreateLoan fails with apperrors.ErrDuplicateLoanID if the id is taken.
	CreateLoan(ctx context.Context, loan *models.Loan) error
	GetLoan(ctx context.Context, loanID, customerID string) (*models.Loan, error)
	ListLoansForCustomer(ctx context.Context, customerID string) ([]*models.Loan, error)

	// AppendTransaction checks the loan belongs to customerID, inserts txn and
	// returns the loan's total paid including txn, all in one atomic unit.
	AppendTransaction(ctx context.Context, customerID string, txn *models.Transaction) (decimal.Decimal, error)
	SumTransactions(ctx context.Context, loanID string) (decimal.Decimal, error)
	// ListTransactions returns the loan's transactions oldest first.
	ListTransactions(ctx context.Context, loanID string) ([]*models.Transaction, error)

	// Ping reports whether the backing database is reachable.
	Ping(ctx context.Context) error
	Close() error
}
