package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mcclellann/loanLedger/pkg/amortization"
	"github.com/mcclellann/loanLedger/pkg/apperrors"
	"github.com/mcclellann/loanLedger/pkg/events"
	"github.com/mcclellann/loanLedger/pkg/idgen"
	"github.com/mcclellann/loanLedger/pkg/lock"
	"github.com/mcclellann/loanLedger/pkg/metrics"
	"github.com/mcclellann/loanLedger/pkg/models"
	"github.com/mcclellann/loanLedger/pkg/store"
	"github.com/shopspring/decimal"
)

const (
	// maxLoanIDAttempts bounds regeneration after a loan id collision.
	maxLoanIDAttempts = 5

	defaultLockWait = 5 * time.Second

	PaymentRecordedMessage = "Payment recorded successfully"
)

// Ledger handles the business logic for loans and transactions.
type Ledger struct {
	storage   store.Storage
	locker    lock.Locker
	lockWait  time.Duration
	publisher events.Publisher
	logger    *slog.Logger
	rate      decimal.Decimal
	ids       idgen.Generator
	now       func() time.Time
	metrics   *metrics.Metrics
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLocker replaces the in-process per-loan lock, e.g. with a Redis lock
// shared across instances.
func WithLocker(locker lock.Locker) Option {
	return func(l *Ledger) { l.locker = locker }
}

// WithLockWait bounds how long RecordPayment waits for the per-loan lock.
func WithLockWait(d time.Duration) Option {
	return func(l *Ledger) { l.lockWait = d }
}

// WithPublisher sets where loan events are sent. The default drops them.
func WithPublisher(p events.Publisher) Option {
	return func(l *Ledger) { l.publisher = p }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithInterestRate sets the annual percent applied to new loans.
func WithInterestRate(ratePct decimal.Decimal) Option {
	return func(l *Ledger) { l.rate = ratePct }
}

// WithIDGenerator replaces the loan and transaction id source.
func WithIDGenerator(g idgen.Generator) Option {
	return func(l *Ledger) { l.ids = g }
}

// WithClock sets the source of creation and payment timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// NewLedger creates a new Ledger with a given Storage implementation.
func NewLedger(s store.Storage, opts ...Option) *Ledger {
	l := &Ledger{
		storage:   s,
		locker:    lock.NewKeyedMutex(),
		lockWait:  defaultLockWait,
		publisher: events.NopPublisher{},
		logger:    slog.Default(),
		rate:      amortization.DefaultRatePct,
		ids:       idgen.UUIDGenerator{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CreatedLoan is returned by CreateLoan.
type CreatedLoan struct {
	LoanID             string          `json:"loan_id"`
	CustomerID         string          `json:"customer_id"`
	TotalPayable       decimal.Decimal `json:"total_amount_payable"`
	MonthlyInstallment decimal.Decimal `json:"monthly_emi"`
}

// PaymentReceipt is returned by RecordPayment.
type PaymentReceipt struct {
	TransactionID    string          `json:"transaction_id"`
	LoanID           string          `json:"loan_id"`
	RemainingBalance decimal.Decimal `json:"remaining_balance"`
	EMIsLeft         int64           `json:"emis_left"`
	Message          string          `json:"message"`
}

// LoanLedger is the loan header, its transactions oldest first, and the
// figures derived from them.
type LoanLedger struct {
	models.Loan
	TotalPaid     decimal.Decimal       `json:"total_paid"`
	BalanceAmount decimal.Decimal       `json:"balance_amount"`
	EMIsLeft      int64                 `json:"emis_left"`
	Transactions  []*models.Transaction `json:"transactions"`
}

// LoanSummary is one loan's line in a CustomerOverview.
type LoanSummary struct {
	LoanID        string          `json:"loan_id"`
	Principal     decimal.Decimal `json:"principal"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	TotalInterest decimal.Decimal `json:"total_interest"`
	EMIAmount     decimal.Decimal `json:"emi_amount"`
	AmountPaid    decimal.Decimal `json:"amount_paid"`
	BalanceAmount decimal.Decimal `json:"balance_amount"`
	EMIsLeft      int64           `json:"emis_left"`
}

// CustomerOverview lists every loan a customer owns, oldest first.
type CustomerOverview struct {
	CustomerID string         `json:"customer_id"`
	TotalLoans int            `json:"total_loans"`
	Loans      []*LoanSummary `json:"loans"`
}

// DueInstallment is the amount due each month.
type DueInstallment struct {
	LoanID    string          `json:"loan_id"`
	EMIAmount decimal.Decimal `json:"emi_amount"`
}

// CreateLoan computes the installment plan and stores a new ACTIVE loan.
func (l *Ledger) CreateLoan(ctx context.Context, customerID string, principal decimal.Decimal, periodYears int) (*CreatedLoan, error) {
	if customerID == "" {
		return nil, l.fail("create_loan", fmt.Errorf("%w: missing customer id", apperrors.ErrNotFoundOrUnauthorized))
	}

	plan, err := amortization.Calculate(principal, periodYears, l.rate)
	if err != nil {
		return nil, l.fail("create_loan", err)
	}

	loan := &models.Loan{
		CustomerID:         customerID,
		Principal:          principal,
		InterestRate:       l.rate,
		PeriodYears:        periodYears,
		TotalPayable:       plan.TotalPayable,
		MonthlyInstallment: plan.MonthlyInstallment,
		Status:             models.LoanStatusActive,
		CreatedAt:          l.now().UTC(),
	}

	for attempt := 1; ; attempt++ {
		loan.ID = l.ids.LoanID()
		err = l.storage.CreateLoan(ctx, loan)
		if err == nil {
			break
		}
		if !errors.Is(err, apperrors.ErrDuplicateLoanID) || attempt == maxLoanIDAttempts {
			return nil, l.fail("create_loan", fmt.Errorf("failed to store loan: %w", err))
		}
		l.logger.Warn("loan id collision, regenerating", slog.String("loan_id", loan.ID), slog.Int("attempt", attempt))
	}

	l.logger.Info("loan created",
		slog.String("loan_id", loan.ID),
		slog.String("customer_id", customerID),
		slog.String("principal", principal.String()),
		slog.Int("period_years", periodYears),
		slog.String("total_payable", plan.TotalPayable.StringFixed(amortization.CurrencyPlaces)),
		slog.String("monthly_emi", plan.MonthlyInstallment.StringFixed(amortization.CurrencyPlaces)),
	)
	l.metrics.LoanCreated()
	l.publish(ctx, events.LoanCreated(loan))

	return &CreatedLoan{
		LoanID:             loan.ID,
		CustomerID:         customerID,
		TotalPayable:       loan.TotalPayable,
		MonthlyInstallment: loan.MonthlyInstallment,
	}, nil
}

// RecordPayment appends a payment to a loan owned by customerID. Payments on
// the same loan are serialized; overpayment is accepted and the balance
// floors at zero.
func (l *Ledger) RecordPayment(ctx context.Context, customerID, loanID string, amount decimal.Decimal, txnType models.TransactionType) (*PaymentReceipt, error) {
	if customerID == "" {
		return nil, l.fail("record_payment", fmt.Errorf("%w: missing customer id", apperrors.ErrNotFoundOrUnauthorized))
	}
	if !amount.IsPositive() {
		return nil, l.fail("record_payment", fmt.Errorf("%w: amount must be positive, got %s", apperrors.ErrInvalidPayment, amount))
	}
	if !amortization.IsCurrencyAmount(amount) {
		return nil, l.fail("record_payment", fmt.Errorf("%w: amount %s has more than %d decimal places", apperrors.ErrInvalidPayment, amount, amortization.CurrencyPlaces))
	}
	if !txnType.Valid() {
		return nil, l.fail("record_payment", fmt.Errorf("%w: unknown transaction type %q", apperrors.ErrInvalidPayment, txnType))
	}

	// The header is immutable, so it can be read before queueing on the lock.
	// AppendTransaction checks ownership again.
	loan, err := l.storage.GetLoan(ctx, loanID, customerID)
	if err != nil {
		return nil, l.fail("record_payment", err)
	}

	release, err := l.lockLoan(ctx, loan.ID)
	if err != nil {
		return nil, l.fail("record_payment", err)
	}
	defer release()

	txn := &models.Transaction{
		ID:        l.ids.TransactionID(),
		LoanID:    loan.ID,
		Amount:    amount,
		Type:      txnType,
		Timestamp: l.now().UTC(),
	}
	totalPaid, err := l.storage.AppendTransaction(ctx, customerID, txn)
	if err != nil {
		return nil, l.fail("record_payment", fmt.Errorf("failed to record payment: %w", err))
	}

	balance, emisLeft := amortization.Outstanding(loan.TotalPayable, loan.MonthlyInstallment, totalPaid)

	l.logger.Info("payment recorded",
		slog.String("loan_id", loan.ID),
		slog.String("customer_id", customerID),
		slog.String("transaction_id", txn.ID),
		slog.String("type", string(txnType)),
		slog.String("amount", amount.StringFixed(amortization.CurrencyPlaces)),
		slog.String("remaining_balance", balance.StringFixed(amortization.CurrencyPlaces)),
		slog.Int64("emis_left", emisLeft),
	)
	l.metrics.PaymentRecorded(string(txnType), amount.InexactFloat64())
	// Published under the loan lock so consumers see a loan's events in order.
	l.publish(ctx, events.PaymentRecorded(customerID, txn, balance, emisLeft))

	return &PaymentReceipt{
		TransactionID:    txn.ID,
		LoanID:           loan.ID,
		RemainingBalance: balance,
		EMIsLeft:         emisLeft,
		Message:          PaymentRecordedMessage,
	}, nil
}

// GetLedger returns the loan with all its transactions. Totals are computed
// from the returned transactions, not from a separate query.
func (l *Ledger) GetLedger(ctx context.Context, customerID, loanID string) (*LoanLedger, error) {
	loan, err := l.scopedLoan(ctx, "get_ledger", customerID, loanID)
	if err != nil {
		return nil, err
	}

	txns, err := l.storage.ListTransactions(ctx, loan.ID)
	if err != nil {
		return nil, l.fail("get_ledger", err)
	}

	amounts := make([]decimal.Decimal, len(txns))
	for i, txn := range txns {
		amounts[i] = txn.Amount
	}
	paid := amortization.Sum(amounts...)
	balance, emisLeft := amortization.Outstanding(loan.TotalPayable, loan.MonthlyInstallment, paid)

	return &LoanLedger{
		Loan:          *loan,
		TotalPaid:     paid,
		BalanceAmount: balance,
		EMIsLeft:      emisLeft,
		Transactions:  txns,
	}, nil
}

// GetCustomerOverview summarizes every loan the customer owns. A customer
// without loans gets an empty list.
func (l *Ledger) GetCustomerOverview(ctx context.Context, customerID string) (*CustomerOverview, error) {
	if customerID == "" {
		return nil, l.fail("get_overview", fmt.Errorf("%w: missing customer id", apperrors.ErrNotFoundOrUnauthorized))
	}

	loans, err := l.storage.ListLoansForCustomer(ctx, customerID)
	if err != nil {
		return nil, l.fail("get_overview", err)
	}

	overview := &CustomerOverview{
		CustomerID: customerID,
		TotalLoans: len(loans),
		Loans:      make([]*LoanSummary, 0, len(loans)),
	}
	for _, loan := range loans {
		paid, err := l.storage.SumTransactions(ctx, loan.ID)
		if err != nil {
			return nil, l.fail("get_overview", err)
		}
		balance, emisLeft := amortization.Outstanding(loan.TotalPayable, loan.MonthlyInstallment, paid)
		overview.Loans = append(overview.Loans, &LoanSummary{
			LoanID:        loan.ID,
			Principal:     loan.Principal,
			TotalAmount:   loan.TotalPayable,
			TotalInterest: loan.TotalInterest(),
			EMIAmount:     loan.MonthlyInstallment,
			AmountPaid:    paid,
			BalanceAmount: balance,
			EMIsLeft:      emisLeft,
		})
	}
	return overview, nil
}

// GetDueInstallment returns the loan's fixed monthly installment. It is not
// reduced near the end of the loan.
func (l *Ledger) GetDueInstallment(ctx context.Context, customerID, loanID string) (*DueInstallment, error) {
	loan, err := l.scopedLoan(ctx, "get_due_installment", customerID, loanID)
	if err != nil {
		return nil, err
	}
	return &DueInstallment{LoanID: loan.ID, EMIAmount: loan.MonthlyInstallment}, nil
}

func (l *Ledger) scopedLoan(ctx context.Context, op, customerID, loanID string) (*models.Loan, error) {
	if customerID == "" {
		return nil, l.fail(op, fmt.Errorf("%w: missing customer id", apperrors.ErrNotFoundOrUnauthorized))
	}
	loan, err := l.storage.GetLoan(ctx, loanID, customerID)
	if err != nil {
		return nil, l.fail(op, err)
	}
	return loan, nil
}

func (l *Ledger) lockLoan(ctx context.Context, loanID string) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, l.lockWait)
	defer cancel()

	start := time.Now()
	release, err := l.locker.Lock(waitCtx, lock.LoanKey(loanID))
	l.metrics.ObserveLockWait(time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrStorageUnavailable, err)
	}
	return release, nil
}

func (l *Ledger) publish(ctx context.Context, e events.Event) {
	if err := l.publisher.Publish(ctx, e); err != nil {
		l.logger.Warn("failed to publish event",
			slog.String("type", e.Type),
			slog.String("loan_id", e.LoanID),
			slog.Any("error", err),
		)
		l.metrics.OperationFailed("publish_event", apperrors.CodeInternal)
	}
}

func (l *Ledger) fail(op string, err error) error {
	l.metrics.OperationFailed(op, apperrors.Code(err))
	return err
}
