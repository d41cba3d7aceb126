package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mcclellann/loanLedger/pkg/ledger"
	"github.com/mcclellann/loanLedger/pkg/metrics"
	"github.com/mcclellann/loanLedger/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func setupTestServer(t *testing.T) http.Handler {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	l := ledger.NewLedger(s, ledger.WithLogger(logger), ledger.WithMetrics(metrics.New(reg)))

	return NewServer(l, s, logger, ServerConfig{
		JWTSecret:      testSecret,
		RequestTimeout: 5 * time.Second,
		Gatherer:       reg,
	}).Router()
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func customerToken(t *testing.T, customerID string) string {
	return signToken(t, testSecret, jwt.MapClaims{
		"customer_id": customerID,
		"exp":         time.Now().Add(time.Hour).Unix(),
	})
}

func doRequest(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		buf = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		buf = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func createLoan(t *testing.T, h http.Handler, token string, amount float64, years int) ledger.CreatedLoan {
	t.Helper()
	rr := doRequest(t, h, http.MethodPost, "/loans", token, map[string]any{
		"loan_amount":       amount,
		"loan_period_years": years,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decodeBody[ledger.CreatedLoan](t, rr)
}

func TestAPI_EndToEnd(t *testing.T) {
	h := setupTestServer(t)
	token := customerToken(t, "cust_1")

	loan := createLoan(t, h, token, 100000, 2)
	assert.Equal(t, "cust_1", loan.CustomerID)
	assert.True(t, loan.TotalPayable.Equal(decimal.NewFromInt(114000)), "total %s", loan.TotalPayable)
	assert.True(t, loan.MonthlyInstallment.Equal(decimal.NewFromInt(4750)), "emi %s", loan.MonthlyInstallment)

	rr := doRequest(t, h, http.MethodPost, "/loans/"+loan.LoanID+"/payments", token, map[string]any{
		"amount":           4750,
		"transaction_type": "EMI",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	receipt := decodeBody[ledger.PaymentReceipt](t, rr)
	assert.Equal(t, loan.LoanID, receipt.LoanID)
	assert.True(t, receipt.RemainingBalance.Equal(decimal.NewFromInt(109250)))
	assert.Equal(t, int64(23), receipt.EMIsLeft)
	assert.Equal(t, "Payment recorded successfully", receipt.Message)

	rr = doRequest(t, h, http.MethodPost, "/loans/"+loan.LoanID+"/payments", token, map[string]any{
		"amount":           "200000",
		"transaction_type": "LUMP_SUM",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	receipt = decodeBody[ledger.PaymentReceipt](t, rr)
	assert.True(t, receipt.RemainingBalance.IsZero())
	assert.Equal(t, int64(0), receipt.EMIsLeft)

	rr = doRequest(t, h, http.MethodGet, "/loans/"+loan.LoanID+"/ledger", token, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var view struct {
		LoanID       string          `json:"loan_id"`
		Status       string          `json:"status"`
		TotalPaid    decimal.Decimal `json:"total_paid"`
		Balance      decimal.Decimal `json:"balance_amount"`
		EMIsLeft     int64           `json:"emis_left"`
		Transactions []struct {
			ID     string          `json:"transaction_id"`
			Amount decimal.Decimal `json:"amount"`
			Type   string          `json:"type"`
		} `json:"transactions"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	assert.Equal(t, loan.LoanID, view.LoanID)
	assert.Equal(t, "ACTIVE", view.Status)
	assert.True(t, view.TotalPaid.Equal(decimal.NewFromInt(204750)))
	assert.True(t, view.Balance.IsZero())
	require.Len(t, view.Transactions, 2)
	assert.Equal(t, "EMI", view.Transactions[0].Type)
	assert.Equal(t, "LUMP_SUM", view.Transactions[1].Type)

	rr = doRequest(t, h, http.MethodGet, "/loans/"+loan.LoanID+"/emi", token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	due := decodeBody[ledger.DueInstallment](t, rr)
	assert.True(t, due.EMIAmount.Equal(decimal.NewFromInt(4750)))

	rr = doRequest(t, h, http.MethodGet, "/customers/overview", token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	overview := decodeBody[ledger.CustomerOverview](t, rr)
	assert.Equal(t, "cust_1", overview.CustomerID)
	assert.Equal(t, 1, overview.TotalLoans)
	require.Len(t, overview.Loans, 1)
	assert.True(t, overview.Loans[0].TotalInterest.Equal(decimal.NewFromInt(14000)))
}

func TestAPI_OverviewWithoutLoans(t *testing.T) {
	h := setupTestServer(t)

	rr := doRequest(t, h, http.MethodGet, "/customers/overview", customerToken(t, "new_customer"), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"total_loans":0`)
	assert.Contains(t, rr.Body.String(), `"loans":[]`)
}

func TestAPI_Unauthorized(t *testing.T) {
	h := setupTestServer(t)

	tests := []struct {
		name  string
		token string
	}{
		{"missing token", ""},
		{"wrong secret", signToken(t, "other-secret", jwt.MapClaims{"customer_id": "cust_1"})},
		{"missing claim", signToken(t, testSecret, jwt.MapClaims{"sub": "cust_1"})},
		{"expired", signToken(t, testSecret, jwt.MapClaims{"customer_id": "cust_1", "exp": time.Now().Add(-time.Hour).Unix()})},
		{"garbage", "not-a-jwt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doRequest(t, h, http.MethodGet, "/customers/overview", tt.token, nil)
			assert.Equal(t, http.StatusUnauthorized, rr.Code)
			resp := decodeBody[errorResponse](t, rr)
			assert.Equal(t, "UNAUTHORIZED", resp.Code)
		})
	}
}

func TestAPI_NumericCustomerClaim(t *testing.T) {
	h := setupTestServer(t)
	token := signToken(t, testSecret, jwt.MapClaims{"customer_id": 42})

	loan := createLoan(t, h, token, 1000, 1)
	assert.Equal(t, "42", loan.CustomerID)
}

func TestAPI_CrossCustomerAccess(t *testing.T) {
	h := setupTestServer(t)
	owner := customerToken(t, "customer_B")
	other := customerToken(t, "customer_A")

	loan := createLoan(t, h, owner, 1000, 1)

	for _, path := range []string{"/loans/" + loan.LoanID + "/ledger", "/loans/" + loan.LoanID + "/emi"} {
		rr := doRequest(t, h, http.MethodGet, path, other, nil)
		assert.Equal(t, http.StatusNotFound, rr.Code, path)
		assert.Equal(t, "LOAN_NOT_FOUND", decodeBody[errorResponse](t, rr).Code)
	}

	rr := doRequest(t, h, http.MethodPost, "/loans/"+loan.LoanID+"/payments", other, map[string]any{
		"amount":           100,
		"transaction_type": "EMI",
	})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = doRequest(t, h, http.MethodGet, "/loans/"+loan.LoanID+"/ledger", owner, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"transactions":[]`)
}

func TestAPI_ValidationErrors(t *testing.T) {
	h := setupTestServer(t)
	token := customerToken(t, "cust_1")
	loan := createLoan(t, h, token, 1000, 1)
	paymentPath := "/loans/" + loan.LoanID + "/payments"

	tests := []struct {
		name    string
		path    string
		body    any
		code    string
		message string
	}{
		{"zero period", "/loans", map[string]any{"loan_amount": 1000, "loan_period_years": 0}, "INVALID_LOAN_TERMS", "loan_period_years must be greater than 0"},
		{"negative principal", "/loans", map[string]any{"loan_amount": -5, "loan_period_years": 1}, "INVALID_LOAN_TERMS", ""},
		{"fractional period", "/loans", `{"loan_amount": 1000, "loan_period_years": 1.5}`, "INVALID_LOAN_TERMS", ""},
		{"malformed loan body", "/loans", `{"loan_amount":`, "INVALID_LOAN_TERMS", ""},
		{"unknown type", paymentPath, map[string]any{"amount": 10, "transaction_type": "REFUND"}, "INVALID_PAYMENT", "transaction_type must be one of: EMI LUMP_SUM"},
		{"missing type", paymentPath, map[string]any{"amount": 10}, "INVALID_PAYMENT", "transaction_type is required"},
		{"zero amount", paymentPath, map[string]any{"amount": 0, "transaction_type": "EMI"}, "INVALID_PAYMENT", ""},
		{"sub-cent amount", paymentPath, map[string]any{"amount": "1.005", "transaction_type": "EMI"}, "INVALID_PAYMENT", ""},
		{"malformed payment body", paymentPath, "nope", "INVALID_PAYMENT", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doRequest(t, h, http.MethodPost, tt.path, token, tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
			resp := decodeBody[errorResponse](t, rr)
			assert.Equal(t, tt.code, resp.Code)
			assert.NotEmpty(t, resp.Error)
			if tt.message != "" {
				assert.Contains(t, resp.Error, tt.message)
				assert.NotContains(t, resp.Error, "LoanPeriodYears")
				assert.NotContains(t, resp.Error, "TransactionType")
			}
		})
	}

	rr := doRequest(t, h, http.MethodGet, "/loans/"+loan.LoanID+"/ledger", token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"transactions":[]`)
}

func TestAPI_HealthAndMetrics(t *testing.T) {
	h := setupTestServer(t)

	rr := doRequest(t, h, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())

	createLoan(t, h, customerToken(t, "cust_1"), 1000, 1)

	rr = doRequest(t, h, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "loanledger_loans_created_total 1")
}

func TestAPI_RequestID(t *testing.T) {
	h := setupTestServer(t)

	rr := doRequest(t, h, http.MethodGet, "/healthz", "", nil)
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
}
