package apperrors

import (
	"errors"
	"net/http"
)

// ErrInvalidLoanTerms indicates a non-positive principal or period, or terms that
// produce an installment below currency precision.
var ErrInvalidLoanTerms = errors.New("invalid loan terms")

// ErrInvalidPayment indicates a non-positive amount or an unknown transaction type.
var ErrInvalidPayment = errors.New("invalid payment")

// ErrNotFoundOrUnauthorized covers both a missing loan and a loan owned by another
// customer. The two cases are never distinguished.
var ErrNotFoundOrUnauthorized = errors.New("loan not found or unauthorized")

// ErrDuplicateLoanID indicates an identifier collision at creation.
var ErrDuplicateLoanID = errors.New("loan id already exists")

// ErrStorageUnavailable indicates a transient storage or lock failure. Callers may retry.
var ErrStorageUnavailable = errors.New("storage unavailable")

const (
	CodeInvalidLoanTerms   = "INVALID_LOAN_TERMS"
	CodeInvalidPayment     = "INVALID_PAYMENT"
	CodeNotFound           = "LOAN_NOT_FOUND"
	CodeDuplicateLoanID    = "DUPLICATE_LOAN_ID"
	CodeStorageUnavailable = "STORAGE_UNAVAILABLE"
	CodeInternal           = "INTERNAL"
)

// Code returns the stable error code for err.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrInvalidLoanTerms):
		return CodeInvalidLoanTerms
	case errors.Is(err, ErrInvalidPayment):
		return CodeInvalidPayment
	case errors.Is(err, ErrNotFoundOrUnauthorized):
		return CodeNotFound
	case errors.Is(err, ErrDuplicateLoanID):
		return CodeDuplicateLoanID
	case errors.Is(err, ErrStorageUnavailable):
		return CodeStorageUnavailable
	default:
		return CodeInternal
	}
}

// HTTPStatus maps err to the status code the API layer responds with.
func HTTPStatus(err error) int {
	switch Code(err) {
	case CodeInvalidLoanTerms, CodeInvalidPayment:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeDuplicateLoanID:
		return http.StatusConflict
	case CodeStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
