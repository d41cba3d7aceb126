package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/mcclellann/loanLedger/pkg/apperrors"
	"github.com/mcclellann/loanLedger/pkg/models"
	"github.com/shopspring/decimal"
)

const codeUnauthorized = "UNAUTHORIZED"

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type createLoanRequest struct {
	LoanAmount      decimal.Decimal `json:"loan_amount"`
	LoanPeriodYears int             `json:"loan_period_years" validate:"gt=0"`
}

type recordPaymentRequest struct {
	Amount          decimal.Decimal        `json:"amount"`
	TransactionType models.TransactionType `json:"transaction_type" validate:"required,oneof=EMI LUMP_SUM"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", slog.Any("error", err))
	}
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusUnauthorized, errorResponse{Error: msg, Code: codeUnauthorized})
}

// writeError hides internal detail on 5xx responses; the full error is logged.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.Any("request_id", r.Context().Value(requestIDKey)),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		msg = http.StatusText(status)
	}
	writeJSON(w, status, errorResponse{Error: msg, Code: apperrors.Code(err)})
}

// newValidator reports fields by their JSON names, which is what clients send.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// decode parses the body into dst and validates it. Failures are wrapped with kind.
func (s *Server) decode(r *http.Request, dst any, kind error) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: malformed request body: %v", kind, err)
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", kind, err)
		}
		msgs := make([]string, 0, len(verrs))
		for _, e := range verrs {
			switch e.Tag() {
			case "required":
				msgs = append(msgs, e.Field()+" is required")
			case "gt":
				msgs = append(msgs, e.Field()+" must be greater than "+e.Param())
			case "oneof":
				msgs = append(msgs, e.Field()+" must be one of: "+e.Param())
			default:
				msgs = append(msgs, e.Field()+" is invalid")
			}
		}
		return fmt.Errorf("%w: %s", kind, strings.Join(msgs, "; "))
	}
	return nil
}

func (s *Server) createLoanHandler(w http.ResponseWriter, r *http.Request) {
	var req createLoanRequest
	if err := s.decode(r, &req, apperrors.ErrInvalidLoanTerms); err != nil {
		s.writeError(w, r, err)
		return
	}

	created, err := s.ledger.CreateLoan(r.Context(), customerIDFromContext(r.Context()), req.LoanAmount, req.LoanPeriodYears)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) recordPaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req recordPaymentRequest
	if err := s.decode(r, &req, apperrors.ErrInvalidPayment); err != nil {
		s.writeError(w, r, err)
		return
	}

	receipt, err := s.ledger.RecordPayment(r.Context(), customerIDFromContext(r.Context()), mux.Vars(r)["loan_id"], req.Amount, req.TransactionType)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

func (s *Server) getLedgerHandler(w http.ResponseWriter, r *http.Request) {
	ledger, err := s.ledger.GetLedger(r.Context(), customerIDFromContext(r.Context()), mux.Vars(r)["loan_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ledger)
}

func (s *Server) getDueInstallmentHandler(w http.ResponseWriter, r *http.Request) {
	due, err := s.ledger.GetDueInstallment(r.Context(), customerIDFromContext(r.Context()), mux.Vars(r)["loan_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, due)
}

func (s *Server) customerOverviewHandler(w http.ResponseWriter, r *http.Request) {
	overview, err := s.ledger.GetCustomerOverview(r.Context(), customerIDFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, overview)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.storage.Ping(r.Context()); err != nil {
		s.logger.Warn("health check failed", slog.Any("error", err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
