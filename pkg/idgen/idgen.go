package idgen

import (
	"github.com/google/uuid"
)

const (
	LoanPrefix        = "LN-"
	TransactionPrefix = "PMT-"
)

// Generator hands out loan and transaction identifiers.
type Generator interface {
	LoanID() string
	TransactionID() string
}

// UUIDGenerator uses random v4 UUIDs for loans and time-ordered v7 UUIDs for
// transactions, so transaction ids sort in creation order within a loan.
type UUIDGenerator struct{}

func (UUIDGenerator) LoanID() string {
	return LoanPrefix + uuid.NewString()
}

func (UUIDGenerator) TransactionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does; fall back to v4.
		return TransactionPrefix + uuid.NewString()
	}
	return TransactionPrefix + id.String()
}
