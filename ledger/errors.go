package ledger

import (
	"context"
	"errors"

	"github.com/billbatista/acasinha-funds/money"
)

// Error kinds. Every error the engine returns matches exactly one of these
// with errors.Is.
var (
	ErrNotFound              = errors.New("ledger: not found")
	ErrInvalidInput          = errors.New("ledger: invalid input")
	ErrInvalidAmount         = money.ErrInvalidAmount
	ErrInvalidState          = errors.New("ledger: invalid state")
	ErrInsufficientFunds     = errors.New("ledger: insufficient funds")
	ErrInsufficientPoolFunds = errors.New("ledger: insufficient pool funds")
	ErrNotAMember            = errors.New("ledger: not a member")
	ErrIdentityInactive      = errors.New("ledger: identity inactive")
	ErrArithmeticOverflow    = money.ErrArithmeticOverflow
	ErrStorageFailure        = errors.New("ledger: storage failure")
)

var kinds = []error{
	ErrNotFound,
	ErrInvalidInput,
	ErrInvalidAmount,
	ErrInvalidState,
	ErrInsufficientFunds,
	ErrInsufficientPoolFunds,
	ErrNotAMember,
	ErrIdentityInactive,
	ErrArithmeticOverflow,
	ErrStorageFailure,
}

// Specific failures, each naming the invariant it protects.
var (
	ErrExpenseNotFound  = kindError(ErrNotFound, "expense not found")
	ErrApprovalNotFound = kindError(ErrNotFound, "approval record not found")
	ErrFundNotFound     = kindError(ErrNotFound, "fund not found")
	ErrIdentityNotFound = kindError(ErrNotFound, "user not found")

	ErrMissingCoSpace       = kindError(ErrInvalidInput, "co-space id required for co-space expenses")
	ErrInvalidFundingSource = kindError(ErrInvalidInput, "invalid funding source")
	ErrInvalidBeneficiary   = kindError(ErrInvalidInput, "invalid beneficiary")
	ErrInvalidDecision      = kindError(ErrInvalidInput, "decision must be approved or rejected")
	ErrNonPositiveAmount    = kindError(ErrInvalidAmount, "amount must be positive")

	ErrAlreadyProcessed       = kindError(ErrInvalidState, "approval already processed")
	ErrExpenseNotPending      = kindError(ErrInvalidState, "expense is not pending approval")
	ErrFundAlreadyInitialized = kindError(ErrInvalidState, "fund already initialized")
	ErrNoAcceptedMembers      = kindError(ErrInvalidState, "no accepted members in co-space")
	ErrNegativeRemaining      = kindError(ErrInvalidState, "updated fund causes negative remaining amount")

	ErrInsufficientPersonalFunds = kindError(ErrInsufficientFunds, "insufficient personal funds")
	ErrInsufficientPool          = kindError(ErrInsufficientPoolFunds, "insufficient total co-space funds")

	ErrNotCoSpaceMember = kindError(ErrNotAMember, "not an accepted member of this co-space")
	ErrInactive         = kindError(ErrIdentityInactive, "user is deactivated")
)

type ledgerError struct {
	kind error
	msg  string
}

func kindError(kind error, msg string) error {
	return &ledgerError{kind: kind, msg: msg}
}

func (e *ledgerError) Error() string { return "ledger: " + e.msg }
func (e *ledgerError) Unwrap() error { return e.kind }

// storageError hides the cause from Error() so callers never see driver
// details, but keeps it reachable for logging through errors.Unwrap.
type storageError struct {
	cause error
}

func (e *storageError) Error() string   { return ErrStorageFailure.Error() }
func (e *storageError) Unwrap() []error { return []error{ErrStorageFailure, e.cause} }

// KindOf returns the kind sentinel err belongs to, or nil.
func KindOf(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// IsRetryable reports whether the caller may safely retry: only storage
// failures qualify, and they never leave partial state behind.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageFailure)
}

// classify passes domain errors through and turns everything else, including
// context timeouts inside a transaction, into a storage failure.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &storageError{cause: err}
	}
	if KindOf(err) != nil {
		return err
	}
	return &storageError{cause: err}
}
