// Package ledger implements the shared-fund expense ledger: personal and
// co-space funds, expenses drawn against them, the multi-party approval of
// pooled expenses and the settlement that moves money once quorum is reached.
package ledger

import (
	"bytes"
	"fmt"
	"slices"
	"time"

	"github.com/billbatista/acasinha-funds/money"
	"github.com/google/uuid"
)

type FundingSource string

const (
	FundingPersonal FundingSource = "personal"
	FundingCoSpace  FundingSource = "co_space"
)

type Beneficiary string

const (
	BeneficiarySelf  Beneficiary = "self"
	BeneficiaryOther Beneficiary = "other"
)

type ExpenseStatus string

const (
	ExpensePending  ExpenseStatus = "pending"
	ExpenseApproved ExpenseStatus = "approved"
	ExpenseRejected ExpenseStatus = "rejected"
)

type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

type MembershipStatus string

const (
	MembershipNone     MembershipStatus = "none"
	MembershipPending  MembershipStatus = "pending"
	MembershipAccepted MembershipStatus = "accepted"
)

type FundKind string

const (
	FundPersonal FundKind = "personal"
	FundCoSpace  FundKind = "co_space"
)

// FundRef identifies a fund. Personal refs carry uuid.Nil as co-space.
type FundRef struct {
	Kind      FundKind  `json:"kind"`
	OwnerID   uuid.UUID `json:"owner_id"`
	CoSpaceID uuid.UUID `json:"co_space_id,omitempty"`
}

func PersonalFundRef(userID uuid.UUID) FundRef {
	return FundRef{Kind: FundPersonal, OwnerID: userID}
}

func MemberFundRef(coSpaceID, memberID uuid.UUID) FundRef {
	return FundRef{Kind: FundCoSpace, OwnerID: memberID, CoSpaceID: coSpaceID}
}

func (r FundRef) String() string {
	if r.Kind == FundCoSpace {
		return fmt.Sprintf("co_space:%s:%s", r.CoSpaceID, r.OwnerID)
	}
	return fmt.Sprintf("personal:%s", r.OwnerID)
}

// Fund is either a user's personal fund or one member's share of a co-space
// pool. Remaining always equals Total minus every settled expense attributed
// to the fund; the monthly and yearly accumulators are reset externally.
type Fund struct {
	FundRef
	Total        money.Money `json:"total"`
	Remaining    money.Money `json:"remaining"`
	MonthlyTotal money.Money `json:"monthly_total"`
	YearlyTotal  money.Money `json:"yearly_total"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

func newFund(ref FundRef, now time.Time) *Fund {
	return &Fund{FundRef: ref, UpdatedAt: now}
}

type Expense struct {
	ID            uuid.UUID     `json:"id"`
	PayerID       uuid.UUID     `json:"payer_id"`
	CoSpaceID     uuid.NullUUID `json:"co_space_id"`
	Amount        money.Money   `json:"amount"`
	Note          string        `json:"note"`
	Source        FundingSource `json:"funding_source"`
	Beneficiary   Beneficiary   `json:"beneficiary"`
	RelatedUserID uuid.NullUUID `json:"related_user_id"`
	Status        ExpenseStatus `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

type ApprovalRecord struct {
	ID         uuid.UUID  `json:"id"`
	ExpenseID  uuid.UUID  `json:"expense_id"`
	ApproverID uuid.UUID  `json:"approver_id"`
	Decision   Decision   `json:"decision"`
	DecidedAt  *time.Time `json:"decided_at"`
	CreatedAt  time.Time  `json:"created_at"`
}

// PendingApproval is an approval still waiting on its approver, together
// with the pending expense it belongs to.
type PendingApproval struct {
	Approval ApprovalRecord `json:"approval"`
	Expense  Expense        `json:"expense"`
}

// Deduction is one member's share of a settled pooled expense.
type Deduction struct {
	MemberID uuid.UUID   `json:"member_id"`
	Amount   money.Money `json:"amount"`
}

// Identity is what the identity provider knows about a caller.
type Identity struct {
	UserID uuid.UUID
	Active bool
}

// sortIDs orders ids ascending by their byte representation, the same order
// Postgres uses for uuid columns.
func sortIDs(ids []uuid.UUID) {
	slices.SortFunc(ids, compareIDs)
}

func compareIDs(a, b uuid.UUID) int {
	return bytes.Compare(a[:], b[:])
}
