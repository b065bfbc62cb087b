package ledger

import (
	"context"

	"github.com/google/uuid"
)

// Store is the persistence boundary. Mutations only happen through WithinTx;
// the remaining methods are plain reads for views.
type Store interface {
	// WithinTx runs fn in a single transaction, committing when fn returns
	// nil and rolling back every staged write otherwise.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	GetFund(ctx context.Context, ref FundRef) (*Fund, error)
	GetExpense(ctx context.Context, id uuid.UUID) (*Expense, error)
	ListApprovals(ctx context.Context, expenseID uuid.UUID) ([]ApprovalRecord, error)
	PendingApprovals(ctx context.Context, userID uuid.UUID) ([]PendingApproval, error)
	RecentExpenses(ctx context.Context, payerID uuid.UUID, limit int) ([]Expense, error)
	CountPendingApprovals(ctx context.Context, userID uuid.UUID) (int, error)
	CoSpaceFunds(ctx context.Context, coSpaceID uuid.UUID) ([]Fund, error)
	CountPendingCoSpaceExpenses(ctx context.Context, coSpaceID uuid.UUID) (int, error)
}

// Tx is a transaction holding row locks until it ends. Lock* methods block
// until the row is free; callers acquire them in the order expense, approval,
// then funds by owner id ascending.
type Tx interface {
	LockFund(ctx context.Context, ref FundRef) (*Fund, error)
	// LockOrCreateMemberFund returns the locked member fund, creating it with
	// zero balances when absent.
	LockOrCreateMemberFund(ctx context.Context, coSpaceID, memberID uuid.UUID) (*Fund, error)
	CreateFund(ctx context.Context, f *Fund) error
	SaveFund(ctx context.Context, f *Fund) error

	InsertExpense(ctx context.Context, e *Expense) error
	InsertApprovals(ctx context.Context, approvals []ApprovalRecord) error
	LockExpense(ctx context.Context, id uuid.UUID) (*Expense, error)
	LockApproval(ctx context.Context, expenseID, approverID uuid.UUID) (*ApprovalRecord, error)
	SaveExpense(ctx context.Context, e *Expense) error
	SaveApproval(ctx context.Context, a *ApprovalRecord) error
	CountPendingApprovals(ctx context.Context, expenseID uuid.UUID) (int, error)
}

// IdentityProvider resolves a user id to its identity.
type IdentityProvider interface {
	Identity(ctx context.Context, userID uuid.UUID) (Identity, error)
}

// MembershipProvider answers co-space membership questions.
type MembershipProvider interface {
	MembershipStatus(ctx context.Context, coSpaceID, userID uuid.UUID) (MembershipStatus, error)
	AcceptedMembers(ctx context.Context, coSpaceID uuid.UUID) ([]uuid.UUID, error)
}
