// Package dashboard derives read-only summaries from the ledger store.
package dashboard

import (
	"context"
	"fmt"
	"time"

	"github.com/billbatista/acasinha-funds/ledger"
	"github.com/billbatista/acasinha-funds/money"
	"github.com/google/uuid"
)

const DefaultRecentExpenses = 5

type ExpenseSummary struct {
	ID        uuid.UUID            `json:"id"`
	Amount    money.Money          `json:"amount"`
	Note      string               `json:"note"`
	Source    ledger.FundingSource `json:"funding_source"`
	Status    ledger.ExpenseStatus `json:"status"`
	CreatedAt time.Time            `json:"created_at"`
}

type PersonalView struct {
	Total            money.Money      `json:"total_fund"`
	Remaining        money.Money      `json:"remaining_fund"`
	MonthlyTotal     money.Money      `json:"monthly_expense_total"`
	YearlyTotal      money.Money      `json:"yearly_expense_total"`
	PendingApprovals int              `json:"pending_approvals"`
	RecentExpenses   []ExpenseSummary `json:"recent_expenses"`
}

type MemberSummary struct {
	UserID      uuid.UUID   `json:"user_id"`
	Contributed money.Money `json:"total_contributed"`
	Remaining   money.Money `json:"remaining_amount"`
	Spent       money.Money `json:"spent"`
}

type CoSpaceView struct {
	CoSpaceID         uuid.UUID       `json:"co_space_id"`
	TotalContribution money.Money     `json:"total_pool_contribution"`
	TotalRemaining    money.Money     `json:"total_pool_remaining"`
	TotalSpent        money.Money     `json:"total_expense_spent"`
	PendingExpenses   int             `json:"pending_approvals"`
	Members           []MemberSummary `json:"members"`
}

type Service struct {
	store   ledger.Store
	members ledger.MembershipProvider
	recent  int
}

func NewService(store ledger.Store, members ledger.MembershipProvider, recent int) *Service {
	if recent <= 0 {
		recent = DefaultRecentExpenses
	}
	return &Service{store: store, members: members, recent: recent}
}

// Personal summarizes userID's personal fund, their open approvals and their
// most recent expenses, newest first.
func (s *Service) Personal(ctx context.Context, userID uuid.UUID) (*PersonalView, error) {
	fund, err := s.store.GetFund(ctx, ledger.PersonalFundRef(userID))
	if err != nil {
		return nil, err
	}
	pending, err := s.store.CountPendingApprovals(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("counting pending approvals: %w", err)
	}
	expenses, err := s.store.RecentExpenses(ctx, userID, s.recent)
	if err != nil {
		return nil, fmt.Errorf("listing recent expenses: %w", err)
	}

	view := &PersonalView{
		Total:            fund.Total,
		Remaining:        fund.Remaining,
		MonthlyTotal:     fund.MonthlyTotal,
		YearlyTotal:      fund.YearlyTotal,
		PendingApprovals: pending,
		RecentExpenses:   make([]ExpenseSummary, 0, len(expenses)),
	}
	for _, e := range expenses {
		view.RecentExpenses = append(view.RecentExpenses, ExpenseSummary{
			ID:        e.ID,
			Amount:    e.Amount,
			Note:      e.Note,
			Source:    e.Source,
			Status:    e.Status,
			CreatedAt: e.CreatedAt,
		})
	}
	return view, nil
}

// CoSpace summarizes the pool of a co-space actorID is an accepted member of.
// A co-space nobody has contributed to yet yields a zero view.
func (s *Service) CoSpace(ctx context.Context, actorID, coSpaceID uuid.UUID) (*CoSpaceView, error) {
	status, err := s.members.MembershipStatus(ctx, coSpaceID, actorID)
	if err != nil {
		return nil, err
	}
	if status != ledger.MembershipAccepted {
		return nil, ledger.ErrNotCoSpaceMember
	}

	funds, err := s.store.CoSpaceFunds(ctx, coSpaceID)
	if err != nil {
		return nil, fmt.Errorf("listing co-space funds: %w", err)
	}
	pending, err := s.store.CountPendingCoSpaceExpenses(ctx, coSpaceID)
	if err != nil {
		return nil, fmt.Errorf("counting pending co-space expenses: %w", err)
	}

	view := &CoSpaceView{
		CoSpaceID:       coSpaceID,
		PendingExpenses: pending,
		Members:         make([]MemberSummary, 0, len(funds)),
	}
	for _, f := range funds {
		if view.TotalContribution, err = view.TotalContribution.Add(f.Total); err != nil {
			return nil, err
		}
		if view.TotalRemaining, err = view.TotalRemaining.Add(f.Remaining); err != nil {
			return nil, err
		}
		if view.TotalSpent, err = view.TotalSpent.Add(f.YearlyTotal); err != nil {
			return nil, err
		}
		view.Members = append(view.Members, MemberSummary{
			UserID:      f.OwnerID,
			Contributed: f.Total,
			Remaining:   f.Remaining,
			Spent:       f.YearlyTotal,
		})
	}
	return view, nil
}
