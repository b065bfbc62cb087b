package ledger

import (
	"github.com/billbatista/acasinha-funds/money"
	"github.com/google/uuid"
)

// SplitEvenly divides amount across members, which must already be in
// ascending id order. Every member gets the half-up rounded share and the
// first member also absorbs the remainder, so the deductions always add up
// to amount exactly.
func SplitEvenly(amount money.Money, members []uuid.UUID) ([]Deduction, error) {
	if len(members) == 0 {
		return nil, ErrNoAcceptedMembers
	}
	share, remainder, err := amount.DivideEvenly(len(members))
	if err != nil {
		return nil, err
	}

	deductions := make([]Deduction, 0, len(members))
	for i, memberID := range members {
		d := Deduction{MemberID: memberID, Amount: share}
		if i == 0 && !remainder.IsZero() {
			if d.Amount, err = share.Add(remainder); err != nil {
				return nil, err
			}
		}
		deductions = append(deductions, d)
	}
	return deductions, nil
}
