package ledger

import (
	"context"
	"time"

	"github.com/billbatista/acasinha-funds/money"
)

// ApplyDelta locks the fund and moves its balance by delta. A negative delta
// is a spend: remaining drops and both accumulators grow by the spent amount.
// A positive delta is a contribution to total and remaining. Spends against a
// personal fund fail with ErrInsufficientPersonalFunds when they would take
// remaining below zero; co-space member funds are not checked individually.
func ApplyDelta(ctx context.Context, tx Tx, ref FundRef, delta money.Money, now time.Time) (*Fund, error) {
	f, err := tx.LockFund(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := applyDelta(f, delta, now); err != nil {
		return nil, err
	}
	if err := tx.SaveFund(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

func applyDelta(f *Fund, delta money.Money, now time.Time) error {
	if delta.IsNegative() {
		return spend(f, delta.Neg(), now)
	}
	return contribute(f, delta, now)
}

func spend(f *Fund, amount money.Money, now time.Time) error {
	remaining, err := f.Remaining.Sub(amount)
	if err != nil {
		return err
	}
	if f.Kind == FundPersonal && remaining.IsNegative() {
		return ErrInsufficientPersonalFunds
	}
	monthly, err := f.MonthlyTotal.Add(amount)
	if err != nil {
		return err
	}
	yearly, err := f.YearlyTotal.Add(amount)
	if err != nil {
		return err
	}
	f.Remaining, f.MonthlyTotal, f.YearlyTotal = remaining, monthly, yearly
	f.UpdatedAt = now
	return nil
}

func contribute(f *Fund, amount money.Money, now time.Time) error {
	total, err := f.Total.Add(amount)
	if err != nil {
		return err
	}
	remaining, err := f.Remaining.Add(amount)
	if err != nil {
		return err
	}
	f.Total, f.Remaining = total, remaining
	f.UpdatedAt = now
	return nil
}
