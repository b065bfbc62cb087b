// Package money provides the fixed-point amount type used by the fund ledger.
//
// Every Money value carries exactly two fractional digits. Arithmetic never
// goes through binary floating point and fails loudly instead of silently
// losing precision or exceeding the storable magnitude.
package money

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Places is the number of fractional digits every amount is held at.
const Places = 2

var (
	ErrInvalidAmount      = errors.New("money: invalid amount")
	ErrArithmeticOverflow = errors.New("money: arithmetic overflow")
	ErrDivisionByZero     = errors.New("money: division by zero")
)

// maxMagnitude matches the DECIMAL(15,2) columns funds and expenses live in.
var maxMagnitude = decimal.RequireFromString("9999999999999.99")

// Money is a signed amount with two fractional digits. The zero value is 0.00.
type Money struct {
	d decimal.Decimal
}

// Zero is 0.00.
var Zero = Money{}

// FromCents builds an amount from its value in hundredths.
func FromCents(cents int64) Money {
	return Money{d: decimal.New(cents, -Places)}
}

// Parse reads a decimal string such as "100", "33.3" or "-0.01". More than
// two fractional digits is rejected rather than rounded.
func Parse(s string) (Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Money{}, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return fromDecimal(d)
}

// MustParse is Parse for constants and tests. It panics on error.
func MustParse(s string) Money {
	m, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return m
}

func fromDecimal(d decimal.Decimal) (Money, error) {
	if !d.Round(Places).Equal(d) {
		return Money{}, fmt.Errorf("%w: more than %d fractional digits in %s", ErrInvalidAmount, Places, d.String())
	}
	return checked(d)
}

func checked(d decimal.Decimal) (Money, error) {
	if d.Abs().GreaterThan(maxMagnitude) {
		return Money{}, fmt.Errorf("%w: %s exceeds %s", ErrArithmeticOverflow, d.StringFixed(Places), maxMagnitude.StringFixed(Places))
	}
	return Money{d: d}, nil
}

func (m Money) Add(other Money) (Money, error) {
	return checked(m.d.Add(other.d))
}

func (m Money) Sub(other Money) (Money, error) {
	return checked(m.d.Sub(other.d))
}

// Scale multiplies the amount by an integer factor.
func (m Money) Scale(factor int64) (Money, error) {
	return checked(m.d.Mul(decimal.NewFromInt(factor)))
}

// DivideEvenly splits m into n equal shares rounded half-up to cents. The
// remainder is whatever is left so that share*n + remainder == m exactly; it
// is negative when rounding up over-allocates.
func (m Money) DivideEvenly(n int) (share, remainder Money, err error) {
	if n <= 0 {
		return Money{}, Money{}, ErrDivisionByZero
	}
	share = Money{d: m.d.DivRound(decimal.NewFromInt(int64(n)), Places)}
	total, err := share.Scale(int64(n))
	if err != nil {
		return Money{}, Money{}, err
	}
	remainder, err = m.Sub(total)
	if err != nil {
		return Money{}, Money{}, err
	}
	return share, remainder, nil
}

func (m Money) Neg() Money { return Money{d: m.d.Neg()} }

func (m Money) IsZero() bool     { return m.d.IsZero() }
func (m Money) IsNegative() bool { return m.d.IsNegative() }
func (m Money) IsPositive() bool { return m.d.IsPositive() }

// Cmp returns -1, 0 or +1.
func (m Money) Cmp(other Money) int { return m.d.Cmp(other.d) }

func (m Money) Equal(other Money) bool    { return m.d.Equal(other.d) }
func (m Money) LessThan(other Money) bool { return m.d.LessThan(other.d) }

// Cents returns the amount in hundredths. Amounts within the supported
// magnitude always fit.
func (m Money) Cents() int64 {
	return m.d.Shift(Places).IntPart()
}

func (m Money) String() string {
	return m.d.StringFixed(Places)
}

func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.String() + `"`), nil
}

// UnmarshalJSON accepts both "12.34" and 12.34.
func (m *Money) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" {
		return fmt.Errorf("%w: null", ErrInvalidAmount)
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

func (m *Money) Scan(value any) error {
	var d decimal.Decimal
	if err := d.Scan(value); err != nil {
		return fmt.Errorf("money: scanning %T: %w", value, err)
	}
	parsed, err := checked(d.Round(Places))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

func (m Money) Value() (driver.Value, error) {
	return m.String(), nil
}

// Sum adds every amount, failing on overflow.
func Sum(amounts ...Money) (Money, error) {
	total := Zero
	for _, a := range amounts {
		var err error
		if total, err = total.Add(a); err != nil {
			return Money{}, err
		}
	}
	return total, nil
}
