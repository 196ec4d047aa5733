// Package money provides the fixed-scale decimal value type used for every
// monetary field in the system. Amounts are constructed from and serialized
// to decimal strings with exactly two fractional digits; binary floats are
// rejected whenever they cannot be represented at that scale.
package money

import (
	"database/sql/driver"
	"fmt"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits every amount carries.
const Scale = 2

// ErrPrecisionLoss indicates a monetary value could not be represented
// exactly at the fixed scale. It is always fatal at the construction site.
type ErrPrecisionLoss struct {
	Input  string
	Reason string
}

func (e *ErrPrecisionLoss) Error() string {
	return fmt.Sprintf("precision loss on %q: %s", e.Input, e.Reason)
}

// Amount is an exact monetary value with two fractional digits.
// The zero value is "0.00".
type Amount struct {
	d decimal.Decimal
}

// Zero is the zero amount.
var Zero = Amount{}

// Parse constructs an Amount from a decimal string. Strings with more than
// Scale fractional digits fail with ErrPrecisionLoss: truncating cents
// silently is exactly the failure mode this type exists to rule out.
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, &ErrPrecisionLoss{Input: s, Reason: "not a decimal string"}
	}
	if d.Exponent() < -Scale {
		return Amount{}, &ErrPrecisionLoss{Input: s, Reason: fmt.Sprintf("more than %d fractional digits", Scale)}
	}
	return Amount{d: d}, nil
}

// MustParse is Parse for literals known to be valid. It panics on error and
// is intended for tests and compile-time constants only.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromInt constructs an Amount from a whole number of currency units.
func FromInt(n int64) Amount {
	return Amount{d: decimal.NewFromInt(n)}
}

// FromFloat constructs an Amount from a binary float, failing with
// ErrPrecisionLoss if the float does not round-trip at the fixed scale.
// It exists solely for the replication boundary, where remote columns may
// still arrive as floats.
func FromFloat(f float64) (Amount, error) {
	d := decimal.NewFromFloat(f)
	rounded := d.Round(Scale)
	if !rounded.Equal(d) {
		return Amount{}, &ErrPrecisionLoss{Input: fmt.Sprintf("%v", f), Reason: "float not representable at fixed scale"}
	}
	return Amount{d: rounded}, nil
}

// Add returns a + b.
func (a Amount) Add(b Amount) Amount {
	return Amount{d: a.d.Add(b.d)}
}

// Sub returns a - b.
func (a Amount) Sub(b Amount) Amount {
	return Amount{d: a.d.Sub(b.d)}
}

// Neg returns -a.
func (a Amount) Neg() Amount {
	return Amount{d: a.d.Neg()}
}

// MulRate applies a percentage rate (e.g. "3.50" for 3.5%) and rounds the
// result back to the fixed scale. Rounding happens here, once, so interest
// accrual cannot drift by fractions of a cent across repeated applications.
func (a Amount) MulRate(rate Amount) Amount {
	hundred := decimal.NewFromInt(100)
	return Amount{d: a.d.Mul(rate.d).Div(hundred).Round(Scale)}
}

// Cmp compares a and b: -1 if a < b, 0 if equal, +1 if a > b.
func (a Amount) Cmp(b Amount) int {
	return a.d.Cmp(b.d)
}

// IsZero reports whether the amount equals zero.
func (a Amount) IsZero() bool {
	return a.d.IsZero()
}

// IsNegative reports whether the amount is below zero.
func (a Amount) IsNegative() bool {
	return a.d.IsNegative()
}

// String serializes the amount as a fixed-scale decimal string ("1500.00").
func (a Amount) String() string {
	return a.d.StringFixed(Scale)
}

// MarshalJSON serializes as a JSON string, never a JSON number.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON accepts a decimal string (or a bare number for tolerance
// with older payloads) and applies the same precision check as Parse.
func (a *Amount) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value implements driver.Valuer so amounts persist as TEXT columns.
func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}

// Scan implements sql.Scanner for TEXT columns.
func (a *Amount) Scan(src any) error {
	switch v := src.(type) {
	case string:
		parsed, err := Parse(v)
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	case []byte:
		return a.Scan(string(v))
	case nil:
		*a = Zero
		return nil
	default:
		return fmt.Errorf("cannot scan %T into money.Amount", src)
	}
}
