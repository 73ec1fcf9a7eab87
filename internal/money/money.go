// Package money provides the fixed-precision currency value used by the
// ledger, the tills and the online shop. All amounts carry exactly two
// fractional digits and round half-even.
package money

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

// Money is an immutable amount of euros with two fractional digits.
// The zero value is 0.00.
type Money struct {
	d decimal.Decimal
}

// ErrParse indicates an unparseable amount.
var ErrParse = errors.New("money: invalid amount")

// Zero is the 0.00 amount.
var Zero = Money{}

// New builds a Money from an integer number of cents.
func New(cents int64) Money {
	return Money{d: decimal.New(cents, -2)}
}

// Parse reads an amount written with either a dot or a comma separator.
// The result is rounded half-even to two digits.
func Parse(s string) (Money, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", "."))
	if s == "" {
		return Money{}, ErrParse
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrParse, s)
	}
	return Money{d: d.RoundBank(2)}, nil
}

// MustParse is Parse for trusted literals, mainly in tests and seeds.
func MustParse(s string) Money {
	m, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return m
}

// FromDecimal normalizes an arbitrary decimal into a Money.
func FromDecimal(d decimal.Decimal) Money {
	return Money{d: d.RoundBank(2)}
}

// Add returns m + o.
func (m Money) Add(o Money) Money { return Money{d: m.d.Add(o.d)} }

// Sub returns m - o. The result may be negative; storage seams reject it.
func (m Money) Sub(o Money) Money { return Money{d: m.d.Sub(o.d)} }

// MulInt returns m × n. n must not be negative.
func (m Money) MulInt(n int) Money {
	if n < 0 {
		panic("money: negative multiplier")
	}
	return Money{d: m.d.Mul(decimal.NewFromInt(int64(n)))}
}

// Neg returns -m.
func (m Money) Neg() Money { return Money{d: m.d.Neg()} }

// Cmp returns -1, 0 or 1 comparing m with o.
func (m Money) Cmp(o Money) int { return m.d.Cmp(o.d) }

// LessThan reports m < o.
func (m Money) LessThan(o Money) bool { return m.d.Cmp(o.d) < 0 }

// IsNegative reports m < 0.00.
func (m Money) IsNegative() bool { return m.d.IsNegative() }

// IsZero reports m == 0.00.
func (m Money) IsZero() bool { return m.d.IsZero() }

// IsPositive reports m > 0.00.
func (m Money) IsPositive() bool { return m.d.IsPositive() }

// Cents returns the amount as an integer number of cents.
func (m Money) Cents() int64 {
	return m.d.RoundBank(2).Shift(2).IntPart()
}

// String renders the canonical locale-independent form "d.dd" used for
// persistence and signing.
func (m Money) String() string {
	return m.d.StringFixedBank(2)
}

// Display renders the amount for humans in the given locale, e.g. "1,50 €"
// for French. Unknown tags fall back to the root locale.
func (m Money) Display(tag language.Tag) string {
	p := message.NewPrinter(tag)
	amount := number.Decimal(m.d.RoundBank(2).InexactFloat64(),
		number.MinFractionDigits(2), number.MaxFractionDigits(2))
	return p.Sprintf("%v €", amount)
}

// MarshalJSON renders the canonical form as a JSON string.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.String() + `"`), nil
}

// UnmarshalJSON accepts both quoted and bare decimal forms.
func (m *Money) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Value implements driver.Valuer so amounts land in NUMERIC(10,2) columns.
func (m Money) Value() (driver.Value, error) {
	return m.String(), nil
}

// Scan implements sql.Scanner for NUMERIC columns read back through pgx.
func (m *Money) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*m = Zero
		return nil
	case string:
		parsed, err := Parse(v)
		if err != nil {
			return err
		}
		*m = parsed
		return nil
	case []byte:
		parsed, err := Parse(string(v))
		if err != nil {
			return err
		}
		*m = parsed
		return nil
	case float64:
		*m = FromDecimal(decimal.NewFromFloat(v))
		return nil
	case int64:
		*m = FromDecimal(decimal.NewFromInt(v))
		return nil
	default:
		return fmt.Errorf("money: cannot scan %T", src)
	}
}
