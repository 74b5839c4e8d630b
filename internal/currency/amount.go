package currency

import (
	"fmt"
	"math/big"
)

// Amount is a non-negative fixed-point value denominated in a single
// currency's minor units (e.g. satoshis, wei, USDT base units). Arithmetic
// across two Amounts of different currencies is rejected at the API
// boundary; there is deliberately no operator overloading, only explicit
// methods that return errors on mismatch.
//
// Amount generalizes the big.Int minor-unit bookkeeping used for pool
// balances in the source executor's addBigIntStrings helper: all value
// arithmetic here is integer, never floating point.
type Amount struct {
	currency Code
	minor    *big.Int
}

// Zero returns the zero Amount for a currency.
func Zero(c Code) Amount {
	return Amount{currency: c, minor: big.NewInt(0)}
}

// NewAmount builds an Amount from a non-negative minor-unit integer.
func NewAmount(c Code, minorUnits *big.Int) (Amount, error) {
	if minorUnits == nil {
		return Amount{}, fmt.Errorf("currency: nil amount")
	}
	if minorUnits.Sign() < 0 {
		return Amount{}, fmt.Errorf("currency: negative amount %s", minorUnits.String())
	}
	return Amount{currency: c, minor: new(big.Int).Set(minorUnits)}, nil
}

// ParseAmount parses a decimal string (e.g. "0.5", "1.00000000") into an
// Amount at the currency's native precision. JSON numbers are never used on
// internal boundaries; decimal strings are the only accepted wire format.
func ParseAmount(c Code, decimal string) (Amount, error) {
	minor, err := decimalToMinor(decimal, Precision(c))
	if err != nil {
		return Amount{}, fmt.Errorf("currency: parse amount %q: %w", decimal, err)
	}
	return NewAmount(c, minor)
}

// Currency returns the Amount's currency.
func (a Amount) Currency() Code { return a.currency }

// Minor returns the minor-unit integer value. The returned big.Int is a
// defensive copy.
func (a Amount) Minor() *big.Int {
	if a.minor == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(a.minor)
}

// IsZero reports whether the amount is exactly zero.
func (a Amount) IsZero() bool {
	return a.minor == nil || a.minor.Sign() == 0
}

// String renders the amount as a decimal string at the currency's native
// precision.
func (a Amount) String() string {
	return minorToDecimal(a.Minor(), Precision(a.currency))
}

func (a Amount) requireSameCurrency(b Amount) error {
	if a.currency != b.currency {
		return fmt.Errorf("currency: cross-currency arithmetic forbidden (%s vs %s)", a.currency, b.currency)
	}
	return nil
}

// Add returns a+b. Both operands must share a currency.
func (a Amount) Add(b Amount) (Amount, error) {
	if err := a.requireSameCurrency(b); err != nil {
		return Amount{}, err
	}
	return Amount{currency: a.currency, minor: new(big.Int).Add(a.Minor(), b.Minor())}, nil
}

// Sub returns a-b. Both operands must share a currency and the result must
// be non-negative.
func (a Amount) Sub(b Amount) (Amount, error) {
	if err := a.requireSameCurrency(b); err != nil {
		return Amount{}, err
	}
	result := new(big.Int).Sub(a.Minor(), b.Minor())
	if result.Sign() < 0 {
		return Amount{}, fmt.Errorf("currency: subtraction underflow (%s - %s)", a, b)
	}
	return Amount{currency: a.currency, minor: result}, nil
}

// Cmp compares two same-currency amounts; panics on currency mismatch since
// it is used in sort/priority contexts where an error return is awkward and
// a mismatch there is a programmer error, not a runtime condition.
func (a Amount) Cmp(b Amount) int {
	if a.currency != b.currency {
		panic(fmt.Sprintf("currency: Cmp across currencies %s vs %s", a.currency, b.currency))
	}
	return a.Minor().Cmp(b.Minor())
}

// LessThan reports whether a < b.
func (a Amount) LessThan(b Amount) bool { return a.Cmp(b) < 0 }

// GreaterThanOrEqual reports whether a >= b.
func (a Amount) GreaterThanOrEqual(b Amount) bool { return a.Cmp(b) >= 0 }

// MulBasisPoints returns a * bps / 10000 using integer math (banker's-free
// truncation toward zero), used for output-split computation where any
// remainder is explicitly accrued to the final output by the caller.
func (a Amount) MulBasisPoints(bps int64) Amount {
	num := new(big.Int).Mul(a.Minor(), big.NewInt(bps))
	num.Quo(num, big.NewInt(10000))
	return Amount{currency: a.currency, minor: num}
}

// decimalToMinor converts a decimal string to minor units at the given
// precision without floating point, mirroring the big.Int string-arithmetic
// idiom used for pool balances in the source material.
func decimalToMinor(decimal string, precision int) (*big.Int, error) {
	if decimal == "" {
		return nil, fmt.Errorf("empty amount")
	}
	neg := false
	s := decimal
	if s[0] == '-' {
		neg = true
		s = s[1:]
	}

	whole := s
	frac := ""
	for i, r := range s {
		if r == '.' {
			whole = s[:i]
			frac = s[i+1:]
			break
		}
	}
	if whole == "" {
		whole = "0"
	}
	for _, r := range whole + frac {
		if r < '0' || r > '9' {
			return nil, fmt.Errorf("invalid digit in %q", decimal)
		}
	}
	if len(frac) > precision {
		return nil, fmt.Errorf("too many fractional digits (max %d)", precision)
	}
	for len(frac) < precision {
		frac += "0"
	}

	combined, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", decimal)
	}
	if neg {
		combined.Neg(combined)
	}
	return combined, nil
}

// minorToDecimal is the inverse of decimalToMinor.
func minorToDecimal(minor *big.Int, precision int) string {
	neg := minor.Sign() < 0
	abs := new(big.Int).Abs(minor)
	s := abs.String()
	for len(s) <= precision {
		s = "0" + s
	}
	cut := len(s) - precision
	whole, frac := s[:cut], s[cut:]
	out := whole
	if precision > 0 {
		out = whole + "." + frac
	}
	if neg {
		out = "-" + out
	}
	return out
}
