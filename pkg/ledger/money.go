package ledger

import (
	"fmt"
	"math/big"
	"strings"
)

var microsPerUSDRat = big.NewRat(MicrosPerUSD, 1)

// ParseUSD converts a decimal dollar string ("12.5", "$0.000001", "-3") into
// microdollars. Values with precision finer than one microdollar are rejected
// rather than rounded.
func ParseUSD(s string) (int64, error) {
	s = strings.TrimSpace(s)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	s = strings.TrimPrefix(s, "$")
	if !isDecimal(s) {
		return 0, fmt.Errorf("%w: %q is not a dollar amount", ErrInvalidAmount, s)
	}

	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return 0, fmt.Errorf("%w: %q is not a dollar amount", ErrInvalidAmount, s)
	}
	r.Mul(r, microsPerUSDRat)
	if !r.IsInt() {
		return 0, fmt.Errorf("%w: %q is finer than one microdollar", ErrInvalidAmount, s)
	}
	n := r.Num()
	if !n.IsInt64() {
		return 0, fmt.Errorf("%w: %q", ErrOverflow, s)
	}
	v := n.Int64()
	if neg {
		v = -v
	}
	return v, nil
}

// isDecimal reports whether s is plain base-10 digits with at most one
// decimal point and at least one digit.
func isDecimal(s string) bool {
	digits, dots := 0, 0
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c >= '0' && c <= '9':
			digits++
		case c == '.':
			dots++
		default:
			return false
		}
	}
	return digits > 0 && dots <= 1
}

// FormatUSD renders microdollars as a dollar string with at least two and at
// most six fractional digits.
func FormatUSD(micros int64) string {
	sign := ""
	u := uint64(micros)
	if micros < 0 {
		sign = "-"
		u = uint64(-(micros + 1)) + 1
	}
	whole := u / uint64(MicrosPerUSD)
	frac := fmt.Sprintf("%06d", u%uint64(MicrosPerUSD))
	frac = strings.TrimRight(frac, "0")
	for len(frac) < 2 {
		frac += "0"
	}
	return fmt.Sprintf("%s$%d.%s", sign, whole, frac)
}
