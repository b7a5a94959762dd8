package chain

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// EtherDecimals is the number of decimals between wei and ether.
const EtherDecimals = 18

var ErrInvalidAmount = errors.New("invalid amount")

// FormatUnits renders v scaled down by 10^decimals. The fractional part keeps
// at least one digit and drops trailing zeros, so one ether prints as "1.0".
func FormatUnits(v *big.Int, decimals int) string {
	if v == nil {
		v = new(big.Int)
	}
	if decimals <= 0 {
		return v.String()
	}

	abs := new(big.Int).Abs(v)
	base := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole, frac := new(big.Int).QuoRem(abs, base, new(big.Int))

	fracStr := frac.String()
	fracStr = strings.TrimRight(strings.Repeat("0", decimals-len(fracStr))+fracStr, "0")
	if fracStr == "" {
		fracStr = "0"
	}

	sign := ""
	if v.Sign() < 0 {
		sign = "-"
	}
	return sign + whole.String() + "." + fracStr
}

// ParseUnits is the inverse of FormatUnits. It rejects inputs with more
// fractional digits than decimals.
func ParseUnits(s string, decimals int) (*big.Int, error) {
	s = strings.TrimSpace(s)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" && frac == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	if !isDigits(whole) || !isDigits(frac) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if len(frac) > decimals {
		return nil, fmt.Errorf("%w: %q has more than %d decimals", ErrInvalidAmount, s, decimals)
	}

	digits := whole + frac + strings.Repeat("0", decimals-len(frac))
	if digits == "" {
		digits = "0"
	}
	v, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if neg {
		v.Neg(v)
	}
	return v, nil
}

// FormatEther renders wei as ether.
func FormatEther(wei *big.Int) string { return FormatUnits(wei, EtherDecimals) }

// ParseEther converts an ether amount to wei.
func ParseEther(s string) (*big.Int, error) { return ParseUnits(s, EtherDecimals) }

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
