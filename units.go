package txtracker

import (
	"fmt"
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

// ParseUnits converts a decimal string to its smallest denomination, rounding half away from zero.
func ParseUnits(s string, decimals uint8) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("invalid amount %q: negative", s)
	}
	return d.Shift(int32(decimals)).Round(0).BigInt(), nil
}

// FormatUnits renders v in whole units without trailing zeros.
func FormatUnits(v *big.Int, decimals uint8) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -int32(decimals)).String()
}

// FormatBalance renders v in whole units rounded to at most maxDecimals places.
func FormatBalance(v *big.Int, decimals uint8, maxDecimals int32) string {
	if v == nil || v.Sign() == 0 {
		return "0"
	}
	return decimal.NewFromBigInt(v, -int32(decimals)).Round(maxDecimals).String()
}

// GweiToWei parses a decimal gwei string.
func GweiToWei(gwei string) (*big.Int, error) {
	return ParseUnits(gwei, 9)
}

// ComputeMaxNativeInput is the largest native amount that still leaves gasReserve, floored at zero.
func ComputeMaxNativeInput(balance, gasReserve *big.Int) *big.Int {
	if balance == nil {
		return new(big.Int)
	}
	out := new(big.Int).Set(balance)
	if gasReserve != nil {
		out.Sub(out, gasReserve)
	}
	if out.Sign() < 0 {
		return new(big.Int)
	}
	return out
}

// FormatSeconds renders a duration as "0.42s", "17s" or "2m 5s".
func FormatSeconds(seconds float64) string {
	if seconds < 1 {
		return fmt.Sprintf("%.2fs", seconds)
	}
	mins := int64(math.Floor(seconds / 60))
	secs := int64(math.Floor(math.Mod(seconds, 60)))
	if mins == 0 {
		return fmt.Sprintf("%ds", secs)
	}
	return fmt.Sprintf("%dm %ds", mins, secs)
}

// TruncateHash shortens a hex hash to 0x1234...abcd.
func TruncateHash(hash string) string {
	if len(hash) <= 10 {
		return hash
	}
	return hash[:6] + "..." + hash[len(hash)-4:]
}

// TruncateAddress keeps length hex characters on each side of the address.
func TruncateAddress(address string, length int) string {
	if len(address) <= 2+2*length {
		return address
	}
	return address[:2+length] + "..." + address[len(address)-length:]
}
