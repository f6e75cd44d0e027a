package currency

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

type CurrencyUtils struct{}

func NewCurrencyUtils() *CurrencyUtils {
	return &CurrencyUtils{}
}

// ToDecimal scales an amount in the token's smallest unit to display units.
func (u *CurrencyUtils) ToDecimal(raw *big.Int, decimals int32) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -decimals)
}

// ToSmallestUnit converts a display amount to the token's smallest unit, dropping
// any precision below one unit.
func (u *CurrencyUtils) ToSmallestUnit(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).Truncate(0).BigInt()
}

// ParseAmount parses a positive decimal amount as submitted by a caller.
func (u *CurrencyUtils) ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("amount is required")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return d, nil
}

// BankersRound rounds to the given number of places, ties to even.
func (u *CurrencyUtils) BankersRound(value decimal.Decimal, places int32) decimal.Decimal {
	return value.RoundBank(places)
}

// FormatAmount formats an amount for display, e.g. "10.00 USDT".
func (u *CurrencyUtils) FormatAmount(value decimal.Decimal, symbol string, places int32) string {
	return fmt.Sprintf("%s %s", value.StringFixedBank(places), symbol)
}
