package models

import (
	"github.com/shopspring/decimal"
)

// FallbackCreditRate is how many VND buy one credit when the topup is a
// custom amount outside the package list.
const FallbackCreditRate = 5000

// CreditsForAmount converts a VND amount to credits at the fallback
// rate, rounding down.
func CreditsForAmount(amount decimal.Decimal) int64 {
	return amount.Div(decimal.NewFromInt(FallbackCreditRate)).Floor().IntPart()
}

// Package is one entry of the topup price list. Credits may exceed the
// flat rate for larger packages (promotional multiplier), so they are
// stored, not derived.
type Package struct {
	ID        string
	Name      string
	Amount    decimal.Decimal
	Credits   int64
	SortOrder int
	Active    bool
}
