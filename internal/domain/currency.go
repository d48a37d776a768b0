// Package domain defines core data structures shared by the rate pipeline.
package domain

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency ISO currency code.
type Currency string

const (
	USD Currency = "USD"
	EUR Currency = "EUR"
	GBP Currency = "GBP"
	CAD Currency = "CAD"
	NGN Currency = "NGN"
)

// TrackedCurrencies are the currencies priced against NGN. Order is stable and used
// for sequential provider calls.
var TrackedCurrencies = []Currency{USD, EUR, GBP, CAD}

// ParseCurrency normalizes code and reports whether it is tracked.
func ParseCurrency(code string) (Currency, bool) {
	c := Currency(strings.ToUpper(strings.TrimSpace(code)))
	for _, tracked := range TrackedCurrencies {
		if tracked == c {
			return c, true
		}
	}

	return "", false
}

// String returns the code.
func (c Currency) String() string {
	return string(c)
}

// RateTable maps a currency to a rate. For cross rates the value is 1 USD expressed in
// the currency, USD pinned to 1.
type RateTable map[Currency]decimal.Decimal

// Clone returns a copy of the table.
func (t RateTable) Clone() RateTable {
	if t == nil {
		return nil
	}

	out := make(RateTable, len(t))
	for k, v := range t {
		out[k] = v
	}

	return out
}

// Currencies returns table keys sorted alphabetically.
func (t RateTable) Currencies() []Currency {
	out := make([]Currency, 0, len(t))
	for k := range t {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out
}

// NewRateTable builds a table from provider values, dropping untracked codes and
// non-positive values. USD is pinned to 1.
func NewRateTable(raw map[string]decimal.Decimal) RateTable {
	table := RateTable{USD: decimal.NewFromInt(1)}
	for code, value := range raw {
		c, ok := ParseCurrency(code)
		if !ok || c == USD || !value.IsPositive() {
			continue
		}
		table[c] = value
	}

	return table
}

// RateQuote buy/sell rate of a currency in NGN. Zero on both sides means unknown.
type RateQuote struct {
	Buy  decimal.Decimal `json:"buy"`
	Sell decimal.Decimal `json:"sell"`
}

// IsUnknown reports whether neither side is set.
func (q RateQuote) IsUnknown() bool {
	return q.Buy.IsZero() && q.Sell.IsZero()
}

// QuoteTable maps a currency to its NGN quote.
type QuoteTable map[Currency]RateQuote

// Clone returns a copy of the table.
func (t QuoteTable) Clone() QuoteTable {
	if t == nil {
		return nil
	}

	out := make(QuoteTable, len(t))
	for k, v := range t {
		out[k] = v
	}

	return out
}

// DefaultUsdtNgnRate is used when no live or persisted USDT/NGN rate is available.
var DefaultUsdtNgnRate = decimal.NewFromInt(1580)

// DefaultFxRates fallback cross rates.
func DefaultFxRates() RateTable {
	return RateTable{
		USD: decimal.NewFromInt(1),
		EUR: decimal.RequireFromString("0.92"),
		GBP: decimal.RequireFromString("0.79"),
		CAD: decimal.RequireFromString("1.36"),
	}
}

// DefaultVertoFxRates fallback NGN quotes.
func DefaultVertoFxRates() QuoteTable {
	return QuoteTable{
		USD: {Buy: decimal.NewFromInt(1550), Sell: decimal.NewFromInt(1600)},
		EUR: {Buy: decimal.NewFromInt(1680), Sell: decimal.NewFromInt(1740)},
		GBP: {Buy: decimal.NewFromInt(1960), Sell: decimal.NewFromInt(2030)},
		CAD: {Buy: decimal.NewFromInt(1130), Sell: decimal.NewFromInt(1180)},
	}
}
