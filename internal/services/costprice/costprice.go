// Package costprice turns the USDT/NGN base rate, USD cross rates and margins into
// per-currency NGN prices.
package costprice

import (
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/fxpulse/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// Calculate returns NGN cost prices.
//
//	USD: rate * (1 + usdMargin/100)
//	C:   (rate / fx[C]) * (1 + otherMargin/100)
//
// Currencies without a positive cross rate are left out. The function has no state.
func Calculate(usdtNgn decimal.Decimal, fx domain.RateTable, usdMargin, otherMargin decimal.Decimal) domain.RateTable {
	prices := domain.RateTable{}
	if !usdtNgn.IsPositive() {
		return prices
	}

	prices[domain.USD] = usdtNgn.Mul(markup(usdMargin))

	other := markup(otherMargin)
	for c, cross := range fx {
		if c == domain.USD || !cross.IsPositive() {
			continue
		}
		prices[c] = usdtNgn.Div(cross).Mul(other)
	}

	return prices
}

// CalculateWith is Calculate with margins taken from settings.
func CalculateWith(usdtNgn decimal.Decimal, fx domain.RateTable, m domain.MarginSettings) domain.RateTable {
	return Calculate(usdtNgn, fx, m.USDMarginPct, m.OtherMarginPct)
}

// Changed reports whether any tracked currency differs between prev and next.
// A currency present in only one table counts as a difference.
func Changed(prev, next domain.RateTable) bool {
	for _, c := range domain.TrackedCurrencies {
		p, inPrev := prev[c]
		n, inNext := next[c]
		if inPrev != inNext {
			return true
		}
		if inPrev && !p.Equal(n) {
			return true
		}
	}

	return false
}

func markup(pct decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(1).Add(pct.Div(hundred))
}
