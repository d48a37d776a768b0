package bybitp2p

import (
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/fxpulse/internal/domain"
)

// SideSummary totals of completed orders on one side.
type SideSummary struct {
	Count    int             `json:"count"`
	Quantity decimal.Decimal `json:"quantity"`
	Amount   decimal.Decimal `json:"amount"`
	VWAP     decimal.Decimal `json:"vwap"`
}

// Summary of an order list. Only completed orders contribute to the side totals.
type Summary struct {
	Total     int         `json:"total"`
	Completed int         `json:"completed"`
	Buy       SideSummary `json:"buy"`
	Sell      SideSummary `json:"sell"`
}

// Summarize aggregates orders per side. VWAP is amount over quantity.
func Summarize(orders []domain.Order) Summary {
	s := Summary{Total: len(orders)}

	for _, o := range orders {
		if !o.Completed() {
			continue
		}
		s.Completed++

		switch o.Side {
		case domain.OrderSideBuy:
			s.Buy.add(o)
		case domain.OrderSideSell:
			s.Sell.add(o)
		}
	}

	s.Buy.finish()
	s.Sell.finish()

	return s
}

func (s *SideSummary) add(o domain.Order) {
	s.Count++
	s.Quantity = s.Quantity.Add(o.Quantity)
	s.Amount = s.Amount.Add(o.Amount)
}

func (s *SideSummary) finish() {
	if s.Quantity.IsPositive() {
		s.VWAP = s.Amount.DivRound(s.Quantity, 4)
	}
}
