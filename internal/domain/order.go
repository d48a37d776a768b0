package domain

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide P2P order direction.
type OrderSide string

const (
	OrderSideBuy     OrderSide = "BUY"
	OrderSideSell    OrderSide = "SELL"
	OrderSideUnknown OrderSide = "UNKNOWN"
)

// Provider side codes. Not documented by the exchange; verify against live responses.
var orderSideCodes = map[int]OrderSide{
	0: OrderSideBuy,
	1: OrderSideSell,
}

// OrderSideFromCode maps the exchange side code.
func OrderSideFromCode(code int) OrderSide {
	if side, ok := orderSideCodes[code]; ok {
		return side
	}

	return OrderSideUnknown
}

// Provider status codes. Not documented by the exchange; verify against live responses.
var orderStatusLabels = map[int]string{
	5:   "waiting for chain",
	10:  "waiting for buyer to pay",
	20:  "waiting for seller to release",
	30:  "appealing",
	40:  "cancelled",
	50:  "completed",
	60:  "paying",
	70:  "pay failed",
	80:  "exception cancelled",
	90:  "waiting buyer select token",
	100: "objectioning",
	110: "waiting for user to raise objection",
}

// OrderStatusCompleted finished order status code.
const OrderStatusCompleted = 50

// OrderStatusLabel returns a label for the exchange status code.
func OrderStatusLabel(code int) string {
	if label, ok := orderStatusLabels[code]; ok {
		return label
	}

	return "unknown (" + strconv.Itoa(code) + ")"
}

// Order completed or in-flight P2P trade. Read-only once built.
type Order struct {
	OrderNumber          string          `json:"order_number"`
	ID                   string          `json:"id"`
	Side                 OrderSide       `json:"side"`
	Status               int             `json:"status"`
	StatusLabel          string          `json:"status_label"`
	TokenID              string          `json:"token_id"`
	CurrencyID           string          `json:"currency_id"`
	Price                decimal.Decimal `json:"price"`
	Quantity             decimal.Decimal `json:"quantity"`
	Amount               decimal.Decimal `json:"amount"`
	CounterpartyNickname string          `json:"counterparty_nickname"`
	CreateDate           time.Time       `json:"create_date"`
}

// Completed reports whether the order reached the completed state.
func (o Order) Completed() bool {
	return o.Status == OrderStatusCompleted
}
