package bybitp2p

import (
	"bytes"
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/fxpulse/internal/clients"
	"github.com/vadiminshakov/fxpulse/internal/domain"
	"go.uber.org/zap"
)

const ordersPath = "/p2p/v1/order/list"

// Application error codes returned with HTTP 200.
const (
	codeTimestampInvalid = 10002
	codeTooManyVisits    = 10006
	codeServerError      = 10016
	codeIPRateLimit      = 10018
)

type envelope struct {
	Code   int             `json:"code"`
	Msg    string          `json:"msg"`
	Result json.RawMessage `json:"result"`
}

type orderPage struct {
	Items []orderItem `json:"items"`
	Count int         `json:"count"`
}

type orderItem struct {
	ID             string      `json:"id"`
	OrderNumber    string      `json:"orderNumber"`
	Side           int         `json:"side"`
	Status         int         `json:"status"`
	TokenID        string      `json:"tokenId"`
	CurrencyID     string      `json:"currencyId"`
	Price          string      `json:"price"`
	Quantity       string      `json:"quantity"`
	Amount         string      `json:"amount"`
	TargetNickName string      `json:"targetNickName"`
	CreateDate     epochMillis `json:"createDate"`
}

// epochMillis accepts a millisecond timestamp encoded as a number or a string.
type epochMillis int64

func (e *epochMillis) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*e = 0
		return nil
	}

	v, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return errors.Wrapf(err, "parse timestamp %q", string(b))
	}
	*e = epochMillis(v)

	return nil
}

func (i orderItem) toOrder() domain.Order {
	number := i.OrderNumber
	if number == "" {
		number = i.ID
	}

	return domain.Order{
		OrderNumber:          number,
		ID:                   i.ID,
		Side:                 domain.OrderSideFromCode(i.Side),
		Status:               i.Status,
		StatusLabel:          domain.OrderStatusLabel(i.Status),
		TokenID:              i.TokenID,
		CurrencyID:           i.CurrencyID,
		Price:                parseDecimal(i.Price),
		Quantity:             parseDecimal(i.Quantity),
		Amount:               parseDecimal(i.Amount),
		CounterpartyNickname: i.TargetNickName,
		CreateDate:           time.UnixMilli(int64(i.CreateDate)).UTC(),
	}
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}

	return d
}

// FetchOrders pages through the order list newest first. Pages are requested one at a
// time. The first order created at or before cutoff ends the whole fetch and is not
// included; a zero cutoff reads until a short page. On failure the orders gathered so
// far are returned together with the error.
func (c *Client) FetchOrders(ctx context.Context, cutoff time.Time) ([]domain.Order, error) {
	if c.limiter.IsLimited(Provider) {
		return nil, domain.RateLimited(Provider, 0, errors.New("cooling down"))
	}

	var orders []domain.Order
	for page := 1; page <= c.cfg.MaxPages; page++ {
		items, err := c.fetchPage(ctx, page)
		if err != nil {
			c.recordOutcome(Provider, err)
			return orders, errors.Wrapf(err, "fetch orders page %d", page)
		}

		for _, item := range items {
			order := item.toOrder()
			if !cutoff.IsZero() && !order.CreateDate.After(cutoff) {
				c.logger.Debug("order cutoff reached",
					zap.Int("page", page),
					zap.Time("cutoff", cutoff),
					zap.Int("orders", len(orders)),
				)
				c.recordOutcome(Provider, nil)

				return orders, nil
			}
			orders = append(orders, order)
		}

		if len(items) < PageSize {
			break
		}
	}

	c.recordOutcome(Provider, nil)

	return orders, nil
}

// fetchPage tries the primary endpoint with retries, then the fallback endpoint once.
func (c *Client) fetchPage(ctx context.Context, page int) ([]orderItem, error) {
	started := time.Now()
	items, err := c.fetchPageWithRetry(ctx, c.cfg.BaseURL, page)
	if err != nil && c.cfg.FallbackURL != "" && domain.KindOf(err) != domain.OutcomeRateLimited && ctx.Err() == nil {
		c.logger.Warn("bybit primary endpoint failed, trying fallback",
			zap.String("fallback", c.cfg.FallbackURL),
			zap.Error(err),
		)
		items, err = c.fetchPageAt(ctx, c.cfg.FallbackURL, page)
	}
	c.metrics.ObserveFetch(Provider, domain.KindOf(err), time.Since(started))

	return items, err
}

func (c *Client) fetchPageWithRetry(ctx context.Context, baseURL string, page int) ([]orderItem, error) {
	var items []orderItem
	err := c.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		items, err = c.fetchPageAt(ctx, baseURL, page)
		return err
	})

	return items, err
}

func (c *Client) fetchPageAt(ctx context.Context, baseURL string, page int) ([]orderItem, error) {
	params := url.Values{}
	params.Set("page", strconv.Itoa(page))
	params.Set("size", strconv.Itoa(PageSize))
	query := SortedQuery(params)

	resp, err := clients.DoJSON(ctx, c.http, clients.Request{
		Provider: Provider,
		URL:      baseURL + ordersPath + "?" + query,
		Header:   c.cfg.Signer.Headers(c.clock.Now(), query),
	})
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := clients.Decode(Provider, resp.Body, &env); err != nil {
		return nil, err
	}
	if err := c.envelopeError(env); err != nil {
		return nil, err
	}

	var result orderPage
	if len(env.Result) > 0 && string(env.Result) != "null" {
		if err := clients.Decode(Provider, env.Result, &result); err != nil {
			return nil, err
		}
	}

	return result.Items, nil
}

func (c *Client) envelopeError(env envelope) error {
	switch env.Code {
	case 0:
		return nil
	case codeTooManyVisits, codeIPRateLimit:
		return domain.RateLimited(Provider, 0, errors.Errorf("code %d: %s", env.Code, env.Msg))
	case codeTimestampInvalid:
		if s, ok := c.clock.(interface{ Sync() error }); ok {
			if err := s.Sync(); err != nil {
				c.logger.Warn("bybit clock resync after rejected timestamp failed",
					zap.String("provider", Provider), zap.Error(err))
			}
		}
		return domain.Transient(Provider, errors.Errorf("code %d: %s", env.Code, env.Msg))
	case codeServerError:
		return domain.Transient(Provider, errors.Errorf("code %d: %s", env.Code, env.Msg))
	default:
		return domain.Permanent(Provider, errors.Errorf("code %d: %s", env.Code, env.Msg))
	}
}

// RecentRate derives a USDT/NGN rate from completed orders created after now-window:
// the volume weighted price of buys, or of sells when there were no buys.
func (c *Client) RecentRate(ctx context.Context, window time.Duration) (decimal.Decimal, error) {
	orders, err := c.FetchOrders(ctx, c.clock.Now().Add(-window))
	if err != nil {
		return decimal.Zero, err
	}

	s := Summarize(orders)
	switch {
	case s.Buy.Quantity.IsPositive():
		return s.Buy.VWAP, nil
	case s.Sell.Quantity.IsPositive():
		return s.Sell.VWAP, nil
	default:
		return decimal.Zero, errors.Wrap(ErrNoData, "no completed orders in window")
	}
}
