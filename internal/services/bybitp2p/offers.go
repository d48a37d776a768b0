package bybitp2p

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/fxpulse/internal/clients"
	"github.com/vadiminshakov/fxpulse/internal/domain"
	"github.com/vadiminshakov/fxpulse/pkg/retrier"
)

// OfferSide selects which ads are listed.
type OfferSide string

const (
	// OfferSideBuy lists ads of users selling USDT, cheapest first.
	OfferSideBuy OfferSide = "1"
	// OfferSideSell lists ads of users buying USDT, highest first.
	OfferSideSell OfferSide = "0"
)

// Offer is one online P2P ad.
type Offer struct {
	ID           string
	NickName     string
	Price        decimal.Decimal
	MinAmount    decimal.Decimal
	MaxAmount    decimal.Decimal
	LastQuantity decimal.Decimal
}

type offersRequest struct {
	UserID     string    `json:"userId"`
	TokenID    string    `json:"tokenId"`
	CurrencyID string    `json:"currencyId"`
	Payment    []string  `json:"payment"`
	Side       OfferSide `json:"side"`
	Size       string    `json:"size"`
	Page       string    `json:"page"`
	Amount     string    `json:"amount"`
	CanTrade   bool      `json:"canTrade"`
	SortType   string    `json:"sortType"`
}

type offersResponse struct {
	RetCode int    `json:"ret_code"`
	RetMsg  string `json:"ret_msg"`
	Result  struct {
		Count int         `json:"count"`
		Items []offerItem `json:"items"`
	} `json:"result"`
}

type offerItem struct {
	ID           string `json:"id"`
	NickName     string `json:"nickName"`
	Price        string `json:"price"`
	MinAmount    string `json:"minAmount"`
	MaxAmount    string `json:"maxAmount"`
	LastQuantity string `json:"lastQuantity"`
	IsOnline     bool   `json:"isOnline"`
	TokenID      string `json:"tokenId"`
	CurrencyID   string `json:"currencyId"`
}

// BestOffer returns the first online USDT/NGN ad whose limits admit the configured
// amount. Results are not cached; each call goes to the network with its own retries.
func (c *Client) BestOffer(ctx context.Context, side OfferSide) (Offer, error) {
	if c.limiter.IsLimited(OffersProvider) {
		return Offer{}, domain.RateLimited(OffersProvider, 0, errors.New("cooling down"))
	}

	started := time.Now()
	offer, err := retrier.DoWithData(c.retrier, ctx, func(ctx context.Context) (Offer, error) {
		return c.bestOffer(ctx, side)
	})
	c.metrics.ObserveFetch(OffersProvider, domain.KindOf(err), time.Since(started))
	c.recordOutcome(OffersProvider, err)

	return offer, err
}

// UsdtNgnRate is the price of the best ad selling USDT for NGN.
func (c *Client) UsdtNgnRate(ctx context.Context) (decimal.Decimal, error) {
	offer, err := c.BestOffer(ctx, OfferSideBuy)
	if err != nil {
		return decimal.Zero, err
	}

	return offer.Price, nil
}

func (c *Client) bestOffer(ctx context.Context, side OfferSide) (Offer, error) {
	token, currency := "USDT", domain.NGN.String()

	resp, err := clients.DoJSON(ctx, c.http, clients.Request{
		Provider: OffersProvider,
		Method:   http.MethodPost,
		URL:      c.cfg.OffersURL,
		Body: offersRequest{
			TokenID:    token,
			CurrencyID: currency,
			Payment:    []string{},
			Side:       side,
			Size:       "10",
			Page:       "1",
			Amount:     c.cfg.OfferAmount,
			CanTrade:   true,
			SortType:   "TRADE_PRICE",
		},
	})
	if err != nil {
		return Offer{}, err
	}

	var payload offersResponse
	if err := clients.Decode(OffersProvider, resp.Body, &payload); err != nil {
		return Offer{}, err
	}
	switch payload.RetCode {
	case 0:
	case codeTooManyVisits, codeIPRateLimit:
		return Offer{}, domain.RateLimited(OffersProvider, 0, errors.Errorf("code %d: %s", payload.RetCode, payload.RetMsg))
	default:
		return Offer{}, domain.Permanent(OffersProvider, errors.Errorf("code %d: %s", payload.RetCode, payload.RetMsg))
	}

	amount := parseDecimal(c.cfg.OfferAmount)
	for _, item := range payload.Result.Items {
		if !item.IsOnline || item.TokenID != token || item.CurrencyID != currency {
			continue
		}

		offer := Offer{
			ID:           item.ID,
			NickName:     item.NickName,
			Price:        parseDecimal(item.Price),
			MinAmount:    parseDecimal(item.MinAmount),
			MaxAmount:    parseDecimal(item.MaxAmount),
			LastQuantity: parseDecimal(item.LastQuantity),
		}
		if !offer.Price.IsPositive() {
			continue
		}
		if amount.LessThan(offer.MinAmount) || amount.GreaterThan(offer.MaxAmount) {
			continue
		}

		return offer, nil
	}

	return Offer{}, domain.Permanent(OffersProvider, errors.Wrapf(ErrNoData, "no offer for side %s and amount %s", side, c.cfg.OfferAmount))
}
