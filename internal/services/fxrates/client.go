// Package fxrates reads USD cross rates from a generic FX rate provider.
package fxrates

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/fxpulse/internal/cache"
	"github.com/vadiminshakov/fxpulse/internal/clients"
	"github.com/vadiminshakov/fxpulse/internal/domain"
	"github.com/vadiminshakov/fxpulse/internal/metrics"
	"github.com/vadiminshakov/fxpulse/pkg/retrier"
	"go.uber.org/zap"
)

// Provider is the rate-limit and metrics label of this source.
const Provider = "fxrates"

const (
	cacheKey        = "fx_rates"
	defaultTTL      = 10 * time.Minute
	defaultTimeout  = 5 * time.Second
	defaultRetries  = 2
	defaultInterval = 500 * time.Millisecond
)

// Limiter is the part of the rate-limit tracker the fetcher needs.
type Limiter interface {
	IsLimited(provider string) bool
	RecordLimitHit(provider string, retryAfter time.Duration) time.Duration
	RecordSuccess(provider string)
}

// Config of the FX provider.
type Config struct {
	BaseURL       string
	APIKey        string
	Timeout       time.Duration
	CacheTTL      time.Duration
	MaxRetries    int
	RetryInterval time.Duration
}

type ratesResponse struct {
	Data map[string]decimal.Decimal `json:"data"`
}

// Client fetches and caches cross rates.
type Client struct {
	cfg     Config
	http    *http.Client
	cache   *cache.Layered[domain.RateTable]
	limiter Limiter
	retrier *retrier.Retrier
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewClient creates a client. m may be nil.
func NewClient(
	cfg Config,
	c *cache.Layered[domain.RateTable],
	limiter Limiter,
	logger *zap.Logger,
	m *metrics.Metrics,
) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("fx base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultTTL
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultRetries
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultInterval
	}

	client := &Client{
		cfg:     cfg,
		http:    clients.NewHTTPClient(cfg.Timeout),
		cache:   c,
		limiter: limiter,
		logger:  logger,
		metrics: m,
	}
	client.retrier = retrier.New(
		retrier.WithMaxRetries(cfg.MaxRetries),
		retrier.WithFixedInterval(cfg.RetryInterval),
		retrier.WithRetryable(domain.IsRetryable),
		retrier.WithOnRetry(func(attempt int, err error) {
			logger.Debug("retrying fx rates", zap.Int("attempt", attempt), zap.Error(err))
		}),
	)

	return client, nil
}

// FetchRates returns cached rates when fresh, otherwise calls the provider unless it
// is cooling down after a rate limit. Failures are returned as a Result, never as a panic
// or a partially filled table.
func (c *Client) FetchRates(ctx context.Context) domain.Result[domain.RateTable] {
	if rates, ok := c.cache.Get(cacheKey); ok {
		return domain.OK(rates, domain.SourceCache)
	}

	if c.limiter.IsLimited(Provider) {
		return domain.Failed[domain.RateTable](domain.RateLimited(Provider, 0, errors.New("cooling down")))
	}

	started := time.Now()
	rates, err := retrier.DoWithData(c.retrier, ctx, c.fetch)
	c.metrics.ObserveFetch(Provider, domain.KindOf(err), time.Since(started))

	if err != nil {
		var fe *domain.FetchError
		if errors.As(err, &fe) && fe.Kind == domain.OutcomeRateLimited {
			wait := c.limiter.RecordLimitHit(Provider, fe.RetryAfter)
			c.logger.Warn("fx rates rate limited", zap.Duration("cooldown", wait))
		} else {
			c.logger.Error("fx rates fetch failed", zap.Error(err))
		}

		return domain.Failed[domain.RateTable](err)
	}

	c.limiter.RecordSuccess(Provider)
	if err := c.cache.Set(cacheKey, rates, c.cfg.CacheTTL); err != nil {
		c.logger.Warn("failed to persist fx rates cache", zap.Error(err))
	}

	return domain.OK(rates, domain.SourceLive)
}

func (c *Client) fetch(ctx context.Context) (domain.RateTable, error) {
	resp, err := clients.DoJSON(ctx, c.http, clients.Request{
		Provider: Provider,
		URL:      c.requestURL(),
	})
	if err != nil {
		return nil, err
	}

	var payload ratesResponse
	if err := clients.Decode(Provider, resp.Body, &payload); err != nil {
		return nil, err
	}
	if len(payload.Data) == 0 {
		return nil, domain.Permanent(Provider, errors.New("response has no data"))
	}

	rates := domain.NewRateTable(payload.Data)
	if len(rates) <= 1 {
		return nil, domain.Permanent(Provider, errors.New("response has no tracked currencies"))
	}

	return rates, nil
}

func (c *Client) requestURL() string {
	codes := make([]string, 0, len(domain.TrackedCurrencies))
	for _, cur := range domain.TrackedCurrencies {
		codes = append(codes, cur.String())
	}

	q := url.Values{}
	q.Set("apikey", c.cfg.APIKey)
	q.Set("currencies", strings.Join(codes, ","))

	sep := "?"
	if strings.Contains(c.cfg.BaseURL, "?") {
		sep = "&"
	}

	return c.cfg.BaseURL + sep + q.Encode()
}
