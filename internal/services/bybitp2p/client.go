// Package bybitp2p reads P2P order history and live USDT/NGN offers from Bybit.
package bybitp2p

import (
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/fxpulse/internal/clients"
	"github.com/vadiminshakov/fxpulse/internal/domain"
	"github.com/vadiminshakov/fxpulse/internal/metrics"
	"github.com/vadiminshakov/fxpulse/pkg/retrier"
	"go.uber.org/zap"
)

const (
	// Provider labels the signed order API.
	Provider = "bybit"
	// OffersProvider labels the public online ads API.
	OffersProvider = "bybit_offers"

	DefaultBaseURL     = "https://api.bybit.com"
	DefaultFallbackURL = "https://api.bytick.com"
	TestnetBaseURL     = "https://api-testnet.bybit.com"
	DefaultOffersURL   = "https://api2.bybit.com/fiat/otc/item/online"

	// PageSize is the fixed number of orders requested per page.
	PageSize = 30

	defaultTimeout       = 10 * time.Second
	defaultMaxRetries    = 2
	defaultRetryInterval = 2 * time.Second
	defaultMaxPages      = 200
	defaultOfferAmount   = "100000"
)

var ErrNoData = errors.New("no data")

// Limiter is the part of the rate-limit tracker the client needs.
type Limiter interface {
	IsLimited(provider string) bool
	RecordLimitHit(provider string, retryAfter time.Duration) time.Duration
	RecordSuccess(provider string)
}

// Config of the Bybit P2P client.
type Config struct {
	BaseURL       string
	FallbackURL   string
	Testnet       bool
	Signer        Signer
	Timeout       time.Duration
	MaxRetries    int
	RetryInterval time.Duration
	MaxPages      int

	OffersURL   string
	OfferAmount string
}

// Client talks to the signed order API and the public offers API.
type Client struct {
	cfg     Config
	http    *http.Client
	clock   Clock
	limiter Limiter
	retrier *retrier.Retrier
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewClient creates a client. clock may be nil for host time, m may be nil.
func NewClient(cfg Config, clock Clock, limiter Limiter, logger *zap.Logger, m *metrics.Metrics) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
		if cfg.Testnet {
			cfg.BaseURL = TestnetBaseURL
		}
	}
	if cfg.Testnet {
		cfg.FallbackURL = ""
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}
	if cfg.OffersURL == "" {
		cfg.OffersURL = DefaultOffersURL
	}
	if cfg.OfferAmount == "" {
		cfg.OfferAmount = defaultOfferAmount
	}
	if limiter == nil {
		return nil, errors.New("rate limiter is required")
	}
	if clock == nil {
		clock = LocalClock{}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.FallbackURL = strings.TrimRight(cfg.FallbackURL, "/")

	c := &Client{
		cfg:     cfg,
		http:    clients.NewHTTPClient(cfg.Timeout),
		clock:   clock,
		limiter: limiter,
		logger:  logger,
		metrics: m,
	}
	c.retrier = retrier.New(
		retrier.WithMaxRetries(cfg.MaxRetries),
		retrier.WithFixedInterval(cfg.RetryInterval),
		retrier.WithRetryable(domain.IsRetryable),
		retrier.WithOnRetry(func(attempt int, err error) {
			logger.Warn("retrying bybit request", zap.Int("attempt", attempt), zap.Error(err))
		}),
	)

	return c, nil
}

// recordOutcome updates the tracker after a finished call.
func (c *Client) recordOutcome(provider string, err error) {
	if err == nil {
		c.limiter.RecordSuccess(provider)
		return
	}

	var fe *domain.FetchError
	if errors.As(err, &fe) && fe.Kind == domain.OutcomeRateLimited {
		wait := c.limiter.RecordLimitHit(provider, fe.RetryAfter)
		c.logger.Warn("bybit rate limited", zap.String("provider", provider), zap.Duration("cooldown", wait))
	}
}
