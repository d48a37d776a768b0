package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Source names where a value in a snapshot came from.
type Source string

const (
	SourceLive      Source = "live"
	SourceCache     Source = "cache"
	SourceLastKnown Source = "last_known"
	SourcePersisted Source = "persisted"
	SourceDefault   Source = "default"
)

// MarginSettings percentage markups applied to base rates.
type MarginSettings struct {
	USDMarginPct   decimal.Decimal `json:"usd_margin_pct"`
	OtherMarginPct decimal.Decimal `json:"other_margin_pct"`
}

// DefaultMargins are applied when no settings are stored.
func DefaultMargins() MarginSettings {
	return MarginSettings{
		USDMarginPct:   decimal.RequireFromString("2.5"),
		OtherMarginPct: decimal.RequireFromString("3.0"),
	}
}

// RateSnapshot one aggregation cycle. Never mutated after creation.
type RateSnapshot struct {
	ID            uuid.UUID       `json:"id"`
	Timestamp     time.Time       `json:"ts"`
	UsdtNgnRate   decimal.Decimal `json:"usdt_ngn_rate"`
	UsdtNgnSource Source          `json:"usdt_ngn_source"`
	FxRates       RateTable       `json:"fx_rates"`
	FxSource      Source          `json:"fx_source"`
	VertoFxRates  QuoteTable      `json:"vertofx_rates"`
	VertoFxSource Source          `json:"vertofx_source"`
	CostPrices    RateTable       `json:"cost_prices"`
	Margins       MarginSettings  `json:"margins"`
}

// NewRateSnapshot creates a snapshot with a fresh id.
func NewRateSnapshot(
	ts time.Time,
	usdtNgn decimal.Decimal,
	fx RateTable,
	verto QuoteTable,
	costPrices RateTable,
	margins MarginSettings,
) RateSnapshot {
	return RateSnapshot{
		ID:           uuid.New(),
		Timestamp:    ts,
		UsdtNgnRate:  usdtNgn,
		FxRates:      fx.Clone(),
		VertoFxRates: verto.Clone(),
		CostPrices:   costPrices.Clone(),
		Margins:      margins,
	}
}

// RateSnapshotRecord bundles a snapshot with its log index.
type RateSnapshotRecord struct {
	Index    uint64
	Snapshot RateSnapshot
}

// RateLimitState persisted backoff state of one provider.
type RateLimitState struct {
	ResetAt             time.Time `json:"reset_at"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}
