package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// Source identifies where a price came from.
type Source string

const (
	SourceProviderA Source = "provider_a"
	SourceProviderB Source = "provider_b"
	SourceFallback  Source = "fallback"
	SourceCache     Source = "cache"
)

// IsReal reports whether the source is a live market-data provider.
func (s Source) IsReal() bool {
	return s == SourceProviderA || s == SourceProviderB
}

// Snapshot is one provider response. It is never merged across providers.
type Snapshot struct {
	PriceUSD          decimal.Decimal `json:"price_usd"`
	PriceChange24hPct decimal.Decimal `json:"price_change_24h_pct"`
	VolumeUSD24h      decimal.Decimal `json:"volume_usd_24h"`
	MarketCapUSD      decimal.Decimal `json:"market_cap_usd"`
	LiquidityUSD      decimal.Decimal `json:"liquidity_usd"`
	FDVUSD            decimal.Decimal `json:"fully_diluted_valuation_usd"`
	Timestamp         time.Time       `json:"timestamp"`
	Source            Source          `json:"source"`
}

// PricePoint is an immutable entry of the rolling price history.
type PricePoint struct {
	Timestamp time.Time       `json:"timestamp"`
	PriceUSD  decimal.Decimal `json:"price_usd"`
	Source    Source          `json:"source"`
}
