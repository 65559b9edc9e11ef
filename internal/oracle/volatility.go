package oracle

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"token-economy/internal/market"
)

// Volatility compares the latest history point with the newest point that is
// at least the lookback older. It only looks backward.
type Volatility struct {
	LatestPriceUSD    decimal.Decimal `json:"latest_price_usd"`
	LatestAt          time.Time       `json:"latest_at"`
	ReferencePriceUSD decimal.Decimal `json:"reference_price_usd"`
	ReferenceAt       time.Time       `json:"reference_at"`
	HasReference      bool            `json:"has_reference"`
	ChangePct         decimal.Decimal `json:"change_pct"`
	IsVolatile        bool            `json:"is_volatile"`
	Quote             Quote           `json:"quote"`
}

// Volatility computes the signal from the current history without fetching.
func (o *Oracle) Volatility() Volatility {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return computeVolatility(o.history, o.opts.VolatilityLookback, o.opts.VolatileChangePct)
}

// CheckVolatility refreshes the price through the fallback chain and then
// computes the signal. It fails when the only price available is the
// emergency constant or an expired cache entry, or when ctx is done.
func (o *Oracle) CheckVolatility(ctx context.Context) (Volatility, error) {
	q := o.CurrentPrice(ctx)
	if err := ctx.Err(); err != nil {
		return Volatility{}, err
	}
	if q.Source == market.SourceFallback || q.Expired {
		return Volatility{}, ErrNoRealPrice
	}
	v := o.Volatility()
	v.Quote = q
	return v, nil
}

func computeVolatility(history []market.PricePoint, lookback time.Duration, thresholdPct decimal.Decimal) Volatility {
	if len(history) == 0 {
		return Volatility{}
	}
	latest := history[len(history)-1]
	v := Volatility{LatestPriceUSD: latest.PriceUSD, LatestAt: latest.Timestamp}

	cutoff := latest.Timestamp.Add(-lookback)
	for i := len(history) - 2; i >= 0; i-- {
		if !history[i].Timestamp.After(cutoff) {
			v.ReferencePriceUSD = history[i].PriceUSD
			v.ReferenceAt = history[i].Timestamp
			v.HasReference = true
			break
		}
	}
	if !v.HasReference || !v.ReferencePriceUSD.IsPositive() {
		v.ChangePct = decimal.Zero
		return v
	}

	v.ChangePct = latest.PriceUSD.Sub(v.ReferencePriceUSD).DivRound(v.ReferencePriceUSD, 12).Mul(hundred)
	v.IsVolatile = v.ChangePct.Abs().GreaterThan(thresholdPct)
	return v
}
