package oracle

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"token-economy/internal/market"
	"token-economy/internal/metrics"
	"token-economy/internal/provider"
)

const (
	defaultCacheTTL           = 60 * time.Second
	defaultMaxPriceAge        = 10 * time.Minute
	defaultRequestTimeout     = 10 * time.Second
	defaultHistoryWindow      = 24 * time.Hour
	defaultVolatilityLookback = time.Hour
)

var (
	defaultAlpha          = decimal.RequireFromString("0.3")
	defaultEmergencyPrice = decimal.RequireFromString("0.0001")
	defaultVolatilePct    = decimal.NewFromInt(50)
	hundred               = decimal.NewFromInt(100)
)

// ErrNoRealPrice is returned by CheckVolatility when every provider failed and
// no usable real price is cached.
var ErrNoRealPrice = errors.New("oracle: no real market price available")

// Recorder receives every price point appended to the history.
type Recorder interface {
	RecordPricePoint(ctx context.Context, point market.PricePoint) error
}

// Options configure an Oracle.
type Options struct {
	Primary            provider.Provider
	Secondary          provider.Provider
	Cache              CacheStore
	Recorder           Recorder
	Metrics            *metrics.Metrics
	CacheTTL           time.Duration
	MaxPriceAge        time.Duration
	RequestTimeout     time.Duration
	Alpha              decimal.Decimal
	EmergencyPriceUSD  decimal.Decimal
	HistoryWindow      time.Duration
	VolatilityLookback time.Duration
	VolatileChangePct  decimal.Decimal
	Now                func() time.Time
}

// Quote is the answer to "what is the price right now" together with the
// provenance needed to trace conversions.
type Quote struct {
	PriceUSD decimal.Decimal  `json:"price_usd"`
	Source   market.Source    `json:"source"`
	Snapshot *market.Snapshot `json:"snapshot,omitempty"`
	Stale    bool             `json:"stale"`
	Expired  bool             `json:"expired"`
	PricedAt time.Time        `json:"priced_at"`
}

// Oracle resolves the token's USD price through a fixed fallback chain:
// fresh cache, provider A, provider B, any cached value, emergency constant.
type Oracle struct {
	opts   Options
	logger zerolog.Logger

	mu          sync.RWMutex
	lastKnown   *CachedPrice
	smoothed    decimal.Decimal
	hasSmoothed bool
	history     []market.PricePoint
}

// New constructs an Oracle, filling unset options with defaults.
func New(opts Options, logger zerolog.Logger) *Oracle {
	if opts.Cache == nil {
		opts.Cache = NewMemoryCache()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	if opts.MaxPriceAge <= 0 {
		opts.MaxPriceAge = defaultMaxPriceAge
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if !opts.Alpha.IsPositive() || opts.Alpha.GreaterThan(decimal.NewFromInt(1)) {
		opts.Alpha = defaultAlpha
	}
	if !opts.EmergencyPriceUSD.IsPositive() {
		opts.EmergencyPriceUSD = defaultEmergencyPrice
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = defaultHistoryWindow
	}
	if opts.VolatilityLookback <= 0 {
		opts.VolatilityLookback = defaultVolatilityLookback
	}
	if !opts.VolatileChangePct.IsPositive() {
		opts.VolatileChangePct = defaultVolatilePct
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Oracle{
		opts:   opts,
		logger: logger.With().Str("component", "oracle").Logger(),
	}
}

// CurrentPrice always returns a price. Provider failures degrade to the cache
// and, if nothing was ever cached, to the emergency constant.
func (o *Oracle) CurrentPrice(ctx context.Context) Quote {
	return o.resolve(ctx, true)
}

// Refresh skips the fresh-cache fast path and queries the providers.
func (o *Oracle) Refresh(ctx context.Context) Quote {
	return o.resolve(ctx, false)
}

func (o *Oracle) resolve(ctx context.Context, useCache bool) Quote {
	now := o.opts.Now()
	cached, haveCache := o.loadCache(ctx)

	if useCache && haveCache && cached.Age(now) < o.opts.CacheTTL {
		q := cacheQuote(cached, false, false)
		o.opts.Metrics.ObserveQuote(string(q.Source), false)
		return q
	}

	for _, candidate := range []struct {
		p      provider.Provider
		source market.Source
	}{
		{o.opts.Primary, market.SourceProviderA},
		{o.opts.Secondary, market.SourceProviderB},
	} {
		if candidate.p == nil {
			continue
		}
		snap, err := o.fetch(ctx, candidate.p)
		if err != nil {
			o.opts.Metrics.ObserveProviderFailure(candidate.p.Name())
			o.logger.Warn().Err(err).Str("provider", candidate.p.Name()).Msg("price provider failed")
			continue
		}
		snap.Source = candidate.source
		q := o.accept(ctx, snap, now)
		o.opts.Metrics.ObserveQuote(string(q.Source), false)
		return q
	}

	if haveCache {
		age := cached.Age(now)
		expired := age >= o.opts.MaxPriceAge
		q := cacheQuote(cached, age >= o.opts.CacheTTL, expired)
		if expired {
			o.logger.Error().Dur("age", age).Str("price_usd", q.PriceUSD.String()).Msg("all providers failed; serving expired cached price")
		} else {
			o.logger.Warn().Dur("age", age).Str("price_usd", q.PriceUSD.String()).Msg("all providers failed; serving stale cached price")
		}
		o.opts.Metrics.ObserveQuote(string(q.Source), q.Stale)
		return q
	}

	point := market.PricePoint{Timestamp: now, PriceUSD: o.opts.EmergencyPriceUSD, Source: market.SourceFallback}
	o.appendHistory(ctx, point)
	o.logger.Error().Str("price_usd", point.PriceUSD.String()).Msg("no price ever fetched; serving emergency constant")
	o.opts.Metrics.ObserveQuote(string(market.SourceFallback), false)
	return Quote{PriceUSD: point.PriceUSD, Source: market.SourceFallback, PricedAt: now}
}

func (o *Oracle) fetch(ctx context.Context, p provider.Provider) (market.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, o.opts.RequestTimeout)
	defer cancel()
	return p.FetchSnapshot(ctx)
}

// accept records a real price: cache, EMA and history.
func (o *Oracle) accept(ctx context.Context, snap market.Snapshot, now time.Time) Quote {
	entry := CachedPrice{PriceUSD: snap.PriceUSD, FetchedAt: now, Snapshot: snap}

	o.mu.Lock()
	o.lastKnown = &entry
	o.smoothed = nextEMA(o.smoothed, o.hasSmoothed, snap.PriceUSD, o.opts.Alpha)
	o.hasSmoothed = true
	smoothed := o.smoothed
	o.mu.Unlock()

	if err := o.opts.Cache.Save(ctx, entry); err != nil {
		o.logger.Warn().Err(err).Msg("failed to save price to cache store")
	}
	o.appendHistory(ctx, market.PricePoint{Timestamp: now, PriceUSD: snap.PriceUSD, Source: snap.Source})
	o.opts.Metrics.ObservePrice(snap.PriceUSD, smoothed)

	s := snap
	return Quote{PriceUSD: snap.PriceUSD, Source: snap.Source, Snapshot: &s, PricedAt: now}
}

func (o *Oracle) loadCache(ctx context.Context) (CachedPrice, bool) {
	entry, ok, err := o.opts.Cache.Load(ctx)
	if err != nil {
		o.logger.Warn().Err(err).Msg("cache store unavailable; using in-process copy")
	}
	if err == nil && ok {
		return entry, true
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.lastKnown == nil {
		return CachedPrice{}, false
	}
	return *o.lastKnown, true
}

func cacheQuote(entry CachedPrice, stale, expired bool) Quote {
	snap := entry.Snapshot
	return Quote{
		PriceUSD: entry.PriceUSD,
		Source:   market.SourceCache,
		Snapshot: &snap,
		Stale:    stale,
		Expired:  expired,
		PricedAt: entry.FetchedAt,
	}
}

func (o *Oracle) appendHistory(ctx context.Context, point market.PricePoint) {
	cutoff := point.Timestamp.Add(-o.opts.HistoryWindow)

	o.mu.Lock()
	o.history = append(o.history, point)
	drop := 0
	for drop < len(o.history) && o.history[drop].Timestamp.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		o.history = append([]market.PricePoint(nil), o.history[drop:]...)
	}
	o.mu.Unlock()

	if o.opts.Recorder != nil {
		if err := o.opts.Recorder.RecordPricePoint(ctx, point); err != nil {
			o.logger.Warn().Err(err).Msg("failed to record price point")
		}
	}
}

// Seed loads persisted history so the volatility signal has a reference point
// right after start. Points outside the history window or not older than the
// in-memory history are ignored, and the EMA is replayed over real prices.
// It returns the number of points kept.
func (o *Oracle) Seed(points []market.PricePoint) int {
	seeded := make([]market.PricePoint, len(points))
	copy(seeded, points)
	sort.SliceStable(seeded, func(i, j int) bool { return seeded[i].Timestamp.Before(seeded[j].Timestamp) })

	cutoff := o.opts.Now().Add(-o.opts.HistoryWindow)
	o.mu.Lock()
	defer o.mu.Unlock()

	kept := seeded[:0]
	for _, p := range seeded {
		if p.Timestamp.Before(cutoff) {
			continue
		}
		if len(o.history) > 0 && !p.Timestamp.Before(o.history[0].Timestamp) {
			continue
		}
		kept = append(kept, p)
	}
	if len(kept) == 0 {
		return 0
	}

	if !o.hasSmoothed {
		smoothed := SmoothSeries(kept, o.opts.Alpha)
		for i := len(kept) - 1; i >= 0; i-- {
			if kept[i].Source.IsReal() {
				o.smoothed = smoothed[i]
				o.hasSmoothed = true
				break
			}
		}
	}
	o.history = append(append([]market.PricePoint(nil), kept...), o.history...)
	return len(kept)
}

// SmoothedPrice returns the EMA of real prices; ok is false before the first
// real price.
func (o *Oracle) SmoothedPrice() (decimal.Decimal, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.smoothed, o.hasSmoothed
}

// History returns a copy of the rolling price history, oldest first.
func (o *Oracle) History() []market.PricePoint {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]market.PricePoint, len(o.history))
	copy(out, o.history)
	return out
}

func nextEMA(prev decimal.Decimal, seeded bool, price, alpha decimal.Decimal) decimal.Decimal {
	if !seeded {
		return price
	}
	return alpha.Mul(price).Add(decimal.NewFromInt(1).Sub(alpha).Mul(prev))
}

// SmoothSeries replays the EMA over a stored history. Points from
// non-real sources carry the previous smoothed value forward; entries before
// the first real price are zero.
func SmoothSeries(points []market.PricePoint, alpha decimal.Decimal) []decimal.Decimal {
	out := make([]decimal.Decimal, len(points))
	var ema decimal.Decimal
	seeded := false
	for i, p := range points {
		if p.Source.IsReal() {
			ema = nextEMA(ema, seeded, p.PriceUSD, alpha)
			seeded = true
		}
		out[i] = ema
	}
	return out
}
