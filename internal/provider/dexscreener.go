package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"token-economy/internal/market"
)

const dexScreenerName = "dexscreener"

// DexScreenerOptions parameterise the DexScreener client.
type DexScreenerOptions struct {
	BaseURL      string
	TokenAddress string
	ChainID      string // empty accepts pairs on any chain
	Timeout      time.Duration
}

// DexScreener fetches token pairs from the DexScreener public API.
type DexScreener struct {
	opts    DexScreenerOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	now     func() time.Time
}

// NewDexScreener constructs the primary market-data client.
func NewDexScreener(opts DexScreenerOptions, logger zerolog.Logger) *DexScreener {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.dexscreener.com"
	}
	return &DexScreener{
		opts:    opts,
		logger:  logger.With().Str("component", "provider_dexscreener").Logger(),
		client:  httpClient(opts.Timeout),
		baseURL: baseURL,
		now:     time.Now,
	}
}

// Name identifies the provider in logs and errors.
func (d *DexScreener) Name() string { return dexScreenerName }

// FetchSnapshot returns the snapshot of the most liquid pair quoting the token.
func (d *DexScreener) FetchSnapshot(ctx context.Context) (market.Snapshot, error) {
	if d.opts.TokenAddress == "" {
		return market.Snapshot{}, &Error{Provider: dexScreenerName, Err: errors.New("token address not configured")}
	}

	endpoint := d.baseURL + "/latest/dex/tokens/" + url.PathEscape(d.opts.TokenAddress)
	body, err := getJSON(ctx, d.client, dexScreenerName, endpoint)
	if err != nil {
		return market.Snapshot{}, err
	}

	var payload dexScreenerResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return market.Snapshot{}, newError(dexScreenerName, 0, "decode payload: %v", err)
	}
	if len(payload.Pairs) == 0 {
		return market.Snapshot{}, newError(dexScreenerName, 0, "no pairs for token %s", d.opts.TokenAddress)
	}

	// priceUsd is always the base token's price, so pairs quoting our token
	// in the quote position are skipped.
	var (
		pair  dexScreenerPair
		found bool
	)
	for _, candidate := range payload.Pairs {
		if !d.ownsPair(candidate) {
			continue
		}
		if !found || liquidityOf(candidate) > liquidityOf(pair) {
			pair = candidate
			found = true
		}
	}
	if !found {
		return market.Snapshot{}, newError(dexScreenerName, 0, "no pair with %s as base token", d.opts.TokenAddress)
	}

	price, err := parsePrice(dexScreenerName, pair.PriceUSD)
	if err != nil {
		return market.Snapshot{}, err
	}

	snap := market.Snapshot{
		PriceUSD:          price,
		PriceChange24hPct: optionalFloat(pair.PriceChange.H24),
		VolumeUSD24h:      optionalFloat(pair.Volume.H24),
		MarketCapUSD:      optionalFloat(pair.MarketCap),
		LiquidityUSD:      optionalFloat(pair.Liquidity.USD),
		FDVUSD:            optionalFloat(pair.FDV),
		Timestamp:         d.now().UTC(),
		Source:            market.SourceProviderA,
	}

	d.logger.Debug().Str("pair", pair.PairAddress).Str("price_usd", price.String()).Msg("snapshot fetched")
	return snap, nil
}

func (d *DexScreener) ownsPair(p dexScreenerPair) bool {
	if !strings.EqualFold(p.BaseToken.Address, d.opts.TokenAddress) {
		return false
	}
	return d.opts.ChainID == "" || strings.EqualFold(p.ChainID, d.opts.ChainID)
}

func liquidityOf(p dexScreenerPair) float64 {
	if p.Liquidity.USD == nil {
		return 0
	}
	return *p.Liquidity.USD
}

type dexScreenerResponse struct {
	Pairs []dexScreenerPair `json:"pairs"`
}

type dexScreenerPair struct {
	ChainID     string   `json:"chainId"`
	PairAddress string   `json:"pairAddress"`
	BaseToken   struct {
		Address string `json:"address"`
	} `json:"baseToken"`
	PriceUSD    string   `json:"priceUsd"`
	MarketCap   *float64 `json:"marketCap"`
	FDV         *float64 `json:"fdv"`
	PriceChange struct {
		H24 *float64 `json:"h24"`
	} `json:"priceChange"`
	Volume struct {
		H24 *float64 `json:"h24"`
	} `json:"volume"`
	Liquidity struct {
		USD *float64 `json:"usd"`
	} `json:"liquidity"`
}

var _ Provider = (*DexScreener)(nil)
