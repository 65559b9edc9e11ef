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

const geckoTerminalName = "geckoterminal"

// GeckoTerminalOptions parameterise the GeckoTerminal client.
type GeckoTerminalOptions struct {
	BaseURL      string
	Network      string
	TokenAddress string
	Timeout      time.Duration
}

// GeckoTerminal fetches token metrics from the GeckoTerminal API.
type GeckoTerminal struct {
	opts    GeckoTerminalOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	now     func() time.Time
}

// NewGeckoTerminal constructs the secondary market-data client.
func NewGeckoTerminal(opts GeckoTerminalOptions, logger zerolog.Logger) *GeckoTerminal {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.geckoterminal.com/api/v2"
	}
	if opts.Network == "" {
		opts.Network = "eth"
	}
	return &GeckoTerminal{
		opts:    opts,
		logger:  logger.With().Str("component", "provider_geckoterminal").Logger(),
		client:  httpClient(opts.Timeout),
		baseURL: baseURL,
		now:     time.Now,
	}
}

// Name identifies the provider in logs and errors.
func (g *GeckoTerminal) Name() string { return geckoTerminalName }

// FetchSnapshot returns the token's aggregated market snapshot.
func (g *GeckoTerminal) FetchSnapshot(ctx context.Context) (market.Snapshot, error) {
	if g.opts.TokenAddress == "" {
		return market.Snapshot{}, &Error{Provider: geckoTerminalName, Err: errors.New("token address not configured")}
	}

	endpoint := g.baseURL + "/networks/" + url.PathEscape(g.opts.Network) + "/tokens/" + url.PathEscape(g.opts.TokenAddress)
	body, err := getJSON(ctx, g.client, geckoTerminalName, endpoint)
	if err != nil {
		return market.Snapshot{}, err
	}

	var payload geckoTerminalResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return market.Snapshot{}, newError(geckoTerminalName, 0, "decode payload: %v", err)
	}

	attrs := payload.Data.Attributes
	price, err := parsePrice(geckoTerminalName, attrs.PriceUSD)
	if err != nil {
		return market.Snapshot{}, err
	}

	snap := market.Snapshot{
		PriceUSD:          price,
		PriceChange24hPct: optionalDecimal(attrs.PriceChangePct.H24),
		VolumeUSD24h:      optionalDecimal(attrs.VolumeUSD.H24),
		MarketCapUSD:      optionalDecimal(attrs.MarketCapUSD),
		LiquidityUSD:      optionalDecimal(attrs.TotalReserveUSD),
		FDVUSD:            optionalDecimal(attrs.FDVUSD),
		Timestamp:         g.now().UTC(),
		Source:            market.SourceProviderB,
	}

	g.logger.Debug().Str("price_usd", price.String()).Msg("snapshot fetched")
	return snap, nil
}

type geckoTerminalResponse struct {
	Data struct {
		Attributes struct {
			PriceUSD        string `json:"price_usd"`
			FDVUSD          string `json:"fdv_usd"`
			MarketCapUSD    string `json:"market_cap_usd"`
			TotalReserveUSD string `json:"total_reserve_in_usd"`
			VolumeUSD       struct {
				H24 string `json:"h24"`
			} `json:"volume_usd"`
			PriceChangePct struct {
				H24 string `json:"h24"`
			} `json:"price_change_percentage"`
		} `json:"attributes"`
	} `json:"data"`
}

var _ Provider = (*GeckoTerminal)(nil)
