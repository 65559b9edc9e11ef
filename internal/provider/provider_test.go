package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"token-economy/internal/market"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func serve(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDexScreenerPicksMostLiquidPair(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_, _ = w.Write([]byte(`{"pairs":[
			{"chainId":"ethereum","pairAddress":"thin","baseToken":{"address":"0xtoken"},"priceUsd":"0.50","liquidity":{"usd":10}},
			{"chainId":"ethereum","pairAddress":"weth","baseToken":{"address":"0xWETH"},"quoteToken":{"address":"0xToken"},"priceUsd":"3200.5","liquidity":{"usd":900000}},
			{"chainId":"bsc","pairAddress":"other-chain","baseToken":{"address":"0xToken"},"priceUsd":"0.02","liquidity":{"usd":400000}},
			{"chainId":"ethereum","pairAddress":"deep","baseToken":{"address":"0xTOKEN"},"priceUsd":"0.0123","priceChange":{"h24":-4.5},"volume":{"h24":1200},"marketCap":50000,"fdv":90000,"liquidity":{"usd":25000}}
		]}`))
	}))
	defer srv.Close()

	d := NewDexScreener(DexScreenerOptions{BaseURL: srv.URL, TokenAddress: "0xToken", ChainID: "ethereum", Timeout: time.Second}, noopLogger())
	snap, err := d.FetchSnapshot(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if path != "/latest/dex/tokens/0xToken" {
		t.Fatalf("unexpected path %s", path)
	}
	if !snap.PriceUSD.Equal(decimal.RequireFromString("0.0123")) {
		t.Fatalf("expected most liquid pair price, got %s", snap.PriceUSD)
	}
	if !snap.LiquidityUSD.Equal(decimal.NewFromInt(25000)) {
		t.Fatalf("liquidity = %s", snap.LiquidityUSD)
	}
	if snap.Source != market.SourceProviderA {
		t.Fatalf("source = %s", snap.Source)
	}
}

func TestDexScreenerRejectsBadPayloads(t *testing.T) {
	cases := map[string]struct {
		status int
		body   string
	}{
		"http error":    {http.StatusTooManyRequests, `{"error":"rate limited"}`},
		"no pairs":      {http.StatusOK, `{"pairs":[]}`},
		"null pairs":    {http.StatusOK, `{"pairs":null}`},
		"missing price": {http.StatusOK, `{"pairs":[{"pairAddress":"x","baseToken":{"address":"0xToken"}}]}`},
		"nan price":     {http.StatusOK, `{"pairs":[{"baseToken":{"address":"0xToken"},"priceUsd":"NaN"}]}`},
		"zero price":    {http.StatusOK, `{"pairs":[{"baseToken":{"address":"0xToken"},"priceUsd":"0"}]}`},
		"quote only":    {http.StatusOK, `{"pairs":[{"baseToken":{"address":"0xWETH"},"quoteToken":{"address":"0xToken"},"priceUsd":"3200.5"}]}`},
		"not json":      {http.StatusOK, `<html>`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			srv := serve(t, tc.status, tc.body)
			d := NewDexScreener(DexScreenerOptions{BaseURL: srv.URL, TokenAddress: "0xToken"}, noopLogger())
			_, err := d.FetchSnapshot(context.Background())
			var perr *Error
			if !errors.As(err, &perr) {
				t.Fatalf("expected provider error, got %v", err)
			}
			if perr.Provider != "dexscreener" {
				t.Fatalf("provider = %s", perr.Provider)
			}
		})
	}
}

func TestDexScreenerMissingToken(t *testing.T) {
	d := NewDexScreener(DexScreenerOptions{}, noopLogger())
	if _, err := d.FetchSnapshot(context.Background()); err == nil {
		t.Fatal("missing token address should fail")
	}
}

func TestGeckoTerminalSuccess(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		if !strings.HasPrefix(r.Header.Get("User-Agent"), "tokenecon/") {
			t.Errorf("user agent not set: %q", r.Header.Get("User-Agent"))
		}
		_, _ = w.Write([]byte(`{"data":{"attributes":{
			"price_usd":"0.0125","fdv_usd":"91000","market_cap_usd":null,
			"total_reserve_in_usd":"24000.5","volume_usd":{"h24":"1500.25"}
		}}}`))
	}))
	defer srv.Close()

	g := NewGeckoTerminal(GeckoTerminalOptions{BaseURL: srv.URL, Network: "base", TokenAddress: "0xToken"}, noopLogger())
	snap, err := g.FetchSnapshot(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if path != "/networks/base/tokens/0xToken" {
		t.Fatalf("unexpected path %s", path)
	}
	if !snap.PriceUSD.Equal(decimal.RequireFromString("0.0125")) {
		t.Fatalf("price = %s", snap.PriceUSD)
	}
	if !snap.MarketCapUSD.IsZero() {
		t.Fatalf("null market cap should be zero, got %s", snap.MarketCapUSD)
	}
	if snap.Source != market.SourceProviderB {
		t.Fatalf("source = %s", snap.Source)
	}
}

func TestGeckoTerminalMalformedPrice(t *testing.T) {
	srv := serve(t, http.StatusOK, `{"data":{"attributes":{"price_usd":"abc"}}}`)
	g := NewGeckoTerminal(GeckoTerminalOptions{BaseURL: srv.URL, TokenAddress: "0xToken"}, noopLogger())
	if _, err := g.FetchSnapshot(context.Background()); err == nil {
		t.Fatal("malformed price should fail")
	}
}

func TestProviderTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{"pairs":[{"priceUsd":"1"}]}`))
	}))
	defer srv.Close()

	d := NewDexScreener(DexScreenerOptions{BaseURL: srv.URL, TokenAddress: "0xToken", Timeout: 20 * time.Millisecond}, noopLogger())
	if _, err := d.FetchSnapshot(context.Background()); err == nil {
		t.Fatal("slow provider should time out")
	}
}
