// Package converter turns USD amounts into token amounts and back using the
// oracle's current price, recording which price was used.
package converter

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"token-economy/internal/market"
	"token-economy/internal/oracle"
)

// Precision is the number of decimal places kept in conversion results.
const Precision int32 = 8

// ErrInvalidAmount is returned for negative inputs.
var ErrInvalidAmount = errors.New("converter: amount must not be negative")

// PriceSource yields the current quote. *oracle.Oracle satisfies it.
type PriceSource interface {
	CurrentPrice(ctx context.Context) oracle.Quote
}

// Conversion is a traceable conversion result.
type Conversion struct {
	Input    decimal.Decimal `json:"input"`
	Output   decimal.Decimal `json:"output"`
	PriceUSD decimal.Decimal `json:"price_usd"`
	Source   market.Source   `json:"source"`
	Stale    bool            `json:"stale"`
	PricedAt time.Time       `json:"priced_at"`
}

// Converter wraps a PriceSource.
type Converter struct {
	prices PriceSource
}

// New returns a converter over prices.
func New(prices PriceSource) *Converter {
	return &Converter{prices: prices}
}

// UsdToTokens converts a USD amount into tokens at the current price.
func (c *Converter) UsdToTokens(ctx context.Context, usd decimal.Decimal) (Conversion, error) {
	if usd.IsNegative() {
		return Conversion{}, ErrInvalidAmount
	}
	q := c.prices.CurrentPrice(ctx)
	return newConversion(usd, UsdToTokensAt(usd, q.PriceUSD), q), nil
}

// TokensToUsd converts a token amount into USD at the current price.
func (c *Converter) TokensToUsd(ctx context.Context, tokens decimal.Decimal) (Conversion, error) {
	if tokens.IsNegative() {
		return Conversion{}, ErrInvalidAmount
	}
	q := c.prices.CurrentPrice(ctx)
	return newConversion(tokens, TokensToUsdAt(tokens, q.PriceUSD), q), nil
}

// UsdToTokensAt divides by price. A non-positive price yields zero.
func UsdToTokensAt(usd, price decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() {
		return decimal.Zero
	}
	return usd.DivRound(price, Precision)
}

// TokensToUsdAt multiplies by price.
func TokensToUsdAt(tokens, price decimal.Decimal) decimal.Decimal {
	return tokens.Mul(price).Round(Precision)
}

// RoundTripTolerance bounds |UsdToTokensAt(TokensToUsdAt(x, p), p) - x|.
// The USD leg is rounded to Precision places, so its error is amplified by
// 1/price on the way back; at sub-cent prices the bound exceeds one unit in
// the last place.
func RoundTripTolerance(price decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() {
		return decimal.Zero
	}
	ulp := decimal.New(1, -Precision)
	return ulp.DivRound(price, Precision).Add(ulp)
}

func newConversion(in, out decimal.Decimal, q oracle.Quote) Conversion {
	return Conversion{
		Input:    in,
		Output:   out,
		PriceUSD: q.PriceUSD,
		Source:   q.Source,
		Stale:    q.Stale,
		PricedAt: q.PricedAt,
	}
}
