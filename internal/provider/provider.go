package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"token-economy/internal/market"
	"token-economy/internal/version"
)

const defaultTimeout = 10 * time.Second

// maxBodyBytes bounds provider responses.
const maxBodyBytes = 1 << 20

// Provider returns a fresh snapshot from one market-data API.
type Provider interface {
	Name() string
	FetchSnapshot(ctx context.Context) (market.Snapshot, error)
}

// Error reports a single provider failure. The oracle recovers from it by
// moving to the next source.
type Error struct {
	Provider string
	Status   int
	Err      error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("provider %s: status %d: %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(provider string, status int, format string, args ...any) *Error {
	return &Error{Provider: provider, Status: status, Err: fmt.Errorf(format, args...)}
}

func getJSON(ctx context.Context, client *http.Client, name, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &Error{Provider: name, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := client.Do(req)
	if err != nil {
		return nil, &Error{Provider: name, Err: fmt.Errorf("send request: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &Error{Provider: name, Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		snippet := strings.TrimSpace(string(body))
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return nil, newError(name, resp.StatusCode, "unexpected response: %s", snippet)
	}
	if len(body) == 0 {
		return nil, newError(name, resp.StatusCode, "empty payload")
	}
	return body, nil
}

// parsePrice rejects missing, malformed, NaN and non-positive prices.
func parsePrice(name, raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Decimal{}, newError(name, 0, "price missing from payload")
	}
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, newError(name, 0, "parse price %q: %v", raw, err)
	}
	if !price.IsPositive() {
		return decimal.Decimal{}, newError(name, 0, "non-positive price %s", price.String())
	}
	return price, nil
}

// optionalDecimal parses auxiliary fields; absent or malformed values become zero.
func optionalDecimal(raw string) decimal.Decimal {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func optionalFloat(v *float64) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromFloat(*v)
}

func httpClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Timeout: timeout}
}
