package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.ObserveQuote("cache", true)
	m.ObserveClaim(decimal.NewFromInt(1), false)
	m.ObserveRisk(4, true)
	if m.Registry() != nil {
		t.Fatal("nil metrics should have no registry")
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New("test")
	m.ObserveQuote("provider_a", false)
	m.ObserveClaim(decimal.NewFromInt(432), true)
	m.ObserveClaim(decimal.Zero, false)

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rr.Body.String()

	for _, want := range []string{
		`test_price_quotes_total{source="provider_a"} 1`,
		`test_mining_claims_total{mode="auto"} 1`,
		`test_mining_zero_claims_total 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q:\n%s", want, body)
		}
	}
}
