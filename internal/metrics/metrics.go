package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// Metrics holds the prometheus collectors for the token economy engine.
// All methods are safe on a nil receiver so components can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	PriceQuotes      *prometheus.CounterVec // labels: source
	ProviderFailures *prometheus.CounterVec // labels: provider
	PriceUSD         prometheus.Gauge
	SmoothedPriceUSD prometheus.Gauge
	StaleQuotes      prometheus.Counter

	RiskLevel  prometheus.Gauge // 0=low 1=medium 2=high 3=extreme 4=unknown_error
	RiskHalts  prometheus.Counter
	BonusSkips prometheus.Counter

	Claims        *prometheus.CounterVec // labels: mode=manual|auto
	ClaimedTokens prometheus.Counter
	ZeroClaims    prometheus.Counter

	TreasuryBalance     prometheus.Gauge
	UnrecordedDeposits  prometheus.Gauge
	LedgerQueryFailures prometheus.Counter
}

// New registers all collectors on a private registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "tokenecon"
	}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		PriceQuotes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "price_quotes_total",
			Help:      "Price quotes served, by source",
		}, []string{"source"}),
		ProviderFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_failures_total",
			Help:      "Market-data provider failures",
		}, []string{"provider"}),
		PriceUSD: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "price_usd",
			Help:      "Latest real token price in USD",
		}),
		SmoothedPriceUSD: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "smoothed_price_usd",
			Help:      "EMA-smoothed token price in USD",
		}),
		StaleQuotes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_quotes_total",
			Help:      "Quotes served from a stale cache",
		}),
		RiskLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "risk_level",
			Help:      "Current risk level (0=low 1=medium 2=high 3=extreme 4=unknown_error)",
		}),
		RiskHalts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_halts_total",
			Help:      "Assessments that halted distributions",
		}),
		BonusSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bonus_skips_total",
			Help:      "Bonus grants skipped because distributions were halted",
		}),
		Claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mining_claims_total",
			Help:      "Successful mining claims",
		}, []string{"mode"}),
		ClaimedTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mining_claimed_tokens_total",
			Help:      "Tokens credited by mining claims",
		}),
		ZeroClaims: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mining_zero_claims_total",
			Help:      "Claims that resolved to a zero no-op",
		}),
		TreasuryBalance: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "treasury_balance_tokens",
			Help:      "Treasury token balance from the last sync",
		}),
		UnrecordedDeposits: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "treasury_unrecorded_deposits",
			Help:      "On-chain deposits without a recorded deposit",
		}),
		LedgerQueryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_query_failures_total",
			Help:      "Failed ledger queries",
		}),
	}

	m.registry.MustRegister(
		m.PriceQuotes, m.ProviderFailures, m.PriceUSD, m.SmoothedPriceUSD, m.StaleQuotes,
		m.RiskLevel, m.RiskHalts, m.BonusSkips,
		m.Claims, m.ClaimedTokens, m.ZeroClaims,
		m.TreasuryBalance, m.UnrecordedDeposits, m.LedgerQueryFailures,
	)
	return m
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveQuote(source string, stale bool) {
	if m == nil {
		return
	}
	m.PriceQuotes.WithLabelValues(source).Inc()
	if stale {
		m.StaleQuotes.Inc()
	}
}

func (m *Metrics) ObserveProviderFailure(provider string) {
	if m == nil {
		return
	}
	m.ProviderFailures.WithLabelValues(provider).Inc()
}

func (m *Metrics) ObservePrice(spot, smoothed decimal.Decimal) {
	if m == nil {
		return
	}
	m.PriceUSD.Set(spot.InexactFloat64())
	m.SmoothedPriceUSD.Set(smoothed.InexactFloat64())
}

func (m *Metrics) ObserveRisk(level int, halted bool) {
	if m == nil {
		return
	}
	m.RiskLevel.Set(float64(level))
	if halted {
		m.RiskHalts.Inc()
	}
}

func (m *Metrics) ObserveBonusSkip() {
	if m == nil {
		return
	}
	m.BonusSkips.Inc()
}

func (m *Metrics) ObserveClaim(tokens decimal.Decimal, auto bool) {
	if m == nil {
		return
	}
	if !tokens.IsPositive() {
		m.ZeroClaims.Inc()
		return
	}
	mode := "manual"
	if auto {
		mode = "auto"
	}
	m.Claims.WithLabelValues(mode).Inc()
	m.ClaimedTokens.Add(tokens.InexactFloat64())
}

func (m *Metrics) ObserveTreasuryBalance(balance decimal.Decimal) {
	if m == nil {
		return
	}
	m.TreasuryBalance.Set(balance.InexactFloat64())
}

func (m *Metrics) ObserveReconciliation(unrecorded int) {
	if m == nil {
		return
	}
	m.UnrecordedDeposits.Set(float64(unrecorded))
}

func (m *Metrics) ObserveLedgerFailure() {
	if m == nil {
		return
	}
	m.LedgerQueryFailures.Inc()
}
