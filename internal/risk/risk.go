package risk

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"token-economy/internal/metrics"
	"token-economy/internal/oracle"
)

// Level classifies the current market risk.
type Level string

const (
	LevelLow          Level = "low"
	LevelMedium       Level = "medium"
	LevelHigh         Level = "high"
	LevelExtreme      Level = "extreme"
	LevelUnknownError Level = "unknown_error"
)

// Ordinal maps the level to the gauge value exported as risk_level.
func (l Level) Ordinal() int {
	switch l {
	case LevelLow:
		return 0
	case LevelMedium:
		return 1
	case LevelHigh:
		return 2
	case LevelExtreme:
		return 3
	default:
		return 4
	}
}

// VolatilityChecker abstracts the oracle so the assessor can be tested
// without providers.
type VolatilityChecker interface {
	CheckVolatility(ctx context.Context) (oracle.Volatility, error)
}

// SmoothedPricer exposes the EMA price used for the optional USD ceiling.
type SmoothedPricer interface {
	SmoothedPrice() (decimal.Decimal, bool)
}

// Limits holds the thresholds (absolute 1h % change) and token caps.
// A zero MaxBonusUSD disables the USD ceiling.
type Limits struct {
	ExtremeChangePct decimal.Decimal
	HighChangePct    decimal.Decimal
	MediumChangePct  decimal.Decimal
	HighMaxTokens    decimal.Decimal
	MediumMaxTokens  decimal.Decimal
	DefaultMaxTokens decimal.Decimal
	MaxBonusUSD      decimal.Decimal
}

// DefaultLimits returns 20/10/5 % thresholds with 500/750 token caps.
func DefaultLimits() Limits {
	return Limits{
		ExtremeChangePct: decimal.NewFromInt(20),
		HighChangePct:    decimal.NewFromInt(10),
		MediumChangePct:  decimal.NewFromInt(5),
		HighMaxTokens:    decimal.NewFromInt(500),
		MediumMaxTokens:  decimal.NewFromInt(750),
		DefaultMaxTokens: decimal.NewFromInt(1_000_000),
	}
}

// Assessment is derived on demand and never stored.
type Assessment struct {
	ShouldHaltDistributions bool            `json:"should_halt_distributions"`
	MaxSafeTokens           decimal.Decimal `json:"max_safe_tokens"`
	RiskLevel               Level           `json:"risk_level"`
	ChangePct               decimal.Decimal `json:"change_pct"`
	Reason                  string          `json:"reason,omitempty"`
	AssessedAt              time.Time       `json:"assessed_at"`
}

// Options configure an Assessor.
type Options struct {
	Volatility VolatilityChecker
	Smoothed   SmoothedPricer
	Limits     Limits
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

// Assessor is the distribution circuit breaker.
type Assessor struct {
	opts   Options
	logger zerolog.Logger
}

// NewAssessor constructs an Assessor. Zero limits fall back to DefaultLimits.
func NewAssessor(opts Options, logger zerolog.Logger) *Assessor {
	if opts.Limits.ExtremeChangePct.IsZero() {
		ceiling := opts.Limits.MaxBonusUSD
		opts.Limits = DefaultLimits()
		opts.Limits.MaxBonusUSD = ceiling
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Assessor{
		opts:   opts,
		logger: logger.With().Str("component", "risk").Logger(),
	}
}

// Assess classifies the latest volatility signal. It never returns an error:
// when volatility cannot be computed it fails closed with unknown_error.
func (a *Assessor) Assess(ctx context.Context) Assessment {
	now := a.opts.Now()
	if a.opts.Volatility == nil {
		return a.record(halted("volatility source not configured", now))
	}

	v, err := a.opts.Volatility.CheckVolatility(ctx)
	if err != nil {
		a.logger.Error().Err(err).Msg("volatility check failed; halting distributions")
		return a.record(halted(err.Error(), now))
	}

	level, maxTokens := Classify(v.ChangePct, a.opts.Limits)
	out := Assessment{
		ShouldHaltDistributions: level == LevelExtreme,
		MaxSafeTokens:           maxTokens,
		RiskLevel:               level,
		ChangePct:               v.ChangePct,
		AssessedAt:              now,
	}
	if !v.HasReference {
		out.Reason = "no reference point within lookback"
	}

	if a.opts.Limits.MaxBonusUSD.IsPositive() && !out.ShouldHaltDistributions {
		smoothed, ok := a.smoothed()
		if !ok {
			a.logger.Error().Msg("smoothed price unavailable for usd ceiling; halting distributions")
			return a.record(halted("smoothed price unavailable", now))
		}
		ceiling := a.opts.Limits.MaxBonusUSD.DivRound(smoothed, 8)
		if ceiling.LessThan(out.MaxSafeTokens) {
			out.MaxSafeTokens = ceiling
		}
	}

	if out.ShouldHaltDistributions {
		a.logger.Warn().Str("change_pct", v.ChangePct.StringFixed(2)).Msg("extreme volatility; halting distributions")
	}
	return a.record(out)
}

// Classify maps an hourly change to a level and token cap.
func Classify(changePct decimal.Decimal, limits Limits) (Level, decimal.Decimal) {
	abs := changePct.Abs()
	switch {
	case abs.GreaterThan(limits.ExtremeChangePct):
		return LevelExtreme, decimal.Zero
	case abs.GreaterThan(limits.HighChangePct):
		return LevelHigh, limits.HighMaxTokens
	case abs.GreaterThan(limits.MediumChangePct):
		return LevelMedium, limits.MediumMaxTokens
	default:
		return LevelLow, limits.DefaultMaxTokens
	}
}

// Clamp limits requested to what the assessment allows.
func Clamp(requested decimal.Decimal, a Assessment) decimal.Decimal {
	if a.ShouldHaltDistributions || requested.IsNegative() {
		return decimal.Zero
	}
	if requested.GreaterThan(a.MaxSafeTokens) {
		return a.MaxSafeTokens
	}
	return requested
}

func (a *Assessor) smoothed() (decimal.Decimal, bool) {
	if a.opts.Smoothed == nil {
		return decimal.Zero, false
	}
	p, ok := a.opts.Smoothed.SmoothedPrice()
	if !ok || !p.IsPositive() {
		return decimal.Zero, false
	}
	return p, true
}

func (a *Assessor) record(out Assessment) Assessment {
	a.opts.Metrics.ObserveRisk(out.RiskLevel.Ordinal(), out.ShouldHaltDistributions)
	return out
}

func halted(reason string, now time.Time) Assessment {
	return Assessment{
		ShouldHaltDistributions: true,
		MaxSafeTokens:           decimal.Zero,
		RiskLevel:               LevelUnknownError,
		Reason:                  reason,
		AssessedAt:              now,
	}
}
