package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"token-economy/internal/market"
	"token-economy/internal/oracle"
)

type mockVolatility struct {
	change string
	err    error
	calls  int
}

func (m *mockVolatility) CheckVolatility(_ context.Context) (oracle.Volatility, error) {
	m.calls++
	if m.err != nil {
		return oracle.Volatility{}, m.err
	}
	return oracle.Volatility{ChangePct: decimal.RequireFromString(m.change), HasReference: true}, nil
}

type mockSmoothed struct {
	price decimal.Decimal
	ok    bool
}

func (m mockSmoothed) SmoothedPrice() (decimal.Decimal, bool) { return m.price, m.ok }

func newAssessor(v VolatilityChecker, limits Limits) *Assessor {
	return NewAssessor(Options{Volatility: v, Limits: limits}, zerolog.Nop())
}

func TestAssessThresholds(t *testing.T) {
	cases := []struct {
		change  string
		level   Level
		halt    bool
		maxSafe int64
	}{
		{"0", LevelLow, false, 1_000_000},
		{"5", LevelLow, false, 1_000_000},
		{"5.01", LevelMedium, false, 750},
		{"-7", LevelMedium, false, 750},
		{"10.5", LevelHigh, false, 500},
		{"20", LevelHigh, false, 500},
		{"20.01", LevelExtreme, true, 0},
		{"-45", LevelExtreme, true, 0},
	}
	for _, tc := range cases {
		t.Run(tc.change, func(t *testing.T) {
			a := newAssessor(&mockVolatility{change: tc.change}, DefaultLimits())
			got := a.Assess(context.Background())
			if got.RiskLevel != tc.level {
				t.Fatalf("level = %s, want %s", got.RiskLevel, tc.level)
			}
			if got.ShouldHaltDistributions != tc.halt {
				t.Fatalf("halt = %v, want %v", got.ShouldHaltDistributions, tc.halt)
			}
			if !got.MaxSafeTokens.Equal(decimal.NewFromInt(tc.maxSafe)) {
				t.Fatalf("max safe = %s, want %d", got.MaxSafeTokens, tc.maxSafe)
			}
		})
	}
}

func TestAssessFailsClosedWhenOracleUnreachable(t *testing.T) {
	a := newAssessor(&mockVolatility{err: oracle.ErrNoRealPrice}, DefaultLimits())
	got := a.Assess(context.Background())
	if got.RiskLevel != LevelUnknownError {
		t.Fatalf("level = %s, want unknown_error", got.RiskLevel)
	}
	if !got.ShouldHaltDistributions || !got.MaxSafeTokens.IsZero() {
		t.Fatalf("must halt with zero cap, got %+v", got)
	}
}

func TestAssessWithoutSourceHalts(t *testing.T) {
	a := NewAssessor(Options{}, zerolog.Nop())
	if got := a.Assess(context.Background()); !got.ShouldHaltDistributions {
		t.Fatal("assessor without a volatility source must halt")
	}
}

func TestUSDCeilingUsesSmoothedPrice(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxBonusUSD = decimal.NewFromInt(10)
	a := NewAssessor(Options{
		Volatility: &mockVolatility{change: "1"},
		Smoothed:   mockSmoothed{price: decimal.RequireFromString("0.05"), ok: true},
		Limits:     limits,
	}, zerolog.Nop())

	got := a.Assess(context.Background())
	if !got.MaxSafeTokens.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("max safe = %s, want 200", got.MaxSafeTokens)
	}
}

func TestUSDCeilingWithoutSmoothedPriceHalts(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxBonusUSD = decimal.NewFromInt(10)
	a := NewAssessor(Options{
		Volatility: &mockVolatility{change: "1"},
		Smoothed:   mockSmoothed{},
		Limits:     limits,
	}, zerolog.Nop())

	if got := a.Assess(context.Background()); got.RiskLevel != LevelUnknownError {
		t.Fatalf("level = %s, want unknown_error", got.RiskLevel)
	}
}

func TestClamp(t *testing.T) {
	a := Assessment{MaxSafeTokens: decimal.NewFromInt(500), RiskLevel: LevelHigh}
	if got := Clamp(decimal.NewFromInt(800), a); !got.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("clamp = %s", got)
	}
	if got := Clamp(decimal.NewFromInt(100), a); !got.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("clamp = %s", got)
	}
	a.ShouldHaltDistributions = true
	if got := Clamp(decimal.NewFromInt(100), a); !got.IsZero() {
		t.Fatalf("halted clamp = %s", got)
	}
}

func TestGrantBonusSkipsWhenHalted(t *testing.T) {
	a := newAssessor(&mockVolatility{err: errors.New("telemetry outage")}, DefaultLimits())
	g := a.GrantBonus(context.Background(), decimal.NewFromInt(100))
	if !g.Skipped || !g.Tokens.IsZero() {
		t.Fatalf("grant should be skipped, got %+v", g)
	}
	t.Logf("Correctly skipped: %s", g.Reason)
}

func TestGrantBonusClamps(t *testing.T) {
	a := newAssessor(&mockVolatility{change: "12"}, DefaultLimits())
	g := a.GrantBonus(context.Background(), decimal.NewFromInt(1000))
	if g.Skipped || !g.Clamped || !g.Tokens.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("unexpected grant %+v", g)
	}
}

type fixedProvider struct{ price decimal.Decimal }

func (fixedProvider) Name() string { return "fixed" }

func (f fixedProvider) FetchSnapshot(context.Context) (market.Snapshot, error) {
	return market.Snapshot{PriceUSD: f.price}, nil
}

func TestAssessHaltsOnMoveAgainstSeededHistory(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	o := oracle.New(oracle.Options{
		Primary: fixedProvider{price: decimal.NewFromInt(5)},
		Now:     func() time.Time { return now },
	}, zerolog.Nop())
	o.Seed([]market.PricePoint{
		{Timestamp: now.Add(-65 * time.Minute), PriceUSD: decimal.NewFromInt(1), Source: market.SourceProviderA},
		{Timestamp: now.Add(-10 * time.Minute), PriceUSD: decimal.NewFromInt(1), Source: market.SourceProviderA},
	})

	got := newAssessor(o, DefaultLimits()).Assess(context.Background())
	if got.RiskLevel != LevelExtreme || !got.ShouldHaltDistributions {
		t.Fatalf("assessment = %+v, want extreme halt", got)
	}
	if !got.ChangePct.Equal(decimal.NewFromInt(400)) {
		t.Fatalf("change = %s, want 400", got.ChangePct)
	}
}
