package oracle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"token-economy/internal/market"
	"token-economy/internal/provider"
)

type fakeProvider struct {
	name  string
	mu    sync.Mutex
	price decimal.Decimal
	err   error
	calls int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) FetchSnapshot(ctx context.Context) (market.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return market.Snapshot{}, f.err
	}
	return market.Snapshot{PriceUSD: f.price}, nil
}

func (f *fakeProvider) set(price string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if price != "" {
		f.price = decimal.RequireFromString(price)
	}
	f.err = err
}

type clock struct{ now time.Time }

func newClock() *clock {
	return &clock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time { return c.now }

func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

var errDown = errors.New("provider down")

func newTestOracle(a, b provider.Provider, c *clock) *Oracle {
	return New(Options{Primary: a, Secondary: b, Now: c.Now}, zerolog.Nop())
}

func TestCurrentPriceAlwaysReturnsAPrice(t *testing.T) {
	outcomes := []struct {
		name       string
		aErr, bErr error
		want       market.Source
	}{
		{"both up", nil, nil, market.SourceProviderA},
		{"a down", errDown, nil, market.SourceProviderB},
		{"b down", nil, errDown, market.SourceProviderA},
		{"both down", errDown, errDown, market.SourceFallback},
	}
	for _, tc := range outcomes {
		t.Run(tc.name, func(t *testing.T) {
			a := &fakeProvider{name: "a"}
			b := &fakeProvider{name: "b"}
			a.set("1.5", tc.aErr)
			b.set("2.5", tc.bErr)
			o := newTestOracle(a, b, newClock())

			q := o.CurrentPrice(context.Background())
			if q.Source != tc.want {
				t.Fatalf("source = %s, want %s", q.Source, tc.want)
			}
			if !q.PriceUSD.IsPositive() {
				t.Fatalf("price must be positive, got %s", q.PriceUSD)
			}
		})
	}
}

func TestCurrentPriceServesFreshCache(t *testing.T) {
	c := newClock()
	a := &fakeProvider{name: "a"}
	a.set("1.25", nil)
	o := newTestOracle(a, &fakeProvider{name: "b", err: errDown}, c)

	first := o.CurrentPrice(context.Background())
	if first.Source != market.SourceProviderA {
		t.Fatalf("first source = %s", first.Source)
	}

	a.set("9", nil)
	c.Advance(30 * time.Second)
	second := o.CurrentPrice(context.Background())
	if second.Source != market.SourceCache {
		t.Fatalf("second source = %s, want cache", second.Source)
	}
	if !second.PriceUSD.Equal(first.PriceUSD) {
		t.Fatalf("cached price = %s, want %s", second.PriceUSD, first.PriceUSD)
	}
	if second.Stale {
		t.Fatal("fresh cache must not be flagged stale")
	}
	if a.calls != 1 {
		t.Fatalf("provider called %d times, want 1", a.calls)
	}
}

func TestCurrentPriceFallsBackToStaleThenExpiredCache(t *testing.T) {
	c := newClock()
	a := &fakeProvider{name: "a"}
	b := &fakeProvider{name: "b", err: errDown}
	a.set("3", nil)
	o := newTestOracle(a, b, c)
	o.CurrentPrice(context.Background())

	a.set("", errDown)
	c.Advance(2 * time.Minute)
	stale := o.CurrentPrice(context.Background())
	if stale.Source != market.SourceCache || !stale.Stale || stale.Expired {
		t.Fatalf("want stale cache quote, got %+v", stale)
	}
	if !stale.PriceUSD.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("stale price = %s", stale.PriceUSD)
	}

	c.Advance(time.Hour)
	expired := o.CurrentPrice(context.Background())
	if expired.Source != market.SourceCache || !expired.Expired {
		t.Fatalf("want expired cache quote, got %+v", expired)
	}
}

func TestEmergencyPriceIsAppendedToHistory(t *testing.T) {
	o := newTestOracle(&fakeProvider{name: "a", err: errDown}, &fakeProvider{name: "b", err: errDown}, newClock())

	q := o.CurrentPrice(context.Background())
	if q.Source != market.SourceFallback || !q.PriceUSD.Equal(defaultEmergencyPrice) {
		t.Fatalf("unexpected quote %+v", q)
	}
	h := o.History()
	if len(h) != 1 || h[0].Source != market.SourceFallback {
		t.Fatalf("history = %+v", h)
	}
	if _, ok := o.SmoothedPrice(); ok {
		t.Fatal("emergency price must not seed the smoothed price")
	}
}

func TestSmoothedPriceUsesEMA(t *testing.T) {
	c := newClock()
	a := &fakeProvider{name: "a"}
	o := newTestOracle(a, nil, c)

	a.set("10", nil)
	o.Refresh(context.Background())
	a.set("20", nil)
	o.Refresh(context.Background())

	got, ok := o.SmoothedPrice()
	if !ok {
		t.Fatal("smoothed price missing")
	}
	// 0.3*20 + 0.7*10
	if !got.Equal(decimal.NewFromInt(13)) {
		t.Fatalf("smoothed = %s, want 13", got)
	}
}

func TestHistoryKeepsOnlyWindow(t *testing.T) {
	c := newClock()
	a := &fakeProvider{name: "a"}
	a.set("1", nil)
	o := newTestOracle(a, nil, c)

	for i := 0; i < 30; i++ {
		o.Refresh(context.Background())
		c.Advance(time.Hour)
	}
	h := o.History()
	if len(h) != 25 {
		t.Fatalf("history length = %d, want 25", len(h))
	}
	if h[len(h)-1].Timestamp.Sub(h[0].Timestamp) > 24*time.Hour {
		t.Fatal("history spans more than the window")
	}
}

type recorderFunc func(market.PricePoint) error

func (f recorderFunc) RecordPricePoint(_ context.Context, p market.PricePoint) error { return f(p) }

func TestRecorderFailureIsNotFatal(t *testing.T) {
	a := &fakeProvider{name: "a"}
	a.set("4", nil)
	var recorded int
	o := New(Options{
		Primary:  a,
		Now:      newClock().Now,
		Recorder: recorderFunc(func(market.PricePoint) error {
			recorded++
			return errors.New("db down")
		}),
	}, zerolog.Nop())

	q := o.CurrentPrice(context.Background())
	if q.Source != market.SourceProviderA {
		t.Fatalf("source = %s", q.Source)
	}
	if recorded != 1 {
		t.Fatalf("recorder called %d times", recorded)
	}
}

func TestVolatilityComparesAgainstHourOldPoint(t *testing.T) {
	c := newClock()
	a := &fakeProvider{name: "a"}
	o := newTestOracle(a, nil, c)

	a.set("1", nil)
	o.Refresh(context.Background())
	c.Advance(30 * time.Minute)
	a.set("1.2", nil)
	o.Refresh(context.Background())
	c.Advance(40 * time.Minute)
	a.set("1.6", nil)
	o.Refresh(context.Background())

	v := o.Volatility()
	if !v.HasReference {
		t.Fatal("expected a reference point")
	}
	if !v.ReferencePriceUSD.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("reference = %s, want 1", v.ReferencePriceUSD)
	}
	if !v.ChangePct.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("change = %s, want 60", v.ChangePct)
	}
	if !v.IsVolatile {
		t.Fatal("60% move must be volatile")
	}
}

func TestVolatilityWithoutReference(t *testing.T) {
	c := newClock()
	a := &fakeProvider{name: "a"}
	a.set("1", nil)
	o := newTestOracle(a, nil, c)
	o.Refresh(context.Background())
	c.Advance(10 * time.Minute)
	a.set("5", nil)
	o.Refresh(context.Background())

	v := o.Volatility()
	if v.HasReference || v.IsVolatile || !v.ChangePct.IsZero() {
		t.Fatalf("unexpected volatility %+v", v)
	}
}

func TestCheckVolatilityFailsWithoutRealPrice(t *testing.T) {
	c := newClock()
	a := &fakeProvider{name: "a", err: errDown}
	o := newTestOracle(a, &fakeProvider{name: "b", err: errDown}, c)

	if _, err := o.CheckVolatility(context.Background()); !errors.Is(err, ErrNoRealPrice) {
		t.Fatalf("err = %v, want ErrNoRealPrice", err)
	}

	a.set("2", nil)
	if _, err := o.CheckVolatility(context.Background()); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	a.set("", errDown)
	c.Advance(11 * time.Minute)
	if _, err := o.CheckVolatility(context.Background()); !errors.Is(err, ErrNoRealPrice) {
		t.Fatalf("expired cache err = %v, want ErrNoRealPrice", err)
	}
}

func TestSmoothSeriesSkipsFallbackPoints(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	points := []market.PricePoint{
		{Timestamp: at, PriceUSD: decimal.RequireFromString("0.0001"), Source: market.SourceFallback},
		{Timestamp: at.Add(time.Minute), PriceUSD: decimal.NewFromInt(10), Source: market.SourceProviderA},
		{Timestamp: at.Add(2 * time.Minute), PriceUSD: decimal.RequireFromString("0.0001"), Source: market.SourceFallback},
		{Timestamp: at.Add(3 * time.Minute), PriceUSD: decimal.NewFromInt(20), Source: market.SourceProviderB},
	}
	got := SmoothSeries(points, decimal.RequireFromString("0.3"))

	want := []string{"0", "10", "10", "13"}
	for i, w := range want {
		if !got[i].Equal(decimal.RequireFromString(w)) {
			t.Fatalf("point %d: got %s, want %s", i, got[i], w)
		}
	}
}

func TestSeedGivesVolatilityReferenceAtStart(t *testing.T) {
	c := newClock()
	a := &fakeProvider{name: "a"}
	o := newTestOracle(a, nil, c)

	kept := o.Seed([]market.PricePoint{
		{Timestamp: c.Now().Add(-30 * time.Minute), PriceUSD: decimal.NewFromInt(1), Source: market.SourceProviderA},
		{Timestamp: c.Now().Add(-25 * time.Hour), PriceUSD: decimal.NewFromInt(9), Source: market.SourceProviderA},
		{Timestamp: c.Now().Add(-70 * time.Minute), PriceUSD: decimal.NewFromInt(1), Source: market.SourceProviderB},
	})
	if kept != 2 {
		t.Fatalf("kept = %d, want 2 (outside window dropped)", kept)
	}
	if smoothed, ok := o.SmoothedPrice(); !ok || !smoothed.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("smoothed = %s ok=%v, want replayed EMA 1", smoothed, ok)
	}

	a.set("1.25", nil)
	v, err := o.CheckVolatility(context.Background())
	if err != nil {
		t.Fatalf("check volatility: %v", err)
	}
	if !v.HasReference || !v.ChangePct.Equal(decimal.NewFromInt(25)) {
		t.Fatalf("volatility = %+v, want 25%% against seeded point", v)
	}
	if got := o.History(); len(got) != 3 || !got[0].Timestamp.Equal(c.Now().Add(-70*time.Minute)) {
		t.Fatalf("history not ordered oldest first: %+v", got)
	}
}

func TestSeedIgnoresPointsNotOlderThanLiveHistory(t *testing.T) {
	c := newClock()
	a := &fakeProvider{name: "a"}
	a.set("2", nil)
	o := newTestOracle(a, nil, c)
	o.Refresh(context.Background())

	kept := o.Seed([]market.PricePoint{
		{Timestamp: c.Now(), PriceUSD: decimal.NewFromInt(7), Source: market.SourceProviderA},
		{Timestamp: c.Now().Add(-2 * time.Hour), PriceUSD: decimal.NewFromInt(7), Source: market.SourceProviderA},
	})
	if kept != 1 {
		t.Fatalf("kept = %d, want 1", kept)
	}
	if smoothed, _ := o.SmoothedPrice(); !smoothed.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("live EMA must not be replaced, got %s", smoothed)
	}
}
