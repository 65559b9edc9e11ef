package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"token-economy/internal/config"
	"token-economy/internal/market"
	"token-economy/internal/mining"
)

func TestStoreWithoutPool(t *testing.T) {
	var s *Store
	if _, _, err := s.GetSession(context.Background(), "alice"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}
	if err := NewStore(nil).RecordPricePoint(context.Background(), market.PricePoint{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := NewPool(ctx, config.DatabaseConfig{DSN: dsn})
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	store := NewStore(pool)
	t.Cleanup(store.Close)
	if _, err := store.Migrate(ctx, "../../migrations"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func TestSettleCompareAndSwap(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	user := "test-" + uuid.NewString()
	t0 := time.Now().UTC().Truncate(time.Millisecond)

	sess := mining.Session{
		UserID:                 user,
		StartedAt:              t0,
		LastClaimAt:            t0,
		NextClaimAt:            t0.Add(24 * time.Hour),
		SpeedMultiplier:        decimal.NewFromInt(1),
		AccumulatedAtLastClaim: decimal.Zero,
	}
	if err := store.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.CreateSession(ctx, sess); !errors.Is(err, mining.ErrSessionActive) {
		t.Fatalf("second create err = %v", err)
	}

	st := mining.Settlement{
		ClaimID:             uuid.New(),
		UserID:              user,
		ExpectedLastClaimAt: t0,
		ClaimedAt:           t0.Add(12 * time.Hour),
		NextClaimAt:         t0.Add(36 * time.Hour),
		Multiplier:          decimal.NewFromInt(1),
		Tokens:              decimal.NewFromInt(432),
	}
	balance, applied, err := store.Settle(ctx, st)
	if err != nil || !applied || !balance.Equal(decimal.NewFromInt(432)) {
		t.Fatalf("settle balance=%s applied=%v err=%v", balance, applied, err)
	}

	st.ClaimID = uuid.New()
	if _, applied, err := store.Settle(ctx, st); err != nil || applied {
		t.Fatalf("replayed settle applied=%v err=%v", applied, err)
	}

	got, ok, err := store.GetSession(ctx, user)
	if err != nil || !ok {
		t.Fatalf("get ok=%v err=%v", ok, err)
	}
	if !got.LastClaimAt.Equal(st.ClaimedAt) {
		t.Fatalf("last claim = %s, want %s", got.LastClaimAt, st.ClaimedAt)
	}

	claims, err := store.ListRecentClaims(ctx, user, 10)
	if err != nil || len(claims) != 1 {
		t.Fatalf("claims=%d err=%v", len(claims), err)
	}

	mult, err := store.Multiplier(ctx, user)
	if err != nil || !mult.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("multiplier=%s err=%v", mult, err)
	}
}

func TestPricePointsAndTreasuryBalance(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	ts := time.Now().UTC().Truncate(time.Millisecond)

	if err := store.RecordPricePoint(ctx, market.PricePoint{Timestamp: ts, PriceUSD: decimal.RequireFromString("0.0123"), Source: market.SourceProviderA}); err != nil {
		t.Fatalf("record: %v", err)
	}
	points, err := store.ListPricePointsBetween(ctx, ts, ts.Add(time.Millisecond))
	if err != nil || len(points) == 0 {
		t.Fatalf("points=%d err=%v", len(points), err)
	}
	if !points[0].PriceUSD.Equal(decimal.RequireFromString("0.0123")) {
		t.Fatalf("price = %s", points[0].PriceUSD)
	}

	if err := store.SetTreasuryBalance(ctx, decimal.RequireFromString("99.5"), ts); err != nil {
		t.Fatalf("set balance: %v", err)
	}
	balance, ok, err := store.TreasuryBalance(ctx)
	if err != nil || !ok || !balance.Equal(decimal.RequireFromString("99.5")) {
		t.Fatalf("balance=%s ok=%v err=%v", balance, ok, err)
	}
}
