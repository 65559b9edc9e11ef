package oracle

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"token-economy/internal/market"
)

// CachedPrice is the single cached slot for the token price.
type CachedPrice struct {
	PriceUSD  decimal.Decimal `json:"price_usd"`
	FetchedAt time.Time       `json:"fetched_at"`
	Snapshot  market.Snapshot `json:"snapshot"`
}

// Age returns how old the entry is at now.
func (c CachedPrice) Age(now time.Time) time.Duration {
	return now.Sub(c.FetchedAt)
}

// CacheStore persists the cached price slot. Load reports ok=false when the
// slot has never been populated.
type CacheStore interface {
	Load(ctx context.Context) (CachedPrice, bool, error)
	Save(ctx context.Context, price CachedPrice) error
}

// MemoryCache keeps the slot in process memory.
type MemoryCache struct {
	mu    sync.RWMutex
	entry *CachedPrice
}

// NewMemoryCache returns an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{}
}

func (m *MemoryCache) Load(_ context.Context) (CachedPrice, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.entry == nil {
		return CachedPrice{}, false, nil
	}
	return *m.entry, true, nil
}

func (m *MemoryCache) Save(_ context.Context, price CachedPrice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := price
	m.entry = &p
	return nil
}

var _ CacheStore = (*MemoryCache)(nil)
