package mining

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// Store persists sessions, balances and the claim log.
type Store interface {
	GetSession(ctx context.Context, userID string) (Session, bool, error)
	// CreateSession returns ErrSessionActive when the user already has one.
	CreateSession(ctx context.Context, s Session) error
	// Settle applies the claim only if the session's last claim time still
	// equals ExpectedLastClaimAt. applied=false means another claim won.
	Settle(ctx context.Context, st Settlement) (newBalance decimal.Decimal, applied bool, err error)
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)
}

// BoostProvider resolves a user's current speed multiplier.
type BoostProvider interface {
	Multiplier(ctx context.Context, userID string) (decimal.Decimal, error)
}

// StaticBoosts is a fixed user to multiplier table. Missing users get 1.
type StaticBoosts map[string]decimal.Decimal

func (b StaticBoosts) Multiplier(_ context.Context, userID string) (decimal.Decimal, error) {
	if m, ok := b[userID]; ok {
		return floorMultiplier(m), nil
	}
	return one, nil
}

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	balances map[string]decimal.Decimal
	claims   []Settlement
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]Session),
		balances: make(map[string]decimal.Decimal),
	}
}

func (m *MemoryStore) GetSession(_ context.Context, userID string) (Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	return s, ok, nil
}

func (m *MemoryStore) CreateSession(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.UserID]; ok {
		return ErrSessionActive
	}
	m.sessions[s.UserID] = s
	return nil
}

func (m *MemoryStore) Settle(_ context.Context, st Settlement) (decimal.Decimal, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[st.UserID]
	if !ok {
		return decimal.Zero, false, ErrNoSession
	}
	if !s.LastClaimAt.Equal(st.ExpectedLastClaimAt) {
		return m.balances[st.UserID], false, nil
	}
	s.LastClaimAt = st.ClaimedAt
	s.NextClaimAt = st.NextClaimAt
	s.SpeedMultiplier = st.Multiplier
	s.AccumulatedAtLastClaim = decimal.Zero
	m.sessions[st.UserID] = s

	balance := m.balances[st.UserID].Add(st.Tokens)
	m.balances[st.UserID] = balance
	m.claims = append(m.claims, st)
	return balance, true, nil
}

func (m *MemoryStore) Balance(_ context.Context, userID string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID], nil
}

// Claims returns a copy of the settled claim log.
func (m *MemoryStore) Claims() []Settlement {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Settlement, len(m.claims))
	copy(out, m.claims)
	return out
}

var (
	_ Store         = (*MemoryStore)(nil)
	_ BoostProvider = StaticBoosts(nil)
)
