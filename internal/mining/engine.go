// Package mining runs per-user continuous token accrual with a rolling cap
// and server-side settlement.
package mining

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"token-economy/internal/metrics"
)

var (
	// ErrSessionActive is returned by Start when the user already mines.
	ErrSessionActive = errors.New("mining: session already active")
	// ErrNoSession is returned by Claim when the user never started.
	ErrNoSession = errors.New("mining: no active session")
	// ErrInvalidUser is returned for an empty user id.
	ErrInvalidUser = errors.New("mining: user id is required")
)

// Options configure an Engine.
type Options struct {
	Store    Store
	Boosts   BoostProvider
	Schedule Schedule
	Metrics  *metrics.Metrics
}

// Engine owns the mining state machine. Calls for different users run in
// parallel; calls for one user are serialised.
type Engine struct {
	store    Store
	boosts   BoostProvider
	schedule Schedule
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	locks userLocks
}

// NewEngine constructs an Engine with a memory store and 864 tokens/day when
// those options are unset.
func NewEngine(opts Options, logger zerolog.Logger) *Engine {
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Boosts == nil {
		opts.Boosts = StaticBoosts(nil)
	}
	if !opts.Schedule.DailyTokens.IsPositive() || opts.Schedule.Window <= 0 {
		opts.Schedule = DefaultSchedule()
	}
	return &Engine{
		store:    opts.Store,
		boosts:   opts.Boosts,
		schedule: opts.Schedule,
		metrics:  opts.Metrics,
		logger:   logger.With().Str("component", "mining").Logger(),
	}
}

// Start creates a session for userID at now.
func (e *Engine) Start(ctx context.Context, userID string, now time.Time) (Session, error) {
	if userID == "" {
		return Session{}, ErrInvalidUser
	}
	now = normalize(now)
	unlock := e.locks.lock(userID)
	defer unlock()

	if _, ok, err := e.store.GetSession(ctx, userID); err != nil {
		return Session{}, fmt.Errorf("load session: %w", err)
	} else if ok {
		return Session{}, ErrSessionActive
	}

	s := Session{
		UserID:                 userID,
		StartedAt:              now,
		LastClaimAt:            now,
		NextClaimAt:            now.Add(e.schedule.Window),
		SpeedMultiplier:        e.multiplier(ctx, userID, one),
		AccumulatedAtLastClaim: decimal.Zero,
	}
	if err := e.store.CreateSession(ctx, s); err != nil {
		if errors.Is(err, ErrSessionActive) {
			return Session{}, err
		}
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	e.logger.Info().Str("user_id", userID).Str("multiplier", s.SpeedMultiplier.String()).Msg("mining session started")
	return s, nil
}

// Status returns the live accrual. If the claim window has elapsed with
// something to credit, it settles exactly like Claim first.
func (e *Engine) Status(ctx context.Context, userID string, now time.Time) (Status, error) {
	if userID == "" {
		return Status{}, ErrInvalidUser
	}
	now = normalize(now)
	s, ok, err := e.store.GetSession(ctx, userID)
	if err != nil {
		return Status{}, fmt.Errorf("load session: %w", err)
	}
	if !ok {
		balance, err := e.store.Balance(ctx, userID)
		if err != nil {
			return Status{}, fmt.Errorf("load balance: %w", err)
		}
		return Status{UserID: userID, Balance: balance}, nil
	}

	acc := Accrue(s, e.multiplier(ctx, userID, s.SpeedMultiplier), now, e.schedule)
	var auto *ClaimResult
	if acc.ClaimDue && acc.Capped.IsPositive() {
		res, err := e.claim(ctx, userID, now, true)
		if err != nil {
			return Status{}, err
		}
		auto = &res
		if s, _, err = e.store.GetSession(ctx, userID); err != nil {
			return Status{}, fmt.Errorf("reload session: %w", err)
		}
		acc = Accrue(s, e.multiplier(ctx, userID, s.SpeedMultiplier), now, e.schedule)
	}

	balance, err := e.store.Balance(ctx, userID)
	if err != nil {
		return Status{}, fmt.Errorf("load balance: %w", err)
	}
	until := s.NextClaimAt.Sub(now)
	if until < 0 {
		until = 0
	}
	return Status{
		UserID:             userID,
		Active:             true,
		Session:            &s,
		Accrual:            &acc,
		TimeUntilNextClaim: until,
		Balance:            balance,
		AutoClaim:          auto,
	}, nil
}

// Claim credits the capped accrual to the user's balance and restarts the
// window. Nothing to credit, or losing a race to another claim, yields a
// zero result rather than an error.
func (e *Engine) Claim(ctx context.Context, userID string, now time.Time) (ClaimResult, error) {
	if userID == "" {
		return ClaimResult{}, ErrInvalidUser
	}
	return e.claim(ctx, userID, normalize(now), false)
}

func (e *Engine) claim(ctx context.Context, userID string, now time.Time, auto bool) (ClaimResult, error) {
	unlock := e.locks.lock(userID)
	defer unlock()

	s, ok, err := e.store.GetSession(ctx, userID)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("load session: %w", err)
	}
	if !ok {
		return ClaimResult{}, ErrNoSession
	}

	acc := Accrue(s, e.multiplier(ctx, userID, s.SpeedMultiplier), now, e.schedule)
	if !acc.Capped.IsPositive() {
		return e.noop(ctx, s, auto, "nothing accrued")
	}

	st := Settlement{
		ClaimID:             uuid.New(),
		UserID:              userID,
		ExpectedLastClaimAt: s.LastClaimAt,
		ClaimedAt:           now,
		NextClaimAt:         now.Add(e.schedule.Window),
		Multiplier:          acc.Multiplier,
		Tokens:              acc.Capped,
		Auto:                auto,
	}
	balance, applied, err := e.store.Settle(ctx, st)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("settle claim: %w", err)
	}
	if !applied {
		return e.noop(ctx, s, auto, "claim lost to concurrent settlement")
	}

	e.metrics.ObserveClaim(st.Tokens, auto)
	e.logger.Info().
		Str("user_id", userID).
		Str("tokens", st.Tokens.String()).
		Bool("auto", auto).
		Msg("mining claim settled")

	return ClaimResult{
		ClaimID:       st.ClaimID.String(),
		UserID:        userID,
		TokensClaimed: st.Tokens,
		NewBalance:    balance,
		ClaimedAt:     now,
		NextClaimAt:   st.NextClaimAt,
		Auto:          auto,
		Applied:       true,
	}, nil
}

func (e *Engine) noop(ctx context.Context, s Session, auto bool, reason string) (ClaimResult, error) {
	balance, err := e.store.Balance(ctx, s.UserID)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("load balance: %w", err)
	}
	e.metrics.ObserveClaim(decimal.Zero, auto)
	e.logger.Debug().Str("user_id", s.UserID).Str("reason", reason).Msg("zero claim")

	current, _, err := e.store.GetSession(ctx, s.UserID)
	if err != nil {
		current = s
	}
	return ClaimResult{
		UserID:        s.UserID,
		TokensClaimed: decimal.Zero,
		NewBalance:    balance,
		ClaimedAt:     current.LastClaimAt,
		NextClaimAt:   current.NextClaimAt,
		Auto:          auto,
	}, nil
}

// multiplier reads the user's current boost, keeping fallback on error.
func (e *Engine) multiplier(ctx context.Context, userID string, fallback decimal.Decimal) decimal.Decimal {
	m, err := e.boosts.Multiplier(ctx, userID)
	if err != nil {
		e.logger.Warn().Err(err).Str("user_id", userID).Msg("boost lookup failed; keeping session multiplier")
		return floorMultiplier(fallback)
	}
	return floorMultiplier(m)
}

// normalize drops sub-millisecond precision so timestamps survive a round
// trip through the store unchanged.
func normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

type userLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

func (l *userLocks) lock(userID string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*userLock)
	}
	ul, ok := l.locks[userID]
	if !ok {
		ul = &userLock{}
		l.locks[userID] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.mu.Lock()
	return func() {
		ul.mu.Unlock()
		l.mu.Lock()
		ul.refs--
		if ul.refs == 0 {
			delete(l.locks, userID)
		}
		l.mu.Unlock()
	}
}
