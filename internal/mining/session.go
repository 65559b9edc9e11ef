package mining

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Session is the per-user accrual record. It changes only on claim.
type Session struct {
	UserID                 string          `json:"user_id"`
	StartedAt              time.Time       `json:"started_at"`
	LastClaimAt            time.Time       `json:"last_claim_at"`
	NextClaimAt            time.Time       `json:"next_claim_at"`
	SpeedMultiplier        decimal.Decimal `json:"speed_multiplier"`
	AccumulatedAtLastClaim decimal.Decimal `json:"accumulated_at_last_claim"`
}

// Schedule sets how many tokens a multiplier-1 session earns per window.
type Schedule struct {
	DailyTokens decimal.Decimal
	Window      time.Duration
}

// DefaultSchedule is 864 tokens per 24h, i.e. 0.01 tokens per second.
func DefaultSchedule() Schedule {
	return Schedule{DailyTokens: decimal.NewFromInt(864), Window: 24 * time.Hour}
}

// RatePerSecond returns DailyTokens spread evenly over Window.
func (s Schedule) RatePerSecond() decimal.Decimal {
	return s.DailyTokens.Div(decimal.NewFromFloat(s.Window.Seconds()))
}

// Accrual is the live, read-only view of a session at an instant.
type Accrual struct {
	At         time.Time       `json:"at"`
	Elapsed    time.Duration   `json:"elapsed"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Accrued    decimal.Decimal `json:"accrued"`
	Cap        decimal.Decimal `json:"cap"`
	Capped     decimal.Decimal `json:"capped"`
	ClaimDue   bool            `json:"claim_due"`
}

// Accrue computes the unclaimed amount of s at now with the given multiplier.
// The whole unclaimed window is rated at multiplier, so a boost change
// re-rates time already elapsed.
func Accrue(s Session, multiplier decimal.Decimal, now time.Time, sched Schedule) Accrual {
	multiplier = floorMultiplier(multiplier)
	elapsed := now.Sub(s.LastClaimAt)
	if elapsed < 0 {
		elapsed = 0
	}

	seconds := decimal.NewFromInt(elapsed.Milliseconds()).Div(decimal.NewFromInt(1000))
	accrued := seconds.Mul(sched.RatePerSecond()).Mul(multiplier)
	limit := sched.DailyTokens.Mul(multiplier)

	capped := accrued
	if capped.GreaterThan(limit) {
		capped = limit
	}

	return Accrual{
		At:         now,
		Elapsed:    elapsed,
		Multiplier: multiplier,
		Accrued:    accrued,
		Cap:        limit,
		Capped:     capped,
		ClaimDue:   !now.Before(s.NextClaimAt),
	}
}

// Settlement is an atomic claim applied by a Store. It succeeds only when the
// stored session still has ExpectedLastClaimAt.
type Settlement struct {
	ClaimID             uuid.UUID
	UserID              string
	ExpectedLastClaimAt time.Time
	ClaimedAt           time.Time
	NextClaimAt         time.Time
	Multiplier          decimal.Decimal
	Tokens              decimal.Decimal
	Auto                bool
}

// ClaimResult reports a settled (or no-op) claim.
type ClaimResult struct {
	ClaimID       string          `json:"claim_id,omitempty"`
	UserID        string          `json:"user_id"`
	TokensClaimed decimal.Decimal `json:"tokens_claimed"`
	NewBalance    decimal.Decimal `json:"new_balance"`
	ClaimedAt     time.Time       `json:"claimed_at"`
	NextClaimAt   time.Time       `json:"next_claim_at"`
	Auto          bool            `json:"auto"`
	Applied       bool            `json:"applied"`
}

// Status is a session together with its live accrual.
type Status struct {
	UserID             string          `json:"user_id"`
	Active             bool            `json:"active"`
	Session            *Session        `json:"session,omitempty"`
	Accrual            *Accrual        `json:"accrual,omitempty"`
	TimeUntilNextClaim time.Duration   `json:"time_until_next_claim"`
	Balance            decimal.Decimal `json:"balance"`
	AutoClaim          *ClaimResult    `json:"auto_claim,omitempty"`
}

var one = decimal.NewFromInt(1)

func floorMultiplier(m decimal.Decimal) decimal.Decimal {
	if m.LessThan(one) {
		return one
	}
	return m
}
