package risk

import (
	"context"

	"github.com/shopspring/decimal"
)

// Grant is the outcome of a bonus request. A skipped grant is data, not an
// error, so the caller's primary operation can continue.
type Grant struct {
	Requested  decimal.Decimal `json:"requested"`
	Tokens     decimal.Decimal `json:"tokens"`
	Skipped    bool            `json:"skipped"`
	Clamped    bool            `json:"clamped"`
	Reason     string          `json:"reason,omitempty"`
	Assessment Assessment      `json:"assessment"`
}

// GrantBonus assesses risk and returns how many of the requested tokens may
// be distributed right now.
func (a *Assessor) GrantBonus(ctx context.Context, requested decimal.Decimal) Grant {
	assessment := a.Assess(ctx)
	g := Grant{Requested: requested, Assessment: assessment}

	if assessment.ShouldHaltDistributions {
		g.Skipped = true
		g.Tokens = decimal.Zero
		g.Reason = "distributions halted: " + string(assessment.RiskLevel)
		a.opts.Metrics.ObserveBonusSkip()
		a.logger.Warn().
			Str("requested", requested.String()).
			Str("risk_level", string(assessment.RiskLevel)).
			Msg("bonus grant skipped")
		return g
	}

	g.Tokens = Clamp(requested, assessment)
	g.Clamped = !g.Tokens.Equal(requested)
	return g
}
