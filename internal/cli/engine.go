package cli

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"token-economy/internal/service"
)

var bonusTokens string

// engineOp adapts an engine call into a RunE that prints the result as JSON.
func engineOp(op func(ctx context.Context, e *service.Engine, args []string) (any, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return getApp().Do(cmd.Context(), cmd.OutOrStdout(), func(ctx context.Context, e *service.Engine) (any, error) {
			return op(ctx, e, args)
		})
	}
}

func parseAmount(raw string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	return amount, nil
}

var priceCmd = &cobra.Command{
	Use:   "price",
	Short: "Fetch the current token price",
	Args:  cobra.NoArgs,
	RunE: engineOp(func(ctx context.Context, e *service.Engine, _ []string) (any, error) {
		return e.CurrentPrice(ctx), nil
	}),
}

var convertCmd = &cobra.Command{
	Use:   "convert",
	Short: "Convert between USD and tokens at the current price",
}

var convertUsdCmd = &cobra.Command{
	Use:   "usd <amount>",
	Short: "Convert a USD amount to tokens",
	Args:  cobra.ExactArgs(1),
	RunE: engineOp(func(ctx context.Context, e *service.Engine, args []string) (any, error) {
		amount, err := parseAmount(args[0])
		if err != nil {
			return nil, err
		}
		return e.UsdToTokens(ctx, amount)
	}),
}

var convertTokensCmd = &cobra.Command{
	Use:   "tokens <amount>",
	Short: "Convert a token amount to USD",
	Args:  cobra.ExactArgs(1),
	RunE: engineOp(func(ctx context.Context, e *service.Engine, args []string) (any, error) {
		amount, err := parseAmount(args[0])
		if err != nil {
			return nil, err
		}
		return e.TokensToUsd(ctx, amount)
	}),
}

var riskCmd = &cobra.Command{
	Use:   "risk",
	Short: "Assess distribution risk; with --bonus, clamp a bonus grant",
	Args:  cobra.NoArgs,
	RunE: engineOp(func(ctx context.Context, e *service.Engine, _ []string) (any, error) {
		if bonusTokens == "" {
			return e.RiskAssessment(ctx), nil
		}
		amount, err := parseAmount(bonusTokens)
		if err != nil {
			return nil, err
		}
		return e.GrantBonus(ctx, amount), nil
	}),
}

var miningCmd = &cobra.Command{
	Use:   "mining",
	Short: "Manage mining sessions",
}

var miningStartCmd = &cobra.Command{
	Use:   "start <user>",
	Short: "Start mining for a user",
	Args:  cobra.ExactArgs(1),
	RunE: engineOp(func(ctx context.Context, e *service.Engine, args []string) (any, error) {
		return e.StartMining(ctx, args[0])
	}),
}

var miningStatusCmd = &cobra.Command{
	Use:   "status <user>",
	Short: "Show a user's accrual, auto-claiming when due",
	Args:  cobra.ExactArgs(1),
	RunE: engineOp(func(ctx context.Context, e *service.Engine, args []string) (any, error) {
		return e.MiningStatus(ctx, args[0])
	}),
}

var miningClaimCmd = &cobra.Command{
	Use:   "claim <user>",
	Short: "Claim a user's accrued tokens",
	Args:  cobra.ExactArgs(1),
	RunE: engineOp(func(ctx context.Context, e *service.Engine, args []string) (any, error) {
		return e.ClaimMining(ctx, args[0])
	}),
}

var treasuryCmd = &cobra.Command{
	Use:   "treasury",
	Short: "Treasury balance and deposit reconciliation",
}

var treasurySyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Refresh the cached treasury balance from the chain",
	Args:  cobra.NoArgs,
	RunE: engineOp(func(ctx context.Context, e *service.Engine, _ []string) (any, error) {
		return e.SyncTreasuryBalance(ctx)
	}),
}

var treasuryDepositsCmd = &cobra.Command{
	Use:   "deposits",
	Short: "Reconcile on-chain deposits against recorded ones",
	Args:  cobra.NoArgs,
	RunE: engineOp(func(ctx context.Context, e *service.Engine, _ []string) (any, error) {
		return e.TreasuryDeposits(ctx)
	}),
}

func init() {
	riskCmd.Flags().StringVar(&bonusTokens, "bonus", "", "Requested bonus in tokens")

	convertCmd.AddCommand(convertUsdCmd, convertTokensCmd)
	miningCmd.AddCommand(miningStartCmd, miningStatusCmd, miningClaimCmd)
	treasuryCmd.AddCommand(treasurySyncCmd, treasuryDepositsCmd)
}
