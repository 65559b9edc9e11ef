// Package service is the facade the surrounding application calls. It also
// owns the periodic jobs that keep the price warm, watch risk and reconcile
// the treasury.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"token-economy/internal/alerting"
	"token-economy/internal/config"
	"token-economy/internal/converter"
	"token-economy/internal/mining"
	"token-economy/internal/oracle"
	"token-economy/internal/risk"
	"token-economy/internal/scheduler"
	"token-economy/internal/storage"
	"token-economy/internal/treasury"
)

// ErrTreasuryDisabled is returned when no ledger is configured.
var ErrTreasuryDisabled = errors.New("treasury reconciliation not configured")

// Options wire the engine's components.
type Options struct {
	Oracle    *oracle.Oracle
	Converter *converter.Converter
	Risk      *risk.Assessor
	Mining    *mining.Engine
	Treasury  *treasury.Service
	Notifier  alerting.Notifier
	Locker    storage.AdvisoryLocker
	LockKey   int64
	Now       func() time.Time
}

// Engine exposes every boundary operation of the token economy.
type Engine struct {
	oracle    *oracle.Oracle
	converter *converter.Converter
	risk      *risk.Assessor
	mining    *mining.Engine
	treasury  *treasury.Service
	notifier  alerting.Notifier
	locker    storage.AdvisoryLocker
	lockKey   int64
	now       func() time.Time
	logger    zerolog.Logger
}

// New constructs the engine facade.
func New(opts Options, logger zerolog.Logger) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Converter == nil && opts.Oracle != nil {
		opts.Converter = converter.New(opts.Oracle)
	}
	return &Engine{
		oracle:    opts.Oracle,
		converter: opts.Converter,
		risk:      opts.Risk,
		mining:    opts.Mining,
		treasury:  opts.Treasury,
		notifier:  opts.Notifier,
		locker:    opts.Locker,
		lockKey:   opts.LockKey,
		now:       opts.Now,
		logger:    logger.With().Str("component", "service").Logger(),
	}
}

// CurrentPrice returns the oracle's current quote.
func (e *Engine) CurrentPrice(ctx context.Context) oracle.Quote {
	return e.oracle.CurrentPrice(ctx)
}

// UsdToTokens converts USD to tokens at the current price.
func (e *Engine) UsdToTokens(ctx context.Context, usd decimal.Decimal) (converter.Conversion, error) {
	return e.converter.UsdToTokens(ctx, usd)
}

// TokensToUsd converts tokens to USD at the current price.
func (e *Engine) TokensToUsd(ctx context.Context, tokens decimal.Decimal) (converter.Conversion, error) {
	return e.converter.TokensToUsd(ctx, tokens)
}

// RiskAssessment runs the circuit breaker.
func (e *Engine) RiskAssessment(ctx context.Context) risk.Assessment {
	return e.risk.Assess(ctx)
}

// GrantBonus clamps a bonus request to what the market allows.
func (e *Engine) GrantBonus(ctx context.Context, requested decimal.Decimal) risk.Grant {
	return e.risk.GrantBonus(ctx, requested)
}

// StartMining opens a session for userID.
func (e *Engine) StartMining(ctx context.Context, userID string) (mining.Session, error) {
	return e.mining.Start(ctx, userID, e.now())
}

// MiningStatus returns the live accrual, auto-claiming when due.
func (e *Engine) MiningStatus(ctx context.Context, userID string) (mining.Status, error) {
	return e.mining.Status(ctx, userID, e.now())
}

// ClaimMining settles the user's accrual.
func (e *Engine) ClaimMining(ctx context.Context, userID string) (mining.ClaimResult, error) {
	return e.mining.Claim(ctx, userID, e.now())
}

// SyncTreasuryBalance refreshes the cached treasury balance from the ledger.
func (e *Engine) SyncTreasuryBalance(ctx context.Context) (treasury.SyncResult, error) {
	if e.treasury == nil {
		return treasury.SyncResult{}, ErrTreasuryDisabled
	}
	res, err := e.treasury.SyncBalance(ctx)
	if err != nil {
		e.reportLedgerFailure(ctx, "balance sync", err)
		return treasury.SyncResult{}, err
	}
	return res, nil
}

// TreasuryDeposits reconciles on-chain transfers against recorded deposits.
func (e *Engine) TreasuryDeposits(ctx context.Context) (treasury.Report, error) {
	if e.treasury == nil {
		return treasury.Report{}, ErrTreasuryDisabled
	}
	report, err := e.treasury.ListDeposits(ctx)
	if err != nil {
		e.reportLedgerFailure(ctx, "deposit reconciliation", err)
		return treasury.Report{}, err
	}
	return report, nil
}

// RegisterJobs adds the periodic jobs to sched. Treasury jobs are skipped
// when no ledger is configured.
func (e *Engine) RegisterJobs(sched *scheduler.Scheduler, cfg config.SchedulerConfig) error {
	jobs := []scheduler.Job{
		{Name: "price_refresh", Interval: cfg.PriceRefreshInterval, RunAtStart: true, Tick: e.RefreshPrice},
		{Name: "risk_watch", Interval: cfg.RiskWatchInterval, Tick: e.WatchRisk},
	}
	if e.treasury != nil {
		jobs = append(jobs,
			scheduler.Job{Name: "treasury_sync", Interval: cfg.TreasurySyncInterval, RunAtStart: true, Tick: e.singleton("treasury_sync", e.SyncTreasuryJob)},
			scheduler.Job{Name: "treasury_reconcile", Interval: cfg.TreasuryReconcileInterval, Tick: e.singleton("treasury_reconcile", e.ReconcileJob)},
		)
	}
	for _, job := range jobs {
		if err := sched.Add(job); err != nil {
			return err
		}
	}
	return nil
}

// RefreshPrice pulls a fresh price from the providers.
func (e *Engine) RefreshPrice(ctx context.Context, bucket time.Time) error {
	q := e.oracle.Refresh(ctx)
	e.logger.Debug().Time("bucket", bucket).
		Str("price_usd", q.PriceUSD.String()).
		Str("source", string(q.Source)).
		Bool("stale", q.Stale).
		Msg("price refreshed")
	return nil
}

// WatchRisk assesses risk and notifies operators when distributions halt.
func (e *Engine) WatchRisk(ctx context.Context, bucket time.Time) error {
	a := e.risk.Assess(ctx)
	if !a.ShouldHaltDistributions {
		return nil
	}
	e.notify(ctx, alerting.Notification{
		Kind:       alerting.KindRiskHalt,
		Title:      "Token distributions halted",
		OccurredAt: bucket,
		Fields: []alerting.Field{
			{Name: "Risk level", Value: string(a.RiskLevel)},
			{Name: "1h change", Value: a.ChangePct.StringFixed(2) + "%"},
		},
		Details: a.Reason,
	})
	return nil
}

// SyncTreasuryJob is the scheduled form of SyncTreasuryBalance.
func (e *Engine) SyncTreasuryJob(ctx context.Context, _ time.Time) error {
	_, err := e.SyncTreasuryBalance(ctx)
	return err
}

// ReconcileJob reconciles deposits and notifies operators about unrecorded ones.
func (e *Engine) ReconcileJob(ctx context.Context, bucket time.Time) error {
	report, err := e.TreasuryDeposits(ctx)
	if err != nil {
		return err
	}
	if report.Unrecorded == 0 {
		return nil
	}

	sigs := make([]string, 0, report.Unrecorded)
	for _, d := range report.UnrecordedDeposits() {
		sigs = append(sigs, d.Signature)
	}
	e.notify(ctx, alerting.Notification{
		Kind:       alerting.KindUnrecordedDeposits,
		Title:      "Unrecorded treasury deposits",
		OccurredAt: bucket,
		Fields: []alerting.Field{
			{Name: "On chain", Value: fmt.Sprintf("%d", report.TotalOnChain)},
			{Name: "Recorded", Value: fmt.Sprintf("%d", report.TotalRecorded)},
			{Name: "Unrecorded", Value: fmt.Sprintf("%d (%s tokens)", report.Unrecorded, report.UnrecordedTokens.String())},
		},
		Details: strings.Join(sigs, "\n"),
	})
	return nil
}

func (e *Engine) singleton(name string, tick scheduler.TickFunc) scheduler.TickFunc {
	return func(ctx context.Context, bucket time.Time) error {
		unlock, proceed, err := e.acquireLock(ctx)
		if err != nil {
			return err
		}
		if !proceed {
			e.logger.Debug().Str("job", name).Time("bucket", bucket).Msg("skip job because advisory lock held elsewhere")
			return nil
		}
		if unlock != nil {
			defer unlock()
		}
		return tick(ctx, bucket)
	}
}

func (e *Engine) acquireLock(ctx context.Context) (func(), bool, error) {
	if e.lockKey == 0 || e.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := e.locker.TryAdvisoryLock(ctx, e.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func (e *Engine) reportLedgerFailure(ctx context.Context, op string, err error) {
	var lqe *treasury.LedgerQueryError
	if !errors.As(err, &lqe) {
		return
	}
	e.notify(ctx, alerting.Notification{
		Kind:       alerting.KindReconciliationFailure,
		Title:      "Treasury ledger query failed",
		OccurredAt: e.now(),
		Fields:     []alerting.Field{{Name: "Operation", Value: op}},
		Details:    lqe.Error(),
	})
}

func (e *Engine) notify(ctx context.Context, note alerting.Notification) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, note); err != nil {
		e.logger.Error().Err(err).Str("kind", string(note.Kind)).Msg("failed to dispatch alert")
	}
}
