// Package treasury reconciles the on-chain treasury against the internally
// recorded deposit ledger. It reads deposit records and never writes them.
package treasury

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"token-economy/internal/ledger"
	"token-economy/internal/metrics"
)

// MethodExternalTransfer marks deposits made by a direct on-chain transfer.
const MethodExternalTransfer = "external-transfer"

// DepositStatus is the lifecycle state of a DepositRecord.
type DepositStatus string

const (
	StatusPending  DepositStatus = "pending"
	StatusRecorded DepositStatus = "recorded"
	StatusRejected DepositStatus = "rejected"
)

// DepositRecord is created by the surrounding application when an operator
// reports an external transfer.
type DepositRecord struct {
	ID                    string          `json:"id"`
	DepositAmountUSD      decimal.Decimal `json:"deposit_amount_usd"`
	TokensPurchased       decimal.Decimal `json:"tokens_purchased"`
	DepositMethod         string          `json:"deposit_method"`
	ExternalTransactionID string          `json:"external_transaction_id"`
	Status                DepositStatus   `json:"status"`
	MoonshotMetadata      json.RawMessage `json:"moonshot_metadata,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
}

// LedgerReader is the public-ledger client. *ledger.Reader satisfies it.
type LedgerReader interface {
	Balance(ctx context.Context) (decimal.Decimal, error)
	IncomingTransfers(ctx context.Context) ([]ledger.Transfer, error)
}

// DepositReader lists the application's recorded deposits by method.
type DepositReader interface {
	ListDepositsByMethod(ctx context.Context, method string) ([]DepositRecord, error)
}

// BalanceStore holds the cached treasury balance cell.
type BalanceStore interface {
	TreasuryBalance(ctx context.Context) (decimal.Decimal, bool, error)
	SetTreasuryBalance(ctx context.Context, balance decimal.Decimal, syncedAt time.Time) error
}

// LedgerQueryError reports a failed read against the external ledger. It is
// never folded into an empty result.
type LedgerQueryError struct {
	Op  string
	Err error
}

func (e *LedgerQueryError) Error() string {
	return fmt.Sprintf("ledger query %s failed: %v", e.Op, e.Err)
}

func (e *LedgerQueryError) Unwrap() error { return e.Err }

// SyncResult is the outcome of SyncBalance.
type SyncResult struct {
	PreviousBalance decimal.Decimal `json:"previous_balance"`
	NewBalance      decimal.Decimal `json:"new_balance"`
	SyncedAt        time.Time       `json:"synced_at"`
}

// Deposit is one on-chain transfer with its match against the records.
type Deposit struct {
	ledger.Transfer
	Recorded      bool          `json:"recorded"`
	DepositID     string        `json:"deposit_id,omitempty"`
	DepositStatus DepositStatus `json:"deposit_status,omitempty"`
}

// Report is the reconciliation view.
type Report struct {
	TotalOnChain     int             `json:"total_on_chain"`
	TotalRecorded    int             `json:"total_recorded"`
	Unrecorded       int             `json:"unrecorded"`
	Deposits         []Deposit       `json:"deposits"`
	OnChainTokens    decimal.Decimal `json:"on_chain_tokens"`
	RecordedTokens   decimal.Decimal `json:"recorded_tokens"`
	UnrecordedTokens decimal.Decimal `json:"unrecorded_tokens"`
	Orphans          []DepositRecord `json:"orphans"`
	GeneratedAt      time.Time       `json:"generated_at"`
}

// UnrecordedDeposits returns the transfers staff still need to record.
func (r Report) UnrecordedDeposits() []Deposit {
	out := make([]Deposit, 0, r.Unrecorded)
	for _, d := range r.Deposits {
		if !d.Recorded {
			out = append(out, d)
		}
	}
	return out
}

// Options configure a Service.
type Options struct {
	Ledger   LedgerReader
	Deposits DepositReader
	Balances BalanceStore
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

// Service performs balance sync and deposit reconciliation.
type Service struct {
	opts   Options
	logger zerolog.Logger
}

// NewService constructs a Service. Balances defaults to an in-memory cell.
func NewService(opts Options, logger zerolog.Logger) *Service {
	if opts.Balances == nil {
		opts.Balances = &MemoryBalance{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{opts: opts, logger: logger.With().Str("component", "treasury").Logger()}
}

// SyncBalance overwrites the cached balance with the ledger's current value.
func (s *Service) SyncBalance(ctx context.Context) (SyncResult, error) {
	if s.opts.Ledger == nil {
		return SyncResult{}, &LedgerQueryError{Op: "balance", Err: fmt.Errorf("ledger not configured")}
	}
	previous, _, err := s.opts.Balances.TreasuryBalance(ctx)
	if err != nil {
		return SyncResult{}, fmt.Errorf("load treasury balance: %w", err)
	}

	current, err := s.opts.Ledger.Balance(ctx)
	if err != nil {
		s.opts.Metrics.ObserveLedgerFailure()
		s.logger.Error().Err(err).Msg("treasury balance query failed")
		return SyncResult{}, &LedgerQueryError{Op: "balance", Err: err}
	}

	now := s.opts.Now()
	if err := s.opts.Balances.SetTreasuryBalance(ctx, current, now); err != nil {
		return SyncResult{}, fmt.Errorf("store treasury balance: %w", err)
	}
	s.opts.Metrics.ObserveTreasuryBalance(current)
	if !previous.Equal(current) {
		s.logger.Info().Str("previous", previous.String()).Str("current", current.String()).Msg("treasury balance changed")
	}
	return SyncResult{PreviousBalance: previous, NewBalance: current, SyncedAt: now}, nil
}

// ListDeposits matches on-chain transfers to recorded external-transfer
// deposits by signature.
func (s *Service) ListDeposits(ctx context.Context) (Report, error) {
	if s.opts.Ledger == nil {
		return Report{}, &LedgerQueryError{Op: "transfers", Err: fmt.Errorf("ledger not configured")}
	}
	if s.opts.Deposits == nil {
		return Report{}, fmt.Errorf("deposit reader not configured")
	}

	transfers, err := s.opts.Ledger.IncomingTransfers(ctx)
	if err != nil {
		s.opts.Metrics.ObserveLedgerFailure()
		s.logger.Error().Err(err).Msg("treasury transfer query failed")
		return Report{}, &LedgerQueryError{Op: "transfers", Err: err}
	}
	records, err := s.opts.Deposits.ListDepositsByMethod(ctx, MethodExternalTransfer)
	if err != nil {
		return Report{}, fmt.Errorf("list deposit records: %w", err)
	}

	report := Reconcile(transfers, records)
	report.GeneratedAt = s.opts.Now()
	s.opts.Metrics.ObserveReconciliation(report.Unrecorded)
	if report.Unrecorded > 0 {
		s.logger.Warn().Int("unrecorded", report.Unrecorded).Str("tokens", report.UnrecordedTokens.String()).Msg("unrecorded treasury deposits")
	}
	return report, nil
}

// Reconcile is the pure matching step of ListDeposits.
func Reconcile(transfers []ledger.Transfer, records []DepositRecord) Report {
	bySig := make(map[string]DepositRecord, len(records))
	for _, rec := range records {
		if rec.ExternalTransactionID == "" {
			continue
		}
		bySig[rec.ExternalTransactionID] = rec
	}

	report := Report{
		TotalOnChain: len(transfers),
		Deposits:     make([]Deposit, 0, len(transfers)),
		Orphans:      make([]DepositRecord, 0),
	}
	seen := make(map[string]struct{}, len(transfers))
	for _, t := range transfers {
		seen[t.Signature] = struct{}{}
		d := Deposit{Transfer: t}
		report.OnChainTokens = report.OnChainTokens.Add(t.AmountTokens)
		if rec, ok := bySig[t.Signature]; ok {
			d.Recorded = true
			d.DepositID = rec.ID
			d.DepositStatus = rec.Status
			report.TotalRecorded++
			report.RecordedTokens = report.RecordedTokens.Add(t.AmountTokens)
		} else {
			report.Unrecorded++
			report.UnrecordedTokens = report.UnrecordedTokens.Add(t.AmountTokens)
		}
		report.Deposits = append(report.Deposits, d)
	}
	for _, rec := range records {
		if rec.ExternalTransactionID == "" {
			report.Orphans = append(report.Orphans, rec)
			continue
		}
		if _, ok := seen[rec.ExternalTransactionID]; !ok {
			report.Orphans = append(report.Orphans, rec)
		}
	}
	return report
}

// MemoryBalance is an in-process BalanceStore.
type MemoryBalance struct {
	mu       sync.RWMutex
	balance  decimal.Decimal
	set      bool
	syncedAt time.Time
}

func (m *MemoryBalance) TreasuryBalance(context.Context) (decimal.Decimal, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balance, m.set, nil
}

func (m *MemoryBalance) SetTreasuryBalance(_ context.Context, balance decimal.Decimal, syncedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balance = balance
	m.set = true
	m.syncedAt = syncedAt
	return nil
}

// MemoryDeposits is an in-process DepositReader.
type MemoryDeposits []DepositRecord

func (m MemoryDeposits) ListDepositsByMethod(_ context.Context, method string) ([]DepositRecord, error) {
	out := make([]DepositRecord, 0, len(m))
	for _, rec := range m {
		if rec.DepositMethod == method {
			out = append(out, rec)
		}
	}
	return out, nil
}

var (
	_ LedgerReader  = (*ledger.Reader)(nil)
	_ BalanceStore  = (*MemoryBalance)(nil)
	_ DepositReader = MemoryDeposits(nil)
)
