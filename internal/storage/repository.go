package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"token-economy/internal/market"
	"token-economy/internal/mining"
	"token-economy/internal/oracle"
	"token-economy/internal/treasury"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertPricePointSQL = `INSERT INTO price_points (ts, price_usd, source)
    VALUES ($1, $2, $3);`

	listPricePointsBetweenSQL = `SELECT ts, price_usd::text, source
    FROM price_points
    WHERE ts >= $1
      AND ts < $2
    ORDER BY ts;`

	listRecentPricePointsSQL = `SELECT ts, price_usd::text, source
    FROM price_points
    ORDER BY ts DESC
    LIMIT $1;`

	countPricePointsSQL = `SELECT COUNT(*) FROM price_points;`

	getSessionSQL = `SELECT
        user_id,
        started_at,
        last_claim_at,
        next_claim_at,
        speed_multiplier::text,
        accumulated_at_last_claim::text
    FROM mining_sessions
    WHERE user_id = $1;`

	insertSessionSQL = `INSERT INTO mining_sessions (
        user_id,
        started_at,
        last_claim_at,
        next_claim_at,
        speed_multiplier,
        accumulated_at_last_claim
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (user_id) DO NOTHING;`

	settleSessionSQL = `UPDATE mining_sessions
    SET last_claim_at             = $3,
        next_claim_at             = $4,
        speed_multiplier          = $5,
        accumulated_at_last_claim = 0,
        updated_at                = now()
    WHERE user_id = $1
      AND last_claim_at = $2;`

	sessionExistsSQL = `SELECT EXISTS (SELECT 1 FROM mining_sessions WHERE user_id = $1);`

	creditBalanceSQL = `INSERT INTO user_balances (user_id, balance)
    VALUES ($1, $2)
    ON CONFLICT (user_id) DO UPDATE
    SET balance    = user_balances.balance + EXCLUDED.balance,
        updated_at = now()
    RETURNING balance::text;`

	getBalanceSQL = `SELECT balance::text FROM user_balances WHERE user_id = $1;`

	insertClaimSQL = `INSERT INTO mining_claims (
        id,
        user_id,
        tokens,
        multiplier,
        claimed_at,
        auto
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    );`

	listRecentClaimsSQL = `SELECT id::text, user_id, tokens::text, multiplier::text, claimed_at, auto
    FROM mining_claims
    WHERE user_id = $1
    ORDER BY claimed_at DESC
    LIMIT $2;`

	activeBoostSQL = `SELECT COALESCE(MAX(multiplier), 1)::text
    FROM mining_boosts
    WHERE user_id = $1
      AND (expires_at IS NULL OR expires_at > now());`

	listDepositsByMethodSQL = `SELECT
        id,
        deposit_amount_usd::text,
        tokens_purchased::text,
        deposit_method,
        COALESCE(external_transaction_id, ''),
        status,
        moonshot_metadata,
        created_at
    FROM deposit_records
    WHERE deposit_method = $1
    ORDER BY created_at;`

	getTreasuryBalanceSQL = `SELECT balance::text FROM treasury_state WHERE id = 1;`

	upsertTreasuryBalanceSQL = `INSERT INTO treasury_state (id, balance, synced_at)
    VALUES (1, $1, $2)
    ON CONFLICT (id) DO UPDATE
    SET balance   = EXCLUDED.balance,
        synced_at = EXCLUDED.synced_at;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// PricePointStore persists the oracle's price history.
type PricePointStore interface {
	RecordPricePoint(ctx context.Context, point market.PricePoint) error
	ListPricePointsBetween(ctx context.Context, from, to time.Time) ([]market.PricePoint, error)
	ListRecentPricePoints(ctx context.Context, limit int) ([]market.PricePoint, error)
	CountPricePoints(ctx context.Context) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store is the PostgreSQL implementation of every persistence port.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session when the conn closes
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// RecordPricePoint appends a point to the persisted history.
func (s *Store) RecordPricePoint(ctx context.Context, point market.PricePoint) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, insertPricePointSQL, point.Timestamp, point.PriceUSD.String(), string(point.Source)); err != nil {
		return fmt.Errorf("insert price point: %w", err)
	}
	return nil
}

// ListPricePointsBetween lists points within [from, to), oldest first.
func (s *Store) ListPricePointsBetween(ctx context.Context, from, to time.Time) ([]market.PricePoint, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listPricePointsBetweenSQL, from, to)
	if err != nil {
		return nil, fmt.Errorf("list price points between: %w", err)
	}
	return collectPricePoints(rows)
}

// ListRecentPricePoints lists the newest points, newest first.
func (s *Store) ListRecentPricePoints(ctx context.Context, limit int) ([]market.PricePoint, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listRecentPricePointsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent price points: %w", err)
	}
	return collectPricePoints(rows)
}

// CountPricePoints counts stored points.
func (s *Store) CountPricePoints(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if err := pool.QueryRow(ctx, countPricePointsSQL).Scan(&count); err != nil {
		return 0, fmt.Errorf("count price points: %w", err)
	}
	return count, nil
}

func collectPricePoints(rows pgx.Rows) ([]market.PricePoint, error) {
	defer rows.Close()
	points := make([]market.PricePoint, 0)
	for rows.Next() {
		var (
			ts       time.Time
			priceStr string
			source   string
		)
		if err := rows.Scan(&ts, &priceStr, &source); err != nil {
			return nil, err
		}
		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			return nil, fmt.Errorf("parse price: %w", err)
		}
		points = append(points, market.PricePoint{Timestamp: ts, PriceUSD: price, Source: market.Source(source)})
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return points, nil
}

// GetSession loads a user's mining session.
func (s *Store) GetSession(ctx context.Context, userID string) (mining.Session, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return mining.Session{}, false, err
	}

	var sess mining.Session
	var multiplierStr, accruedStr string
	err = pool.QueryRow(ctx, getSessionSQL, userID).Scan(
		&sess.UserID,
		&sess.StartedAt,
		&sess.LastClaimAt,
		&sess.NextClaimAt,
		&multiplierStr,
		&accruedStr,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return mining.Session{}, false, nil
	}
	if err != nil {
		return mining.Session{}, false, fmt.Errorf("get session: %w", err)
	}

	if sess.SpeedMultiplier, err = decimal.NewFromString(multiplierStr); err != nil {
		return mining.Session{}, false, fmt.Errorf("parse speed multiplier: %w", err)
	}
	if sess.AccumulatedAtLastClaim, err = decimal.NewFromString(accruedStr); err != nil {
		return mining.Session{}, false, fmt.Errorf("parse accumulated tokens: %w", err)
	}
	sess.StartedAt = sess.StartedAt.UTC()
	sess.LastClaimAt = sess.LastClaimAt.UTC()
	sess.NextClaimAt = sess.NextClaimAt.UTC()
	return sess, true, nil
}

// CreateSession inserts a session; an existing one yields mining.ErrSessionActive.
func (s *Store) CreateSession(ctx context.Context, sess mining.Session) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, insertSessionSQL,
		sess.UserID,
		sess.StartedAt,
		sess.LastClaimAt,
		sess.NextClaimAt,
		sess.SpeedMultiplier.String(),
		sess.AccumulatedAtLastClaim.String(),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return mining.ErrSessionActive
	}
	return nil
}

// Settle applies a claim in one transaction guarded by the expected
// last_claim_at, so racing replicas credit at most once.
func (s *Store) Settle(ctx context.Context, st mining.Settlement) (decimal.Decimal, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return decimal.Zero, false, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("begin settle: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, settleSessionSQL,
		st.UserID,
		st.ExpectedLastClaimAt,
		st.ClaimedAt,
		st.NextClaimAt,
		st.Multiplier.String(),
	)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, sessionExistsSQL, st.UserID).Scan(&exists); err != nil {
			return decimal.Zero, false, fmt.Errorf("check session: %w", err)
		}
		if !exists {
			return decimal.Zero, false, mining.ErrNoSession
		}
		balance, err := s.Balance(ctx, st.UserID)
		return balance, false, err
	}

	var balanceStr string
	if err := tx.QueryRow(ctx, creditBalanceSQL, st.UserID, st.Tokens.String()).Scan(&balanceStr); err != nil {
		return decimal.Zero, false, fmt.Errorf("credit balance: %w", err)
	}
	if _, err := tx.Exec(ctx, insertClaimSQL,
		st.ClaimID.String(),
		st.UserID,
		st.Tokens.String(),
		st.Multiplier.String(),
		st.ClaimedAt,
		st.Auto,
	); err != nil {
		return decimal.Zero, false, fmt.Errorf("insert claim: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return decimal.Zero, false, fmt.Errorf("commit settle: %w", err)
	}

	balance, err := decimal.NewFromString(balanceStr)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("parse balance: %w", err)
	}
	return balance, true, nil
}

// Balance returns the user's credited token balance, zero when unknown.
func (s *Store) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	pool, err := s.getPool()
	if err != nil {
		return decimal.Zero, err
	}
	var balanceStr string
	err = pool.QueryRow(ctx, getBalanceSQL, userID).Scan(&balanceStr)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance: %w", err)
	}
	return decimal.NewFromString(balanceStr)
}

// ListRecentClaims lists a user's newest claims.
func (s *Store) ListRecentClaims(ctx context.Context, userID string, limit int) ([]ClaimRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listRecentClaimsSQL, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent claims: %w", err)
	}
	defer rows.Close()

	claims := make([]ClaimRecord, 0, limit)
	for rows.Next() {
		var rec ClaimRecord
		var tokensStr, multStr string
		if err := rows.Scan(&rec.ID, &rec.UserID, &tokensStr, &multStr, &rec.ClaimedAt, &rec.Auto); err != nil {
			return nil, err
		}
		if rec.Tokens, err = decimal.NewFromString(tokensStr); err != nil {
			return nil, fmt.Errorf("parse claim tokens: %w", err)
		}
		if rec.Multiplier, err = decimal.NewFromString(multStr); err != nil {
			return nil, fmt.Errorf("parse claim multiplier: %w", err)
		}
		claims = append(claims, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return claims, nil
}

// Multiplier returns the largest unexpired boost for the user, at least 1.
func (s *Store) Multiplier(ctx context.Context, userID string) (decimal.Decimal, error) {
	pool, err := s.getPool()
	if err != nil {
		return decimal.Zero, err
	}
	var multStr string
	if err := pool.QueryRow(ctx, activeBoostSQL, userID).Scan(&multStr); err != nil {
		return decimal.Zero, fmt.Errorf("get boost: %w", err)
	}
	return decimal.NewFromString(multStr)
}

// ListDepositsByMethod reads deposit records; this package never writes them.
func (s *Store) ListDepositsByMethod(ctx context.Context, method string) ([]treasury.DepositRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listDepositsByMethodSQL, method)
	if err != nil {
		return nil, fmt.Errorf("list deposits: %w", err)
	}
	defer rows.Close()

	records := make([]treasury.DepositRecord, 0)
	for rows.Next() {
		var (
			rec               treasury.DepositRecord
			usdStr, tokensStr string
			status            string
			metadata          []byte
		)
		if err := rows.Scan(
			&rec.ID,
			&usdStr,
			&tokensStr,
			&rec.DepositMethod,
			&rec.ExternalTransactionID,
			&status,
			&metadata,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		if rec.DepositAmountUSD, err = decimal.NewFromString(usdStr); err != nil {
			return nil, fmt.Errorf("parse deposit usd: %w", err)
		}
		if rec.TokensPurchased, err = decimal.NewFromString(tokensStr); err != nil {
			return nil, fmt.Errorf("parse deposit tokens: %w", err)
		}
		rec.Status = treasury.DepositStatus(status)
		if len(metadata) > 0 {
			rec.MoonshotMetadata = metadata
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// TreasuryBalance returns the cached treasury balance cell.
func (s *Store) TreasuryBalance(ctx context.Context) (decimal.Decimal, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return decimal.Zero, false, err
	}
	var balanceStr string
	err = pool.QueryRow(ctx, getTreasuryBalanceSQL).Scan(&balanceStr)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("get treasury balance: %w", err)
	}
	balance, err := decimal.NewFromString(balanceStr)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("parse treasury balance: %w", err)
	}
	return balance, true, nil
}

// SetTreasuryBalance overwrites the cached treasury balance cell.
func (s *Store) SetTreasuryBalance(ctx context.Context, balance decimal.Decimal, syncedAt time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, upsertTreasuryBalanceSQL, balance.String(), syncedAt); err != nil {
		return fmt.Errorf("upsert treasury balance: %w", err)
	}
	return nil
}

var (
	_ oracle.Recorder        = (*Store)(nil)
	_ PricePointStore        = (*Store)(nil)
	_ mining.Store           = (*Store)(nil)
	_ mining.BoostProvider   = (*Store)(nil)
	_ treasury.DepositReader = (*Store)(nil)
	_ treasury.BalanceStore  = (*Store)(nil)
	_ AdvisoryLocker         = (*Store)(nil)
)
