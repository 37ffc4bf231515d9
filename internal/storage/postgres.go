package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const tradeUpsertChunkSize = 50

var ErrRunLogNotFound = errors.New("sync run log not found")

type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Reset closes all pooled connections so the next acquire dials fresh.
// Used by the scheduler after a transient connectivity failure.
func (s *Store) Reset() {
	s.pool.Reset()
}

func (s *Store) ActiveAccounts(ctx context.Context, userID uuid.UUID) ([]ExchangeAccount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, exchange, label, api_key_enc, api_secret_enc, passphrase_enc,
		       is_active, last_sync_at, last_sync_trade_count, created_at, updated_at
		FROM exchange_accounts
		WHERE user_id = $1 AND is_active
		ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query active accounts: %w", err)
	}
	defer rows.Close()

	var accounts []ExchangeAccount
	for rows.Next() {
		var a ExchangeAccount
		if err := rows.Scan(&a.ID, &a.UserID, &a.Exchange, &a.Label, &a.APIKeyEnc, &a.APISecretEnc,
			&a.PassphraseEnc, &a.IsActive, &a.LastSyncAt, &a.LastSyncTradeCount, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s *Store) UsersWithActiveAccounts(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT user_id FROM exchange_accounts WHERE is_active
	`)
	if err != nil {
		return nil, fmt.Errorf("query users with active accounts: %w", err)
	}
	defer rows.Close()

	var users []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

// ReplaceBalances upserts the fetched set and deletes every row for
// the account whose asset is not in it. The balances table is a
// current snapshot, never a history.
func (s *Store) ReplaceBalances(ctx context.Context, accountID uuid.UUID, balances []Balance) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	now := time.Now().UTC()
	assets := make([]string, 0, len(balances))
	for _, b := range balances {
		asset := strings.ToUpper(strings.TrimSpace(b.Asset))
		if asset == "" {
			continue
		}
		assets = append(assets, asset)
		if _, err := tx.Exec(ctx, `
			INSERT INTO balances (exchange_account_id, asset, free, locked, total, usd_value, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (exchange_account_id, asset) DO UPDATE
			SET free = EXCLUDED.free, locked = EXCLUDED.locked, total = EXCLUDED.total,
			    usd_value = EXCLUDED.usd_value, updated_at = EXCLUDED.updated_at
		`, accountID, asset, b.Free.String(), b.Locked.String(), b.Total.String(), b.USDValue.String(), now); err != nil {
			return fmt.Errorf("upsert balance %s: %w", asset, err)
		}
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM balances WHERE exchange_account_id = $1 AND asset != ALL($2)
	`, accountID, assets); err != nil {
		return fmt.Errorf("delete stale balances: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *Store) ListBalances(ctx context.Context, accountID uuid.UUID) ([]Balance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT asset, free::text, locked::text, total::text, usd_value::text, updated_at
		FROM balances WHERE exchange_account_id = $1 ORDER BY asset
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("query balances: %w", err)
	}
	defer rows.Close()

	var balances []Balance
	for rows.Next() {
		b := Balance{ExchangeAccountID: accountID}
		var free, locked, total, usd string
		if err := rows.Scan(&b.Asset, &free, &locked, &total, &usd, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		if b.Free, err = decimal.NewFromString(free); err != nil {
			return nil, fmt.Errorf("parse free: %w", err)
		}
		if b.Locked, err = decimal.NewFromString(locked); err != nil {
			return nil, fmt.Errorf("parse locked: %w", err)
		}
		if b.Total, err = decimal.NewFromString(total); err != nil {
			return nil, fmt.Errorf("parse total: %w", err)
		}
		if b.USDValue, err = decimal.NewFromString(usd); err != nil {
			return nil, fmt.Errorf("parse usd value: %w", err)
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

func (s *Store) TotalUSDValue(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	var totalStr string
	row := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(b.usd_value), 0)::text
		FROM balances b
		JOIN exchange_accounts a ON a.id = b.exchange_account_id
		WHERE a.user_id = $1
	`, userID)
	if err := row.Scan(&totalStr); err != nil {
		return decimal.Zero, fmt.Errorf("sum usd value: %w", err)
	}
	total, err := decimal.NewFromString(totalStr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse usd total: %w", err)
	}
	return total, nil
}

// UpsertTrades writes trades in chunks, concurrently within each
// chunk. Conflicting rows are left untouched: trades are immutable
// once recorded, so a re-fetch of stored history is a no-op.
func (s *Store) UpsertTrades(ctx context.Context, accountID uuid.UUID, trades []Trade) (int, error) {
	inserted := 0
	for start := 0; start < len(trades); start += tradeUpsertChunkSize {
		end := start + tradeUpsertChunkSize
		if end > len(trades) {
			end = len(trades)
		}
		chunk := trades[start:end]

		var (
			wg    sync.WaitGroup
			mu    sync.Mutex
			errs  []error
			count int
		)
		for _, trade := range chunk {
			wg.Add(1)
			go func(t Trade) {
				defer wg.Done()
				tag, err := s.pool.Exec(ctx, `
					INSERT INTO trades (exchange_account_id, exchange_trade_id, symbol, side,
					                    price, amount, cost, fee, fee_currency, executed_at)
					VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
					ON CONFLICT (exchange_account_id, exchange_trade_id) DO NOTHING
				`, accountID, t.ExchangeTradeID, t.Symbol, t.Side,
					t.Price.String(), t.Amount.String(), t.Cost.String(), t.Fee.String(),
					t.FeeCurrency, t.ExecutedAt.UTC())
				mu.Lock()
				if err != nil {
					errs = append(errs, fmt.Errorf("upsert trade %s: %w", t.ExchangeTradeID, err))
				} else {
					count += int(tag.RowsAffected())
				}
				mu.Unlock()
			}(trade)
		}
		wg.Wait()
		inserted += count
		if len(errs) > 0 {
			return inserted, errors.Join(errs...)
		}
	}
	return inserted, nil
}

func (s *Store) CountTrades(ctx context.Context, accountID uuid.UUID) (int, error) {
	var count int
	row := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM trades WHERE exchange_account_id = $1`, accountID)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count trades: %w", err)
	}
	return count, nil
}

func (s *Store) LatestTradeTime(ctx context.Context, accountID uuid.UUID) (*time.Time, error) {
	var ts time.Time
	row := s.pool.QueryRow(ctx, `
		SELECT executed_at FROM trades
		WHERE exchange_account_id = $1
		ORDER BY executed_at DESC LIMIT 1
	`, accountID)
	if err := row.Scan(&ts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest trade time: %w", err)
	}
	return &ts, nil
}

// TradedBaseAssets returns the base asset of every symbol ever traded
// on the account, so fully liquidated positions still get queried.
func (s *Store) TradedBaseAssets(ctx context.Context, accountID uuid.UUID) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT split_part(symbol, '/', 1)
		FROM trades WHERE exchange_account_id = $1
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("query traded assets: %w", err)
	}
	defer rows.Close()

	var assets []string
	for rows.Next() {
		var asset string
		if err := rows.Scan(&asset); err != nil {
			return nil, fmt.Errorf("scan traded asset: %w", err)
		}
		if asset != "" {
			assets = append(assets, asset)
		}
	}
	return assets, rows.Err()
}

func (s *Store) MarkAccountSynced(ctx context.Context, accountID uuid.UUID, at time.Time, tradeCount *int) error {
	var err error
	if tradeCount != nil {
		_, err = s.pool.Exec(ctx, `
			UPDATE exchange_accounts
			SET last_sync_at = $1, last_sync_trade_count = $2, updated_at = $1
			WHERE id = $3
		`, at.UTC(), *tradeCount, accountID)
	} else {
		_, err = s.pool.Exec(ctx, `
			UPDATE exchange_accounts SET last_sync_at = $1, updated_at = $1 WHERE id = $2
		`, at.UTC(), accountID)
	}
	if err != nil {
		return fmt.Errorf("mark account synced: %w", err)
	}
	return nil
}

func (s *Store) CreateRunLog(ctx context.Context, userID uuid.UUID) (SyncRunLog, error) {
	log := SyncRunLog{
		ID:        uuid.New(),
		UserID:    userID,
		StartedAt: time.Now().UTC(),
		Status:    RunStatusRunning,
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_run_logs (id, user_id, started_at, status, succeeded_count, failed_count)
		VALUES ($1, $2, $3, $4, 0, 0)
	`, log.ID, log.UserID, log.StartedAt, log.Status)
	if err != nil {
		return SyncRunLog{}, fmt.Errorf("create run log: %w", err)
	}
	return log, nil
}

func (s *Store) FinalizeRunLog(ctx context.Context, id uuid.UUID, succeeded, failed int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sync_run_logs
		SET status = $1, succeeded_count = $2, failed_count = $3, finished_at = $4
		WHERE id = $5
	`, RunStatusCompleted, succeeded, failed, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("finalize run log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRunLogNotFound
	}
	return nil
}

func (s *Store) LatestRunLog(ctx context.Context, userID uuid.UUID) (*SyncRunLog, error) {
	var log SyncRunLog
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, started_at, finished_at, status, succeeded_count, failed_count
		FROM sync_run_logs WHERE user_id = $1
		ORDER BY started_at DESC LIMIT 1
	`, userID)
	if err := row.Scan(&log.ID, &log.UserID, &log.StartedAt, &log.FinishedAt, &log.Status,
		&log.SucceededCount, &log.FailedCount); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest run log: %w", err)
	}
	return &log, nil
}

func (s *Store) InsertSnapshot(ctx context.Context, snap PortfolioSnapshot) error {
	if snap.ID == uuid.Nil {
		snap.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO portfolio_snapshots (id, user_id, taken_at, total_usd_value, delta_from_previous, delta_percent)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, snap.ID, snap.UserID, snap.TakenAt.UTC(), snap.TotalUSDValue.String(),
		snap.DeltaFromPrevious.String(), snap.DeltaPercent.String())
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func (s *Store) LatestSnapshotBefore(ctx context.Context, userID uuid.UUID, cutoff time.Time) (*PortfolioSnapshot, error) {
	snap := PortfolioSnapshot{UserID: userID}
	var totalStr, deltaStr, pctStr string
	row := s.pool.QueryRow(ctx, `
		SELECT id, taken_at, total_usd_value::text, delta_from_previous::text, delta_percent::text
		FROM portfolio_snapshots
		WHERE user_id = $1 AND taken_at < $2
		ORDER BY taken_at DESC LIMIT 1
	`, userID, cutoff.UTC())
	if err := row.Scan(&snap.ID, &snap.TakenAt, &totalStr, &deltaStr, &pctStr); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	var err error
	if snap.TotalUSDValue, err = decimal.NewFromString(totalStr); err != nil {
		return nil, fmt.Errorf("parse snapshot total: %w", err)
	}
	if snap.DeltaFromPrevious, err = decimal.NewFromString(deltaStr); err != nil {
		return nil, fmt.Errorf("parse snapshot delta: %w", err)
	}
	if snap.DeltaPercent, err = decimal.NewFromString(pctStr); err != nil {
		return nil, fmt.Errorf("parse snapshot delta percent: %w", err)
	}
	return &snap, nil
}

// TrimRunLogs keeps the most recent `keep` run logs for the user and
// deletes the rest.
func (s *Store) TrimRunLogs(ctx context.Context, userID uuid.UUID, keep int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM sync_run_logs
		WHERE user_id = $1 AND id NOT IN (
			SELECT id FROM sync_run_logs
			WHERE user_id = $1
			ORDER BY started_at DESC
			LIMIT $2
		)
	`, userID, keep)
	if err != nil {
		return 0, fmt.Errorf("trim run logs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) TrimAllRunLogs(ctx context.Context, keep int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM sync_run_logs
		WHERE id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (PARTITION BY user_id ORDER BY started_at DESC) AS rn
				FROM sync_run_logs
			) ranked
			WHERE ranked.rn > $1
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("trim all run logs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// AggregateSnapshots thins snapshots older than the cutoff down to the
// chronologically last one per user per calendar day.
func (s *Store) AggregateSnapshots(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM portfolio_snapshots
		WHERE taken_at < $1 AND id NOT IN (
			SELECT DISTINCT ON (user_id, date_trunc('day', taken_at)) id
			FROM portfolio_snapshots
			WHERE taken_at < $1
			ORDER BY user_id, date_trunc('day', taken_at), taken_at DESC
		)
	`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("aggregate snapshots: %w", err)
	}
	return tag.RowsAffected(), nil
}
