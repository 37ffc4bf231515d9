package storage

import (
	"context"
	"testing"
	"time"

	"github.com/cryptofolio/syncd/internal/testutil"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

func insertAccount(t *testing.T, pool *pgxpool.Pool, userID uuid.UUID) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := pool.Exec(context.Background(), `
		INSERT INTO exchange_accounts (id, user_id, exchange, api_key_enc, api_secret_enc)
		VALUES ($1, $2, 'binance', 'k', 's')
	`, id, userID)
	if err != nil {
		t.Fatalf("insert account: %v", err)
	}
	return id
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("parse decimal %q: %v", s, err)
	}
	return d
}

func TestReplaceBalancesConverges(t *testing.T) {
	pool := testutil.Setup(t)
	store := New(pool, nil)
	ctx := context.Background()
	accountID := insertAccount(t, pool, uuid.New())

	first := []Balance{
		{Asset: "BTC", Free: dec(t, "1"), Locked: dec(t, "0"), Total: dec(t, "1"), USDValue: dec(t, "50000")},
		{Asset: "ETH", Free: dec(t, "10"), Locked: dec(t, "0"), Total: dec(t, "10"), USDValue: dec(t, "30000")},
	}
	if err := store.ReplaceBalances(ctx, accountID, first); err != nil {
		t.Fatalf("first replace: %v", err)
	}

	// ETH was sold off; only BTC remains on the exchange.
	second := []Balance{
		{Asset: "BTC", Free: dec(t, "2"), Locked: dec(t, "0"), Total: dec(t, "2"), USDValue: dec(t, "100000")},
	}
	if err := store.ReplaceBalances(ctx, accountID, second); err != nil {
		t.Fatalf("second replace: %v", err)
	}

	got, err := store.ListBalances(ctx, accountID)
	if err != nil {
		t.Fatalf("list balances: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("balances = %d, want 1 after stale delete", len(got))
	}
	if got[0].Asset != "BTC" || !got[0].Total.Equal(dec(t, "2")) {
		t.Fatalf("balance = %+v", got[0])
	}
}

func TestUpsertTradesImmutable(t *testing.T) {
	pool := testutil.Setup(t)
	store := New(pool, nil)
	ctx := context.Background()
	accountID := insertAccount(t, pool, uuid.New())

	trade := Trade{
		ExchangeAccountID: accountID,
		ExchangeTradeID:   "t-1",
		Symbol:            "BTC/USDT",
		Side:              "buy",
		Price:             dec(t, "50000"),
		Amount:            dec(t, "0.1"),
		Cost:              dec(t, "5000"),
		Fee:               dec(t, "5"),
		FeeCurrency:       "USDT",
		ExecutedAt:        time.Now().UTC().Truncate(time.Millisecond),
	}

	inserted, err := store.UpsertTrades(ctx, accountID, []Trade{trade})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if inserted != 1 {
		t.Fatalf("inserted = %d, want 1", inserted)
	}

	// Re-fetching history replays the same trade; the row must not
	// change and the insert count must be zero.
	replay := trade
	replay.Price = dec(t, "99999")
	inserted, err = store.UpsertTrades(ctx, accountID, []Trade{replay})
	if err != nil {
		t.Fatalf("replay upsert: %v", err)
	}
	if inserted != 0 {
		t.Fatalf("replay inserted = %d, want 0", inserted)
	}

	count, err := store.CountTrades(ctx, accountID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("trades = %d, want 1", count)
	}
}

func TestUpsertTradesChunked(t *testing.T) {
	pool := testutil.Setup(t)
	store := New(pool, nil)
	ctx := context.Background()
	accountID := insertAccount(t, pool, uuid.New())

	trades := make([]Trade, 0, 120)
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 120; i++ {
		trades = append(trades, Trade{
			ExchangeAccountID: accountID,
			ExchangeTradeID:   uuid.NewString(),
			Symbol:            "ETH/USDT",
			Side:              "sell",
			Price:             dec(t, "3000"),
			Amount:            dec(t, "1"),
			Cost:              dec(t, "3000"),
			Fee:               dec(t, "3"),
			FeeCurrency:       "USDT",
			ExecutedAt:        base.Add(time.Duration(i) * time.Second),
		})
	}

	inserted, err := store.UpsertTrades(ctx, accountID, trades)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if inserted != 120 {
		t.Fatalf("inserted = %d, want 120", inserted)
	}

	latest, err := store.LatestTradeTime(ctx, accountID)
	if err != nil {
		t.Fatalf("latest trade time: %v", err)
	}
	want := base.Add(119 * time.Second)
	if latest == nil || !latest.Equal(want) {
		t.Fatalf("latest = %v, want %v", latest, want)
	}
}

func TestTradedBaseAssets(t *testing.T) {
	pool := testutil.Setup(t)
	store := New(pool, nil)
	ctx := context.Background()
	accountID := insertAccount(t, pool, uuid.New())

	for _, symbol := range []string{"BTC/USDT", "BTC/USDC", "SOL/USDT"} {
		_, err := store.UpsertTrades(ctx, accountID, []Trade{{
			ExchangeAccountID: accountID,
			ExchangeTradeID:   uuid.NewString(),
			Symbol:            symbol,
			Side:              "buy",
			Price:             dec(t, "1"),
			Amount:            dec(t, "1"),
			Cost:              dec(t, "1"),
			Fee:               dec(t, "0"),
			ExecutedAt:        time.Now().UTC(),
		}})
		if err != nil {
			t.Fatalf("upsert %s: %v", symbol, err)
		}
	}

	assets, err := store.TradedBaseAssets(ctx, accountID)
	if err != nil {
		t.Fatalf("traded assets: %v", err)
	}
	if len(assets) != 2 {
		t.Fatalf("assets = %v, want BTC and SOL", assets)
	}
}

func TestRunLogLifecycle(t *testing.T) {
	pool := testutil.Setup(t)
	store := New(pool, nil)
	ctx := context.Background()
	userID := uuid.New()

	log, err := store.CreateRunLog(ctx, userID)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if log.Status != RunStatusRunning {
		t.Fatalf("status = %q, want running", log.Status)
	}

	if err := store.FinalizeRunLog(ctx, log.ID, 2, 1); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	latest, err := store.LatestRunLog(ctx, userID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest == nil || latest.ID != log.ID {
		t.Fatalf("latest = %+v, want %s", latest, log.ID)
	}
	if latest.Status != RunStatusCompleted || latest.SucceededCount != 2 || latest.FailedCount != 1 {
		t.Fatalf("latest = %+v", latest)
	}
	if latest.FinishedAt == nil {
		t.Fatal("finished_at must be set")
	}

	if err := store.FinalizeRunLog(ctx, uuid.New(), 0, 0); err != ErrRunLogNotFound {
		t.Fatalf("finalize missing = %v, want ErrRunLogNotFound", err)
	}
}

func TestLatestRunLogEmpty(t *testing.T) {
	pool := testutil.Setup(t)
	store := New(pool, nil)

	latest, err := store.LatestRunLog(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest != nil {
		t.Fatalf("latest = %+v, want nil", latest)
	}
}

func TestTrimRunLogsKeepsNewest(t *testing.T) {
	pool := testutil.Setup(t)
	store := New(pool, nil)
	ctx := context.Background()
	userID := uuid.New()

	var newest uuid.UUID
	for i := 0; i < 5; i++ {
		log, err := store.CreateRunLog(ctx, userID)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		// Spread started_at so ordering is deterministic.
		_, err = pool.Exec(ctx, `UPDATE sync_run_logs SET started_at = $1 WHERE id = $2`,
			time.Now().UTC().Add(time.Duration(i)*time.Minute), log.ID)
		if err != nil {
			t.Fatalf("adjust time: %v", err)
		}
		newest = log.ID
	}

	deleted, err := store.TrimRunLogs(ctx, userID, 2)
	if err != nil {
		t.Fatalf("trim: %v", err)
	}
	if deleted != 3 {
		t.Fatalf("deleted = %d, want 3", deleted)
	}

	latest, err := store.LatestRunLog(ctx, userID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest == nil || latest.ID != newest {
		t.Fatal("newest run log must survive the trim")
	}
}

func TestAggregateSnapshotsKeepsOnePerDay(t *testing.T) {
	pool := testutil.Setup(t)
	store := New(pool, nil)
	ctx := context.Background()
	userID := uuid.New()

	// Ten snapshots spread over three old days.
	base := time.Now().UTC().Add(-30 * 24 * time.Hour).Truncate(24 * time.Hour)
	for day := 0; day < 3; day++ {
		perDay := 3
		if day == 0 {
			perDay = 4
		}
		for i := 0; i < perDay; i++ {
			snap := PortfolioSnapshot{
				ID:            uuid.New(),
				UserID:        userID,
				TakenAt:       base.Add(time.Duration(day)*24*time.Hour + time.Duration(i)*time.Hour),
				TotalUSDValue: dec(t, "1000"),
			}
			if err := store.InsertSnapshot(ctx, snap); err != nil {
				t.Fatalf("insert snapshot: %v", err)
			}
		}
	}

	deleted, err := store.AggregateSnapshots(ctx, time.Now().UTC().Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if deleted != 7 {
		t.Fatalf("deleted = %d, want 7 of 10", deleted)
	}

	var remaining int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM portfolio_snapshots WHERE user_id = $1`, userID).Scan(&remaining); err != nil {
		t.Fatalf("count: %v", err)
	}
	if remaining != 3 {
		t.Fatalf("remaining = %d, want one per day", remaining)
	}
}

func TestTotalUSDValueSumsAcrossAccounts(t *testing.T) {
	pool := testutil.Setup(t)
	store := New(pool, nil)
	ctx := context.Background()
	userID := uuid.New()
	first := insertAccount(t, pool, userID)
	second := insertAccount(t, pool, userID)

	if err := store.ReplaceBalances(ctx, first, []Balance{
		{Asset: "BTC", Free: dec(t, "1"), Locked: dec(t, "0"), Total: dec(t, "1"), USDValue: dec(t, "50000")},
	}); err != nil {
		t.Fatalf("replace first: %v", err)
	}
	if err := store.ReplaceBalances(ctx, second, []Balance{
		{Asset: "USDT", Free: dec(t, "250"), Locked: dec(t, "0"), Total: dec(t, "250"), USDValue: dec(t, "250")},
	}); err != nil {
		t.Fatalf("replace second: %v", err)
	}

	total, err := store.TotalUSDValue(ctx, userID)
	if err != nil {
		t.Fatalf("total: %v", err)
	}
	if !total.Equal(dec(t, "50250")) {
		t.Fatalf("total = %s, want 50250", total)
	}
}

func TestMarkAccountSynced(t *testing.T) {
	pool := testutil.Setup(t)
	store := New(pool, nil)
	ctx := context.Background()
	userID := uuid.New()
	accountID := insertAccount(t, pool, userID)

	at := time.Now().UTC().Truncate(time.Millisecond)
	count := 42
	if err := store.MarkAccountSynced(ctx, accountID, at, &count); err != nil {
		t.Fatalf("mark with count: %v", err)
	}

	accountsList, err := store.ActiveAccounts(ctx, userID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(accountsList) != 1 {
		t.Fatalf("accounts = %d, want 1", len(accountsList))
	}
	a := accountsList[0]
	if a.LastSyncAt == nil || !a.LastSyncAt.Equal(at) || a.LastSyncTradeCount != 42 {
		t.Fatalf("account = %+v", a)
	}

	// A partial run updates the timestamp only.
	later := at.Add(time.Minute)
	if err := store.MarkAccountSynced(ctx, accountID, later, nil); err != nil {
		t.Fatalf("mark without count: %v", err)
	}
	accountsList, err = store.ActiveAccounts(ctx, userID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	a = accountsList[0]
	if !a.LastSyncAt.Equal(later) || a.LastSyncTradeCount != 42 {
		t.Fatalf("after partial mark = %+v", a)
	}
}
