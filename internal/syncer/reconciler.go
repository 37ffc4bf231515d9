package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cryptofolio/syncd/internal/creds"
	"github.com/cryptofolio/syncd/internal/exchange"
	"github.com/cryptofolio/syncd/internal/storage"
	"github.com/cryptofolio/syncd/internal/valuation"
	"github.com/google/uuid"
)

const (
	pairFetchBatchSize = 3
	tradeFetchLimit    = 500
	// First sync backfills deep so the trade history is complete for
	// tax and audit purposes.
	firstSyncBackfill = 5 * 365 * 24 * time.Hour
)

var quoteCurrencies = []string{"USDT", "USDC", "BTC", "ETH"}

type accountStore interface {
	ReplaceBalances(ctx context.Context, accountID uuid.UUID, balances []storage.Balance) error
	UpsertTrades(ctx context.Context, accountID uuid.UUID, trades []storage.Trade) (int, error)
	LatestTradeTime(ctx context.Context, accountID uuid.UUID) (*time.Time, error)
	TradedBaseAssets(ctx context.Context, accountID uuid.UUID) ([]string, error)
	MarkAccountSynced(ctx context.Context, accountID uuid.UUID, at time.Time, tradeCount *int) error
}

// Reconciler brings one account's balances and trade history in line
// with the exchange. Every write is an idempotent upsert, so a re-run
// after a partial failure converges instead of corrupting state.
type Reconciler struct {
	store     accountStore
	factory   exchange.Factory
	decrypter creds.Decrypter
	logger    *slog.Logger
	metrics   *Metrics
	now       func() time.Time
}

func NewReconciler(store accountStore, factory exchange.Factory, decrypter creds.Decrypter, logger *slog.Logger, metrics *Metrics) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:     store,
		factory:   factory,
		decrypter: decrypter,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
	}
}

func (r *Reconciler) Reconcile(ctx context.Context, account storage.ExchangeAccount) error {
	err := r.reconcile(ctx, account)
	if r.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		r.metrics.AccountSyncs.WithLabelValues(account.Exchange, status).Inc()
	}
	return err
}

func (r *Reconciler) reconcile(ctx context.Context, account storage.ExchangeAccount) error {
	client, err := r.buildClient(account)
	if err != nil {
		return err
	}

	// Without market metadata neither balances nor trades can be
	// trusted for this account.
	markets, err := client.LoadMarkets(ctx)
	if err != nil {
		return fmt.Errorf("load markets: %w", err)
	}

	// One snapshot for the whole exchange amortizes price lookups
	// across every asset in the account.
	tickers, err := client.FetchTickers(ctx)
	if err != nil {
		return fmt.Errorf("fetch tickers: %w", err)
	}

	held, err := r.reconcileBalances(ctx, account, client, tickers)
	if err != nil {
		return err
	}

	fetched, tradeErr := r.syncTrades(ctx, account, client, markets, held)
	syncedAt := r.now().UTC()
	if tradeErr != nil {
		// Still update lastSyncAt so the account is not perpetually
		// considered never-synced; the trade count stays untouched.
		if markErr := r.store.MarkAccountSynced(ctx, account.ID, syncedAt, nil); markErr != nil {
			r.logger.Error("mark account synced failed", "account_id", account.ID, "error", markErr)
		}
		return fmt.Errorf("sync trades: %w", tradeErr)
	}
	if err := r.store.MarkAccountSynced(ctx, account.ID, syncedAt, &fetched); err != nil {
		return fmt.Errorf("mark account synced: %w", err)
	}
	return nil
}

func (r *Reconciler) buildClient(account storage.ExchangeAccount) (exchange.Client, error) {
	apiKey, err := r.decrypter.Decrypt(account.APIKeyEnc)
	if err != nil {
		return nil, fmt.Errorf("decrypt api key: %w", err)
	}
	apiSecret, err := r.decrypter.Decrypt(account.APISecretEnc)
	if err != nil {
		return nil, fmt.Errorf("decrypt api secret: %w", err)
	}
	passphrase, err := r.decrypter.Decrypt(account.PassphraseEnc)
	if err != nil {
		return nil, fmt.Errorf("decrypt passphrase: %w", err)
	}
	client, err := r.factory.New(account.Exchange, exchange.Credentials{
		APIKey:     apiKey,
		APISecret:  apiSecret,
		Passphrase: passphrase,
	})
	if err != nil {
		return nil, fmt.Errorf("build exchange client: %w", err)
	}
	return client, nil
}

// reconcileBalances upserts every nonzero holding and removes rows for
// assets no longer present on the exchange. Returns the held assets so
// the trade phase can include them in its query universe.
func (r *Reconciler) reconcileBalances(ctx context.Context, account storage.ExchangeAccount, client exchange.Client, tickers map[string]exchange.Ticker) ([]string, error) {
	raw, err := client.FetchBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch balance: %w", err)
	}

	var (
		balances []storage.Balance
		held     []string
	)
	for asset, b := range raw {
		if !b.Total.IsPositive() {
			continue
		}
		balances = append(balances, storage.Balance{
			ExchangeAccountID: account.ID,
			Asset:             asset,
			Free:              b.Free,
			Locked:            b.Locked,
			Total:             b.Total,
			USDValue:          valuation.USDValue(tickers, asset, b.Total),
		})
		held = append(held, asset)
	}

	if err := r.store.ReplaceBalances(ctx, account.ID, balances); err != nil {
		return nil, fmt.Errorf("replace balances: %w", err)
	}
	return held, nil
}

func (r *Reconciler) syncTrades(ctx context.Context, account storage.ExchangeAccount, client exchange.Client, markets map[string]exchange.Market, held []string) (int, error) {
	since, err := r.fetchCursor(ctx, account.ID)
	if err != nil {
		return 0, err
	}

	assets, err := r.assetUniverse(ctx, account.ID, held)
	if err != nil {
		return 0, err
	}
	pairs := candidatePairs(assets, markets)

	fills, fetchErrs := r.fetchPairs(ctx, account, client, pairs, since)

	trades := make([]storage.Trade, 0, len(fills))
	for _, f := range fills {
		trades = append(trades, storage.Trade{
			ExchangeAccountID: account.ID,
			ExchangeTradeID:   f.TradeID,
			Symbol:            f.Symbol,
			Side:              f.Side,
			Price:             f.Price,
			Amount:            f.Amount,
			Cost:              f.Cost,
			Fee:               f.Fee,
			FeeCurrency:       f.FeeCurrency,
			ExecutedAt:        f.ExecutedAt,
		})
	}
	if _, err := r.store.UpsertTrades(ctx, account.ID, trades); err != nil {
		return 0, fmt.Errorf("upsert trades: %w", err)
	}
	if r.metrics != nil {
		r.metrics.TradesFetched.Add(float64(len(fills)))
	}

	// Successful pairs are already persisted; surviving errors still
	// mark the account as a partial failure.
	if len(fetchErrs) > 0 {
		return len(fills), errors.Join(fetchErrs...)
	}
	return len(fills), nil
}

func (r *Reconciler) fetchCursor(ctx context.Context, accountID uuid.UUID) (time.Time, error) {
	last, err := r.store.LatestTradeTime(ctx, accountID)
	if err != nil {
		return time.Time{}, fmt.Errorf("load trade cursor: %w", err)
	}
	if last != nil {
		return last.Add(time.Millisecond), nil
	}
	return r.now().Add(-firstSyncBackfill), nil
}

// assetUniverse is the union of currently held assets and the base
// asset of every symbol ever traded, so a sell that fully liquidates a
// position is still captured.
func (r *Reconciler) assetUniverse(ctx context.Context, accountID uuid.UUID, held []string) ([]string, error) {
	traded, err := r.store.TradedBaseAssets(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load traded assets: %w", err)
	}
	seen := make(map[string]struct{}, len(held)+len(traded))
	var assets []string
	for _, lists := range [][]string{held, traded} {
		for _, asset := range lists {
			if _, ok := seen[asset]; ok {
				continue
			}
			seen[asset] = struct{}{}
			assets = append(assets, asset)
		}
	}
	return assets, nil
}

func candidatePairs(assets []string, markets map[string]exchange.Market) []string {
	var pairs []string
	for _, asset := range assets {
		for _, quote := range quoteCurrencies {
			if asset == quote {
				continue
			}
			symbol := asset + "/" + quote
			if _, ok := markets[symbol]; ok {
				pairs = append(pairs, symbol)
			}
		}
	}
	return pairs
}

// fetchPairs pulls trade history for every pair in small concurrent
// batches. The join is fail-independent: one pair's failure never
// drops another pair's results.
func (r *Reconciler) fetchPairs(ctx context.Context, account storage.ExchangeAccount, client exchange.Client, pairs []string, since time.Time) ([]exchange.Fill, []error) {
	var (
		mu    sync.Mutex
		fills []exchange.Fill
		errs  []error
	)
	for start := 0; start < len(pairs); start += pairFetchBatchSize {
		end := start + pairFetchBatchSize
		if end > len(pairs) {
			end = len(pairs)
		}

		var wg sync.WaitGroup
		for _, pair := range pairs[start:end] {
			wg.Add(1)
			go func(symbol string) {
				defer wg.Done()
				batch, err := client.FetchMyTrades(ctx, symbol, since, tradeFetchLimit)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					r.logger.Warn("pair trade fetch failed",
						"account_id", account.ID, "symbol", symbol, "error", err)
					errs = append(errs, fmt.Errorf("fetch %s: %w", symbol, err))
					return
				}
				fills = append(fills, batch...)
			}(pair)
		}
		wg.Wait()
	}
	return fills, errs
}
