package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
)

type binanceClient struct {
	api *binance.Client

	mu             sync.RWMutex
	markets        map[string]Market
	nativeSymbols  map[string]string
	canonicalByRaw map[string]string
}

func newBinanceClient(creds Credentials) *binanceClient {
	return &binanceClient{
		api: binance.NewClient(creds.APIKey, creds.APISecret),
	}
}

func (c *binanceClient) LoadMarkets(ctx context.Context) (map[string]Market, error) {
	info, err := c.api.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance exchange info: %w", err)
	}

	markets := make(map[string]Market, len(info.Symbols))
	native := make(map[string]string, len(info.Symbols))
	byRaw := make(map[string]string, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		canonical := s.BaseAsset + "/" + s.QuoteAsset
		markets[canonical] = Market{Symbol: canonical, Base: s.BaseAsset, Quote: s.QuoteAsset}
		native[canonical] = s.Symbol
		byRaw[s.Symbol] = canonical
	}

	c.mu.Lock()
	c.markets = markets
	c.nativeSymbols = native
	c.canonicalByRaw = byRaw
	c.mu.Unlock()

	return markets, nil
}

func (c *binanceClient) FetchBalance(ctx context.Context) (map[string]AssetBalance, error) {
	account, err := c.api.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance account: %w", err)
	}

	balances := make(map[string]AssetBalance)
	for _, b := range account.Balances {
		free, err := decimal.NewFromString(b.Free)
		if err != nil {
			return nil, fmt.Errorf("binance balance %s free: %w", b.Asset, err)
		}
		locked, err := decimal.NewFromString(b.Locked)
		if err != nil {
			return nil, fmt.Errorf("binance balance %s locked: %w", b.Asset, err)
		}
		balances[b.Asset] = AssetBalance{
			Free:   free,
			Locked: locked,
			Total:  free.Add(locked),
		}
	}
	return balances, nil
}

func (c *binanceClient) FetchTickers(ctx context.Context) (map[string]Ticker, error) {
	prices, err := c.api.NewListPricesService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance prices: %w", err)
	}

	c.mu.RLock()
	byRaw := c.canonicalByRaw
	c.mu.RUnlock()

	tickers := make(map[string]Ticker, len(prices))
	for _, p := range prices {
		canonical, ok := byRaw[p.Symbol]
		if !ok {
			continue
		}
		last, err := decimal.NewFromString(p.Price)
		if err != nil {
			return nil, fmt.Errorf("binance price %s: %w", p.Symbol, err)
		}
		tickers[canonical] = Ticker{Last: last}
	}
	return tickers, nil
}

func (c *binanceClient) FetchMyTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]Fill, error) {
	c.mu.RLock()
	raw, ok := c.nativeSymbols[symbol]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("binance: unknown symbol %s", symbol)
	}

	svc := c.api.NewListTradesService().Symbol(raw)
	if limit > 0 {
		svc = svc.Limit(limit)
	}
	if !since.IsZero() {
		svc = svc.StartTime(since.UnixMilli())
	}
	trades, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance trades %s: %w", symbol, err)
	}

	fills := make([]Fill, 0, len(trades))
	for _, t := range trades {
		price, err := decimal.NewFromString(t.Price)
		if err != nil {
			return nil, fmt.Errorf("binance trade %d price: %w", t.ID, err)
		}
		amount, err := decimal.NewFromString(t.Quantity)
		if err != nil {
			return nil, fmt.Errorf("binance trade %d quantity: %w", t.ID, err)
		}
		cost, err := decimal.NewFromString(t.QuoteQuantity)
		if err != nil {
			return nil, fmt.Errorf("binance trade %d quote quantity: %w", t.ID, err)
		}
		fee, err := decimal.NewFromString(t.Commission)
		if err != nil {
			return nil, fmt.Errorf("binance trade %d commission: %w", t.ID, err)
		}
		side := "sell"
		if t.IsBuyer {
			side = "buy"
		}
		fills = append(fills, Fill{
			TradeID:     strconv.FormatInt(t.ID, 10),
			Symbol:      symbol,
			Side:        side,
			Price:       price,
			Amount:      amount,
			Cost:        cost,
			Fee:         fee,
			FeeCurrency: t.CommissionAsset,
			ExecutedAt:  time.UnixMilli(t.Time).UTC(),
		})
	}
	return fills, nil
}
