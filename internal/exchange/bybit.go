package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/hirokisan/bybit/v2"
	"github.com/shopspring/decimal"
)

type bybitClient struct {
	api *bybit.Client

	mu             sync.RWMutex
	markets        map[string]Market
	nativeSymbols  map[string]string
	canonicalByRaw map[string]string
}

func newBybitClient(creds Credentials) *bybitClient {
	return &bybitClient{
		api: bybit.NewClient().WithAuth(creds.APIKey, creds.APISecret),
	}
}

func (c *bybitClient) LoadMarkets(ctx context.Context) (map[string]Market, error) {
	resp, err := c.api.V5().Market().GetInstrumentsInfo(bybit.V5GetInstrumentsInfoParam{
		Category: bybit.CategoryV5Spot,
	})
	if err != nil {
		return nil, fmt.Errorf("bybit instruments info: %w", err)
	}
	if resp.Result.Spot == nil {
		return nil, fmt.Errorf("bybit instruments info: empty spot result")
	}

	markets := make(map[string]Market)
	native := make(map[string]string)
	byRaw := make(map[string]string)
	for _, item := range resp.Result.Spot.List {
		base := string(item.BaseCoin)
		quote := string(item.QuoteCoin)
		if base == "" || quote == "" {
			continue
		}
		canonical := base + "/" + quote
		markets[canonical] = Market{Symbol: canonical, Base: base, Quote: quote}
		native[canonical] = string(item.Symbol)
		byRaw[string(item.Symbol)] = canonical
	}

	c.mu.Lock()
	c.markets = markets
	c.nativeSymbols = native
	c.canonicalByRaw = byRaw
	c.mu.Unlock()

	return markets, nil
}

func (c *bybitClient) FetchBalance(ctx context.Context) (map[string]AssetBalance, error) {
	res, err := c.api.V5().Account().GetWalletBalance(bybit.AccountTypeV5("UNIFIED"), nil)
	if err != nil {
		return nil, fmt.Errorf("bybit wallet balance: %w", err)
	}

	balances := make(map[string]AssetBalance)
	for _, account := range res.Result.List {
		for _, coin := range account.Coin {
			total, err := decimal.NewFromString(coin.WalletBalance)
			if err != nil {
				return nil, fmt.Errorf("bybit balance %s: %w", coin.Coin, err)
			}
			locked := decimal.Zero
			if coin.Locked != "" {
				if locked, err = decimal.NewFromString(coin.Locked); err != nil {
					return nil, fmt.Errorf("bybit locked %s: %w", coin.Coin, err)
				}
			}
			balances[string(coin.Coin)] = AssetBalance{
				Free:   total.Sub(locked),
				Locked: locked,
				Total:  total,
			}
		}
	}
	return balances, nil
}

func (c *bybitClient) FetchTickers(ctx context.Context) (map[string]Ticker, error) {
	res, err := c.api.V5().Market().GetTickers(bybit.V5GetTickersParam{
		Category: bybit.CategoryV5Spot,
	})
	if err != nil {
		return nil, fmt.Errorf("bybit tickers: %w", err)
	}

	c.mu.RLock()
	byRaw := c.canonicalByRaw
	c.mu.RUnlock()

	tickers := make(map[string]Ticker)
	for _, item := range res.Result.Spot.List {
		canonical, ok := byRaw[string(item.Symbol)]
		if !ok {
			continue
		}
		last, err := decimal.NewFromString(item.LastPrice)
		if err != nil {
			return nil, fmt.Errorf("bybit ticker %s: %w", item.Symbol, err)
		}
		tickers[canonical] = Ticker{Last: last}
	}
	return tickers, nil
}

func (c *bybitClient) FetchMyTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]Fill, error) {
	c.mu.RLock()
	raw, ok := c.nativeSymbols[symbol]
	market := c.markets[symbol]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("bybit: unknown symbol %s", symbol)
	}

	sym := bybit.SymbolV5(raw)
	param := bybit.V5GetExecutionParam{
		Category: bybit.CategoryV5Spot,
		Symbol:   &sym,
	}
	if !since.IsZero() {
		start := int(since.UnixMilli())
		param.StartTime = &start
	}
	if limit > 0 {
		param.Limit = &limit
	}

	res, err := c.api.V5().Execution().GetExecutionList(param)
	if err != nil {
		return nil, fmt.Errorf("bybit executions %s: %w", symbol, err)
	}

	fills := make([]Fill, 0, len(res.Result.List))
	for _, item := range res.Result.List {
		price, err := decimal.NewFromString(item.ExecPrice)
		if err != nil {
			return nil, fmt.Errorf("bybit execution %s price: %w", item.ExecID, err)
		}
		amount, err := decimal.NewFromString(item.ExecQty)
		if err != nil {
			return nil, fmt.Errorf("bybit execution %s qty: %w", item.ExecID, err)
		}
		fee := decimal.Zero
		if item.ExecFee != "" {
			if fee, err = decimal.NewFromString(item.ExecFee); err != nil {
				return nil, fmt.Errorf("bybit execution %s fee: %w", item.ExecID, err)
			}
		}
		execMillis, err := strconv.ParseInt(item.ExecTime, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bybit execution %s time: %w", item.ExecID, err)
		}

		side := "sell"
		// Spot fees are charged in the received currency.
		feeCurrency := market.Quote
		if item.Side == bybit.SideBuy {
			side = "buy"
			feeCurrency = market.Base
		}
		fills = append(fills, Fill{
			TradeID:     item.ExecID,
			Symbol:      symbol,
			Side:        side,
			Price:       price,
			Amount:      amount,
			Cost:        price.Mul(amount),
			Fee:         fee,
			FeeCurrency: feeCurrency,
			ExecutedAt:  time.UnixMilli(execMillis).UTC(),
		})
	}
	return fills, nil
}
