// Package exchange wraps third-party exchange SDKs behind one client
// contract: market metadata, current balances, a full ticker snapshot
// and keyed trade history. Symbols are canonical "BASE/QUOTE" strings
// regardless of the venue's native format.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	KindBinance = "binance"
	KindBybit   = "bybit"
)

var ErrUnsupportedExchange = errors.New("unsupported exchange")

type Credentials struct {
	APIKey     string
	APISecret  string
	Passphrase string
}

type Market struct {
	Symbol string
	Base   string
	Quote  string
}

type AssetBalance struct {
	Free   decimal.Decimal
	Locked decimal.Decimal
	Total  decimal.Decimal
}

type Ticker struct {
	Last decimal.Decimal
}

// Fill is one historical trade as reported by the venue.
type Fill struct {
	TradeID     string
	Symbol      string
	Side        string
	Price       decimal.Decimal
	Amount      decimal.Decimal
	Cost        decimal.Decimal
	Fee         decimal.Decimal
	FeeCurrency string
	ExecutedAt  time.Time
}

type Client interface {
	// LoadMarkets must be called before any other method; the other
	// calls rely on its symbol mapping.
	LoadMarkets(ctx context.Context) (map[string]Market, error)
	FetchBalance(ctx context.Context) (map[string]AssetBalance, error)
	FetchTickers(ctx context.Context) (map[string]Ticker, error)
	FetchMyTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]Fill, error)
}

type Factory interface {
	New(kind string, creds Credentials) (Client, error)
}

// SDKFactory builds clients backed by the official exchange SDKs.
type SDKFactory struct{}

func NewSDKFactory() *SDKFactory {
	return &SDKFactory{}
}

func (f *SDKFactory) New(kind string, creds Credentials) (Client, error) {
	switch kind {
	case KindBinance:
		return newBinanceClient(creds), nil
	case KindBybit:
		return newBybitClient(creds), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedExchange, kind)
	}
}
