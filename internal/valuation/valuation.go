// Package valuation converts raw asset amounts into USD using one
// ticker snapshot, so every asset in a reconciliation is priced
// against the same instant.
package valuation

import (
	"strings"

	"github.com/cryptofolio/syncd/internal/exchange"
	"github.com/shopspring/decimal"
)

var stablecoins = map[string]struct{}{
	"USDT":  {},
	"USDC":  {},
	"USD":   {},
	"BUSD":  {},
	"DAI":   {},
	"TUSD":  {},
	"FDUSD": {},
}

// USDValue prices amount units of asset. Policy, in order: stablecoin
// 1:1, direct USDT quote, direct USDC quote, BTC bridge, ETH bridge.
// Assets with no usable route are worth zero, which is not an error.
func USDValue(tickers map[string]exchange.Ticker, asset string, amount decimal.Decimal) decimal.Decimal {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if asset == "" || amount.IsZero() {
		return decimal.Zero
	}
	if _, ok := stablecoins[asset]; ok {
		return amount
	}

	if t, ok := tickers[asset+"/USDT"]; ok {
		return amount.Mul(t.Last)
	}
	if t, ok := tickers[asset+"/USDC"]; ok {
		return amount.Mul(t.Last)
	}

	if usd := bridge(tickers, asset, "BTC", amount); !usd.IsZero() {
		return usd
	}
	if usd := bridge(tickers, asset, "ETH", amount); !usd.IsZero() {
		return usd
	}
	return decimal.Zero
}

func bridge(tickers map[string]exchange.Ticker, asset, via string, amount decimal.Decimal) decimal.Decimal {
	assetVia, ok := tickers[asset+"/"+via]
	if !ok {
		return decimal.Zero
	}
	viaUSDT, ok := tickers[via+"/USDT"]
	if !ok {
		return decimal.Zero
	}
	return amount.Mul(assetVia.Last).Mul(viaUSDT.Last)
}

// IsStablecoin reports whether asset is valued 1:1 against USD.
func IsStablecoin(asset string) bool {
	_, ok := stablecoins[strings.ToUpper(strings.TrimSpace(asset))]
	return ok
}
