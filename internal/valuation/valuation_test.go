package valuation

import (
	"testing"

	"github.com/cryptofolio/syncd/internal/exchange"
	"github.com/shopspring/decimal"
)

func ticker(last string) exchange.Ticker {
	return exchange.Ticker{Last: decimal.RequireFromString(last)}
}

func TestUSDValueStablecoin(t *testing.T) {
	got := USDValue(nil, "USDC", decimal.RequireFromString("150.5"))
	if !got.Equal(decimal.RequireFromString("150.5")) {
		t.Fatalf("expected 150.5, got %s", got)
	}
}

func TestUSDValueDirectUSDT(t *testing.T) {
	tickers := map[string]exchange.Ticker{
		"ETH/USDT": ticker("2000"),
	}
	got := USDValue(tickers, "ETH", decimal.RequireFromString("2"))
	if !got.Equal(decimal.RequireFromString("4000")) {
		t.Fatalf("expected 4000, got %s", got)
	}
}

func TestUSDValueFallsBackToUSDC(t *testing.T) {
	tickers := map[string]exchange.Ticker{
		"SOL/USDC": ticker("100"),
	}
	got := USDValue(tickers, "SOL", decimal.RequireFromString("3"))
	if !got.Equal(decimal.RequireFromString("300")) {
		t.Fatalf("expected 300, got %s", got)
	}
}

func TestUSDValueBTCBridge(t *testing.T) {
	tickers := map[string]exchange.Ticker{
		"RARE/BTC": ticker("0.0001"),
		"BTC/USDT": ticker("50000"),
	}
	got := USDValue(tickers, "RARE", decimal.RequireFromString("10"))
	if !got.Equal(decimal.RequireFromString("50")) {
		t.Fatalf("expected 50, got %s", got)
	}
}

func TestUSDValueETHBridgeWhenBTCRouteIncomplete(t *testing.T) {
	tickers := map[string]exchange.Ticker{
		// asset/BTC exists but BTC/USDT does not, so the BTC bridge
		// cannot complete.
		"OLD/BTC":  ticker("0.001"),
		"OLD/ETH":  ticker("0.01"),
		"ETH/USDT": ticker("2000"),
	}
	got := USDValue(tickers, "OLD", decimal.RequireFromString("5"))
	if !got.Equal(decimal.RequireFromString("100")) {
		t.Fatalf("expected 100, got %s", got)
	}
}

func TestUSDValueUnpriceableIsZero(t *testing.T) {
	got := USDValue(map[string]exchange.Ticker{}, "OBSCURE", decimal.RequireFromString("1000"))
	if !got.IsZero() {
		t.Fatalf("expected zero, got %s", got)
	}
}

func TestUSDValueZeroAmount(t *testing.T) {
	tickers := map[string]exchange.Ticker{
		"ETH/USDT": ticker("2000"),
	}
	if got := USDValue(tickers, "ETH", decimal.Zero); !got.IsZero() {
		t.Fatalf("expected zero, got %s", got)
	}
}

func TestUSDValueDirectQuotePreferredOverBridge(t *testing.T) {
	tickers := map[string]exchange.Ticker{
		"ETH/USDT": ticker("2000"),
		"ETH/BTC":  ticker("0.05"),
		"BTC/USDT": ticker("50000"),
	}
	got := USDValue(tickers, "ETH", decimal.RequireFromString("1"))
	if !got.Equal(decimal.RequireFromString("2000")) {
		t.Fatalf("expected direct quote 2000, got %s", got)
	}
}

func TestIsStablecoin(t *testing.T) {
	if !IsStablecoin("usdt") {
		t.Fatal("expected usdt to be a stablecoin")
	}
	if IsStablecoin("ETH") {
		t.Fatal("expected ETH not to be a stablecoin")
	}
}
