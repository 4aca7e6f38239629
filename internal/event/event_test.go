package event

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestExchangeSide(t *testing.T) {
	cases := map[string]Side{
		"BUY":  SideShort,
		"Buy":  SideShort,
		"SELL": SideLong,
		"Sell": SideLong,
		"buy":  SideLong,
	}
	for token, want := range cases {
		if got := ExchangeSide(token); got != want {
			t.Fatalf("ExchangeSide(%q) = %s, want %s", token, got, want)
		}
	}
}

func TestParseChannelSideNotInverted(t *testing.T) {
	side, err := ParseChannelSide("Short")
	if err != nil || side != SideShort {
		t.Fatalf("Short should map to SHORT, got %s (%v)", side, err)
	}
	if _, err := ParseChannelSide("short"); err == nil {
		t.Fatal("lowercase token should be rejected")
	}
}

func TestNewValidatesInvariants(t *testing.T) {
	if _, err := New(Liquidation{Side: SideLong}); !errors.Is(err, ErrEmptySymbol) {
		t.Fatalf("expected ErrEmptySymbol, got %v", err)
	}
	if _, err := New(Liquidation{Symbol: "BTCUSDT", Side: SideLong, Notional: decimal.NewFromInt(-1)}); !errors.Is(err, ErrNegativeNotional) {
		t.Fatalf("expected ErrNegativeNotional, got %v", err)
	}
	if _, err := New(Liquidation{Symbol: "BTCUSDT"}); !errors.Is(err, ErrUnresolvedSide) {
		t.Fatalf("expected ErrUnresolvedSide, got %v", err)
	}

	ev, err := New(Liquidation{Symbol: " ETHUSDC ", Side: SideShort, Notional: decimal.NewFromInt(5)})
	if err != nil {
		t.Fatalf("valid event rejected: %v", err)
	}
	if ev.Symbol != "ETHUSDC" || ev.Asset() != "ETH" {
		t.Fatalf("unexpected symbol/asset %q/%q", ev.Symbol, ev.Asset())
	}
	if ev.ReceivedAt.IsZero() {
		t.Fatal("ReceivedAt should default to now")
	}
}

func TestParseSource(t *testing.T) {
	src, err := ParseSource(" Bybit ")
	if err != nil || src != SourceBybit {
		t.Fatalf("ParseSource bybit = %s, %v", src, err)
	}
	if _, err := ParseSource("kraken"); err == nil {
		t.Fatal("unknown source should error")
	}
	if SourceHyperliquid.IsExchange() || !SourceBinance.IsExchange() {
		t.Fatal("IsExchange classification wrong")
	}
}
