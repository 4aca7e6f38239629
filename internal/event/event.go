package event

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Source identifies the upstream feed an event came from.
type Source string

const (
	SourceBinance     Source = "binance"
	SourceBybit       Source = "bybit"
	SourceHyperliquid Source = "hyperliquid"
)

// Sources lists every known feed in start-up order.
var Sources = []Source{SourceBinance, SourceBybit, SourceHyperliquid}

// IsExchange reports whether the source is a direct exchange stream rather than the aggregation channel.
func (s Source) IsExchange() bool {
	return s == SourceBinance || s == SourceBybit
}

// Valid reports whether s is one of the known sources.
func (s Source) Valid() bool {
	for _, known := range Sources {
		if s == known {
			return true
		}
	}
	return false
}

// ParseSource resolves a configured source name.
func ParseSource(name string) (Source, error) {
	s := Source(strings.ToLower(strings.TrimSpace(name)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown source %q", name)
	}
	return s, nil
}

// Side is the direction of the liquidated position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// ExchangeSide maps an exchange order side token to the liquidated position.
// A forced BUY closes a short, so BUY/Buy resolve to SHORT and everything else to LONG.
func ExchangeSide(token string) Side {
	if token == "BUY" || token == "Buy" {
		return SideShort
	}
	return SideLong
}

// ParseChannelSide maps the aggregation channel's literal Long/Short token. It is not inverted.
func ParseChannelSide(token string) (Side, error) {
	switch token {
	case "Long":
		return SideLong, nil
	case "Short":
		return SideShort, nil
	default:
		return "", fmt.Errorf("unknown side token %q", token)
	}
}

var (
	// ErrEmptySymbol rejects events without an instrument.
	ErrEmptySymbol = errors.New("event: symbol is empty")
	// ErrNegativeNotional rejects events with a negative notional value.
	ErrNegativeNotional = errors.New("event: notional value is negative")
	// ErrUnresolvedSide rejects events whose side is neither LONG nor SHORT.
	ErrUnresolvedSide = errors.New("event: side unresolved")
)

// Liquidation is a normalized liquidation event. Treat it as an immutable value.
type Liquidation struct {
	Source   Source
	Symbol   string
	Side     Side
	Quantity decimal.Decimal
	Price    decimal.Decimal
	Notional decimal.Decimal

	// PriceDisplay and NotionalDisplay carry the upstream human formatting (separators and
	// magnitude suffix intact) when the source only publishes display strings.
	PriceDisplay    string
	NotionalDisplay string

	ReceivedAt time.Time
}

// New validates the invariants and returns the event.
func New(ev Liquidation) (Liquidation, error) {
	ev.Symbol = strings.TrimSpace(ev.Symbol)
	if ev.Symbol == "" {
		return Liquidation{}, ErrEmptySymbol
	}
	if ev.Notional.IsNegative() {
		return Liquidation{}, ErrNegativeNotional
	}
	if ev.Side != SideLong && ev.Side != SideShort {
		return Liquidation{}, ErrUnresolvedSide
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}
	return ev, nil
}

// HasDisplay reports whether the event carries upstream display strings that must be reproduced verbatim.
func (l Liquidation) HasDisplay() bool {
	return l.NotionalDisplay != "" && l.PriceDisplay != ""
}

// Asset strips the USDT/USDC quote from exchange symbols.
func (l Liquidation) Asset() string {
	asset := strings.ReplaceAll(l.Symbol, "USDT", "")
	return strings.ReplaceAll(asset, "USDC", "")
}
