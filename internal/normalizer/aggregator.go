package normalizer

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"liquidation-relay/internal/event"
)

const displayNumber = `(?:\d{1,3}(?:,\d{3})+|\d+)(?:\.\d+)?`

// channelLine matches one full line of an aggregation channel post:
//
//	<marker> #<symbol> <Long|Short> Liquidation: $<value><k|M?> @ $<price>
var channelLine = regexp.MustCompile(
	`^\s*(\S+)\s+#([A-Za-z0-9]+)\s+(Long|Short)\s+Liquidation:\s+\$(` + displayNumber + `)([kM]?)\s+@\s+\$(` + displayNumber + `)\s*$`,
)

var (
	thousand = decimal.NewFromInt(1_000)
	million  = decimal.NewFromInt(1_000_000)
)

// Aggregator parses an aggregation channel post. The first line matching the full grammar wins; there is no
// partial extraction.
func Aggregator(text string) (event.Liquidation, error) {
	for _, line := range strings.Split(text, "\n") {
		m := channelLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		return aggregatorEvent(m[2], m[3], m[4]+m[5], m[6])
	}
	return event.Liquidation{}, ErrUnmatched
}

func aggregatorEvent(symbol, sideToken, valueDisplay, priceDisplay string) (event.Liquidation, error) {
	side, err := event.ParseChannelSide(sideToken)
	if err != nil {
		return event.Liquidation{}, fmt.Errorf("%w: %v", ErrUnmatched, err)
	}
	notional, err := ParseDisplayValue(valueDisplay)
	if err != nil {
		return event.Liquidation{}, fmt.Errorf("%w: value: %v", ErrInvalid, err)
	}
	price, err := ParseDisplayValue(priceDisplay)
	if err != nil {
		return event.Liquidation{}, fmt.Errorf("%w: price: %v", ErrInvalid, err)
	}

	return event.New(event.Liquidation{
		Source:          event.SourceHyperliquid,
		Symbol:          symbol,
		Side:            side,
		Price:           price,
		Notional:        notional,
		PriceDisplay:    priceDisplay,
		NotionalDisplay: valueDisplay,
		ReceivedAt:      time.Now().UTC(),
	})
}

// ParseDisplayValue expands a dollar display string such as "$76.63k", "$23.44M" or "$3,806.3".
func ParseDisplayValue(display string) (decimal.Decimal, error) {
	s := strings.TrimSpace(display)
	s = strings.TrimPrefix(s, "$")
	if s == "" {
		return decimal.Decimal{}, errors.New("empty display value")
	}

	multiplier := decimal.NewFromInt(1)
	switch s[len(s)-1] {
	case 'k':
		multiplier = thousand
		s = s[:len(s)-1]
	case 'M':
		multiplier = million
		s = s[:len(s)-1]
	}

	s = strings.ReplaceAll(s, ",", "")
	value, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse %q: %w", display, err)
	}
	if value.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("negative display value %q", display)
	}
	return value.Mul(multiplier), nil
}

// RenderAggregator renders an event back into the channel grammar. Display strings are used verbatim when
// present.
func RenderAggregator(ev event.Liquidation) string {
	marker, word := "🟢", "Long"
	if ev.Side == event.SideShort {
		marker, word = "🔴", "Short"
	}
	value := ev.NotionalDisplay
	if value == "" {
		value = ev.Notional.String()
	}
	price := ev.PriceDisplay
	if price == "" {
		price = ev.Price.String()
	}
	return fmt.Sprintf("%s #%s %s Liquidation: $%s @ $%s", marker, ev.Symbol, word, value, price)
}
