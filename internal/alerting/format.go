package alerting

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"liquidation-relay/internal/event"
	"liquidation-relay/internal/filter"
)

const markdownV2Special = "\\_*[]()~`>#+-=|{}.!"

// maxSkulls keeps the skull line bounded; larger notionals still show the exact value below it.
const maxSkulls = 20

var skullStep = decimal.NewFromInt(1_000_000)

// EscapeMarkdownV2 escapes every character Telegram's MarkdownV2 treats as syntax.
func EscapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if strings.ContainsRune(markdownV2Special, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Formatter renders liquidation events as MarkdownV2 alert text.
type Formatter struct {
	AssetEmoji map[string]string
	SourceTags map[event.Source]string
}

// NewFormatter returns a formatter with the default exchange tags and asset colours.
func NewFormatter() *Formatter {
	return &Formatter{
		AssetEmoji: map[string]string{"BTC": "🟠", "ETH": "🔵", "SOL": "🟣"},
		SourceTags: map[event.Source]string{
			event.SourceBinance:     "🔶 Binance",
			event.SourceBybit:       "🟨 Bybit",
			event.SourceHyperliquid: "🟩 Hyperliquid",
		},
	}
}

// Format renders an event. Tracked symbols carry the asset colour, channel events reproduce the upstream
// display strings verbatim.
func (f *Formatter) Format(ev event.Liquidation, class filter.Class) string {
	var b strings.Builder
	if skulls := Skulls(ev.Notional); skulls != "" {
		b.WriteString(skulls)
		b.WriteByte('\n')
	}

	tag := f.SourceTags[ev.Source]
	if tag == "" {
		tag = string(ev.Source)
	}
	fmt.Fprintf(&b, "*%s Liquidation\\!*\n", EscapeMarkdownV2(tag))

	switch class {
	case filter.ClassTracked:
		asset := ev.Asset()
		fmt.Fprintf(&b, "%s %s$%s\n", ev.Side, f.AssetEmoji[asset], EscapeMarkdownV2(asset))
	case filter.ClassAggregator:
		fmt.Fprintf(&b, "%s %s$%s\n", ev.Side, f.AssetEmoji[ev.Symbol], EscapeMarkdownV2(ev.Symbol))
	default:
		fmt.Fprintf(&b, "%s $%s\n", ev.Side, EscapeMarkdownV2(ev.Symbol))
	}

	value, price := "$"+FormatAmount(ev.Notional), FormatAmount(ev.Price)
	if ev.HasDisplay() {
		value, price = "$"+ev.NotionalDisplay, "$"+ev.PriceDisplay
	}
	fmt.Fprintf(&b, "*%s @ %s*", EscapeMarkdownV2(value), EscapeMarkdownV2(price))
	return b.String()
}

// Startup renders the banner announced when the relay starts.
func (f *Formatter) Startup(thresholds filter.Thresholds, sources []event.Source) string {
	names := make([]string, 0, len(sources))
	for _, src := range sources {
		names = append(names, string(src))
	}
	lines := []string{
		"🚀 *" + EscapeMarkdownV2("Liquidation Relay Active") + "*",
		"📊 " + EscapeMarkdownV2("Tracked: ≥$"+FormatAmount(thresholds.Tracked)),
		"💰 " + EscapeMarkdownV2("Others: ≥$"+FormatAmount(thresholds.Generic)),
		"🟩 " + EscapeMarkdownV2("Channel: ≥$"+FormatAmount(thresholds.Aggregator)),
		"🔌 " + EscapeMarkdownV2("Feeds: "+strings.Join(names, ", ")),
	}
	return strings.Join(lines, "\n")
}

// Skulls returns one 💀 per full million of notional, at most maxSkulls.
func Skulls(notional decimal.Decimal) string {
	millions := notional.Div(skullStep).Floor()
	if !millions.IsPositive() {
		return ""
	}
	n := maxSkulls
	if millions.LessThan(decimal.NewFromInt(maxSkulls)) {
		n = int(millions.IntPart())
	}
	return strings.Repeat("💀", n)
}

// FormatAmount renders a value with two decimals and thousands separators, e.g. 1,200,000.00.
func FormatAmount(d decimal.Decimal) string {
	fixed := d.StringFixed(2)
	sign := ""
	if strings.HasPrefix(fixed, "-") {
		sign, fixed = "-", fixed[1:]
	}
	intPart, frac, _ := strings.Cut(fixed, ".")

	var b strings.Builder
	for i, digit := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(digit)
	}
	return sign + b.String() + "." + frac
}
