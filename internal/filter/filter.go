package filter

import (
	"strings"

	"github.com/shopspring/decimal"

	"liquidation-relay/internal/event"
)

// Class separates specially tracked symbols from everything else.
type Class string

const (
	ClassTracked    Class = "tracked"
	ClassGeneric    Class = "generic"
	ClassAggregator Class = "aggregator"
)

// Thresholds holds the minimum notional per symbol class.
type Thresholds struct {
	Tracked    decimal.Decimal
	Generic    decimal.Decimal
	Aggregator decimal.Decimal
}

// Filter decides whether an event crosses its notification threshold. It is read-only after construction.
type Filter struct {
	thresholds Thresholds
	tracked    map[string]struct{}
}

// New builds a filter from thresholds and the tracked symbol set.
func New(thresholds Thresholds, trackedSymbols []string) *Filter {
	tracked := make(map[string]struct{}, len(trackedSymbols))
	for _, sym := range trackedSymbols {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym != "" {
			tracked[sym] = struct{}{}
		}
	}
	return &Filter{thresholds: thresholds, tracked: tracked}
}

// Classify returns the threshold class of an event.
func (f *Filter) Classify(ev event.Liquidation) Class {
	if !ev.Source.IsExchange() {
		return ClassAggregator
	}
	if _, ok := f.tracked[ev.Symbol]; ok {
		return ClassTracked
	}
	return ClassGeneric
}

// Threshold returns the minimum notional for a class.
func (f *Filter) Threshold(class Class) decimal.Decimal {
	switch class {
	case ClassTracked:
		return f.thresholds.Tracked
	case ClassAggregator:
		return f.thresholds.Aggregator
	default:
		return f.thresholds.Generic
	}
}

// Passes reports whether the event's notional reaches the threshold of its class.
func (f *Filter) Passes(ev event.Liquidation) bool {
	return ev.Notional.GreaterThanOrEqual(f.Threshold(f.Classify(ev)))
}

// Thresholds exposes the configured thresholds.
func (f *Filter) Thresholds() Thresholds {
	return f.thresholds
}
