package app

import (
	"encoding/json"
	"fmt"
	"io"

	"liquidation-relay/internal/event"
	"liquidation-relay/internal/normalizer"
)

type parsedEvent struct {
	Source   event.Source `json:"source"`
	Symbol   string       `json:"symbol"`
	Side     event.Side   `json:"side"`
	Quantity string       `json:"quantity,omitempty"`
	Price    string       `json:"price"`
	Notional string       `json:"notional"`
	Class    string       `json:"class"`
	Passes   bool         `json:"passes"`
	Rendered string       `json:"rendered,omitempty"`
}

// Parse normalizes a raw upstream payload offline and prints the resulting events with their filter verdict.
func (a *App) Parse(source event.Source, payload []byte, w io.Writer) error {
	events, err := normalizer.Normalize(source, payload)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(w, "no events")
		return nil
	}

	f := a.newFilter()
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	for _, ev := range events {
		out := parsedEvent{
			Source:   ev.Source,
			Symbol:   ev.Symbol,
			Side:     ev.Side,
			Price:    ev.Price.String(),
			Notional: ev.Notional.String(),
			Class:    string(f.Classify(ev)),
			Passes:   f.Passes(ev),
		}
		if !ev.Quantity.IsZero() {
			out.Quantity = ev.Quantity.String()
		}
		if ev.HasDisplay() {
			out.Rendered = normalizer.RenderAggregator(ev)
		}
		if err := enc.Encode(out); err != nil {
			return err
		}
	}
	return nil
}
