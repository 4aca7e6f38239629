package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"liquidation-relay/internal/event"
	"liquidation-relay/internal/metrics"
	"liquidation-relay/internal/normalizer"
)

// SimulateOptions describes one synthetic liquidation. Text is used for the channel source; the order fields
// for exchange sources.
type SimulateOptions struct {
	Source   event.Source
	Symbol   string
	Side     string
	Quantity string
	Price    string
	Text     string
}

// SimulateAlert pushes one synthetic event through filter, formatter and the configured notifier.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions, w io.Writer) error {
	ev, err := simulatedEvent(opts)
	if err != nil {
		return err
	}

	svc := a.newService(a.newNotifier(), metrics.New())
	outcome := svc.Process(ctx, ev)

	fmt.Fprintf(w, "source=%s symbol=%s side=%s notional=%s class=%s\n",
		ev.Source, ev.Symbol, ev.Side, ev.Notional.StringFixed(2), outcome.Class)
	if !outcome.Passed {
		fmt.Fprintln(w, "未达到告警阈值，未发送")
		return nil
	}
	fmt.Fprintln(w, outcome.Text)
	if outcome.Err != nil {
		return fmt.Errorf("send alert: %w", outcome.Err)
	}
	return nil
}

func simulatedEvent(opts SimulateOptions) (event.Liquidation, error) {
	if opts.Source == event.SourceHyperliquid {
		if opts.Text == "" {
			return event.Liquidation{}, errors.New("channel simulation requires --text")
		}
		return normalizer.Aggregator(opts.Text)
	}
	if !opts.Source.IsExchange() {
		return event.Liquidation{}, fmt.Errorf("unknown source %q", opts.Source)
	}
	return normalizer.Order(opts.Source, opts.Symbol, opts.Side, opts.Quantity, opts.Price)
}
