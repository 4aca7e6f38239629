package service

import (
	"context"

	"github.com/rs/zerolog"

	"liquidation-relay/internal/alerting"
	"liquidation-relay/internal/event"
	"liquidation-relay/internal/filter"
	"liquidation-relay/internal/metrics"
)

const (
	resultFiltered = "filtered"
	resultSent     = "sent"
	resultFailed   = "failed"
)

// Outcome reports what happened to one event in the pipeline.
type Outcome struct {
	Class  filter.Class
	Passed bool
	Text   string
	Err    error
}

// Service orchestrates filtering, formatting and notification. It keeps no per-event state and is safe for
// concurrent use by every feed.
type Service struct {
	filter    *filter.Filter
	formatter *alerting.Formatter
	notifier  alerting.Notifier
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// New constructs the dispatch pipeline.
func New(f *filter.Filter, formatter *alerting.Formatter, notifier alerting.Notifier, m *metrics.Metrics, logger zerolog.Logger) *Service {
	if formatter == nil {
		formatter = alerting.NewFormatter()
	}
	return &Service{
		filter:    f,
		formatter: formatter,
		notifier:  notifier,
		metrics:   m,
		logger:    logger.With().Str("component", "service").Logger(),
	}
}

// Handle is the feed handler: events below their threshold are dropped, the rest are formatted and sent once.
// Delivery failures are logged and not retried.
func (s *Service) Handle(ctx context.Context, ev event.Liquidation) {
	s.Process(ctx, ev)
}

// Process runs the pipeline and reports the outcome.
func (s *Service) Process(ctx context.Context, ev event.Liquidation) Outcome {
	class := s.filter.Classify(ev)
	out := Outcome{Class: class}

	if !s.filter.Passes(ev) {
		s.metrics.Alert(ev.Source, resultFiltered)
		s.logger.Debug().
			Str("source", string(ev.Source)).
			Str("symbol", ev.Symbol).
			Str("notional", ev.Notional.StringFixed(2)).
			Str("class", string(class)).
			Msg("below threshold")
		return out
	}

	out.Passed = true
	out.Text = s.formatter.Format(ev, class)

	log := s.logger.With().
		Str("source", string(ev.Source)).
		Str("symbol", ev.Symbol).
		Str("side", string(ev.Side)).
		Str("notional", ev.Notional.StringFixed(2)).
		Str("class", string(class)).
		Logger()

	if s.notifier == nil {
		log.Warn().Msg("no notifier configured; alert dropped")
		return out
	}
	if err := s.notifier.Send(ctx, out.Text); err != nil {
		out.Err = err
		s.metrics.Alert(ev.Source, resultFailed)
		log.Error().Err(err).Msg("failed to dispatch alert")
		return out
	}

	s.metrics.Alert(ev.Source, resultSent)
	log.Info().Msg("alert dispatched")
	return out
}

// Announce sends the startup banner listing thresholds and active sources.
func (s *Service) Announce(ctx context.Context, sources []event.Source) error {
	if s.notifier == nil {
		return nil
	}
	return s.notifier.Send(ctx, s.formatter.Startup(s.filter.Thresholds(), sources))
}
