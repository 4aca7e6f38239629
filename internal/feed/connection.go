package feed

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"liquidation-relay/internal/event"
	"liquidation-relay/internal/metrics"
)

const (
	frameBuffer    = 256
	dispatchBuffer = 1024
)

// Connection owns one long-lived feed: connect, subscribe, receive, probe and reconnect with a fixed
// backoff until the attempt budget runs out. State is written only by the Run goroutine and its reader;
// everything else reads it through atomics.
type Connection struct {
	adapter Adapter
	handler Handler
	opts    Options
	logger  zerolog.Logger
	metrics *metrics.Metrics

	status     atomic.Int32
	attempts   atomic.Int32
	lastSignal atomic.Int64
	exhausted  atomic.Bool
	session    atomic.Value

	force chan struct{}
	queue chan event.Liquidation
}

// NewConnection wires an adapter to the event handler.
func NewConnection(adapter Adapter, handler Handler, opts Options, logger zerolog.Logger, m *metrics.Metrics) *Connection {
	src := adapter.Source()
	c := &Connection{
		adapter: adapter,
		handler: handler,
		opts:    opts.withDefaults(),
		logger:  logger.With().Str("component", "feed").Str("source", string(src)).Logger(),
		metrics: m,
		force:   make(chan struct{}, 1),
	}
	c.session.Store("")
	return c
}

// Source returns the feed source.
func (c *Connection) Source() event.Source {
	return c.adapter.Source()
}

// Status returns the current lifecycle state.
func (c *Connection) Status() Status {
	return Status(c.status.Load())
}

// Exhausted reports whether the reconnect budget ran out.
func (c *Connection) Exhausted() bool {
	return c.exhausted.Load()
}

// LastSignal returns the time of the last received frame or successful probe.
func (c *Connection) LastSignal() time.Time {
	nanos := c.lastSignal.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos).UTC()
}

// Healthy reports whether the feed is live and heard from within the staleness bound.
func (c *Connection) Healthy(now time.Time) bool {
	if c.Status() != StatusLive {
		return false
	}
	last := c.LastSignal()
	return !last.IsZero() && now.Sub(last) <= c.opts.StaleAfter
}

// Snapshot captures the connection state.
func (c *Connection) Snapshot(now time.Time) Snapshot {
	return Snapshot{
		Source:      c.Source(),
		Status:      c.Status(),
		Attempts:    int(c.attempts.Load()),
		MaxAttempts: c.opts.MaxAttempts,
		LastSignal:  c.LastSignal(),
		Session:     c.session.Load().(string),
		Exhausted:   c.Exhausted(),
		Healthy:     c.Healthy(now),
	}
}

// ForceReconnect asks a live session to drop its transport. Requests coalesce; a request issued while the
// connection is not live is discarded when the next session starts.
func (c *Connection) ForceReconnect() {
	select {
	case c.force <- struct{}{}:
	default:
	}
}

// Run drives the state machine until ctx is cancelled (returns nil) or the reconnect budget is exhausted
// (returns ErrReconnectBudgetExhausted).
func (c *Connection) Run(ctx context.Context) error {
	src := c.Source()
	c.logger.Info().
		Dur("probe_interval", c.opts.ProbeInterval).
		Dur("stale_after", c.opts.StaleAfter).
		Int("max_attempts", c.opts.MaxAttempts).
		Msg("starting feed")

	c.queue = make(chan event.Liquidation, dispatchBuffer)
	dispatched := make(chan struct{})
	go c.dispatch(ctx, c.queue, dispatched)
	defer func() {
		close(c.queue)
		<-dispatched
	}()

	for {
		if ctx.Err() != nil {
			c.setStatus(StatusDisconnected)
			return nil
		}

		err := c.runSession(ctx)
		c.setStatus(StatusDisconnected)
		if ctx.Err() != nil {
			c.logger.Info().Msg("feed stopped")
			return nil
		}

		if int(c.attempts.Load()) >= c.opts.MaxAttempts {
			c.exhausted.Store(true)
			c.logger.Error().Err(err).Int("attempts", int(c.attempts.Load())).
				Msg("reconnect budget exhausted; feed stays disconnected")
			return ErrReconnectBudgetExhausted
		}

		attempt := c.attempts.Add(1)
		c.metrics.Reconnect(src)
		c.logger.Warn().Err(err).
			Int32("attempt", attempt).
			Int("max_attempts", c.opts.MaxAttempts).
			Dur("backoff", c.opts.ReconnectDelay).
			Msg("feed disconnected, reconnecting")

		timer := time.NewTimer(c.opts.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.logger.Info().Msg("feed stopped")
			return nil
		case <-timer.C:
		}
	}
}

type inbound struct {
	data []byte
	err  error
}

func (c *Connection) runSession(ctx context.Context) error {
	sessionID := uuid.NewString()
	c.session.Store(sessionID)
	log := c.logger.With().Str("session", sessionID).Logger()

	// Discard reconnect requests aimed at a previous session.
	select {
	case <-c.force:
	default:
	}

	c.setStatus(StatusConnecting)
	conn, err := c.adapter.Connect(ctx, c.touch)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()
	c.touch()
	log.Info().Msg("transport connected")

	c.setStatus(StatusSubscribing)
	ackRequired, err := c.adapter.Subscribe(ctx, conn)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	if !ackRequired {
		c.markLive(log)
	}

	done := make(chan struct{})
	defer close(done)
	frames := make(chan inbound, frameBuffer)
	go c.pump(conn, frames, done)

	ticker := time.NewTicker(c.opts.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case in := <-frames:
			if in.err != nil {
				return fmt.Errorf("read: %w", in.err)
			}
			if err := c.handleFrame(ctx, in.data, log); err != nil {
				return err
			}

		case <-c.force:
			c.setStatus(StatusDegraded)
			log.Warn().Msg("reconnect forced by supervisor")
			return errForced

		case now := <-ticker.C:
			if last := c.LastSignal(); now.Sub(last) > c.opts.StaleAfter {
				c.setStatus(StatusDegraded)
				log.Warn().Time("last_signal", last).Dur("stale_after", c.opts.StaleAfter).
					Msg("no liveness signal within bound, closing transport")
				return errStale
			}
			if err := c.adapter.Ping(ctx, conn); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
			log.Debug().Msg("liveness probe sent")
		}
	}
}

// pump reads frames in arrival order and hands them to the session loop. It exits on the first read error
// or when the session ends.
func (c *Connection) pump(conn Conn, out chan<- inbound, done <-chan struct{}) {
	for {
		data, err := conn.Read()
		if err == nil {
			c.touch()
			c.metrics.FrameReceived(c.Source())
		}
		select {
		case out <- inbound{data: data, err: err}:
		case <-done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *Connection) handleFrame(ctx context.Context, raw []byte, log zerolog.Logger) error {
	frame, err := c.adapter.Parse(raw)
	if err != nil {
		if errors.Is(err, ErrSubscriptionRejected) {
			return err
		}
		c.metrics.FrameMalformed(c.Source())
		log.Warn().Err(err).Int("bytes", len(raw)).Msg("dropping malformed frame")
		return nil
	}

	switch frame.Kind {
	case FrameAck:
		if c.Status() == StatusSubscribing {
			c.markLive(log)
		}
	case FramePong:
		log.Debug().Msg("probe answered")
	case FrameData:
		if c.Status() == StatusSubscribing {
			c.markLive(log)
		}
		if frame.Dropped > 0 {
			c.metrics.FrameMalformed(c.Source())
			log.Warn().Int("dropped", frame.Dropped).Msg("dropped invalid records in batch")
		}
		c.metrics.EventsNormalized(c.Source(), len(frame.Events))
		for _, ev := range frame.Events {
			select {
			case c.queue <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// dispatch delivers queued events to the handler in arrival order, outside the session loop. It drains the
// queue after Run closes it. A full queue blocks the session loop until the handler catches up.
func (c *Connection) dispatch(ctx context.Context, queue <-chan event.Liquidation, done chan<- struct{}) {
	defer close(done)
	for ev := range queue {
		c.deliver(ctx, ev)
	}
}

func (c *Connection) deliver(ctx context.Context, ev event.Liquidation) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("symbol", ev.Symbol).Msg("event handler panicked")
		}
	}()
	c.handler(ctx, ev)
}

func (c *Connection) markLive(log zerolog.Logger) {
	c.attempts.Store(0)
	c.setStatus(StatusLive)
	log.Info().Msg("feed live")
}

func (c *Connection) touch() {
	c.lastSignal.Store(time.Now().UnixNano())
}

func (c *Connection) setStatus(s Status) {
	c.status.Store(int32(s))
	c.metrics.FeedStatus(c.Source(), int(s))
}
