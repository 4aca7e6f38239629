package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"liquidation-relay/internal/event"
	"liquidation-relay/internal/feed"
	"liquidation-relay/internal/metrics"
	"liquidation-relay/internal/scheduler"
	"liquidation-relay/internal/storage"
)

// ErrNoFeeds is returned when Run is called without any adapter.
var ErrNoFeeds = errors.New("supervisor: no feeds configured")

// StatusRecorder receives the state of every feed after each audit.
type StatusRecorder interface {
	UpsertFeedStatus(ctx context.Context, status storage.FeedStatus) error
}

// Options tune supervision cadence.
type Options struct {
	Feed       feed.Options
	Heartbeat  time.Duration
	AuditEvery int
	// AlignHeartbeat fires heartbeats on wall-clock multiples of Heartbeat.
	AlignHeartbeat bool
}

type task struct {
	adapter    feed.Adapter
	conn       *feed.Connection
	generation int
	done       chan struct{}
	err        error
}

func (t *task) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Supervisor runs one connection task per source, reports their state on a heartbeat and repairs them on
// every audit cycle. A failing source never affects the others.
type Supervisor struct {
	adapters []feed.Adapter
	handler  feed.Handler
	opts     Options
	metrics  *metrics.Metrics
	recorder StatusRecorder
	logger   zerolog.Logger

	mu    sync.Mutex
	tasks map[event.Source]*task
	wg    sync.WaitGroup
}

// New constructs a supervisor. recorder and m may be nil.
func New(adapters []feed.Adapter, handler feed.Handler, opts Options, m *metrics.Metrics, recorder StatusRecorder, logger zerolog.Logger) *Supervisor {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = time.Minute
	}
	if opts.AuditEvery <= 0 {
		opts.AuditEvery = 5
	}
	return &Supervisor{
		adapters: adapters,
		handler:  handler,
		opts:     opts,
		metrics:  m,
		recorder: recorder,
		logger:   logger.With().Str("component", "supervisor").Logger(),
		tasks:    make(map[event.Source]*task, len(adapters)),
	}
}

// Run starts every feed and blocks until ctx is cancelled and all feed tasks have returned.
func (s *Supervisor) Run(ctx context.Context) error {
	if len(s.adapters) == 0 {
		return ErrNoFeeds
	}

	for _, adapter := range s.adapters {
		s.start(ctx, adapter, 1)
	}
	s.logger.Info().
		Int("feeds", len(s.adapters)).
		Dur("heartbeat", s.opts.Heartbeat).
		Int("audit_every", s.opts.AuditEvery).
		Msg("supervisor started")

	sched := scheduler.New(scheduler.Options{
		Interval:     s.opts.Heartbeat,
		AlignToStart: s.opts.AlignHeartbeat,
	}, s.logger)
	err := sched.Run(ctx, s.tick)

	s.wg.Wait()
	s.logger.Info().Msg("all feeds stopped")
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func (s *Supervisor) start(ctx context.Context, adapter feed.Adapter, generation int) {
	conn := feed.NewConnection(adapter, s.handler, s.opts.Feed, s.logger, s.metrics)
	t := &task{adapter: adapter, conn: conn, generation: generation, done: make(chan struct{})}

	s.mu.Lock()
	s.tasks[adapter.Source()] = t
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(t.done)
		defer func() {
			if r := recover(); r != nil {
				t.err = fmt.Errorf("feed task panicked: %v", r)
				s.logger.Error().Str("source", string(adapter.Source())).Interface("panic", r).Msg("feed task panicked")
			}
		}()
		t.err = conn.Run(ctx)
	}()
}

func (s *Supervisor) tick(ctx context.Context, cycle int, at time.Time) error {
	snapshots := s.Snapshot(at)
	for _, snap := range snapshots {
		s.metrics.FeedHealthy(snap.Source, snap.Healthy)
		s.logger.Info().
			Int("cycle", cycle).
			Str("source", string(snap.Source)).
			Stringer("status", snap.Status).
			Int("attempts", snap.Attempts).
			Bool("healthy", snap.Healthy).
			Time("last_signal", snap.LastSignal).
			Msg("heartbeat")
	}

	if cycle%s.opts.AuditEvery == 0 {
		s.audit(ctx, at)
	}
	return nil
}

// audit forces reconnects of stale live feeds and restarts tasks that ended unexpectedly. Exhausted feeds
// stay down.
func (s *Supervisor) audit(ctx context.Context, now time.Time) {
	for _, t := range s.currentTasks() {
		src := t.adapter.Source()
		log := s.logger.With().Str("source", string(src)).Int("generation", t.generation).Logger()

		switch {
		case t.finished() && errors.Is(t.err, feed.ErrReconnectBudgetExhausted):
			log.Error().Msg("feed exhausted its reconnect budget; left disconnected")
		case t.finished():
			if ctx.Err() != nil {
				continue
			}
			log.Warn().Err(t.err).Msg("feed task ended unexpectedly, restarting")
			s.start(ctx, t.adapter, t.generation+1)
		case t.conn.Status() == feed.StatusLive && !t.conn.Healthy(now):
			log.Warn().Time("last_signal", t.conn.LastSignal()).Msg("live feed is stale, forcing reconnect")
			t.conn.ForceReconnect()
		}
	}

	if s.recorder == nil {
		return
	}
	for _, snap := range s.Snapshot(now) {
		if err := s.recorder.UpsertFeedStatus(ctx, toRecord(snap, now)); err != nil {
			s.logger.Warn().Err(err).Str("source", string(snap.Source)).Msg("failed to record feed status")
		}
	}
}

func (s *Supervisor) currentTasks() []*task {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := make([]*task, 0, len(s.adapters))
	for _, adapter := range s.adapters {
		if t, ok := s.tasks[adapter.Source()]; ok {
			tasks = append(tasks, t)
		}
	}
	return tasks
}

// Snapshot returns the state of every feed in configuration order. A feed whose task has ended is never healthy.
func (s *Supervisor) Snapshot(now time.Time) []feed.Snapshot {
	tasks := s.currentTasks()
	snapshots := make([]feed.Snapshot, 0, len(tasks))
	for _, t := range tasks {
		snap := t.conn.Snapshot(now)
		if t.finished() {
			snap.Healthy = false
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots
}

// Healthy reports whether every feed is healthy.
func (s *Supervisor) Healthy(now time.Time) bool {
	snapshots := s.Snapshot(now)
	if len(snapshots) == 0 {
		return false
	}
	for _, snap := range snapshots {
		if !snap.Healthy {
			return false
		}
	}
	return true
}

func toRecord(snap feed.Snapshot, now time.Time) storage.FeedStatus {
	rec := storage.FeedStatus{
		Source:    string(snap.Source),
		Status:    snap.Status.String(),
		Attempts:  snap.Attempts,
		Healthy:   snap.Healthy,
		Exhausted: snap.Exhausted,
		Session:   snap.Session,
		UpdatedAt: now.UTC(),
	}
	if !snap.LastSignal.IsZero() {
		last := snap.LastSignal
		rec.LastSignal = &last
	}
	return rec
}
