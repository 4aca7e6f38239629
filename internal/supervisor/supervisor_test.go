package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"liquidation-relay/internal/event"
	"liquidation-relay/internal/feed"
	"liquidation-relay/internal/storage"
)

type idleConn struct {
	closed chan struct{}
	once   sync.Once
}

func (c *idleConn) Read() ([]byte, error) {
	<-c.closed
	return nil, errors.New("closed")
}

func (c *idleConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// stubAdapter connects to an idle transport. connect decides per dial whether to fail or panic.
type stubAdapter struct {
	source  event.Source
	dials   atomic.Int32
	connect func(n int32) error
}

func (a *stubAdapter) Source() event.Source { return a.source }

func (a *stubAdapter) Connect(context.Context, func()) (feed.Conn, error) {
	n := a.dials.Add(1)
	if a.connect != nil {
		if err := a.connect(n); err != nil {
			return nil, err
		}
	}
	return &idleConn{closed: make(chan struct{})}, nil
}

func (a *stubAdapter) Subscribe(context.Context, feed.Conn) (bool, error) { return false, nil }

func (a *stubAdapter) Parse([]byte) (feed.Frame, error) {
	return feed.Frame{Kind: feed.FrameIgnored}, nil
}

func (a *stubAdapter) Ping(context.Context, feed.Conn) error { return nil }

type memoryRecorder struct {
	mu   sync.Mutex
	rows map[string]storage.FeedStatus
}

func (r *memoryRecorder) UpsertFeedStatus(_ context.Context, status storage.FeedStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rows == nil {
		r.rows = make(map[string]storage.FeedStatus)
	}
	r.rows[status.Source] = status
	return nil
}

func (r *memoryRecorder) get(source string) (storage.FeedStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[source]
	return row, ok
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testOptions() Options {
	return Options{
		Feed: feed.Options{
			ProbeInterval:  time.Hour,
			StaleAfter:     time.Hour,
			ReconnectDelay: time.Millisecond,
			MaxAttempts:    2,
		},
		Heartbeat:  10 * time.Millisecond,
		AuditEvery: 1,
	}
}

func startSupervisor(t *testing.T, sup *Supervisor) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("Run returned %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("supervisor did not stop")
		}
	}
}

func nopHandler(context.Context, event.Liquidation) {}

func TestRunWithoutFeeds(t *testing.T) {
	sup := New(nil, nopHandler, testOptions(), nil, nil, zerolog.Nop())
	if err := sup.Run(context.Background()); !errors.Is(err, ErrNoFeeds) {
		t.Fatalf("expected ErrNoFeeds, got %v", err)
	}
}

func TestPanickingFeedIsRestartedWithoutAffectingOthers(t *testing.T) {
	healthy := &stubAdapter{source: event.SourceBinance}
	flaky := &stubAdapter{source: event.SourceBybit, connect: func(n int32) error {
		if n == 1 {
			panic("adapter bug")
		}
		return nil
	}}

	sup := New([]feed.Adapter{healthy, flaky}, nopHandler, testOptions(), nil, nil, zerolog.Nop())
	stop := startSupervisor(t, sup)
	defer stop()

	waitFor(t, "flaky feed restarted and live", func() bool {
		for _, snap := range sup.Snapshot(time.Now()) {
			if snap.Source == event.SourceBybit {
				return flaky.dials.Load() >= 2 && snap.Status == feed.StatusLive
			}
		}
		return false
	})
	if healthy.dials.Load() != 1 {
		t.Fatalf("healthy feed must not be disturbed, dials=%d", healthy.dials.Load())
	}
	waitFor(t, "all healthy", func() bool { return sup.Healthy(time.Now()) })
}

func TestExhaustedFeedStaysDown(t *testing.T) {
	dead := &stubAdapter{source: event.SourceHyperliquid, connect: func(int32) error { return errors.New("unauthorized") }}
	alive := &stubAdapter{source: event.SourceBinance}
	recorder := &memoryRecorder{}

	sup := New([]feed.Adapter{alive, dead}, nopHandler, testOptions(), nil, recorder, zerolog.Nop())
	stop := startSupervisor(t, sup)
	defer stop()

	waitFor(t, "exhausted status recorded", func() bool {
		row, ok := recorder.get("hyperliquid")
		return ok && row.Exhausted
	})
	time.Sleep(50 * time.Millisecond)
	if got := dead.dials.Load(); got != 3 {
		t.Fatalf("exhausted feed must not be restarted: dials=%d", got)
	}

	row, _ := recorder.get("hyperliquid")
	if row.Healthy || row.Status != "disconnected" {
		t.Fatalf("unexpected recorded row %+v", row)
	}
	if sup.Healthy(time.Now()) {
		t.Fatal("supervisor should be unhealthy while a feed is exhausted")
	}
	if row, ok := recorder.get("binance"); !ok || !row.Healthy || row.LastSignal == nil {
		t.Fatalf("live feed row %+v", row)
	}
}

func TestAuditForcesReconnectOfStaleFeed(t *testing.T) {
	stale := &stubAdapter{source: event.SourceBybit}
	opts := testOptions()
	opts.Feed.StaleAfter = 30 * time.Millisecond

	sup := New([]feed.Adapter{stale}, nopHandler, opts, nil, nil, zerolog.Nop())
	stop := startSupervisor(t, sup)
	defer stop()

	waitFor(t, "forced reconnect", func() bool { return stale.dials.Load() >= 2 })
	for _, snap := range sup.Snapshot(time.Now()) {
		if snap.Exhausted {
			t.Fatalf("forced reconnects should succeed: %+v", snap)
		}
	}
}

func TestAlignedHeartbeatStillAudits(t *testing.T) {
	alive := &stubAdapter{source: event.SourceBinance}
	recorder := &memoryRecorder{}
	opts := testOptions()
	opts.AlignHeartbeat = true

	sup := New([]feed.Adapter{alive}, nopHandler, opts, nil, recorder, zerolog.Nop())
	stop := startSupervisor(t, sup)
	defer stop()

	waitFor(t, "status recorded on aligned heartbeat", func() bool {
		row, ok := recorder.get("binance")
		return ok && row.Healthy
	})
}
