package feed

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"liquidation-relay/internal/event"
	"liquidation-relay/internal/normalizer"
)

type fakeConn struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) Read() ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.closed:
		return nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type fakeAdapter struct {
	mu          sync.Mutex
	conns       []*fakeConn
	dials       int
	failDial    func(n int) bool
	pingTouches func(n int) bool
	ackRequired bool
	touches     []func()
}

func (a *fakeAdapter) Source() event.Source { return event.SourceBybit }

func (a *fakeAdapter) Connect(_ context.Context, touch func()) (Conn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dials++
	if a.failDial != nil && a.failDial(a.dials) {
		return nil, errors.New("dial refused")
	}
	conn := newFakeConn()
	a.conns = append(a.conns, conn)
	a.touches = append(a.touches, touch)
	return conn, nil
}

func (a *fakeAdapter) Subscribe(context.Context, Conn) (bool, error) {
	return a.ackRequired, nil
}

func (a *fakeAdapter) Parse(frame []byte) (Frame, error) {
	text := string(frame)
	switch {
	case text == "ack":
		return Frame{Kind: FrameAck}, nil
	case text == "pong":
		return Frame{Kind: FramePong}, nil
	case text == "reject":
		return Frame{}, ErrSubscriptionRejected
	case strings.HasPrefix(text, "data:"):
		ev, err := normalizer.Order(event.SourceBybit, strings.TrimPrefix(text, "data:"), "Sell", "1", "100")
		if err != nil {
			return Frame{}, err
		}
		return Frame{Kind: FrameData, Events: []event.Liquidation{ev}}, nil
	default:
		return Frame{}, errors.New("unknown frame")
	}
}

func (a *fakeAdapter) Ping(context.Context, Conn) error {
	a.mu.Lock()
	n := a.dials
	touch := a.touches[len(a.touches)-1]
	a.mu.Unlock()
	if a.pingTouches == nil || a.pingTouches(n) {
		touch()
	}
	return nil
}

func (a *fakeAdapter) dialCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dials
}

func (a *fakeAdapter) conn(i int) *fakeConn {
	a.mu.Lock()
	defer a.mu.Unlock()
	if i >= len(a.conns) {
		return nil
	}
	return a.conns[i]
}

type collector struct {
	mu      sync.Mutex
	symbols []string
}

func (c *collector) handle(_ context.Context, ev event.Liquidation) {
	c.mu.Lock()
	c.symbols = append(c.symbols, ev.Symbol)
	c.mu.Unlock()
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.symbols...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func fastOptions() Options {
	return Options{
		ProbeInterval:  time.Second,
		StaleAfter:     5 * time.Second,
		ReconnectDelay: 5 * time.Millisecond,
		MaxAttempts:    3,
	}
}

func startConnection(t *testing.T, adapter Adapter, handler Handler, opts Options) (*Connection, func() error) {
	t.Helper()
	conn := NewConnection(adapter, handler, opts, zerolog.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- conn.Run(ctx) }()
	stop := func() error {
		cancel()
		select {
		case err := <-result:
			return err
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not return after cancel")
			return nil
		}
	}
	return conn, stop
}

func TestRunExhaustsReconnectBudget(t *testing.T) {
	adapter := &fakeAdapter{failDial: func(int) bool { return true }}
	conn := NewConnection(adapter, func(context.Context, event.Liquidation) {}, fastOptions(), zerolog.Nop(), nil)

	err := conn.Run(context.Background())
	if !errors.Is(err, ErrReconnectBudgetExhausted) {
		t.Fatalf("expected ErrReconnectBudgetExhausted, got %v", err)
	}
	if got := adapter.dialCount(); got != 4 {
		t.Fatalf("expected initial dial plus 3 reconnects, got %d dials", got)
	}
	if conn.Status() != StatusDisconnected || !conn.Exhausted() {
		t.Fatalf("status=%s exhausted=%v", conn.Status(), conn.Exhausted())
	}
	if conn.Healthy(time.Now()) {
		t.Fatal("exhausted feed must not be healthy")
	}
}

func TestStaleConnectionReconnectsExactlyOnce(t *testing.T) {
	adapter := &fakeAdapter{pingTouches: func(n int) bool { return n > 1 }}
	opts := fastOptions()
	opts.ProbeInterval = 10 * time.Millisecond
	opts.StaleAfter = 40 * time.Millisecond

	conn, stop := startConnection(t, adapter, func(context.Context, event.Liquidation) {}, opts)
	waitFor(t, "second session live", func() bool {
		return adapter.dialCount() == 2 && conn.Status() == StatusLive
	})
	time.Sleep(150 * time.Millisecond)
	if got := adapter.dialCount(); got != 2 {
		t.Fatalf("healthy second session should not reconnect, dials=%d", got)
	}
	if !conn.Healthy(time.Now()) {
		t.Fatal("second session should be healthy")
	}
	if err := stop(); err != nil {
		t.Fatalf("Run returned %v after cancel", err)
	}
	if conn.Status() != StatusDisconnected {
		t.Fatalf("status after shutdown = %s", conn.Status())
	}
}

func TestAckGatesLiveAndMalformedFramesAreDropped(t *testing.T) {
	adapter := &fakeAdapter{ackRequired: true}
	events := &collector{}
	conn, stop := startConnection(t, adapter, events.handle, fastOptions())
	defer stop()

	waitFor(t, "subscribing", func() bool { return conn.Status() == StatusSubscribing })
	fc := adapter.conn(0)
	fc.frames <- []byte("ack")
	waitFor(t, "live", func() bool { return conn.Status() == StatusLive })

	fc.frames <- []byte("data:BTCUSDT")
	fc.frames <- []byte("garbage")
	fc.frames <- []byte("data:")
	fc.frames <- []byte("data:ETHUSDT")
	fc.frames <- []byte("data:SOLUSDT")

	waitFor(t, "three events", func() bool { return len(events.snapshot()) == 3 })
	got := events.snapshot()
	want := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events out of order: %v", got)
		}
	}
	if conn.Status() != StatusLive || adapter.dialCount() != 1 {
		t.Fatalf("malformed frames must not disturb the session: status=%s dials=%d", conn.Status(), adapter.dialCount())
	}
}

func TestSubscriptionRejectedReconnects(t *testing.T) {
	adapter := &fakeAdapter{ackRequired: true}
	conn, stop := startConnection(t, adapter, func(context.Context, event.Liquidation) {}, fastOptions())
	defer stop()

	waitFor(t, "first session", func() bool { return adapter.conn(0) != nil })
	adapter.conn(0).frames <- []byte("reject")
	waitFor(t, "second dial", func() bool { return adapter.dialCount() == 2 })
	if conn.Snapshot(time.Now()).Attempts != 1 {
		t.Fatalf("expected one reconnect attempt, got %+v", conn.Snapshot(time.Now()))
	}
}

func TestAttemptsResetOnceLive(t *testing.T) {
	adapter := &fakeAdapter{failDial: func(n int) bool { return n <= 2 }}
	conn, stop := startConnection(t, adapter, func(context.Context, event.Liquidation) {}, fastOptions())
	defer stop()

	waitFor(t, "live after failures", func() bool { return conn.Status() == StatusLive })
	snap := conn.Snapshot(time.Now())
	if snap.Attempts != 0 || !snap.Healthy || snap.Session == "" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if adapter.dialCount() != 3 {
		t.Fatalf("dials = %d", adapter.dialCount())
	}
}

func TestForceReconnectDropsLiveSession(t *testing.T) {
	adapter := &fakeAdapter{}
	conn, stop := startConnection(t, adapter, func(context.Context, event.Liquidation) {}, fastOptions())
	defer stop()

	waitFor(t, "live", func() bool { return conn.Status() == StatusLive })
	first := conn.Snapshot(time.Now()).Session
	conn.ForceReconnect()
	waitFor(t, "new session", func() bool {
		return adapter.dialCount() == 2 && conn.Status() == StatusLive
	})
	if conn.Snapshot(time.Now()).Session == first {
		t.Fatal("forced reconnect should start a new session")
	}
}

func TestSlowHandlerDoesNotBlockReconnect(t *testing.T) {
	adapter := &fakeAdapter{}
	release := make(chan struct{})
	entered := make(chan string, 4)
	handler := func(_ context.Context, ev event.Liquidation) {
		entered <- ev.Symbol
		<-release
	}
	conn, stop := startConnection(t, adapter, handler, fastOptions())
	defer stop()
	defer close(release)

	waitFor(t, "live", func() bool { return conn.Status() == StatusLive })
	adapter.conn(0).frames <- []byte("data:BTCUSDT")
	adapter.conn(0).frames <- []byte("data:ETHUSDT")
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}

	conn.ForceReconnect()
	waitFor(t, "reconnect while handler is busy", func() bool {
		return adapter.dialCount() == 2 && conn.Status() == StatusLive
	})
}

func TestHandlerPanicIsContained(t *testing.T) {
	adapter := &fakeAdapter{}
	events := &collector{}
	handler := func(ctx context.Context, ev event.Liquidation) {
		if ev.Symbol == "BADUSDT" {
			panic("formatter bug")
		}
		events.handle(ctx, ev)
	}
	conn, stop := startConnection(t, adapter, handler, fastOptions())
	defer stop()

	waitFor(t, "live", func() bool { return conn.Status() == StatusLive })
	adapter.conn(0).frames <- []byte("data:BADUSDT")
	adapter.conn(0).frames <- []byte("data:BTCUSDT")
	waitFor(t, "event after panic", func() bool { return len(events.snapshot()) == 1 })
	if conn.Status() != StatusLive || adapter.dialCount() != 1 {
		t.Fatalf("handler panic must not disturb the session: status=%s dials=%d", conn.Status(), adapter.dialCount())
	}
}

func TestStatusMarshalsAsName(t *testing.T) {
	b, _ := StatusDegraded.MarshalText()
	if string(b) != "degraded" || Status(42).String() != "unknown" {
		t.Fatalf("unexpected status names %q %q", b, Status(42).String())
	}
}

func TestStatusRoundTripsThroughText(t *testing.T) {
	var s Status
	if err := s.UnmarshalText([]byte("subscribing")); err != nil || s != StatusSubscribing {
		t.Fatalf("UnmarshalText = %s, %v", s, err)
	}
	if err := s.UnmarshalText([]byte("zombie")); err == nil {
		t.Fatal("unknown status should fail")
	}
}
