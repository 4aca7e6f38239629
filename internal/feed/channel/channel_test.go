package channel

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"liquidation-relay/internal/event"
	"liquidation-relay/internal/feed"
)

const getMe = `{"ok":true,"result":{"id":42,"is_bot":true,"first_name":"relay","username":"relay_bot"}}`

func channelPost(updateID int, date int64, username, text string) string {
	return fmt.Sprintf(`{"update_id":%d,"channel_post":{"message_id":%d,"date":%d,"chat":{"id":-100%d,"type":"channel","username":%q},"text":%q}}`,
		updateID, updateID, date, updateID, username, text)
}

func defaultBatch() string {
	now := time.Now().Unix()
	return strings.Join([]string{
		channelPost(7, now, "hyperliquid_liq", "🔴 #ETH Short Liquidation: $160.42k @ $3,806.3"),
		channelPost(8, now, "other_channel", "🟢 #BTC Long Liquidation: $9M @ $100,000"),
		channelPost(9, now, "Hyperliquid_Liq", "gm"),
		channelPost(10, now, "hyperliquid_liq", "🟢 #BTC Long Liquidation: $1.2M @ $98,000"),
	}, ",")
}

// fakeBotAPI serves batch on the first getUpdates and empty long polls afterwards.
type fakeBotAPI struct {
	mu      sync.Mutex
	offsets []string
	getMes  int
	served  bool
	batch   func() string
}

func (f *fakeBotAPI) seenOffsets() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.offsets...)
}

func (f *fakeBotAPI) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/bottoken/") {
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch strings.TrimPrefix(r.URL.Path, "/bottoken/") {
		case "getMe":
			f.mu.Lock()
			f.getMes++
			f.mu.Unlock()
			_, _ = w.Write([]byte(getMe))
		case "getUpdates":
			_ = r.ParseForm()
			f.mu.Lock()
			f.offsets = append(f.offsets, r.FormValue("offset"))
			first := !f.served
			f.served = true
			f.mu.Unlock()
			if first {
				batch := f.batch
				if batch == nil {
					batch = defaultBatch
				}
				_, _ = fmt.Fprintf(w, `{"ok":true,"result":[%s]}`, batch())
				return
			}
			time.Sleep(10 * time.Millisecond)
			_, _ = w.Write([]byte(`{"ok":true,"result":[]}`))
		default:
			http.NotFound(w, r)
		}
	}
}

func TestNewRequiresCredentials(t *testing.T) {
	if _, err := New(Options{Channel: "@x"}); err == nil {
		t.Fatal("missing token should fail")
	}
	if _, err := New(Options{BotToken: "t"}); err == nil {
		t.Fatal("missing channel should fail")
	}
}

func TestParseIgnoresChatter(t *testing.T) {
	a, _ := New(Options{BotToken: "t", Channel: "@x"})
	frame, err := a.Parse([]byte("gm"))
	if err != nil || frame.Kind != feed.FrameIgnored {
		t.Fatalf("chatter should be ignored: %+v %v", frame, err)
	}
	frame, err = a.Parse([]byte("🔴 #ETH Short Liquidation: $160.42k @ $3,806.3"))
	if err != nil || frame.Kind != feed.FrameData || len(frame.Events) != 1 {
		t.Fatalf("liquidation line: %+v %v", frame, err)
	}
}

func TestChatMatcher(t *testing.T) {
	byName := newChatMatcher("@Hyperliquid_Liq")
	if !byName.matches(&tgbotapi.Chat{UserName: "hyperliquid_liq"}) || byName.matches(&tgbotapi.Chat{UserName: "other"}) {
		t.Fatal("username matching should be case-insensitive and exact")
	}
	byID := newChatMatcher("-1001234")
	if !byID.matches(&tgbotapi.Chat{ID: -1001234}) || byID.matches(&tgbotapi.Chat{ID: 5}) {
		t.Fatal("numeric channel should match on chat id")
	}
	if byName.matches(nil) {
		t.Fatal("nil chat never matches")
	}
}

func TestStreamRelaysChannelPosts(t *testing.T) {
	api := &fakeBotAPI{}
	server := httptest.NewServer(api.handler(t))
	defer server.Close()

	adapter, err := New(Options{BotToken: "token", Channel: "@hyperliquid_liq", APIBase: server.URL, PollTimeout: time.Second})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}

	received := make(chan event.Liquidation, 4)
	conn := feed.NewConnection(adapter, func(_ context.Context, ev event.Liquidation) {
		received <- ev
	}, feed.Options{
		ProbeInterval:  20 * time.Millisecond,
		StaleAfter:     time.Second,
		ReconnectDelay: 10 * time.Millisecond,
		MaxAttempts:    2,
	}, zerolog.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- conn.Run(ctx) }()

	var got []event.Liquidation
	for len(got) < 2 {
		select {
		case ev := <-received:
			got = append(got, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d events", len(got))
		}
	}
	if got[0].Symbol != "ETH" || got[0].Side != event.SideShort || !got[0].Notional.Equal(decimal.NewFromInt(160420)) {
		t.Fatalf("unexpected first event %+v", got[0])
	}
	if got[1].Symbol != "BTC" || got[1].Source != event.SourceHyperliquid {
		t.Fatalf("unexpected second event %+v", got[1])
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		api.mu.Lock()
		offsets := append([]string(nil), api.offsets...)
		getMes := api.getMes
		api.mu.Unlock()
		if len(offsets) >= 2 && getMes >= 2 {
			if offsets[1] != "11" {
				t.Fatalf("offset should advance past the last update, got %v", offsets)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("offsets=%v getMe=%d", offsets, getMes)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if conn.Status() != feed.StatusLive {
		t.Fatalf("status = %s", conn.Status())
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}
}

func TestBacklogBeforeStartIsSkipped(t *testing.T) {
	adapter, err := New(Options{BotToken: "token", Channel: "@hyperliquid_liq", PollTimeout: time.Second})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	api := &fakeBotAPI{batch: func() string {
		return channelPost(3, adapter.notBefore-3600, "hyperliquid_liq", "🔴 #SOL Short Liquidation: $5M @ $150") + "," +
			channelPost(4, time.Now().Unix(), "hyperliquid_liq", "🟢 #BTC Long Liquidation: $1.2M @ $98,000")
	}}
	server := httptest.NewServer(api.handler(t))
	defer server.Close()
	adapter.opts.APIBase = server.URL

	c, err := adapter.Connect(context.Background(), func() {})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	frame, err := c.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(frame), "#BTC") {
		t.Fatalf("post from before startup must be skipped, got %q", frame)
	}
	if pending := len(c.(*conn).pending); pending != 0 {
		t.Fatalf("old post queued: %d pending", pending)
	}
}

func TestOffsetSurvivesReconnect(t *testing.T) {
	api := &fakeBotAPI{}
	server := httptest.NewServer(api.handler(t))
	defer server.Close()

	adapter, err := New(Options{BotToken: "token", Channel: "@hyperliquid_liq", APIBase: server.URL, PollTimeout: time.Second})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}

	first, err := adapter.Connect(context.Background(), func() {})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := first.Read(); err != nil {
		t.Fatalf("read: %v", err)
	}
	_ = first.Close()

	second, err := adapter.Connect(context.Background(), func() {})
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		_, _ = second.Read()
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(api.seenOffsets()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("offsets=%v", api.seenOffsets())
		}
		time.Sleep(5 * time.Millisecond)
	}
	_ = second.Close()
	<-readDone

	if offsets := api.seenOffsets(); (offsets[0] != "" && offsets[0] != "0") || offsets[1] != "11" {
		t.Fatalf("new session should continue after confirmed updates, got %v", offsets)
	}
}
