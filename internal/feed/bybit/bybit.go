// Package bybit streams linear-perpetual liquidations from the v5 public websocket.
package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"liquidation-relay/internal/event"
	"liquidation-relay/internal/feed"
	"liquidation-relay/internal/normalizer"
)

const (
	DefaultURL = "wss://stream.bybit.com/v5/public/linear"

	topicPrefix = "allLiquidation."
	// Bybit caps the number of args per subscribe request.
	maxArgsPerRequest = 10
)

// DefaultSymbols is the subscription set used when none is configured.
var DefaultSymbols = []string{
	"BTCUSDT", "ETHUSDT", "SOLUSDT", "ADAUSDT", "DOGEUSDT",
	"XRPUSDT", "AVAXUSDT", "DOTUSDT", "MATICUSDT", "LINKUSDT",
}

type request struct {
	Op    string   `json:"op"`
	Args  []string `json:"args,omitempty"`
	ReqID string   `json:"req_id,omitempty"`
}

type message struct {
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
	Topic   string          `json:"topic"`
	Data    json.RawMessage `json:"data"`
}

// Adapter subscribes to allLiquidation.<SYMBOL> topics and waits for the subscribe acknowledgement.
// Liveness is probed with the JSON {"op":"ping"} message, answered by a pong frame.
type Adapter struct {
	url     string
	symbols []string
}

func New(url string, symbols []string) *Adapter {
	if url == "" {
		url = DefaultURL
	}
	normalized := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			normalized = append(normalized, s)
		}
	}
	if len(normalized) == 0 {
		normalized = append(normalized, DefaultSymbols...)
	}
	return &Adapter{url: url, symbols: normalized}
}

func (a *Adapter) Source() event.Source { return event.SourceBybit }

// Topics returns the subscription topics.
func (a *Adapter) Topics() []string {
	topics := make([]string, len(a.symbols))
	for i, s := range a.symbols {
		topics[i] = topicPrefix + s
	}
	return topics
}

func (a *Adapter) Connect(ctx context.Context, touch func()) (feed.Conn, error) {
	return feed.DialWebsocket(ctx, a.url, touch)
}

func (a *Adapter) Subscribe(_ context.Context, conn feed.Conn) (bool, error) {
	ws, err := feed.AsWSConn(conn)
	if err != nil {
		return false, err
	}
	topics := a.Topics()
	for start := 0; start < len(topics); start += maxArgsPerRequest {
		end := min(start+maxArgsPerRequest, len(topics))
		req := request{Op: "subscribe", Args: topics[start:end], ReqID: uuid.NewString()}
		if err := ws.SendJSON(req); err != nil {
			return false, fmt.Errorf("send subscribe: %w", err)
		}
	}
	return true, nil
}

func (a *Adapter) Parse(frame []byte) (feed.Frame, error) {
	var msg message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return feed.Frame{}, fmt.Errorf("%w: %v", normalizer.ErrInvalid, err)
	}

	switch {
	case msg.Op == "subscribe":
		if msg.Success != nil && !*msg.Success {
			return feed.Frame{}, fmt.Errorf("%w: %s", feed.ErrSubscriptionRejected, msg.RetMsg)
		}
		return feed.Frame{Kind: feed.FrameAck}, nil
	case msg.Op == "ping" || msg.Op == "pong" || msg.RetMsg == "pong":
		return feed.Frame{Kind: feed.FramePong}, nil
	case strings.HasPrefix(msg.Topic, topicPrefix):
		events, dropped, err := normalizer.Bybit(msg.Data)
		if err != nil {
			return feed.Frame{}, err
		}
		return feed.Frame{Kind: feed.FrameData, Events: events, Dropped: dropped}, nil
	default:
		return feed.Frame{Kind: feed.FrameIgnored}, nil
	}
}

func (a *Adapter) Ping(_ context.Context, conn feed.Conn) error {
	ws, err := feed.AsWSConn(conn)
	if err != nil {
		return err
	}
	return ws.SendJSON(request{Op: "ping", ReqID: uuid.NewString()})
}
