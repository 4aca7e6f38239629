// Package binance streams USDⓈ-M futures force orders from the all-market liquidation stream.
package binance

import (
	"context"
	"encoding/json"
	"fmt"

	"liquidation-relay/internal/event"
	"liquidation-relay/internal/feed"
	"liquidation-relay/internal/normalizer"
)

// DefaultURL is the all-symbol force order stream.
const DefaultURL = "wss://fstream.binance.com/ws/!forceOrder@arr"

const forceOrderEvent = "forceOrder"

// Adapter subscribes implicitly through the stream URL; there is no acknowledgement frame and liveness is
// probed with websocket ping control frames.
type Adapter struct {
	url string
}

func New(url string) *Adapter {
	if url == "" {
		url = DefaultURL
	}
	return &Adapter{url: url}
}

func (a *Adapter) Source() event.Source { return event.SourceBinance }

func (a *Adapter) Connect(ctx context.Context, touch func()) (feed.Conn, error) {
	return feed.DialWebsocket(ctx, a.url, touch)
}

func (a *Adapter) Subscribe(context.Context, feed.Conn) (bool, error) {
	return false, nil
}

func (a *Adapter) Parse(frame []byte) (feed.Frame, error) {
	var head struct {
		Event string `json:"e"`
	}
	if err := json.Unmarshal(frame, &head); err != nil {
		return feed.Frame{}, fmt.Errorf("%w: %v", normalizer.ErrInvalid, err)
	}
	if head.Event != forceOrderEvent {
		return feed.Frame{Kind: feed.FrameIgnored}, nil
	}

	ev, err := normalizer.Binance(frame)
	if err != nil {
		return feed.Frame{}, err
	}
	return feed.Frame{Kind: feed.FrameData, Events: []event.Liquidation{ev}}, nil
}

func (a *Adapter) Ping(_ context.Context, conn feed.Conn) error {
	ws, err := feed.AsWSConn(conn)
	if err != nil {
		return err
	}
	return ws.SendPing()
}
