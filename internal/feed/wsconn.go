package feed

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second
)

// WSConn adapts a gorilla websocket to Conn. Control frames (ping, pong) count as liveness; writes are
// made only from the session goroutine.
type WSConn struct {
	*websocket.Conn
}

// DialWebsocket opens a websocket and routes control-level liveness signals to touch.
func DialWebsocket(ctx context.Context, url string, touch func()) (*WSConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetPongHandler(func(string) error {
		touch()
		return nil
	})
	conn.SetPingHandler(func(appData string) error {
		touch()
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil
		}
		return err
	})
	return &WSConn{Conn: conn}, nil
}

func (c *WSConn) Read() ([]byte, error) {
	_, data, err := c.ReadMessage()
	return data, err
}

// SendJSON writes one JSON text frame under a write deadline.
func (c *WSConn) SendJSON(v any) error {
	if err := c.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.WriteJSON(v)
}

// SendPing writes a websocket ping control frame.
func (c *WSConn) SendPing() error {
	return c.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

// AsWSConn recovers the websocket behind a Conn handed back by the feed loop.
func AsWSConn(conn Conn) (*WSConn, error) {
	ws, ok := conn.(*WSConn)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnexpectedConn, conn)
	}
	return ws, nil
}
