package client

import (
	"context"

	"github.com/fasthttp/websocket"
)

// WebsocketDialer is the production Dialer, backed by fasthttp/websocket.
type WebsocketDialer struct {
	dialer *websocket.Dialer
}

// NewWebsocketDialer returns a dialer using the library defaults.
func NewWebsocketDialer() *WebsocketDialer {
	return &WebsocketDialer{dialer: websocket.DefaultDialer}
}

func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &websocketConn{conn: conn}, nil
}

// websocketConn adapts *websocket.Conn to the Conn interface. Only text
// frames are exchanged; binary frames are passed through as-is since the
// codec rejects what it cannot parse.
type websocketConn struct {
	conn *websocket.Conn
}

func (w *websocketConn) ReadMessage() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	return data, err
}

func (w *websocketConn) WriteMessage(data []byte) error {
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *websocketConn) Close() error {
	return w.conn.Close()
}
