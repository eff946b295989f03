package gateway

import (
	"context"
	"net/http"

	"nhooyr.io/websocket"
)

const (
	DefaultGatewayUrl = "wss://gateway.discord.gg"
	pathUncompressed  = "/?v=8&encoding=json"
	pathCompressed    = "/?v=8&encoding=json&compress=zlib-stream"
)

// transport is the boundary to the underlying WebSocket connection. The
// production implementation wraps nhooyr.io/websocket; tests substitute
// scripted fakes.
type transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

func gatewayUrl(base string, compressed bool) string {
	if base == "" {
		base = DefaultGatewayUrl
	}
	if compressed {
		return base + pathCompressed
	}
	return base + pathUncompressed
}

type wsTransport struct {
	conn *websocket.Conn
}

func dialGateway(ctx context.Context, url string) (transport, error) {
	headers := http.Header{}
	headers.Add("accept-encoding", "zlib")

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		CompressionMode: websocket.CompressionContextTakeover,
		HTTPHeader:      headers,
	})
	if err != nil {
		return nil, err
	}

	conn.SetReadLimit(4294967296)

	return &wsTransport{conn: conn}, nil
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close(code websocket.StatusCode, reason string) error {
	return t.conn.Close(code, reason)
}
