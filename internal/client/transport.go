package client

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
)

// Transport is one open socket. ReadMessage is called from a single
// goroutine; WriteMessage may be called concurrently.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens transports. The reconnector dials through it on every
// connect and reconnect attempt.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Transport, error)
}

// WebSocketDialer dials with gorilla/websocket.
type WebSocketDialer struct {
	dialer websocket.Dialer
}

func NewWebSocketDialer() *WebSocketDialer {
	return &WebSocketDialer{dialer: websocket.Dialer{HandshakeTimeout: handshakeTimeout}}
}

func (d *WebSocketDialer) Dial(ctx context.Context, url string, header http.Header) (Transport, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	for {
		op, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if op == websocket.TextMessage {
			return data, nil
		}
	}
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	_ = t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a normal closure frame before dropping the socket.
func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		_ = t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}
