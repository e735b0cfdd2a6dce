package shared

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/pengwow/quantcell-realtime/internal/shared/types"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 5 * time.Second

	// Time allowed to write the close frame during teardown.
	closeWait = time.Second
)

// wsTransport writes server frames on a hijacked connection. The batcher
// and the heartbeat monitor share it, so writes are serialized.
type wsTransport struct {
	conn   net.Conn
	remote string
	stats  *types.Stats

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newWSTransport(conn net.Conn, remote string, stats *types.Stats) *wsTransport {
	return &wsTransport{conn: conn, remote: remote, stats: stats}
}

func (t *wsTransport) WriteFrame(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := wsutil.WriteServerMessage(t.conn, ws.OpText, data); err != nil {
		return err
	}
	atomic.AddInt64(&t.stats.MessagesSent, 1)
	atomic.AddInt64(&t.stats.BytesSent, int64(len(data)))
	return nil
}

// Close sends a close frame with code and reason, then closes the socket.
// Only the first call has any effect.
func (t *wsTransport) Close(code int, reason string) error {
	var err error
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		_ = t.conn.SetWriteDeadline(time.Now().Add(closeWait))
		body := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
		_ = ws.WriteFrame(t.conn, ws.NewCloseFrame(body))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}

func (t *wsTransport) RemoteAddr() string { return t.remote }
