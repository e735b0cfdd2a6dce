package shared

import (
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/pengwow/quantcell-realtime/internal/shared/limits"
	"github.com/pengwow/quantcell-realtime/internal/shared/messaging"
	"github.com/pengwow/quantcell-realtime/internal/shared/monitoring"
	"github.com/pengwow/quantcell-realtime/internal/shared/pubsub"
)

// releaseInbound drops conn's rate window unless its id already belongs to
// a newer connection, which shares the window key.
func (s *Server) releaseInbound(conn *pubsub.Connection) {
	if cur, ok := s.registry.Get(conn.ID()); ok && cur != conn {
		return
	}
	s.inboundLimiter.Remove(conn.ID())
}

// readPump reads client frames until the socket fails or the connection is
// removed. A client that stays silent for ReadTimeout is dropped even if
// the heartbeat has not caught it yet.
func (s *Server) readPump(conn *pubsub.Connection, netConn net.Conn) {
	// Panic recovery must be the first defer so it runs last.
	defer monitoring.RecoverPanic(s.logger, "readPump", map[string]any{
		"client_id": conn.ID(),
	})

	reason := monitoring.DisconnectReasonReadError
	defer func() {
		s.registry.Remove(conn, reason)
		s.releaseInbound(conn)
	}()

	readTimeout := s.config.ReadTimeout()
	for {
		_ = netConn.SetReadDeadline(time.Now().Add(readTimeout))
		msg, op, err := wsutil.ReadClientData(netConn)
		if err != nil {
			var closed wsutil.ClosedError
			if errors.As(err, &closed) {
				reason = monitoring.DisconnectReasonClientClosed
			}
			return
		}

		atomic.AddInt64(&s.stats.MessagesReceived, 1)
		atomic.AddInt64(&s.stats.BytesReceived, int64(len(msg)))
		monitoring.RecordMessageReceived(len(msg))

		if op != ws.OpText {
			continue
		}

		decision, strikes := s.inboundLimiter.Check(conn.ID())
		switch decision {
		case limits.Reject:
			atomic.AddInt64(&s.stats.RateLimitedMessages, 1)
			monitoring.RecordRateLimited()
			if strikes == 1 {
				s.logger.Warn().Str("client_id", conn.ID()).Msg("Client rate limited")
			}
			env, _ := messaging.Decode(msg)
			s.sendError(conn, env.ID, messaging.NewRateLimitError("too many messages, slow down"))
			continue
		case limits.Disconnect:
			atomic.AddInt64(&s.stats.RateLimitedMessages, 1)
			monitoring.RecordRateLimited()
			s.logger.Warn().
				Str("client_id", conn.ID()).
				Int("strikes", strikes).
				Msg("Disconnecting client that keeps exceeding the rate limit")
			reason = monitoring.DisconnectReasonRateLimited
			return
		}

		s.handleClientMessage(conn, msg)
	}
}
