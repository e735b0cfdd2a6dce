package shared

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/gobwas/ws"

	"github.com/pengwow/quantcell-realtime/internal/shared/messaging"
	"github.com/pengwow/quantcell-realtime/internal/shared/monitoring"
	"github.com/pengwow/quantcell-realtime/internal/shared/pubsub"
)

const maxClientIDLen = 128

var taskTopics = []string{messaging.TopicTaskProgress, messaging.TopicTaskStatus}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.serveWebSocket(w, r, nil)
}

// handleTaskWebSocket serves /ws/task, which subscribes to task progress and
// status unless the client names its own topics.
func (s *Server) handleTaskWebSocket(w http.ResponseWriter, r *http.Request) {
	s.serveWebSocket(w, r, taskTopics)
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request, defaultTopics []string) {
	clientIP := getClientIP(r)

	if s.shuttingDown.Load() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if !s.connectionRateLimiter.CheckConnectionAllowed(clientIP) {
		s.logger.Warn().Str("client_ip", clientIP).Msg("Connection rejected: rate limit exceeded")
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	if accept, reason := s.resourceGuard.ShouldAcceptConnection(); !accept {
		s.logger.Warn().
			Str("client_ip", clientIP).
			Int("current_connections", s.registry.Len()).
			Str("reason", reason).
			Msg("Connection rejected by ResourceGuard")
		http.Error(w, "Server overloaded", http.StatusServiceUnavailable)
		return
	}

	if s.jwt != nil {
		if _, err := s.jwt.WebSocketAuth(r); err != nil {
			s.logger.Debug().Err(err).Str("client_ip", clientIP).Msg("Connection rejected: unauthorized")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	query := r.URL.Query()
	clientID := query.Get("client_id")
	if len(clientID) > maxClientIDLen {
		http.Error(w, "client_id too long", http.StatusBadRequest)
		return
	}
	topics := parseTopics(query.Get("topics"))
	if len(topics) == 0 {
		topics = defaultTopics
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		monitoring.RecordCapacityRejection("upgrade_failed")
		s.logger.Error().
			Err(err).
			Str("client_ip", clientIP).
			Str("user_agent", r.Header.Get("User-Agent")).
			Msg("WebSocket upgrade failed")
		return
	}

	transport := newWSTransport(netConn, clientIP, s.stats)
	conn, err := s.registry.Register(transport, clientID)
	if errors.Is(err, pubsub.ErrReplaced) {
		s.logger.Info().Str("client_ip", clientIP).Str("client_id", clientID).Msg("Handshake superseded by a newer connection")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("client_ip", clientIP).Msg("Failed to register connection")
		_ = transport.Close(1011, "registration failed")
		return
	}
	atomic.AddInt64(&s.stats.TotalConnections, 1)

	if len(topics) > 0 {
		if _, err := s.broker.Subscribe(conn.ID(), topics); err != nil {
			s.sendError(conn, "", err)
		}
	}

	s.logger.Info().
		Str("client_ip", clientIP).
		Str("client_id", conn.ID()).
		Strs("topics", topics).
		Int("current_connections", s.registry.Len()).
		Msg("Client connected")

	if !s.startFlushLoop(conn) {
		s.registry.Remove(conn, monitoring.DisconnectReasonShutdown)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readPump(conn, netConn)
	}()
}

// parseTopics splits a comma-separated topics parameter, dropping blanks.
func parseTopics(raw string) []string {
	if raw == "" {
		return nil
	}
	var topics []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}
	return topics
}

// getClientIP extracts the client IP from the request.
// Checks X-Forwarded-For header first (for load balancers/proxies),
// then falls back to RemoteAddr.
func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
