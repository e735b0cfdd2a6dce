package shared

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
)

// handleHealth reports liveness, capacity and resource usage.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Content-Type", "application/json")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	sys := s.systemMonitor.Metrics()
	current := s.registry.Len()
	maxConns := s.config.MaxConnections

	healthy := true
	var warnings, errs []string

	if s.config.CPURejectThreshold > 0 && sys.CPUPercent > s.config.CPURejectThreshold {
		healthy = false
		errs = append(errs, fmt.Sprintf("CPU exceeds reject threshold (%.1f%% > %.1f%%)", sys.CPUPercent, s.config.CPURejectThreshold))
	}
	if s.config.MemoryLimit > 0 && sys.MemoryBytes > s.config.MemoryLimit {
		healthy = false
		errs = append(errs, fmt.Sprintf("Memory exceeds limit (%.1fMB)", sys.MemoryMB))
	}

	capacityPercent := float64(current) / float64(maxConns) * 100
	switch {
	case capacityPercent >= 100:
		warnings = append(warnings, fmt.Sprintf("Server at full capacity (%d/%d)", current, maxConns))
	case capacityPercent > 90:
		warnings = append(warnings, fmt.Sprintf("Server near capacity (%.1f%%)", capacityPercent))
	}

	engine := map[string]any{"enabled": s.engine != nil}
	if s.engine != nil {
		st := s.engine.Status()
		engine["status"] = st.Status
		engine["connected"] = st.Connected
		engine["channels"] = len(st.Channels)
	}

	status := "healthy"
	statusCode := http.StatusOK
	if !healthy {
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	} else if len(warnings) > 0 {
		status = "degraded"
	}

	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  status,
		"healthy": healthy,
		"checks": map[string]any{
			"capacity": map[string]any{
				"current":    current,
				"max":        maxConns,
				"percentage": capacityPercent,
			},
			"cpu": map[string]any{
				"percentage": sys.CPUPercent,
				"threshold":  s.config.CPURejectThreshold,
			},
			"memory": map[string]any{
				"used_mb": sys.MemoryMB,
			},
			"goroutines": sys.Goroutines,
			"topics":     s.broker.TopicCount(),
			"engine":     engine,
			"kafka":      s.taskConsumer != nil,
		},
		"stats": map[string]any{
			"total_connections":         atomic.LoadInt64(&s.stats.TotalConnections),
			"messages_sent":             atomic.LoadInt64(&s.stats.MessagesSent),
			"messages_received":         atomic.LoadInt64(&s.stats.MessagesReceived),
			"bytes_sent":                atomic.LoadInt64(&s.stats.BytesSent),
			"bytes_received":            atomic.LoadInt64(&s.stats.BytesReceived),
			"rate_limited_messages":     atomic.LoadInt64(&s.stats.RateLimitedMessages),
			"slow_clients_disconnected": atomic.LoadInt64(&s.stats.SlowClientsDisconnected),
			"heartbeat_evictions":       atomic.LoadInt64(&s.stats.HeartbeatEvictions),
		},
		"connection_rate_limiter": s.connectionRateLimiter.GetStats(),
		"warnings":                warnings,
		"errors":                  errs,
		"uptime":                  s.clock.Since(s.stats.StartTime).Seconds(),
	})
}
