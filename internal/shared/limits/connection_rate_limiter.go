package limits

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/pengwow/quantcell-realtime/internal/shared/monitoring"
)

// ConnectionRateLimiter throttles WebSocket handshakes.
//
// Two levels, both token buckets:
//   - Per-IP: one address cannot flood the server with reconnects
//   - Global: caps the total handshake rate across all addresses
//
// The global bucket is checked first so a rejected handshake never creates
// a per-IP entry.
type ConnectionRateLimiter struct {
	ipLimiters map[string]*ipLimiterEntry
	ipMu       sync.Mutex
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration

	globalLimiter *rate.Limiter
	globalBurst   int
	globalRate    float64

	clock  clockwork.Clock
	logger zerolog.Logger
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnectionRateLimiterConfig holds configuration for handshake rate limiting
type ConnectionRateLimiterConfig struct {
	IPBurst int           // Max burst handshakes per IP (default: 10)
	IPRate  float64       // Sustained handshakes/sec per IP (default: 1.0)
	IPTTL   time.Duration // Forget idle IPs after this long (default: 5m)

	GlobalBurst int     // Max burst handshakes overall (default: 300)
	GlobalRate  float64 // Sustained handshakes/sec overall (default: 50)

	Clock  clockwork.Clock
	Logger zerolog.Logger
}

// NewConnectionRateLimiter creates a limiter; call Start to enable idle-IP cleanup.
func NewConnectionRateLimiter(config ConnectionRateLimiterConfig) *ConnectionRateLimiter {
	if config.IPBurst == 0 {
		config.IPBurst = 10
	}
	if config.IPRate == 0 {
		config.IPRate = 1.0
	}
	if config.IPTTL == 0 {
		config.IPTTL = 5 * time.Minute
	}
	if config.GlobalBurst == 0 {
		config.GlobalBurst = 300
	}
	if config.GlobalRate == 0 {
		config.GlobalRate = 50.0
	}
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}

	return &ConnectionRateLimiter{
		ipLimiters:    make(map[string]*ipLimiterEntry),
		ipBurst:       config.IPBurst,
		ipRate:        config.IPRate,
		ipTTL:         config.IPTTL,
		globalLimiter: rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst),
		globalBurst:   config.GlobalBurst,
		globalRate:    config.GlobalRate,
		clock:         config.Clock,
		logger:        config.Logger.With().Str("component", "connection_rate_limiter").Logger(),
	}
}

// Start runs the idle-IP cleanup loop until ctx is done.
func (crl *ConnectionRateLimiter) Start(ctx context.Context) {
	go func() {
		defer monitoring.RecoverPanic(crl.logger, "connection_rate_limiter_cleanup", nil)
		ticker := crl.clock.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				crl.cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// CheckConnectionAllowed reports whether a handshake from ip may proceed.
// A rejected handshake should be answered with 429 Too Many Requests.
func (crl *ConnectionRateLimiter) CheckConnectionAllowed(ip string) bool {
	now := crl.clock.Now()

	if !crl.globalLimiter.AllowN(now, 1) {
		crl.logger.Debug().
			Str("ip", ip).
			Float64("global_rate", crl.globalRate).
			Int("global_burst", crl.globalBurst).
			Msg("Connection rejected: global rate limit exceeded")
		monitoring.RecordCapacityRejection("global_rate")
		return false
	}

	if !crl.ipLimiter(ip, now).AllowN(now, 1) {
		crl.logger.Debug().
			Str("ip", ip).
			Float64("ip_rate", crl.ipRate).
			Int("ip_burst", crl.ipBurst).
			Msg("Connection rejected: per-IP rate limit exceeded")
		monitoring.RecordCapacityRejection("per_ip_rate")
		return false
	}

	return true
}

func (crl *ConnectionRateLimiter) ipLimiter(ip string, now time.Time) *rate.Limiter {
	crl.ipMu.Lock()
	defer crl.ipMu.Unlock()

	entry, ok := crl.ipLimiters[ip]
	if !ok {
		entry = &ipLimiterEntry{limiter: rate.NewLimiter(rate.Limit(crl.ipRate), crl.ipBurst)}
		crl.ipLimiters[ip] = entry
	}
	entry.lastAccess = now
	return entry.limiter
}

func (crl *ConnectionRateLimiter) cleanup() int {
	crl.ipMu.Lock()
	defer crl.ipMu.Unlock()

	now := crl.clock.Now()
	removed := 0
	for ip, entry := range crl.ipLimiters {
		if now.Sub(entry.lastAccess) > crl.ipTTL {
			delete(crl.ipLimiters, ip)
			removed++
		}
	}

	if removed > 0 {
		crl.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(crl.ipLimiters)).
			Msg("Cleaned up stale IP rate limiters")
	}
	return removed
}

// GetStats returns limiter statistics for the health endpoint.
func (crl *ConnectionRateLimiter) GetStats() map[string]any {
	crl.ipMu.Lock()
	trackedIPs := len(crl.ipLimiters)
	crl.ipMu.Unlock()

	return map[string]any{
		"tracked_ips":  trackedIPs,
		"ip_burst":     crl.ipBurst,
		"ip_rate":      crl.ipRate,
		"global_burst": crl.globalBurst,
		"global_rate":  crl.globalRate,
	}
}
