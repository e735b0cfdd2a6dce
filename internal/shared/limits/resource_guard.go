package limits

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/pengwow/quantcell-realtime/internal/shared/monitoring"
)

// ResourceSampler provides the latest system sample.
type ResourceSampler interface {
	Metrics() monitoring.SystemMetrics
}

// ResourceGuardConfig holds static admission limits.
type ResourceGuardConfig struct {
	MaxConnections     int
	CPURejectThreshold float64 // Reject new connections above this CPU %
	CPUPauseThreshold  float64 // Producers back off above this CPU %
	MemoryLimitBytes   int64   // 0 disables the memory check
	MaxGoroutines      int     // 0 disables the goroutine check
	MaxIngestPerSec    int     // Producer messages/sec, 0 disables
}

// ResourceGuard enforces static resource limits.
//
// It does not measure anything itself: CPU, memory and goroutines come from
// the SystemMonitor sample and the connection count from the registry.
type ResourceGuard struct {
	config        ResourceGuardConfig
	sampler       ResourceSampler
	connections   func() int
	ingestLimiter *rate.Limiter
	logger        zerolog.Logger
}

// NewResourceGuard creates a guard. connections reports the live
// connection count.
func NewResourceGuard(config ResourceGuardConfig, sampler ResourceSampler, connections func() int, logger zerolog.Logger) *ResourceGuard {
	rg := &ResourceGuard{
		config:      config,
		sampler:     sampler,
		connections: connections,
		logger:      logger.With().Str("component", "resource_guard").Logger(),
	}
	if config.MaxIngestPerSec > 0 {
		rg.ingestLimiter = rate.NewLimiter(rate.Limit(config.MaxIngestPerSec), config.MaxIngestPerSec*2)
	}

	rg.logger.Info().
		Int("max_connections", config.MaxConnections).
		Float64("cpu_reject_threshold", config.CPURejectThreshold).
		Float64("cpu_pause_threshold", config.CPUPauseThreshold).
		Int64("memory_limit", config.MemoryLimitBytes).
		Int("max_goroutines", config.MaxGoroutines).
		Int("max_ingest_rate", config.MaxIngestPerSec).
		Msg("ResourceGuard initialized")

	return rg
}

// ShouldAcceptConnection checks, in order: connection limit, CPU, memory,
// goroutines. reason is empty when the connection is accepted.
func (rg *ResourceGuard) ShouldAcceptConnection() (accept bool, reason string) {
	current := rg.connections()
	if rg.config.MaxConnections > 0 && current >= rg.config.MaxConnections {
		monitoring.RecordCapacityRejection("at_max_connections")
		return false, fmt.Sprintf("at max connections (%d)", rg.config.MaxConnections)
	}

	m := rg.sampler.Metrics()

	if rg.config.CPURejectThreshold > 0 && m.CPUPercent > rg.config.CPURejectThreshold {
		monitoring.RecordCapacityRejection("cpu_overload")
		rg.logger.Debug().
			Float64("current_cpu", m.CPUPercent).
			Float64("threshold", rg.config.CPURejectThreshold).
			Msg("Connection rejected: CPU overload")
		return false, fmt.Sprintf("CPU %.1f%% > %.1f%%", m.CPUPercent, rg.config.CPURejectThreshold)
	}

	if rg.config.MemoryLimitBytes > 0 && m.MemoryBytes > rg.config.MemoryLimitBytes {
		monitoring.RecordCapacityRejection("memory_limit")
		return false, "memory limit exceeded"
	}

	if rg.config.MaxGoroutines > 0 && m.Goroutines > rg.config.MaxGoroutines {
		monitoring.RecordCapacityRejection("goroutine_limit")
		return false, fmt.Sprintf("goroutine limit exceeded (%d > %d)", m.Goroutines, rg.config.MaxGoroutines)
	}

	return true, ""
}

// ShouldPauseIngest reports whether producers should stop pulling work.
func (rg *ResourceGuard) ShouldPauseIngest() bool {
	return rg.config.CPUPauseThreshold > 0 && rg.sampler.Metrics().CPUPercent > rg.config.CPUPauseThreshold
}

// WaitIngest blocks until one producer message may be published.
func (rg *ResourceGuard) WaitIngest(ctx context.Context) error {
	if rg.ingestLimiter == nil {
		return nil
	}
	return rg.ingestLimiter.Wait(ctx)
}
