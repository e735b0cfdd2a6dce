package monitoring

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// SystemMetrics holds current system resource measurements
type SystemMetrics struct {
	CPUPercent  float64   // Host CPU usage percentage
	MemoryBytes int64     // Heap bytes allocated
	MemoryMB    float64   // Heap megabytes allocated
	Goroutines  int       // Current goroutine count
	Timestamp   time.Time // When these metrics were captured
}

// CPUSampler returns the current CPU usage percentage.
type CPUSampler func() (float64, error)

// HostCPUPercent samples host CPU usage since the previous call.
func HostCPUPercent() (float64, error) {
	percents, err := cpu.Percent(0, false)
	if err != nil {
		return 0, err
	}
	if len(percents) == 0 {
		return 0, nil
	}
	return percents[0], nil
}

// SystemMonitor samples CPU, memory and goroutines on a fixed interval.
// The admission guard and the health endpoint read the latest sample
// instead of measuring on every request.
type SystemMonitor struct {
	logger  zerolog.Logger
	clock   clockwork.Clock
	sampler CPUSampler

	mu      sync.RWMutex
	metrics SystemMetrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSystemMonitor creates a monitor. sampler may be nil to use HostCPUPercent.
func NewSystemMonitor(logger zerolog.Logger, clock clockwork.Clock, sampler CPUSampler) *SystemMonitor {
	if sampler == nil {
		sampler = HostCPUPercent
	}
	return &SystemMonitor{
		logger:  logger.With().Str("component", "system_monitor").Logger(),
		clock:   clock,
		sampler: sampler,
		metrics: SystemMetrics{Timestamp: clock.Now()},
	}
}

// Start begins periodic sampling until ctx is done or Shutdown is called.
func (sm *SystemMonitor) Start(ctx context.Context, interval time.Duration) {
	ctx, sm.cancel = context.WithCancel(ctx)

	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		defer RecoverPanic(sm.logger, "system_monitor", nil)

		ticker := sm.clock.NewTicker(interval)
		defer ticker.Stop()

		sm.Sample()

		for {
			select {
			case <-ticker.Chan():
				sm.Sample()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Sample performs one measurement and publishes it to Prometheus.
func (sm *SystemMonitor) Sample() {
	cpuPercent, err := sm.sampler()
	if err != nil {
		LogError(sm.logger, err, "Failed to get CPU usage", nil)
		cpuPercent = 0
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	goroutines := runtime.NumGoroutine()

	m := SystemMetrics{
		CPUPercent:  cpuPercent,
		MemoryBytes: int64(mem.Alloc),
		MemoryMB:    float64(mem.Alloc) / (1024 * 1024),
		Goroutines:  goroutines,
		Timestamp:   sm.clock.Now(),
	}

	sm.mu.Lock()
	sm.metrics = m
	sm.mu.Unlock()

	cpuUsagePercent.Set(cpuPercent)
	memoryUsageBytes.Set(float64(mem.Alloc))
	goroutinesActive.Set(float64(goroutines))

	sm.logger.Debug().
		Float64("cpu_percent", cpuPercent).
		Float64("memory_mb", m.MemoryMB).
		Int("goroutines", goroutines).
		Msg("System metrics updated")
}

// Metrics returns a copy of the latest sample.
func (sm *SystemMonitor) Metrics() SystemMetrics {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.metrics
}

// CPUPercent returns the latest CPU sample.
func (sm *SystemMonitor) CPUPercent() float64 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.metrics.CPUPercent
}

// Shutdown stops sampling and waits for the loop to exit.
func (sm *SystemMonitor) Shutdown() {
	if sm.cancel != nil {
		sm.cancel()
	}
	sm.wg.Wait()
}
