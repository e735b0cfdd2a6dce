package limits

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pengwow/quantcell-realtime/internal/shared/monitoring"
)

func TestInboundLimiterIsolatesConnections(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := NewInboundLimiter(InboundLimiterConfig{Limit: 100, Window: time.Second, MaxStrikes: 20}, clock)

	rejected := 0
	for i := 0; i < 150; i++ {
		d, _ := l.Check("flood")
		if d != Allow {
			rejected++
		}
	}
	assert.Equal(t, 50, rejected)

	// A quiet neighbour is unaffected by the flood.
	for i := 0; i < 100; i++ {
		d, _ := l.Check("quiet")
		require.Equal(t, Allow, d, "message %d", i)
	}
}

func TestInboundLimiterDisconnectsPastMaxStrikes(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := NewInboundLimiter(InboundLimiterConfig{Limit: 5, Window: time.Second, MaxStrikes: 3}, clock)

	for i := 0; i < 5; i++ {
		d, _ := l.Check("c")
		require.Equal(t, Allow, d)
	}
	var decisions []Decision
	for i := 0; i < 4; i++ {
		d, _ := l.Check("c")
		decisions = append(decisions, d)
	}
	assert.Equal(t, []Decision{Reject, Reject, Reject, Disconnect}, decisions)
}

func TestInboundLimiterWindowSlidesAndStrikesReset(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := NewInboundLimiter(InboundLimiterConfig{Limit: 2, Window: time.Second, MaxStrikes: 5}, clock)

	l.Check("c")
	clock.Advance(500 * time.Millisecond)
	l.Check("c")
	d, strikes := l.Check("c")
	assert.Equal(t, Reject, d)
	assert.Equal(t, 1, strikes)

	// The first message leaves the window; one slot frees up.
	clock.Advance(600 * time.Millisecond)
	d, strikes = l.Check("c")
	assert.Equal(t, Allow, d)
	assert.Equal(t, 1, strikes, "strikes persist within a window of the last rejection")

	clock.Advance(time.Second)
	d, strikes = l.Check("c")
	assert.Equal(t, Allow, d)
	assert.Zero(t, strikes)
}

func TestInboundLimiterRemove(t *testing.T) {
	l := NewInboundLimiter(InboundLimiterConfig{}, clockwork.NewFakeClock())
	l.Check("a")
	l.Check("b")
	assert.Equal(t, 2, l.Tracked())
	l.Remove("a")
	assert.Equal(t, 1, l.Tracked())
}

func TestConnectionRateLimiterPerIPAndGlobal(t *testing.T) {
	clock := clockwork.NewFakeClock()
	crl := NewConnectionRateLimiter(ConnectionRateLimiterConfig{
		IPBurst:     2,
		IPRate:      1,
		GlobalBurst: 5,
		GlobalRate:  1,
		Clock:       clock,
		Logger:      zerolog.Nop(),
	})

	assert.True(t, crl.CheckConnectionAllowed("10.0.0.1"))
	assert.True(t, crl.CheckConnectionAllowed("10.0.0.1"))
	assert.False(t, crl.CheckConnectionAllowed("10.0.0.1"), "per-IP burst exhausted")

	assert.True(t, crl.CheckConnectionAllowed("10.0.0.2"))
	assert.True(t, crl.CheckConnectionAllowed("10.0.0.3"))
	assert.False(t, crl.CheckConnectionAllowed("10.0.0.4"), "global burst exhausted")

	clock.Advance(2 * time.Second)
	assert.True(t, crl.CheckConnectionAllowed("10.0.0.1"))
}

func TestConnectionRateLimiterCleanup(t *testing.T) {
	clock := clockwork.NewFakeClock()
	crl := NewConnectionRateLimiter(ConnectionRateLimiterConfig{IPTTL: time.Minute, Clock: clock, Logger: zerolog.Nop()})
	for i := 0; i < 3; i++ {
		crl.CheckConnectionAllowed(fmt.Sprintf("10.0.0.%d", i))
	}
	clock.Advance(2 * time.Minute)
	crl.CheckConnectionAllowed("10.0.0.9")

	assert.Equal(t, 3, crl.cleanup())
	assert.Equal(t, 1, crl.GetStats()["tracked_ips"])
}

type staticSampler monitoring.SystemMetrics

func (s staticSampler) Metrics() monitoring.SystemMetrics { return monitoring.SystemMetrics(s) }

func TestResourceGuardAdmission(t *testing.T) {
	conns := 0
	cfg := ResourceGuardConfig{
		MaxConnections:     2,
		CPURejectThreshold: 75,
		CPUPauseThreshold:  80,
		MemoryLimitBytes:   1 << 20,
		MaxGoroutines:      100,
	}

	tests := []struct {
		name   string
		conns  int
		sample staticSampler
		accept bool
	}{
		{"healthy", 0, staticSampler{CPUPercent: 10, Goroutines: 10}, true},
		{"at max connections", 2, staticSampler{}, false},
		{"cpu overload", 0, staticSampler{CPUPercent: 90}, false},
		{"memory", 0, staticSampler{MemoryBytes: 2 << 20}, false},
		{"goroutines", 0, staticSampler{Goroutines: 101}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conns = tt.conns
			rg := NewResourceGuard(cfg, tt.sample, func() int { return conns }, zerolog.Nop())
			ok, reason := rg.ShouldAcceptConnection()
			assert.Equal(t, tt.accept, ok)
			if ok {
				assert.Empty(t, reason)
			} else {
				assert.NotEmpty(t, reason)
			}
		})
	}
}

func TestResourceGuardIngest(t *testing.T) {
	rg := NewResourceGuard(ResourceGuardConfig{CPUPauseThreshold: 80, MaxIngestPerSec: 1000},
		staticSampler{CPUPercent: 85}, func() int { return 0 }, zerolog.Nop())
	assert.True(t, rg.ShouldPauseIngest())
	require.NoError(t, rg.WaitIngest(context.Background()))

	unlimited := NewResourceGuard(ResourceGuardConfig{}, staticSampler{}, func() int { return 0 }, zerolog.Nop())
	assert.False(t, unlimited.ShouldPauseIngest())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, unlimited.WaitIngest(ctx))
}
