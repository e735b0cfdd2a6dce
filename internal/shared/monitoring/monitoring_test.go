package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pengwow/quantcell-realtime/internal/shared/types"
)

func TestNewLoggerLevelsAndFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggerConfig{
		Level:   types.LogLevelWarn,
		Format:  types.LogFormatJSON,
		Service: "realtime-client",
		Output:  &buf,
	})

	logger.Info().Msg("hidden")
	assert.Zero(t, buf.Len())

	logger.Warn().Str("component", "test").Msg("shown")
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "realtime-client", entry["service"])
	assert.Equal(t, "test", entry["component"])
	assert.Equal(t, "shown", entry["message"])
	assert.Contains(t, entry, "caller")
}

func TestRecoverPanicKeepsRunning(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	func() {
		defer RecoverPanic(logger, "worker", map[string]any{"client_id": "c1"})
		panic("boom")
	}()

	assert.Contains(t, buf.String(), `"goroutine":"worker"`)
	assert.Contains(t, buf.String(), `"client_id":"c1"`)
}

func TestRecordPublishSplitsDroppedAndDelivered(t *testing.T) {
	publishedBefore := testutil.ToFloat64(eventsPublished)
	droppedBefore := testutil.ToFloat64(eventsDropped)
	deliveredBefore := testutil.ToFloat64(eventsDelivered)

	RecordPublish(0)
	RecordPublish(3)

	assert.Equal(t, publishedBefore+2, testutil.ToFloat64(eventsPublished))
	assert.Equal(t, droppedBefore+1, testutil.ToFloat64(eventsDropped))
	assert.Equal(t, deliveredBefore+3, testutil.ToFloat64(eventsDelivered))
}

func TestRecordDisconnectByReason(t *testing.T) {
	before := testutil.ToFloat64(disconnectsTotal.WithLabelValues(DisconnectReasonHeartbeatTimeout))
	RecordDisconnect(DisconnectReasonHeartbeatTimeout, 4)
	assert.Equal(t, before+1, testutil.ToFloat64(disconnectsTotal.WithLabelValues(DisconnectReasonHeartbeatTimeout)))
	assert.Equal(t, 4.0, testutil.ToFloat64(connectionsActive))
}

func TestSystemMonitorSamplesOnTicker(t *testing.T) {
	clock := clockwork.NewFakeClock()
	calls := 0
	sampler := func() (float64, error) {
		calls++
		if calls == 2 {
			return 0, errors.New("unavailable")
		}
		return 42.5, nil
	}

	sm := NewSystemMonitor(zerolog.Nop(), clock, sampler)
	sm.Start(context.Background(), time.Second)
	t.Cleanup(sm.Shutdown)

	require.Eventually(t, func() bool { return sm.CPUPercent() == 42.5 }, time.Second, 5*time.Millisecond)
	assert.Greater(t, sm.Metrics().Goroutines, 0)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Second)

	require.Eventually(t, func() bool { return sm.CPUPercent() == 0 }, time.Second, 5*time.Millisecond)
}
