package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Disconnect reasons used as the "reason" label on realtime_disconnects_total.
const (
	DisconnectReasonClientClosed     = "client_closed"
	DisconnectReasonReadError        = "read_error"
	DisconnectReasonWriteError       = "write_error"
	DisconnectReasonSlowConsumer     = "slow_consumer"
	DisconnectReasonRateLimited      = "rate_limited"
	DisconnectReasonHeartbeatTimeout = "heartbeat_timeout"
	DisconnectReasonReplaced         = "replaced"
	DisconnectReasonShutdown         = "shutdown"
)

// Frame kinds used as the "kind" label on realtime_frames_sent_total.
const (
	FrameKindSingle = "single"
	FrameKindBatch  = "batch"
	FrameKindPing   = "ping"
)

var (
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "realtime_connections_total",
		Help: "Total number of WebSocket connections accepted",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_connections_active",
		Help: "Current number of registered connections",
	})

	disconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_disconnects_total",
		Help: "Total disconnects by reason",
	}, []string{"reason"})

	capacityRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_capacity_rejections_total",
		Help: "Handshakes rejected before upgrade, by reason",
	}, []string{"reason"})

	messagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "realtime_messages_received_total",
		Help: "Total inbound client messages",
	})

	bytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "realtime_bytes_received_total",
		Help: "Total inbound bytes",
	})

	messagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "realtime_messages_sent_total",
		Help: "Total envelopes written to clients, counting each batched envelope",
	})

	bytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "realtime_bytes_sent_total",
		Help: "Total outbound bytes",
	})

	framesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_frames_sent_total",
		Help: "Total frames written, by kind",
	}, []string{"kind"})

	batchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "realtime_batch_size",
		Help:    "Envelopes per flushed frame",
		Buckets: []float64{1, 2, 5, 10, 20, 50},
	})

	eventsPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "realtime_events_published_total",
		Help: "Total events published to the broker",
	})

	eventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "realtime_events_dropped_total",
		Help: "Published events that had no subscribers",
	})

	eventsDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "realtime_events_delivered_total",
		Help: "Events enqueued onto subscriber queues",
	})

	topicsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_topics_active",
		Help: "Topics with at least one subscriber",
	})

	queueOverflows = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "realtime_queue_overflows_total",
		Help: "Envelopes dropped because an outbound queue was full",
	})

	rateLimitedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "realtime_rate_limited_messages_total",
		Help: "Inbound messages rejected by the per-connection limiter",
	})

	cpuUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_cpu_usage_percent",
		Help: "Process host CPU usage percent",
	})

	memoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_memory_bytes",
		Help: "Heap bytes allocated",
	})

	goroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_goroutines_active",
		Help: "Current goroutine count",
	})

	ingestMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_ingest_messages_total",
		Help: "Producer messages consumed, by source",
	}, []string{"source"})

	ingestErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_ingest_errors_total",
		Help: "Producer messages that failed to decode or publish, by source",
	}, []string{"source"})

	ingestConnected = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "realtime_ingest_connected",
		Help: "Producer connection status (1=connected, 0=disconnected), by source",
	}, []string{"source"})
)

func init() {
	prometheus.MustRegister(connectionsTotal)
	prometheus.MustRegister(connectionsActive)
	prometheus.MustRegister(disconnectsTotal)
	prometheus.MustRegister(capacityRejections)

	prometheus.MustRegister(messagesReceived)
	prometheus.MustRegister(bytesReceived)
	prometheus.MustRegister(messagesSent)
	prometheus.MustRegister(bytesSent)
	prometheus.MustRegister(framesSent)
	prometheus.MustRegister(batchSize)

	prometheus.MustRegister(eventsPublished)
	prometheus.MustRegister(eventsDropped)
	prometheus.MustRegister(eventsDelivered)
	prometheus.MustRegister(topicsActive)
	prometheus.MustRegister(queueOverflows)
	prometheus.MustRegister(rateLimitedMessages)

	prometheus.MustRegister(cpuUsagePercent)
	prometheus.MustRegister(memoryUsageBytes)
	prometheus.MustRegister(goroutinesActive)

	prometheus.MustRegister(ingestMessages)
	prometheus.MustRegister(ingestErrors)
	prometheus.MustRegister(ingestConnected)
}

// RecordConnect counts an accepted connection.
func RecordConnect(active int) {
	connectionsTotal.Inc()
	connectionsActive.Set(float64(active))
}

// RecordDisconnect counts a deregistration and refreshes the active gauge.
func RecordDisconnect(reason string, active int) {
	disconnectsTotal.WithLabelValues(reason).Inc()
	connectionsActive.Set(float64(active))
}

func RecordCapacityRejection(reason string) {
	capacityRejections.WithLabelValues(reason).Inc()
}

func RecordMessageReceived(size int) {
	messagesReceived.Inc()
	bytesReceived.Add(float64(size))
}

// RecordFrameSent counts one written frame holding n envelopes.
func RecordFrameSent(kind string, n, size int) {
	framesSent.WithLabelValues(kind).Inc()
	bytesSent.Add(float64(size))
	if n > 0 {
		messagesSent.Add(float64(n))
		batchSize.Observe(float64(n))
	}
}

// RecordPublish counts a broker publish and how many queues it reached.
func RecordPublish(delivered int) {
	eventsPublished.Inc()
	if delivered == 0 {
		eventsDropped.Inc()
		return
	}
	eventsDelivered.Add(float64(delivered))
}

func SetTopicsActive(n int) {
	topicsActive.Set(float64(n))
}

func RecordQueueOverflow() {
	queueOverflows.Inc()
}

func RecordRateLimited() {
	rateLimitedMessages.Inc()
}

func RecordIngest(source string) {
	ingestMessages.WithLabelValues(source).Inc()
}

func RecordIngestError(source string) {
	ingestErrors.WithLabelValues(source).Inc()
}

func SetIngestConnected(source string, connected bool) {
	v := 0.0
	if connected {
		v = 1
	}
	ingestConnected.WithLabelValues(source).Set(v)
}
