package shared

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pengwow/quantcell-realtime/internal/config"
	"github.com/pengwow/quantcell-realtime/internal/shared/auth"
	"github.com/pengwow/quantcell-realtime/internal/shared/messaging"
)

func testConfig() *config.Server {
	return &config.Server{
		Addr:               "127.0.0.1:0",
		MaxConnections:     100,
		BatchSize:          10,
		BatchInterval:      10 * time.Millisecond,
		QueueCap:           256,
		MaxOverflowStrikes: 3,
		ShardCount:         4,
		InboundLimit:       100,
		InboundWindow:      time.Second,
		InboundMaxStrikes:  20,
		PingInterval:       30 * time.Second,
		MaxMissedPongs:     2,
		ConnIPBurst:        100,
		ConnIPRate:         100,
		ConnGlobalBurst:    100,
		ConnGlobalRate:     100,
		CPURejectThreshold: 90,
		CPUPauseThreshold:  95,
		MetricsInterval:    time.Second,
		ShutdownTimeout:    5 * time.Second,
		LogLevel:           "error",
		LogFormat:          "json",
	}
}

func startServer(t *testing.T, cfg *config.Server, opts ...Option) *Server {
	t.Helper()
	opts = append([]Option{WithCPUSampler(func() (float64, error) { return 0, nil })}, opts...)
	s, err := NewServer(cfg, zerolog.Nop(), opts...)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func dial(t *testing.T, s *Server, pathAndQuery string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+s.Addr()+pathAndQuery, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, env messaging.Envelope) {
	t.Helper()
	data, err := messaging.Encode(env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// readEnvelopes reads frames until n envelopes have arrived, unwrapping
// batch frames.
func readEnvelopes(t *testing.T, conn *websocket.Conn, n int) []messaging.Envelope {
	t.Helper()
	var out []messaging.Envelope
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for len(out) < n {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		envs, err := messaging.DecodeFrame(data)
		require.NoError(t, err)
		out = append(out, envs...)
	}
	return out
}

func TestSubscribeAckAndDelivery(t *testing.T) {
	s := startServer(t, testConfig())
	conn := dial(t, s, "/ws?client_id=dash-1")

	req := messaging.NewSubscriptionRequest(messaging.TypeSubscribe, []string{"task:progress", "exchange:status"}, time.Now())
	send(t, conn, req)

	ack := readEnvelopes(t, conn, 1)[0]
	assert.Equal(t, messaging.TypeSubscribe, ack.Type)
	assert.Equal(t, req.ID, ack.ID)
	topics, err := messaging.DecodeTopics(ack)
	require.NoError(t, err)
	assert.Equal(t, []string{"exchange:status", "task:progress"}, topics)

	delivered, err := s.Broker().Publish("task:progress", map[string]any{"task_id": "t1", "pct": 10})
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)

	event := readEnvelopes(t, conn, 1)[0]
	assert.Equal(t, messaging.TypeEvent, event.Type)
	assert.Equal(t, "task:progress", event.Topic)
	assert.JSONEq(t, `{"task_id":"t1","pct":10}`, string(event.Data))

	unsub := messaging.NewSubscriptionRequest(messaging.TypeUnsubscribe, []string{"task:progress"}, time.Now())
	send(t, conn, unsub)
	ack = readEnvelopes(t, conn, 1)[0]
	topics, err = messaging.DecodeTopics(ack)
	require.NoError(t, err)
	assert.Equal(t, []string{"exchange:status"}, topics)
}

func TestTaskEndpointPresubscribes(t *testing.T) {
	s := startServer(t, testConfig())
	conn := dial(t, s, "/ws/task")

	require.Eventually(t, func() bool {
		return len(s.Broker().Subscribers(messaging.TopicTaskStatus)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err := s.Broker().Publish(messaging.TopicTaskStatus, map[string]string{"state": "done"})
	require.NoError(t, err)
	event := readEnvelopes(t, conn, 1)[0]
	assert.Equal(t, messaging.TopicTaskStatus, event.Topic)

	_ = dial(t, s, "/ws?topics=BTCUSDT@kline_1m,%20,ETHUSDT@kline_1m")
	require.Eventually(t, func() bool {
		return len(s.Broker().Subscribers("ETHUSDT@kline_1m")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, s.Broker().Subscribers(messaging.TopicTaskStatus), 1)
}

func TestPingAndProtocolErrors(t *testing.T) {
	s := startServer(t, testConfig())
	conn := dial(t, s, "/ws")

	send(t, conn, messaging.NewPing())
	pong := readEnvelopes(t, conn, 1)[0]
	assert.Equal(t, messaging.TypePong, pong.Type)

	send(t, conn, messaging.Envelope{Type: "replay", ID: "req-9"})
	env := readEnvelopes(t, conn, 1)[0]
	assert.Equal(t, messaging.TypeError, env.Type)
	assert.Equal(t, "req-9", env.ID)
	assert.Equal(t, messaging.CodeUnknownMessageType, env.Error.Code)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{broken`)))
	env = readEnvelopes(t, conn, 1)[0]
	assert.Equal(t, messaging.CodeInvalidMessage, env.Error.Code)

	send(t, conn, messaging.Envelope{Type: messaging.TypeSubscribe, ID: "req-10", Data: json.RawMessage(`{"topics":[""]}`)})
	env = readEnvelopes(t, conn, 1)[0]
	assert.Equal(t, "req-10", env.ID)
	assert.Equal(t, messaging.CodeInvalidTopic, env.Error.Code)
}

func TestInboundRateLimitIsPerConnection(t *testing.T) {
	cfg := testConfig()
	cfg.InboundLimit = 2
	cfg.InboundWindow = time.Minute
	s := startServer(t, cfg)

	noisy := dial(t, s, "/ws?client_id=noisy")
	quiet := dial(t, s, "/ws?client_id=quiet")

	for i := 0; i < 3; i++ {
		send(t, noisy, messaging.Envelope{Type: messaging.TypePing, ID: string(rune('a' + i))})
	}
	envs := readEnvelopes(t, noisy, 3)
	assert.Equal(t, messaging.TypePong, envs[0].Type)
	assert.Equal(t, messaging.TypePong, envs[1].Type)
	assert.Equal(t, messaging.TypeError, envs[2].Type)
	assert.Equal(t, messaging.CodeRateLimited, envs[2].Error.Code)
	assert.Equal(t, "c", envs[2].ID)

	send(t, quiet, messaging.NewPing())
	assert.Equal(t, messaging.TypePong, readEnvelopes(t, quiet, 1)[0].Type)
}

func TestDuplicateClientIDReplacesConnection(t *testing.T) {
	s := startServer(t, testConfig())
	first := dial(t, s, "/ws?client_id=same")
	_ = dial(t, s, "/ws?client_id=same")

	_ = first.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := first.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "expected close error, got %v", err)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	require.Eventually(t, func() bool { return s.registry.Len() == 1 }, time.Second, 10*time.Millisecond)
}

type nopTransport struct{}

func (nopTransport) WriteFrame([]byte) error { return nil }
func (nopTransport) Close(int, string) error { return nil }
func (nopTransport) RemoteAddr() string { return "127.0.0.1:0" }

func TestReplacedConnectionKeepsNewcomersRateWindow(t *testing.T) {
	s, err := NewServer(testConfig(), zerolog.Nop(), WithCPUSampler(func() (float64, error) { return 0, nil }))
	require.NoError(t, err)

	old, err := s.registry.Register(nopTransport{}, "same")
	require.NoError(t, err)
	fresh, err := s.registry.Register(nopTransport{}, "same")
	require.NoError(t, err)
	s.inboundLimiter.Check(fresh.ID())

	// The replaced connection's read loop exits after the newcomer is live.
	s.releaseInbound(old)
	assert.Equal(t, 1, s.inboundLimiter.Tracked())

	s.registry.Remove(fresh, "test")
	s.releaseInbound(fresh)
	assert.Zero(t, s.inboundLimiter.Tracked())
}

func TestShutdownDrainsQueueInOrder(t *testing.T) {
	s, err := NewServer(testConfig(), zerolog.Nop(), WithCPUSampler(func() (float64, error) { return 0, nil }))
	require.NoError(t, err)
	require.NoError(t, s.Start())
	conn := dial(t, s, "/ws?client_id=drain&topics=task:progress")
	require.Eventually(t, func() bool {
		return len(s.Broker().Subscribers(messaging.TopicTaskProgress)) == 1
	}, time.Second, 5*time.Millisecond)

	const total = 100
	for i := 0; i < total; i++ {
		_, err := s.Broker().Publish(messaging.TopicTaskProgress, map[string]int{"seq": i})
		require.NoError(t, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.False(t, s.startFlushLoop(nil), "no flush loop starts after shutdown")

	var seqs []int
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			require.True(t, errors.As(err, &closeErr), "expected close error, got %v", err)
			break
		}
		envs, err := messaging.DecodeFrame(data)
		require.NoError(t, err)
		for _, env := range envs {
			var payload struct{ Seq int }
			require.NoError(t, json.Unmarshal(env.Data, &payload))
			seqs = append(seqs, payload.Seq)
		}
	}
	require.Len(t, seqs, total)
	for i, seq := range seqs {
		assert.Equal(t, i, seq)
	}
}

func TestShutdownClosesWithGoingAway(t *testing.T) {
	s, err := NewServer(testConfig(), zerolog.Nop(), WithCPUSampler(func() (float64, error) { return 0, nil }))
	require.NoError(t, err)
	require.NoError(t, s.Start())
	conn := dial(t, s, "/ws")

	require.Eventually(t, func() bool { return s.registry.Len() == 1 }, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "expected close error, got %v", err)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
	assert.Equal(t, 0, s.registry.Len())
}

func TestJWTHandshake(t *testing.T) {
	cfg := testConfig()
	cfg.JWTSecret = "test-secret"
	s := startServer(t, cfg)

	_, resp, err := websocket.DefaultDialer.Dial("ws://"+s.Addr()+"/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	token, err := auth.NewJWTManager(cfg.JWTSecret, time.Hour, clockwork.NewRealClock()).Generate("u1", "viewer")
	require.NoError(t, err)
	conn := dial(t, s, "/ws?token="+token)
	send(t, conn, messaging.NewPing())
	assert.Equal(t, messaging.TypePong, readEnvelopes(t, conn, 1)[0].Type)
}

func TestHealthEndpoint(t *testing.T) {
	s := startServer(t, testConfig())
	_ = dial(t, s, "/ws/task")

	resp, err := http.Get("http://" + s.Addr() + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status string `json:"status"`
		Checks struct {
			Engine map[string]any `json:"engine"`
		} `json:"checks"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, false, body.Checks.Engine["enabled"])
}

func TestParseTopics(t *testing.T) {
	assert.Nil(t, parseTopics(""))
	assert.Equal(t, []string{"a", "b"}, parseTopics(" a, ,b "))
}

type stubFeed struct {
	mu        sync.Mutex
	connected bool
	handlers  map[string]func([]byte)
}

func (f *stubFeed) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *stubFeed) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *stubFeed) SubscribeKlines(channel string, handler func([]byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = make(map[string]func([]byte))
	}
	f.handlers[channel] = handler
	return nil
}

func (f *stubFeed) UnsubscribeKlines(channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, channel)
	return nil
}

func (f *stubFeed) OnStatusChange(func(bool)) {}
func (f *stubFeed) Close() {}

func (f *stubFeed) emit(channel string, payload []byte) {
	f.mu.Lock()
	h := f.handlers[channel]
	f.mu.Unlock()
	h(payload)
}

func TestEngineKlinesReachSubscribers(t *testing.T) {
	feed := &stubFeed{}
	s := startServer(t, testConfig(), WithFeed(feed))
	conn := dial(t, s, "/ws?topics=BTCUSDT@kline_1m")

	base := "http://" + s.Addr()
	for _, path := range []string{"/api/realtime/start", "/api/realtime/connect"} {
		resp, err := http.Post(base+path, "application/json", nil)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
	resp, err := http.Post(base+"/api/realtime/klines/subscribe", "application/json",
		strings.NewReader(`{"channels":["BTCUSDT@kline_1m"]}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		return len(s.Broker().Subscribers("BTCUSDT@kline_1m")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	feed.emit("BTCUSDT@kline_1m", []byte(`{"open":"1","close":"2"}`))

	event := readEnvelopes(t, conn, 1)[0]
	assert.Equal(t, "BTCUSDT@kline_1m", event.Topic)
	assert.JSONEq(t, `{"open":"1","close":"2"}`, string(event.Data))
}

func TestEngineAPIRequiresTokenWhenAuthEnabled(t *testing.T) {
	cfg := testConfig()
	cfg.JWTSecret = "test-secret"
	s := startServer(t, cfg, WithFeed(&stubFeed{}))

	resp, err := http.Get("http://" + s.Addr() + "/api/realtime/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := auth.NewJWTManager(cfg.JWTSecret, time.Hour, clockwork.NewRealClock()).Generate("u1", "viewer")
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodGet, "http://"+s.Addr()+"/api/realtime/status", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
