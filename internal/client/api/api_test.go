package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pengwow/quantcell-realtime/internal/realtime"
	"github.com/pengwow/quantcell-realtime/internal/shared/messaging"
)

type nopPublisher struct{}

func (nopPublisher) Publish(string, any) (int, error) { return 0, nil }

type memFeed struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	channels   map[string]bool
}

func (f *memFeed) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *memFeed) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *memFeed) SubscribeKlines(channel string, _ func([]byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.channels == nil {
		f.channels = make(map[string]bool)
	}
	f.channels[channel] = true
	return nil
}

func (f *memFeed) UnsubscribeKlines(channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.channels, channel)
	return nil
}

func (f *memFeed) has(channel string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channels[channel]
}

func (f *memFeed) OnStatusChange(func(bool)) {}
func (f *memFeed) Close()                    {}

// engineServer serves the real engine API behind a bearer token check.
func engineServer(t *testing.T, feed realtime.Feed) *httptest.Server {
	t.Helper()
	engine := realtime.NewEngine(nopPublisher{}, feed, nil, zerolog.Nop())
	mux := http.NewServeMux()
	realtime.NewHandler(engine, zerolog.Nop()).Register(mux)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestActivationCallsAgainstEngine(t *testing.T) {
	feed := &memFeed{}
	srv := engineServer(t, feed)
	c := New(srv.URL+"/", "secret", time.Second)
	ctx := context.Background()

	status, err := c.GetRealtimeStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, realtime.StatusStopped, status.Status)
	assert.False(t, status.Connected)

	err = c.SubscribeKlineChannels(ctx, []string{"BTCUSDT@kline_1m"})
	require.Error(t, err)
	assert.ErrorIs(t, err, &messaging.Error{Kind: messaging.KindSubscription, Code: messaging.CodeEngineNotReady})

	require.NoError(t, c.StartRealtimeEngine(ctx))
	require.NoError(t, c.ConnectExchange(ctx))

	status, err = c.GetRealtimeStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, realtime.StatusRunning, status.Status)
	assert.True(t, status.Connected)

	require.NoError(t, c.SubscribeKlineChannels(ctx, []string{"BTCUSDT@kline_1m"}))
	assert.True(t, feed.has("BTCUSDT@kline_1m"))

	require.NoError(t, c.UnsubscribeKlineChannels(ctx, []string{"BTCUSDT@kline_1m"}))
	assert.False(t, feed.has("BTCUSDT@kline_1m"))

	err = c.SubscribeKlineChannels(ctx, []string{"not-a-channel"})
	assert.ErrorIs(t, err, &messaging.Error{Kind: messaging.KindSubscription, Code: messaging.CodeInvalidTopic})
}

func TestExchangeFailureIsConnectionError(t *testing.T) {
	srv := engineServer(t, &memFeed{connectErr: assert.AnError})
	c := New(srv.URL, "secret", time.Second)
	ctx := context.Background()

	require.NoError(t, c.StartRealtimeEngine(ctx))
	err := c.ConnectExchange(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, messaging.ErrConnection)
}

func TestUnauthorizedAndUnreachable(t *testing.T) {
	srv := engineServer(t, &memFeed{})

	err := New(srv.URL, "wrong", time.Second).StartRealtimeEngine(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, messaging.ErrConnection)

	srv.Close()
	err = New(srv.URL, "secret", time.Second).StartRealtimeEngine(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, messaging.ErrConnection)
}

func TestSuccessFalseIsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(realtime.SuccessResponse{Success: false})
	}))
	defer srv.Close()

	err := New(srv.URL, "", time.Second).SubscribeKlineChannels(context.Background(), []string{"BTCUSDT@kline_1m"})
	require.Error(t, err)
	assert.Equal(t, messaging.CodeSubscribeRejected, messaging.CodeOf(err))
}

func TestMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html>`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "", time.Second).GetRealtimeStatus(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, messaging.ErrProtocol)
}

func TestContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := New(srv.URL, "", time.Second).StartRealtimeEngine(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
