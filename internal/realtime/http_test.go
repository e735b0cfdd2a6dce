package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pengwow/quantcell-realtime/internal/shared/messaging"
)

func newTestAPI(t *testing.T) (*httptest.Server, *fakeFeed) {
	t.Helper()
	e, feed, _ := newTestEngine(t, nil)
	mux := http.NewServeMux()
	NewHandler(e, zerolog.Nop()).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, feed
}

func post(t *testing.T, url, body string) (int, SuccessResponse) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out SuccessResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestAPIActivationFlow(t *testing.T) {
	srv, feed := newTestAPI(t)

	code, out := post(t, srv.URL+PathSubscribe, `{"channels":["BTCUSDT@kline_1m"]}`)
	assert.Equal(t, http.StatusConflict, code)
	require.NotNil(t, out.Error)
	assert.Equal(t, messaging.CodeEngineNotReady, out.Error.Code)

	code, out = post(t, srv.URL+PathStart, "")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, out.Success)

	code, _ = post(t, srv.URL+PathConnect, "")
	assert.Equal(t, http.StatusOK, code)

	resp, err := http.Get(srv.URL + PathStatus)
	require.NoError(t, err)
	defer resp.Body.Close()
	var st Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, StatusRunning, st.Status)
	assert.True(t, st.Connected)

	code, out = post(t, srv.URL+PathSubscribe, `{"channels":["BTCUSDT@kline_1m"]}`)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, out.Success)
	assert.Contains(t, feed.subscribed(), "BTCUSDT@kline_1m")

	code, out = post(t, srv.URL+PathUnsubscribe, `{"channels":["BTCUSDT@kline_1m"]}`)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, out.Success)
	assert.NotContains(t, feed.subscribed(), "BTCUSDT@kline_1m")
}

func TestAPIRejectsBadBodies(t *testing.T) {
	srv, _ := newTestAPI(t)

	code, out := post(t, srv.URL+PathSubscribe, `nope`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.False(t, out.Success)
	assert.Equal(t, messaging.CodeInvalidMessage, out.Error.Code)

	code, out = post(t, srv.URL+PathSubscribe, `{"channels":[]}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, messaging.CodeInvalidTopic, out.Error.Code)
}

func TestAPIMethodRouting(t *testing.T) {
	srv, _ := newTestAPI(t)
	resp, err := http.Get(srv.URL + PathStart)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
