package messaging

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEventSetsIdentity(t *testing.T) {
	now := time.UnixMilli(1700000000123)

	env, err := NewEvent("task:progress", map[string]int{"pct": 40}, now)
	require.NoError(t, err)

	assert.Equal(t, TypeEvent, env.Type)
	assert.Equal(t, "task:progress", env.Topic)
	assert.Equal(t, int64(1700000000123), env.Timestamp)
	assert.NotEmpty(t, env.ID)
	assert.JSONEq(t, `{"pct":40}`, string(env.Data))

	other, err := NewEvent("task:progress", nil, now)
	require.NoError(t, err)
	assert.NotEqual(t, env.ID, other.ID)
	assert.Nil(t, other.Data)
}

func TestNewEnvelopeCopiesRawPayload(t *testing.T) {
	raw := json.RawMessage(`{"a":1}`)
	env, err := NewEnvelope(TypeEvent, "t", raw, time.Now())
	require.NoError(t, err)

	raw[2] = 'b'
	assert.JSONEq(t, `{"a":1}`, string(env.Data))
}

func TestNewEnvelopeRejectsInvalidRaw(t *testing.T) {
	_, err := NewEnvelope(TypeEvent, "t", []byte(`{nope`), time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProtocol))
	assert.Equal(t, CodeInvalidMessage, CodeOf(err))
}

func TestHeartbeatEncoding(t *testing.T) {
	ping, err := Encode(NewPing())
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ping"}`, string(ping))

	pong, err := Encode(NewPong())
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"pong"}`, string(pong))
}

func TestErrorEnvelopeReferencesRequest(t *testing.T) {
	env := NewError("req-1", CodeRateLimited, "slow down", time.UnixMilli(5))
	data, err := Encode(env)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"type":"error","id":"req-1","timestamp":5,"error":{"code":"RATE_LIMITED","message":"slow down"}}`,
		string(data))

	anon := NewError("", CodeInvalidMessage, "bad", time.Now())
	assert.NotEmpty(t, anon.ID)
}

func TestSubscriptionResponseListsTopics(t *testing.T) {
	env := NewSubscriptionResponse(TypeSubscribe, "abc", nil, time.UnixMilli(1))
	assert.Equal(t, "abc", env.ID)
	topics, err := DecodeTopics(env)
	require.NoError(t, err)
	assert.Empty(t, topics)
	assert.JSONEq(t, `{"topics":[]}`, string(env.Data))
}

func TestDecode(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		env, err := Decode([]byte(`{"type":"subscribe","id":"x","data":{"topics":["a","b"]}}`))
		require.NoError(t, err)
		assert.Equal(t, TypeSubscribe, env.Type)
		topics, err := DecodeTopics(env)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, topics)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := Decode([]byte(`not json`))
		assert.Equal(t, CodeInvalidMessage, CodeOf(err))
	})

	t.Run("missing type", func(t *testing.T) {
		_, err := Decode([]byte(`{"id":"x"}`))
		assert.Equal(t, CodeInvalidMessage, CodeOf(err))
	})

	t.Run("topics wrong shape", func(t *testing.T) {
		env, err := Decode([]byte(`{"type":"subscribe","data":{"topics":"a"}}`))
		require.NoError(t, err)
		_, err = DecodeTopics(env)
		assert.Equal(t, CodeInvalidMessage, CodeOf(err))
	})
}

func TestDecodeFrameUnwrapsBatchInOrder(t *testing.T) {
	var encoded [][]byte
	for i := 0; i < 3; i++ {
		env, err := NewEvent("t", map[string]int{"seq": i}, time.Now())
		require.NoError(t, err)
		b, err := Encode(env)
		require.NoError(t, err)
		encoded = append(encoded, b)
	}
	frame, err := EncodeBatch(encoded)
	require.NoError(t, err)

	envs, err := DecodeFrame(frame)
	require.NoError(t, err)
	require.Len(t, envs, 3)
	for i, env := range envs {
		var p struct{ Seq int }
		require.NoError(t, json.Unmarshal(env.Data, &p))
		assert.Equal(t, i, p.Seq)
	}

	single, err := DecodeFrame(encoded[0])
	require.NoError(t, err)
	assert.Len(t, single, 1)
}

func TestErrorMatching(t *testing.T) {
	err := NewSubscriptionError(CodeEngineNotReady, "engine stopped", nil)
	wrapped := errors.Join(errors.New("activation"), err)

	assert.True(t, errors.Is(wrapped, ErrSubscription))
	assert.False(t, errors.Is(wrapped, ErrProtocol))
	assert.True(t, errors.Is(wrapped, &Error{Kind: KindSubscription, Code: CodeEngineNotReady}))
	assert.False(t, errors.Is(wrapped, &Error{Kind: KindSubscription, Code: CodeUnknownClient}))
	assert.Equal(t, CodeEngineNotReady, CodeOf(wrapped))
	assert.Equal(t, "", CodeOf(errors.New("plain")))
}

func TestKlineChannel(t *testing.T) {
	assert.Equal(t, "BTCUSDT@kline_1m", KlineChannel("btcusdt", "1m"))

	symbol, period, err := ParseKlineChannel("ETHUSDT@kline_15m")
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT", symbol)
	assert.Equal(t, "15m", period)

	for _, bad := range []string{"", "task:progress", "@kline_1m", "BTCUSDT@kline_", "btcusdt@kline_1m"} {
		_, _, err := ParseKlineChannel(bad)
		assert.Equal(t, CodeInvalidTopic, CodeOf(err), bad)
	}
}
