package pubsub

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pengwow/quantcell-realtime/internal/shared/messaging"
	"github.com/pengwow/quantcell-realtime/internal/shared/monitoring"
)

func TestPublishDeliversExactlyOncePerSubscriber(t *testing.T) {
	f := newFixture(t, ConnectionOptions{})
	a, _ := f.connect(t, "a")
	b, _ := f.connect(t, "b")
	c, _ := f.connect(t, "c")

	for _, id := range []string{"a", "b"} {
		_, err := f.broker.Subscribe(id, []string{"task:progress"})
		require.NoError(t, err)
		// A repeated subscribe must not double-deliver.
		_, err = f.broker.Subscribe(id, []string{"task:progress"})
		require.NoError(t, err)
	}
	_, err := f.broker.Subscribe("c", []string{"task:status"})
	require.NoError(t, err)

	n, err := f.broker.Publish("task:progress", map[string]int{"seq": 1})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, conn := range []*Connection{a, b} {
		envs := queued(t, conn)
		require.Len(t, envs, 1)
		assert.Equal(t, messaging.TypeEvent, envs[0].Type)
		assert.Equal(t, "task:progress", envs[0].Topic)
		assert.NotEmpty(t, envs[0].ID)
		assert.Equal(t, f.clock.Now().UnixMilli(), envs[0].Timestamp)
	}
	assert.Empty(t, queued(t, c))

	// Same serialized bytes are shared by every subscriber.
	assert.Equal(t, queued(t, a)[0].ID, queued(t, b)[0].ID)
}

func TestPublishWithoutSubscribersIsDropped(t *testing.T) {
	f := newFixture(t, ConnectionOptions{})
	n, err := f.broker.Publish("nobody", "x")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSubscribeRejectsUnknownClientAndEmptyTopic(t *testing.T) {
	f := newFixture(t, ConnectionOptions{})

	_, err := f.broker.Subscribe("ghost", []string{"t"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownClient))
	assert.True(t, errors.Is(err, messaging.ErrSubscription))
	assert.Equal(t, messaging.CodeUnknownClient, messaging.CodeOf(err))

	f.connect(t, "c1")
	_, err = f.broker.Subscribe("c1", []string{"ok", ""})
	assert.Equal(t, messaging.CodeInvalidTopic, messaging.CodeOf(err))
	assert.Empty(t, f.broker.Subscribers("ok"))
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	f := newFixture(t, ConnectionOptions{})
	conn, _ := f.connect(t, "c1")

	topics, err := f.broker.Subscribe("c1", []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, topics)

	topics, err = f.broker.Unsubscribe("c1", []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, topics)

	topics, err = f.broker.Unsubscribe("c1", []string{"a", "never"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, topics)
	assert.Equal(t, []string{"b"}, conn.Topics())

	assert.Empty(t, f.broker.Subscribers("a"))
	assert.Equal(t, []string{"c1"}, f.broker.Subscribers("b"))

	topics, err = f.broker.Unsubscribe("ghost", []string{"b"})
	require.NoError(t, err)
	assert.Empty(t, topics)

	n, err := f.broker.Publish("a", nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeregisterCleansIndex(t *testing.T) {
	f := newFixture(t, ConnectionOptions{})
	f.connect(t, "c1")
	f.connect(t, "c2")
	_, err := f.broker.Subscribe("c1", []string{"x", "y"})
	require.NoError(t, err)
	_, err = f.broker.Subscribe("c2", []string{"y"})
	require.NoError(t, err)
	assert.Equal(t, 2, f.broker.TopicCount())

	f.registry.Deregister("c1", monitoring.DisconnectReasonClientClosed)

	assert.Empty(t, f.broker.Subscribers("x"))
	assert.Equal(t, []string{"c2"}, f.broker.Subscribers("y"))
	assert.Equal(t, 1, f.broker.TopicCount())

	_, err = f.broker.Subscribe("c1", []string{"x"})
	assert.True(t, errors.Is(err, ErrUnknownClient))
}

func TestPublishPreservesOrderPerConnection(t *testing.T) {
	f := newFixture(t, ConnectionOptions{BatchSize: 1000})
	conn, _ := f.connect(t, "c1")
	_, err := f.broker.Subscribe("c1", []string{"t"})
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		_, err := f.broker.Publish("t", map[string]int{"seq": i})
		require.NoError(t, err)
	}

	envs := queued(t, conn)
	require.Len(t, envs, 50)
	for i, env := range envs {
		assert.Equal(t, i, seqOf(t, env))
	}
}

func TestConcurrentSubscribePublishEvict(t *testing.T) {
	f := newFixture(t, ConnectionOptions{QueueCap: 100000})
	const clients = 20
	topics := []string{"t0", "t1", "t2", "t3"}

	for i := 0; i < clients; i++ {
		f.connect(t, fmt.Sprintf("c%d", i))
	}

	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _ = f.broker.Subscribe(id, topics)
				_, _ = f.broker.Unsubscribe(id, topics[:2])
			}
		}(fmt.Sprintf("c%d", i))
	}
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_, err := f.broker.Publish(topics[j%len(topics)], j)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < clients; i += 2 {
			f.registry.Deregister(fmt.Sprintf("c%d", i), monitoring.DisconnectReasonHeartbeatTimeout)
		}
	}()
	wg.Wait()

	// Both index directions agree once everything has settled.
	for _, topic := range topics {
		for _, id := range f.broker.Subscribers(topic) {
			conn, ok := f.registry.Get(id)
			require.True(t, ok, "index references evicted client %s", id)
			assert.True(t, conn.HasTopic(topic))
		}
	}
	f.registry.Range(func(conn *Connection) bool {
		for _, topic := range conn.Topics() {
			assert.Contains(t, f.broker.Subscribers(topic), conn.ID())
		}
		return true
	})
}
