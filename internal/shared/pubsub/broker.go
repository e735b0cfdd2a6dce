package pubsub

import (
	"hash/fnv"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/pengwow/quantcell-realtime/internal/shared/messaging"
	"github.com/pengwow/quantcell-realtime/internal/shared/monitoring"
)

// DefaultShardCount is the number of topic shards.
const DefaultShardCount = 32

// Publisher is the producer-facing side of the broker.
type Publisher interface {
	Publish(topic string, payload any) (int, error)
}

type shard struct {
	mu     sync.RWMutex
	topics map[string]map[string]struct{} // topic -> client ids
}

// Broker maintains the topic -> subscriber index and fans events out to
// subscriber queues.
//
// The index is split across shards keyed by FNV-1a of the topic, so
// publishes and subscription changes on unrelated topics never contend on
// one lock. The connection's own topic set is the other direction of the
// index; both are changed together while holding the connection lock, which
// keeps "client in subscribers(topic)" equivalent to "topic in client's set".
type Broker struct {
	registry *Registry
	shards   []*shard
	clock    clockwork.Clock
	logger   zerolog.Logger
}

// NewBroker creates a broker over registry and installs the removal hook
// that cleans the index when a connection is deregistered.
func NewBroker(registry *Registry, shardCount int, clock clockwork.Clock, logger zerolog.Logger) *Broker {
	if shardCount <= 0 {
		shardCount = DefaultShardCount
	}
	b := &Broker{
		registry: registry,
		shards:   make([]*shard, shardCount),
		clock:    clock,
		logger:   logger.With().Str("component", "broker").Logger(),
	}
	for i := range b.shards {
		b.shards[i] = &shard{topics: make(map[string]map[string]struct{})}
	}
	registry.OnRemove(func(conn *Connection, topics []string, _ string) {
		b.removeClient(conn.id, topics)
	})
	return b
}

func (b *Broker) shardFor(topic string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(topic))
	return b.shards[h.Sum32()%uint32(len(b.shards))]
}

func validateTopics(topics []string) error {
	for _, t := range topics {
		if t == "" {
			return messaging.NewSubscriptionError(messaging.CodeInvalidTopic, "topic must not be empty", nil)
		}
	}
	return nil
}

// Subscribe adds topics to clientID's subscription set and returns the full
// set afterwards. Subscribing twice to the same topic is a no-op.
func (b *Broker) Subscribe(clientID string, topics []string) ([]string, error) {
	if err := validateTopics(topics); err != nil {
		return nil, err
	}
	conn, ok := b.registry.Get(clientID)
	if !ok {
		return nil, messaging.NewSubscriptionError(messaging.CodeUnknownClient, "client "+clientID+" is not connected", ErrUnknownClient)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.isClosing() {
		return nil, messaging.NewSubscriptionError(messaging.CodeUnknownClient, "client "+clientID+" is closing", ErrUnknownClient)
	}

	for _, topic := range topics {
		if _, exists := conn.topics[topic]; exists {
			continue
		}
		conn.topics[topic] = struct{}{}

		s := b.shardFor(topic)
		s.mu.Lock()
		subs, ok := s.topics[topic]
		if !ok {
			subs = make(map[string]struct{})
			s.topics[topic] = subs
		}
		subs[clientID] = struct{}{}
		s.mu.Unlock()
	}

	return conn.topicsLocked(), nil
}

// Unsubscribe removes topics from clientID's subscription set and returns
// the remaining set. Removing an absent pair, or unsubscribing an unknown
// client, is a no-op.
func (b *Broker) Unsubscribe(clientID string, topics []string) ([]string, error) {
	conn, ok := b.registry.Get(clientID)
	if !ok {
		return []string{}, nil
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	for _, topic := range topics {
		if _, exists := conn.topics[topic]; !exists {
			continue
		}
		delete(conn.topics, topic)
		b.removeFromShard(topic, clientID)
	}
	return conn.topicsLocked(), nil
}

func (b *Broker) removeClient(clientID string, topics []string) {
	for _, topic := range topics {
		b.removeFromShard(topic, clientID)
	}
	b.logger.Debug().
		Str("client_id", clientID).
		Strs("topics", topics).
		Msg("Removed client from topic index")
}

func (b *Broker) removeFromShard(topic, clientID string) {
	s := b.shardFor(topic)
	s.mu.Lock()
	if subs, ok := s.topics[topic]; ok {
		delete(subs, clientID)
		if len(subs) == 0 {
			delete(s.topics, topic)
		}
	}
	s.mu.Unlock()
}

// Publish wraps payload in an event envelope for topic, serializes it once,
// and enqueues the same bytes on every subscriber's queue. It returns how
// many queues accepted the event; an event with no subscribers is dropped.
func (b *Broker) Publish(topic string, payload any) (int, error) {
	env, err := messaging.NewEvent(topic, payload, b.clock.Now())
	if err != nil {
		return 0, err
	}
	data, err := messaging.Encode(env)
	if err != nil {
		return 0, err
	}

	ids := b.Subscribers(topic)
	delivered := 0
	for _, id := range ids {
		conn, ok := b.registry.Get(id)
		if !ok {
			continue
		}
		if b.registry.Send(conn, data) {
			delivered++
		}
	}

	monitoring.RecordPublish(delivered)
	if delivered == 0 {
		b.logger.Debug().Str("topic", topic).Msg("Event dropped, no subscribers")
	}
	return delivered, nil
}

// Subscribers returns a snapshot of the client ids subscribed to topic.
func (b *Broker) Subscribers(topic string) []string {
	s := b.shardFor(topic)
	s.mu.RLock()
	defer s.mu.RUnlock()
	subs := s.topics[topic]
	ids := make([]string, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	return ids
}

// TopicCount returns the number of topics with at least one subscriber.
func (b *Broker) TopicCount() int {
	n := 0
	for _, s := range b.shards {
		s.mu.RLock()
		n += len(s.topics)
		s.mu.RUnlock()
	}
	monitoring.SetTopicsActive(n)
	return n
}
