package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/pengwow/quantcell-realtime/internal/shared/monitoring"
	"github.com/pengwow/quantcell-realtime/internal/shared/pubsub"
)

const (
	sourceKafka = "kafka"

	defaultPollTimeout = time.Second
)

// IngestGuard throttles consumption and signals when to stop fetching.
type IngestGuard interface {
	WaitIngest(ctx context.Context) error
	ShouldPauseIngest() bool
}

// TaskConsumerConfig holds consumer configuration.
type TaskConsumerConfig struct {
	Brokers       []string
	ConsumerGroup string
	Topics        []string
	Publisher     pubsub.Publisher
	Guard         IngestGuard
	Logger        zerolog.Logger
}

// TaskConsumer republishes task events from Kafka onto the broker. A record
// on "task.progress" is published on the "task:progress" topic with its
// value as the event payload.
type TaskConsumer struct {
	client    *kgo.Client
	topics    []string
	publisher pubsub.Publisher
	guard     IngestGuard
	logger    zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	paused bool

	processed atomic.Uint64
	failed    atomic.Uint64
}

// TopicFor maps a Kafka topic name to the broker topic.
func TopicFor(kafkaTopic string) string {
	return strings.Replace(kafkaTopic, ".", ":", 1)
}

// NewTaskConsumer creates a consumer. Call Start to begin polling.
func NewTaskConsumer(cfg TaskConsumerConfig) (*TaskConsumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if cfg.ConsumerGroup == "" {
		return nil, fmt.Errorf("consumer group is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("at least one topic is required")
	}
	if cfg.Publisher == nil || cfg.Guard == nil {
		return nil, fmt.Errorf("publisher and guard are required")
	}

	logger := cfg.Logger.With().Str("component", "task_consumer").Logger()
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.SessionTimeout(30*time.Second),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info().Interface("partitions", assigned).Msg("Partitions assigned")
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			logger.Info().Interface("partitions", revoked).Msg("Partitions revoked")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &TaskConsumer{
		client:    client,
		topics:    cfg.Topics,
		publisher: cfg.Publisher,
		guard:     cfg.Guard,
		logger:    logger,
	}, nil
}

// Start begins consuming in the background.
func (c *TaskConsumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.logger.Info().Strs("topics", c.topics).Msg("Starting Kafka consumer")
	monitoring.SetIngestConnected(sourceKafka, true)

	c.wg.Add(1)
	go c.consumeLoop(ctx)
}

// Stop ends the poll loop and closes the client.
func (c *TaskConsumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.client.Close()
	monitoring.SetIngestConnected(sourceKafka, false)

	c.logger.Info().
		Uint64("messages_processed", c.processed.Load()).
		Uint64("messages_failed", c.failed.Load()).
		Msg("Kafka consumer stopped")
}

func (c *TaskConsumer) consumeLoop(ctx context.Context) {
	defer monitoring.RecoverPanic(c.logger, "kafka_consume_loop", map[string]any{"topics": c.topics})
	defer c.wg.Done()

	for ctx.Err() == nil {
		c.applyBackpressure()

		pollCtx, cancel := context.WithTimeout(ctx, defaultPollTimeout)
		fetches := c.client.PollFetches(pollCtx)
		cancel()
		if fetches.IsClientClosed() {
			return
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return
			}
			monitoring.RecordIngestError(sourceKafka)
			c.logger.Error().
				Err(err).
				Str("topic", topic).
				Int32("partition", partition).
				Msg("Fetch error")
		})

		fetches.EachRecord(func(record *kgo.Record) {
			c.handleRecord(ctx, record)
		})
	}
}

// applyBackpressure pauses fetching while the host is overloaded. Records
// stay in Kafka and are consumed after resume.
func (c *TaskConsumer) applyBackpressure() {
	pause := c.guard.ShouldPauseIngest()
	switch {
	case pause && !c.paused:
		c.client.PauseFetchTopics(c.topics...)
		c.paused = true
		c.logger.Warn().Msg("CPU emergency brake - pausing Kafka consumption")
	case !pause && c.paused:
		c.client.ResumeFetchTopics(c.topics...)
		c.paused = false
		c.logger.Info().Msg("Resuming Kafka consumption")
	}
}

func (c *TaskConsumer) handleRecord(ctx context.Context, record *kgo.Record) {
	if err := c.guard.WaitIngest(ctx); err != nil {
		return
	}

	monitoring.RecordIngest(sourceKafka)
	topic := TopicFor(record.Topic)
	delivered, err := c.publisher.Publish(topic, record.Value)
	if err != nil {
		c.failed.Add(1)
		monitoring.RecordIngestError(sourceKafka)
		c.logger.Warn().
			Err(err).
			Str("topic", record.Topic).
			Int64("offset", record.Offset).
			Msg("Dropping malformed task event")
		return
	}
	c.processed.Add(1)

	c.logger.Debug().
		Str("topic", topic).
		Int("delivered", delivered).
		Msg("Consumed Kafka message")
}

// Stats returns processed and failed record counts.
func (c *TaskConsumer) Stats() (processed, failed uint64) {
	return c.processed.Load(), c.failed.Load()
}
