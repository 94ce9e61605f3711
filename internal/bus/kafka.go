package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"minewatch/internal/config"
)

// ErrBusClosed is returned when publishing on a closed bus.
var ErrBusClosed = errors.New("bus: closed")

// KafkaBus is the Kafka-backed Bus. One shared writer handles all topics;
// each subscription runs its own consumer-group reader.
type KafkaBus struct {
	cfg     config.KafkaConfig
	writer  *kafka.Writer
	logger  *slog.Logger
	metrics *kafkaMetrics

	mu      sync.Mutex
	readers []*kafka.Reader
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	closed  atomic.Bool
}

type kafkaMetrics struct {
	published atomic.Int64
	consumed  atomic.Int64
	errors    atomic.Int64
	retries   atomic.Int64
}

// NewKafkaBus creates a Kafka bus from the configuration.
func NewKafkaBus(cfg config.KafkaConfig, logger *slog.Logger) (*KafkaBus, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("bus: at least one kafka broker is required")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    cfg.ProducerBatchSize,
		BatchTimeout: 10 * time.Millisecond,
		MaxAttempts:  cfg.ProducerRetries,
		WriteTimeout: cfg.WriteTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		RequiredAcks: kafka.RequireAll,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
	}

	ctx, cancel := context.WithCancel(context.Background())

	b := &KafkaBus{
		cfg:     cfg,
		writer:  writer,
		logger:  logger,
		metrics: &kafkaMetrics{},
		ctx:     ctx,
		cancel:  cancel,
	}

	logger.Info("kafka bus initialized",
		"brokers", cfg.Brokers,
		"group", cfg.ConsumerGroup,
	)

	return b, nil
}

// Publish sends the payload with retry and exponential backoff. Permanent
// broker errors fail immediately.
func (b *KafkaBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if b.closed.Load() {
		return ErrBusClosed
	}

	msg := kafka.Message{
		Topic: topic,
		Value: payload,
		Time:  time.Now(),
	}

	var lastErr error
	backoff := b.cfg.RetryBackoff

	for attempt := 0; attempt <= b.cfg.ProducerRetries; attempt++ {
		if attempt > 0 {
			b.metrics.retries.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		err := b.writer.WriteMessages(ctx, msg)
		if err == nil {
			b.metrics.published.Add(1)
			return nil
		}

		lastErr = err
		b.metrics.errors.Add(1)
		b.logger.Warn("kafka publish failed",
			"error", err,
			"topic", topic,
			"attempt", attempt+1,
		)

		if isNonRetryable(err) {
			return fmt.Errorf("bus: non-retryable publish error: %w", err)
		}
	}

	return fmt.Errorf("bus: publish failed after %d attempts: %w", b.cfg.ProducerRetries+1, lastErr)
}

// Subscribe starts a consumer-group reader for the topic. The handler runs
// sequentially per message; the offset is committed after the handler
// returns, success or not, so a poison message cannot wedge the topic.
func (b *KafkaBus) Subscribe(topic string, handler Handler) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if handler == nil {
		return errors.New("bus: handler is required")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        b.cfg.Brokers,
		GroupID:        b.cfg.ConsumerGroup,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10 * 1024 * 1024,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: b.cfg.CommitInterval,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			b.logger.Debug(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			b.logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
	})

	b.mu.Lock()
	b.readers = append(b.readers, reader)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.consumeLoop(reader, topic, handler)
	}()

	b.logger.Info("kafka subscription started", "topic", topic, "group", b.cfg.ConsumerGroup)
	return nil
}

func (b *KafkaBus) consumeLoop(reader *kafka.Reader, topic string, handler Handler) {
	fetchBackoff := time.Second

	for {
		select {
		case <-b.ctx.Done():
			return
		default:
		}

		msg, err := reader.FetchMessage(b.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			b.metrics.errors.Add(1)
			b.logger.Error("failed to fetch message", "error", err, "topic", topic)

			// Reconnect forever with capped backoff.
			select {
			case <-b.ctx.Done():
				return
			case <-time.After(fetchBackoff):
				if fetchBackoff < 30*time.Second {
					fetchBackoff *= 2
				}
			}
			continue
		}
		fetchBackoff = time.Second

		if err := handler(b.ctx, msg.Value); err != nil {
			b.metrics.errors.Add(1)
			b.logger.Error("message handler failed",
				"error", err,
				"topic", topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
		}

		if err := reader.CommitMessages(b.ctx, msg); err != nil {
			b.logger.Error("failed to commit offset", "error", err, "offset", msg.Offset)
		}

		b.metrics.consumed.Add(1)
	}
}

// Close stops all readers and flushes the writer.
func (b *KafkaBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.logger.Info("closing kafka bus",
		"published", b.metrics.published.Load(),
		"consumed", b.metrics.consumed.Load(),
	)

	b.cancel()
	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	for _, r := range b.readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := b.writer.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func isNonRetryable(err error) bool {
	switch {
	case errors.Is(err, kafka.MessageSizeTooLarge),
		errors.Is(err, kafka.InvalidTopic),
		errors.Is(err, kafka.TopicAuthorizationFailed),
		errors.Is(err, kafka.ClusterAuthorizationFailed):
		return true
	}
	return false
}
