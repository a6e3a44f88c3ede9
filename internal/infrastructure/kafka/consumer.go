package kafka_infra

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	fetchRetryDelay = time.Second

	handlerRetryInitial = 200 * time.Millisecond
	handlerRetryMax     = 10 * time.Second
)

// MessageHandler определяет контракт для обработчика Kafka-сообщений.
// Offset коммитится только если обработчик вернул nil; ошибка приводит к повтору того же сообщения.
type MessageHandler func(ctx context.Context, msg kafka.Message) error

type Consumer interface {
	Start(ctx context.Context, handler MessageHandler) error
	Stop()
	GroupID() string
}

// messageReader is the part of *kafka.Reader the consumer loop uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaConsumer struct {
	reader  messageReader
	logger  *zap.Logger
	topic   string
	groupID string

	retryInitial time.Duration
	retryMax     time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewConsumer(brokerURLs []string, groupID, topic string, logger *zap.Logger) Consumer {
	logger = logger.With(zap.String("component", "kafka_consumer"), zap.String("topic", topic))
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:                brokerURLs,
		GroupID:                groupID,
		Topic:                  topic,
		MinBytes:               1,
		MaxBytes:               10e6,
		ReadBatchTimeout:       time.Second,
		Logger:                 kafka.LoggerFunc(func(msg string, args ...interface{}) { logger.Debug(fmt.Sprintf(msg, args...)) }),
		ErrorLogger:            kafka.LoggerFunc(func(msg string, args ...interface{}) { logger.Error(fmt.Sprintf(msg, args...)) }),
		HeartbeatInterval:      3 * time.Second,
		CommitInterval:         0,
		PartitionWatchInterval: 5 * time.Second,
		MaxAttempts:            3,
	})

	return &kafkaConsumer{
		reader:       reader,
		logger:       logger,
		topic:        topic,
		groupID:      groupID,
		retryInitial: handlerRetryInitial,
		retryMax:     handlerRetryMax,
	}
}

func (c *kafkaConsumer) GroupID() string { return c.groupID }

// Start blocks until ctx is cancelled or Stop is called.
func (c *kafkaConsumer) Start(ctx context.Context, handler MessageHandler) error {
	consumerCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	c.logger.Info("Kafka consumer starting", zap.String("group_id", c.groupID))

	for {
		msg, err := c.reader.FetchMessage(consumerCtx)
		if err != nil {
			if consumerCtx.Err() != nil || errors.Is(err, context.Canceled) {
				c.logger.Info("Kafka consumer stopping")
				return c.reader.Close()
			}
			c.logger.Error("Failed to fetch message from Kafka", zap.Error(err))
			select {
			case <-consumerCtx.Done():
			case <-time.After(fetchRetryDelay):
			}
			continue
		}

		fields := []zap.Field{
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.String("key", string(msg.Key)),
		}
		c.logger.Debug("Received Kafka message", fields...)

		// a group reader never refetches a message, so a failed one is
		// retried here before anything after it can be committed
		if !c.handleWithRetry(consumerCtx, handler, msg, fields) {
			c.logger.Info("Kafka consumer stopping, message left uncommitted", fields...)
			return c.reader.Close()
		}
		if err := c.reader.CommitMessages(consumerCtx, msg); err != nil {
			c.logger.Error("Failed to commit offset for Kafka message", append(fields, zap.Error(err))...)
			continue
		}
		c.logger.Debug("Kafka message offset committed", fields...)
	}
}

// handleWithRetry returns false only when ctx ends before the handler succeeds.
func (c *kafkaConsumer) handleWithRetry(ctx context.Context, handler MessageHandler, msg kafka.Message, fields []zap.Field) bool {
	delay := c.retryInitial
	for attempt := 1; ; attempt++ {
		err := handler(ctx, msg)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		c.logger.Error("Error handling Kafka message, retrying",
			append(fields, zap.Int("attempt", attempt), zap.Duration("retry_in", delay), zap.Error(err))...)

		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.retryMax {
			delay = c.retryMax
		}
	}
}

func (c *kafkaConsumer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	c.logger.Info("Kafka consumer stop signal sent")
}
