package outbox

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"stkpay/internal/domain"
	kafkaInfra "stkpay/internal/infrastructure/kafka"
	"stkpay/internal/repository/outbox_repo"
)

const defaultMaxAttempts = 5

type Processor struct {
	db            *sql.DB
	outboxRepo    outbox_repo.OutboxRepository
	kafkaProducer kafkaInfra.Producer
	pollInterval  time.Duration
	pollTimeout   time.Duration
	batchSize     int
	maxAttempts   int
	logger        *zap.Logger

	shutdownSignal chan struct{}
	shutdownOnce   sync.Once
	wg             sync.WaitGroup
}

func NewProcessor(
	db *sql.DB,
	outboxRepo outbox_repo.OutboxRepository,
	kafkaProducer kafkaInfra.Producer,
	pollInterval time.Duration,
	pollTimeout time.Duration,
	batchSize int,
	logger *zap.Logger,
) *Processor {
	return &Processor{
		db:             db,
		outboxRepo:     outboxRepo,
		kafkaProducer:  kafkaProducer,
		pollInterval:   pollInterval,
		pollTimeout:    pollTimeout,
		batchSize:      batchSize,
		maxAttempts:    defaultMaxAttempts,
		logger:         logger.With(zap.String("component", "outbox_processor")),
		shutdownSignal: make(chan struct{}),
	}
}

func (p *Processor) Start(ctx context.Context) {
	p.logger.Info("Starting outbox processor", zap.Duration("poll_interval", p.pollInterval))
	ticker := time.NewTicker(p.pollInterval)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				p.logger.Info("Outbox processor context done")
				return
			case <-p.shutdownSignal:
				p.logger.Info("Outbox processor stopped")
				return
			case <-ticker.C:
				p.ProcessOnce(ctx)
			}
		}
	}()
}

// Stop waits for the in-flight batch to finish.
func (p *Processor) Stop() {
	p.shutdownOnce.Do(func() {
		close(p.shutdownSignal)
	})
	p.wg.Wait()
}

// ProcessOnce relays one batch of pending messages inside a transaction so
// concurrent relays skip each other's rows.
func (p *Processor) ProcessOnce(ctx context.Context) int {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		p.logger.Error("Failed to begin outbox transaction", zap.Error(err))
		return 0
	}
	defer tx.Rollback()

	queryCtx, cancel := context.WithTimeout(ctx, p.pollTimeout)
	messages, err := p.outboxRepo.GetPendingMessages(queryCtx, tx, p.batchSize)
	cancel()
	if err != nil {
		p.logger.Error("Failed to get pending outbox messages", zap.Error(err))
		return 0
	}
	if len(messages) == 0 {
		return 0
	}
	p.logger.Debug("Found pending outbox messages", zap.Int("count", len(messages)))

	sent := make([]string, 0, len(messages))
	for _, msg := range messages {
		if err := p.kafkaProducer.Produce(ctx, msg.Key, msg.Topic, msg.Payload); err != nil {
			status, rerr := p.outboxRepo.RecordFailedAttempt(ctx, tx, msg.ID, p.maxAttempts)
			if rerr != nil {
				p.logger.Error("Failed to record outbox attempt", zap.String("message_id", msg.ID), zap.Error(rerr))
				continue
			}
			fields := []zap.Field{
				zap.String("message_id", msg.ID),
				zap.String("topic", msg.Topic),
				zap.Int("attempts", msg.Attempts+1),
				zap.Error(err),
			}
			if status == domain.OutboxStatusFailed {
				p.logger.Error("Outbox message gave up after max attempts", fields...)
			} else {
				p.logger.Warn("Failed to send outbox message, will retry", fields...)
			}
			continue
		}
		sent = append(sent, msg.ID)
	}

	if err := p.outboxRepo.MarkMessagesAsSent(ctx, tx, sent); err != nil {
		p.logger.Error("Failed to mark outbox messages as sent", zap.Error(err))
		return 0
	}
	if err := tx.Commit(); err != nil {
		p.logger.Error("Failed to commit outbox transaction", zap.Error(err))
		return 0
	}
	if len(sent) > 0 {
		p.logger.Info("Outbox messages relayed", zap.Int("count", len(sent)))
	}
	return len(sent)
}
