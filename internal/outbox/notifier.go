package outbox

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"stkpay/internal/domain"
	"stkpay/internal/domain/event"
	kafkaInfra "stkpay/internal/infrastructure/kafka"
	"stkpay/internal/repository/outbox_repo"
	"stkpay/internal/util"
)

// Recorder stores invoice paid events in the outbox table; Processor relays them.
type Recorder struct {
	db     domain.Querier
	repo   outbox_repo.OutboxRepository
	topic  string
	logger *zap.Logger
	now    func() time.Time
}

func NewRecorder(db domain.Querier, repo outbox_repo.OutboxRepository, topic string, logger *zap.Logger) *Recorder {
	return &Recorder{
		db:     db,
		repo:   repo,
		topic:  topic,
		logger: logger.With(zap.String("component", "outbox_recorder")),
		now:    time.Now,
	}
}

func (r *Recorder) NotifyInvoicePaid(ctx context.Context, attempt *domain.PaymentAttempt) error {
	now := r.now()
	payload, err := PrepareInvoicePaidPayload(attempt, now)
	if err != nil {
		return err
	}
	msg := &domain.OutboxMessage{
		ID:            util.GenerateUUID(),
		AggregateID:   attempt.ID,
		AggregateType: domain.AggregatePaymentAttempt,
		MessageType:   event.InvoicePaidEventType,
		Topic:         r.topic,
		Key:           attempt.ID,
		Payload:       payload,
		Status:        domain.OutboxStatusPending,
		CreatedAt:     now,
	}
	if err := r.repo.CreateMessage(ctx, r.db, msg); err != nil {
		return fmt.Errorf("failed to record invoice paid event for attempt %s: %w", attempt.ID, err)
	}
	r.logger.Debug("Invoice paid event recorded",
		zap.String("attempt_id", attempt.ID),
		zap.String("outbox_message_id", msg.ID),
	)
	return nil
}

// DirectPublisher sends the event straight to Kafka. Used when there is no
// database to hold an outbox.
type DirectPublisher struct {
	producer kafkaInfra.Producer
	topic    string
	now      func() time.Time
}

func NewDirectPublisher(producer kafkaInfra.Producer, topic string) *DirectPublisher {
	return &DirectPublisher{producer: producer, topic: topic, now: time.Now}
}

func (p *DirectPublisher) NotifyInvoicePaid(ctx context.Context, attempt *domain.PaymentAttempt) error {
	payload, err := PrepareInvoicePaidPayload(attempt, p.now())
	if err != nil {
		return err
	}
	return p.producer.Produce(ctx, attempt.ID, p.topic, payload)
}
