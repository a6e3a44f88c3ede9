package invoices

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"stkpay/internal/domain"
	"stkpay/internal/domain/event"
	"stkpay/internal/repository/inbox_repo"
	"stkpay/internal/repository/invoices_repo"
	"stkpay/internal/util"
)

// Delivery identifies one consumed Kafka message.
type Delivery struct {
	Topic         string
	Partition     int
	Offset        int64
	ConsumerGroup string
	Payload       []byte
}

// InvoiceService keeps the invoice payment projection in step with
// confirmed payment attempts.
type InvoiceService interface {
	HandleInvoicePaid(ctx context.Context, delivery Delivery, ev event.InvoicePaidEvent) error
}

type invoiceService struct {
	db          *sql.DB
	inboxRepo   inbox_repo.InboxRepository
	invoiceRepo invoices_repo.InvoiceRepository
	logger      *zap.Logger
	now         func() time.Time
}

func NewInvoiceService(
	db *sql.DB,
	inboxRepo inbox_repo.InboxRepository,
	invoiceRepo invoices_repo.InvoiceRepository,
	logger *zap.Logger,
) InvoiceService {
	return &invoiceService{
		db:          db,
		inboxRepo:   inboxRepo,
		invoiceRepo: invoiceRepo,
		logger:      logger.With(zap.String("component", "invoice_service")),
		now:         time.Now,
	}
}

func (s *invoiceService) HandleInvoicePaid(ctx context.Context, delivery Delivery, ev event.InvoicePaidEvent) error {
	log := s.logger.With(
		zap.String("event_id", ev.EventID),
		zap.String("attempt_id", ev.AttemptID),
		zap.String("invoice_ref", ev.InvoiceRef),
	)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		log.Error("Failed to begin inbox transaction", zap.Error(err))
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("Recovered panic in inbox transaction, rolling back", zap.Any("panic", r))
			tx.Rollback()
			panic(r)
		}
	}()

	now := s.now()
	inboxMsg := &domain.InboxMessage{
		ID:             util.GenerateUUID(),
		KafkaTopic:     delivery.Topic,
		KafkaPartition: delivery.Partition,
		KafkaOffset:    delivery.Offset,
		ConsumerGroup:  delivery.ConsumerGroup,
		Payload:        delivery.Payload,
		Status:         domain.InboxStatusNew,
		ReceivedAt:     now,
	}
	if err := s.inboxRepo.CreateMessage(ctx, tx, inboxMsg); err != nil {
		rollback(tx, log)
		if errors.Is(err, inbox_repo.ErrMessageAlreadyProcessed) || errors.Is(err, inbox_repo.ErrMessageAlreadyPending) {
			log.Info("Invoice paid event already handled", zap.Int64("offset", delivery.Offset))
			return nil
		}
		log.Error("Failed to record inbox message", zap.Error(err))
		return fmt.Errorf("failed to record inbox message: %w", err)
	}

	paidAt := ev.Timestamp
	if paidAt.IsZero() {
		paidAt = now
	}
	changed, err := s.invoiceRepo.MarkPaid(ctx, tx, &domain.InvoicePayment{
		InvoiceRef:    ev.InvoiceRef,
		MerchantID:    ev.MerchantID,
		Status:        domain.InvoiceStatusPaid,
		AttemptID:     ev.AttemptID,
		Amount:        ev.Amount,
		ReceiptNumber: ev.ReceiptNumber,
		PaidAt:        &paidAt,
		UpdatedAt:     now,
	})
	if err != nil {
		rollback(tx, log)
		log.Error("Failed to mark invoice paid", zap.Error(err))
		return fmt.Errorf("failed to mark invoice %s paid: %w", ev.InvoiceRef, err)
	}

	if err := s.inboxRepo.UpdateStatus(ctx, tx, inboxMsg.ID, domain.InboxStatusProcessed); err != nil {
		rollback(tx, log)
		log.Error("Failed to update inbox status", zap.Error(err))
		return fmt.Errorf("failed to update inbox status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		log.Error("Failed to commit inbox transaction", zap.Error(err))
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	if changed {
		log.Info("Invoice marked paid", zap.String("receipt_number", ev.ReceiptNumber))
	} else {
		log.Info("Invoice was already paid, projection unchanged")
	}
	return nil
}

func rollback(tx *sql.Tx, log *zap.Logger) {
	if err := tx.Rollback(); err != nil {
		log.Error("Failed to roll back transaction", zap.Error(err))
	}
}
