package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"stkpay/internal/app/invoices"
	"stkpay/internal/domain/event"
	kafka_infra "stkpay/internal/infrastructure/kafka"
)

// InvoicePaidMessageHandler commits malformed messages after logging them;
// processing errors leave the offset uncommitted and the consumer retries the message.
func InvoicePaidMessageHandler(invoiceService invoices.InvoiceService, consumerGroup string, logger *zap.Logger) kafka_infra.MessageHandler {
	return func(ctx context.Context, msg kafka.Message) error {
		var ev event.InvoicePaidEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			logger.Error("Failed to unmarshal Kafka message value to InvoicePaidEvent",
				zap.Error(err),
				zap.ByteString("value", msg.Value),
				zap.String("topic", msg.Topic),
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
			)
			return nil
		}
		if ev.EventType != event.InvoicePaidEventType || ev.InvoiceRef == "" || ev.MerchantID == "" {
			logger.Warn("Skipping unexpected invoice event",
				zap.String("event_type", ev.EventType),
				zap.String("event_id", ev.EventID),
				zap.Int64("offset", msg.Offset),
			)
			return nil
		}

		delivery := invoices.Delivery{
			Topic:         msg.Topic,
			Partition:     msg.Partition,
			Offset:        msg.Offset,
			ConsumerGroup: consumerGroup,
			Payload:       msg.Value,
		}
		if err := invoiceService.HandleInvoicePaid(ctx, delivery, ev); err != nil {
			return fmt.Errorf("failed to process invoice paid event for attempt %s: %w", ev.AttemptID, err)
		}
		return nil
	}
}
