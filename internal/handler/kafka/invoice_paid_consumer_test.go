package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"stkpay/internal/app/invoices"
	"stkpay/internal/domain/event"
)

type fakeInvoiceService struct {
	deliveries []invoices.Delivery
	events     []event.InvoicePaidEvent
	err        error
}

func (f *fakeInvoiceService) HandleInvoicePaid(ctx context.Context, d invoices.Delivery, ev event.InvoicePaidEvent) error {
	f.deliveries = append(f.deliveries, d)
	f.events = append(f.events, ev)
	return f.err
}

func message(t *testing.T, ev event.InvoicePaidEvent) kafka.Message {
	t.Helper()
	value, err := json.Marshal(ev)
	require.NoError(t, err)
	return kafka.Message{Topic: "invoice_payment_events", Partition: 2, Offset: 7, Key: []byte(ev.AttemptID), Value: value}
}

func validEvent() event.InvoicePaidEvent {
	return event.InvoicePaidEvent{EventID: "e1", EventType: event.InvoicePaidEventType, AttemptID: "a1", InvoiceRef: "INV-001", MerchantID: "m1", Amount: 10}
}

func TestInvoicePaidMessageHandler_DispatchesEvent(t *testing.T) {
	svc := &fakeInvoiceService{}
	handler := InvoicePaidMessageHandler(svc, "group-1", zap.NewNop())

	require.NoError(t, handler(context.Background(), message(t, validEvent())))
	require.Len(t, svc.deliveries, 1)
	assert.Equal(t, "group-1", svc.deliveries[0].ConsumerGroup)
	assert.Equal(t, 2, svc.deliveries[0].Partition)
	assert.Equal(t, int64(7), svc.deliveries[0].Offset)
	assert.Equal(t, "INV-001", svc.events[0].InvoiceRef)
}

func TestInvoicePaidMessageHandler_MalformedIsCommitted(t *testing.T) {
	svc := &fakeInvoiceService{}
	handler := InvoicePaidMessageHandler(svc, "g", zap.NewNop())

	err := handler(context.Background(), kafka.Message{Value: []byte(`{not json`)})
	assert.NoError(t, err)
	assert.Empty(t, svc.deliveries)

	other := validEvent()
	other.EventType = "invoice.voided"
	assert.NoError(t, handler(context.Background(), message(t, other)))
	assert.Empty(t, svc.deliveries)
}

func TestInvoicePaidMessageHandler_ProcessingErrorIsReturned(t *testing.T) {
	svc := &fakeInvoiceService{err: errors.New("db down")}
	handler := InvoicePaidMessageHandler(svc, "g", zap.NewNop())

	assert.Error(t, handler(context.Background(), message(t, validEvent())))
}
