package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"stkpay/internal/domain"
	"stkpay/internal/domain/event"
	"stkpay/internal/util"
)

func BuildInvoicePaidEvent(attempt *domain.PaymentAttempt, now time.Time) event.InvoicePaidEvent {
	return event.InvoicePaidEvent{
		EventID:       util.GenerateUUID(),
		EventType:     event.InvoicePaidEventType,
		AttemptID:     attempt.ID,
		InvoiceRef:    attempt.InvoiceRef,
		MerchantID:    attempt.MerchantID,
		Amount:        attempt.Amount,
		CheckoutID:    attempt.CheckoutID,
		ReceiptNumber: attempt.Result.ReceiptNumber,
		Timestamp:     now.UTC(),
	}
}

func PrepareInvoicePaidPayload(attempt *domain.PaymentAttempt, now time.Time) ([]byte, error) {
	if attempt.Status != domain.PaymentStatusConfirmed {
		return nil, fmt.Errorf("attempt %s is %s, only confirmed attempts pay an invoice", attempt.ID, attempt.Status)
	}
	payload, err := json.Marshal(BuildInvoicePaidEvent(attempt, now))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal invoice paid event: %w", err)
	}
	return payload, nil
}
