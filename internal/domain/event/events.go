package event

import "time"

const InvoicePaidEventType = "invoice.paid"

// InvoicePaidEvent is published once a payment attempt is confirmed.
type InvoicePaidEvent struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	AttemptID     string    `json:"attempt_id"`
	InvoiceRef    string    `json:"invoice_ref"`
	MerchantID    string    `json:"merchant_id"`
	Amount        int64     `json:"amount"`
	CheckoutID    string    `json:"checkout_id"`
	ReceiptNumber string    `json:"receipt_number,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}
