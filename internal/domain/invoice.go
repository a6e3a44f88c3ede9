package domain

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const maxAccountReferenceLen = 12

var nonAlphanumeric = regexp.MustCompile(`[^A-Za-z0-9]`)

// AccountReference derives the provider account reference from an invoice number.
func AccountReference(invoiceRef string) string {
	ref := strings.ToUpper(nonAlphanumeric.ReplaceAllString(invoiceRef, ""))
	if len(ref) > maxAccountReferenceLen {
		ref = ref[:maxAccountReferenceLen]
	}
	return ref
}

func DefaultDescription(invoiceRef string) string {
	return "Payment for invoice " + invoiceRef
}

// ParseAmount accepts whole currency units only.
func ParseAmount(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, NewValidationError("amount", "is required")
	}
	if amount, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return ValidateAmount(amount)
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, NewValidationError("amount", "must be a whole number")
	}
	if f != math.Trunc(f) {
		return 0, NewValidationError("amount", "fractional amounts are not supported")
	}
	if f > math.MaxInt64 || f < math.MinInt64 {
		return 0, NewValidationError("amount", "out of range")
	}
	return ValidateAmount(int64(f))
}

func ValidateAmount(amount int64) (int64, error) {
	if amount <= 0 {
		return 0, NewValidationError("amount", "must be greater than zero")
	}
	return amount, nil
}

type InvoicePaymentStatus string

const (
	InvoiceStatusUnpaid InvoicePaymentStatus = "unpaid"
	InvoiceStatusPaid   InvoicePaymentStatus = "paid"
)

// InvoicePayment - проекция статуса оплаты счета, которую ведет сервис счетов.
type InvoicePayment struct {
	InvoiceRef    string
	MerchantID    string
	Status        InvoicePaymentStatus
	AttemptID     string
	Amount        int64
	ReceiptNumber string
	PaidAt        *time.Time
	UpdatedAt     time.Time
}
