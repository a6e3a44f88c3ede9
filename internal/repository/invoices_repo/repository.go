package invoices_repo

import (
	"context"

	"stkpay/internal/domain"
)

type InvoiceRepository interface {
	// MarkPaid returns false when the invoice was already paid.
	MarkPaid(ctx context.Context, q domain.Querier, payment *domain.InvoicePayment) (bool, error)
}
