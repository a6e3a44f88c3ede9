package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"stkpay/internal/domain"
)

type InvoiceRepository struct{}

func NewInvoiceRepository() *InvoiceRepository {
	return &InvoiceRepository{}
}

func (r *InvoiceRepository) MarkPaid(ctx context.Context, q domain.Querier, p *domain.InvoicePayment) (bool, error) {
	query := `
		INSERT INTO invoice_payments (merchant_id, invoice_ref, status, attempt_id, amount, receipt_number, paid_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (merchant_id, invoice_ref) DO UPDATE
		SET status = EXCLUDED.status,
			attempt_id = EXCLUDED.attempt_id,
			amount = EXCLUDED.amount,
			receipt_number = EXCLUDED.receipt_number,
			paid_at = EXCLUDED.paid_at,
			updated_at = EXCLUDED.updated_at
		WHERE invoice_payments.status <> $3
	`
	var receipt sql.NullString
	if p.ReceiptNumber != "" {
		receipt = sql.NullString{String: p.ReceiptNumber, Valid: true}
	}
	res, err := q.ExecContext(ctx, query,
		p.MerchantID,
		p.InvoiceRef,
		string(domain.InvoiceStatusPaid),
		p.AttemptID,
		p.Amount,
		receipt,
		p.PaidAt,
		p.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark invoice %s paid: %w", p.InvoiceRef, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}
