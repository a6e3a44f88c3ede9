package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"stkpay/internal/domain"
	"stkpay/internal/util"
)

const uniqueViolation = "23505"

const attemptColumns = `id, merchant_id, invoice_ref, amount, payer_phone, description, checkout_id, merchant_request_id,
		status, result_code, result_message, receipt_number, transaction_date, resolution_source, created_at, last_transition_at`

type PaymentStore struct {
	db     domain.Querier
	logger *zap.Logger
	now    func() time.Time
}

func NewPaymentStore(db domain.Querier, logger *zap.Logger) *PaymentStore {
	return &PaymentStore{db: db, logger: logger, now: time.Now}
}

func (s *PaymentStore) Create(ctx context.Context, attempt *domain.PaymentAttempt) (string, error) {
	query := `
		INSERT INTO payment_attempts (id, merchant_id, invoice_ref, amount, payer_phone, description, checkout_id, status, created_at, last_transition_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.db.ExecContext(ctx, query,
		attempt.ID,
		attempt.MerchantID,
		attempt.InvoiceRef,
		attempt.Amount,
		attempt.PayerPhone,
		attempt.Description,
		nullString(attempt.CheckoutID),
		string(attempt.Status),
		attempt.CreatedAt,
		attempt.LastTransitionAt,
	)
	if err != nil {
		if isUniqueViolation(err, "payment_attempts_checkout_id_key") {
			return "", domain.ErrDuplicateCheckout
		}
		return "", storeError("create payment attempt "+attempt.ID, err)
	}
	return attempt.ID, nil
}

func (s *PaymentStore) AssignCheckout(ctx context.Context, merchantID, attemptID, checkoutID, merchantRequestID string) (*domain.PaymentAttempt, error) {
	if !util.IsUUID(attemptID) {
		return nil, fmt.Errorf("attempt id %q: %w", attemptID, domain.ErrAttemptNotFound)
	}
	query := `
		UPDATE payment_attempts
		SET checkout_id = $1, merchant_request_id = $2, status = $3, last_transition_at = $4
		WHERE id = $5 AND ($6::text = '' OR merchant_id = $6) AND checkout_id IS NULL AND status = $7
		RETURNING ` + attemptColumns

	row := s.db.QueryRowContext(ctx, query,
		checkoutID,
		nullString(merchantRequestID),
		string(domain.PaymentStatusPushed),
		s.now(),
		attemptID,
		merchantID,
		string(domain.PaymentStatusCreated),
	)
	attempt, err := scanAttempt(row)
	if err == nil {
		return attempt, nil
	}
	if isUniqueViolation(err, "payment_attempts_checkout_id_key") {
		return nil, domain.ErrDuplicateCheckout
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, storeError("assign checkout to attempt "+attemptID, err)
	}

	current, lookupErr := s.Lookup(ctx, domain.ByAttemptID(merchantID, attemptID))
	if lookupErr != nil {
		return nil, lookupErr
	}
	if current.CheckoutID != "" {
		return nil, domain.ErrCheckoutAlreadyAssigned
	}
	return nil, fmt.Errorf("assign checkout to attempt %s in status %s: %w", attemptID, current.Status, domain.ErrInvalidTransition)
}

// TransitionIfNotTerminal writes only when the stored status is one of the
// allowed sources of to, so concurrent callers race on the row, not in Go.
func (s *PaymentStore) TransitionIfNotTerminal(ctx context.Context, key domain.AttemptKey, to domain.PaymentStatus, result domain.PaymentResult, source domain.ResolutionSource) (domain.TransitionOutcome, error) {
	column, value, err := keyColumn(key)
	if err != nil {
		return domain.TransitionOutcome{}, err
	}

	from := domain.AllowedSources(to)
	if len(from) == 0 {
		return domain.TransitionOutcome{}, fmt.Errorf("transition %s to %s: %w", key, to, domain.ErrInvalidTransition)
	}
	statuses := make([]string, len(from))
	for i, st := range from {
		statuses[i] = string(st)
	}

	var code, message, receipt, txDate, src sql.NullString
	if to.IsTerminal() {
		code, message, receipt, txDate = nullString(result.Code), nullString(result.Message), nullString(result.ReceiptNumber), nullString(result.TransactionDate)
		src = nullString(string(source))
	}

	query := `
		UPDATE payment_attempts
		SET status = $1, result_code = $2, result_message = $3, receipt_number = $4, transaction_date = $5,
			resolution_source = $6, last_transition_at = $7
		WHERE ` + column + ` = $8 AND ($9::text = '' OR merchant_id = $9) AND status = ANY($10)
		RETURNING ` + attemptColumns

	row := s.db.QueryRowContext(ctx, query,
		string(to),
		code,
		message,
		receipt,
		txDate,
		src,
		s.now(),
		value,
		key.MerchantID,
		pq.Array(statuses),
	)
	attempt, err := scanAttempt(row)
	if err == nil {
		return domain.TransitionOutcome{Applied: true, Attempt: attempt}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.TransitionOutcome{}, storeError("transition "+key.String()+" to "+string(to), err)
	}

	current, err := s.Lookup(ctx, key)
	if err != nil {
		return domain.TransitionOutcome{}, err
	}
	if current.Status.IsTerminal() {
		return domain.TransitionOutcome{Applied: false, Attempt: current}, nil
	}
	return domain.TransitionOutcome{}, fmt.Errorf("transition %s from %s to %s: %w", key, current.Status, to, domain.ErrInvalidTransition)
}

func (s *PaymentStore) Lookup(ctx context.Context, key domain.AttemptKey) (*domain.PaymentAttempt, error) {
	column, value, err := keyColumn(key)
	if err != nil {
		return nil, err
	}
	query := `
		SELECT ` + attemptColumns + `
		FROM payment_attempts
		WHERE ` + column + ` = $1 AND ($2::text = '' OR merchant_id = $2)
	`
	attempt, err := scanAttempt(s.db.QueryRowContext(ctx, query, value, key.MerchantID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrAttemptNotFound
		}
		return nil, storeError("lookup "+key.String(), err)
	}
	return attempt, nil
}

func keyColumn(key domain.AttemptKey) (string, string, error) {
	switch {
	case key.AttemptID != "":
		if !util.IsUUID(key.AttemptID) {
			return "", "", fmt.Errorf("attempt id %q: %w", key.AttemptID, domain.ErrAttemptNotFound)
		}
		return "id", key.AttemptID, nil
	case key.CheckoutID != "":
		return "checkout_id", key.CheckoutID, nil
	}
	return "", "", fmt.Errorf("empty attempt key: %w", domain.ErrAttemptNotFound)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row rowScanner) (*domain.PaymentAttempt, error) {
	a := &domain.PaymentAttempt{}
	var checkoutID, merchantRequestID, code, message, receipt, txDate, source sql.NullString
	var status string
	err := row.Scan(
		&a.ID,
		&a.MerchantID,
		&a.InvoiceRef,
		&a.Amount,
		&a.PayerPhone,
		&a.Description,
		&checkoutID,
		&merchantRequestID,
		&status,
		&code,
		&message,
		&receipt,
		&txDate,
		&source,
		&a.CreatedAt,
		&a.LastTransitionAt,
	)
	if err != nil {
		return nil, err
	}
	a.CheckoutID = checkoutID.String
	a.MerchantRequestID = merchantRequestID.String
	a.Status = domain.PaymentStatus(status)
	a.Result = domain.PaymentResult{
		Code:            code.String,
		Message:         message.String,
		ReceiptNumber:   receipt.String,
		TransactionDate: txDate.String,
	}
	a.ResolutionSource = domain.ResolutionSource(source.String)
	return a, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return constraint == "" || pqErr.Constraint == constraint
	}
	return false
}

func storeError(op string, err error) error {
	return fmt.Errorf("failed to %s: %w: %w", op, domain.ErrStoreUnavailable, err)
}
