package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"stkpay/internal/domain"
	"stkpay/internal/infrastructure/mpesa"
	"stkpay/internal/repository/payments_repo"
	"stkpay/internal/util"
)

const (
	defaultNotifyTimeout = 10 * time.Second
	// bounds the store writes that record a push outcome
	defaultRecordTimeout = 10 * time.Second
)

const (
	timeoutResultCode    = "timeout"
	timeoutResultMessage = "payer did not confirm the payment before the deadline"
)

type InitiateRequest struct {
	InvoiceRef  string
	Amount      int64
	PayerPhone  string
	Description string
}

// InvoiceNotifier tells the invoice collaborator that an attempt was confirmed.
type InvoiceNotifier interface {
	NotifyInvoicePaid(ctx context.Context, attempt *domain.PaymentAttempt) error
}

// PaymentService is the payment state machine. Every status change goes
// through the store's conditional transition; the first terminal write wins.
type PaymentService interface {
	Initiate(ctx context.Context, merchantID string, req InitiateRequest) (*domain.PaymentAttempt, error)
	ApplyCallback(ctx context.Context, signal domain.CallbackSignal) (*domain.PaymentAttempt, error)
	ApplyPollObservation(ctx context.Context, checkoutID string) (*domain.PaymentAttempt, error)
	ApplyTimeout(ctx context.Context, merchantID, attemptID string, deadlineReached bool) (*domain.PaymentAttempt, error)
	GetAttempt(ctx context.Context, merchantID, attemptID string) (*domain.PaymentAttempt, error)
	// WaitNotifications blocks until in-flight invoice notifications finish or ctx is done.
	WaitNotifications(ctx context.Context) error
}

type paymentService struct {
	store         payments_repo.PaymentStore
	provider      mpesa.Client
	notifier      InvoiceNotifier
	logger        *zap.Logger
	notifyTimeout time.Duration
	recordTimeout time.Duration
	newID         func() string
	now           func() time.Time

	notifications sync.WaitGroup
}

func NewPaymentService(
	store payments_repo.PaymentStore,
	provider mpesa.Client,
	notifier InvoiceNotifier,
	logger *zap.Logger,
) PaymentService {
	return &paymentService{
		store:         store,
		provider:      provider,
		notifier:      notifier,
		logger:        logger,
		notifyTimeout: defaultNotifyTimeout,
		recordTimeout: defaultRecordTimeout,
		newID:         util.GenerateUUID,
		now:           time.Now,
	}
}

func (s *paymentService) Initiate(ctx context.Context, merchantID string, req InitiateRequest) (*domain.PaymentAttempt, error) {
	if strings.TrimSpace(merchantID) == "" {
		return nil, domain.NewValidationError("merchant_id", "is required")
	}
	invoiceRef := strings.TrimSpace(req.InvoiceRef)
	if invoiceRef == "" {
		return nil, domain.NewValidationError("invoice_ref", "is required")
	}
	if domain.AccountReference(invoiceRef) == "" {
		return nil, domain.NewValidationError("invoice_ref", "must contain letters or digits")
	}
	amount, err := domain.ValidateAmount(req.Amount)
	if err != nil {
		return nil, err
	}
	phone, err := mpesa.ValidatePhone(req.PayerPhone)
	if err != nil {
		return nil, err
	}
	description := strings.TrimSpace(req.Description)
	if description == "" {
		description = domain.DefaultDescription(invoiceRef)
	}

	attempt := domain.NewPaymentAttempt(s.newID(), merchantID, invoiceRef, amount, phone, description, s.now())
	if _, err := s.store.Create(ctx, attempt); err != nil {
		s.logger.Error("Failed to create payment attempt", zap.String("invoice_ref", invoiceRef), zap.Error(err))
		return nil, fmt.Errorf("failed to create payment attempt: %w", err)
	}
	log := s.logger.With(zap.String("attempt_id", attempt.ID), zap.String("invoice_ref", invoiceRef))
	log.Info("Payment attempt created", zap.Int64("amount", amount))

	key := domain.ByAttemptID(merchantID, attempt.ID)

	push, err := s.provider.Push(ctx, mpesa.PushRequest{
		Amount:      amount,
		PayerPhone:  phone,
		Reference:   domain.AccountReference(invoiceRef),
		Description: description,
	})

	// push outcomes are recorded even after the caller has gone away
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.recordTimeout)
	defer cancel()

	if err != nil {
		var perr *domain.ProviderError
		if !errors.As(err, &perr) {
			perr = &domain.ProviderError{Kind: domain.ProviderRejected, Err: err}
		}
		log.Warn("STK push failed, marking attempt errored", zap.String("kind", string(perr.Kind)), zap.Error(err))

		out, terr := s.store.TransitionIfNotTerminal(recordCtx, key, domain.PaymentStatusErrored, perr.Result(), domain.ResolutionErroredAtPush)
		if terr != nil {
			log.Error("Failed to record errored payment attempt", zap.Error(terr))
			return nil, errors.Join(perr, fmt.Errorf("failed to record push failure: %w", terr))
		}
		return out.Attempt, perr
	}

	if _, err := s.store.AssignCheckout(recordCtx, merchantID, attempt.ID, push.CheckoutID, push.MerchantRequestID); err != nil {
		log.Error("Push accepted but checkout id could not be recorded",
			zap.String("checkout_id", push.CheckoutID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to record checkout id %s: %w", push.CheckoutID, err)
	}

	out, err := s.store.TransitionIfNotTerminal(recordCtx, key, domain.PaymentStatusAwaitingConfirmation, domain.PaymentResult{}, domain.ResolutionNone)
	if err != nil {
		log.Error("Failed to move attempt to awaiting confirmation", zap.String("checkout_id", push.CheckoutID), zap.Error(err))
		return nil, fmt.Errorf("failed to mark attempt %s awaiting confirmation: %w", attempt.ID, err)
	}
	if !out.Applied {
		log.Info("Callback resolved attempt before it was marked awaiting confirmation",
			zap.String("checkout_id", push.CheckoutID),
			zap.String("status", string(out.Attempt.Status)),
		)
	} else {
		log.Info("Payment attempt awaiting payer confirmation",
			zap.String("checkout_id", push.CheckoutID),
			zap.String("provider_message", push.ProviderMessage),
		)
	}
	return out.Attempt, nil
}

func (s *paymentService) ApplyCallback(ctx context.Context, signal domain.CallbackSignal) (*domain.PaymentAttempt, error) {
	if signal.CheckoutID == "" {
		return nil, domain.NewValidationError("checkout_id", "is required")
	}

	to := domain.PaymentStatusDeclined
	if signal.Success {
		to = domain.PaymentStatusConfirmed
	}
	result := domain.PaymentResult{
		Code:            signal.Code,
		Message:         signal.Message,
		ReceiptNumber:   signal.ReceiptNumber,
		TransactionDate: signal.TransactionDate,
	}

	log := s.logger.With(zap.String("checkout_id", signal.CheckoutID), zap.String("result_code", signal.Code))

	out, err := s.store.TransitionIfNotTerminal(ctx, domain.ByCheckoutID(signal.CheckoutID), to, result, domain.ResolutionCallback)
	if err != nil {
		if errors.Is(err, domain.ErrAttemptNotFound) {
			log.Warn("Callback for unknown checkout id dropped")
			return nil, fmt.Errorf("callback for %s: %w", signal.CheckoutID, domain.ErrUnknownCheckout)
		}
		log.Error("Failed to apply callback", zap.Error(err))
		return nil, fmt.Errorf("failed to apply callback for %s: %w", signal.CheckoutID, err)
	}
	if !out.Applied {
		log.Info("Late callback discarded, attempt already terminal",
			zap.String("attempt_id", out.Attempt.ID),
			zap.String("status", string(out.Attempt.Status)),
			zap.String("resolution_source", string(out.Attempt.ResolutionSource)),
		)
		return out.Attempt, fmt.Errorf("callback for attempt %s in status %s: %w", out.Attempt.ID, out.Attempt.Status, domain.ErrDuplicateSignal)
	}

	log.Info("Payment attempt resolved by callback",
		zap.String("attempt_id", out.Attempt.ID),
		zap.String("status", string(to)),
		zap.String("receipt_number", signal.ReceiptNumber),
	)
	if to == domain.PaymentStatusConfirmed {
		s.notifyInvoicePaid(ctx, out.Attempt)
	}
	return out.Attempt, nil
}

// ApplyPollObservation only reads; it never changes the attempt.
func (s *paymentService) ApplyPollObservation(ctx context.Context, checkoutID string) (*domain.PaymentAttempt, error) {
	attempt, err := s.store.Lookup(ctx, domain.ByCheckoutID(checkoutID))
	if err != nil {
		if errors.Is(err, domain.ErrAttemptNotFound) {
			return nil, fmt.Errorf("poll for %s: %w", checkoutID, domain.ErrUnknownCheckout)
		}
		return nil, fmt.Errorf("failed to poll checkout %s: %w", checkoutID, err)
	}
	return attempt, nil
}

func (s *paymentService) ApplyTimeout(ctx context.Context, merchantID, attemptID string, deadlineReached bool) (*domain.PaymentAttempt, error) {
	key := domain.ByAttemptID(merchantID, attemptID)
	current, err := s.store.Lookup(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load attempt %s: %w", attemptID, err)
	}
	if !deadlineReached {
		return current, nil
	}

	log := s.logger.With(zap.String("attempt_id", attemptID))
	if current.Status.IsTerminal() {
		log.Debug("Timeout ignored, attempt already terminal", zap.String("status", string(current.Status)))
		return current, fmt.Errorf("timeout for attempt %s in status %s: %w", attemptID, current.Status, domain.ErrDuplicateSignal)
	}
	if current.Status != domain.PaymentStatusAwaitingConfirmation {
		log.Warn("Timeout ignored, attempt is not awaiting confirmation", zap.String("status", string(current.Status)))
		return current, nil
	}

	out, err := s.store.TransitionIfNotTerminal(ctx, key, domain.PaymentStatusExpired,
		domain.PaymentResult{Code: timeoutResultCode, Message: timeoutResultMessage}, domain.ResolutionTimeout)
	if err != nil {
		log.Error("Failed to expire payment attempt", zap.Error(err))
		return nil, fmt.Errorf("failed to expire attempt %s: %w", attemptID, err)
	}
	if !out.Applied {
		log.Info("Timeout lost the race, attempt already terminal",
			zap.String("status", string(out.Attempt.Status)),
			zap.String("resolution_source", string(out.Attempt.ResolutionSource)),
		)
		return out.Attempt, fmt.Errorf("timeout for attempt %s in status %s: %w", attemptID, out.Attempt.Status, domain.ErrDuplicateSignal)
	}

	log.Info("Payment attempt expired", zap.String("checkout_id", out.Attempt.CheckoutID))
	return out.Attempt, nil
}

func (s *paymentService) GetAttempt(ctx context.Context, merchantID, attemptID string) (*domain.PaymentAttempt, error) {
	attempt, err := s.store.Lookup(ctx, domain.ByAttemptID(merchantID, attemptID))
	if err != nil {
		return nil, fmt.Errorf("failed to get attempt %s: %w", attemptID, err)
	}
	return attempt, nil
}

// notifyInvoicePaid runs detached from the caller; its failure never touches the attempt.
func (s *paymentService) notifyInvoicePaid(ctx context.Context, attempt *domain.PaymentAttempt) {
	if s.notifier == nil {
		return
	}
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.notifyTimeout)
	s.notifications.Add(1)
	go func() {
		defer s.notifications.Done()
		defer cancel()
		if err := s.notifier.NotifyInvoicePaid(notifyCtx, attempt); err != nil {
			s.logger.Warn("Invoice paid notification failed",
				zap.String("attempt_id", attempt.ID),
				zap.String("invoice_ref", attempt.InvoiceRef),
				zap.Error(err),
			)
			return
		}
		s.logger.Debug("Invoice paid notification recorded", zap.String("attempt_id", attempt.ID))
	}()
}

func (s *paymentService) WaitNotifications(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.notifications.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for invoice notifications: %w", ctx.Err())
	}
}
