package payments_repo

import (
	"context"

	"stkpay/internal/domain"
)

// PaymentStore persists payment attempts. TransitionIfNotTerminal is the only
// way a status changes after creation and must be atomic per attempt.
type PaymentStore interface {
	Create(ctx context.Context, attempt *domain.PaymentAttempt) (string, error)
	AssignCheckout(ctx context.Context, merchantID, attemptID, checkoutID, merchantRequestID string) (*domain.PaymentAttempt, error)
	TransitionIfNotTerminal(ctx context.Context, key domain.AttemptKey, to domain.PaymentStatus, result domain.PaymentResult, source domain.ResolutionSource) (domain.TransitionOutcome, error)
	Lookup(ctx context.Context, key domain.AttemptKey) (*domain.PaymentAttempt, error)
}
