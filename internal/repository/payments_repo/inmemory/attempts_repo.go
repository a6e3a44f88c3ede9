package inmemory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"stkpay/internal/domain"
)

// PaymentStore keeps attempts in process memory. A single mutex linearizes
// every write, which gives the same per-attempt atomicity as the SQL store.
type PaymentStore struct {
	mu         sync.RWMutex
	attempts   map[string]*domain.PaymentAttempt
	byCheckout map[string]string
	now        func() time.Time
}

func NewPaymentStore() *PaymentStore {
	return &PaymentStore{
		attempts:   make(map[string]*domain.PaymentAttempt),
		byCheckout: make(map[string]string),
		now:        time.Now,
	}
}

func (s *PaymentStore) Create(ctx context.Context, attempt *domain.PaymentAttempt) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if attempt.CheckoutID != "" {
		if _, exists := s.byCheckout[attempt.CheckoutID]; exists {
			return "", domain.ErrDuplicateCheckout
		}
	}
	if _, exists := s.attempts[attempt.ID]; exists {
		return "", fmt.Errorf("payment attempt %s already exists", attempt.ID)
	}

	stored := *attempt
	s.attempts[stored.ID] = &stored
	if stored.CheckoutID != "" {
		s.byCheckout[stored.CheckoutID] = stored.ID
	}
	return stored.ID, nil
}

func (s *PaymentStore) AssignCheckout(ctx context.Context, merchantID, attemptID, checkoutID, merchantRequestID string) (*domain.PaymentAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.find(domain.ByAttemptID(merchantID, attemptID))
	if err != nil {
		return nil, err
	}
	if a.CheckoutID != "" {
		return nil, domain.ErrCheckoutAlreadyAssigned
	}
	if _, exists := s.byCheckout[checkoutID]; exists {
		return nil, domain.ErrDuplicateCheckout
	}
	if err := a.Apply(domain.PaymentStatusPushed, domain.PaymentResult{}, domain.ResolutionNone, s.now()); err != nil {
		return nil, fmt.Errorf("assign checkout to attempt %s in status %s: %w", attemptID, a.Status, err)
	}

	a.CheckoutID = checkoutID
	a.MerchantRequestID = merchantRequestID
	s.byCheckout[checkoutID] = a.ID

	out := *a
	return &out, nil
}

func (s *PaymentStore) TransitionIfNotTerminal(ctx context.Context, key domain.AttemptKey, to domain.PaymentStatus, result domain.PaymentResult, source domain.ResolutionSource) (domain.TransitionOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.find(key)
	if err != nil {
		return domain.TransitionOutcome{}, err
	}

	if a.Status.IsTerminal() {
		out := *a
		return domain.TransitionOutcome{Applied: false, Attempt: &out}, nil
	}
	if err := a.Apply(to, result, source, s.now()); err != nil {
		return domain.TransitionOutcome{}, fmt.Errorf("transition %s from %s to %s: %w", key, a.Status, to, err)
	}

	out := *a
	return domain.TransitionOutcome{Applied: true, Attempt: &out}, nil
}

func (s *PaymentStore) Lookup(ctx context.Context, key domain.AttemptKey) (*domain.PaymentAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, err := s.find(key)
	if err != nil {
		return nil, err
	}
	out := *a
	return &out, nil
}

// Len returns the number of stored attempts.
func (s *PaymentStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.attempts)
}

// find must be called with s.mu held.
func (s *PaymentStore) find(key domain.AttemptKey) (*domain.PaymentAttempt, error) {
	id := key.AttemptID
	if id == "" {
		var ok bool
		if id, ok = s.byCheckout[key.CheckoutID]; !ok {
			return nil, domain.ErrAttemptNotFound
		}
	}
	a, ok := s.attempts[id]
	if !ok {
		return nil, domain.ErrAttemptNotFound
	}
	if key.CheckoutID != "" && a.CheckoutID != key.CheckoutID {
		return nil, domain.ErrAttemptNotFound
	}
	if key.MerchantID != "" && a.MerchantID != key.MerchantID {
		return nil, domain.ErrAttemptNotFound
	}
	return a, nil
}
