package domain

import (
	"time"
)

type PaymentStatus string

const (
	PaymentStatusCreated              PaymentStatus = "created"
	PaymentStatusPushed               PaymentStatus = "pushed"
	PaymentStatusAwaitingConfirmation PaymentStatus = "awaiting_confirmation"
	PaymentStatusConfirmed            PaymentStatus = "confirmed"
	PaymentStatusDeclined             PaymentStatus = "declined"
	PaymentStatusExpired              PaymentStatus = "expired"
	PaymentStatusErrored              PaymentStatus = "errored"
)

// IsTerminal reports whether no further transition is accepted from s.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentStatusConfirmed, PaymentStatusDeclined, PaymentStatusExpired, PaymentStatusErrored:
		return true
	}
	return false
}

func (s PaymentStatus) IsValid() bool {
	_, ok := transitions[s]
	return ok || s == PaymentStatusCreated
}

// transitions maps a target status to the statuses it may be entered from.
// Anything not listed here is rejected.
var transitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPushed:               {PaymentStatusCreated},
	PaymentStatusAwaitingConfirmation: {PaymentStatusPushed},
	PaymentStatusConfirmed:            {PaymentStatusPushed, PaymentStatusAwaitingConfirmation},
	PaymentStatusDeclined:             {PaymentStatusPushed, PaymentStatusAwaitingConfirmation},
	PaymentStatusExpired:              {PaymentStatusAwaitingConfirmation},
	PaymentStatusErrored:              {PaymentStatusCreated},
}

// AllowedSources returns the statuses from which to may be entered.
func AllowedSources(to PaymentStatus) []PaymentStatus {
	from := transitions[to]
	out := make([]PaymentStatus, len(from))
	copy(out, from)
	return out
}

func CanTransition(from, to PaymentStatus) bool {
	for _, s := range transitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

type ResolutionSource string

const (
	ResolutionNone          ResolutionSource = ""
	ResolutionCallback      ResolutionSource = "callback"
	ResolutionPoll          ResolutionSource = "poll"
	ResolutionTimeout       ResolutionSource = "timeout"
	ResolutionErroredAtPush ResolutionSource = "errored-at-push"
)

// PaymentResult is copied verbatim from whichever signal terminalized the attempt.
type PaymentResult struct {
	Code            string
	Message         string
	ReceiptNumber   string
	TransactionDate string
}

// PaymentAttempt - одна попытка STK push оплаты счета.
type PaymentAttempt struct {
	ID                string
	MerchantID        string
	InvoiceRef        string
	Amount            int64
	PayerPhone        string
	Description       string
	CheckoutID        string
	MerchantRequestID string
	Status            PaymentStatus
	Result            PaymentResult
	ResolutionSource  ResolutionSource
	CreatedAt         time.Time
	LastTransitionAt  time.Time
}

func NewPaymentAttempt(id, merchantID, invoiceRef string, amount int64, payerPhone, description string, now time.Time) *PaymentAttempt {
	return &PaymentAttempt{
		ID:               id,
		MerchantID:       merchantID,
		InvoiceRef:       invoiceRef,
		Amount:           amount,
		PayerPhone:       payerPhone,
		Description:      description,
		Status:           PaymentStatusCreated,
		CreatedAt:        now,
		LastTransitionAt: now,
	}
}

// Apply moves the attempt to the given status if the transition table allows it.
// Stores use it to keep their in-process copy consistent with the conditional write.
func (a *PaymentAttempt) Apply(to PaymentStatus, result PaymentResult, source ResolutionSource, now time.Time) error {
	if a.Status.IsTerminal() {
		return ErrAlreadyTerminal
	}
	if !CanTransition(a.Status, to) {
		return ErrInvalidTransition
	}
	a.Status = to
	if to.IsTerminal() {
		a.Result = result
		a.ResolutionSource = source
	}
	a.LastTransitionAt = now
	return nil
}

// AttemptKey addresses an attempt by id or by checkout id. MerchantID is the
// acting identity; empty means a provider-originated signal with no owner check.
type AttemptKey struct {
	AttemptID  string
	CheckoutID string
	MerchantID string
}

func ByAttemptID(merchantID, attemptID string) AttemptKey {
	return AttemptKey{AttemptID: attemptID, MerchantID: merchantID}
}

func ByCheckoutID(checkoutID string) AttemptKey {
	return AttemptKey{CheckoutID: checkoutID}
}

func (k AttemptKey) IsZero() bool {
	return k.AttemptID == "" && k.CheckoutID == ""
}

func (k AttemptKey) String() string {
	if k.AttemptID != "" {
		return "attempt:" + k.AttemptID
	}
	return "checkout:" + k.CheckoutID
}

// TransitionOutcome reports a conditional transition. When Applied is false
// the record was already terminal and Attempt holds the stored state.
type TransitionOutcome struct {
	Applied bool
	Attempt *PaymentAttempt
}

// CallbackSignal is a decoded provider callback.
type CallbackSignal struct {
	CheckoutID        string
	MerchantRequestID string
	Success           bool
	Code              string
	Message           string
	ReceiptNumber     string
	TransactionDate   string
	Amount            int64
	PhoneNumber       string
}
