package payments_http

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"stkpay/internal/app/payments"
	"stkpay/internal/domain"
	"stkpay/internal/infrastructure/mpesa"
)

const (
	MerchantIDHeader    = "X-Merchant-ID"
	maxCallbackBodySize = 1 << 20
	maxRequestBodySize  = 64 << 10
)

type PaymentHandler struct {
	service    payments.PaymentService
	reconciler *payments.Reconciler
	logger     *zap.Logger
}

func NewPaymentHandler(s payments.PaymentService, rec *payments.Reconciler, l *zap.Logger) *PaymentHandler {
	return &PaymentHandler{service: s, reconciler: rec, logger: l}
}

type CreatePaymentRequest struct {
	InvoiceRef  string      `json:"invoice_ref"`
	Amount      json.Number `json:"amount"`
	Phone       string      `json:"phone"`
	Description string      `json:"description"`
}

type PaymentResultResponse struct {
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
	ReceiptNumber   string `json:"receipt_number,omitempty"`
	TransactionDate string `json:"transaction_date,omitempty"`
}

type AttemptResponse struct {
	ID               string                 `json:"id"`
	InvoiceRef       string                 `json:"invoice_ref"`
	Amount           int64                  `json:"amount"`
	Phone            string                 `json:"phone"`
	Description      string                 `json:"description"`
	CheckoutID       string                 `json:"checkout_id,omitempty"`
	Status           domain.PaymentStatus   `json:"status"`
	ResolutionSource string                 `json:"resolution_source,omitempty"`
	Result           *PaymentResultResponse `json:"result,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	LastTransitionAt time.Time              `json:"last_transition_at"`
}

type StatusUpdateResponse struct {
	AttemptID        string               `json:"attempt_id"`
	Status           domain.PaymentStatus `json:"status"`
	RemainingSeconds int64                `json:"remaining_seconds"`
	Final            bool                 `json:"final"`
}

type ErrorResponse struct {
	Error   string           `json:"error"`
	Field   string           `json:"field,omitempty"`
	Attempt *AttemptResponse `json:"attempt,omitempty"`
}

func toAttemptResponse(a *domain.PaymentAttempt) *AttemptResponse {
	if a == nil {
		return nil
	}
	resp := &AttemptResponse{
		ID:               a.ID,
		InvoiceRef:       a.InvoiceRef,
		Amount:           a.Amount,
		Phone:            a.PayerPhone,
		Description:      a.Description,
		CheckoutID:       a.CheckoutID,
		Status:           a.Status,
		ResolutionSource: string(a.ResolutionSource),
		CreatedAt:        a.CreatedAt.UTC(),
		LastTransitionAt: a.LastTransitionAt.UTC(),
	}
	if a.Result != (domain.PaymentResult{}) {
		resp.Result = &PaymentResultResponse{
			Code:            a.Result.Code,
			Message:         a.Result.Message,
			ReceiptNumber:   a.Result.ReceiptNumber,
			TransactionDate: a.Result.TransactionDate,
		}
	}
	return resp
}

func (h *PaymentHandler) CreatePaymentHandler(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := h.merchantID(w, r)
	if !ok {
		return
	}

	var req CreatePaymentRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		h.logger.Warn("Invalid request body for CreatePayment", zap.Error(err))
		h.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	amount, err := domain.ParseAmount(req.Amount.String())
	if err != nil {
		h.writeError(w, err, nil)
		return
	}

	attempt, err := h.service.Initiate(r.Context(), merchantID, payments.InitiateRequest{
		InvoiceRef:  req.InvoiceRef,
		Amount:      amount,
		PayerPhone:  req.Phone,
		Description: req.Description,
	})
	if err != nil {
		h.writeError(w, err, attempt)
		return
	}
	h.writeJSON(w, http.StatusAccepted, toAttemptResponse(attempt))
}

func (h *PaymentHandler) GetPaymentHandler(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := h.merchantID(w, r)
	if !ok {
		return
	}
	attempt, err := h.service.GetAttempt(r.Context(), merchantID, chi.URLParam(r, "attemptID"))
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	h.writeJSON(w, http.StatusOK, toAttemptResponse(attempt))
}

// WatchPaymentHandler streams status updates as NDJSON until the attempt is
// final, the deadline passes, or the client goes away.
func (h *PaymentHandler) WatchPaymentHandler(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := h.merchantID(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "streaming unsupported"})
		return
	}

	watch, err := h.reconciler.Watch(r.Context(), merchantID, chi.URLParam(r, "attemptID"))
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	defer watch.Cancel()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for u := range watch.Updates() {
		if err := enc.Encode(StatusUpdateResponse{
			AttemptID:        u.AttemptID,
			Status:           u.Status,
			RemainingSeconds: int64(u.Remaining.Round(time.Second) / time.Second),
			Final:            u.Final,
		}); err != nil {
			h.logger.Debug("Watch client went away", zap.Error(err))
			return
		}
		flusher.Flush()
	}
	if _, err := watch.Result(); err != nil && r.Context().Err() == nil {
		h.logger.Error("Watch ended with error", zap.String("attempt_id", chi.URLParam(r, "attemptID")), zap.Error(err))
		msg := "status unavailable"
		if errors.Is(err, domain.ErrUnresolvedAtDeadline) {
			msg = "payment attempt not resolved at deadline"
		}
		if err := enc.Encode(ErrorResponse{Error: msg}); err == nil {
			flusher.Flush()
		}
	}
}

// MpesaCallbackHandler acknowledges every well-formed callback, including
// ones it could not apply.
func (h *PaymentHandler) MpesaCallbackHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBodySize))
	if err != nil {
		h.logger.Warn("Failed to read provider callback body", zap.Error(err))
		h.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "unreadable callback body"})
		return
	}
	signal, err := mpesa.DecodeCallback(body)
	if err != nil {
		h.logger.Warn("Malformed provider callback rejected", zap.Error(err), zap.ByteString("body", truncate(body, 512)))
		h.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "malformed callback"})
		return
	}

	log := h.logger.With(zap.String("checkout_id", signal.CheckoutID), zap.String("result_code", signal.Code))
	_, err = h.service.ApplyCallback(r.Context(), *signal)
	switch {
	case err == nil:
		log.Debug("Provider callback applied")
	case errors.Is(err, domain.ErrDuplicateSignal):
		log.Info("Provider callback was a duplicate", zap.Error(err))
	case errors.Is(err, domain.ErrUnknownCheckout):
		log.Warn("Provider callback for unknown checkout acknowledged", zap.Error(err))
	default:
		log.Error("Provider callback could not be applied", zap.Error(err))
	}
	h.writeJSON(w, http.StatusOK, mpesa.Accepted())
}

func (h *PaymentHandler) merchantID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.Header.Get(MerchantIDHeader))
	if id == "" {
		h.writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: MerchantIDHeader + " header is required"})
		return "", false
	}
	return id, true
}

func (h *PaymentHandler) writeError(w http.ResponseWriter, err error, attempt *domain.PaymentAttempt) {
	var verr *domain.ValidationError
	var perr *domain.ProviderError
	switch {
	case errors.As(err, &verr):
		h.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: verr.Error(), Field: verr.Field})
	case errors.As(err, &perr):
		status := http.StatusBadGateway
		if perr.Kind == domain.ProviderUnreachable {
			status = http.StatusServiceUnavailable
		}
		h.writeJSON(w, status, ErrorResponse{Error: perr.Error(), Attempt: toAttemptResponse(attempt)})
	case errors.Is(err, domain.ErrAttemptNotFound):
		h.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "payment attempt not found"})
	case errors.Is(err, domain.ErrStoreUnavailable):
		h.logger.Error("Payment store unavailable", zap.Error(err))
		h.writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "payment store unavailable"})
	default:
		h.logger.Error("Unhandled payment error", zap.Error(err))
		h.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
	}
}

func (h *PaymentHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to write JSON response", zap.Error(err))
	}
}

func truncate(b []byte, n int) []byte {
	b = bytes.TrimSpace(b)
	if len(b) > n {
		return b[:n]
	}
	return b
}
