package payments_http

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"stkpay/internal/app/payments"
	"stkpay/internal/domain"
	"stkpay/internal/infrastructure/mpesa"
	"stkpay/internal/repository/payments_repo/inmemory"
)

type stubProvider struct {
	err error
}

func (p stubProvider) Push(ctx context.Context, req mpesa.PushRequest) (*mpesa.PushResponse, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &mpesa.PushResponse{CheckoutID: "ws_CO_1", MerchantRequestID: "MR1"}, nil
}

type testServer struct {
	handler http.Handler
	service payments.PaymentService
}

func newTestServer(t *testing.T, provider mpesa.Client, nets []*net.IPNet) *testServer {
	t.Helper()
	logger := zaptest.NewLogger(t)
	svc := payments.NewPaymentService(inmemory.NewPaymentStore(), provider, nil, logger)
	rec := payments.NewReconciler(svc, 10*time.Millisecond, time.Minute, logger)
	return &testServer{
		handler: NewRouter(RouterConfig{AllowedOrigins: []string{"*"}, CallbackNetworks: nets, RequestTimeout: 5 * time.Second}, svc, rec, logger),
		service: svc,
	}
}

func (s *testServer) do(method, path, merchant, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if merchant != "" {
		req.Header.Set(MerchantIDHeader, merchant)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

const createBody = `{"invoice_ref":"INV-001","amount":1000,"phone":"0712345678"}`

func callbackBody(checkoutID string, code int) string {
	return `{"Body":{"stkCallback":{"MerchantRequestID":"MR1","CheckoutRequestID":"` + checkoutID + `","ResultCode":` +
		map[bool]string{true: "0", false: "1032"}[code == 0] +
		`,"ResultDesc":"done","CallbackMetadata":{"Item":[{"Name":"MpesaReceiptNumber","Value":"NLJ7RT61SV"},{"Name":"Amount","Value":1000}]}}}}`
}

func decodeAttempt(t *testing.T, rec *httptest.ResponseRecorder) AttemptResponse {
	t.Helper()
	var resp AttemptResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, stubProvider{}, nil)
	rec := s.do(http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreatePayment_Accepted(t *testing.T) {
	s := newTestServer(t, stubProvider{}, nil)

	rec := s.do(http.MethodPost, "/payments", "merchant-1", createBody)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	resp := decodeAttempt(t, rec)
	assert.Equal(t, domain.PaymentStatusAwaitingConfirmation, resp.Status)
	assert.Equal(t, "ws_CO_1", resp.CheckoutID)
	assert.Equal(t, "254712345678", resp.Phone)
	assert.Equal(t, "Payment for invoice INV-001", resp.Description)

	got := s.do(http.MethodGet, "/payments/"+resp.ID, "merchant-1", "")
	require.Equal(t, http.StatusOK, got.Code)
	assert.Equal(t, resp.ID, decodeAttempt(t, got).ID)

	other := s.do(http.MethodGet, "/payments/"+resp.ID, "merchant-2", "")
	assert.Equal(t, http.StatusNotFound, other.Code)
}

func TestCreatePayment_RequestErrors(t *testing.T) {
	s := newTestServer(t, stubProvider{}, nil)

	cases := map[string]struct {
		merchant string
		body     string
		status   int
		field    string
	}{
		"missing merchant":  {"", createBody, http.StatusUnauthorized, ""},
		"broken json":       {"m1", `{"invoice_ref":`, http.StatusBadRequest, ""},
		"fractional amount": {"m1", `{"invoice_ref":"INV-1","amount":10.5,"phone":"0712345678"}`, http.StatusBadRequest, "amount"},
		"negative amount":   {"m1", `{"invoice_ref":"INV-1","amount":-5,"phone":"0712345678"}`, http.StatusBadRequest, "amount"},
		"missing amount":    {"m1", `{"invoice_ref":"INV-1","phone":"0712345678"}`, http.StatusBadRequest, "amount"},
		"bad phone":         {"m1", `{"invoice_ref":"INV-1","amount":10,"phone":"555"}`, http.StatusBadRequest, "phone"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rec := s.do(http.MethodPost, "/payments", tc.merchant, tc.body)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
			if tc.field != "" {
				var resp ErrorResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				assert.Equal(t, tc.field, resp.Field)
			}
		})
	}
}

func TestCreatePayment_ProviderUnreachable(t *testing.T) {
	s := newTestServer(t, stubProvider{err: &domain.ProviderError{Kind: domain.ProviderUnreachable, Err: errors.New("timeout")}}, nil)

	rec := s.do(http.MethodPost, "/payments", "merchant-1", createBody)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Attempt)
	assert.Equal(t, domain.PaymentStatusErrored, resp.Attempt.Status)
	assert.Equal(t, string(domain.ResolutionErroredAtPush), resp.Attempt.ResolutionSource)
}

func TestCreatePayment_ProviderRejected(t *testing.T) {
	s := newTestServer(t, stubProvider{err: &domain.ProviderError{Kind: domain.ProviderRejected, Code: "400.002.02", Message: "Invalid Amount"}}, nil)

	rec := s.do(http.MethodPost, "/payments", "merchant-1", createBody)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestMpesaCallback(t *testing.T) {
	s := newTestServer(t, stubProvider{}, nil)
	created := decodeAttempt(t, s.do(http.MethodPost, "/payments", "merchant-1", createBody))

	malformed := s.do(http.MethodPost, "/callbacks/mpesa", "", `{"Body":{}}`)
	assert.Equal(t, http.StatusBadRequest, malformed.Code)

	ok := s.do(http.MethodPost, "/callbacks/mpesa", "", callbackBody("ws_CO_1", 0))
	require.Equal(t, http.StatusOK, ok.Code)
	assert.JSONEq(t, `{"ResultCode":0,"ResultDesc":"Accepted"}`, ok.Body.String())

	dup := s.do(http.MethodPost, "/callbacks/mpesa", "", callbackBody("ws_CO_1", 1032))
	assert.Equal(t, http.StatusOK, dup.Code)

	unknown := s.do(http.MethodPost, "/callbacks/mpesa", "", callbackBody("ws_CO_404", 0))
	assert.Equal(t, http.StatusOK, unknown.Code)

	got := decodeAttempt(t, s.do(http.MethodGet, "/payments/"+created.ID, "merchant-1", ""))
	assert.Equal(t, domain.PaymentStatusConfirmed, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, "NLJ7RT61SV", got.Result.ReceiptNumber)
}

func TestMpesaCallback_Allowlist(t *testing.T) {
	_, allowed, err := net.ParseCIDR("196.201.214.0/24")
	require.NoError(t, err)
	s := newTestServer(t, stubProvider{}, []*net.IPNet{allowed})

	req := httptest.NewRequest(http.MethodPost, "/callbacks/mpesa", strings.NewReader(callbackBody("x", 0)))
	req.RemoteAddr = "203.0.113.9:4431"
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/callbacks/mpesa", strings.NewReader(callbackBody("x", 0)))
	req.RemoteAddr = "196.201.214.200:4431"
	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWatchPayment_StreamsUntilFinal(t *testing.T) {
	s := newTestServer(t, stubProvider{}, nil)
	srv := httptest.NewServer(s.handler)
	defer srv.Close()

	created := decodeAttempt(t, s.do(http.MethodPost, "/payments", "merchant-1", createBody))

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/payments/"+created.ID+"/watch", nil)
	require.NoError(t, err)
	req.Header.Set(MerchantIDHeader, "merchant-1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	go func() {
		time.Sleep(30 * time.Millisecond)
		s.do(http.MethodPost, "/callbacks/mpesa", "", callbackBody("ws_CO_1", 1032))
	}()

	var last StatusUpdateResponse
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &last))
	}
	assert.True(t, last.Final)
	assert.Equal(t, domain.PaymentStatusDeclined, last.Status)
}

func TestWatchPayment_UnknownAttempt(t *testing.T) {
	s := newTestServer(t, stubProvider{}, nil)
	rec := s.do(http.MethodGet, "/payments/nope/watch", "merchant-1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWatchPayment_UnresolvedAtDeadlineEndsWithError(t *testing.T) {
	logger := zaptest.NewLogger(t)
	store := inmemory.NewPaymentStore()
	stranded := domain.NewPaymentAttempt("a-stranded", "merchant-1", "INV-009", 10, "254712345678", "d", time.Now())
	_, err := store.Create(context.Background(), stranded)
	require.NoError(t, err)

	svc := payments.NewPaymentService(store, stubProvider{}, nil, logger)
	rec := payments.NewReconciler(svc, 10*time.Millisecond, 50*time.Millisecond, logger)
	srv := httptest.NewServer(NewRouter(RouterConfig{RequestTimeout: 5 * time.Second}, svc, rec, logger))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/payments/a-stranded/watch", nil)
	require.NoError(t, err)
	req.Header.Set(MerchantIDHeader, "merchant-1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var lines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.NotEmpty(t, lines)
	for _, line := range lines[:len(lines)-1] {
		var u StatusUpdateResponse
		require.NoError(t, json.Unmarshal([]byte(line), &u))
		assert.False(t, u.Final)
	}
	var last ErrorResponse
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &last))
	assert.Equal(t, "payment attempt not resolved at deadline", last.Error)
}
