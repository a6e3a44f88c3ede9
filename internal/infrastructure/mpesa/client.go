package mpesa

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"stkpay/internal/domain"
)

const (
	stkPushPath          = "/mpesa/stkpush/v1/processrequest"
	transactionType      = "CustomerPayBillOnline"
	timestampLayout      = "20060102150405"
	responseCodeAccepted = "0"
)

// Daraja expects timestamps in East Africa Time.
var eat = time.FixedZone("EAT", 3*60*60)

type Config struct {
	BaseURL     string
	ShortCode   string
	Passkey     string
	CallbackURL string
	Timeout     time.Duration
}

type PushRequest struct {
	Amount      int64
	PayerPhone  string
	Reference   string
	Description string
}

type PushResponse struct {
	CheckoutID        string
	MerchantRequestID string
	ProviderMessage   string
}

// Client issues STK push requests. It makes exactly one attempt per call.
type Client interface {
	Push(ctx context.Context, req PushRequest) (*PushResponse, error)
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type apiError struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

type client struct {
	http   *resty.Client
	cfg    Config
	tokens TokenSource
	logger *zap.Logger
	now    func() time.Time
}

func NewClient(cfg Config, tokens TokenSource, logger *zap.Logger) Client {
	return &client{
		http: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(cfg.Timeout).
			SetRetryCount(0).
			SetHeader("Content-Type", "application/json"),
		cfg:    cfg,
		tokens: tokens,
		logger: logger,
		now:    time.Now,
	}
}

// Password is base64(shortcode + passkey + timestamp).
func Password(shortCode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passkey + timestamp))
}

func Timestamp(t time.Time) string {
	return t.In(eat).Format(timestampLayout)
}

func (c *client) Push(ctx context.Context, req PushRequest) (*PushResponse, error) {
	phone, err := ValidatePhone(req.PayerPhone)
	if err != nil {
		return nil, err
	}
	if _, err := domain.ValidateAmount(req.Amount); err != nil {
		return nil, err
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, &domain.ProviderError{Kind: domain.ProviderAuthFailed, Err: err}
	}

	ts := Timestamp(c.now())
	body := stkPushRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          Password(c.cfg.ShortCode, c.cfg.Passkey, ts),
		Timestamp:         ts,
		TransactionType:   transactionType,
		Amount:            req.Amount,
		PartyA:            phone,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       phone,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  req.Reference,
		TransactionDesc:   req.Description,
	}

	var result stkPushResponse
	var failure apiError
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(body).
		SetResult(&result).
		SetError(&failure).
		Post(stkPushPath)
	if err != nil {
		c.logger.Warn("STK push request did not reach provider", zap.String("reference", req.Reference), zap.Error(err))
		return nil, &domain.ProviderError{Kind: domain.ProviderUnreachable, Err: err}
	}

	switch status := resp.StatusCode(); {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return nil, &domain.ProviderError{Kind: domain.ProviderAuthFailed, Code: failure.ErrorCode, Message: failure.ErrorMessage}
	case status >= http.StatusInternalServerError:
		return nil, &domain.ProviderError{Kind: domain.ProviderUnreachable, Code: failure.ErrorCode, Message: failure.ErrorMessage}
	case resp.IsError():
		return nil, &domain.ProviderError{Kind: domain.ProviderRejected, Code: failure.ErrorCode, Message: failure.ErrorMessage}
	}

	if result.ResponseCode != responseCodeAccepted {
		return nil, &domain.ProviderError{Kind: domain.ProviderRejected, Code: result.ResponseCode, Message: result.ResponseDescription}
	}
	if result.CheckoutRequestID == "" {
		return nil, &domain.ProviderError{
			Kind: domain.ProviderRejected,
			Err:  errors.New("provider accepted the push without a CheckoutRequestID"),
		}
	}

	c.logger.Info("STK push accepted by provider",
		zap.String("checkout_id", result.CheckoutRequestID),
		zap.String("merchant_request_id", result.MerchantRequestID),
		zap.String("reference", req.Reference),
	)

	msg := result.CustomerMessage
	if msg == "" {
		msg = result.ResponseDescription
	}
	return &PushResponse{
		CheckoutID:        result.CheckoutRequestID,
		MerchantRequestID: result.MerchantRequestID,
		ProviderMessage:   msg,
	}, nil
}
